package parsers

import (
	"strings"
)

// SenderClass is the traffic category encoded in a sender header suffix.
type SenderClass string

const (
	SenderClassUnknown       SenderClass = "unknown"
	SenderClassPromotional   SenderClass = "promotional"
	SenderClassGovernment    SenderClass = "government"
	SenderClassService       SenderClass = "service"
	SenderClassTransactional SenderClass = "transactional"
)

var suffixClasses = map[string]SenderClass{
	"P": SenderClassPromotional,
	"G": SenderClassGovernment,
	"S": SenderClassService,
	"T": SenderClassTransactional,
}

// SenderIdentity is a parsed sender header such as "VM-HDFCBK-S".
type SenderIdentity struct {
	Raw    string
	Prefix string // operator and circle, "VM"
	Code   string // entity code, "HDFCBK"
	Suffix string // traffic suffix, "S"
}

// ParseSender splits a DLT-style header. Anything it does not recognize
// (phone numbers, app package names) ends up as Code with no suffix.
func ParseSender(raw string) SenderIdentity {
	id := SenderIdentity{Raw: strings.TrimSpace(raw)}
	normalized := strings.ToUpper(id.Raw)
	if normalized == "" {
		return id
	}

	parts := strings.Split(normalized, "-")
	switch len(parts) {
	case 1:
		id.Code = parts[0]
	case 2:
		if len(parts[0]) == 2 {
			id.Prefix, id.Code = parts[0], parts[1]
		} else if len(parts[1]) == 1 {
			id.Code, id.Suffix = parts[0], parts[1]
		} else {
			id.Code = normalized
		}
	default:
		last := parts[len(parts)-1]
		if len(parts[0]) == 2 && len(last) == 1 {
			id.Prefix = parts[0]
			id.Code = strings.Join(parts[1:len(parts)-1], "-")
			id.Suffix = last
		} else if len(parts[0]) == 2 {
			id.Prefix = parts[0]
			id.Code = strings.Join(parts[1:], "-")
		} else {
			id.Code = normalized
		}
	}
	return id
}

// Class returns the traffic class of the suffix
func (s SenderIdentity) Class() SenderClass {
	if c, ok := suffixClasses[s.Suffix]; ok {
		return c
	}
	return SenderClassUnknown
}

// IsPromotionalOrGovernment reports suffixes reserved for non-transactional traffic.
func (s SenderIdentity) IsPromotionalOrGovernment() bool {
	c := s.Class()
	return c == SenderClassPromotional || c == SenderClassGovernment
}

// IsTransactionalGrade reports suffixes banks use for account alerts.
func (s SenderIdentity) IsTransactionalGrade() bool {
	c := s.Class()
	return c == SenderClassService || c == SenderClassTransactional
}

// Key is the memoization key of the identity
func (s SenderIdentity) Key() string {
	return strings.ToUpper(s.Raw)
}
