// Package parsers resolves a message sender to a bank parser and turns
// message text into transaction candidates or special notifications.
package parsers

import (
	"sync"
	"sync/atomic"

	"ledger-ingestion-service/internal/models"
	"ledger-ingestion-service/pkg/logger"
)

// SpecialKind distinguishes notifications that change state without being
// a ledger transaction.
type SpecialKind string

const (
	SpecialMandate SpecialKind = "mandate"
	SpecialBalance SpecialKind = "balance"
)

// Special is the payload of a mandate setup or balance-only message.
type Special struct {
	Kind    SpecialKind
	Mandate *models.Mandate
	Balance *models.BalanceNotice
}

// BankParser parses one bank's messages. Implementations must be safe for
// concurrent use and free of I/O.
type BankParser interface {
	BankName() string
	CanHandle(sender SenderIdentity) bool
	// ClassifySpecial returns nil for ordinary messages.
	ClassifySpecial(msg *models.RawMessage) *Special
	TryParse(msg *models.RawMessage) (*models.ParsedTransaction, bool)
}

// Registry resolves senders to parsers, once per distinct sender.
type Registry struct {
	parsers []BankParser
	logger  logger.Logger

	mu    sync.RWMutex
	cache map[string]BankParser

	resolutions atomic.Int64
}

// NewRegistry creates a registry over parsers, tried in order.
func NewRegistry(log logger.Logger, parsers ...BankParser) *Registry {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Registry{
		parsers: parsers,
		logger:  log.WithComponent("parser_registry"),
		cache:   make(map[string]BankParser),
	}
}

// NewProfileRegistry builds a PatternParser per profile.
func NewProfileRegistry(log logger.Logger, profiles []*BankProfile) *Registry {
	parsers := make([]BankParser, 0, len(profiles))
	for _, p := range profiles {
		parsers = append(parsers, NewPatternParser(p))
	}
	return NewRegistry(log, parsers...)
}

// Resolve returns the parser for sender, or nil when no bank claims it.
// Misses are memoized too.
func (r *Registry) Resolve(sender string) BankParser {
	id := ParseSender(sender)
	key := id.Key()

	r.mu.RLock()
	p, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return p
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.cache[key]; ok {
		return p
	}

	r.resolutions.Add(1)
	var found BankParser
	for _, candidate := range r.parsers {
		if candidate.CanHandle(id) {
			found = candidate
			break
		}
	}
	r.cache[key] = found

	if found != nil {
		r.logger.WithFields(logger.Fields{"sender": id.Raw, "bank": found.BankName()}).Debug("Sender resolved")
	} else {
		r.logger.WithField("sender", id.Raw).Debug("No parser for sender")
	}
	return found
}

// Resolutions is the number of uncached lookups performed so far
func (r *Registry) Resolutions() int64 {
	return r.resolutions.Load()
}

// Banks lists the bank names served by the registry
func (r *Registry) Banks() []string {
	names := make([]string, 0, len(r.parsers))
	for _, p := range r.parsers {
		names = append(names, p.BankName())
	}
	return names
}
