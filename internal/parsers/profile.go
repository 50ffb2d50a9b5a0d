package parsers

import (
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Keywords groups the phrase sets a PatternParser classifies with. Matching
// is case-insensitive on word boundaries.
type Keywords struct {
	Debit        []string `yaml:"debit,omitempty"`
	Credit       []string `yaml:"credit,omitempty"`
	Transfer     []string `yaml:"transfer,omitempty"`
	Investment   []string `yaml:"investment,omitempty"`
	CreditCard   []string `yaml:"credit_card,omitempty"`
	Card         []string `yaml:"card,omitempty"`
	Mandate      []string `yaml:"mandate,omitempty"`
	MandateSetup []string `yaml:"mandate_setup,omitempty"`
	Ignore       []string `yaml:"ignore,omitempty"`
}

// DefaultKeywords returns the phrase sets shared by the built-in profiles.
func DefaultKeywords() Keywords {
	return Keywords{
		Debit:        []string{"debited", "spent", "paid", "withdrawn", "purchase", "sent", "deducted"},
		Credit:       []string{"credited", "received", "deposited", "refund", "refunded", "cashback"},
		Transfer:     []string{"transferred", "transfer to", "transfer from", "fund transfer", "self transfer"},
		Investment:   []string{"sip", "mutual fund", "invested", "folio", "nav"},
		CreditCard:   []string{"credit card", "creditcard"},
		Card:         []string{"card", "debit card", "credit card"},
		Mandate:      []string{"mandate", "e-mandate", "autopay", "standing instruction"},
		MandateSetup: []string{"registered", "created", "set up", "setup", "activated", "successfully"},
		Ignore: []string{
			"otp", "one time password", "verification code", "declined", "failed",
			"will be debited", "is due", "due on", "has requested", "request money",
		},
	}
}

// withDefaults fills every empty set from base.
func (k Keywords) withDefaults(base Keywords) Keywords {
	pick := func(own, def []string) []string {
		if len(own) > 0 {
			return own
		}
		return def
	}
	return Keywords{
		Debit:        pick(k.Debit, base.Debit),
		Credit:       pick(k.Credit, base.Credit),
		Transfer:     pick(k.Transfer, base.Transfer),
		Investment:   pick(k.Investment, base.Investment),
		CreditCard:   pick(k.CreditCard, base.CreditCard),
		Card:         pick(k.Card, base.Card),
		Mandate:      pick(k.Mandate, base.Mandate),
		MandateSetup: pick(k.MandateSetup, base.MandateSetup),
		Ignore:       pick(k.Ignore, base.Ignore),
	}
}

// BankProfile describes how to recognize one bank's messages
type BankProfile struct {
	Name        string   `yaml:"name"`
	SenderCodes []string `yaml:"sender_codes"`
	AppIDs      []string `yaml:"app_ids,omitempty"`
	Currency    string   `yaml:"currency,omitempty"`
	Keywords    Keywords `yaml:"keywords,omitempty"`
	Description string   `yaml:"description,omitempty"`
}

// Validate checks if the profile is usable
func (p *BankProfile) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("bank name cannot be empty")
	}
	if len(p.SenderCodes) == 0 && len(p.AppIDs) == 0 {
		return fmt.Errorf("bank %s: at least one sender code or app id is required", p.Name)
	}
	for _, code := range p.SenderCodes {
		if strings.TrimSpace(code) == "" {
			return fmt.Errorf("bank %s: empty sender code", p.Name)
		}
	}
	return nil
}

func (p *BankProfile) normalize() {
	if p.Currency == "" {
		p.Currency = "INR"
	}
	for i, code := range p.SenderCodes {
		p.SenderCodes[i] = strings.ToUpper(strings.TrimSpace(code))
	}
	for i, app := range p.AppIDs {
		p.AppIDs[i] = strings.ToLower(strings.TrimSpace(app))
	}
	p.Keywords = p.Keywords.withDefaults(DefaultKeywords())
}

// DefaultProfiles returns the built-in sender table
func DefaultProfiles() []*BankProfile {
	profiles := []*BankProfile{
		{
			Name:        "HDFC Bank",
			SenderCodes: []string{"HDFCBK", "HDFCBN", "HDFCCC"},
			AppIDs:      []string{"com.snapwork.hdfc"},
			Description: "HDFC Bank accounts and cards",
		},
		{
			Name:        "ICICI Bank",
			SenderCodes: []string{"ICICIB", "ICICIT"},
			AppIDs:      []string{"com.csam.icici.bank.imobile"},
		},
		{
			Name:        "State Bank of India",
			SenderCodes: []string{"SBIINB", "SBIPSG", "ATMSBI", "CBSSBI", "SBICRD"},
			AppIDs:      []string{"com.sbi.lotusintouch"},
		},
		{
			Name:        "Axis Bank",
			SenderCodes: []string{"AXISBK", "AXISCC"},
		},
		{
			Name:        "Kotak Mahindra Bank",
			SenderCodes: []string{"KOTAKB", "KOTAKM"},
		},
		{
			Name:        "Paytm Payments Bank",
			SenderCodes: []string{"PAYTMB", "PYTMBK"},
			AppIDs:      []string{"net.one97.paytm"},
		},
	}
	for _, p := range profiles {
		p.normalize()
	}
	return profiles
}

type profileFile struct {
	Banks []*BankProfile `yaml:"banks"`
}

// LoadProfiles reads a YAML document with a top-level "banks" list.
func LoadProfiles(r io.Reader) ([]*BankProfile, error) {
	var doc profileFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("profile file is empty")
		}
		return nil, fmt.Errorf("failed to decode bank profiles: %w", err)
	}

	seen := make(map[string]string)
	for _, p := range doc.Banks {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		p.normalize()
		for _, code := range p.SenderCodes {
			if other, dup := seen[code]; dup {
				return nil, fmt.Errorf("sender code %s claimed by both %s and %s", code, other, p.Name)
			}
			seen[code] = p.Name
		}
	}
	return doc.Banks, nil
}
