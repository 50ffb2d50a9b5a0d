// Package rules evaluates user-defined blocking and mutation rules against
// ledger entries before they are saved.
package rules

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"ledger-ingestion-service/internal/models"
	"ledger-ingestion-service/internal/store"
	"ledger-ingestion-service/pkg/errors"
	"ledger-ingestion-service/pkg/logger"
)

// RuleSet is an immutable per-type snapshot of active rules, loaded once per run.
type RuleSet struct {
	byType map[models.TransactionType][]*models.Rule
}

// LoadRuleSet queries the repository once per transaction type.
func LoadRuleSet(ctx context.Context, repo store.RuleRepository) (*RuleSet, error) {
	rs := &RuleSet{byType: make(map[models.TransactionType][]*models.Rule, len(models.AllTransactionTypes))}
	for _, t := range models.AllTransactionTypes {
		rules, err := repo.ActiveRulesByType(ctx, t)
		if err != nil {
			return nil, errors.PipelineError(errors.CodeCacheLoadFailed, "rules", err).
				WithContext("transaction_type", string(t))
		}
		rs.byType[t] = rules
	}
	return rs, nil
}

// NewRuleSet builds a snapshot from rules already grouped by type
func NewRuleSet(byType map[models.TransactionType][]*models.Rule) *RuleSet {
	if byType == nil {
		byType = make(map[models.TransactionType][]*models.Rule)
	}
	return &RuleSet{byType: byType}
}

// For returns the rules that apply to t, highest priority first
func (rs *RuleSet) For(t models.TransactionType) []*models.Rule {
	return rs.byType[t]
}

// Len is the number of distinct rules in the snapshot
func (rs *RuleSet) Len() int {
	seen := make(map[string]bool)
	for _, rules := range rs.byType {
		for _, r := range rules {
			seen[r.ID] = true
		}
	}
	return len(seen)
}

// Evaluator matches rule conditions. Compiled patterns are cached.
type Evaluator struct {
	logger logger.Logger

	mu       sync.Mutex
	patterns map[string]*regexp.Regexp
}

// NewEvaluator creates an evaluator
func NewEvaluator(log logger.Logger) *Evaluator {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Evaluator{
		logger:   log.WithComponent("rules"),
		patterns: make(map[string]*regexp.Regexp),
	}
}

// ShouldBlock returns the first active blocking rule whose conditions hold, or nil.
func (ev *Evaluator) ShouldBlock(entry *models.LedgerEntry, rawBody string, rules []*models.Rule) *models.Rule {
	for _, r := range rules {
		if r.Active && r.Blocks() && ev.Matches(r, entry, rawBody) {
			return r
		}
	}
	return nil
}

// Evaluate applies the mutations of every matching rule in order and returns
// the mutated copy with the rules that fired. entry is left untouched.
func (ev *Evaluator) Evaluate(entry *models.LedgerEntry, rawBody string, rules []*models.Rule) (*models.LedgerEntry, []*models.Rule) {
	out := *entry
	var applied []*models.Rule

	for _, r := range rules {
		if !r.Active || r.Blocks() || !ev.Matches(r, &out, rawBody) {
			continue
		}
		changed := false
		for _, a := range r.Actions {
			switch a.Type {
			case models.ActionSetCategory:
				out.Category = a.Value
				changed = true
			case models.ActionSetMerchant:
				out.Merchant = a.Value
				changed = true
			case models.ActionSetType:
				t, err := models.ParseTransactionType(a.Value)
				if err != nil {
					ev.logger.WithField("rule_id", r.ID).WithError(err).Warn("Skipping invalid SET_TYPE action")
					continue
				}
				out.Type = t
				changed = true
			}
		}
		if changed {
			applied = append(applied, r)
		}
	}
	return &out, applied
}

// Matches reports whether every condition of r holds. A rule without
// conditions matches everything.
func (ev *Evaluator) Matches(r *models.Rule, entry *models.LedgerEntry, rawBody string) bool {
	for _, c := range r.Conditions {
		if !ev.holds(c, entry, rawBody) {
			return false
		}
	}
	return true
}

func (ev *Evaluator) holds(c models.RuleCondition, entry *models.LedgerEntry, rawBody string) bool {
	if c.Field == models.FieldAmount {
		return compareAmount(c, entry.Amount)
	}

	value := fieldValue(c.Field, entry, rawBody)
	switch c.Operator {
	case models.OpEquals:
		return strings.EqualFold(strings.TrimSpace(value), strings.TrimSpace(c.Value))
	case models.OpContains:
		return strings.Contains(strings.ToLower(value), strings.ToLower(c.Value))
	case models.OpStartsWith:
		return strings.HasPrefix(strings.ToLower(value), strings.ToLower(c.Value))
	case models.OpRegex:
		re := ev.pattern(c.Value)
		return re != nil && re.MatchString(value)
	default:
		return false
	}
}

func fieldValue(f models.RuleField, entry *models.LedgerEntry, rawBody string) string {
	switch f {
	case models.FieldMerchant:
		return entry.Merchant
	case models.FieldBody:
		return rawBody
	case models.FieldSender:
		return entry.Sender
	case models.FieldBank:
		return entry.BankName
	case models.FieldAccount:
		return entry.AccountLast4
	case models.FieldCategory:
		return entry.Category
	default:
		return ""
	}
}

func compareAmount(c models.RuleCondition, amount decimal.Decimal) bool {
	want, err := decimal.NewFromString(strings.TrimSpace(c.Value))
	if err != nil {
		return false
	}
	switch c.Operator {
	case models.OpEquals:
		return amount.Equal(want)
	case models.OpGreaterThan:
		return amount.GreaterThan(want)
	case models.OpLessThan:
		return amount.LessThan(want)
	default:
		return false
	}
}

func (ev *Evaluator) pattern(expr string) *regexp.Regexp {
	ev.mu.Lock()
	defer ev.mu.Unlock()

	if re, ok := ev.patterns[expr]; ok {
		return re
	}
	re, err := regexp.Compile("(?i)" + expr)
	if err != nil {
		ev.logger.WithField("pattern", expr).WithError(err).Warn("Invalid rule pattern")
		re = nil
	}
	ev.patterns[expr] = re
	return re
}
