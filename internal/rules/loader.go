package rules

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"ledger-ingestion-service/internal/models"
)

// LoadRules reads a YAML document with a top-level "rules" list. Rules
// without an id get a random one; rules default to active.
func LoadRules(r io.Reader) ([]*models.Rule, error) {
	var doc struct {
		Rules []yaml.Node `yaml:"rules"`
	}
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("rule file is empty")
		}
		return nil, fmt.Errorf("failed to decode rules: %w", err)
	}

	out := make([]*models.Rule, 0, len(doc.Rules))
	ids := make(map[string]bool)
	for i := range doc.Rules {
		rule := &models.Rule{Active: true}
		if err := doc.Rules[i].Decode(rule); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i+1, err)
		}
		if rule.ID == "" {
			rule.ID = uuid.NewString()
		}
		if err := Validate(rule); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i+1, rule.Name, err)
		}
		if ids[rule.ID] {
			return nil, fmt.Errorf("duplicate rule id %s", rule.ID)
		}
		ids[rule.ID] = true
		out = append(out, rule)
	}
	return out, nil
}

var (
	validFields = map[models.RuleField]bool{
		models.FieldAmount: true, models.FieldMerchant: true, models.FieldBody: true, models.FieldSender: true,
		models.FieldBank: true, models.FieldAccount: true, models.FieldCategory: true,
	}
	validOperators = map[models.RuleOperator]bool{
		models.OpEquals: true, models.OpContains: true, models.OpStartsWith: true,
		models.OpRegex: true, models.OpGreaterThan: true, models.OpLessThan: true,
	}
)

// Validate checks a rule before it is stored
func Validate(rule *models.Rule) error {
	if strings.TrimSpace(rule.Name) == "" {
		return fmt.Errorf("rule name cannot be empty")
	}
	if rule.TransactionType != "" && !rule.TransactionType.IsValid() {
		return fmt.Errorf("invalid transaction type: %s", rule.TransactionType)
	}
	if len(rule.Actions) == 0 {
		return fmt.Errorf("rule needs at least one action")
	}

	for _, c := range rule.Conditions {
		if !validFields[c.Field] {
			return fmt.Errorf("invalid condition field: %s", c.Field)
		}
		if !validOperators[c.Operator] {
			return fmt.Errorf("invalid condition operator: %s", c.Operator)
		}
		if c.Field == models.FieldAmount {
			if c.Operator != models.OpEquals && c.Operator != models.OpGreaterThan && c.Operator != models.OpLessThan {
				return fmt.Errorf("amount supports equals, gt and lt only, got %s", c.Operator)
			}
			if _, err := decimal.NewFromString(strings.TrimSpace(c.Value)); err != nil {
				return fmt.Errorf("invalid amount %q: %w", c.Value, err)
			}
		} else if c.Operator == models.OpGreaterThan || c.Operator == models.OpLessThan {
			return fmt.Errorf("operator %s only applies to amount", c.Operator)
		}
		if c.Operator == models.OpRegex {
			if _, err := regexp.Compile(c.Value); err != nil {
				return fmt.Errorf("invalid pattern %q: %w", c.Value, err)
			}
		}
	}

	for _, a := range rule.Actions {
		switch a.Type {
		case models.ActionBlock:
		case models.ActionSetCategory, models.ActionSetMerchant:
			if strings.TrimSpace(a.Value) == "" {
				return fmt.Errorf("%s needs a value", a.Type)
			}
		case models.ActionSetType:
			if _, err := models.ParseTransactionType(a.Value); err != nil {
				return err
			}
		default:
			return fmt.Errorf("invalid action type: %s", a.Type)
		}
	}
	return nil
}
