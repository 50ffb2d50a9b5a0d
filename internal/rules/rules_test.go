package rules

import (
	"context"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger-ingestion-service/internal/models"
	"ledger-ingestion-service/internal/store/memory"
	"ledger-ingestion-service/pkg/logger"
)

func entry() *models.LedgerEntry {
	return &models.LedgerEntry{
		ContentHash:  "h1",
		Amount:       decimal.RequireFromString("250.00"),
		Merchant:     "swiggy@upi",
		Category:     "Uncategorized",
		Type:         models.TransactionTypeExpense,
		BankName:     "HDFC Bank",
		AccountLast4: "1234",
		Sender:       "VM-HDFCBK-S",
	}
}

func TestShouldBlock(t *testing.T) {
	ev := NewEvaluator(logger.NewNopLogger())
	block := &models.Rule{
		ID: "r1", Name: "block cashback", Active: true,
		Conditions: []models.RuleCondition{{Field: models.FieldBody, Operator: models.OpContains, Value: "CASHBACK"}},
		Actions:    []models.RuleAction{{Type: models.ActionBlock}},
	}
	inactive := *block
	inactive.ID, inactive.Active = "r2", false

	assert.Nil(t, ev.ShouldBlock(entry(), "Rs.250 debited", []*models.Rule{block}))
	assert.Equal(t, block, ev.ShouldBlock(entry(), "Cashback of Rs.250 credited", []*models.Rule{block}))
	assert.Nil(t, ev.ShouldBlock(entry(), "Cashback of Rs.250 credited", []*models.Rule{&inactive}))
}

func TestEvaluate(t *testing.T) {
	ev := NewEvaluator(logger.NewNopLogger())
	rules := []*models.Rule{
		{
			ID: "food", Name: "food delivery", Priority: 10, Active: true,
			Conditions: []models.RuleCondition{{Field: models.FieldMerchant, Operator: models.OpRegex, Value: `^swiggy|zomato`}},
			Actions: []models.RuleAction{
				{Type: models.ActionSetCategory, Value: "Food"},
				{Type: models.ActionSetMerchant, Value: "Swiggy"},
			},
		},
		{
			ID: "big", Name: "large food", Priority: 5, Active: true,
			Conditions: []models.RuleCondition{
				{Field: models.FieldCategory, Operator: models.OpEquals, Value: "food"},
				{Field: models.FieldAmount, Operator: models.OpGreaterThan, Value: "200"},
			},
			Actions: []models.RuleAction{{Type: models.ActionSetCategory, Value: "Dining Out"}},
		},
		{
			ID: "never", Name: "small", Priority: 1, Active: true,
			Conditions: []models.RuleCondition{{Field: models.FieldAmount, Operator: models.OpLessThan, Value: "10"}},
			Actions:    []models.RuleAction{{Type: models.ActionSetType, Value: "TRANSFER"}},
		},
	}

	in := entry()
	out, applied := ev.Evaluate(in, "Rs.250 paid to swiggy@upi", rules)

	require.Len(t, applied, 2)
	assert.Equal(t, "food", applied[0].ID)
	assert.Equal(t, "big", applied[1].ID)
	assert.Equal(t, "Swiggy", out.Merchant)
	assert.Equal(t, "Dining Out", out.Category)
	assert.Equal(t, models.TransactionTypeExpense, out.Type)

	assert.Equal(t, "swiggy@upi", in.Merchant, "input must not be mutated")
	assert.Equal(t, "h1", out.ContentHash)
}

func TestEvaluateSetType(t *testing.T) {
	ev := NewEvaluator(logger.NewNopLogger())
	rule := &models.Rule{
		ID: "self", Name: "self transfer", Active: true,
		Conditions: []models.RuleCondition{{Field: models.FieldBody, Operator: models.OpStartsWith, Value: "rs.250 sent to self"}},
		Actions:    []models.RuleAction{{Type: models.ActionSetType, Value: "transfer"}},
	}
	out, applied := ev.Evaluate(entry(), "Rs.250 sent to self", []*models.Rule{rule})
	assert.Len(t, applied, 1)
	assert.Equal(t, models.TransactionTypeTransfer, out.Type)
}

func TestLoadRuleSet(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.SaveRule(ctx, &models.Rule{
		ID: "a", Name: "all", Active: true, Priority: 1,
		Actions: []models.RuleAction{{Type: models.ActionSetCategory, Value: "Misc"}},
	}))
	require.NoError(t, st.SaveRule(ctx, &models.Rule{
		ID: "b", Name: "income only", Active: true, Priority: 2, TransactionType: models.TransactionTypeIncome,
		Actions: []models.RuleAction{{Type: models.ActionSetCategory, Value: "Salary"}},
	}))

	rs, err := LoadRuleSet(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, 2, rs.Len())
	assert.Len(t, rs.For(models.TransactionTypeExpense), 1)

	income := rs.For(models.TransactionTypeIncome)
	require.Len(t, income, 2)
	assert.Equal(t, "b", income[0].ID, "higher priority first")
}

func TestLoadRules(t *testing.T) {
	doc := `
rules:
  - id: block-otp
    name: block cashback
    priority: 100
    conditions:
      - {field: body, operator: contains, value: cashback}
    actions:
      - {type: BLOCK}
  - name: rent
    transaction_type: EXPENSE
    conditions:
      - {field: amount, operator: gt, value: "20000"}
      - {field: merchant, operator: contains, value: landlord}
    actions:
      - {type: SET_CATEGORY, value: Rent}
  - name: disabled
    active: false
    actions:
      - {type: SET_MERCHANT, value: Other}
`
	rules, err := LoadRules(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, rules, 3)

	assert.Equal(t, "block-otp", rules[0].ID)
	assert.True(t, rules[0].Blocks())
	assert.NotEmpty(t, rules[1].ID)
	assert.Equal(t, models.TransactionTypeExpense, rules[1].TransactionType)
	assert.True(t, rules[1].Active)
	assert.False(t, rules[2].Active)
}

func TestLoadRulesInvalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ""},
		{"no actions", "rules:\n  - name: x\n"},
		{"bad field", "rules:\n  - name: x\n    conditions: [{field: colour, operator: equals, value: red}]\n    actions: [{type: BLOCK}]\n"},
		{"bad amount", "rules:\n  - name: x\n    conditions: [{field: amount, operator: gt, value: lots}]\n    actions: [{type: BLOCK}]\n"},
		{"gt on text", "rules:\n  - name: x\n    conditions: [{field: merchant, operator: gt, value: a}]\n    actions: [{type: BLOCK}]\n"},
		{"bad regex", "rules:\n  - name: x\n    conditions: [{field: body, operator: regex, value: '('}]\n    actions: [{type: BLOCK}]\n"},
		{"bad type", "rules:\n  - name: x\n    actions: [{type: SET_TYPE, value: GIFT}]\n"},
		{"missing value", "rules:\n  - name: x\n    actions: [{type: SET_CATEGORY}]\n"},
		{"duplicate id", "rules:\n  - {id: a, name: x, actions: [{type: BLOCK}]}\n  - {id: a, name: y, actions: [{type: BLOCK}]}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadRules(strings.NewReader(tt.doc))
			assert.Error(t, err)
		})
	}
}
