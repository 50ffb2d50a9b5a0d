package models

import (
	"time"
)

// RuleActionType is what a rule does when its conditions hold
type RuleActionType string

const (
	ActionBlock       RuleActionType = "BLOCK"
	ActionSetCategory RuleActionType = "SET_CATEGORY"
	ActionSetMerchant RuleActionType = "SET_MERCHANT"
	ActionSetType     RuleActionType = "SET_TYPE"
)

// RuleField is the candidate field a condition inspects
type RuleField string

const (
	FieldAmount   RuleField = "amount"
	FieldMerchant RuleField = "merchant"
	FieldBody     RuleField = "body"
	FieldSender   RuleField = "sender"
	FieldBank     RuleField = "bank"
	FieldAccount  RuleField = "account"
	FieldCategory RuleField = "category"
)

// RuleOperator compares a field to a condition value
type RuleOperator string

const (
	OpEquals      RuleOperator = "equals"
	OpContains    RuleOperator = "contains"
	OpStartsWith  RuleOperator = "starts_with"
	OpRegex       RuleOperator = "regex"
	OpGreaterThan RuleOperator = "gt"
	OpLessThan    RuleOperator = "lt"
)

// RuleCondition is a single predicate; all of a rule's conditions must hold.
type RuleCondition struct {
	Field    RuleField    `json:"field" yaml:"field"`
	Operator RuleOperator `json:"operator" yaml:"operator"`
	Value    string       `json:"value" yaml:"value"`
}

// RuleAction is a single mutation or a block
type RuleAction struct {
	Type  RuleActionType `json:"type" yaml:"type"`
	Value string         `json:"value,omitempty" yaml:"value,omitempty"`
}

// Rule is a user-defined blocking or mutation rule. An empty TransactionType
// applies to every type.
type Rule struct {
	ID              string          `json:"id" yaml:"id"`
	Name            string          `json:"name" yaml:"name"`
	Priority        int             `json:"priority" yaml:"priority"`
	TransactionType TransactionType `json:"transactionType,omitempty" yaml:"transaction_type,omitempty"`
	Conditions      []RuleCondition `json:"conditions" yaml:"conditions"`
	Actions         []RuleAction    `json:"actions" yaml:"actions"`
	Active          bool            `json:"active" yaml:"active"`
}

// Blocks reports whether the rule has a BLOCK action
func (r *Rule) Blocks() bool {
	for _, a := range r.Actions {
		if a.Type == ActionBlock {
			return true
		}
	}
	return false
}

// RuleApplication records that a rule fired for a ledger entry
type RuleApplication struct {
	RuleID    string    `json:"ruleId"`
	RuleName  string    `json:"ruleName"`
	EntryID   int64     `json:"entryId"`
	Blocked   bool      `json:"blocked"`
	AppliedAt time.Time `json:"appliedAt"`
}
