package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// BalanceSnapshot is one point in the append-only balance history of an
// account, keyed by (BankName, AccountLast4).
type BalanceSnapshot struct {
	ID            int64            `json:"id"`
	BankName      string           `json:"bankName"`
	AccountLast4  string           `json:"accountLast4"`
	Balance       decimal.Decimal  `json:"balance"`
	Timestamp     time.Time        `json:"timestamp"`
	SourceEntryID int64            `json:"sourceEntryId,omitempty"`
	IsCreditCard  bool             `json:"isCreditCard"`
	CreditLimit   *decimal.Decimal `json:"creditLimit,omitempty"`
}

// String returns a string representation of the snapshot
func (s *BalanceSnapshot) String() string {
	return fmt.Sprintf("BalanceSnapshot{%s x%s: %s at %s}",
		s.BankName, s.AccountLast4, s.Balance.String(), s.Timestamp.Format(time.RFC3339))
}

// Card is a debit or credit card seen in messages.
type Card struct {
	ID                 int64            `json:"id"`
	BankName           string           `json:"bankName"`
	Last4              string           `json:"last4"`
	IsCredit           bool             `json:"isCredit"`
	LinkedAccountLast4 string           `json:"linkedAccountLast4,omitempty"`
	Balance            *decimal.Decimal `json:"balance,omitempty"`
	BalanceSource      string           `json:"balanceSource,omitempty"`
	BalanceUpdatedAt   *time.Time       `json:"balanceUpdatedAt,omitempty"`
}

// Subscription is a recurring payment, usually created from a mandate.
type Subscription struct {
	ID               int64           `json:"id"`
	Merchant         string          `json:"merchant"`
	Amount           decimal.Decimal `json:"amount"`
	NextPaymentDate  time.Time       `json:"nextPaymentDate"`
	Frequency        string          `json:"frequency"`
	MandateReference string          `json:"mandateReference,omitempty"`
	BankName         string          `json:"bankName"`
	Active           bool            `json:"active"`
}

// NextAfter returns the first due date strictly after t, stepping by frequency.
func (s *Subscription) NextAfter(t time.Time) time.Time {
	next := s.NextPaymentDate
	if next.IsZero() {
		next = t
	}
	for !next.After(t) {
		switch s.Frequency {
		case "weekly":
			next = next.AddDate(0, 0, 7)
		case "yearly":
			next = next.AddDate(1, 0, 0)
		default:
			next = next.AddDate(0, 1, 0)
		}
	}
	return next
}

// Mandate is a recurring-payment authorization parsed from a message.
type Mandate struct {
	Merchant        string          `json:"merchant"`
	Amount          decimal.Decimal `json:"amount"`
	NextPaymentDate time.Time       `json:"nextPaymentDate"`
	Frequency       string          `json:"frequency"`
	Reference       string          `json:"reference,omitempty"`
	BankName        string          `json:"bankName"`
}

// BalanceNotice is a balance-only statement with no transaction.
type BalanceNotice struct {
	BankName     string           `json:"bankName"`
	AccountLast4 string           `json:"accountLast4"`
	Balance      decimal.Decimal  `json:"balance"`
	Timestamp    time.Time        `json:"timestamp"`
	IsCreditCard bool             `json:"isCreditCard"`
	CreditLimit  *decimal.Decimal `json:"creditLimit,omitempty"`
}
