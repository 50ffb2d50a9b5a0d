package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType represents the type of transaction
type TransactionType string

const (
	TransactionTypeExpense    TransactionType = "EXPENSE"
	TransactionTypeIncome     TransactionType = "INCOME"
	TransactionTypeCredit     TransactionType = "CREDIT"
	TransactionTypeTransfer   TransactionType = "TRANSFER"
	TransactionTypeInvestment TransactionType = "INVESTMENT"
)

// AllTransactionTypes lists every type, in the order rules are preloaded.
var AllTransactionTypes = []TransactionType{
	TransactionTypeExpense,
	TransactionTypeIncome,
	TransactionTypeCredit,
	TransactionTypeTransfer,
	TransactionTypeInvestment,
}

// String returns the string representation of TransactionType
func (t TransactionType) String() string {
	return string(t)
}

// IsValid checks if the transaction type is valid
func (t TransactionType) IsValid() bool {
	for _, known := range AllTransactionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseTransactionType parses a case-insensitive type name
func ParseTransactionType(s string) (TransactionType, error) {
	t := TransactionType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", fmt.Errorf("invalid transaction type: %s", s)
	}
	return t, nil
}

// ParsedTransaction is a transaction candidate extracted from one message.
type ParsedTransaction struct {
	Amount       decimal.Decimal  `json:"amount"`
	Merchant     string           `json:"merchant"`
	Type         TransactionType  `json:"type"`
	Timestamp    time.Time        `json:"timestamp"`
	Currency     string           `json:"currency"`
	BankName     string           `json:"bankName"`
	AccountLast4 string           `json:"accountLast4,omitempty"`
	BalanceAfter *decimal.Decimal `json:"balanceAfter,omitempty"`
	CreditLimit  *decimal.Decimal `json:"creditLimit,omitempty"`
	Reference    string           `json:"reference,omitempty"`
	RawBody      string           `json:"rawBody"`
	Sender       string           `json:"sender"`
	IsFromCard   bool             `json:"isFromCard"`
	IsCreditCard bool             `json:"isCreditCard"`
}

// Validate performs basic validation on the candidate
func (p *ParsedTransaction) Validate() error {
	if !p.Amount.IsPositive() {
		return fmt.Errorf("transaction amount must be positive, got %s", p.Amount.String())
	}
	if !p.Type.IsValid() {
		return fmt.Errorf("invalid transaction type: %s", p.Type)
	}
	if p.Timestamp.IsZero() {
		return fmt.Errorf("transaction time cannot be zero")
	}
	if strings.TrimSpace(p.BankName) == "" {
		return fmt.Errorf("bank name cannot be empty")
	}
	return nil
}

// ContentHash fingerprints the defining fields: amount, merchant, type,
// timestamp truncated to the minute and the whitespace-normalized body.
func (p *ParsedTransaction) ContentHash() string {
	return ContentHash(p.Amount, p.Merchant, p.Type, p.Timestamp, p.RawBody)
}

// ContentHash is the ledger's primary duplicate key.
func ContentHash(amount decimal.Decimal, merchant string, txType TransactionType, ts time.Time, body string) string {
	var b strings.Builder
	b.WriteString(amount.StringFixed(2))
	b.WriteByte('|')
	b.WriteString(strings.ToLower(strings.TrimSpace(merchant)))
	b.WriteByte('|')
	b.WriteString(string(txType))
	b.WriteByte('|')
	fmt.Fprintf(&b, "%d", ts.UTC().Truncate(time.Minute).UnixMilli())
	b.WriteByte('|')
	b.WriteString(normalizeBody(body))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func normalizeBody(body string) string {
	return strings.ToLower(strings.Join(strings.Fields(body), " "))
}

// String returns a string representation of the candidate
func (p *ParsedTransaction) String() string {
	return fmt.Sprintf("ParsedTransaction{Bank: %s, Amount: %s, Type: %s, Merchant: %s, Time: %s}",
		p.BankName, p.Amount.String(), p.Type, p.Merchant, p.Timestamp.Format(time.RFC3339))
}
