package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// LedgerEntry is a persisted transaction. Only the soft-delete flag and
// category/rule assignment change after insert.
type LedgerEntry struct {
	ID             int64           `json:"id"`
	ContentHash    string          `json:"contentHash"`
	Amount         decimal.Decimal `json:"amount"`
	Merchant       string          `json:"merchant"`
	Category       string          `json:"category"`
	Type           TransactionType `json:"type"`
	Timestamp      time.Time       `json:"timestamp"`
	Currency       string          `json:"currency"`
	BankName       string          `json:"bankName"`
	AccountLast4   string          `json:"accountLast4,omitempty"`
	Reference      string          `json:"reference,omitempty"`
	RawBody        string          `json:"rawBody"`
	Sender         string          `json:"sender"`
	IsRecurring    bool            `json:"isRecurring"`
	SubscriptionID int64           `json:"subscriptionId,omitempty"`
	IsDeleted      bool            `json:"isDeleted"`
	DeletedAt      *time.Time      `json:"deletedAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// NewLedgerEntry builds an unsaved entry from a candidate. The content hash is
// fixed here from the candidate as parsed, before any rule mutation.
func NewLedgerEntry(p *ParsedTransaction) *LedgerEntry {
	return &LedgerEntry{
		ContentHash:  p.ContentHash(),
		Amount:       p.Amount,
		Merchant:     p.Merchant,
		Type:         p.Type,
		Timestamp:    p.Timestamp,
		Currency:     p.Currency,
		BankName:     p.BankName,
		AccountLast4: p.AccountLast4,
		Reference:    p.Reference,
		RawBody:      p.RawBody,
		Sender:       p.Sender,
	}
}

// String returns a string representation of the entry
func (e *LedgerEntry) String() string {
	return fmt.Sprintf("LedgerEntry{ID: %d, Amount: %s, Type: %s, Merchant: %s, Time: %s}",
		e.ID, e.Amount.String(), e.Type, e.Merchant, e.Timestamp.Format(time.RFC3339))
}
