// Package store defines the persistence collaborators the ingestion pipeline
// consumes. Implementations live in store/sqlite and store/memory.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ledger-ingestion-service/internal/models"
)

var (
	// ErrDuplicate is returned by Insert when the content hash already exists,
	// including on a soft-deleted entry.
	ErrDuplicate = errors.New("duplicate content hash")
	// ErrNotFound is returned by lookups by primary key
	ErrNotFound = errors.New("not found")
)

// SummaryDirtyFlag is set whenever the ledger changes so summary views know to refresh.
const SummaryDirtyFlag = "summary_needs_refresh"

// ListOptions filters ledger listings
type ListOptions struct {
	From           time.Time
	To             time.Time
	IncludeDeleted bool
	Limit          int
}

// LedgerStore persists ledger entries.
//
// Find* lookups return soft-deleted entries too; the caller decides what a
// deleted match means. They return nil (not ErrNotFound) when nothing matches.
type LedgerStore interface {
	Insert(ctx context.Context, entry *models.LedgerEntry) (int64, error)
	Get(ctx context.Context, id int64) (*models.LedgerEntry, error)
	FindByHash(ctx context.Context, hash string) (*models.LedgerEntry, error)
	FindByReference(ctx context.Context, reference string, amount decimal.Decimal, from, to time.Time) ([]*models.LedgerEntry, error)
	// FindByAccountAmountTypeTime matches entries of one account, keyed by bank
	// and last 4 digits, with the given amount and type inside [from, to].
	FindByAccountAmountTypeTime(ctx context.Context, bankName, account string, amount decimal.Decimal, txType models.TransactionType, from, to time.Time) ([]*models.LedgerEntry, error)
	// FindInRange returns live entries with from <= timestamp <= to, ordered by id.
	FindInRange(ctx context.Context, from, to time.Time) ([]*models.LedgerEntry, error)
	List(ctx context.Context, opts ListOptions) ([]*models.LedgerEntry, error)
	SoftDelete(ctx context.Context, id int64) error
	HardDelete(ctx context.Context, ids ...int64) error
	DeleteAll(ctx context.Context) error
}

// BalanceStore is the append-only balance history
type BalanceStore interface {
	// Latest returns the newest snapshot for the key, or nil.
	Latest(ctx context.Context, bankName, accountLast4 string) (*models.BalanceSnapshot, error)
	InsertSnapshot(ctx context.Context, snapshot *models.BalanceSnapshot) (int64, error)
	History(ctx context.Context, bankName, accountLast4 string) ([]*models.BalanceSnapshot, error)
	// CurrentBalances returns the latest snapshot of every account.
	CurrentBalances(ctx context.Context) ([]*models.BalanceSnapshot, error)
	DeleteAllBalances(ctx context.Context) error
	// DeleteSnapshotsForEntries removes snapshots written for the given ledger
	// entries and returns how many were removed.
	DeleteSnapshotsForEntries(ctx context.Context, entryIDs ...int64) (int, error)
}

// CardRegistry tracks cards seen in messages
type CardRegistry interface {
	FindCard(ctx context.Context, bankName, last4 string) (*models.Card, error)
	FindOrCreateCard(ctx context.Context, last4, bankName string, isCredit bool) (*models.Card, error)
	UpdateCardBalance(ctx context.Context, cardID int64, balance decimal.Decimal, source string, at time.Time) error
	// LinkCard ties a debit card to the account it draws from.
	LinkCard(ctx context.Context, cardID int64, accountLast4 string) error
	ListCards(ctx context.Context) ([]*models.Card, error)
}

// MerchantCategoryStore holds user merchant to category overrides
type MerchantCategoryStore interface {
	AllMappings(ctx context.Context) (map[string]string, error)
	SetMapping(ctx context.Context, merchant, category string) error
}

// RuleRepository stores rules and their application history
type RuleRepository interface {
	// ActiveRulesByType returns active rules for t plus type-less rules, by priority.
	ActiveRulesByType(ctx context.Context, t models.TransactionType) ([]*models.Rule, error)
	SaveRule(ctx context.Context, rule *models.Rule) error
	ListRules(ctx context.Context) ([]*models.Rule, error)
	RecordApplications(ctx context.Context, apps []models.RuleApplication) error
}

// SubscriptionRepository stores recurring payments
type SubscriptionRepository interface {
	// MatchCandidate finds an active subscription with the same merchant
	// (case-insensitive) and amount, or nil.
	MatchCandidate(ctx context.Context, merchant string, amount decimal.Decimal) (*models.Subscription, error)
	AdvanceNextPayment(ctx context.Context, id int64, next time.Time) error
	UpsertFromMandate(ctx context.Context, mandate *models.Mandate) (*models.Subscription, error)
	ListSubscriptions(ctx context.Context) ([]*models.Subscription, error)
}

// UnrecognizedStore is the manual triage queue
type UnrecognizedStore interface {
	UnrecognizedExists(ctx context.Context, sender, body string) (bool, error)
	InsertUnrecognized(ctx context.Context, msgs []*models.UnrecognizedMessage) error
	// CleanupUnrecognized deletes rows received before olderThan and trims
	// the rest to the newest maxRows. Returns the number removed.
	CleanupUnrecognized(ctx context.Context, olderThan time.Time, maxRows int) (int64, error)
	ListUnrecognized(ctx context.Context, limit int) ([]*models.UnrecognizedMessage, error)
}

// ScanStateStore persists incremental scan anchors
type ScanStateStore interface {
	LoadScanState(ctx context.Context) (*models.ScanState, error)
	SaveScanState(ctx context.Context, state *models.ScanState) error
}

// FlagStore holds boolean preferences such as the summary refresh flag
type FlagStore interface {
	SetFlag(ctx context.Context, name string, value bool) error
	Flag(ctx context.Context, name string) (bool, error)
}

// Store is everything a pipeline run needs
type Store interface {
	LedgerStore
	BalanceStore
	CardRegistry
	MerchantCategoryStore
	RuleRepository
	SubscriptionRepository
	UnrecognizedStore
	ScanStateStore
	FlagStore
	Close() error
}

// NormalizeMerchant is the key used for merchant maps and subscription matching.
func NormalizeMerchant(m string) string {
	return strings.ToLower(strings.Join(strings.Fields(m), " "))
}
