package dedup

import (
	"context"

	"ledger-ingestion-service/internal/models"
	"ledger-ingestion-service/internal/store"
	"ledger-ingestion-service/pkg/errors"
	"ledger-ingestion-service/pkg/logger"
)

// Strategy names the check that found a duplicate
type Strategy string

const (
	StrategyNone      Strategy = ""
	StrategyHash      Strategy = "content_hash"
	StrategyReference Strategy = "reference"
	StrategyAccount   Strategy = "account_amount_type"
)

// Duplicate reasons reported to the saver
const (
	ReasonSameContent   = "duplicate (same content)"
	ReasonDeletedByUser = "previously deleted by user"
	ReasonSameReference = "duplicate (same reference)"
	ReasonSameAccount   = "duplicate (same account, amount and type)"
)

// Result of a duplicate check. Match is the existing entry for duplicates.
type Result struct {
	Duplicate bool
	Strategy  Strategy
	Reason    string
	Match     *models.LedgerEntry
}

// NotDuplicate is the zero Result
var NotDuplicate = Result{}

// Engine runs duplicate checks against the ledger. It is meant to be used by
// the single save worker only.
type Engine struct {
	ledger store.LedgerStore
	config *Config
	logger logger.Logger
}

// NewEngine creates an engine. A nil config uses DefaultConfig.
func NewEngine(ledger store.LedgerStore, config *Config, log logger.Logger) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Engine{
		ledger: ledger,
		config: config,
		logger: log.WithComponent("dedup"),
	}
}

// Config returns the engine configuration
func (e *Engine) Config() *Config { return e.config }

// Check applies the three strategies in order.
func (e *Engine) Check(ctx context.Context, candidate *models.ParsedTransaction) (Result, error) {
	return e.CheckAs(ctx, candidate, candidate.Type)
}

// CheckAs is Check for a candidate that rules will save as savedType. The
// account fallback matches entries stored under either type.
func (e *Engine) CheckAs(ctx context.Context, candidate *models.ParsedTransaction, savedType models.TransactionType) (Result, error) {
	hash := candidate.ContentHash()
	existing, err := e.ledger.FindByHash(ctx, hash)
	if err != nil {
		return NotDuplicate, errors.StorageError(errors.CodeQueryFailed, "find by hash", err)
	}
	if existing != nil {
		reason := ReasonSameContent
		if existing.IsDeleted {
			reason = ReasonDeletedByUser
		}
		return e.duplicate(candidate, StrategyHash, reason, existing), nil
	}

	from, to := e.config.Bounds(candidate.Timestamp)

	if candidate.Reference != "" {
		matches, err := e.ledger.FindByReference(ctx, candidate.Reference, candidate.Amount, from, to)
		if err != nil {
			return NotDuplicate, errors.StorageError(errors.CodeQueryFailed, "find by reference", err)
		}
		if m := e.pick(matches); m != nil {
			return e.duplicate(candidate, StrategyReference, e.reasonFor(m, ReasonSameReference), m), nil
		}
	}

	if candidate.AccountLast4 != "" {
		types := []models.TransactionType{candidate.Type}
		if savedType != "" && savedType != candidate.Type {
			types = append(types, savedType)
		}

		var matches []*models.LedgerEntry
		for _, t := range types {
			found, err := e.ledger.FindByAccountAmountTypeTime(ctx, candidate.BankName, candidate.AccountLast4, candidate.Amount, t, from, to)
			if err != nil {
				return NotDuplicate, errors.StorageError(errors.CodeQueryFailed, "find by account", err)
			}
			matches = append(matches, found...)
		}
		if m := e.pick(matches); m != nil {
			return e.duplicate(candidate, StrategyAccount, e.reasonFor(m, ReasonSameAccount), m), nil
		}
	}

	return NotDuplicate, nil
}

// pick prefers a live match over a deleted one.
func (e *Engine) pick(matches []*models.LedgerEntry) *models.LedgerEntry {
	var deleted *models.LedgerEntry
	for _, m := range matches {
		if !m.IsDeleted {
			return m
		}
		if deleted == nil {
			deleted = m
		}
	}
	if e.config.MatchDeletedFallbacks {
		return deleted
	}
	return nil
}

func (e *Engine) reasonFor(m *models.LedgerEntry, live string) string {
	if m.IsDeleted {
		return ReasonDeletedByUser
	}
	return live
}

func (e *Engine) duplicate(candidate *models.ParsedTransaction, strategy Strategy, reason string, match *models.LedgerEntry) Result {
	e.logger.WithFields(logger.Fields{
		"strategy":  string(strategy),
		"reason":    reason,
		"entry_id":  match.ID,
		"amount":    candidate.Amount.String(),
		"merchant":  candidate.Merchant,
		"timestamp": candidate.Timestamp,
	}).Debug("Duplicate candidate")
	return Result{Duplicate: true, Strategy: strategy, Reason: reason, Match: match}
}
