// Package balance maintains the append-only account balance projection.
package balance

import (
	"context"

	"github.com/shopspring/decimal"

	"ledger-ingestion-service/internal/models"
	"ledger-ingestion-service/internal/store"
	"ledger-ingestion-service/pkg/errors"
	"ledger-ingestion-service/pkg/logger"
)

// Card balance sources
const (
	SourceTransaction   = "transaction"
	SourceBalanceNotice = "balance_notice"
)

// NextBalance derives the balance after a transaction. Rules, in order:
//
//	(a) CREDIT adds to the prior balance
//	(b) INCOME on a credit card account subtracts, floored at zero
//	(c) an explicitly stated balance is used verbatim
//	(d) INCOME adds; EXPENSE and INVESTMENT subtract, floored at zero;
//	    TRANSFER keeps the prior balance
//
// ok is false when there is nothing to derive from (no prior snapshot and no
// stated balance) so no snapshot should be written.
func NextBalance(prior *models.BalanceSnapshot, txType models.TransactionType, amount decimal.Decimal, stated *decimal.Decimal) (decimal.Decimal, bool) {
	priorBalance := decimal.Zero
	if prior != nil {
		priorBalance = prior.Balance
	}

	switch {
	case txType == models.TransactionTypeCredit:
		return priorBalance.Add(amount), true
	case prior != nil && prior.IsCreditCard && txType == models.TransactionTypeIncome:
		return floorZero(priorBalance.Sub(amount)), true
	case stated != nil:
		return *stated, true
	case prior == nil:
		return decimal.Zero, false
	}

	switch txType {
	case models.TransactionTypeIncome:
		return priorBalance.Add(amount), true
	case models.TransactionTypeExpense, models.TransactionTypeInvestment:
		return floorZero(priorBalance.Sub(amount)), true
	default:
		return priorBalance, true
	}
}

func floorZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// Projector appends balance snapshots and card balances. It is only called
// from the single save worker.
type Projector struct {
	balances store.BalanceStore
	cards    store.CardRegistry
	logger   logger.Logger
}

// NewProjector creates a projector
func NewProjector(balances store.BalanceStore, cards store.CardRegistry, log logger.Logger) *Projector {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Projector{
		balances: balances,
		cards:    cards,
		logger:   log.WithComponent("balance"),
	}
}

// Apply updates the projection for a persisted entry. tx carries the card and
// balance details of the source message; entry carries the final type and id.
// Returns the new snapshot, or nil when nothing was written.
func (p *Projector) Apply(ctx context.Context, tx *models.ParsedTransaction, entry *models.LedgerEntry) (*models.BalanceSnapshot, error) {
	if tx.AccountLast4 == "" {
		return nil, nil
	}

	accountKey := tx.AccountLast4
	var card *models.Card
	if tx.IsFromCard {
		var err error
		card, err = p.cards.FindOrCreateCard(ctx, tx.AccountLast4, tx.BankName, tx.IsCreditCard)
		if err != nil {
			return nil, errors.StorageError(errors.CodeWriteFailed, "find or create card", err)
		}
		if !card.IsCredit && card.LinkedAccountLast4 != "" {
			accountKey = card.LinkedAccountLast4
		}
	}

	prior, err := p.balances.Latest(ctx, tx.BankName, accountKey)
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "latest balance", err)
	}

	// Entries are saved in completion order. An entry older than the latest
	// snapshot folds its change into that snapshot's balance, and a balance it
	// stated is already out of date.
	stated, stamp := tx.BalanceAfter, entry.Timestamp
	if prior != nil && prior.Timestamp.After(entry.Timestamp) {
		stated, stamp = nil, prior.Timestamp
	}

	next, ok := NextBalance(prior, entry.Type, entry.Amount, stated)
	if !ok {
		p.logger.WithFields(logger.Fields{"bank": tx.BankName, "account": accountKey}).
			Debug("No prior or stated balance, projection unchanged")
		return nil, nil
	}

	snapshot := &models.BalanceSnapshot{
		BankName:      tx.BankName,
		AccountLast4:  accountKey,
		Balance:       next,
		Timestamp:     stamp,
		SourceEntryID: entry.ID,
		IsCreditCard:  tx.IsCreditCard || (prior != nil && prior.IsCreditCard),
		CreditLimit:   tx.CreditLimit,
	}
	if snapshot.CreditLimit == nil && prior != nil {
		snapshot.CreditLimit = prior.CreditLimit
	}
	if _, err := p.balances.InsertSnapshot(ctx, snapshot); err != nil {
		return nil, errors.StorageError(errors.CodeWriteFailed, "insert balance snapshot", err)
	}

	if card != nil {
		if err := p.cards.UpdateCardBalance(ctx, card.ID, next, SourceTransaction, stamp); err != nil {
			return nil, errors.StorageError(errors.CodeWriteFailed, "update card balance", err)
		}
	}
	return snapshot, nil
}

// RecordBalanceNotice appends the balance stated by a balance-only message.
// A notice older than the latest snapshot for the account is ignored.
func (p *Projector) RecordBalanceNotice(ctx context.Context, n *models.BalanceNotice) error {
	if n.AccountLast4 == "" {
		return nil
	}

	prior, err := p.balances.Latest(ctx, n.BankName, n.AccountLast4)
	if err != nil {
		return errors.StorageError(errors.CodeQueryFailed, "latest balance", err)
	}
	if prior != nil && prior.Timestamp.After(n.Timestamp) {
		p.logger.WithFields(logger.Fields{
			"bank":    n.BankName,
			"account": n.AccountLast4,
			"stated":  n.Timestamp,
			"latest":  prior.Timestamp,
		}).Debug("Stale balance notice ignored")
		return nil
	}

	if n.IsCreditCard {
		card, err := p.cards.FindOrCreateCard(ctx, n.AccountLast4, n.BankName, true)
		if err != nil {
			return errors.StorageError(errors.CodeWriteFailed, "find or create card", err)
		}
		if err := p.cards.UpdateCardBalance(ctx, card.ID, n.Balance, SourceBalanceNotice, n.Timestamp); err != nil {
			return errors.StorageError(errors.CodeWriteFailed, "update card balance", err)
		}
	}

	_, err = p.balances.InsertSnapshot(ctx, &models.BalanceSnapshot{
		BankName:     n.BankName,
		AccountLast4: n.AccountLast4,
		Balance:      n.Balance,
		Timestamp:    n.Timestamp,
		IsCreditCard: n.IsCreditCard,
		CreditLimit:  n.CreditLimit,
	})
	if err != nil {
		return errors.StorageError(errors.CodeWriteFailed, "insert balance snapshot", err)
	}
	return nil
}
