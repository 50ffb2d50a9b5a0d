// Package storetest holds behaviour tests shared by every store.Store implementation.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger-ingestion-service/internal/models"
	"ledger-ingestion-service/internal/store"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

var base = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func entry(hash string, amount string, ts time.Time) *models.LedgerEntry {
	return &models.LedgerEntry{
		ContentHash:  hash,
		Amount:       decimal.RequireFromString(amount),
		Merchant:     "Swiggy",
		Type:         models.TransactionTypeExpense,
		Timestamp:    ts,
		Currency:     "INR",
		BankName:     "HDFC",
		AccountLast4: "1234",
		Reference:    "REF" + hash,
		RawBody:      "body " + hash,
	}
}

// Run exercises the full store contract.
func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("insert rejects duplicate hash even when deleted", func(t *testing.T) {
		s := newStore(t)
		id, err := s.Insert(ctx, entry("h1", "100", base))
		require.NoError(t, err)
		assert.Positive(t, id)

		_, err = s.Insert(ctx, entry("h1", "100", base))
		assert.ErrorIs(t, err, store.ErrDuplicate)

		require.NoError(t, s.SoftDelete(ctx, id))
		_, err = s.Insert(ctx, entry("h1", "100", base))
		assert.ErrorIs(t, err, store.ErrDuplicate)

		found, err := s.FindByHash(ctx, "h1")
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.True(t, found.IsDeleted)
		assert.NotNil(t, found.DeletedAt)

		missing, err := s.FindByHash(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("reference lookup honours amount and inclusive window", func(t *testing.T) {
		s := newStore(t)
		e := entry("h1", "100.00", base)
		e.Reference = "UPI123"
		_, err := s.Insert(ctx, e)
		require.NoError(t, err)

		hits, err := s.FindByReference(ctx, "UPI123", decimal.RequireFromString("100"), base.Add(-10*time.Minute), base)
		require.NoError(t, err)
		assert.Len(t, hits, 1)

		hits, err = s.FindByReference(ctx, "UPI123", decimal.RequireFromString("101"), base.Add(-time.Hour), base.Add(time.Hour))
		require.NoError(t, err)
		assert.Empty(t, hits)

		hits, err = s.FindByReference(ctx, "UPI123", decimal.RequireFromString("100"), base.Add(time.Second), base.Add(time.Hour))
		require.NoError(t, err)
		assert.Empty(t, hits)
	})

	t.Run("account lookup matches bank and type", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Insert(ctx, entry("h1", "250", base))
		require.NoError(t, err)

		hits, err := s.FindByAccountAmountTypeTime(ctx, "HDFC", "1234", decimal.RequireFromString("250"),
			models.TransactionTypeExpense, base.Add(-5*time.Minute), base.Add(5*time.Minute))
		require.NoError(t, err)
		assert.Len(t, hits, 1)

		hits, err = s.FindByAccountAmountTypeTime(ctx, "HDFC", "1234", decimal.RequireFromString("250"),
			models.TransactionTypeTransfer, base.Add(-5*time.Minute), base.Add(5*time.Minute))
		require.NoError(t, err)
		assert.Empty(t, hits)

		hits, err = s.FindByAccountAmountTypeTime(ctx, "SBI", "1234", decimal.RequireFromString("250"),
			models.TransactionTypeExpense, base.Add(-5*time.Minute), base.Add(5*time.Minute))
		require.NoError(t, err)
		assert.Empty(t, hits, "same last 4 at another bank is a different account")
	})

	t.Run("range, list and delete", func(t *testing.T) {
		s := newStore(t)
		id1, err := s.Insert(ctx, entry("h1", "1", base))
		require.NoError(t, err)
		id2, err := s.Insert(ctx, entry("h2", "2", base.Add(time.Hour)))
		require.NoError(t, err)
		_, err = s.Insert(ctx, entry("h3", "3", base.Add(2*time.Hour)))
		require.NoError(t, err)

		inRange, err := s.FindInRange(ctx, base, base.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, inRange, 2)
		assert.Equal(t, id1, inRange[0].ID)
		assert.Equal(t, id2, inRange[1].ID)

		require.NoError(t, s.SoftDelete(ctx, id1))
		listed, err := s.List(ctx, store.ListOptions{})
		require.NoError(t, err)
		assert.Len(t, listed, 2)
		assert.Equal(t, "h3", listed[0].ContentHash, "newest first")

		listed, err = s.List(ctx, store.ListOptions{IncludeDeleted: true, Limit: 10})
		require.NoError(t, err)
		assert.Len(t, listed, 3)

		require.NoError(t, s.HardDelete(ctx, id2))
		_, err = s.Get(ctx, id2)
		assert.ErrorIs(t, err, store.ErrNotFound)
		assert.ErrorIs(t, s.SoftDelete(ctx, 9999), store.ErrNotFound)

		require.NoError(t, s.DeleteAll(ctx))
		listed, err = s.List(ctx, store.ListOptions{IncludeDeleted: true})
		require.NoError(t, err)
		assert.Empty(t, listed)
	})

	t.Run("latest balance is newest by timestamp then insertion", func(t *testing.T) {
		s := newStore(t)
		latest, err := s.Latest(ctx, "HDFC", "1234")
		require.NoError(t, err)
		assert.Nil(t, latest)

		for _, snap := range []*models.BalanceSnapshot{
			{BankName: "HDFC", AccountLast4: "1234", Balance: decimal.NewFromInt(100), Timestamp: base},
			{BankName: "HDFC", AccountLast4: "1234", Balance: decimal.NewFromInt(300), Timestamp: base.Add(time.Hour)},
			{BankName: "HDFC", AccountLast4: "1234", Balance: decimal.NewFromInt(200), Timestamp: base.Add(30 * time.Minute)},
			{BankName: "HDFC", AccountLast4: "1234", Balance: decimal.NewFromInt(400), Timestamp: base.Add(time.Hour)},
			{BankName: "SBI", AccountLast4: "9999", Balance: decimal.NewFromInt(7), Timestamp: base},
		} {
			_, err := s.InsertSnapshot(ctx, snap)
			require.NoError(t, err)
		}

		latest, err = s.Latest(ctx, "HDFC", "1234")
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.True(t, latest.Balance.Equal(decimal.NewFromInt(400)))

		history, err := s.History(ctx, "HDFC", "1234")
		require.NoError(t, err)
		assert.Len(t, history, 4)

		current, err := s.CurrentBalances(ctx)
		require.NoError(t, err)
		require.Len(t, current, 2)
		assert.Equal(t, "HDFC", current[0].BankName)
		assert.True(t, current[0].Balance.Equal(decimal.NewFromInt(400)))

		_, err = s.InsertSnapshot(ctx, &models.BalanceSnapshot{
			BankName: "HDFC", AccountLast4: "1234", Balance: decimal.NewFromInt(150), Timestamp: base.Add(time.Hour), SourceEntryID: 42,
		})
		require.NoError(t, err)
		latest, err = s.Latest(ctx, "HDFC", "1234")
		require.NoError(t, err)
		assert.True(t, latest.Balance.Equal(decimal.NewFromInt(150)))

		removed, err := s.DeleteSnapshotsForEntries(ctx, 42, 43)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)
		latest, err = s.Latest(ctx, "HDFC", "1234")
		require.NoError(t, err)
		assert.True(t, latest.Balance.Equal(decimal.NewFromInt(400)), "entry snapshots are removed, notices stay")

		require.NoError(t, s.DeleteAllBalances(ctx))
		current, err = s.CurrentBalances(ctx)
		require.NoError(t, err)
		assert.Empty(t, current)
	})

	t.Run("cards", func(t *testing.T) {
		s := newStore(t)
		card, err := s.FindOrCreateCard(ctx, "4321", "ICICI", true)
		require.NoError(t, err)
		require.NotNil(t, card)
		again, err := s.FindOrCreateCard(ctx, "4321", "ICICI", true)
		require.NoError(t, err)
		assert.Equal(t, card.ID, again.ID)

		require.NoError(t, s.UpdateCardBalance(ctx, card.ID, decimal.NewFromInt(50), "sms", base))
		require.NoError(t, s.LinkCard(ctx, card.ID, "8888"))
		found, err := s.FindCard(ctx, "ICICI", "4321")
		require.NoError(t, err)
		require.NotNil(t, found.Balance)
		assert.True(t, found.Balance.Equal(decimal.NewFromInt(50)))
		assert.Equal(t, "8888", found.LinkedAccountLast4)

		cards, err := s.ListCards(ctx)
		require.NoError(t, err)
		assert.Len(t, cards, 1)
	})

	t.Run("merchant categories are normalized", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SetMapping(ctx, "  Swiggy ", "Food"))
		require.NoError(t, s.SetMapping(ctx, "SWIGGY", "Dining"))
		m, err := s.AllMappings(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"swiggy": "Dining"}, m)
	})

	t.Run("rules by type include untyped rules", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SaveRule(ctx, &models.Rule{ID: "a", Name: "any", Priority: 1, Active: true,
			Actions: []models.RuleAction{{Type: models.ActionSetCategory, Value: "X"}}}))
		require.NoError(t, s.SaveRule(ctx, &models.Rule{ID: "b", Name: "income", Priority: 5, Active: true,
			TransactionType: models.TransactionTypeIncome,
			Conditions:      []models.RuleCondition{{Field: models.FieldAmount, Operator: models.OpGreaterThan, Value: "10"}},
			Actions:         []models.RuleAction{{Type: models.ActionBlock}}}))
		require.NoError(t, s.SaveRule(ctx, &models.Rule{ID: "c", Name: "off", Active: false}))

		expense, err := s.ActiveRulesByType(ctx, models.TransactionTypeExpense)
		require.NoError(t, err)
		require.Len(t, expense, 1)
		assert.Equal(t, "a", expense[0].ID)

		income, err := s.ActiveRulesByType(ctx, models.TransactionTypeIncome)
		require.NoError(t, err)
		require.Len(t, income, 2)
		assert.Equal(t, "b", income[0].ID, "higher priority first")
		assert.Equal(t, models.OpGreaterThan, income[0].Conditions[0].Operator)

		require.NoError(t, s.RecordApplications(ctx, []models.RuleApplication{{RuleID: "b", RuleName: "income", EntryID: 1, AppliedAt: base}}))
	})

	t.Run("subscriptions", func(t *testing.T) {
		s := newStore(t)
		sub, err := s.UpsertFromMandate(ctx, &models.Mandate{Merchant: "Netflix", Amount: decimal.NewFromInt(199),
			NextPaymentDate: base, Frequency: "monthly", Reference: "MD1", BankName: "HDFC"})
		require.NoError(t, err)

		updated, err := s.UpsertFromMandate(ctx, &models.Mandate{Merchant: "Netflix", Amount: decimal.NewFromInt(249),
			NextPaymentDate: base.AddDate(0, 1, 0), Reference: "MD1", BankName: "HDFC"})
		require.NoError(t, err)
		assert.Equal(t, sub.ID, updated.ID)

		match, err := s.MatchCandidate(ctx, "NETFLIX", decimal.RequireFromString("249.00"))
		require.NoError(t, err)
		require.NotNil(t, match)
		assert.Equal(t, sub.ID, match.ID)

		none, err := s.MatchCandidate(ctx, "netflix", decimal.NewFromInt(199))
		require.NoError(t, err)
		assert.Nil(t, none)

		next := base.AddDate(0, 2, 0)
		require.NoError(t, s.AdvanceNextPayment(ctx, sub.ID, next))
		subs, err := s.ListSubscriptions(ctx)
		require.NoError(t, err)
		require.Len(t, subs, 1)
		assert.True(t, subs[0].NextPaymentDate.Equal(next))
	})

	t.Run("unrecognized queue", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.InsertUnrecognized(ctx, []*models.UnrecognizedMessage{
			{Sender: "VM-HDFCBK", Body: "old", ReceivedAt: base.AddDate(0, 0, -100), Channel: models.ChannelSMS},
			{Sender: "VM-HDFCBK", Body: "a", ReceivedAt: base.Add(-2 * time.Hour), Channel: models.ChannelSMS},
			{Sender: "VM-HDFCBK", Body: "b", ReceivedAt: base.Add(-time.Hour), Channel: models.ChannelSMS},
			{Sender: "VM-HDFCBK", Body: "c", ReceivedAt: base, Channel: models.ChannelRCS},
		}))

		exists, err := s.UnrecognizedExists(ctx, "vm-hdfcbk", "a")
		require.NoError(t, err)
		assert.True(t, exists)

		removed, err := s.CleanupUnrecognized(ctx, base.AddDate(0, 0, -90), 2)
		require.NoError(t, err)
		assert.EqualValues(t, 2, removed)

		left, err := s.ListUnrecognized(ctx, 0)
		require.NoError(t, err)
		require.Len(t, left, 2)
		assert.Equal(t, "c", left[0].Body)
		assert.Equal(t, models.ChannelRCS, left[0].Channel)
		assert.NotEmpty(t, left[0].ID)
	})

	t.Run("scan state and flags", func(t *testing.T) {
		s := newStore(t)
		state, err := s.LoadScanState(ctx)
		require.NoError(t, err)
		assert.False(t, state.HasScanned())

		require.NoError(t, s.SaveScanState(ctx, &models.ScanState{LastScanTimestamp: base, LastScanPeriodDays: 30}))
		state, err = s.LoadScanState(ctx)
		require.NoError(t, err)
		assert.True(t, state.LastScanTimestamp.Equal(base))
		assert.Equal(t, 30, state.LastScanPeriodDays)

		on, err := s.Flag(ctx, store.SummaryDirtyFlag)
		require.NoError(t, err)
		assert.False(t, on)
		require.NoError(t, s.SetFlag(ctx, store.SummaryDirtyFlag, true))
		on, err = s.Flag(ctx, store.SummaryDirtyFlag)
		require.NoError(t, err)
		assert.True(t, on)
	})
}
