// Package memory is an in-process Store used by tests and dry runs.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledger-ingestion-service/internal/models"
	"ledger-ingestion-service/internal/store"
)

// Store keeps everything in maps guarded by one mutex.
type Store struct {
	mu sync.RWMutex

	entries     map[int64]*models.LedgerEntry
	byHash      map[string]int64
	byAmount    map[string][]int64
	nextEntryID int64

	snapshots  []*models.BalanceSnapshot
	nextSnapID int64

	cards      map[int64]*models.Card
	nextCardID int64

	categories map[string]string

	rules        map[string]*models.Rule
	applications []models.RuleApplication

	subs      map[int64]*models.Subscription
	nextSubID int64

	unrecognized []*models.UnrecognizedMessage

	scanState models.ScanState
	flags     map[string]bool
}

var _ store.Store = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{
		entries:    make(map[int64]*models.LedgerEntry),
		byHash:     make(map[string]int64),
		byAmount:   make(map[string][]int64),
		cards:      make(map[int64]*models.Card),
		categories: make(map[string]string),
		rules:      make(map[string]*models.Rule),
		subs:       make(map[int64]*models.Subscription),
		flags:      make(map[string]bool),
	}
}

// Close is a no-op
func (s *Store) Close() error { return nil }

func within(t, from, to time.Time) bool {
	return !t.Before(from) && !t.After(to)
}

func copyEntry(e *models.LedgerEntry) *models.LedgerEntry {
	c := *e
	return &c
}

func amountKey(d decimal.Decimal) string { return d.StringFixed(2) }

// withAmount returns entries with the given amount in id order.
func (s *Store) withAmount(amount decimal.Decimal) []*models.LedgerEntry {
	ids := s.byAmount[amountKey(amount)]
	out := make([]*models.LedgerEntry, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.entries[id])
	}
	return out
}

func (s *Store) sortedEntries() []*models.LedgerEntry {
	out := make([]*models.LedgerEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Insert stores the entry and assigns its ID
func (s *Store) Insert(_ context.Context, entry *models.LedgerEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byHash[entry.ContentHash]; ok {
		return 0, store.ErrDuplicate
	}
	s.nextEntryID++
	c := copyEntry(entry)
	c.ID = s.nextEntryID
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	s.entries[c.ID] = c
	s.byHash[c.ContentHash] = c.ID
	key := amountKey(c.Amount)
	s.byAmount[key] = append(s.byAmount[key], c.ID)
	entry.ID = c.ID
	entry.CreatedAt = c.CreatedAt
	return c.ID, nil
}

func (s *Store) Get(_ context.Context, id int64) (*models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyEntry(e), nil
}

func (s *Store) FindByHash(_ context.Context, hash string) (*models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byHash[hash]
	if !ok {
		return nil, nil
	}
	return copyEntry(s.entries[id]), nil
}

func (s *Store) FindByReference(_ context.Context, reference string, amount decimal.Decimal, from, to time.Time) ([]*models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.LedgerEntry
	for _, e := range s.withAmount(amount) {
		if e.Reference == reference && within(e.Timestamp, from, to) {
			out = append(out, copyEntry(e))
		}
	}
	return out, nil
}

func (s *Store) FindByAccountAmountTypeTime(_ context.Context, bankName, account string, amount decimal.Decimal, txType models.TransactionType, from, to time.Time) ([]*models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.LedgerEntry
	for _, e := range s.withAmount(amount) {
		if e.BankName == bankName && e.AccountLast4 == account && e.Type == txType && within(e.Timestamp, from, to) {
			out = append(out, copyEntry(e))
		}
	}
	return out, nil
}

func (s *Store) FindInRange(_ context.Context, from, to time.Time) ([]*models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.LedgerEntry
	for _, e := range s.sortedEntries() {
		if !e.IsDeleted && within(e.Timestamp, from, to) {
			out = append(out, copyEntry(e))
		}
	}
	return out, nil
}

func (s *Store) List(_ context.Context, opts store.ListOptions) ([]*models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.LedgerEntry
	for _, e := range s.sortedEntries() {
		if e.IsDeleted && !opts.IncludeDeleted {
			continue
		}
		if !opts.From.IsZero() && e.Timestamp.Before(opts.From) {
			continue
		}
		if !opts.To.IsZero() && e.Timestamp.After(opts.To) {
			continue
		}
		out = append(out, copyEntry(e))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *Store) SoftDelete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now()
	e.IsDeleted = true
	e.DeletedAt = &now
	return nil
}

func (s *Store) HardDelete(_ context.Context, ids ...int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if e, ok := s.entries[id]; ok {
			delete(s.byHash, e.ContentHash)
			delete(s.entries, id)
			s.byAmount[amountKey(e.Amount)] = removeID(s.byAmount[amountKey(e.Amount)], id)
		}
	}
	return nil
}

func (s *Store) DeleteAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[int64]*models.LedgerEntry)
	s.byHash = make(map[string]int64)
	s.byAmount = make(map[string][]int64)
	return nil
}

func removeID(ids []int64, id int64) []int64 {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// Latest returns the newest snapshot by timestamp, ties broken by insertion order
func (s *Store) Latest(_ context.Context, bankName, accountLast4 string) (*models.BalanceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *models.BalanceSnapshot
	for _, snap := range s.snapshots {
		if snap.BankName != bankName || snap.AccountLast4 != accountLast4 {
			continue
		}
		if latest == nil || !snap.Timestamp.Before(latest.Timestamp) {
			latest = snap
		}
	}
	if latest == nil {
		return nil, nil
	}
	c := *latest
	return &c, nil
}

func (s *Store) InsertSnapshot(_ context.Context, snapshot *models.BalanceSnapshot) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSnapID++
	c := *snapshot
	c.ID = s.nextSnapID
	s.snapshots = append(s.snapshots, &c)
	snapshot.ID = c.ID
	return c.ID, nil
}

func (s *Store) History(_ context.Context, bankName, accountLast4 string) ([]*models.BalanceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.BalanceSnapshot
	for _, snap := range s.snapshots {
		if snap.BankName == bankName && snap.AccountLast4 == accountLast4 {
			c := *snap
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *Store) CurrentBalances(ctx context.Context) ([]*models.BalanceSnapshot, error) {
	s.mu.RLock()
	keys := make(map[[2]string]bool)
	var order [][2]string
	for _, snap := range s.snapshots {
		k := [2]string{snap.BankName, snap.AccountLast4}
		if !keys[k] {
			keys[k] = true
			order = append(order, k)
		}
	}
	s.mu.RUnlock()

	sort.Slice(order, func(i, j int) bool {
		if order[i][0] != order[j][0] {
			return order[i][0] < order[j][0]
		}
		return order[i][1] < order[j][1]
	})

	out := make([]*models.BalanceSnapshot, 0, len(order))
	for _, k := range order {
		latest, err := s.Latest(ctx, k[0], k[1])
		if err != nil {
			return nil, err
		}
		out = append(out, latest)
	}
	return out, nil
}

func (s *Store) DeleteAllBalances(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots = nil
	return nil
}

func (s *Store) DeleteSnapshotsForEntries(_ context.Context, entryIDs ...int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	drop := make(map[int64]bool, len(entryIDs))
	for _, id := range entryIDs {
		if id != 0 {
			drop[id] = true
		}
	}
	kept := s.snapshots[:0]
	for _, snap := range s.snapshots {
		if !drop[snap.SourceEntryID] {
			kept = append(kept, snap)
		}
	}
	removed := len(s.snapshots) - len(kept)
	s.snapshots = kept
	return removed, nil
}

func (s *Store) FindCard(_ context.Context, bankName, last4 string) (*models.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.cards {
		if c.BankName == bankName && c.Last4 == last4 {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) FindOrCreateCard(ctx context.Context, last4, bankName string, isCredit bool) (*models.Card, error) {
	if c, err := s.FindCard(ctx, bankName, last4); err != nil || c != nil {
		return c, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextCardID++
	c := &models.Card{ID: s.nextCardID, BankName: bankName, Last4: last4, IsCredit: isCredit}
	s.cards[c.ID] = c
	cp := *c
	return &cp, nil
}

func (s *Store) UpdateCardBalance(_ context.Context, cardID int64, balance decimal.Decimal, source string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cards[cardID]
	if !ok {
		return store.ErrNotFound
	}
	c.Balance = &balance
	c.BalanceSource = source
	c.BalanceUpdatedAt = &at
	return nil
}

func (s *Store) LinkCard(_ context.Context, cardID int64, accountLast4 string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cards[cardID]
	if !ok {
		return store.ErrNotFound
	}
	c.LinkedAccountLast4 = accountLast4
	return nil
}

func (s *Store) ListCards(_ context.Context) ([]*models.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Card, 0, len(s.cards))
	for _, c := range s.cards {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) AllMappings(_ context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.categories))
	for k, v := range s.categories {
		out[k] = v
	}
	return out, nil
}

func (s *Store) SetMapping(_ context.Context, merchant, category string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.categories[store.NormalizeMerchant(merchant)] = category
	return nil
}

func (s *Store) ActiveRulesByType(_ context.Context, t models.TransactionType) ([]*models.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Rule
	for _, r := range s.rules {
		if r.Active && (r.TransactionType == "" || r.TransactionType == t) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sortRules(out)
	return out, nil
}

func (s *Store) SaveRule(_ context.Context, rule *models.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	cp := *rule
	s.rules[rule.ID] = &cp
	return nil
}

func (s *Store) ListRules(_ context.Context) ([]*models.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		cp := *r
		out = append(out, &cp)
	}
	sortRules(out)
	return out, nil
}

func sortRules(rules []*models.Rule) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}

func (s *Store) RecordApplications(_ context.Context, apps []models.RuleApplication) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.applications = append(s.applications, apps...)
	return nil
}

// Applications returns the recorded rule applications
func (s *Store) Applications() []models.RuleApplication {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]models.RuleApplication(nil), s.applications...)
}

func (s *Store) MatchCandidate(_ context.Context, merchant string, amount decimal.Decimal) (*models.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := store.NormalizeMerchant(merchant)
	for _, id := range s.subIDs() {
		sub := s.subs[id]
		if sub.Active && store.NormalizeMerchant(sub.Merchant) == key && sub.Amount.Equal(amount) {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) subIDs() []int64 {
	ids := make([]int64, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Store) AdvanceNextPayment(_ context.Context, id int64, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[id]
	if !ok {
		return store.ErrNotFound
	}
	sub.NextPaymentDate = next
	return nil
}

func (s *Store) UpsertFromMandate(_ context.Context, m *models.Mandate) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := store.NormalizeMerchant(m.Merchant)
	for _, id := range s.subIDs() {
		sub := s.subs[id]
		sameRef := m.Reference != "" && sub.MandateReference == m.Reference
		sameMerchant := m.Reference == "" && store.NormalizeMerchant(sub.Merchant) == key
		if sameRef || sameMerchant {
			sub.Amount = m.Amount
			sub.NextPaymentDate = m.NextPaymentDate
			sub.Active = true
			cp := *sub
			return &cp, nil
		}
	}

	s.nextSubID++
	sub := &models.Subscription{
		ID:               s.nextSubID,
		Merchant:         m.Merchant,
		Amount:           m.Amount,
		NextPaymentDate:  m.NextPaymentDate,
		Frequency:        m.Frequency,
		MandateReference: m.Reference,
		BankName:         m.BankName,
		Active:           true,
	}
	s.subs[sub.ID] = sub
	cp := *sub
	return &cp, nil
}

func (s *Store) ListSubscriptions(_ context.Context) ([]*models.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Subscription, 0, len(s.subs))
	for _, id := range s.subIDs() {
		cp := *s.subs[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) UnrecognizedExists(_ context.Context, sender, body string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.unrecognized {
		if strings.EqualFold(u.Sender, sender) && u.Body == body {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) InsertUnrecognized(_ context.Context, msgs []*models.UnrecognizedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range msgs {
		cp := *m
		if cp.ID == "" {
			cp.ID = uuid.NewString()
		}
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = time.Now()
		}
		s.unrecognized = append(s.unrecognized, &cp)
	}
	return nil
}

func (s *Store) CleanupUnrecognized(_ context.Context, olderThan time.Time, maxRows int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := len(s.unrecognized)
	kept := s.unrecognized[:0]
	for _, u := range s.unrecognized {
		if !u.ReceivedAt.Before(olderThan) {
			kept = append(kept, u)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].ReceivedAt.After(kept[j].ReceivedAt) })
	if maxRows > 0 && len(kept) > maxRows {
		kept = kept[:maxRows]
	}
	s.unrecognized = kept
	return int64(before - len(kept)), nil
}

func (s *Store) ListUnrecognized(_ context.Context, limit int) ([]*models.UnrecognizedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.UnrecognizedMessage, 0, len(s.unrecognized))
	for _, u := range s.unrecognized {
		cp := *u
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) LoadScanState(_ context.Context) (*models.ScanState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp := s.scanState
	return &cp, nil
}

func (s *Store) SaveScanState(_ context.Context, state *models.ScanState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.scanState = *state
	return nil
}

func (s *Store) SetFlag(_ context.Context, name string, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.flags[name] = value
	return nil
}

func (s *Store) Flag(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.flags[name], nil
}
