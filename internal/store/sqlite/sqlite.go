// Package sqlite implements store.Store on SQLite through modernc.org/sqlite.
//
// Timestamps are stored as epoch milliseconds and money as decimal text, so
// amount comparisons happen in Go after the indexed lookup narrows the rows.
// The pool is capped at one connection: the pipeline has a single writer and
// SQLite serializes writers anyway.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"ledger-ingestion-service/internal/models"
	"ledger-ingestion-service/internal/store"
	apperrors "ledger-ingestion-service/pkg/errors"
	"ledger-ingestion-service/pkg/logger"
)

// Store implements store.Store
type Store struct {
	db     *sql.DB
	logger logger.Logger
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) the database at path and migrates the schema.
// Use ":memory:" for a throwaway database.
func Open(path string, log logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, apperrors.StorageError(apperrors.CodeStorageUnavailable, "open database", err).
			WithContext("path", path)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: log.WithComponent("sqlite_store")}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, apperrors.StorageError(apperrors.CodeStorageUnavailable, "migrate schema", err).
			WithContext("path", path)
	}
	s.logger.WithField("path", path).Debug("Database ready")
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	PRAGMA busy_timeout = 5000;
	PRAGMA journal_mode = WAL;

	CREATE TABLE IF NOT EXISTS ledger_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		content_hash TEXT NOT NULL,
		amount TEXT NOT NULL,
		merchant TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		tx_type TEXT NOT NULL,
		ts INTEGER NOT NULL,
		currency TEXT NOT NULL DEFAULT '',
		bank_name TEXT NOT NULL,
		account_last4 TEXT NOT NULL DEFAULT '',
		reference TEXT NOT NULL DEFAULT '',
		raw_body TEXT NOT NULL,
		sender TEXT NOT NULL DEFAULT '',
		is_recurring INTEGER NOT NULL DEFAULT 0,
		subscription_id INTEGER NOT NULL DEFAULT 0,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		deleted_at INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_content_hash ON ledger_entries(content_hash);
	CREATE INDEX IF NOT EXISTS idx_ledger_reference ON ledger_entries(reference, ts) WHERE reference <> '';
	CREATE INDEX IF NOT EXISTS idx_ledger_bank_account_type_ts ON ledger_entries(bank_name, account_last4, tx_type, ts);
	CREATE INDEX IF NOT EXISTS idx_ledger_ts ON ledger_entries(ts);

	CREATE TABLE IF NOT EXISTS balance_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		bank_name TEXT NOT NULL,
		account_last4 TEXT NOT NULL,
		balance TEXT NOT NULL,
		ts INTEGER NOT NULL,
		source_entry_id INTEGER NOT NULL DEFAULT 0,
		is_credit_card INTEGER NOT NULL DEFAULT 0,
		credit_limit TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_balance_key_ts ON balance_snapshots(bank_name, account_last4, ts, id);

	CREATE TABLE IF NOT EXISTS cards (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		bank_name TEXT NOT NULL,
		last4 TEXT NOT NULL,
		is_credit INTEGER NOT NULL DEFAULT 0,
		linked_account_last4 TEXT NOT NULL DEFAULT '',
		balance TEXT,
		balance_source TEXT NOT NULL DEFAULT '',
		balance_updated_at INTEGER,
		UNIQUE(bank_name, last4)
	);

	CREATE TABLE IF NOT EXISTS merchant_categories (
		merchant TEXT PRIMARY KEY,
		category TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		tx_type TEXT NOT NULL DEFAULT '',
		conditions_json TEXT NOT NULL,
		actions_json TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS rule_applications (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		rule_id TEXT NOT NULL,
		rule_name TEXT NOT NULL,
		entry_id INTEGER NOT NULL DEFAULT 0,
		blocked INTEGER NOT NULL DEFAULT 0,
		applied_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS subscriptions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		merchant TEXT NOT NULL,
		merchant_key TEXT NOT NULL,
		amount TEXT NOT NULL,
		next_payment_date INTEGER NOT NULL,
		frequency TEXT NOT NULL DEFAULT 'monthly',
		mandate_reference TEXT NOT NULL DEFAULT '',
		bank_name TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_merchant ON subscriptions(merchant_key);

	CREATE TABLE IF NOT EXISTS unrecognized_messages (
		id TEXT PRIMARY KEY,
		sender TEXT NOT NULL,
		body TEXT NOT NULL,
		received_at INTEGER NOT NULL,
		channel TEXT NOT NULL DEFAULT 'sms',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_unrecognized_sender ON unrecognized_messages(sender COLLATE NOCASE);
	CREATE INDEX IF NOT EXISTS idx_unrecognized_received ON unrecognized_messages(received_at);

	CREATE TABLE IF NOT EXISTS scan_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		last_scan_ts INTEGER NOT NULL DEFAULT 0,
		last_scan_period_days INTEGER NOT NULL DEFAULT 0,
		force_resync INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS flags (
		name TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseNullDecimal(ns sql.NullString) (*decimal.Decimal, error) {
	if !ns.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(ns.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func queryErr(op string, err error) error {
	return apperrors.StorageError(apperrors.CodeQueryFailed, op, err)
}

func writeErr(op string, err error) error {
	return apperrors.StorageError(apperrors.CodeWriteFailed, op, err)
}

// Ledger

const entryColumns = `id, content_hash, amount, merchant, category, tx_type, ts, currency, bank_name,
	account_last4, reference, raw_body, sender, is_recurring, subscription_id, is_deleted, deleted_at, created_at`

func scanEntry(r rowScanner) (*models.LedgerEntry, error) {
	var (
		e                  models.LedgerEntry
		amount, txType     string
		ts, createdAt      int64
		recurring, deleted int
		deletedAt          sql.NullInt64
	)
	if err := r.Scan(&e.ID, &e.ContentHash, &amount, &e.Merchant, &e.Category, &txType, &ts, &e.Currency,
		&e.BankName, &e.AccountLast4, &e.Reference, &e.RawBody, &e.Sender, &recurring, &e.SubscriptionID,
		&deleted, &deletedAt, &createdAt); err != nil {
		return nil, err
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, err
	}
	e.Amount = d
	e.Type = models.TransactionType(txType)
	e.Timestamp = fromMillis(ts)
	e.CreatedAt = fromMillis(createdAt)
	e.IsRecurring = recurring == 1
	e.IsDeleted = deleted == 1
	if deletedAt.Valid {
		t := fromMillis(deletedAt.Int64)
		e.DeletedAt = &t
	}
	return &e, nil
}

func (s *Store) queryEntries(ctx context.Context, op, query string, args ...interface{}) ([]*models.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, queryErr(op, err)
	}
	defer rows.Close()

	var out []*models.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, queryErr(op, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, queryErr(op, err)
	}
	return out, nil
}

func filterAmount(entries []*models.LedgerEntry, amount decimal.Decimal) []*models.LedgerEntry {
	out := entries[:0]
	for _, e := range entries {
		if e.Amount.Equal(amount) {
			out = append(out, e)
		}
	}
	return out
}

// Insert stores the entry, returning store.ErrDuplicate on a hash collision
func (s *Store) Insert(ctx context.Context, e *models.LedgerEntry) (int64, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (content_hash, amount, merchant, category, tx_type, ts, currency, bank_name,
			account_last4, reference, raw_body, sender, is_recurring, subscription_id, is_deleted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(content_hash) DO NOTHING`,
		e.ContentHash, e.Amount.String(), e.Merchant, e.Category, string(e.Type), toMillis(e.Timestamp), e.Currency,
		e.BankName, e.AccountLast4, e.Reference, e.RawBody, e.Sender, boolInt(e.IsRecurring), e.SubscriptionID,
		toMillis(e.CreatedAt))
	if err != nil {
		return 0, writeErr("insert ledger entry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, store.ErrDuplicate
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, writeErr("insert ledger entry", err)
	}
	e.ID = id
	return id, nil
}

func (s *Store) Get(ctx context.Context, id int64) (*models.LedgerEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, queryErr("get ledger entry", err)
	}
	return e, nil
}

func (s *Store) FindByHash(ctx context.Context, hash string) (*models.LedgerEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE content_hash = ?`, hash)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, queryErr("find by hash", err)
	}
	return e, nil
}

func (s *Store) FindByReference(ctx context.Context, reference string, amount decimal.Decimal, from, to time.Time) ([]*models.LedgerEntry, error) {
	entries, err := s.queryEntries(ctx, "find by reference",
		`SELECT `+entryColumns+` FROM ledger_entries WHERE reference = ? AND ts BETWEEN ? AND ? ORDER BY id`,
		reference, toMillis(from), toMillis(to))
	if err != nil {
		return nil, err
	}
	return filterAmount(entries, amount), nil
}

func (s *Store) FindByAccountAmountTypeTime(ctx context.Context, bankName, account string, amount decimal.Decimal, txType models.TransactionType, from, to time.Time) ([]*models.LedgerEntry, error) {
	entries, err := s.queryEntries(ctx, "find by account",
		`SELECT `+entryColumns+` FROM ledger_entries
		WHERE bank_name = ? AND account_last4 = ? AND tx_type = ? AND ts BETWEEN ? AND ? ORDER BY id`,
		bankName, account, string(txType), toMillis(from), toMillis(to))
	if err != nil {
		return nil, err
	}
	return filterAmount(entries, amount), nil
}

func (s *Store) FindInRange(ctx context.Context, from, to time.Time) ([]*models.LedgerEntry, error) {
	return s.queryEntries(ctx, "find in range",
		`SELECT `+entryColumns+` FROM ledger_entries WHERE is_deleted = 0 AND ts BETWEEN ? AND ? ORDER BY id`,
		toMillis(from), toMillis(to))
}

func (s *Store) List(ctx context.Context, opts store.ListOptions) ([]*models.LedgerEntry, error) {
	var (
		where []string
		args  []interface{}
	)
	if !opts.IncludeDeleted {
		where = append(where, "is_deleted = 0")
	}
	if !opts.From.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, toMillis(opts.From))
	}
	if !opts.To.IsZero() {
		where = append(where, "ts <= ?")
		args = append(args, toMillis(opts.To))
	}
	query := `SELECT ` + entryColumns + ` FROM ledger_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC, id DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	return s.queryEntries(ctx, "list ledger", query, args...)
}

func (s *Store) SoftDelete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ledger_entries SET is_deleted = 1, deleted_at = ? WHERE id = ?`, time.Now().UnixMilli(), id)
	if err != nil {
		return writeErr("soft delete", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) HardDelete(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return writeErr("hard delete", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM ledger_entries WHERE id = ?`)
	if err != nil {
		return writeErr("hard delete", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return writeErr("hard delete", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return writeErr("hard delete", err)
	}
	return nil
}

func (s *Store) DeleteAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM ledger_entries`); err != nil {
		return writeErr("delete all ledger entries", err)
	}
	return nil
}

// Balances

const snapshotColumns = `id, bank_name, account_last4, balance, ts, source_entry_id, is_credit_card, credit_limit`

func scanSnapshot(r rowScanner) (*models.BalanceSnapshot, error) {
	var (
		snap        models.BalanceSnapshot
		balance     string
		ts          int64
		isCredit    int
		creditLimit sql.NullString
	)
	if err := r.Scan(&snap.ID, &snap.BankName, &snap.AccountLast4, &balance, &ts, &snap.SourceEntryID,
		&isCredit, &creditLimit); err != nil {
		return nil, err
	}
	d, err := decimal.NewFromString(balance)
	if err != nil {
		return nil, err
	}
	snap.Balance = d
	snap.Timestamp = fromMillis(ts)
	snap.IsCreditCard = isCredit == 1
	if snap.CreditLimit, err = parseNullDecimal(creditLimit); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *Store) querySnapshots(ctx context.Context, op, query string, args ...interface{}) ([]*models.BalanceSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, queryErr(op, err)
	}
	defer rows.Close()

	var out []*models.BalanceSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, queryErr(op, err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, queryErr(op, err)
	}
	return out, nil
}

func (s *Store) Latest(ctx context.Context, bankName, accountLast4 string) (*models.BalanceSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM balance_snapshots
		WHERE bank_name = ? AND account_last4 = ? ORDER BY ts DESC, id DESC LIMIT 1`, bankName, accountLast4)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, queryErr("latest balance", err)
	}
	return snap, nil
}

func (s *Store) InsertSnapshot(ctx context.Context, snap *models.BalanceSnapshot) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO balance_snapshots (bank_name, account_last4, balance, ts, source_entry_id, is_credit_card, credit_limit)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.BankName, snap.AccountLast4, snap.Balance.String(), toMillis(snap.Timestamp), snap.SourceEntryID,
		boolInt(snap.IsCreditCard), nullDecimal(snap.CreditLimit))
	if err != nil {
		return 0, writeErr("insert balance snapshot", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, writeErr("insert balance snapshot", err)
	}
	snap.ID = id
	return id, nil
}

func (s *Store) History(ctx context.Context, bankName, accountLast4 string) ([]*models.BalanceSnapshot, error) {
	return s.querySnapshots(ctx, "balance history", `SELECT `+snapshotColumns+` FROM balance_snapshots
		WHERE bank_name = ? AND account_last4 = ? ORDER BY ts, id`, bankName, accountLast4)
}

func (s *Store) CurrentBalances(ctx context.Context) ([]*models.BalanceSnapshot, error) {
	return s.querySnapshots(ctx, "current balances", `SELECT `+snapshotColumns+` FROM balance_snapshots b
		WHERE b.id = (
			SELECT x.id FROM balance_snapshots x
			WHERE x.bank_name = b.bank_name AND x.account_last4 = b.account_last4
			ORDER BY x.ts DESC, x.id DESC LIMIT 1)
		ORDER BY b.bank_name, b.account_last4`)
}

func (s *Store) DeleteAllBalances(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM balance_snapshots`); err != nil {
		return writeErr("delete all balances", err)
	}
	return nil
}

func (s *Store) DeleteSnapshotsForEntries(ctx context.Context, entryIDs ...int64) (int, error) {
	if len(entryIDs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, writeErr("delete entry snapshots", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM balance_snapshots WHERE source_entry_id = ?`)
	if err != nil {
		return 0, writeErr("delete entry snapshots", err)
	}
	defer stmt.Close()

	var removed int64
	for _, id := range entryIDs {
		if id == 0 {
			continue
		}
		res, err := stmt.ExecContext(ctx, id)
		if err != nil {
			return 0, writeErr("delete entry snapshots", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, writeErr("delete entry snapshots", err)
		}
		removed += n
	}
	if err := tx.Commit(); err != nil {
		return 0, writeErr("delete entry snapshots", err)
	}
	return int(removed), nil
}

// Cards

const cardColumns = `id, bank_name, last4, is_credit, linked_account_last4, balance, balance_source, balance_updated_at`

func scanCard(r rowScanner) (*models.Card, error) {
	var (
		c         models.Card
		isCredit  int
		balance   sql.NullString
		updatedAt sql.NullInt64
	)
	if err := r.Scan(&c.ID, &c.BankName, &c.Last4, &isCredit, &c.LinkedAccountLast4, &balance,
		&c.BalanceSource, &updatedAt); err != nil {
		return nil, err
	}
	c.IsCredit = isCredit == 1
	var err error
	if c.Balance, err = parseNullDecimal(balance); err != nil {
		return nil, err
	}
	if updatedAt.Valid {
		t := fromMillis(updatedAt.Int64)
		c.BalanceUpdatedAt = &t
	}
	return &c, nil
}

func (s *Store) FindCard(ctx context.Context, bankName, last4 string) (*models.Card, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE bank_name = ? AND last4 = ?`,
		bankName, last4)
	c, err := scanCard(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, queryErr("find card", err)
	}
	return c, nil
}

func (s *Store) FindOrCreateCard(ctx context.Context, last4, bankName string, isCredit bool) (*models.Card, error) {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO cards (bank_name, last4, is_credit) VALUES (?, ?, ?)
		ON CONFLICT(bank_name, last4) DO NOTHING`, bankName, last4, boolInt(isCredit)); err != nil {
		return nil, writeErr("create card", err)
	}
	return s.FindCard(ctx, bankName, last4)
}

func (s *Store) UpdateCardBalance(ctx context.Context, cardID int64, balance decimal.Decimal, source string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE cards SET balance = ?, balance_source = ?, balance_updated_at = ?
		WHERE id = ?`, balance.String(), source, toMillis(at), cardID)
	if err != nil {
		return writeErr("update card balance", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) LinkCard(ctx context.Context, cardID int64, accountLast4 string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE cards SET linked_account_last4 = ? WHERE id = ?`, accountLast4, cardID)
	if err != nil {
		return writeErr("link card", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListCards(ctx context.Context) ([]*models.Card, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+cardColumns+` FROM cards ORDER BY id`)
	if err != nil {
		return nil, queryErr("list cards", err)
	}
	defer rows.Close()

	var out []*models.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, queryErr("list cards", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Merchant categories

func (s *Store) AllMappings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT merchant, category FROM merchant_categories`)
	if err != nil {
		return nil, queryErr("load merchant categories", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var merchant, category string
		if err := rows.Scan(&merchant, &category); err != nil {
			return nil, queryErr("load merchant categories", err)
		}
		out[merchant] = category
	}
	return out, rows.Err()
}

func (s *Store) SetMapping(ctx context.Context, merchant, category string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO merchant_categories (merchant, category) VALUES (?, ?)
		ON CONFLICT(merchant) DO UPDATE SET category = excluded.category`,
		store.NormalizeMerchant(merchant), category)
	if err != nil {
		return writeErr("set merchant category", err)
	}
	return nil
}

// Rules

func (s *Store) queryRules(ctx context.Context, op, query string, args ...interface{}) ([]*models.Rule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, queryErr(op, err)
	}
	defer rows.Close()

	var out []*models.Rule
	for rows.Next() {
		var (
			r                models.Rule
			txType           string
			conditions, acts string
			active           int
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Priority, &txType, &conditions, &acts, &active); err != nil {
			return nil, queryErr(op, err)
		}
		r.TransactionType = models.TransactionType(txType)
		r.Active = active == 1
		if err := json.Unmarshal([]byte(conditions), &r.Conditions); err != nil {
			return nil, queryErr(op, err)
		}
		if err := json.Unmarshal([]byte(acts), &r.Actions); err != nil {
			return nil, queryErr(op, err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *Store) ActiveRulesByType(ctx context.Context, t models.TransactionType) ([]*models.Rule, error) {
	return s.queryRules(ctx, "load rules",
		`SELECT id, name, priority, tx_type, conditions_json, actions_json, active FROM rules
		WHERE active = 1 AND (tx_type = '' OR tx_type = ?) ORDER BY priority DESC, id`, string(t))
}

func (s *Store) ListRules(ctx context.Context) ([]*models.Rule, error) {
	return s.queryRules(ctx, "list rules",
		`SELECT id, name, priority, tx_type, conditions_json, actions_json, active FROM rules
		ORDER BY priority DESC, id`)
}

func (s *Store) SaveRule(ctx context.Context, r *models.Rule) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	conditions, err := json.Marshal(r.Conditions)
	if err != nil {
		return writeErr("save rule", err)
	}
	acts, err := json.Marshal(r.Actions)
	if err != nil {
		return writeErr("save rule", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rules (id, name, priority, tx_type, conditions_json, actions_json, active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, priority = excluded.priority, tx_type = excluded.tx_type,
			conditions_json = excluded.conditions_json, actions_json = excluded.actions_json, active = excluded.active`,
		r.ID, r.Name, r.Priority, string(r.TransactionType), string(conditions), string(acts), boolInt(r.Active))
	if err != nil {
		return writeErr("save rule", err)
	}
	return nil
}

func (s *Store) RecordApplications(ctx context.Context, apps []models.RuleApplication) error {
	if len(apps) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return writeErr("record rule applications", err)
	}
	defer tx.Rollback()

	for _, a := range apps {
		if _, err := tx.ExecContext(ctx, `INSERT INTO rule_applications (rule_id, rule_name, entry_id, blocked, applied_at)
			VALUES (?, ?, ?, ?, ?)`, a.RuleID, a.RuleName, a.EntryID, boolInt(a.Blocked), toMillis(a.AppliedAt)); err != nil {
			return writeErr("record rule applications", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return writeErr("record rule applications", err)
	}
	return nil
}

// Subscriptions

const subscriptionColumns = `id, merchant, amount, next_payment_date, frequency, mandate_reference, bank_name, active`

func (s *Store) querySubscriptions(ctx context.Context, op, query string, args ...interface{}) ([]*models.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, queryErr(op, err)
	}
	defer rows.Close()

	var out []*models.Subscription
	for rows.Next() {
		var (
			sub    models.Subscription
			amount string
			next   int64
			active int
		)
		if err := rows.Scan(&sub.ID, &sub.Merchant, &amount, &next, &sub.Frequency, &sub.MandateReference,
			&sub.BankName, &active); err != nil {
			return nil, queryErr(op, err)
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, queryErr(op, err)
		}
		sub.Amount = d
		sub.NextPaymentDate = fromMillis(next)
		sub.Active = active == 1
		out = append(out, &sub)
	}
	return out, rows.Err()
}

func (s *Store) MatchCandidate(ctx context.Context, merchant string, amount decimal.Decimal) (*models.Subscription, error) {
	subs, err := s.querySubscriptions(ctx, "match subscription", `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE active = 1 AND merchant_key = ? ORDER BY id`, store.NormalizeMerchant(merchant))
	if err != nil {
		return nil, err
	}
	for _, sub := range subs {
		if sub.Amount.Equal(amount) {
			return sub, nil
		}
	}
	return nil, nil
}

func (s *Store) AdvanceNextPayment(ctx context.Context, id int64, next time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE subscriptions SET next_payment_date = ? WHERE id = ?`, toMillis(next), id)
	if err != nil {
		return writeErr("advance subscription", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) UpsertFromMandate(ctx context.Context, m *models.Mandate) (*models.Subscription, error) {
	key := store.NormalizeMerchant(m.Merchant)
	var existing []*models.Subscription
	var err error
	if m.Reference != "" {
		existing, err = s.querySubscriptions(ctx, "find mandate", `SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE mandate_reference = ? ORDER BY id LIMIT 1`, m.Reference)
	} else {
		existing, err = s.querySubscriptions(ctx, "find mandate", `SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE merchant_key = ? ORDER BY id LIMIT 1`, key)
	}
	if err != nil {
		return nil, err
	}

	frequency := m.Frequency
	if frequency == "" {
		frequency = "monthly"
	}

	if len(existing) > 0 {
		sub := existing[0]
		if _, err := s.db.ExecContext(ctx, `UPDATE subscriptions SET amount = ?, next_payment_date = ?, active = 1
			WHERE id = ?`, m.Amount.String(), toMillis(m.NextPaymentDate), sub.ID); err != nil {
			return nil, writeErr("update subscription", err)
		}
		sub.Amount = m.Amount
		sub.NextPaymentDate = m.NextPaymentDate
		sub.Active = true
		return sub, nil
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (merchant, merchant_key, amount, next_payment_date, frequency, mandate_reference, bank_name, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1)`,
		m.Merchant, key, m.Amount.String(), toMillis(m.NextPaymentDate), frequency, m.Reference, m.BankName)
	if err != nil {
		return nil, writeErr("insert subscription", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, writeErr("insert subscription", err)
	}
	return &models.Subscription{
		ID:               id,
		Merchant:         m.Merchant,
		Amount:           m.Amount,
		NextPaymentDate:  m.NextPaymentDate,
		Frequency:        frequency,
		MandateReference: m.Reference,
		BankName:         m.BankName,
		Active:           true,
	}, nil
}

func (s *Store) ListSubscriptions(ctx context.Context) ([]*models.Subscription, error) {
	return s.querySubscriptions(ctx, "list subscriptions", `SELECT `+subscriptionColumns+` FROM subscriptions ORDER BY id`)
}

// Unrecognized messages

func (s *Store) UnrecognizedExists(ctx context.Context, sender, body string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM unrecognized_messages
		WHERE sender = ? COLLATE NOCASE AND body = ?`, sender, body).Scan(&n)
	if err != nil {
		return false, queryErr("unrecognized exists", err)
	}
	return n > 0, nil
}

func (s *Store) InsertUnrecognized(ctx context.Context, msgs []*models.UnrecognizedMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return writeErr("insert unrecognized", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO unrecognized_messages (id, sender, body, received_at, channel, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`, m.ID, m.Sender, m.Body, toMillis(m.ReceivedAt), string(m.Channel),
			toMillis(m.CreatedAt)); err != nil {
			return writeErr("insert unrecognized", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return writeErr("insert unrecognized", err)
	}
	return nil
}

func (s *Store) CleanupUnrecognized(ctx context.Context, olderThan time.Time, maxRows int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM unrecognized_messages WHERE received_at < ?`, toMillis(olderThan))
	if err != nil {
		return 0, writeErr("cleanup unrecognized", err)
	}
	removed, _ := res.RowsAffected()

	if maxRows > 0 {
		res, err = s.db.ExecContext(ctx, `DELETE FROM unrecognized_messages WHERE id NOT IN (
			SELECT id FROM unrecognized_messages ORDER BY received_at DESC LIMIT ?)`, maxRows)
		if err != nil {
			return removed, writeErr("cleanup unrecognized", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	return removed, nil
}

func (s *Store) ListUnrecognized(ctx context.Context, limit int) ([]*models.UnrecognizedMessage, error) {
	query := `SELECT id, sender, body, received_at, channel, created_at FROM unrecognized_messages
		ORDER BY received_at DESC`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, queryErr("list unrecognized", err)
	}
	defer rows.Close()

	var out []*models.UnrecognizedMessage
	for rows.Next() {
		var (
			m                 models.UnrecognizedMessage
			received, created int64
			channel           string
		)
		if err := rows.Scan(&m.ID, &m.Sender, &m.Body, &received, &channel, &created); err != nil {
			return nil, queryErr("list unrecognized", err)
		}
		m.ReceivedAt = fromMillis(received)
		m.CreatedAt = fromMillis(created)
		m.Channel = models.Channel(channel)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Scan state and flags

func (s *Store) LoadScanState(ctx context.Context) (*models.ScanState, error) {
	var (
		ts, period int64
		force      int
	)
	err := s.db.QueryRowContext(ctx, `SELECT last_scan_ts, last_scan_period_days, force_resync
		FROM scan_state WHERE id = 1`).Scan(&ts, &period, &force)
	if err == sql.ErrNoRows {
		return &models.ScanState{}, nil
	}
	if err != nil {
		return nil, queryErr("load scan state", err)
	}
	return &models.ScanState{
		LastScanTimestamp:  fromMillis(ts),
		LastScanPeriodDays: int(period),
		ForceResync:        force == 1,
	}, nil
}

func (s *Store) SaveScanState(ctx context.Context, state *models.ScanState) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO scan_state (id, last_scan_ts, last_scan_period_days, force_resync)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_scan_ts = excluded.last_scan_ts,
			last_scan_period_days = excluded.last_scan_period_days, force_resync = excluded.force_resync`,
		toMillis(state.LastScanTimestamp), state.LastScanPeriodDays, boolInt(state.ForceResync))
	if err != nil {
		return writeErr("save scan state", err)
	}
	return nil
}

func (s *Store) SetFlag(ctx context.Context, name string, value bool) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO flags (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value`, name, boolInt(value))
	if err != nil {
		return writeErr("set flag", err)
	}
	return nil
}

func (s *Store) Flag(ctx context.Context, name string) (bool, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT value FROM flags WHERE name = ?`, name).Scan(&v)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, queryErr("read flag", err)
	}
	return v == 1, nil
}
