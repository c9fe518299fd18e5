/*
Package sqlite provides a SQLite-backed implementation of loyalty.Store.

PURPOSE:
  Default persistence for the loyalty ledger. The PostgreSQL store in
  store/postgres follows the same schema with minor dialect differences.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on the transactions table
  - discount_codes has one conditional UPDATE (mark used)
  - Corrections are new manual_adjustment transactions

KEY TABLES:
  accounts:             Riders; seq is the creation order
  transactions:         Immutable ledger of point changes
  discount_codes:       Issued rewards
  referral_redemptions: One row per referred account

UNIQUE CONSTRAINTS (the exactly-once guarantees live here):
  - accounts(email), accounts(referral_code)
  - transactions(account_id, kind, reference_id)
  - discount_codes(code), discount_codes(account_id, rule_id, threshold)
  - referral_redemptions(referred_id)

TIMESTAMPS:
  Stored as fixed-width UTC text so string comparison matches time order.

CONCURRENCY:
  Writes are serialized with a sync.RWMutex. ":memory:" databases are
  limited to a single connection, otherwise every pooled connection would
  see its own empty database.

USAGE:
  store, err := sqlite.New("./data/loyalty.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - loyalty/store.go: Interface definitions
  - loyalty/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/DBTheEasyButton/Template-Riding-Coach-Website-sub002/loyalty"
)

const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Store implements loyalty.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		email TEXT NOT NULL UNIQUE,
		first_name TEXT NOT NULL,
		last_name TEXT NOT NULL,
		referral_code TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL
	);

	-- Transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		kind TEXT NOT NULL,
		delta INTEGER NOT NULL,
		reference_id TEXT NOT NULL,
		reason TEXT,
		period_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (account_id, kind, reference_id)
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_account
		ON transactions(account_id, seq);

	-- Leaderboard hot path
	CREATE INDEX IF NOT EXISTS idx_transactions_period
		ON transactions(period_id, seq);

	CREATE TABLE IF NOT EXISTS discount_codes (
		code TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		rule_id TEXT NOT NULL,
		percentage TEXT NOT NULL,
		threshold INTEGER NOT NULL,
		issued_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		used INTEGER NOT NULL DEFAULT 0,
		used_at TEXT,
		UNIQUE (account_id, rule_id, threshold)
	);

	CREATE TABLE IF NOT EXISTS referral_redemptions (
		referred_id TEXT PRIMARY KEY REFERENCES accounts(id),
		referrer_id TEXT NOT NULL REFERENCES accounts(id),
		created_at TEXT NOT NULL,
		CHECK (referrer_id <> referred_id)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (s *Store) CreateAccount(ctx context.Context, a loyalty.Account) (loyalty.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, email, first_name, last_name, referral_code, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(a.ID), a.Email, a.FirstName, a.LastName, a.ReferralCode, formatTime(a.CreatedAt),
	)
	if err != nil {
		switch {
		case isUniqueConstraintError(err, "accounts.email"):
			return loyalty.Account{}, loyalty.ErrDuplicateEmail
		case isUniqueConstraintError(err, "accounts.referral_code"):
			return loyalty.Account{}, loyalty.ErrDuplicateReferralCode
		}
		return loyalty.Account{}, fmt.Errorf("failed to insert account: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return loyalty.Account{}, fmt.Errorf("failed to read account seq: %w", err)
	}
	a.Seq = seq
	return a, nil
}

const accountColumns = `seq, id, email, first_name, last_name, referral_code, created_at`

func (s *Store) GetAccount(ctx context.Context, id loyalty.AccountID) (loyalty.Account, error) {
	return s.getAccount(ctx, loyalty.ErrAccountNotFound, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, string(id))
}

func (s *Store) GetAccountByEmail(ctx context.Context, email string) (loyalty.Account, error) {
	return s.getAccount(ctx, loyalty.ErrAccountNotFound, `SELECT `+accountColumns+` FROM accounts WHERE email = ?`, email)
}

func (s *Store) GetAccountByReferralCode(ctx context.Context, code string) (loyalty.Account, error) {
	return s.getAccount(ctx, loyalty.ErrUnknownReferralCode, `SELECT `+accountColumns+` FROM accounts WHERE referral_code = ?`, code)
}

func (s *Store) getAccount(ctx context.Context, notFound error, query string, arg any) (loyalty.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, err := scanAccount(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return loyalty.Account{}, notFound
	}
	if err != nil {
		return loyalty.Account{}, fmt.Errorf("failed to query account: %w", err)
	}
	return a, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]loyalty.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var out []loyalty.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (loyalty.Account, error) {
	var (
		a         loyalty.Account
		id        string
		createdAt string
	)
	if err := row.Scan(&a.Seq, &id, &a.Email, &a.FirstName, &a.LastName, &a.ReferralCode, &createdAt); err != nil {
		return loyalty.Account{}, err
	}
	a.ID = loyalty.AccountID(id)
	a.CreatedAt = parseTime(createdAt)
	return a, nil
}

// =============================================================================
// TRANSACTIONS - Append-only
// =============================================================================

// Append adds a single transaction. Append-only.
func (s *Store) Append(ctx context.Context, tx loyalty.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (id, account_id, kind, delta, reference_id, reason, period_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(tx.ID), string(tx.AccountID), string(tx.Kind), tx.Delta, tx.ReferenceID,
		nullString(tx.Reason), string(tx.PeriodID), formatTime(tx.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err, "transactions.account_id") {
			return loyalty.ErrDuplicateTransaction
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

const transactionColumns = `id, account_id, kind, delta, reference_id, reason, period_id, created_at`

func (s *Store) Load(ctx context.Context, accountID loyalty.AccountID) ([]loyalty.Transaction, error) {
	return s.queryTransactions(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE account_id = ? ORDER BY seq`,
		string(accountID))
}

func (s *Store) LoadPeriod(ctx context.Context, period loyalty.PeriodID) ([]loyalty.Transaction, error) {
	return s.queryTransactions(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE period_id = ? ORDER BY seq`,
		string(period))
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]loyalty.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []loyalty.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func scanTransaction(rows *sql.Rows) (loyalty.Transaction, error) {
	var (
		tx                              loyalty.Transaction
		id, accountID, kind, period, at string
		reason                          sql.NullString
	)
	if err := rows.Scan(&id, &accountID, &kind, &tx.Delta, &tx.ReferenceID, &reason, &period, &at); err != nil {
		return loyalty.Transaction{}, fmt.Errorf("failed to scan transaction: %w", err)
	}
	tx.ID = loyalty.TransactionID(id)
	tx.AccountID = loyalty.AccountID(accountID)
	tx.Kind = loyalty.TxKind(kind)
	tx.Reason = reason.String
	tx.PeriodID = loyalty.PeriodID(period)
	tx.CreatedAt = parseTime(at)
	return tx, nil
}

// =============================================================================
// DISCOUNT CODES
// =============================================================================

func (s *Store) InsertDiscountCode(ctx context.Context, d loyalty.DiscountCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO discount_codes (code, account_id, rule_id, percentage, threshold, issued_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.Code, string(d.AccountID), d.RuleID, d.Percentage.String(), d.Threshold,
		formatTime(d.IssuedAt), formatTime(d.ExpiresAt),
	)
	if err == nil {
		return nil
	}
	if isUniqueConstraintError(err, "discount_codes.account_id") {
		return loyalty.ErrDuplicateDiscount
	}
	if isUniqueConstraintError(err, "discount_codes.code") {
		// SQLite reports only the first violated index; the threshold wins.
		var exists int
		err := s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM discount_codes WHERE account_id = ? AND rule_id = ? AND threshold = ?`,
			string(d.AccountID), d.RuleID, d.Threshold).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check discount threshold: %w", err)
		}
		if exists > 0 {
			return loyalty.ErrDuplicateDiscount
		}
		return loyalty.ErrDuplicateCode
	}
	return fmt.Errorf("failed to insert discount code: %w", err)
}

const discountColumns = `code, account_id, rule_id, percentage, threshold, issued_at, expires_at, used, used_at`

func (s *Store) GetDiscountCode(ctx context.Context, code string) (loyalty.DiscountCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getDiscountLocked(ctx, code)
}

func (s *Store) getDiscountLocked(ctx context.Context, code string) (loyalty.DiscountCode, error) {
	d, err := scanDiscount(s.db.QueryRowContext(ctx, `SELECT `+discountColumns+` FROM discount_codes WHERE code = ?`, code))
	if errors.Is(err, sql.ErrNoRows) {
		return loyalty.DiscountCode{}, loyalty.ErrUnknownDiscountCode
	}
	if err != nil {
		return loyalty.DiscountCode{}, fmt.Errorf("failed to query discount code: %w", err)
	}
	return d, nil
}

func (s *Store) ListDiscountCodes(ctx context.Context, accountID loyalty.AccountID) ([]loyalty.DiscountCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+discountColumns+` FROM discount_codes
		WHERE account_id = ?
		ORDER BY issued_at, rule_id, threshold`, string(accountID))
	if err != nil {
		return nil, fmt.Errorf("failed to query discount codes: %w", err)
	}
	defer rows.Close()

	var out []loyalty.DiscountCode
	for rows.Next() {
		d, err := scanDiscount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan discount code: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// MarkDiscountUsed is a single conditional UPDATE, so two concurrent
// checkouts cannot both consume the code.
func (s *Store) MarkDiscountUsed(ctx context.Context, code string, at time.Time) (loyalty.DiscountCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE discount_codes SET used = 1, used_at = ?
		WHERE code = ? AND used = 0 AND expires_at > ?`,
		formatTime(at), code, formatTime(at))
	if err != nil {
		return loyalty.DiscountCode{}, fmt.Errorf("failed to mark discount used: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return loyalty.DiscountCode{}, fmt.Errorf("failed to mark discount used: %w", err)
	}

	d, err := s.getDiscountLocked(ctx, code)
	if err != nil {
		return loyalty.DiscountCode{}, err
	}
	if n == 0 {
		if d.Used {
			return loyalty.DiscountCode{}, loyalty.ErrDiscountAlreadyUsed
		}
		return loyalty.DiscountCode{}, loyalty.ErrDiscountExpired
	}
	return d, nil
}

func scanDiscount(row scanner) (loyalty.DiscountCode, error) {
	var (
		d                           loyalty.DiscountCode
		accountID, pct, issued, exp string
		used                        int
		usedAt                      sql.NullString
	)
	if err := row.Scan(&d.Code, &accountID, &d.RuleID, &pct, &d.Threshold, &issued, &exp, &used, &usedAt); err != nil {
		return loyalty.DiscountCode{}, err
	}
	p, err := decimal.NewFromString(pct)
	if err != nil {
		return loyalty.DiscountCode{}, fmt.Errorf("invalid percentage %q: %w", pct, err)
	}
	d.AccountID = loyalty.AccountID(accountID)
	d.Percentage = p
	d.IssuedAt = parseTime(issued)
	d.ExpiresAt = parseTime(exp)
	d.Used = used != 0
	if usedAt.Valid {
		t := parseTime(usedAt.String)
		d.UsedAt = &t
	}
	return d, nil
}

// =============================================================================
// REFERRALS
// =============================================================================

func (s *Store) InsertReferralRedemption(ctx context.Context, r loyalty.ReferralRedemption) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO referral_redemptions (referred_id, referrer_id, created_at)
		VALUES (?, ?, ?)`,
		string(r.ReferredID), string(r.ReferrerID), formatTime(r.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err, "referral_redemptions.referred_id") {
			return loyalty.ErrDuplicateReferral
		}
		return fmt.Errorf("failed to insert referral redemption: %w", err)
	}
	return nil
}

func (s *Store) GetReferralRedemption(ctx context.Context, referredID loyalty.AccountID) (loyalty.ReferralRedemption, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var referrer, created string
	err := s.db.QueryRowContext(ctx, `
		SELECT referrer_id, created_at FROM referral_redemptions WHERE referred_id = ?`,
		string(referredID)).Scan(&referrer, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return loyalty.ReferralRedemption{}, false, nil
	}
	if err != nil {
		return loyalty.ReferralRedemption{}, false, fmt.Errorf("failed to query referral redemption: %w", err)
	}
	return loyalty.ReferralRedemption{
		ReferrerID: loyalty.AccountID(referrer),
		ReferredID: referredID,
		CreatedAt:  parseTime(created),
	}, true, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// isUniqueConstraintError reports whether err is a UNIQUE or PRIMARY KEY
// violation naming column (as "table.column").
func isUniqueConstraintError(err error, column string) bool {
	var serr sqlite3.Error
	if !errors.As(err, &serr) {
		return false
	}
	if serr.ExtendedCode != sqlite3.ErrConstraintUnique && serr.ExtendedCode != sqlite3.ErrConstraintPrimaryKey {
		return false
	}
	return strings.Contains(serr.Error(), column)
}

var _ loyalty.Store = (*Store)(nil)
