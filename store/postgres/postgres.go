/*
Package postgres provides a PostgreSQL implementation of loyalty.Store
using a pgx connection pool.

The schema mirrors store/sqlite. Unique violations are classified by
constraint name (SQLSTATE 23505) instead of message text, so the names in
the schema below are part of the contract.
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/DBTheEasyButton/Template-Riding-Coach-Website-sub002/loyalty"
)

const uniqueViolation = "23505"

const (
	constraintAccountEmail      = "accounts_email_key"
	constraintAccountReferral   = "accounts_referral_code_key"
	constraintTransactionKey    = "transactions_idempotency_key"
	constraintDiscountCode      = "discount_codes_pkey"
	constraintDiscountThreshold = "discount_codes_threshold_key"
	constraintReferralReferred  = "referral_redemptions_pkey"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	seq BIGINT GENERATED ALWAYS AS IDENTITY,
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL CONSTRAINT accounts_email_key UNIQUE,
	first_name TEXT NOT NULL,
	last_name TEXT NOT NULL,
	referral_code TEXT NOT NULL CONSTRAINT accounts_referral_code_key UNIQUE,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
	seq BIGINT GENERATED ALWAYS AS IDENTITY,
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES accounts(id),
	kind TEXT NOT NULL,
	delta BIGINT NOT NULL,
	reference_id TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	period_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	CONSTRAINT transactions_idempotency_key UNIQUE (account_id, kind, reference_id)
);

CREATE INDEX IF NOT EXISTS idx_transactions_account ON transactions(account_id, seq);
CREATE INDEX IF NOT EXISTS idx_transactions_period ON transactions(period_id, seq);

CREATE TABLE IF NOT EXISTS discount_codes (
	code TEXT CONSTRAINT discount_codes_pkey PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES accounts(id),
	rule_id TEXT NOT NULL,
	percentage NUMERIC(5,2) NOT NULL,
	threshold BIGINT NOT NULL,
	issued_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	used BOOLEAN NOT NULL DEFAULT FALSE,
	used_at TIMESTAMPTZ,
	CONSTRAINT discount_codes_threshold_key UNIQUE (account_id, rule_id, threshold)
);

CREATE TABLE IF NOT EXISTS referral_redemptions (
	referred_id TEXT CONSTRAINT referral_redemptions_pkey PRIMARY KEY REFERENCES accounts(id),
	referrer_id TEXT NOT NULL REFERENCES accounts(id),
	created_at TIMESTAMPTZ NOT NULL,
	CHECK (referrer_id <> referred_id)
);
`

type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a pool for dsn, pings it and migrates the schema.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Truncate empties every table. Used by tests sharing one database.
func (s *Store) Truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE referral_redemptions, discount_codes, transactions, accounts RESTART IDENTITY`)
	return err
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (s *Store) CreateAccount(ctx context.Context, a loyalty.Account) (loyalty.Account, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO accounts (id, email, first_name, last_name, referral_code, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING seq`,
		string(a.ID), a.Email, a.FirstName, a.LastName, a.ReferralCode, a.CreatedAt.UTC(),
	).Scan(&a.Seq)
	if err != nil {
		switch uniqueConstraint(err) {
		case constraintAccountEmail:
			return loyalty.Account{}, loyalty.ErrDuplicateEmail
		case constraintAccountReferral:
			return loyalty.Account{}, loyalty.ErrDuplicateReferralCode
		}
		return loyalty.Account{}, fmt.Errorf("failed to insert account: %w", err)
	}
	return a, nil
}

const accountColumns = `seq, id, email, first_name, last_name, referral_code, created_at`

func (s *Store) GetAccount(ctx context.Context, id loyalty.AccountID) (loyalty.Account, error) {
	return s.getAccount(ctx, loyalty.ErrAccountNotFound, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, string(id))
}

func (s *Store) GetAccountByEmail(ctx context.Context, email string) (loyalty.Account, error) {
	return s.getAccount(ctx, loyalty.ErrAccountNotFound, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email)
}

func (s *Store) GetAccountByReferralCode(ctx context.Context, code string) (loyalty.Account, error) {
	return s.getAccount(ctx, loyalty.ErrUnknownReferralCode, `SELECT `+accountColumns+` FROM accounts WHERE referral_code = $1`, code)
}

func (s *Store) getAccount(ctx context.Context, notFound error, query string, arg any) (loyalty.Account, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return loyalty.Account{}, notFound
	}
	if err != nil {
		return loyalty.Account{}, fmt.Errorf("failed to query account: %w", err)
	}
	return a, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]loyalty.Account, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY seq`)
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

func scanAccount(row pgx.Row) (loyalty.Account, error) {
	var (
		a  loyalty.Account
		id string
	)
	if err := row.Scan(&a.Seq, &id, &a.Email, &a.FirstName, &a.LastName, &a.ReferralCode, &a.CreatedAt); err != nil {
		return loyalty.Account{}, err
	}
	a.ID = loyalty.AccountID(id)
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}

// =============================================================================
// TRANSACTIONS - Append-only
// =============================================================================

func (s *Store) Append(ctx context.Context, tx loyalty.Transaction) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO transactions (id, account_id, kind, delta, reference_id, reason, period_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		string(tx.ID), string(tx.AccountID), string(tx.Kind), tx.Delta, tx.ReferenceID,
		tx.Reason, string(tx.PeriodID), tx.CreatedAt.UTC(),
	)
	if err != nil {
		if uniqueConstraint(err) == constraintTransactionKey {
			return loyalty.ErrDuplicateTransaction
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

const transactionColumns = `id, account_id, kind, delta, reference_id, reason, period_id, created_at`

func (s *Store) Load(ctx context.Context, accountID loyalty.AccountID) ([]loyalty.Transaction, error) {
	return s.queryTransactions(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE account_id = $1 ORDER BY seq`,
		string(accountID))
}

func (s *Store) LoadPeriod(ctx context.Context, period loyalty.PeriodID) ([]loyalty.Transaction, error) {
	return s.queryTransactions(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE period_id = $1 ORDER BY seq`,
		string(period))
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]loyalty.Transaction, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []loyalty.Transaction
	for rows.Next() {
		var (
			tx                          loyalty.Transaction
			id, accountID, kind, period string
		)
		if err := rows.Scan(&id, &accountID, &kind, &tx.Delta, &tx.ReferenceID, &tx.Reason, &period, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx.ID = loyalty.TransactionID(id)
		tx.AccountID = loyalty.AccountID(accountID)
		tx.Kind = loyalty.TxKind(kind)
		tx.PeriodID = loyalty.PeriodID(period)
		tx.CreatedAt = tx.CreatedAt.UTC()
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// =============================================================================
// DISCOUNT CODES
// =============================================================================

func (s *Store) InsertDiscountCode(ctx context.Context, d loyalty.DiscountCode) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO discount_codes (code, account_id, rule_id, percentage, threshold, issued_at, expires_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7)`,
		d.Code, string(d.AccountID), d.RuleID, d.Percentage.String(), d.Threshold,
		d.IssuedAt.UTC(), d.ExpiresAt.UTC(),
	)
	if err == nil {
		return nil
	}
	switch uniqueConstraint(err) {
	case constraintDiscountThreshold:
		return loyalty.ErrDuplicateDiscount
	case constraintDiscountCode:
		// Only the first violated constraint is reported; the threshold wins.
		var exists bool
		err := s.pool.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM discount_codes WHERE account_id = $1 AND rule_id = $2 AND threshold = $3)`,
			string(d.AccountID), d.RuleID, d.Threshold).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check discount threshold: %w", err)
		}
		if exists {
			return loyalty.ErrDuplicateDiscount
		}
		return loyalty.ErrDuplicateCode
	}
	return fmt.Errorf("failed to insert discount code: %w", err)
}

const discountColumns = `code, account_id, rule_id, percentage::text, threshold, issued_at, expires_at, used, used_at`

func (s *Store) GetDiscountCode(ctx context.Context, code string) (loyalty.DiscountCode, error) {
	d, err := scanDiscount(s.pool.QueryRow(ctx, `SELECT `+discountColumns+` FROM discount_codes WHERE code = $1`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return loyalty.DiscountCode{}, loyalty.ErrUnknownDiscountCode
	}
	if err != nil {
		return loyalty.DiscountCode{}, fmt.Errorf("failed to query discount code: %w", err)
	}
	return d, nil
}

func (s *Store) ListDiscountCodes(ctx context.Context, accountID loyalty.AccountID) ([]loyalty.DiscountCode, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+discountColumns+` FROM discount_codes
		WHERE account_id = $1
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

func (s *Store) MarkDiscountUsed(ctx context.Context, code string, at time.Time) (loyalty.DiscountCode, error) {
	d, err := scanDiscount(s.pool.QueryRow(ctx, `
		UPDATE discount_codes SET used = TRUE, used_at = $2
		WHERE code = $1 AND NOT used AND expires_at > $2
		RETURNING `+discountColumns,
		code, at.UTC()))
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return loyalty.DiscountCode{}, fmt.Errorf("failed to mark discount used: %w", err)
	}

	current, err := s.GetDiscountCode(ctx, code)
	if err != nil {
		return loyalty.DiscountCode{}, err
	}
	if current.Used {
		return loyalty.DiscountCode{}, loyalty.ErrDiscountAlreadyUsed
	}
	return loyalty.DiscountCode{}, loyalty.ErrDiscountExpired
}

func scanDiscount(row pgx.Row) (loyalty.DiscountCode, error) {
	var (
		d              loyalty.DiscountCode
		accountID, pct string
		usedAt         *time.Time
	)
	if err := row.Scan(&d.Code, &accountID, &d.RuleID, &pct, &d.Threshold, &d.IssuedAt, &d.ExpiresAt, &d.Used, &usedAt); err != nil {
		return loyalty.DiscountCode{}, err
	}
	p, err := decimal.NewFromString(pct)
	if err != nil {
		return loyalty.DiscountCode{}, fmt.Errorf("invalid percentage %q: %w", pct, err)
	}
	d.AccountID = loyalty.AccountID(accountID)
	d.Percentage = p
	d.IssuedAt = d.IssuedAt.UTC()
	d.ExpiresAt = d.ExpiresAt.UTC()
	if usedAt != nil {
		t := usedAt.UTC()
		d.UsedAt = &t
	}
	return d, nil
}

// =============================================================================
// REFERRALS
// =============================================================================

func (s *Store) InsertReferralRedemption(ctx context.Context, r loyalty.ReferralRedemption) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO referral_redemptions (referred_id, referrer_id, created_at)
		VALUES ($1, $2, $3)`,
		string(r.ReferredID), string(r.ReferrerID), r.CreatedAt.UTC())
	if err != nil {
		if uniqueConstraint(err) == constraintReferralReferred {
			return loyalty.ErrDuplicateReferral
		}
		return fmt.Errorf("failed to insert referral redemption: %w", err)
	}
	return nil
}

func (s *Store) GetReferralRedemption(ctx context.Context, referredID loyalty.AccountID) (loyalty.ReferralRedemption, bool, error) {
	var (
		referrer string
		created  time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT referrer_id, created_at FROM referral_redemptions WHERE referred_id = $1`,
		string(referredID)).Scan(&referrer, &created)
	if errors.Is(err, pgx.ErrNoRows) {
		return loyalty.ReferralRedemption{}, false, nil
	}
	if err != nil {
		return loyalty.ReferralRedemption{}, false, fmt.Errorf("failed to query referral redemption: %w", err)
	}
	return loyalty.ReferralRedemption{
		ReferrerID: loyalty.AccountID(referrer),
		ReferredID: referredID,
		CreatedAt:  created.UTC(),
	}, true, nil
}

// uniqueConstraint returns the violated constraint name, or "".
func uniqueConstraint(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return pgErr.ConstraintName
	}
	return ""
}

var _ loyalty.Store = (*Store)(nil)
