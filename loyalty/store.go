/*
store.go - Persistence contracts for the loyalty ledger

PURPOSE:
  Defines the interface between the ledger and the database. The ledger's
  exactly-once guarantees rest on the unique constraints listed below, so
  every implementation MUST enforce them atomically in storage rather
  than with a read-then-write check.

UNIQUE CONSTRAINTS:
  accounts:             email, referral_code
  transactions:         (account_id, kind, reference_id)
  discount_codes:       code, (account_id, rule_id, threshold)
  referral_redemptions: referred_id

APPEND-ONLY CONTRACT:
  Transactions have no Update or Delete. Discount codes have exactly one
  mutation, MarkDiscountUsed, which is conditional on the code being unused
  and unexpired. Accounts are never deleted, so a referral code can never be
  handed out twice.

IMPLEMENTATIONS:
  - loyalty/store/memory.go: in-memory, for tests and local runs
  - store/sqlite/sqlite.go: SQLite (default)
  - store/postgres/postgres.go: PostgreSQL via pgx
*/
package loyalty

import (
	"context"
	"time"
)

// Store is the full persistence surface used by the ledger.
type Store interface {
	AccountStore
	TransactionStore
	DiscountStore
	ReferralStore
}

type AccountStore interface {
	// CreateAccount persists a new account and returns it with Seq set.
	// Returns ErrDuplicateEmail or ErrDuplicateReferralCode on conflicts.
	CreateAccount(ctx context.Context, a Account) (Account, error)

	// GetAccount returns ErrAccountNotFound if the id is unknown.
	GetAccount(ctx context.Context, id AccountID) (Account, error)

	// GetAccountByEmail expects a normalized email.
	GetAccountByEmail(ctx context.Context, email string) (Account, error)

	// GetAccountByReferralCode returns ErrUnknownReferralCode if no account
	// owns code.
	GetAccountByReferralCode(ctx context.Context, code string) (Account, error)

	// ListAccounts returns all accounts ordered by Seq.
	ListAccounts(ctx context.Context) ([]Account, error)
}

// TransactionStore is append-only. No Update, no Delete.
type TransactionStore interface {
	// Append persists tx. Returns ErrDuplicateTransaction if a transaction
	// with the same (account, kind, reference) exists.
	Append(ctx context.Context, tx Transaction) error

	// Load returns an account's transactions in creation order.
	Load(ctx context.Context, accountID AccountID) ([]Transaction, error)

	// LoadPeriod returns every transaction tagged with period, across all
	// accounts, in creation order.
	LoadPeriod(ctx context.Context, period PeriodID) ([]Transaction, error)
}

type DiscountStore interface {
	// InsertDiscountCode returns ErrDuplicateDiscount if the account already
	// holds a code for (rule, threshold), or ErrDuplicateCode if the code
	// string is taken. The threshold check wins when both apply.
	InsertDiscountCode(ctx context.Context, d DiscountCode) error

	// GetDiscountCode returns ErrUnknownDiscountCode if code does not exist.
	GetDiscountCode(ctx context.Context, code string) (DiscountCode, error)

	// ListDiscountCodes returns an account's codes ordered by issue time.
	ListDiscountCodes(ctx context.Context, accountID AccountID) ([]DiscountCode, error)

	// MarkDiscountUsed flips the used flag if the code is unused and not
	// expired at `at`. Returns ErrUnknownDiscountCode, ErrDiscountAlreadyUsed
	// or ErrDiscountExpired otherwise.
	MarkDiscountUsed(ctx context.Context, code string, at time.Time) (DiscountCode, error)
}

type ReferralStore interface {
	// InsertReferralRedemption returns ErrDuplicateReferral if the referred
	// account already has a redemption.
	InsertReferralRedemption(ctx context.Context, r ReferralRedemption) error

	// GetReferralRedemption returns (redemption, true, nil) when found.
	GetReferralRedemption(ctx context.Context, referredID AccountID) (ReferralRedemption, bool, error)
}
