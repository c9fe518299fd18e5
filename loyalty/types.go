/*
Package loyalty implements the rider loyalty and rewards ledger.

PURPOSE:
  Riders earn points for every paid clinic registration. Points unlock
  discount codes at fixed thresholds, referrals earn a one-time bonus,
  clinic entries determine a tier, and a half-yearly leaderboard ranks
  riders by the points they earned in the current period.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account: one per rider email, owns an immutable referral code
  - Transaction: an immutable ledger entry changing a rider's points
  - DiscountCode: a reward earned by crossing a threshold
  - ReferralRedemption: proof that a referred rider paid out a bonus
  - AccountBalances: values derived from the transaction log

DESIGN PRINCIPLES:
  1. The transaction log is the only source of truth. Balances, tiers and
     leaderboard positions are always recomputed from it.
  2. Every write has a natural idempotency key enforced by storage:
     (account, kind, reference) for transactions, (account, rule, threshold)
     for discount codes, referred account for referral redemptions.
  3. Corrections are new offsetting transactions, never edits.

SEE ALSO:
  - ledger.go: the write facade
  - balance.go: projection of balances from transactions
  - store.go: persistence contracts
*/
package loyalty

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type TransactionID string

// =============================================================================
// ACCOUNT
// =============================================================================

// Account is a rider known to the loyalty program.
type Account struct {
	ID           AccountID
	Email        string
	FirstName    string
	LastName     string
	ReferralCode string

	// Seq is the storage-assigned creation sequence. Older accounts have
	// smaller values; the leaderboard uses it to break ties.
	Seq       int64
	CreatedAt time.Time
}

// NormalizeEmail trims and lower-cases an address so lookups are
// case-insensitive. It returns ErrInvalidEmail for unparseable input.
func NormalizeEmail(email string) (string, error) {
	e := strings.ToLower(strings.TrimSpace(email))
	if e == "" {
		return "", ErrInvalidEmail
	}
	addr, err := mail.ParseAddress(e)
	if err != nil || addr.Address != e {
		return "", fmt.Errorf("%w: %q", ErrInvalidEmail, email)
	}
	return e, nil
}

// =============================================================================
// TRANSACTION - Atomic change to a rider's points
// =============================================================================

type TxKind string

const (
	KindClinicEntry      TxKind = "clinic_entry"      // Completed, paid clinic registration
	KindReferralBonus    TxKind = "referral_bonus"    // Bonus for a referred rider's first entry
	KindManualAdjustment TxKind = "manual_adjustment" // Admin correction (may be negative)
)

func (k TxKind) Valid() bool {
	switch k {
	case KindClinicEntry, KindReferralBonus, KindManualAdjustment:
		return true
	}
	return false
}

type Transaction struct {
	ID        TransactionID
	AccountID AccountID
	Kind      TxKind
	Delta     int64

	// ReferenceID identifies the business event: a registration id for
	// clinic entries, the referred account id for referral bonuses.
	ReferenceID string
	Reason      string

	// PeriodID is the leaderboard period active when the transaction was
	// created. It never changes afterwards.
	PeriodID  PeriodID
	CreatedAt time.Time
}

// IdempotencyKey is the natural key enforced by storage.
func (tx Transaction) IdempotencyKey() string {
	return string(tx.AccountID) + "|" + string(tx.Kind) + "|" + tx.ReferenceID
}

// =============================================================================
// BALANCES - Derived, never stored
// =============================================================================

type AccountBalances struct {
	LifetimePoints      int64
	CurrentPeriodPoints int64
	ClinicEntries       int
}

// =============================================================================
// DISCOUNT CODE
// =============================================================================

type DiscountCode struct {
	Code       string
	AccountID  AccountID
	RuleID     string
	Percentage decimal.Decimal
	Threshold  int64
	IssuedAt   time.Time
	ExpiresAt  time.Time
	Used       bool
	UsedAt     *time.Time
}

// ExpiredAt reports whether the code can no longer be used at t.
func (d DiscountCode) ExpiredAt(t time.Time) bool {
	return !t.Before(d.ExpiresAt)
}

// UsableAt reports whether the code is unused and unexpired at t.
func (d DiscountCode) UsableAt(t time.Time) bool {
	return !d.Used && !d.ExpiredAt(t)
}

// =============================================================================
// REFERRAL REDEMPTION
// =============================================================================

type ReferralRedemption struct {
	ReferrerID AccountID
	ReferredID AccountID
	CreatedAt  time.Time
}
