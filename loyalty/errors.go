/*
errors.go - Centralized error types for the loyalty ledger

ERROR CATEGORIES:
  1. Validation errors - bad input, rejected before anything is written
  2. Duplicate errors - idempotency keys already present; stores return
     these and the ledger turns them into successful no-ops
  3. Transient errors - storage unavailable or timed out, safe to retry
  4. Invariant violations - the system cannot uphold a guarantee (for
     example the discount code space is exhausted); logged and surfaced
     separately so operators can tell them apart from user mistakes
*/
package loyalty

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

// Validation
var (
	ErrInvalidAccountID    = errors.New("invalid account id")
	ErrInvalidEmail        = errors.New("invalid email")
	ErrInvalidPoints       = errors.New("invalid points")
	ErrInvalidReference    = errors.New("invalid reference id")
	ErrInvalidKind         = errors.New("invalid transaction kind")
	ErrAccountNotFound     = errors.New("account not found")
	ErrUnknownReferralCode = errors.New("unknown referral code")
	ErrSelfReferral        = errors.New("account cannot redeem its own referral code")
	ErrReferralNotEligible = errors.New("referral only applies to the first clinic entry")
	ErrUnknownDiscountCode = errors.New("unknown discount code")
)

// Duplicates. Stores return these when a unique constraint rejects a write.
var (
	ErrDuplicateTransaction  = errors.New("duplicate transaction")
	ErrDuplicateDiscount     = errors.New("discount already issued for threshold")
	ErrDuplicateCode         = errors.New("discount code string already exists")
	ErrDuplicateReferral     = errors.New("referred account already redeemed a referral")
	ErrDuplicateEmail        = errors.New("email already registered")
	ErrDuplicateReferralCode = errors.New("referral code already exists")
)

// Discount usage. Returned by stores when the conditional update matches no row.
var (
	ErrDiscountAlreadyUsed = errors.New("discount code already used")
	ErrDiscountExpired     = errors.New("discount code expired")
)

var (
	// ErrStorageUnavailable marks errors that are safe to retry.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrAccountBusy is returned when the per-account lock could not be
	// acquired before the operation deadline. Safe to retry.
	ErrAccountBusy = errors.New("account busy")

	// ErrInvariantViolation marks errors that indicate a systemic problem.
	ErrInvariantViolation = errors.New("invariant violation")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// StorageError wraps an unexpected store failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage unavailable during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorageUnavailable, e.Err}
}

// CodeSpaceExhaustedError is returned when no unique discount code could be
// generated within the configured number of attempts.
type CodeSpaceExhaustedError struct {
	AccountID AccountID
	RuleID    string
	Threshold int64
	Attempts  int
}

func (e *CodeSpaceExhaustedError) Error() string {
	return fmt.Sprintf("could not generate a unique discount code for %s (rule %s, threshold %d) after %d attempts",
		e.AccountID, e.RuleID, e.Threshold, e.Attempts)
}

func (e *CodeSpaceExhaustedError) Unwrap() error {
	return ErrInvariantViolation
}

// TooManyThresholdsError is returned when one write would issue more codes
// than the configured per-write limit.
type TooManyThresholdsError struct {
	AccountID AccountID
	RuleID    string
	Crossed   int64
	Limit     int64
}

func (e *TooManyThresholdsError) Error() string {
	return fmt.Sprintf("write for %s crosses %d thresholds of rule %s (limit %d)",
		e.AccountID, e.Crossed, e.RuleID, e.Limit)
}

func (e *TooManyThresholdsError) Unwrap() error {
	return ErrInvariantViolation
}

// storageErr wraps err as transient unless it already carries a known
// classification.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsValidation(err) || IsDuplicate(err) || IsRetryable(err) || IsInvariantViolation(err) ||
		errors.Is(err, ErrDiscountAlreadyUsed) || errors.Is(err, ErrDiscountExpired) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsValidation returns true if the error is due to invalid client input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidAccountID) ||
		errors.Is(err, ErrInvalidEmail) ||
		errors.Is(err, ErrInvalidPoints) ||
		errors.Is(err, ErrInvalidReference) ||
		errors.Is(err, ErrInvalidKind) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrUnknownReferralCode) ||
		errors.Is(err, ErrSelfReferral) ||
		errors.Is(err, ErrReferralNotEligible) ||
		errors.Is(err, ErrUnknownDiscountCode)
}

// IsDuplicate returns true if a unique constraint rejected the write.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateTransaction) ||
		errors.Is(err, ErrDuplicateDiscount) ||
		errors.Is(err, ErrDuplicateCode) ||
		errors.Is(err, ErrDuplicateReferral) ||
		errors.Is(err, ErrDuplicateEmail) ||
		errors.Is(err, ErrDuplicateReferralCode)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrAccountBusy)
}

// IsInvariantViolation returns true for errors operators must investigate.
func IsInvariantViolation(err error) bool {
	return errors.Is(err, ErrInvariantViolation)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrUnknownReferralCode) ||
		errors.Is(err, ErrUnknownDiscountCode)
}
