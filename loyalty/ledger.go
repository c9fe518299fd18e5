/*
ledger.go - Write facade for the loyalty ledger

PURPOSE:
  The Ledger is the only entry point that changes points. Every write runs
  the same sequence for one account:

    1. acquire the account's lock (bounded by the operation timeout)
    2. project balances before the write
    3. append the transaction (duplicate = no-op)
    4. project balances after the write
    5. issue discount codes for newly crossed thresholds
    6. release the lock, then publish events

DUAL DEFENSE:
  The per-account lock stops two registrations for the same rider from both
  seeing the pre-crossing balance. Storage unique constraints still enforce
  every exactly-once guarantee, so a lock bug costs a retry, not a double
  issued code.

ERRORS:
  Validation errors are returned before anything is written. Transient
  storage errors are wrapped with ErrStorageUnavailable and the lock is
  always released. Invariant violations are logged at error level.
*/
package loyalty

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultOperationTimeout = 5 * time.Second

	// DefaultMaxTransactionPoints bounds the magnitude of a single entry or
	// adjustment.
	DefaultMaxTransactionPoints = 10000
)

// Options configures a Ledger. Start from DefaultOptions.
type Options struct {
	Calendar          PeriodCalendar
	Rules             []RewardRule
	DiscountCodes     CodeGenerator
	MaxCodeAttempts   int
	MaxCodesPerWrite  int
	MaxPoints         int64
	ReferralBonus     int64
	RequireFirstEntry bool
	OperationTimeout  time.Duration

	Now       func() time.Time
	Logger    *slog.Logger
	Metrics   Metrics
	Publisher Publisher
}

func DefaultOptions() Options {
	return Options{
		Rules:             []RewardRule{PointsRewardRule()},
		DiscountCodes:     RandomCodes("RIDE-", 6),
		MaxCodeAttempts:   DefaultMaxCodeAttempts,
		MaxCodesPerWrite:  DefaultMaxCodesPerWrite,
		MaxPoints:         DefaultMaxTransactionPoints,
		ReferralBonus:     DefaultReferralBonus,
		RequireFirstEntry: true,
		OperationTimeout:  DefaultOperationTimeout,
	}
}

// Result is returned by every write.
type Result struct {
	Account  Account
	Balances AccountBalances
	Tier     Tier

	// Applied is false when the write was a retry of an earlier one (or, for
	// referrals, when the bonus had already been granted).
	Applied     bool
	Transaction *Transaction

	// Issued holds discount codes created by this call.
	Issued []DiscountCode
}

type Ledger struct {
	store     Store
	log       *TransactionLog
	issuer    *RewardIssuer
	referrals *ReferralRedeemer
	locks     *KeyedLocks
	timeout   time.Duration
	maxPoints int64
	now       func() time.Time
	logger    *slog.Logger
	metrics   Metrics
	publisher Publisher
}

func NewLedger(store Store, opts Options) *Ledger {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = NopMetrics{}
	}
	if opts.Publisher == nil {
		opts.Publisher = NopPublisher{}
	}
	if opts.DiscountCodes == nil {
		opts.DiscountCodes = RandomCodes("RIDE-", 6)
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = DefaultOperationTimeout
	}
	if opts.MaxPoints <= 0 {
		opts.MaxPoints = DefaultMaxTransactionPoints
	}

	log := NewTransactionLog(store, opts.Calendar, opts.Now)
	issuer := NewRewardIssuer(store, opts.Rules, opts.DiscountCodes, opts.MaxCodeAttempts, opts.Now, opts.Metrics).
		WithMaxCodesPerWrite(opts.MaxCodesPerWrite)
	return &Ledger{
		store:     store,
		log:       log,
		issuer:    issuer,
		referrals: NewReferralRedeemer(store, store, log, opts.ReferralBonus, opts.RequireFirstEntry, opts.Now),
		locks:     NewKeyedLocks(),
		timeout:   opts.OperationTimeout,
		maxPoints: opts.MaxPoints,
		now:       opts.Now,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		publisher: opts.Publisher,
	}
}

func (l *Ledger) pointsInterval() int64 {
	for _, r := range l.issuer.rules {
		if r.Basis == BasisPoints {
			return r.Interval
		}
	}
	return 0
}

// Log exposes the read side of the transaction log.
func (l *Ledger) Log() *TransactionLog { return l.log }

// =============================================================================
// WRITE OPERATIONS
// =============================================================================

// RecordClinicEntry credits points for a completed, paid registration.
// Calling it again with the same registration id changes nothing.
func (l *Ledger) RecordClinicEntry(ctx context.Context, accountID AccountID, registrationRefID string, points int64) (Result, error) {
	registrationRefID = strings.TrimSpace(registrationRefID)
	if accountID == "" {
		return Result{}, ErrInvalidAccountID
	}
	if registrationRefID == "" {
		return Result{}, ErrInvalidReference
	}
	if points < 0 {
		return Result{}, fmt.Errorf("%w: clinic entry points must not be negative", ErrInvalidPoints)
	}
	if points > l.maxPoints {
		return Result{}, fmt.Errorf("%w: clinic entry points exceed %d", ErrInvalidPoints, l.maxPoints)
	}

	return l.run(ctx, "record_clinic_entry", accountID, func(ctx context.Context, acct Account) (Transaction, bool, error) {
		tx := Transaction{
			AccountID:   acct.ID,
			Kind:        KindClinicEntry,
			Delta:       points,
			ReferenceID: registrationRefID,
			Reason:      "clinic registration " + registrationRefID,
		}
		applied, err := l.log.Append(ctx, tx)
		return tx, applied, err
	})
}

// ManualAdjustment applies an admin correction. Each call is a new
// transaction; use ManualAdjustmentRef to make retries idempotent.
func (l *Ledger) ManualAdjustment(ctx context.Context, accountID AccountID, delta int64, reason string) (Result, error) {
	return l.ManualAdjustmentRef(ctx, accountID, uuid.NewString(), delta, reason)
}

// ManualAdjustmentRef applies an admin correction keyed by referenceID.
func (l *Ledger) ManualAdjustmentRef(ctx context.Context, accountID AccountID, referenceID string, delta int64, reason string) (Result, error) {
	referenceID = strings.TrimSpace(referenceID)
	if accountID == "" {
		return Result{}, ErrInvalidAccountID
	}
	if referenceID == "" {
		return Result{}, ErrInvalidReference
	}
	if delta == 0 {
		return Result{}, fmt.Errorf("%w: adjustment must be non-zero", ErrInvalidPoints)
	}
	if delta > l.maxPoints || delta < -l.maxPoints {
		return Result{}, fmt.Errorf("%w: adjustment magnitude exceeds %d", ErrInvalidPoints, l.maxPoints)
	}

	return l.run(ctx, "manual_adjustment", accountID, func(ctx context.Context, acct Account) (Transaction, bool, error) {
		tx := Transaction{
			AccountID:   acct.ID,
			Kind:        KindManualAdjustment,
			Delta:       delta,
			ReferenceID: referenceID,
			Reason:      reason,
		}
		applied, err := l.log.Append(ctx, tx)
		return tx, applied, err
	})
}

// RedeemReferral grants the referral bonus to the owner of code. The result
// describes the referrer's account; Applied reports whether the bonus was
// granted by this call.
func (l *Ledger) RedeemReferral(ctx context.Context, code string, referredAccountID AccountID) (Result, error) {
	referrer, referred, err := l.referrals.Resolve(ctx, code, referredAccountID)
	if err != nil {
		return Result{}, err
	}

	var redemption ReferralRedemption
	res, err := l.run(ctx, "redeem_referral", referrer.ID, func(ctx context.Context, acct Account) (Transaction, bool, error) {
		tx, r, granted, err := l.referrals.Redeem(ctx, acct, referred)
		redemption = r
		return tx, granted, err
	})
	if err != nil {
		return res, err
	}
	l.metrics.ReferralRedeemed(res.Applied)
	if res.Applied {
		l.publish(ctx, Event{
			Type:      EventReferralGranted,
			AccountID: referrer.ID,
			At:        l.now().UTC(),
			Payload:   redemption,
		})
	}
	return res, nil
}

// RedeemDiscountCode marks a code as used. It succeeds exactly once per code.
func (l *Ledger) RedeemDiscountCode(ctx context.Context, code string) (DiscountCode, error) {
	code = NormalizeCode(code)
	if code == "" {
		return DiscountCode{}, ErrUnknownDiscountCode
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	start := l.now()
	d, err := l.store.MarkDiscountUsed(ctx, code, l.now().UTC())
	err = storageErr("mark discount used", err)
	l.metrics.ObserveOperation("redeem_discount", l.now().Sub(start), err)
	if err != nil {
		return DiscountCode{}, err
	}
	l.publish(ctx, Event{Type: EventDiscountRedeemed, AccountID: d.AccountID, At: l.now().UTC(), Payload: d})
	return d, nil
}

// =============================================================================
// CRITICAL SECTION
// =============================================================================

type writeFunc func(ctx context.Context, acct Account) (Transaction, bool, error)

func (l *Ledger) run(ctx context.Context, op string, accountID AccountID, write writeFunc) (res Result, err error) {
	start := l.now()
	defer func() {
		l.metrics.ObserveOperation(op, l.now().Sub(start), err)
	}()

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	res, err = l.locked(ctx, op, accountID, write)

	// Codes inserted before a failure are announced too. A retry will not
	// reissue them.
	for _, d := range res.Issued {
		l.logger.Info("discount code issued",
			"account_id", accountID, "rule", d.RuleID, "threshold", d.Threshold, "expires_at", d.ExpiresAt)
		l.publish(ctx, Event{Type: EventDiscountIssued, AccountID: accountID, At: d.IssuedAt, Payload: d})
	}
	if err != nil {
		if IsInvariantViolation(err) {
			l.logger.Error("ledger invariant violated", "op", op, "account_id", accountID, "error", err)
		}
		return Result{Account: res.Account, Issued: res.Issued}, err
	}

	if res.Applied && res.Transaction != nil {
		l.publish(ctx, Event{Type: EventTransactionApplied, AccountID: accountID, At: res.Transaction.CreatedAt, Payload: *res.Transaction})
	}
	return res, nil
}

// locked holds the account lock for the whole read-append-issue sequence.
func (l *Ledger) locked(ctx context.Context, op string, accountID AccountID, write writeFunc) (Result, error) {
	release, err := l.locks.Acquire(ctx, string(accountID))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s for %s: %v", ErrAccountBusy, op, accountID, err)
	}
	defer release()

	acct, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return Result{}, storageErr("load account", err)
	}

	current := l.log.CurrentPeriod().ID
	txs, err := l.log.Transactions(ctx, accountID)
	if err != nil {
		return Result{}, err
	}
	before := Project(txs, current)

	tx, applied, err := write(ctx, acct)
	if err != nil {
		return Result{}, err
	}
	if tx.Kind != "" {
		l.metrics.TransactionAppended(tx.Kind, applied)
	}

	txs, err = l.log.Transactions(ctx, accountID)
	if err != nil {
		return Result{}, err
	}
	after := Project(txs, current)

	var issued []DiscountCode
	if applied {
		issued, err = l.issuer.Issue(ctx, accountID, before, after)
	} else {
		issued, err = l.issuer.Reconcile(ctx, accountID, after)
		if err == nil && len(issued) > 0 {
			l.logger.Warn("healed missing discount codes on retry", "op", op, "account_id", accountID, "count", len(issued))
		}
	}
	if err != nil {
		return Result{Account: acct, Issued: issued}, err
	}

	res := Result{
		Account:  acct,
		Balances: after,
		Tier:     TierFor(after.ClinicEntries),
		Applied:  applied,
		Issued:   issued,
	}
	if tx.Kind != "" {
		stored := findTransaction(txs, tx)
		res.Transaction = &stored
	}
	return res, nil
}

// findTransaction returns the persisted copy of tx (with id and timestamps),
// falling back to tx itself.
func findTransaction(txs []Transaction, tx Transaction) Transaction {
	key := tx.IdempotencyKey()
	for i := len(txs) - 1; i >= 0; i-- {
		if txs[i].IdempotencyKey() == key {
			return txs[i]
		}
	}
	return tx
}

func (l *Ledger) publish(ctx context.Context, e Event) {
	if err := l.publisher.Publish(context.WithoutCancel(ctx), e); err != nil {
		l.logger.Warn("failed to publish ledger event", "type", e.Type, "account_id", e.AccountID, "error", err)
	}
}
