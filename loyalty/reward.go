/*
reward.go - Threshold detection and exactly-once discount issuance

PURPOSE:
  Every time a rider's measure (lifetime points, or clinic entries for the
  entries-based promotion) crosses a multiple of a rule's interval, the rider
  earns exactly one discount code for that multiple.

ALGORITHM:
  crossed = { m*interval : m >= 1, before < m*interval <= after }

  A +120 adjustment from 0 with interval 50 crosses 50 and 100 and issues two
  codes. A balance that drops below 50 and climbs back never earns a second
  code at 50: the store's unique key (account, rule, threshold) rejects it.

CONCURRENCY:
  The ledger computes before/after inside the per-account critical section.
  The unique key is the second line of defense: if two writers ever compute
  overlapping crossings, one insert wins and the other becomes a no-op.

COLLISIONS:
  Codes are short random strings. A collision on the code string is retried
  with a fresh code. Running out of attempts is an invariant violation and
  is never silently skipped.

HEALING:
  Reconcile issues every missing code for thresholds in (0, current]. The
  ledger calls it when an append turns out to be a retry, so a crash between
  append and issuance is repaired by the caller's retry.
*/
package loyalty

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// REWARD RULES
// =============================================================================

// Basis selects which balance a rule measures.
type Basis string

const (
	BasisPoints  Basis = "points"  // lifetime points
	BasisEntries Basis = "entries" // clinic entries
)

const (
	DefaultRewardInterval   = 50
	DefaultRewardPercentage = 20
	DefaultRewardValidity   = 90 * 24 * time.Hour

	DefaultEntriesInterval   = 5
	DefaultEntriesPercentage = 15

	DefaultMaxCodeAttempts = 8

	// DefaultMaxCodesPerWrite caps the codes a single write may issue.
	DefaultMaxCodesPerWrite = 1000
)

type RewardRule struct {
	ID         string
	Basis      Basis
	Interval   int64
	Percentage decimal.Decimal
	Validity   time.Duration
}

// PointsRewardRule is the primary scheme: 20% off every 50 points.
func PointsRewardRule() RewardRule {
	return RewardRule{
		ID:         "points",
		Basis:      BasisPoints,
		Interval:   DefaultRewardInterval,
		Percentage: decimal.NewFromInt(DefaultRewardPercentage),
		Validity:   DefaultRewardValidity,
	}
}

// EntriesRewardRule is the alternative promotion: 15% off every 5 clinic
// entries. Disabled unless configured.
func EntriesRewardRule() RewardRule {
	return RewardRule{
		ID:         "entries",
		Basis:      BasisEntries,
		Interval:   DefaultEntriesInterval,
		Percentage: decimal.NewFromInt(DefaultEntriesPercentage),
		Validity:   DefaultRewardValidity,
	}
}

func (r RewardRule) Validate() error {
	if r.ID == "" {
		return errors.New("reward rule id is required")
	}
	if r.Basis != BasisPoints && r.Basis != BasisEntries {
		return fmt.Errorf("reward rule %s: unknown basis %q", r.ID, r.Basis)
	}
	if r.Interval <= 0 {
		return fmt.Errorf("reward rule %s: interval must be positive", r.ID)
	}
	if !r.Percentage.IsPositive() || r.Percentage.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("reward rule %s: percentage must be in (0, 100]", r.ID)
	}
	if r.Validity <= 0 {
		return fmt.Errorf("reward rule %s: validity must be positive", r.ID)
	}
	return nil
}

func (r RewardRule) measure(b AccountBalances) int64 {
	if r.Basis == BasisEntries {
		return int64(b.ClinicEntries)
	}
	return b.LifetimePoints
}

// CrossedThresholds returns the positive multiples of interval in
// (before, after], ascending.
func CrossedThresholds(before, after, interval int64) []int64 {
	first, last := crossingRange(before, after, interval)
	if first > last {
		return nil
	}
	out := make([]int64, 0, last-first+1)
	for m := first; ; m++ {
		out = append(out, m*interval)
		if m == last {
			break
		}
	}
	return out
}

// crossingRange returns the multipliers m with before < m*interval <= after.
// first > last means nothing was crossed. m*interval never overflows.
func crossingRange(before, after, interval int64) (first, last int64) {
	if interval <= 0 || after <= before || after < interval {
		return 1, 0
	}
	first = before/interval + 1
	if first < 1 {
		first = 1
	}
	return first, after / interval
}

// =============================================================================
// REWARD ISSUER
// =============================================================================

type RewardIssuer struct {
	store       DiscountStore
	rules       []RewardRule
	codes       CodeGenerator
	maxAttempts int
	maxPerWrite int64
	now         func() time.Time
	metrics     Metrics
}

func NewRewardIssuer(store DiscountStore, rules []RewardRule, codes CodeGenerator, maxAttempts int, now func() time.Time, metrics Metrics) *RewardIssuer {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxCodeAttempts
	}
	if now == nil {
		now = time.Now
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &RewardIssuer{store: store, rules: rules, codes: codes, maxAttempts: maxAttempts, maxPerWrite: DefaultMaxCodesPerWrite, now: now, metrics: metrics}
}

// WithMaxCodesPerWrite sets how many codes one Issue or Reconcile call may
// create before it fails with an invariant violation.
func (i *RewardIssuer) WithMaxCodesPerWrite(n int) *RewardIssuer {
	if n > 0 {
		i.maxPerWrite = int64(n)
	}
	return i
}

// Issue creates one code per threshold crossed between before and after.
// Thresholds already holding a code are skipped without error. On failure the
// codes issued so far are returned with the error.
func (i *RewardIssuer) Issue(ctx context.Context, accountID AccountID, before, after AccountBalances) ([]DiscountCode, error) {
	for _, rule := range i.rules {
		first, last := crossingRange(rule.measure(before), rule.measure(after), rule.Interval)
		if first <= last && last-first >= i.maxPerWrite {
			return nil, &TooManyThresholdsError{AccountID: accountID, RuleID: rule.ID, Crossed: last - first + 1, Limit: i.maxPerWrite}
		}
	}

	var issued []DiscountCode
	for _, rule := range i.rules {
		for _, threshold := range CrossedThresholds(rule.measure(before), rule.measure(after), rule.Interval) {
			d, ok, err := i.issueOne(ctx, accountID, rule, threshold)
			if err != nil {
				return issued, err
			}
			if ok {
				issued = append(issued, d)
			}
		}
	}
	return issued, nil
}

// Reconcile issues any code missing for thresholds in (0, current].
func (i *RewardIssuer) Reconcile(ctx context.Context, accountID AccountID, current AccountBalances) ([]DiscountCode, error) {
	existing, err := i.store.ListDiscountCodes(ctx, accountID)
	if err != nil {
		return nil, storageErr("list discount codes", err)
	}
	type key struct {
		rule      string
		threshold int64
	}
	have := make(map[key]bool, len(existing))
	for _, d := range existing {
		have[key{d.RuleID, d.Threshold}] = true
	}

	var issued []DiscountCode
	for _, rule := range i.rules {
		first, last := crossingRange(0, rule.measure(current), rule.Interval)
		for m := first; m <= last && m > 0; m++ {
			threshold := m * rule.Interval
			if have[key{rule.ID, threshold}] {
				continue
			}
			if int64(len(issued)) >= i.maxPerWrite {
				return issued, &TooManyThresholdsError{AccountID: accountID, RuleID: rule.ID, Crossed: int64(len(issued)) + 1, Limit: i.maxPerWrite}
			}
			d, ok, err := i.issueOne(ctx, accountID, rule, threshold)
			if err != nil {
				return issued, err
			}
			if ok {
				issued = append(issued, d)
			}
		}
	}
	return issued, nil
}

// issueOne returns ok=false when the threshold already has a code.
func (i *RewardIssuer) issueOne(ctx context.Context, accountID AccountID, rule RewardRule, threshold int64) (DiscountCode, bool, error) {
	for attempt := 1; attempt <= i.maxAttempts; attempt++ {
		code, err := i.codes()
		if err != nil {
			return DiscountCode{}, false, fmt.Errorf("generate discount code: %w", err)
		}
		issuedAt := i.now().UTC()
		d := DiscountCode{
			Code:       code,
			AccountID:  accountID,
			RuleID:     rule.ID,
			Percentage: rule.Percentage,
			Threshold:  threshold,
			IssuedAt:   issuedAt,
			ExpiresAt:  issuedAt.Add(rule.Validity),
		}

		err = i.store.InsertDiscountCode(ctx, d)
		switch {
		case err == nil:
			i.metrics.DiscountIssued(rule.ID)
			return d, true, nil
		case errors.Is(err, ErrDuplicateDiscount):
			return DiscountCode{}, false, nil
		case errors.Is(err, ErrDuplicateCode):
			i.metrics.CodeCollision(rule.ID)
			continue
		default:
			return DiscountCode{}, false, storageErr("insert discount code", err)
		}
	}
	return DiscountCode{}, false, &CodeSpaceExhaustedError{
		AccountID: accountID,
		RuleID:    rule.ID,
		Threshold: threshold,
		Attempts:  i.maxAttempts,
	}
}
