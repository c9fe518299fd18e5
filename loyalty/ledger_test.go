package loyalty_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/DBTheEasyButton/Template-Riding-Coach-Website-sub002/loyalty"
	"github.com/DBTheEasyButton/Template-Riding-Coach-Website-sub002/loyalty/store"
)

// =============================================================================
// CLINIC ENTRIES
// =============================================================================

func TestRecordClinicEntry_Idempotent(t *testing.T) {
	f := newFixture(t)
	jane := f.account(t, "jane@example.com", "Jane", "Doe")

	first := f.entry(t, jane.ID, "reg-1", 10)
	retry := f.entry(t, jane.ID, "reg-1", 10)

	assert.True(t, first.Applied)
	assert.False(t, retry.Applied)
	assert.Equal(t, first.Balances, retry.Balances)
	assert.Equal(t, int64(10), retry.Balances.LifetimePoints)
	require.NotNil(t, retry.Transaction)
	assert.Equal(t, first.Transaction.ID, retry.Transaction.ID)

	txs, err := f.svc.Transactions(context.Background(), jane.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
	assert.Equal(t, 1, f.pub.count(loyalty.EventTransactionApplied))
}

func TestRecordClinicEntry_FiveEntriesOfTen(t *testing.T) {
	f := newFixture(t)
	jane := f.account(t, "jane@example.com", "Jane", "Doe")

	var last loyalty.Result
	for i := 1; i <= 5; i++ {
		last = f.entry(t, jane.ID, fmt.Sprintf("reg-%d", i), 10)
		if i < 5 {
			assert.Empty(t, last.Issued, "entry %d", i)
		}
	}

	assert.Equal(t, int64(50), last.Balances.LifetimePoints)
	assert.Equal(t, int64(50), last.Balances.CurrentPeriodPoints)
	assert.Equal(t, 5, last.Balances.ClinicEntries)
	assert.Equal(t, loyalty.TierSilver, last.Tier)

	require.Len(t, last.Issued, 1)
	code := last.Issued[0]
	assert.Equal(t, int64(50), code.Threshold)
	assert.Equal(t, "points", code.RuleID)
	assert.Equal(t, "20", code.Percentage.String())
	assert.Equal(t, t0.Add(90*24*time.Hour), code.ExpiresAt)
	assert.Len(t, f.codes(t, jane.ID), 1)
	assert.Equal(t, 1, f.pub.count(loyalty.EventDiscountIssued))
}

func TestRecordClinicEntry_LargeJumpIssuesEveryThreshold(t *testing.T) {
	f := newFixture(t)
	jane := f.account(t, "jane@example.com", "Jane", "Doe")

	res := f.entry(t, jane.ID, "reg-1", 120)
	require.Len(t, res.Issued, 2)
	assert.Equal(t, int64(50), res.Issued[0].Threshold)
	assert.Equal(t, int64(100), res.Issued[1].Threshold)

	res = f.entry(t, jane.ID, "reg-2", 30)
	require.Len(t, res.Issued, 1)
	assert.Equal(t, int64(150), res.Issued[0].Threshold)
}

func TestRecordClinicEntry_Validation(t *testing.T) {
	f := newFixture(t)
	jane := f.account(t, "jane@example.com", "Jane", "Doe")
	ctx := context.Background()

	_, err := f.ledger.RecordClinicEntry(ctx, jane.ID, "reg-1", -5)
	assert.ErrorIs(t, err, loyalty.ErrInvalidPoints)

	_, err = f.ledger.RecordClinicEntry(ctx, jane.ID, "  ", 5)
	assert.ErrorIs(t, err, loyalty.ErrInvalidReference)

	_, err = f.ledger.RecordClinicEntry(ctx, "", "reg-1", 5)
	assert.ErrorIs(t, err, loyalty.ErrInvalidAccountID)

	_, err = f.ledger.RecordClinicEntry(ctx, "ghost", "reg-1", 5)
	assert.ErrorIs(t, err, loyalty.ErrAccountNotFound)
	assert.True(t, loyalty.IsValidation(err))

	_, err = f.ledger.RecordClinicEntry(ctx, jane.ID, "reg-1", loyalty.DefaultMaxTransactionPoints+1)
	assert.ErrorIs(t, err, loyalty.ErrInvalidPoints)

	// Nothing was written.
	txs, err := f.svc.Transactions(ctx, jane.ID)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestRecordClinicEntry_ZeroPointsCountsTowardsTier(t *testing.T) {
	f := newFixture(t)
	jane := f.account(t, "jane@example.com", "Jane", "Doe")

	res := f.entry(t, jane.ID, "free-taster", 0)

	assert.True(t, res.Applied)
	assert.Equal(t, 1, res.Balances.ClinicEntries)
	assert.Equal(t, loyalty.TierBronze, res.Tier)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestRecordClinicEntry_ConcurrentDuplicates(t *testing.T) {
	f := newFixture(t)
	jane := f.account(t, "jane@example.com", "Jane", "Doe")
	f.entry(t, jane.ID, "reg-0", 40)

	var applied, issued atomic.Int32
	var g errgroup.Group
	for i := 0; i < 25; i++ {
		g.Go(func() error {
			res, err := f.ledger.RecordClinicEntry(context.Background(), jane.ID, "reg-1", 10)
			if err != nil {
				return err
			}
			if res.Applied {
				applied.Add(1)
			}
			issued.Add(int32(len(res.Issued)))
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), applied.Load())
	assert.Equal(t, int32(1), issued.Load())
	assert.Len(t, f.codes(t, jane.ID), 1)

	bal, err := f.ledger.Log().Project(context.Background(), jane.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), bal.LifetimePoints)
}

func TestRecordClinicEntry_ConcurrentDistinctEntries(t *testing.T) {
	f := newFixture(t)
	jane := f.account(t, "jane@example.com", "Jane", "Doe")

	var g errgroup.Group
	for i := 0; i < 10; i++ {
		ref := fmt.Sprintf("reg-%d", i)
		g.Go(func() error {
			_, err := f.ledger.RecordClinicEntry(context.Background(), jane.ID, ref, 10)
			return err
		})
	}
	require.NoError(t, g.Wait())

	codes := f.codes(t, jane.ID)
	require.Len(t, codes, 2)
	thresholds := []int64{codes[0].Threshold, codes[1].Threshold}
	assert.ElementsMatch(t, []int64{50, 100}, thresholds)
}

// gatedStore blocks Append until the gate is opened.
type gatedStore struct {
	*store.Memory
	gate    chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (s *gatedStore) Append(ctx context.Context, tx loyalty.Transaction) error {
	s.once.Do(func() { close(s.entered) })
	<-s.gate
	return s.Memory.Append(ctx, tx)
}

func TestLedger_BusyAccountIsRetryable(t *testing.T) {
	mem := store.NewMemory()
	gs := &gatedStore{Memory: mem, gate: make(chan struct{}), entered: make(chan struct{})}
	f := newFixtureWithStore(t, gs, mem, func(o *loyalty.Options, _ *loyalty.ServiceOptions) {
		o.OperationTimeout = 50 * time.Millisecond
	})
	jane := f.account(t, "jane@example.com", "Jane", "Doe")

	// GIVEN: one write stuck inside storage, holding the account lock
	done := make(chan error, 1)
	go func() {
		_, err := f.ledger.RecordClinicEntry(context.Background(), jane.ID, "reg-1", 10)
		done <- err
	}()
	<-gs.entered

	// WHEN: a second write for the same account arrives
	_, err := f.ledger.RecordClinicEntry(context.Background(), jane.ID, "reg-2", 10)

	// THEN: it gives up with a retryable error
	assert.ErrorIs(t, err, loyalty.ErrAccountBusy)
	assert.True(t, loyalty.IsRetryable(err))

	close(gs.gate)
	require.NoError(t, <-done)
}

// flakyStore fails Append while failing is set.
type flakyStore struct {
	*store.Memory
	failing atomic.Bool
}

func (s *flakyStore) Append(ctx context.Context, tx loyalty.Transaction) error {
	if s.failing.Load() {
		return errors.New("database is locked")
	}
	return s.Memory.Append(ctx, tx)
}

func TestLedger_StorageFailureReleasesLock(t *testing.T) {
	mem := store.NewMemory()
	fs := &flakyStore{Memory: mem}
	f := newFixtureWithStore(t, fs, mem)
	jane := f.account(t, "jane@example.com", "Jane", "Doe")

	fs.failing.Store(true)
	_, err := f.ledger.RecordClinicEntry(context.Background(), jane.ID, "reg-1", 10)
	assert.ErrorIs(t, err, loyalty.ErrStorageUnavailable)
	assert.True(t, loyalty.IsRetryable(err))

	// The retry succeeds: the lock was released and nothing was half-written.
	fs.failing.Store(false)
	res := f.entry(t, jane.ID, "reg-1", 10)
	assert.True(t, res.Applied)
	assert.Equal(t, int64(10), res.Balances.LifetimePoints)
}

// =============================================================================
// DISCOUNT CODE ISSUANCE
// =============================================================================

func TestLedger_CodeCollisionIsRetried(t *testing.T) {
	f := newFixture(t, func(o *loyalty.Options, _ *loyalty.ServiceOptions) {
		o.DiscountCodes = scriptedCodes("RIDE-SAME01", "RIDE-SAME01", "RIDE-OTHER1")
	})
	jane := f.account(t, "jane@example.com", "Jane", "Doe")
	sam := f.account(t, "sam@example.com", "Sam", "Smith")

	a := f.entry(t, jane.ID, "reg-1", 50)
	b := f.entry(t, sam.ID, "reg-1", 50)

	require.Len(t, a.Issued, 1)
	require.Len(t, b.Issued, 1)
	assert.Equal(t, "RIDE-SAME01", a.Issued[0].Code)
	assert.Equal(t, "RIDE-OTHER1", b.Issued[0].Code)
}

func TestLedger_CodeSpaceExhaustedThenHealedOnRetry(t *testing.T) {
	var broken atomic.Bool
	broken.Store(true)
	fallback := scriptedCodes()
	f := newFixture(t, func(o *loyalty.Options, _ *loyalty.ServiceOptions) {
		o.MaxCodeAttempts = 3
		o.DiscountCodes = func() (string, error) {
			if broken.Load() {
				return "RIDE-STUCK1", nil
			}
			return fallback()
		}
	})
	jane := f.account(t, "jane@example.com", "Jane", "Doe")
	sam := f.account(t, "sam@example.com", "Sam", "Smith")
	f.entry(t, jane.ID, "reg-1", 50) // takes RIDE-STUCK1

	// WHEN: every generated code collides
	_, err := f.ledger.RecordClinicEntry(context.Background(), sam.ID, "reg-1", 50)

	// THEN: the failure is an invariant violation, not a silent skip
	require.Error(t, err)
	assert.True(t, loyalty.IsInvariantViolation(err))
	var exhausted *loyalty.CodeSpaceExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Empty(t, f.codes(t, sam.ID))

	// WHEN: the registration webhook is retried after the generator recovers
	broken.Store(false)
	res := f.entry(t, sam.ID, "reg-1", 50)

	// THEN: the append is a duplicate but the missing code is issued
	assert.False(t, res.Applied)
	require.Len(t, res.Issued, 1)
	assert.Equal(t, int64(50), res.Issued[0].Threshold)
	assert.Len(t, f.codes(t, sam.ID), 1)
}

func TestLedger_PartialIssuanceIsStillReported(t *testing.T) {
	f := newFixture(t, func(o *loyalty.Options, _ *loyalty.ServiceOptions) {
		o.MaxCodeAttempts = 2
		o.DiscountCodes = scriptedCodes("RIDE-STUCK1", "RIDE-FRESH1", "RIDE-STUCK1", "RIDE-STUCK1")
	})
	jane := f.account(t, "jane@example.com", "Jane", "Doe")
	sam := f.account(t, "sam@example.com", "Sam", "Smith")
	f.entry(t, jane.ID, "reg-1", 50) // takes RIDE-STUCK1

	// WHEN: the first of two thresholds gets a code and the second exhausts
	res, err := f.ledger.RecordClinicEntry(context.Background(), sam.ID, "reg-1", 120)

	// THEN: the error is returned along with the code already issued
	require.Error(t, err)
	assert.True(t, loyalty.IsInvariantViolation(err))
	require.Len(t, res.Issued, 1)
	assert.Equal(t, "RIDE-FRESH1", res.Issued[0].Code)

	published, ok := f.pub.last(loyalty.EventDiscountIssued)
	require.True(t, ok)
	assert.Equal(t, sam.ID, published.AccountID)
	assert.Equal(t, 2, f.pub.count(loyalty.EventDiscountIssued))

	// And the retry issues only the missing threshold.
	retry := f.entry(t, sam.ID, "reg-1", 120)
	require.Len(t, retry.Issued, 1)
	assert.Equal(t, int64(100), retry.Issued[0].Threshold)
}

func TestLedger_TooManyThresholdsInOneWrite(t *testing.T) {
	f := newFixture(t, func(o *loyalty.Options, _ *loyalty.ServiceOptions) {
		o.MaxCodesPerWrite = 2
	})
	jane := f.account(t, "jane@example.com", "Jane", "Doe")

	res, err := f.ledger.RecordClinicEntry(context.Background(), jane.ID, "reg-1", 150)

	require.Error(t, err)
	assert.True(t, loyalty.IsInvariantViolation(err))
	var tooMany *loyalty.TooManyThresholdsError
	require.ErrorAs(t, err, &tooMany)
	assert.Equal(t, int64(3), tooMany.Crossed)
	assert.Equal(t, int64(2), tooMany.Limit)
	assert.Empty(t, res.Issued)
	assert.Empty(t, f.codes(t, jane.ID))
}

func TestLedger_ReconcileAfterDirectAppend(t *testing.T) {
	f := newFixture(t)
	jane := f.account(t, "jane@example.com", "Jane", "Doe")

	// GIVEN: a transaction persisted by a write that crashed before issuing
	require.NoError(t, f.store.Append(context.Background(), loyalty.Transaction{
		ID:          "tx-crashed",
		AccountID:   jane.ID,
		Kind:        loyalty.KindClinicEntry,
		Delta:       110,
		ReferenceID: "reg-1",
		PeriodID:    "2025-H1",
		CreatedAt:   t0,
	}))

	// WHEN: the same registration is retried
	res := f.entry(t, jane.ID, "reg-1", 110)

	// THEN: both missing codes are issued
	assert.False(t, res.Applied)
	assert.Len(t, res.Issued, 2)

	// And a further retry issues nothing.
	again := f.entry(t, jane.ID, "reg-1", 110)
	assert.Empty(t, again.Issued)
}

func TestLedger_EntriesRuleWhenEnabled(t *testing.T) {
	f := newFixture(t, func(o *loyalty.Options, _ *loyalty.ServiceOptions) {
		o.Rules = []loyalty.RewardRule{loyalty.PointsRewardRule(), loyalty.EntriesRewardRule()}
	})
	jane := f.account(t, "jane@example.com", "Jane", "Doe")

	var issued []loyalty.DiscountCode
	for i := 1; i <= 5; i++ {
		issued = append(issued, f.entry(t, jane.ID, fmt.Sprintf("reg-%d", i), 1).Issued...)
	}

	require.Len(t, issued, 1)
	assert.Equal(t, "entries", issued[0].RuleID)
	assert.Equal(t, int64(5), issued[0].Threshold)
	assert.Equal(t, "15", issued[0].Percentage.String())
}

// =============================================================================
// MANUAL ADJUSTMENTS
// =============================================================================

func TestManualAdjustment(t *testing.T) {
	f := newFixture(t)
	jane := f.account(t, "jane@example.com", "Jane", "Doe")
	ctx := context.Background()
	f.entry(t, jane.ID, "reg-1", 60)

	res, err := f.ledger.ManualAdjustmentRef(ctx, jane.ID, "ticket-1", -20, "double-counted clinic")
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, int64(40), res.Balances.LifetimePoints)
	assert.Equal(t, 1, res.Balances.ClinicEntries)

	// Re-crossing 50 does not issue a second code for the same threshold.
	res, err = f.ledger.ManualAdjustment(ctx, jane.ID, 20, "goodwill")
	require.NoError(t, err)
	assert.Empty(t, res.Issued)
	assert.Len(t, f.codes(t, jane.ID), 1)

	_, err = f.ledger.ManualAdjustment(ctx, jane.ID, 0, "noop")
	assert.ErrorIs(t, err, loyalty.ErrInvalidPoints)

	// Unkeyed adjustments are independent transactions.
	_, err = f.ledger.ManualAdjustment(ctx, jane.ID, 5, "bonus")
	require.NoError(t, err)
	_, err = f.ledger.ManualAdjustment(ctx, jane.ID, 5, "bonus")
	require.NoError(t, err)
	bal, err := f.ledger.Log().Project(ctx, jane.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(70), bal.LifetimePoints)
}

func TestManualAdjustment_RejectsOversizedDelta(t *testing.T) {
	f := newFixture(t, func(o *loyalty.Options, _ *loyalty.ServiceOptions) {
		o.MaxPoints = 500
	})
	jane := f.account(t, "jane@example.com", "Jane", "Doe")
	ctx := context.Background()

	for _, delta := range []int64{501, -501, 1_000_000_000_000, math.MaxInt64, math.MinInt64} {
		_, err := f.ledger.ManualAdjustment(ctx, jane.ID, delta, "oops")
		assert.ErrorIs(t, err, loyalty.ErrInvalidPoints, "delta %d", delta)
	}
	assert.Empty(t, f.codes(t, jane.ID))

	res, err := f.ledger.ManualAdjustment(ctx, jane.ID, 500, "max")
	require.NoError(t, err)
	assert.Len(t, res.Issued, 10)
}

func TestManualAdjustment_CanGoNegative(t *testing.T) {
	f := newFixture(t)
	jane := f.account(t, "jane@example.com", "Jane", "Doe")

	res, err := f.ledger.ManualAdjustmentRef(context.Background(), jane.ID, "ticket-9", -15, "chargeback")
	require.NoError(t, err)
	assert.Equal(t, int64(-15), res.Balances.LifetimePoints)
	assert.Equal(t, loyalty.TierNone, res.Tier)
}

// =============================================================================
// PERIODS
// =============================================================================

func TestLedger_PeriodRolloverKeepsLifetime(t *testing.T) {
	f := newFixture(t)
	jane := f.account(t, "jane@example.com", "Jane", "Doe")

	f.clock.Set(time.Date(2025, time.June, 30, 23, 0, 0, 0, time.UTC))
	h1 := f.entry(t, jane.ID, "reg-1", 30)
	assert.Equal(t, loyalty.PeriodID("2025-H1"), h1.Transaction.PeriodID)

	f.clock.Set(time.Date(2025, time.July, 1, 0, 0, 0, 0, time.UTC))
	h2 := f.entry(t, jane.ID, "reg-2", 10)

	assert.Equal(t, loyalty.PeriodID("2025-H2"), h2.Transaction.PeriodID)
	assert.Equal(t, int64(40), h2.Balances.LifetimePoints)
	assert.Equal(t, int64(10), h2.Balances.CurrentPeriodPoints)
	assert.Equal(t, 2, h2.Balances.ClinicEntries)
}

func TestProject_PeriodPurityAcrossBoundary(t *testing.T) {
	f := newFixture(t)
	jane := f.account(t, "jane@example.com", "Jane", "Doe")
	ctx := context.Background()

	f.clock.Set(time.Date(2025, time.June, 30, 23, 59, 59, 0, time.UTC))
	f.entry(t, jane.ID, "reg-1", 30)

	before, err := f.ledger.Log().Project(ctx, jane.ID)
	require.NoError(t, err)

	// WHEN: only the clock moves past the boundary
	f.clock.Set(time.Date(2025, time.July, 1, 0, 0, 0, 0, time.UTC))
	after, err := f.ledger.Log().Project(ctx, jane.ID)
	require.NoError(t, err)

	// THEN: the period total resets and nothing else changes
	assert.Equal(t, int64(30), before.CurrentPeriodPoints)
	assert.Equal(t, int64(0), after.CurrentPeriodPoints)
	assert.Equal(t, before.LifetimePoints, after.LifetimePoints)
	assert.Equal(t, before.ClinicEntries, after.ClinicEntries)

	// Same instant, same answer.
	f.clock.Set(time.Date(2025, time.June, 30, 23, 59, 59, 0, time.UTC))
	again, err := f.ledger.Log().Project(ctx, jane.ID)
	require.NoError(t, err)
	assert.Equal(t, before, again)
}

// =============================================================================
// DISCOUNT REDEMPTION
// =============================================================================

func TestRedeemDiscountCode_ExactlyOnceUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	jane := f.account(t, "jane@example.com", "Jane", "Doe")
	code := f.entry(t, jane.ID, "reg-1", 50).Issued[0].Code

	var wins, used atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ledger.RedeemDiscountCode(context.Background(), code)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, loyalty.ErrDiscountAlreadyUsed):
				used.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(19), used.Load())
	assert.Equal(t, 1, f.pub.count(loyalty.EventDiscountRedeemed))
}

func TestRedeemDiscountCode_NormalizesInput(t *testing.T) {
	f := newFixture(t, func(o *loyalty.Options, _ *loyalty.ServiceOptions) {
		o.DiscountCodes = scriptedCodes("RIDE-ABC234")
	})
	jane := f.account(t, "jane@example.com", "Jane", "Doe")
	f.entry(t, jane.ID, "reg-1", 50)

	d, err := f.ledger.RedeemDiscountCode(context.Background(), "  ride-abc234 ")
	require.NoError(t, err)
	assert.True(t, d.Used)
	require.NotNil(t, d.UsedAt)
	assert.Equal(t, t0, *d.UsedAt)

	_, err = f.ledger.RedeemDiscountCode(context.Background(), "")
	assert.ErrorIs(t, err, loyalty.ErrUnknownDiscountCode)
}
