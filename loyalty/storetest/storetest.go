// Package storetest is a conformance suite for loyalty.Store
// implementations. Every backend runs the same cases so the ledger's
// exactly-once guarantees hold no matter where data lives.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DBTheEasyButton/Template-Riding-Coach-Website-sub002/loyalty"
)

// Factory returns an empty store. It should register its own cleanup.
type Factory func(t *testing.T) loyalty.Store

var base = time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)

// Run executes the full suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Accounts", func(t *testing.T) { testAccounts(t, newStore(t)) })
	t.Run("AccountConflicts", func(t *testing.T) { testAccountConflicts(t, newStore(t)) })
	t.Run("TransactionsAppendOnly", func(t *testing.T) { testTransactions(t, newStore(t)) })
	t.Run("TransactionIdempotencyUnderConcurrency", func(t *testing.T) { testConcurrentAppend(t, newStore(t)) })
	t.Run("LoadPeriod", func(t *testing.T) { testLoadPeriod(t, newStore(t)) })
	t.Run("DiscountCodes", func(t *testing.T) { testDiscountCodes(t, newStore(t)) })
	t.Run("MarkDiscountUsed", func(t *testing.T) { testMarkDiscountUsed(t, newStore(t)) })
	t.Run("ReferralRedemptions", func(t *testing.T) { testReferrals(t, newStore(t)) })
}

func account(n int) loyalty.Account {
	return loyalty.Account{
		ID:           loyalty.AccountID(fmt.Sprintf("acct-%d", n)),
		Email:        fmt.Sprintf("rider%d@example.com", n),
		FirstName:    fmt.Sprintf("Rider%d", n),
		LastName:     "Smith",
		ReferralCode: fmt.Sprintf("REF-%04d", n),
		CreatedAt:    base,
	}
}

func mustCreate(t *testing.T, s loyalty.Store, a loyalty.Account) loyalty.Account {
	t.Helper()
	created, err := s.CreateAccount(context.Background(), a)
	require.NoError(t, err)
	return created
}

func tx(acct loyalty.AccountID, kind loyalty.TxKind, ref string, delta int64, period loyalty.PeriodID, at time.Time) loyalty.Transaction {
	return loyalty.Transaction{
		ID:          loyalty.TransactionID(fmt.Sprintf("%s-%s-%s", acct, kind, ref)),
		AccountID:   acct,
		Kind:        kind,
		Delta:       delta,
		ReferenceID: ref,
		Reason:      "test",
		PeriodID:    period,
		CreatedAt:   at,
	}
}

func discount(code string, acct loyalty.AccountID, threshold int64) loyalty.DiscountCode {
	return loyalty.DiscountCode{
		Code:       code,
		AccountID:  acct,
		RuleID:     "points",
		Percentage: decimal.NewFromInt(20),
		Threshold:  threshold,
		IssuedAt:   base,
		ExpiresAt:  base.Add(90 * 24 * time.Hour),
	}
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func testAccounts(t *testing.T, s loyalty.Store) {
	ctx := context.Background()

	a1 := mustCreate(t, s, account(1))
	a2 := mustCreate(t, s, account(2))
	assert.Less(t, a1.Seq, a2.Seq, "creation sequence must increase")

	got, err := s.GetAccount(ctx, a1.ID)
	require.NoError(t, err)
	assert.Equal(t, a1.Email, got.Email)
	assert.Equal(t, a1.Seq, got.Seq)
	assert.True(t, a1.CreatedAt.Equal(got.CreatedAt))

	got, err = s.GetAccountByEmail(ctx, "rider2@example.com")
	require.NoError(t, err)
	assert.Equal(t, a2.ID, got.ID)

	got, err = s.GetAccountByReferralCode(ctx, "REF-0001")
	require.NoError(t, err)
	assert.Equal(t, a1.ID, got.ID)

	_, err = s.GetAccount(ctx, "missing")
	assert.ErrorIs(t, err, loyalty.ErrAccountNotFound)
	_, err = s.GetAccountByEmail(ctx, "missing@example.com")
	assert.ErrorIs(t, err, loyalty.ErrAccountNotFound)
	_, err = s.GetAccountByReferralCode(ctx, "REF-9999")
	assert.ErrorIs(t, err, loyalty.ErrUnknownReferralCode)

	all, err := s.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, a1.ID, all[0].ID)
	assert.Equal(t, a2.ID, all[1].ID)
}

func testAccountConflicts(t *testing.T, s loyalty.Store) {
	ctx := context.Background()
	mustCreate(t, s, account(1))

	sameEmail := account(2)
	sameEmail.Email = "rider1@example.com"
	_, err := s.CreateAccount(ctx, sameEmail)
	assert.ErrorIs(t, err, loyalty.ErrDuplicateEmail)

	sameCode := account(3)
	sameCode.ReferralCode = "REF-0001"
	_, err = s.CreateAccount(ctx, sameCode)
	assert.ErrorIs(t, err, loyalty.ErrDuplicateReferralCode)

	all, err := s.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1, "rejected accounts must not be persisted")
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func testTransactions(t *testing.T, s loyalty.Store) {
	ctx := context.Background()
	a := mustCreate(t, s, account(1))

	require.NoError(t, s.Append(ctx, tx(a.ID, loyalty.KindClinicEntry, "reg-1", 10, "2025-H1", base)))
	require.NoError(t, s.Append(ctx, tx(a.ID, loyalty.KindClinicEntry, "reg-2", 10, "2025-H1", base.Add(time.Minute))))
	// Same reference under another kind is a different key.
	require.NoError(t, s.Append(ctx, tx(a.ID, loyalty.KindManualAdjustment, "reg-1", -5, "2025-H1", base.Add(2*time.Minute))))

	dup := tx(a.ID, loyalty.KindClinicEntry, "reg-1", 99, "2025-H1", base.Add(3*time.Minute))
	dup.ID = "another-id"
	err := s.Append(ctx, dup)
	assert.ErrorIs(t, err, loyalty.ErrDuplicateTransaction)

	txs, err := s.Load(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, "reg-1", txs[0].ReferenceID)
	assert.Equal(t, int64(10), txs[0].Delta)
	assert.Equal(t, loyalty.KindClinicEntry, txs[0].Kind)
	assert.Equal(t, loyalty.PeriodID("2025-H1"), txs[0].PeriodID)
	assert.Equal(t, "reg-2", txs[1].ReferenceID)
	assert.Equal(t, int64(-5), txs[2].Delta)

	empty, err := s.Load(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testConcurrentAppend(t *testing.T, s loyalty.Store) {
	ctx := context.Background()
	a := mustCreate(t, s, account(1))

	const writers = 10
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry := tx(a.ID, loyalty.KindClinicEntry, "reg-1", 10, "2025-H1", base)
			entry.ID = loyalty.TransactionID(fmt.Sprintf("tx-%d", i))
			if err := s.Append(ctx, entry); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, accepted, "exactly one writer may win the idempotency key")
	txs, err := s.Load(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func testLoadPeriod(t *testing.T, s loyalty.Store) {
	ctx := context.Background()
	a := mustCreate(t, s, account(1))
	b := mustCreate(t, s, account(2))

	require.NoError(t, s.Append(ctx, tx(a.ID, loyalty.KindClinicEntry, "r1", 10, "2025-H1", base)))
	require.NoError(t, s.Append(ctx, tx(b.ID, loyalty.KindClinicEntry, "r2", 10, "2025-H1", base.Add(time.Minute))))
	require.NoError(t, s.Append(ctx, tx(a.ID, loyalty.KindClinicEntry, "r3", 10, "2025-H2", base.AddDate(0, 5, 0))))

	h1, err := s.LoadPeriod(ctx, "2025-H1")
	require.NoError(t, err)
	require.Len(t, h1, 2)
	assert.Equal(t, a.ID, h1[0].AccountID)
	assert.Equal(t, b.ID, h1[1].AccountID)

	h2, err := s.LoadPeriod(ctx, "2025-H2")
	require.NoError(t, err)
	assert.Len(t, h2, 1)

	none, err := s.LoadPeriod(ctx, "2024-H2")
	require.NoError(t, err)
	assert.Empty(t, none)
}

// =============================================================================
// DISCOUNT CODES
// =============================================================================

func testDiscountCodes(t *testing.T, s loyalty.Store) {
	ctx := context.Background()
	a := mustCreate(t, s, account(1))

	require.NoError(t, s.InsertDiscountCode(ctx, discount("RIDE-AAAAAA", a.ID, 50)))

	// Same threshold, fresh code: rejected as a duplicate issuance.
	err := s.InsertDiscountCode(ctx, discount("RIDE-BBBBBB", a.ID, 50))
	assert.ErrorIs(t, err, loyalty.ErrDuplicateDiscount)

	// Same threshold and same code: the threshold check wins.
	err = s.InsertDiscountCode(ctx, discount("RIDE-AAAAAA", a.ID, 50))
	assert.ErrorIs(t, err, loyalty.ErrDuplicateDiscount)

	// New threshold, colliding code string.
	err = s.InsertDiscountCode(ctx, discount("RIDE-AAAAAA", a.ID, 100))
	assert.ErrorIs(t, err, loyalty.ErrDuplicateCode)

	second := discount("RIDE-CCCCCC", a.ID, 100)
	second.IssuedAt = base.Add(time.Hour)
	require.NoError(t, s.InsertDiscountCode(ctx, second))

	got, err := s.GetDiscountCode(ctx, "RIDE-AAAAAA")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.AccountID)
	assert.Equal(t, int64(50), got.Threshold)
	assert.Equal(t, "points", got.RuleID)
	assert.True(t, got.Percentage.Equal(decimal.NewFromInt(20)), "got %s", got.Percentage)
	assert.True(t, got.ExpiresAt.Equal(base.Add(90*24*time.Hour)))
	assert.False(t, got.Used)
	assert.Nil(t, got.UsedAt)

	_, err = s.GetDiscountCode(ctx, "RIDE-ZZZZZZ")
	assert.ErrorIs(t, err, loyalty.ErrUnknownDiscountCode)

	list, err := s.ListDiscountCodes(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, int64(50), list[0].Threshold)
	assert.Equal(t, int64(100), list[1].Threshold)
}

func testMarkDiscountUsed(t *testing.T, s loyalty.Store) {
	ctx := context.Background()
	a := mustCreate(t, s, account(1))
	require.NoError(t, s.InsertDiscountCode(ctx, discount("RIDE-AAAAAA", a.ID, 50)))
	require.NoError(t, s.InsertDiscountCode(ctx, discount("RIDE-BBBBBB", a.ID, 100)))

	used, err := s.MarkDiscountUsed(ctx, "RIDE-AAAAAA", base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.True(t, used.Used)
	require.NotNil(t, used.UsedAt)

	_, err = s.MarkDiscountUsed(ctx, "RIDE-AAAAAA", base.Add(48*time.Hour))
	assert.ErrorIs(t, err, loyalty.ErrDiscountAlreadyUsed)

	// Exactly at expiry the code is no longer usable.
	_, err = s.MarkDiscountUsed(ctx, "RIDE-BBBBBB", base.Add(90*24*time.Hour))
	assert.ErrorIs(t, err, loyalty.ErrDiscountExpired)

	_, err = s.MarkDiscountUsed(ctx, "RIDE-ZZZZZZ", base)
	assert.ErrorIs(t, err, loyalty.ErrUnknownDiscountCode)

	got, err := s.GetDiscountCode(ctx, "RIDE-BBBBBB")
	require.NoError(t, err)
	assert.False(t, got.Used, "expired codes stay listed and unused")
}

// =============================================================================
// REFERRALS
// =============================================================================

func testReferrals(t *testing.T, s loyalty.Store) {
	ctx := context.Background()
	a := mustCreate(t, s, account(1))
	b := mustCreate(t, s, account(2))
	c := mustCreate(t, s, account(3))

	_, found, err := s.GetReferralRedemption(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.InsertReferralRedemption(ctx, loyalty.ReferralRedemption{ReferrerID: a.ID, ReferredID: b.ID, CreatedAt: base}))

	err = s.InsertReferralRedemption(ctx, loyalty.ReferralRedemption{ReferrerID: c.ID, ReferredID: b.ID, CreatedAt: base})
	assert.ErrorIs(t, err, loyalty.ErrDuplicateReferral)

	r, found, err := s.GetReferralRedemption(ctx, b.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, a.ID, r.ReferrerID, "first writer wins")
}
