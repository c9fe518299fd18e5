package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/DBTheEasyButton/Template-Riding-Coach-Website-sub002/loyalty"
)

func TestCollector_Counts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.TransactionAppended(loyalty.KindClinicEntry, true)
	c.TransactionAppended(loyalty.KindClinicEntry, true)
	c.TransactionAppended(loyalty.KindClinicEntry, false)
	c.DiscountIssued("points")
	c.CodeCollision("points")
	c.ReferralRedeemed(true)
	c.ObserveOperation("record_clinic_entry", 10*time.Millisecond, nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.transactions.WithLabelValues("clinic_entry", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transactions.WithLabelValues("clinic_entry", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.discounts.WithLabelValues("points")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.collisions.WithLabelValues("points")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.referrals.WithLabelValues("true")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.operations))
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "ok", Outcome(nil))
	assert.Equal(t, "rejected", Outcome(loyalty.ErrSelfReferral))
	assert.Equal(t, "rejected", Outcome(fmt.Errorf("redeem: %w", loyalty.ErrDiscountExpired)))
	assert.Equal(t, "transient", Outcome(&loyalty.StorageError{Op: "append", Err: errors.New("disk full")}))
	assert.Equal(t, "transient", Outcome(loyalty.ErrAccountBusy))
	assert.Equal(t, "invariant_violation", Outcome(&loyalty.CodeSpaceExhaustedError{Attempts: 8}))
	assert.Equal(t, "error", Outcome(errors.New("boom")))
}
