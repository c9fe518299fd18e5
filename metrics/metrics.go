// Package metrics exposes ledger activity as Prometheus metrics.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/DBTheEasyButton/Template-Riding-Coach-Website-sub002/loyalty"
)

const namespace = "loyalty"

// Collector implements loyalty.Metrics.
type Collector struct {
	transactions *prometheus.CounterVec
	discounts    *prometheus.CounterVec
	collisions   *prometheus.CounterVec
	referrals    *prometheus.CounterVec
	operations   *prometheus.HistogramVec
}

// New registers the ledger metrics on reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Transactions submitted to the ledger, by kind and whether they were applied or deduplicated.",
		}, []string{"kind", "applied"}),
		discounts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discount_codes_issued_total",
			Help:      "Discount codes issued, by reward rule.",
		}, []string{"rule"}),
		collisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discount_code_collisions_total",
			Help:      "Generated discount codes rejected because the string was taken.",
		}, []string{"rule"}),
		referrals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "referral_redemptions_total",
			Help:      "Referral redemption attempts that passed validation, by outcome.",
		}, []string{"granted"}),
		operations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of ledger write operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "outcome"}),
	}
	reg.MustRegister(c.transactions, c.discounts, c.collisions, c.referrals, c.operations)
	return c
}

func (c *Collector) TransactionAppended(kind loyalty.TxKind, applied bool) {
	c.transactions.WithLabelValues(string(kind), strconv.FormatBool(applied)).Inc()
}

func (c *Collector) DiscountIssued(ruleID string) {
	c.discounts.WithLabelValues(ruleID).Inc()
}

func (c *Collector) CodeCollision(ruleID string) {
	c.collisions.WithLabelValues(ruleID).Inc()
}

func (c *Collector) ReferralRedeemed(granted bool) {
	c.referrals.WithLabelValues(strconv.FormatBool(granted)).Inc()
}

func (c *Collector) ObserveOperation(op string, d time.Duration, err error) {
	c.operations.WithLabelValues(op, Outcome(err)).Observe(d.Seconds())
}

// Outcome buckets an error into a low-cardinality label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case loyalty.IsInvariantViolation(err):
		return "invariant_violation"
	case loyalty.IsRetryable(err):
		return "transient"
	case loyalty.IsValidation(err), errors.Is(err, loyalty.ErrDiscountAlreadyUsed), errors.Is(err, loyalty.ErrDiscountExpired):
		return "rejected"
	default:
		return "error"
	}
}

var _ loyalty.Metrics = (*Collector)(nil)
