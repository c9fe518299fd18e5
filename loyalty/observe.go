package loyalty

import (
	"context"
	"time"
)

// =============================================================================
// METRICS
// =============================================================================

// Metrics receives ledger activity. metrics.Collector implements it with
// Prometheus counters; NopMetrics discards everything.
type Metrics interface {
	TransactionAppended(kind TxKind, applied bool)
	DiscountIssued(ruleID string)
	CodeCollision(ruleID string)
	ReferralRedeemed(granted bool)
	ObserveOperation(op string, d time.Duration, err error)
}

type NopMetrics struct{}

func (NopMetrics) TransactionAppended(TxKind, bool)              {}
func (NopMetrics) DiscountIssued(string)                         {}
func (NopMetrics) CodeCollision(string)                          {}
func (NopMetrics) ReferralRedeemed(bool)                         {}
func (NopMetrics) ObserveOperation(string, time.Duration, error) {}

// =============================================================================
// EVENTS
// =============================================================================

type EventType string

const (
	EventTransactionApplied    EventType = "transaction.applied"
	EventDiscountIssued        EventType = "discount.issued"
	EventDiscountRedeemed      EventType = "discount.redeemed"
	EventReferralGranted       EventType = "referral.granted"
	EventLeaderboardPeriodDone EventType = "leaderboard.period_closed"
)

// Event is published after a ledger operation completes. Payload is one of
// Transaction, DiscountCode, ReferralRedemption or PeriodStandings.
type Event struct {
	Type      EventType `json:"type"`
	AccountID AccountID `json:"account_id,omitempty"`
	At        time.Time `json:"at"`
	Payload   any       `json:"payload"`
}

// PeriodStandings is the final leaderboard of a closed period.
type PeriodStandings struct {
	Period  PeriodID           `json:"period"`
	Entries []LeaderboardEntry `json:"entries"`
}

// Publisher fans events out to other systems (email, SMS). Publish errors
// never fail a ledger operation.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
