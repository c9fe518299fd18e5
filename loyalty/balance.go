/*
balance.go - Transaction log and balance projection

PURPOSE:
  Balances are never stored. They are a fold over the transaction log:

    lifetime points       = sum of all deltas
    current-period points = sum of deltas tagged with the current period id
    clinic entries        = number of clinic_entry transactions

  Because the current period is derived from "now" at read time, the
  leaderboard resets the instant the calendar crosses June 30 or December 31.
  Lifetime points and tiers are unaffected.

IDEMPOTENCY:
  TransactionLog.Append reports applied=false (not an error) when the store
  rejects a duplicate (account, kind, reference). Registration webhooks can
  therefore be retried freely.
*/
package loyalty

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Project folds txs into balances for the period `current`. It is pure.
func Project(txs []Transaction, current PeriodID) AccountBalances {
	var b AccountBalances
	for _, tx := range txs {
		b.LifetimePoints += tx.Delta
		if tx.PeriodID == current {
			b.CurrentPeriodPoints += tx.Delta
		}
		if tx.Kind == KindClinicEntry {
			b.ClinicEntries++
		}
	}
	return b
}

// =============================================================================
// TRANSACTION LOG
// =============================================================================

// TransactionLog is the append-only source of truth for balances.
type TransactionLog struct {
	store    TransactionStore
	calendar PeriodCalendar
	now      func() time.Time
}

func NewTransactionLog(store TransactionStore, calendar PeriodCalendar, now func() time.Time) *TransactionLog {
	if now == nil {
		now = time.Now
	}
	return &TransactionLog{store: store, calendar: calendar, now: now}
}

// Append persists tx. A duplicate idempotency key is not an error: it
// returns applied=false so retries are safe.
func (l *TransactionLog) Append(ctx context.Context, tx Transaction) (bool, error) {
	if tx.AccountID == "" {
		return false, ErrInvalidAccountID
	}
	if !tx.Kind.Valid() {
		return false, ErrInvalidKind
	}
	if tx.ReferenceID == "" {
		return false, ErrInvalidReference
	}
	if tx.ID == "" {
		tx.ID = TransactionID(uuid.NewString())
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = l.now().UTC()
	}
	if tx.PeriodID == "" {
		tx.PeriodID = l.calendar.PeriodIDFor(tx.CreatedAt)
	}

	err := l.store.Append(ctx, tx)
	if errors.Is(err, ErrDuplicateTransaction) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("append transaction", err)
	}
	return true, nil
}

// Transactions returns an account's history in creation order.
func (l *TransactionLog) Transactions(ctx context.Context, accountID AccountID) ([]Transaction, error) {
	txs, err := l.store.Load(ctx, accountID)
	if err != nil {
		return nil, storageErr("load transactions", err)
	}
	return txs, nil
}

// Project loads an account's transactions and folds them against the
// period containing now.
func (l *TransactionLog) Project(ctx context.Context, accountID AccountID) (AccountBalances, error) {
	txs, err := l.Transactions(ctx, accountID)
	if err != nil {
		return AccountBalances{}, err
	}
	return Project(txs, l.calendar.PeriodIDFor(l.now())), nil
}

// CurrentPeriod returns the period containing now.
func (l *TransactionLog) CurrentPeriod() Period {
	return l.calendar.PeriodFor(l.now())
}
