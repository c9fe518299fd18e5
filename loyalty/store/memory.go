// Package store provides in-process loyalty.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/DBTheEasyButton/Template-Riding-Coach-Website-sub002/loyalty"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex

	seq          int64
	accounts     map[loyalty.AccountID]loyalty.Account
	byEmail      map[string]loyalty.AccountID
	byReferral   map[string]loyalty.AccountID
	transactions map[loyalty.AccountID][]loyalty.Transaction
	idempotency  map[string]bool
	periodIndex  map[loyalty.PeriodID][]loyalty.Transaction
	discounts    map[string]loyalty.DiscountCode
	thresholds   map[thresholdKey]string
	redemptions  map[loyalty.AccountID]loyalty.ReferralRedemption
}

type thresholdKey struct {
	AccountID loyalty.AccountID
	RuleID    string
	Threshold int64
}

func NewMemory() *Memory {
	return &Memory{
		accounts:     make(map[loyalty.AccountID]loyalty.Account),
		byEmail:      make(map[string]loyalty.AccountID),
		byReferral:   make(map[string]loyalty.AccountID),
		transactions: make(map[loyalty.AccountID][]loyalty.Transaction),
		idempotency:  make(map[string]bool),
		periodIndex:  make(map[loyalty.PeriodID][]loyalty.Transaction),
		discounts:    make(map[string]loyalty.DiscountCode),
		thresholds:   make(map[thresholdKey]string),
		redemptions:  make(map[loyalty.AccountID]loyalty.ReferralRedemption),
	}
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (m *Memory) CreateAccount(_ context.Context, a loyalty.Account) (loyalty.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byEmail[a.Email]; ok {
		return loyalty.Account{}, loyalty.ErrDuplicateEmail
	}
	if _, ok := m.byReferral[a.ReferralCode]; ok {
		return loyalty.Account{}, loyalty.ErrDuplicateReferralCode
	}
	m.seq++
	a.Seq = m.seq
	m.accounts[a.ID] = a
	m.byEmail[a.Email] = a.ID
	m.byReferral[a.ReferralCode] = a.ID
	return a, nil
}

func (m *Memory) GetAccount(_ context.Context, id loyalty.AccountID) (loyalty.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return loyalty.Account{}, loyalty.ErrAccountNotFound
	}
	return a, nil
}

func (m *Memory) GetAccountByEmail(_ context.Context, email string) (loyalty.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[email]
	if !ok {
		return loyalty.Account{}, loyalty.ErrAccountNotFound
	}
	return m.accounts[id], nil
}

func (m *Memory) GetAccountByReferralCode(_ context.Context, code string) (loyalty.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byReferral[code]
	if !ok {
		return loyalty.Account{}, loyalty.ErrUnknownReferralCode
	}
	return m.accounts[id], nil
}

func (m *Memory) ListAccounts(_ context.Context) ([]loyalty.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]loyalty.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// =============================================================================
// TRANSACTIONS - Append-only
// =============================================================================

// Append adds a single transaction. Append-only.
func (m *Memory) Append(_ context.Context, tx loyalty.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := tx.IdempotencyKey()
	if m.idempotency[key] {
		return loyalty.ErrDuplicateTransaction
	}
	m.idempotency[key] = true
	m.transactions[tx.AccountID] = append(m.transactions[tx.AccountID], tx)
	m.periodIndex[tx.PeriodID] = append(m.periodIndex[tx.PeriodID], tx)
	return nil
}

// Load returns a copy so callers cannot mutate the log.
func (m *Memory) Load(_ context.Context, accountID loyalty.AccountID) ([]loyalty.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	txs := m.transactions[accountID]
	out := make([]loyalty.Transaction, len(txs))
	copy(out, txs)
	return out, nil
}

func (m *Memory) LoadPeriod(_ context.Context, period loyalty.PeriodID) ([]loyalty.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	txs := m.periodIndex[period]
	out := make([]loyalty.Transaction, len(txs))
	copy(out, txs)
	return out, nil
}

// =============================================================================
// DISCOUNT CODES
// =============================================================================

func (m *Memory) InsertDiscountCode(_ context.Context, d loyalty.DiscountCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tk := thresholdKey{AccountID: d.AccountID, RuleID: d.RuleID, Threshold: d.Threshold}
	if _, ok := m.thresholds[tk]; ok {
		return loyalty.ErrDuplicateDiscount
	}
	if _, ok := m.discounts[d.Code]; ok {
		return loyalty.ErrDuplicateCode
	}
	m.discounts[d.Code] = d
	m.thresholds[tk] = d.Code
	return nil
}

func (m *Memory) GetDiscountCode(_ context.Context, code string) (loyalty.DiscountCode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.discounts[code]
	if !ok {
		return loyalty.DiscountCode{}, loyalty.ErrUnknownDiscountCode
	}
	return d, nil
}

func (m *Memory) ListDiscountCodes(_ context.Context, accountID loyalty.AccountID) ([]loyalty.DiscountCode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []loyalty.DiscountCode
	for _, d := range m.discounts {
		if d.AccountID == accountID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].IssuedAt.Before(out[j].IssuedAt)
		}
		if out[i].RuleID != out[j].RuleID {
			return out[i].RuleID < out[j].RuleID
		}
		return out[i].Threshold < out[j].Threshold
	})
	return out, nil
}

func (m *Memory) MarkDiscountUsed(_ context.Context, code string, at time.Time) (loyalty.DiscountCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.discounts[code]
	switch {
	case !ok:
		return loyalty.DiscountCode{}, loyalty.ErrUnknownDiscountCode
	case d.Used:
		return loyalty.DiscountCode{}, loyalty.ErrDiscountAlreadyUsed
	case d.ExpiredAt(at):
		return loyalty.DiscountCode{}, loyalty.ErrDiscountExpired
	}
	usedAt := at.UTC()
	d.Used = true
	d.UsedAt = &usedAt
	m.discounts[code] = d
	return d, nil
}

// =============================================================================
// REFERRALS
// =============================================================================

func (m *Memory) InsertReferralRedemption(_ context.Context, r loyalty.ReferralRedemption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.redemptions[r.ReferredID]; ok {
		return loyalty.ErrDuplicateReferral
	}
	m.redemptions[r.ReferredID] = r
	return nil
}

func (m *Memory) GetReferralRedemption(_ context.Context, referredID loyalty.AccountID) (loyalty.ReferralRedemption, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.redemptions[referredID]
	return r, ok, nil
}

var _ loyalty.Store = (*Memory)(nil)
