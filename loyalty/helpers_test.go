package loyalty_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DBTheEasyButton/Template-Riding-Coach-Website-sub002/loyalty"
	"github.com/DBTheEasyButton/Template-Riding-Coach-Website-sub002/loyalty/store"
)

var t0 = time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recorder captures published events.
type recorder struct {
	mu     sync.Mutex
	events []loyalty.Event
}

func (r *recorder) Publish(_ context.Context, e loyalty.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) count(t loyalty.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (r *recorder) last(t loyalty.EventType) (loyalty.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == t {
			return r.events[i], true
		}
	}
	return loyalty.Event{}, false
}

// scriptedCodes returns the given codes in order, then unique fallbacks.
func scriptedCodes(codes ...string) loyalty.CodeGenerator {
	var (
		mu sync.Mutex
		i  int
	)
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		i++
		if i <= len(codes) {
			return codes[i-1], nil
		}
		return fmt.Sprintf("RIDE-GEN%03d", i), nil
	}
}

type fixture struct {
	store  loyalty.Store
	mem    *store.Memory
	clock  *clock
	pub    *recorder
	ledger *loyalty.Ledger
	lb     *loyalty.Leaderboard
	svc    *loyalty.Service
}

type fixtureOption func(opts *loyalty.Options, sopts *loyalty.ServiceOptions)

func newFixture(t *testing.T, options ...fixtureOption) *fixture {
	t.Helper()
	mem := store.NewMemory()
	return newFixtureWithStore(t, mem, mem, options...)
}

func newFixtureWithStore(t *testing.T, st loyalty.Store, mem *store.Memory, options ...fixtureOption) *fixture {
	t.Helper()
	f := &fixture{
		store: st,
		mem:   mem,
		clock: &clock{now: t0},
		pub:   &recorder{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	opts := loyalty.DefaultOptions()
	opts.Now = f.clock.Now
	opts.Logger = logger
	opts.Publisher = f.pub
	sopts := loyalty.DefaultServiceOptions()
	sopts.Now = f.clock.Now
	sopts.Logger = logger
	for _, o := range options {
		o(&opts, &sopts)
	}

	f.ledger = loyalty.NewLedger(st, opts)
	f.lb = loyalty.NewLeaderboard(st, opts.Calendar, f.clock.Now)
	f.svc = loyalty.NewService(st, f.ledger, f.lb, sopts)
	return f
}

func (f *fixture) account(t *testing.T, email, first, last string) loyalty.Account {
	t.Helper()
	acct, _, err := f.svc.EnsureAccount(context.Background(), loyalty.AccountInput{
		Email: email, FirstName: first, LastName: last,
	})
	require.NoError(t, err)
	return acct
}

func (f *fixture) entry(t *testing.T, id loyalty.AccountID, ref string, points int64) loyalty.Result {
	t.Helper()
	res, err := f.ledger.RecordClinicEntry(context.Background(), id, ref, points)
	require.NoError(t, err)
	return res
}

func (f *fixture) codes(t *testing.T, id loyalty.AccountID) []loyalty.DiscountCode {
	t.Helper()
	codes, err := f.store.ListDiscountCodes(context.Background(), id)
	require.NoError(t, err)
	return codes
}
