package api

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DBTheEasyButton/Template-Riding-Coach-Website-sub002/loyalty"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []loyalty.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e loyalty.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) ofType(t loyalty.EventType) []loyalty.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []loyalty.Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func TestPeriodWatcher_PublishesClosedPeriodStandings(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pub := &recordingPublisher{}

	// GIVEN: riders with points late in H1
	env.clock.Set(time.Date(2025, time.June, 30, 18, 0, 0, 0, time.UTC))
	env.register(t, "jane@example.com", "Jane", "Doe", "r1", 30)
	env.register(t, "sam@example.com", "Sam", "Smith", "r1", 10)

	w := NewPeriodWatcher(env.svc.Leaderboard(), pub, discardLogger())
	assert.False(t, w.CheckNow(ctx), "first check only records the period")
	assert.False(t, w.CheckNow(ctx))

	// WHEN: the clock crosses into H2
	env.clock.Set(time.Date(2025, time.July, 1, 0, 0, 1, 0, time.UTC))
	require.True(t, w.CheckNow(ctx))

	// THEN: the H1 standings are published once
	events := pub.ofType(loyalty.EventLeaderboardPeriodDone)
	require.Len(t, events, 1)
	standings, ok := events[0].Payload.(loyalty.PeriodStandings)
	require.True(t, ok)
	assert.Equal(t, loyalty.PeriodID("2025-H1"), standings.Period)
	require.Len(t, standings.Entries, 2)
	assert.Equal(t, "Jane", standings.Entries[0].FirstName)

	assert.False(t, w.CheckNow(ctx))
	assert.Len(t, pub.ofType(loyalty.EventLeaderboardPeriodDone), 1)

	// And the live leaderboard has started from zero.
	entries, period, err := env.svc.GetLeaderboard(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, loyalty.PeriodID("2025-H2"), period.ID)
	assert.Empty(t, entries)
}

func TestPeriodWatcher_PublishErrorIsNotFatal(t *testing.T) {
	env := newTestEnv(t)
	pub := &recordingPublisher{err: errors.New("nats down")}

	w := NewPeriodWatcher(env.svc.Leaderboard(), pub, discardLogger())
	w.CheckNow(context.Background())
	env.clock.Advance(200 * 24 * time.Hour)

	assert.True(t, w.CheckNow(context.Background()))
}

func TestPeriodWatcher_StartStop(t *testing.T) {
	env := newTestEnv(t)

	w := NewPeriodWatcher(env.svc.Leaderboard(), nil, discardLogger())
	w.CheckInterval = 10 * time.Millisecond
	w.Start()
	w.Start() // second start is a no-op
	time.Sleep(30 * time.Millisecond)
	w.Stop()
	w.Stop()
}

func TestPeriodWatcher_RestartKeepsWatching(t *testing.T) {
	env := newTestEnv(t)
	pub := &recordingPublisher{}

	w := NewPeriodWatcher(env.svc.Leaderboard(), pub, discardLogger())
	w.CheckInterval = 5 * time.Millisecond
	w.Start()
	w.Stop()

	// WHEN: the watcher is started again and the period then closes
	w.Start()
	defer w.Stop()
	time.Sleep(20 * time.Millisecond)
	env.clock.Advance(200 * 24 * time.Hour)

	// THEN: the restarted loop is still ticking
	assert.Eventually(t, func() bool {
		return len(pub.ofType(loyalty.EventLeaderboardPeriodDone)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPeriodWatcher_Disabled(t *testing.T) {
	env := newTestEnv(t)

	w := NewPeriodWatcher(env.svc.Leaderboard(), nil, discardLogger())
	w.Enabled = false
	w.Start()
	w.Stop()
}
