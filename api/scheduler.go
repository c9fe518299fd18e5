/*
scheduler.go - Leaderboard period watcher

PURPOSE:
  Notices when the half-year leaderboard period rolls over and announces the
  final standings of the period that just closed.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Remembers the last period it saw; the first check only records it
  - On a change, ranks the previous period and publishes
    leaderboard.period_closed with the standings
  - Nothing is reset: balances keep their history, the current period id
    simply moves on

USAGE:
  watcher := NewPeriodWatcher(leaderboard, publisher, logger)
  watcher.Start()
  // ... later
  watcher.Stop()

SEE ALSO:
  - loyalty/leaderboard.go: TopNForPeriod
  - events/nats.go: Publisher implementation
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/DBTheEasyButton/Template-Riding-Coach-Website-sub002/loyalty"
)

// PeriodWatcher publishes the closing standings of each leaderboard period.
type PeriodWatcher struct {
	Leaderboard   *loyalty.Leaderboard
	Publisher     loyalty.Publisher
	Logger        *slog.Logger
	CheckInterval time.Duration
	SnapshotSize  int
	Enabled       bool

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex

	checkMu sync.Mutex
	last    loyalty.Period
	seen    bool
}

// NewPeriodWatcher creates a new watcher.
func NewPeriodWatcher(lb *loyalty.Leaderboard, pub loyalty.Publisher, logger *slog.Logger) *PeriodWatcher {
	if pub == nil {
		pub = loyalty.NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PeriodWatcher{
		Leaderboard:   lb,
		Publisher:     pub,
		Logger:        logger,
		CheckInterval: time.Minute,
		SnapshotSize:  10,
		Enabled:       true,
	}
}

// Start begins the watcher.
func (pw *PeriodWatcher) Start() {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	if !pw.Enabled {
		pw.Logger.Info("period watcher disabled, not starting")
		return
	}
	if pw.ticker != nil {
		return
	}

	pw.ticker = time.NewTicker(pw.CheckInterval)
	pw.stop = make(chan bool)
	pw.wg.Add(1)

	go pw.run()

	pw.Logger.Info("period watcher started", "interval", pw.CheckInterval)
}

// Stop stops the watcher and waits for an in-flight check.
func (pw *PeriodWatcher) Stop() {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	if pw.ticker != nil {
		pw.ticker.Stop()
		close(pw.stop)
		pw.wg.Wait()
		pw.ticker = nil
		pw.Logger.Info("period watcher stopped")
	}
}

func (pw *PeriodWatcher) run() {
	defer pw.wg.Done()

	// Run immediately on start
	pw.CheckNow(context.Background())

	for {
		select {
		case <-pw.ticker.C:
			pw.CheckNow(context.Background())
		case <-pw.stop:
			return
		}
	}
}

// CheckNow compares the current period with the last one seen. It reports
// whether a period closed during this check.
func (pw *PeriodWatcher) CheckNow(ctx context.Context) bool {
	pw.checkMu.Lock()
	defer pw.checkMu.Unlock()

	current := pw.Leaderboard.CurrentPeriod()
	if !pw.seen {
		pw.last, pw.seen = current, true
		return false
	}
	if current.ID == pw.last.ID {
		return false
	}

	closed := pw.last
	entries, err := pw.Leaderboard.TopNForPeriod(ctx, closed, pw.SnapshotSize)
	if err != nil {
		// Leave last untouched so the next tick retries.
		pw.Logger.Error("ranking closed period", "period", closed.ID, "error", err)
		return false
	}
	pw.last = current

	err = pw.Publisher.Publish(ctx, loyalty.Event{
		Type:    loyalty.EventLeaderboardPeriodDone,
		At:      closed.End,
		Payload: loyalty.PeriodStandings{Period: closed.ID, Entries: entries},
	})
	if err != nil {
		pw.Logger.Warn("publishing period standings", "period", closed.ID, "error", err)
	}
	pw.Logger.Info("leaderboard period closed", "period", closed.ID, "next", current.ID, "ranked", len(entries))
	return true
}
