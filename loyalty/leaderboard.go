package loyalty

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// =============================================================================
// LEADERBOARD - Read-only ranking by current-period points
// =============================================================================

// LeaderboardEntry is the public view of a ranked rider. The last name is
// reduced to its initial.
type LeaderboardEntry struct {
	Rank        int       `json:"rank"`
	AccountID   AccountID `json:"-"`
	FirstName   string    `json:"first_name"`
	LastInitial string    `json:"last_initial"`
	Points      int64     `json:"points"`
}

// DisplayName renders "Jane D." style names.
func (e LeaderboardEntry) DisplayName() string {
	if e.LastInitial == "" {
		return e.FirstName
	}
	return e.FirstName + " " + e.LastInitial + "."
}

type leaderboardStore interface {
	ListAccounts(ctx context.Context) ([]Account, error)
	LoadPeriod(ctx context.Context, period PeriodID) ([]Transaction, error)
}

type Leaderboard struct {
	store    leaderboardStore
	calendar PeriodCalendar
	now      func() time.Time
}

func NewLeaderboard(store leaderboardStore, calendar PeriodCalendar, now func() time.Time) *Leaderboard {
	if now == nil {
		now = time.Now
	}
	return &Leaderboard{store: store, calendar: calendar, now: now}
}

// CurrentPeriod returns the period containing now.
func (l *Leaderboard) CurrentPeriod() Period {
	return l.calendar.PeriodFor(l.now())
}

// TopN ranks the current period. Nothing is reset at period boundaries:
// the current period id simply changes and older transactions stop counting.
func (l *Leaderboard) TopN(ctx context.Context, n int) ([]LeaderboardEntry, Period, error) {
	period := l.CurrentPeriod()
	entries, err := l.TopNForPeriod(ctx, period, n)
	return entries, period, err
}

// TopNForPeriod ranks riders by points earned in period. Riders without
// positive points are left out. Ties go to the older account.
func (l *Leaderboard) TopNForPeriod(ctx context.Context, period Period, n int) ([]LeaderboardEntry, error) {
	if n <= 0 {
		return []LeaderboardEntry{}, nil
	}

	txs, err := l.store.LoadPeriod(ctx, period.ID)
	if err != nil {
		return nil, storageErr("load period transactions", err)
	}
	byAccount := make(map[AccountID][]Transaction)
	for _, tx := range txs {
		byAccount[tx.AccountID] = append(byAccount[tx.AccountID], tx)
	}

	accounts, err := l.store.ListAccounts(ctx)
	if err != nil {
		return nil, storageErr("list accounts", err)
	}

	type row struct {
		account Account
		points  int64
	}
	rows := make([]row, 0, len(byAccount))
	for _, a := range accounts {
		group, ok := byAccount[a.ID]
		if !ok {
			continue
		}
		points := Project(group, period.ID).CurrentPeriodPoints
		if points <= 0 {
			continue
		}
		rows = append(rows, row{account: a, points: points})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].points != rows[j].points {
			return rows[i].points > rows[j].points
		}
		return rows[i].account.Seq < rows[j].account.Seq
	})

	if len(rows) > n {
		rows = rows[:n]
	}
	entries := make([]LeaderboardEntry, len(rows))
	for i, r := range rows {
		entries[i] = LeaderboardEntry{
			Rank:        i + 1,
			AccountID:   r.account.ID,
			FirstName:   strings.TrimSpace(r.account.FirstName),
			LastInitial: LastInitial(r.account.LastName),
			Points:      r.points,
		}
	}
	return entries, nil
}

// LastInitial returns the upper-cased first letter of a last name.
func LastInitial(lastName string) string {
	lastName = strings.TrimSpace(lastName)
	if lastName == "" {
		return ""
	}
	r, _ := utf8.DecodeRuneInString(lastName)
	return string(unicode.ToUpper(r))
}
