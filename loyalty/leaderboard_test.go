package loyalty_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DBTheEasyButton/Template-Riding-Coach-Website-sub002/loyalty"
)

func TestLeaderboard_RanksByCurrentPeriodPoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Accounts are created in this order, so Seq breaks ties the same way.
	jane := f.account(t, "jane@example.com", "Jane", "doe")
	sam := f.account(t, "sam@example.com", "Sam", "Smith")
	ola := f.account(t, "ola@example.com", "Ola", "Ålund")
	zed := f.account(t, "zed@example.com", "Zed", "Zero")
	neg := f.account(t, "neg@example.com", "Neg", "Ative")
	f.account(t, "idle@example.com", "Idle", "Rider")

	f.entry(t, jane.ID, "r1", 30)
	f.entry(t, sam.ID, "r1", 45)
	f.entry(t, ola.ID, "r1", 30)
	f.entry(t, zed.ID, "r1", 0)
	f.entry(t, neg.ID, "r1", 10)
	_, err := f.ledger.ManualAdjustmentRef(ctx, neg.ID, "fix", -25, "correction")
	require.NoError(t, err)

	entries, period, err := f.lb.TopN(ctx, 10)
	require.NoError(t, err)

	assert.Equal(t, loyalty.PeriodID("2025-H1"), period.ID)
	require.Len(t, entries, 3, "zero and negative totals are left out")
	assert.Equal(t, []string{"Sam", "Jane", "Ola"}, []string{entries[0].FirstName, entries[1].FirstName, entries[2].FirstName})
	assert.Equal(t, []int{1, 2, 3}, []int{entries[0].Rank, entries[1].Rank, entries[2].Rank})
	assert.Equal(t, "D", entries[1].LastInitial)
	assert.Equal(t, "Å", entries[2].LastInitial)
	assert.Equal(t, "Jane D.", entries[1].DisplayName())
}

func TestLeaderboard_Limit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c"} {
		acct := f.account(t, name+"@example.com", name, "X")
		f.entry(t, acct.ID, "r1", 10)
	}

	top2, _, err := f.lb.TopN(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, top2, 2)

	none, _, err := f.lb.TopN(ctx, 0)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)

	negative, _, err := f.lb.TopN(ctx, -3)
	require.NoError(t, err)
	assert.Empty(t, negative)
}

func TestLeaderboard_ResetsAtPeriodBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	jane := f.account(t, "jane@example.com", "Jane", "Doe")
	sam := f.account(t, "sam@example.com", "Sam", "Smith")

	f.clock.Set(time.Date(2025, time.June, 30, 20, 0, 0, 0, time.UTC))
	f.entry(t, jane.ID, "r1", 50)

	f.clock.Set(time.Date(2025, time.July, 1, 8, 0, 0, 0, time.UTC))
	f.entry(t, sam.ID, "r1", 10)

	current, period, err := f.lb.TopN(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, loyalty.PeriodID("2025-H2"), period.ID)
	require.Len(t, current, 1)
	assert.Equal(t, "Sam", current[0].FirstName)

	closed, err := f.lb.TopNForPeriod(ctx, period.Previous(), 10)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, "Jane", closed[0].FirstName)
	assert.Equal(t, int64(50), closed[0].Points)
}

func TestLeaderboardEntry_JSONHidesIdentity(t *testing.T) {
	e := loyalty.LeaderboardEntry{Rank: 1, AccountID: "acct-secret", FirstName: "Jane", LastInitial: "D", Points: 30}

	data, err := json.Marshal(e)
	require.NoError(t, err)

	assert.JSONEq(t, `{"rank":1,"first_name":"Jane","last_initial":"D","points":30}`, string(data))
}

func TestLastInitial(t *testing.T) {
	assert.Equal(t, "", loyalty.LastInitial("  "))
	assert.Equal(t, "V", loyalty.LastInitial(" van der Berg"))
	assert.Equal(t, "Ø", loyalty.LastInitial("øvrebø"))
}
