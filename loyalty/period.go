package loyalty

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// LEADERBOARD PERIOD - Half-year windows ending June 30 and December 31
// =============================================================================

// PeriodID identifies a leaderboard period, e.g. "2025-H1" or "2025-H2".
type PeriodID string

// Period is a leaderboard window. Start and End are calendar dates at
// midnight in the calendar's location; End is inclusive.
type Period struct {
	ID    PeriodID
	Start time.Time
	End   time.Time
}

// Contains returns true if t falls on a calendar day within [Start, End].
func (p Period) Contains(t time.Time) bool {
	local := t.In(p.Start.Location())
	d := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, p.Start.Location())
	return !d.Before(p.Start) && !d.After(p.End)
}

func (p Period) String() string {
	return string(p.ID) + " [" + p.Start.Format("2006-01-02") + ", " + p.End.Format("2006-01-02") + "]"
}

// Next returns the period that starts the day after p ends.
func (p Period) Next() Period {
	return PeriodCalendar{Location: p.Start.Location()}.PeriodFor(p.End.AddDate(0, 0, 1))
}

// Previous returns the period that ends the day before p starts.
func (p Period) Previous() Period {
	return PeriodCalendar{Location: p.Start.Location()}.PeriodFor(p.Start.AddDate(0, 0, -1))
}

// PeriodCalendar maps instants to periods. The boundary days are evaluated
// in Location so a rider's Dec 31 evening entry counts towards H2 even when
// it is already Jan 1 in UTC. A nil Location means UTC.
type PeriodCalendar struct {
	Location *time.Location
}

func (c PeriodCalendar) loc() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}

// PeriodFor returns the period containing t. It is a pure function: there is
// no stored "current period" and nothing needs to run at the boundary.
func (c PeriodCalendar) PeriodFor(t time.Time) Period {
	loc := c.loc()
	local := t.In(loc)
	year := local.Year()
	if local.Month() <= time.June {
		return Period{
			ID:    PeriodID(fmt.Sprintf("%d-H1", year)),
			Start: time.Date(year, time.January, 1, 0, 0, 0, 0, loc),
			End:   time.Date(year, time.June, 30, 0, 0, 0, 0, loc),
		}
	}
	return Period{
		ID:    PeriodID(fmt.Sprintf("%d-H2", year)),
		Start: time.Date(year, time.July, 1, 0, 0, 0, 0, loc),
		End:   time.Date(year, time.December, 31, 0, 0, 0, 0, loc),
	}
}

// PeriodIDFor is shorthand for PeriodFor(t).ID.
func (c PeriodCalendar) PeriodIDFor(t time.Time) PeriodID {
	return c.PeriodFor(t).ID
}

// ParsePeriod resolves an id such as "2025-H2" back into its period.
func (c PeriodCalendar) ParsePeriod(id PeriodID) (Period, error) {
	year, half, ok := strings.Cut(string(id), "-")
	if !ok {
		return Period{}, fmt.Errorf("invalid period id %q", id)
	}
	y, err := strconv.Atoi(year)
	if err != nil || y < 1 {
		return Period{}, fmt.Errorf("invalid period id %q", id)
	}
	switch half {
	case "H1":
		return c.PeriodFor(time.Date(y, time.January, 1, 12, 0, 0, 0, c.loc())), nil
	case "H2":
		return c.PeriodFor(time.Date(y, time.July, 1, 12, 0, 0, 0, c.loc())), nil
	}
	return Period{}, fmt.Errorf("invalid period id %q", id)
}
