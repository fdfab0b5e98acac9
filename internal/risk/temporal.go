package risk

import "time"

// Clock returns the current time. Tests inject a fixed one.
type Clock func() time.Time

// SystemClock is the wall clock.
func SystemClock() time.Time { return time.Now() }

const (
	fridayMultiplier     = 1.3
	monthEndMultiplier   = 1.2
	quarterEndMultiplier = 1.5
)

// TemporalMultiplier returns the deployment-window multiplier for t and the
// reasons that applied. Factors compose multiplicatively:
//
//	Friday from 16:00            x1.3
//	last three days of a month   x1.2
//	... of Mar, Jun, Sep or Dec  x1.5 more
func TemporalMultiplier(t time.Time) (float64, []string) {
	m := 1.0
	var reasons []string

	if t.Weekday() == time.Friday && t.Hour() >= 16 {
		m *= fridayMultiplier
		reasons = append(reasons, "late Friday deployment window")
	}

	// Day 0 of the next month is the last day of this one.
	last := time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
	if t.Day() > last-3 {
		m *= monthEndMultiplier
		reasons = append(reasons, "month-end")
		if t.Month()%3 == 0 {
			m *= quarterEndMultiplier
			reasons = append(reasons, "quarter-end")
		}
	}
	return m, reasons
}
