package generic

import (
	"fmt"
	"time"
)

// =============================================================================
// DAY - Calendar day with no time component (UTC reference)
// =============================================================================

// Day is a calendar date. Streak logic compares Days, never instants, so the
// timezone decision is made once: the engine converts "now" to a UTC Day.
type Day struct {
	Year  int
	Month time.Month
	Dom   int
}

const dayLayout = "2006-01-02"

func NewDay(year int, month time.Month, dom int) Day {
	return DayOf(time.Date(year, month, dom, 0, 0, 0, 0, time.UTC))
}

// DayOf returns the UTC calendar day containing t.
func DayOf(t time.Time) Day {
	u := t.UTC()
	return Day{Year: u.Year(), Month: u.Month(), Dom: u.Day()}
}

// ParseDay parses YYYY-MM-DD.
func ParseDay(s string) (Day, error) {
	t, err := time.Parse(dayLayout, s)
	if err != nil {
		return Day{}, fmt.Errorf("invalid day %q: %w", s, err)
	}
	return DayOf(t), nil
}

func (d Day) Time() time.Time { return time.Date(d.Year, d.Month, d.Dom, 0, 0, 0, 0, time.UTC) }
func (d Day) String() string { return d.Time().Format(dayLayout) }

func (d Day) AddDays(n int) Day { return DayOf(d.Time().AddDate(0, 0, n)) }
func (d Day) After(other Day) bool { return d.Time().After(other.Time()) }

// DaysBetween returns the whole number of days from -> to (negative if to is earlier).
func DaysBetween(from, to Day) int {
	return int(to.Time().Sub(from.Time()).Hours() / 24)
}

// Clock returns the current instant. Tests inject a fixed clock.
type Clock func() time.Time

// SystemClock is the default clock.
func SystemClock() time.Time { return time.Now().UTC() }

// FixedClock returns a clock stuck at t.
func FixedClock(t time.Time) Clock {
	return func() time.Time { return t }
}
