/*
streak.go - Consecutive-day activity streaks

STATES:
  NoActivity       LastActivity == nil
  ActiveStreak(n)  LastActivity is today or yesterday, Current == n
  BrokenStreak     LastActivity older than yesterday. Transient: the next
                   qualifying activity resets to ActiveStreak(1).

TRANSITION on a qualifying activity dated today:
  last == today       -> no change (already counted, idempotent)
  last == today - 1   -> Current+1, Longest = max(Longest, Current)
  otherwise           -> Current = 1
  LastActivity = today on every non-duplicate update.

DAY BOUNDARY:
  "today" is a UTC calendar Day computed once per call by the engine clock.
*/
package generic

// StreakState is the streak slice of a UserAggregate.
type StreakState struct {
	Current      int
	Longest      int
	LastActivity *Day
}

// AdvanceStreak applies a qualifying activity on today. changed is false when
// the activity was already counted today.
func AdvanceStreak(s StreakState, today Day) (StreakState, bool) {
	if s.LastActivity != nil {
		switch DaysBetween(*s.LastActivity, today) {
		case 0:
			return s, false
		case 1:
			s.Current++
		default:
			// gap of 2+ days, or a clock that moved backwards
			if s.LastActivity.After(today) {
				return s, false
			}
			s.Current = 1
		}
	} else {
		s.Current = 1
	}
	if s.Current > s.Longest {
		s.Longest = s.Current
	}
	d := today
	s.LastActivity = &d
	return s, true
}

// EffectiveStreak is the streak shown on read: a streak whose last activity
// is older than yesterday is broken and reads as zero.
func EffectiveStreak(s StreakState, today Day) int {
	if s.LastActivity == nil {
		return 0
	}
	if gap := DaysBetween(*s.LastActivity, today); gap > 1 {
		return 0
	}
	return s.Current
}
