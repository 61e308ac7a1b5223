package engine

import "time"

// When is the first deadline of a scheduled task.
type When struct {
	at    time.Time
	delay time.Duration
}

// Now runs the task on the next tick.
func Now() When { return When{} }

// In runs the task d after it is scheduled. Negative durations mean now.
func In(d time.Duration) When {
	if d < 0 {
		d = 0
	}
	return When{delay: d}
}

// At runs the task at t. A time in the past means now.
func At(t time.Time) When { return When{at: t} }

func (w When) resolve(now time.Time) time.Time {
	if !w.at.IsZero() {
		if w.at.Before(now) {
			return now
		}
		return w.at
	}
	return now.Add(w.delay)
}
