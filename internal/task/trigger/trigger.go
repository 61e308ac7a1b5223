package trigger

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind describes the shape of a Trigger.
type Kind int

const (
	KindNone Kind = iota
	KindCron
	KindInterval
	KindMultiple
)

// parser accepts 5 or 6 field expressions and descriptors like "@hourly".
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Trigger is a recurrence descriptor. The zero value never recurs.
//
// Upcoming takes the reference time explicitly, so a Trigger never reads the
// clock itself.
type Trigger struct {
	kind     Kind
	expr     string
	schedule cron.Schedule
	every    time.Duration
	subs     []Trigger
}

// None returns a trigger that never fires.
func None() Trigger { return Trigger{} }

// Cron parses a cron expression. An invalid expression is an error.
func Cron(expr string) (Trigger, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Trigger{}, fmt.Errorf("cron expression required")
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return Trigger{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return Trigger{kind: KindCron, expr: expr, schedule: sched}, nil
}

// MustCron is Cron for package-level task definitions; it panics on error.
func MustCron(expr string) Trigger {
	t, err := Cron(expr)
	if err != nil {
		panic(err)
	}
	return t
}

// Interval fires every d. A non-positive d never fires.
func Interval(d time.Duration) Trigger {
	if d <= 0 {
		return Trigger{}
	}
	return Trigger{kind: KindInterval, every: d}
}

// Multiple fires at the earliest occurrence of any sub-trigger.
func Multiple(ts ...Trigger) Trigger {
	subs := make([]Trigger, 0, len(ts))
	for _, t := range ts {
		if t.kind == KindMultiple {
			subs = append(subs, t.subs...)
			continue
		}
		subs = append(subs, t)
	}
	return Trigger{kind: KindMultiple, subs: subs}
}

func (t Trigger) Kind() Kind { return t.kind }

// IsRecurring reports whether the trigger can ever fire.
func (t Trigger) IsRecurring() bool {
	switch t.kind {
	case KindCron, KindInterval:
		return true
	case KindMultiple:
		for _, s := range t.subs {
			if s.IsRecurring() {
				return true
			}
		}
	}
	return false
}

// Upcoming returns the next occurrence after now.
//
//   - None never fires.
//   - Cron returns the first matching instant strictly after now.
//   - Interval returns now + d.
//   - Multiple returns the earliest sub-trigger occurrence.
func (t Trigger) Upcoming(now time.Time) (time.Time, bool) {
	switch t.kind {
	case KindCron:
		if t.schedule == nil {
			return time.Time{}, false
		}
		next := t.schedule.Next(now)
		if next.IsZero() {
			return time.Time{}, false
		}
		return next, true
	case KindInterval:
		return now.Add(t.every), true
	case KindMultiple:
		var (
			best  time.Time
			found bool
		)
		for _, s := range t.subs {
			next, ok := s.Upcoming(now)
			if !ok {
				continue
			}
			if !found || next.Before(best) {
				best, found = next, true
			}
		}
		return best, found
	default:
		return time.Time{}, false
	}
}

func (t Trigger) String() string {
	switch t.kind {
	case KindCron:
		return "cron:" + t.expr
	case KindInterval:
		return "every:" + t.every.String()
	case KindMultiple:
		parts := make([]string, 0, len(t.subs))
		for _, s := range t.subs {
			parts = append(parts, s.String())
		}
		return strings.Join(parts, " | ")
	default:
		return "none"
	}
}
