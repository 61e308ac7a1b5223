package trigger

import (
	"testing"
	"time"
)

var t0 = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func TestNoneNeverFires(t *testing.T) {
	t.Parallel()
	if _, ok := None().Upcoming(t0); ok {
		t.Fatal("None fired")
	}
	if None().IsRecurring() {
		t.Fatal("None must not be recurring")
	}
	var zero Trigger
	if _, ok := zero.Upcoming(t0); ok {
		t.Fatal("zero trigger fired")
	}
}

func TestIntervalExact(t *testing.T) {
	t.Parallel()
	for _, d := range []time.Duration{time.Nanosecond, 5 * time.Second, 90 * time.Minute, 49 * time.Hour} {
		got, ok := Interval(d).Upcoming(t0)
		if !ok || !got.Equal(t0.Add(d)) {
			t.Fatalf("Interval(%s).Upcoming = %v, %v; want %v", d, got, ok, t0.Add(d))
		}
	}
	if Interval(0).IsRecurring() {
		t.Fatal("zero interval must not recur")
	}
}

func TestCronStrictlyAfterNow(t *testing.T) {
	t.Parallel()
	tr, err := Cron("0 * * * *")
	if err != nil {
		t.Fatalf("Cron: %v", err)
	}
	// t0 itself matches; the next occurrence must be an hour later.
	got, ok := tr.Upcoming(t0)
	if !ok || !got.Equal(t0.Add(time.Hour)) {
		t.Fatalf("Upcoming = %v, want %v", got, t0.Add(time.Hour))
	}
	got, _ = tr.Upcoming(t0.Add(-time.Second))
	if !got.Equal(t0) {
		t.Fatalf("Upcoming = %v, want %v", got, t0)
	}
}

func TestCronWithSeconds(t *testing.T) {
	t.Parallel()
	tr := MustCron("*/15 * * * * *")
	got, ok := tr.Upcoming(t0.Add(3 * time.Second))
	if !ok || !got.Equal(t0.Add(15*time.Second)) {
		t.Fatalf("Upcoming = %v", got)
	}
}

func TestCronInvalid(t *testing.T) {
	t.Parallel()
	if _, err := Cron("61 * * * *"); err == nil {
		t.Fatal("expected error for invalid minute")
	}
	if _, err := Cron("  "); err == nil {
		t.Fatal("expected error for empty expression")
	}
}

func TestMultipleEarliest(t *testing.T) {
	t.Parallel()
	a := Interval(10 * time.Minute)
	b := MustCron("5 12 * * *") // 12:05
	m := Multiple(a, b, None())

	got, ok := m.Upcoming(t0)
	if !ok || !got.Equal(t0.Add(5*time.Minute)) {
		t.Fatalf("Upcoming = %v, want 12:05", got)
	}
	if !m.IsRecurring() {
		t.Fatal("Multiple with recurring subs must recur")
	}

	ae, _ := a.Upcoming(t0)
	be, _ := b.Upcoming(t0)
	want := ae
	if be.Before(want) {
		want = be
	}
	if !got.Equal(want) {
		t.Fatalf("Multiple != min(sub triggers)")
	}
}

func TestMultipleAllNone(t *testing.T) {
	t.Parallel()
	m := Multiple(None(), None())
	if _, ok := m.Upcoming(t0); ok {
		t.Fatal("all-None Multiple fired")
	}
	if m.IsRecurring() {
		t.Fatal("all-None Multiple must not recur")
	}
}

func TestParseVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		raw   string
		kind  Kind
		every time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: KindCron},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: KindCron},
		{name: "descriptor", raw: "@hourly", kind: KindCron},
		{name: "duration", raw: "10m", kind: KindInterval, every: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: KindInterval, every: 45 * time.Second},
		{name: "every", raw: "every:02:00", kind: KindInterval, every: 2 * time.Hour},
		{name: "hhmm", raw: "01:30", kind: KindInterval, every: 90 * time.Minute},
		{name: "none", raw: "none", kind: KindNone},
		{name: "multiple", raw: "30s | @daily", kind: KindMultiple},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Parse(tt.raw)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.raw, err)
			}
			if got.Kind() != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind(), tt.kind)
			}
			if tt.kind == KindInterval {
				next, _ := got.Upcoming(t0)
				if next.Sub(t0) != tt.every {
					t.Fatalf("every = %v, want %v", next.Sub(t0), tt.every)
				}
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"not-a-schedule", "every:-5s", "00:00", "cron:", "5m |"} {
		if _, err := Parse(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestString(t *testing.T) {
	t.Parallel()
	m := Multiple(Interval(time.Minute), MustCron("@daily"))
	if got := m.String(); got != "every:1m0s | cron:@daily" {
		t.Fatalf("String = %q", got)
	}
}
