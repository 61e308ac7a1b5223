package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tasksched/internal/task"
	"tasksched/internal/task/trigger"
)

type appState struct{}

type pingTask struct {
	task.Base
	Host string `json:"host"`
}

func (*pingTask) Kind() string                                             { return "ping" }
func (*pingTask) Priority() task.Priority                                  { return task.PriorityHigh }
func (*pingTask) Temporary() bool                                          { return true }
func (*pingTask) Perform(context.Context, task.RunContext, appState) error { return nil }

type tickTask struct{ task.Base }

func (*tickTask) Kind() string                                             { return "tick" }
func (*tickTask) Trigger() trigger.Trigger                                 { return trigger.Interval(5 * time.Second) }
func (*tickTask) Perform(context.Context, task.RunContext, appState) error { return nil }

func newRegistry(t *testing.T) *Registry[appState] {
	t.Helper()
	r := New[appState]()
	r.Register(func() task.Task[appState] { return &pingTask{} })
	r.Register(func() task.Task[appState] { return &tickTask{} })
	return r
}

func TestRegisterAndFind(t *testing.T) {
	t.Parallel()
	r := newRegistry(t)

	it, ok := r.Find("ping")
	require.True(t, ok)
	assert.Equal(t, "ping", it.Kind)
	assert.Equal(t, "pingTask", it.Name)
	assert.Equal(t, task.PriorityHigh, it.Priority)
	assert.True(t, it.Temporary)
	assert.False(t, it.Recurring())

	_, ok = r.Find("missing")
	assert.False(t, ok)

	kinds := []string{}
	for _, it := range r.All() {
		kinds = append(kinds, it.Kind)
	}
	assert.Equal(t, []string{"ping", "tick"}, kinds)
	assert.Equal(t, []string{"ping"}, r.TemporaryKinds())
}

func TestRegisterDuplicatePanics(t *testing.T) {
	t.Parallel()
	r := newRegistry(t)
	assert.PanicsWithValue(t, `registry: task kind "ping" registered twice`, func() {
		r.Register(func() task.Task[appState] { return &pingTask{} })
	})
}

func TestRegisterAfterSealPanics(t *testing.T) {
	t.Parallel()
	r := New[appState]()
	r.Seal()
	assert.Panics(t, func() {
		r.Register(func() task.Task[appState] { return &pingTask{} })
	})
	assert.Equal(t, 0, r.Len())
}

func TestDecode(t *testing.T) {
	t.Parallel()
	r := newRegistry(t)
	it, _ := r.Find("ping")

	tk, err := it.Decode([]byte(`{"host":"example.org"}`))
	require.NoError(t, err)
	assert.Equal(t, "example.org", tk.(*pingTask).Host)

	tk, err = it.Decode([]byte("null"))
	require.NoError(t, err)
	assert.Empty(t, tk.(*pingTask).Host)

	_, err = it.Decode([]byte(`{"host":`))
	assert.Error(t, err)
}

func TestTrackerIntervalDue(t *testing.T) {
	t.Parallel()
	tr := NewTracker(newRegistry(t))
	require.Equal(t, 1, tr.Len())

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	st, ok := tr.Get("tick")
	require.True(t, ok)
	st.Init(now, false)

	assert.Empty(t, tr.Due(now.Add(time.Second)))
	due := tr.Due(now.Add(5 * time.Second))
	require.Len(t, due, 1)
	assert.Equal(t, "tick", due[0].Kind)
}

func TestBlockedNeverDue(t *testing.T) {
	t.Parallel()
	tr := NewTracker(newRegistry(t))
	st, _ := tr.Get("tick")

	now := time.Now()
	st.Init(now, true)
	assert.True(t, st.Blocked())
	_, has := st.Deadline()
	assert.False(t, has)

	for _, d := range []time.Duration{0, time.Second, time.Hour, 24 * 365 * time.Hour} {
		assert.Empty(t, tr.Due(now.Add(d)))
	}

	st.Reschedule(now)
	assert.Empty(t, tr.Due(now.Add(time.Hour)))

	st.Unblock(now)
	assert.Len(t, tr.Due(now.Add(5*time.Second)), 1)
}

func TestRunningGuard(t *testing.T) {
	t.Parallel()
	tr := NewTracker(newRegistry(t))
	st, _ := tr.Get("tick")
	now := time.Now()
	st.Init(now, false)

	g, ok := st.AcquireRunning()
	require.True(t, ok)
	_, again := st.AcquireRunning()
	assert.False(t, again)
	assert.Empty(t, tr.Due(now.Add(time.Minute)), "running kind must not be due")

	g.Release()
	g.Release()
	assert.False(t, st.Running())
	assert.Len(t, tr.Due(now.Add(time.Minute)), 1)
}

func TestRunningGuardReleasedOnPanic(t *testing.T) {
	t.Parallel()
	tr := NewTracker(newRegistry(t))
	st, _ := tr.Get("tick")

	func() {
		defer func() { _ = recover() }()
		g, ok := st.AcquireRunning()
		require.True(t, ok)
		defer g.Release()
		panic("boom")
	}()

	assert.False(t, st.Running())
}
