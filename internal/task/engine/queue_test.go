package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tasksched/internal/eventbus"
	"tasksched/internal/storage"
	"tasksched/internal/task"
	"tasksched/internal/task/trigger"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// env is the application state handed to test tasks.
type env struct {
	mu   sync.Mutex
	runs map[string][]int // kind -> attempts seen

	failTick  atomic.Bool
	failHold  atomic.Bool
	active    atomic.Int64
	maxActive atomic.Int64
	started   chan struct{}
	release   chan struct{}
}

func newEnv() *env {
	return &env{runs: map[string][]int{}, started: make(chan struct{}, 16), release: make(chan struct{})}
}

func (e *env) record(kind string, attempts int) {
	e.mu.Lock()
	e.runs[kind] = append(e.runs[kind], attempts)
	e.mu.Unlock()
}

func (e *env) seen(kind string) []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.runs[kind]...)
}

type pingTask struct {
	task.Base
	Host string `json:"host"`
}

func (*pingTask) Kind() string { return "ping" }
func (p *pingTask) Perform(_ context.Context, rc task.RunContext, e *env) error {
	e.record(p.Kind(), rc.Attempts)
	if rc.Attempts < 2 {
		return task.RetryIn(time.Second)
	}
	return nil
}

type failingTask struct{ task.Base }

func (*failingTask) Kind() string              { return "failing" }
func (*failingTask) MaxAttempts() int          { return 3 }
func (*failingTask) Backoff(int) time.Duration { return 0 }
func (f *failingTask) Perform(_ context.Context, rc task.RunContext, e *env) error {
	e.record(f.Kind(), rc.Attempts)
	return errors.New("boom")
}

type rejectTask struct{ task.Base }

func (*rejectTask) Kind() string { return "reject" }
func (r *rejectTask) Perform(_ context.Context, rc task.RunContext, e *env) error {
	e.record(r.Kind(), rc.Attempts)
	return task.Reject(errors.New("bad input"))
}

type panicTask struct{ task.Base }

func (*panicTask) Kind() string              { return "panic" }
func (*panicTask) MaxAttempts() int          { return 2 }
func (*panicTask) Backoff(int) time.Duration { return 0 }
func (*panicTask) Perform(context.Context, task.RunContext, *env) error {
	panic("kaboom")
}

type tickTask struct{ task.Base }

func (*tickTask) Kind() string              { return "tick" }
func (*tickTask) Trigger() trigger.Trigger  { return trigger.Interval(5 * time.Second) }
func (*tickTask) Backoff(int) time.Duration { return time.Hour }
func (k *tickTask) Perform(_ context.Context, rc task.RunContext, e *env) error {
	e.record(k.Kind(), rc.Attempts)
	if e.failTick.Load() {
		return errors.New("tick failed")
	}
	return nil
}

type slowTask struct {
	task.Base
	Sleep time.Duration `json:"sleep"`
}

func (*slowTask) Kind() string { return "slow" }
func (s *slowTask) Perform(ctx context.Context, rc task.RunContext, e *env) error {
	n := e.active.Add(1)
	defer e.active.Add(-1)
	for {
		m := e.maxActive.Load()
		if n <= m || e.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	select {
	case <-time.After(s.Sleep):
	case <-ctx.Done():
		return ctx.Err()
	}
	e.record(s.Kind(), rc.Attempts)
	return nil
}

type blockTask struct{ task.Base }

func (*blockTask) Kind() string { return "block" }
func (*blockTask) Perform(ctx context.Context, _ task.RunContext, e *env) error {
	e.started <- struct{}{}
	<-ctx.Done()
	return ctx.Err()
}

type orderTask struct {
	task.Base
	Label string        `json:"label"`
	Prio  task.Priority `json:"prio"`
}

func (*orderTask) Kind() string              { return "order" }
func (o *orderTask) Priority() task.Priority { return o.Prio }
func (o *orderTask) Perform(_ context.Context, _ task.RunContext, e *env) error {
	e.record(o.Kind(), int(o.Prio))
	return nil
}

type tempTask struct{ task.Base }

func (*tempTask) Kind() string    { return "temp" }
func (*tempTask) Temporary() bool { return true }
func (*tempTask) Perform(context.Context, task.RunContext, *env) error {
	return nil
}

type hangTask struct{ task.Base }

func (*hangTask) Kind() string              { return "hang" }
func (*hangTask) Timeout() time.Duration    { return 20 * time.Millisecond }
func (*hangTask) Backoff(int) time.Duration { return time.Hour }
func (h *hangTask) Perform(_ context.Context, rc task.RunContext, e *env) error {
	e.record(h.Kind(), rc.Attempts)
	time.Sleep(200 * time.Millisecond)
	return nil
}

// holdTask fails its in-memory run while failHold is set; its persisted
// retry blocks until release is closed.
type holdTask struct{ task.Base }

func (*holdTask) Kind() string              { return "hold" }
func (*holdTask) Trigger() trigger.Trigger  { return trigger.Interval(5 * time.Second) }
func (*holdTask) Backoff(int) time.Duration { return time.Hour }
func (h *holdTask) Perform(ctx context.Context, rc task.RunContext, e *env) error {
	e.record(h.Kind(), rc.Attempts)
	if rc.Periodic {
		e.started <- struct{}{}
		select {
		case <-e.release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if e.failHold.Load() {
		return errors.New("hold failed")
	}
	return nil
}

type ghostTask struct{ task.Base }

func (*ghostTask) Kind() string                                         { return "ghost" }
func (*ghostTask) Perform(context.Context, task.RunContext, *env) error { return nil }

type fixture struct {
	q     *Queue[*env]
	store *storage.Memory
	clock *fakeClock
	env   *env
}

func newFixture(t *testing.T, mutate func(*Settings), opts ...Option) *fixture {
	t.Helper()
	f := &fixture{store: storage.NewMemory(), clock: newFakeClock(), env: newEnv()}
	s := DefaultSettings()
	s.PollInterval = 5 * time.Millisecond
	s.UnhealthyPollInterval = 50 * time.Millisecond
	s.StoreTimeout = time.Second
	if mutate != nil {
		mutate(&s)
	}
	opts = append([]Option{WithClock(f.clock.Now)}, opts...)
	q, err := New(storage.Store(f.store), f.env, s, opts...)
	require.NoError(t, err)
	f.q = q

	q.RegisterTask(func() task.Task[*env] { return &pingTask{} })
	q.RegisterTask(func() task.Task[*env] { return &failingTask{} })
	q.RegisterTask(func() task.Task[*env] { return &rejectTask{} })
	q.RegisterTask(func() task.Task[*env] { return &panicTask{} })
	q.RegisterTask(func() task.Task[*env] { return &tickTask{} })
	q.RegisterTask(func() task.Task[*env] { return &slowTask{} })
	q.RegisterTask(func() task.Task[*env] { return &blockTask{} })
	q.RegisterTask(func() task.Task[*env] { return &orderTask{} })
	q.RegisterTask(func() task.Task[*env] { return &tempTask{} })
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.q.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.q.Shutdown(ctx)
	})
}

func (f *fixture) row(t *testing.T, id string) (storage.Task, bool) {
	t.Helper()
	for _, r := range f.store.Snapshot() {
		if r.ID.String() == id {
			return r, true
		}
	}
	return storage.Task{}, false
}

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

func TestPingRetriesThenCompletes(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	f := newFixture(t, nil, WithEventBus(bus))
	f.start(t)

	ctx := context.Background()
	id, err := f.q.Schedule(ctx, &pingTask{Host: "example.org"}, Now())
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		require.Eventually(t, func() bool {
			r, err := f.store.Get(ctx, id)
			return err == nil && r.Status == task.StatusQueued && r.Attempts == attempt
		}, waitFor, tick, "attempt %d not rescheduled", attempt)

		r, err := f.store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, f.clock.Now().Add(time.Second), r.Deadline)
		f.clock.Advance(time.Second)
	}

	require.Eventually(t, func() bool {
		_, err := f.store.Get(ctx, id)
		return errors.Is(err, storage.ErrNotFound)
	}, waitFor, tick)
	assert.Equal(t, []int{0, 1, 2}, f.env.seen("ping"))

	var types []string
	for len(types) < 6 {
		select {
		case e := <-events:
			types = append(types, e.Type)
		case <-time.After(time.Second):
			t.Fatalf("missing events, got %v", types)
		}
	}
	assert.Equal(t, []string{
		EventStarted, EventRetrying,
		EventStarted, EventRetrying,
		EventStarted, EventCompleted,
	}, types)
}

func TestAlwaysFailingTaskEndsFailed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.start(t)

	ctx := context.Background()
	id, err := f.q.Schedule(ctx, &failingTask{}, Now())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		r, err := f.store.Get(ctx, id)
		return err == nil && r.Status == task.StatusFailed
	}, waitFor, tick)

	r, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, r.Attempts)
	assert.Equal(t, []int{0, 1, 2}, f.env.seen("failing"))
}

func TestRejectedTaskIsDeleted(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.start(t)

	ctx := context.Background()
	id, err := f.q.Schedule(ctx, &rejectTask{}, Now())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := f.store.Get(ctx, id)
		return errors.Is(err, storage.ErrNotFound)
	}, waitFor, tick)
	assert.Equal(t, []int{0}, f.env.seen("reject"))
}

func TestPanicIsRetriedThenFailed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.start(t)

	ctx := context.Background()
	id, err := f.q.Schedule(ctx, &panicTask{}, Now())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		r, err := f.store.Get(ctx, id)
		return err == nil && r.Status == task.StatusFailed
	}, waitFor, tick)
	assert.Equal(t, 0, f.q.RunningTasks())
}

func TestUndecodablePayloadAndUnknownKindAreDropped(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	now := f.clock.Now()

	bad, err := f.store.Insert(ctx, storage.InsertForm{Kind: "ping", Payload: []byte(`[1,2]`), Deadline: now})
	require.NoError(t, err)
	unknown, err := f.store.Insert(ctx, storage.InsertForm{Kind: "ghost", Payload: []byte(`{}`), Deadline: now})
	require.NoError(t, err)

	f.start(t)

	require.Eventually(t, func() bool {
		_, err1 := f.store.Get(ctx, bad.ID)
		_, err2 := f.store.Get(ctx, unknown.ID)
		return errors.Is(err1, storage.ErrNotFound) && errors.Is(err2, storage.ErrNotFound)
	}, waitFor, tick)
	assert.Empty(t, f.env.seen("ping"))
}

func TestScheduleRejections(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.q.Schedule(ctx, &tickTask{}, Now())
	assert.ErrorIs(t, err, ErrRecurringTask)

	_, err = f.q.Schedule(ctx, &ghostTask{}, Now())
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = f.q.ScheduleKind(ctx, "ping", []byte(`{"host":1}`), Now())
	assert.Error(t, err)

	id, err := f.q.ScheduleKind(ctx, "ping", []byte(`{"host":"a"}`), In(time.Minute))
	require.NoError(t, err)
	r, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"host":"a"}`, string(r.Payload))
	assert.Equal(t, f.clock.Now().Add(time.Minute), r.Deadline)
	assert.False(t, r.Periodic)

	f.start(t)
	require.NoError(t, f.q.Shutdown(context.Background()))
	_, err = f.q.Schedule(ctx, &pingTask{}, Now())
	assert.ErrorIs(t, err, ErrStopping)
}

func TestRegistration(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	assert.Panics(t, func() {
		f.q.RegisterTask(func() task.Task[*env] { return &pingTask{} })
	})

	f.start(t)
	assert.Panics(t, func() {
		f.q.RegisterTask(func() task.Task[*env] { return &ghostTask{} })
	})
	assert.ErrorIs(t, f.q.Start(context.Background()), ErrAlreadyStarted)
}

func TestRecurringFiresOnInterval(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.start(t)

	assert.Never(t, func() bool { return len(f.env.seen("tick")) > 0 }, 100*time.Millisecond, tick)

	f.clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return len(f.env.seen("tick")) == 1 }, waitFor, tick)

	st, ok := f.q.tracker.Get("tick")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		d, ok := st.Deadline()
		return ok && !st.Running() && d.Equal(f.clock.Now().Add(5*time.Second))
	}, waitFor, tick)

	assert.Never(t, func() bool { return len(f.env.seen("tick")) > 1 }, 100*time.Millisecond, tick)
}

func TestRecurringFailurePersistsAndBlocks(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.env.failTick.Store(true)
	f.start(t)
	ctx := context.Background()

	f.clock.Advance(5 * time.Second)
	st, ok := f.q.tracker.Get("tick")
	require.True(t, ok)
	require.Eventually(t, st.Blocked, waitFor, tick)

	live, err := f.store.HasLivePeriodic(ctx, "tick")
	require.NoError(t, err)
	assert.True(t, live)

	rows := f.store.Snapshot()
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Periodic)
	assert.Equal(t, 1, rows[0].Attempts)
	assert.Equal(t, f.clock.Now().Add(time.Hour), rows[0].Deadline)

	// Blocked kinds do not fire again on their own.
	f.clock.Advance(10 * time.Second)
	assert.Never(t, func() bool { return len(f.env.seen("tick")) > 1 }, 100*time.Millisecond, tick)

	n, err := f.q.ClearAllWithKind(ctx, "tick")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.False(t, st.Blocked())
	_, scheduled := st.Deadline()
	assert.True(t, scheduled)
}

func TestPersistedRecurringRetryUnblocksOnSuccess(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.env.failTick.Store(true)
	f.start(t)

	f.clock.Advance(5 * time.Second)
	st, _ := f.q.tracker.Get("tick")
	require.Eventually(t, st.Blocked, waitFor, tick)

	f.env.failTick.Store(false)
	f.clock.Advance(time.Hour)
	require.Eventually(t, func() bool { return !st.Blocked() && len(f.store.Snapshot()) == 0 }, waitFor, tick)
	assert.Equal(t, []int{0, 1}, f.env.seen("tick"))
}

func TestStartupBlocksKindsWithLiveRows(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.store.Insert(ctx, storage.InsertForm{
		Kind:     "tick",
		Deadline: f.clock.Now().Add(time.Hour),
		Attempts: 1,
		Periodic: true,
	})
	require.NoError(t, err)

	f.start(t)
	st, ok := f.q.tracker.Get("tick")
	require.True(t, ok)
	assert.True(t, st.Blocked())
	assert.True(t, f.q.Ready())
}

type denyLocker struct{ calls atomic.Int32 }

func (l *denyLocker) TryLock(context.Context, string, time.Duration) (bool, error) {
	l.calls.Add(1)
	return false, nil
}

func TestStartupPurgesTemporaryKinds(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	f := newFixture(t, nil)
	temp, err := f.store.Insert(ctx, storage.InsertForm{Kind: "temp", Deadline: f.clock.Now().Add(time.Hour)})
	require.NoError(t, err)
	keep, err := f.store.Insert(ctx, storage.InsertForm{Kind: "ping", Deadline: f.clock.Now().Add(time.Hour)})
	require.NoError(t, err)
	f.start(t)

	_, err = f.store.Get(ctx, temp.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = f.store.Get(ctx, keep.ID)
	assert.NoError(t, err)

	locker := &denyLocker{}
	g := newFixture(t, nil, WithLocker(locker))
	held, err := g.store.Insert(ctx, storage.InsertForm{Kind: "temp", Deadline: g.clock.Now().Add(time.Hour)})
	require.NoError(t, err)
	g.start(t)

	_, err = g.store.Get(ctx, held.ID)
	assert.NoError(t, err)
	assert.Equal(t, int32(1), locker.calls.Load())
}

func TestConcurrencyBound(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(s *Settings) { s.MaxRunningTasks = 2 })
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		_, err := f.q.Schedule(ctx, &slowTask{Sleep: 30 * time.Millisecond}, Now())
		require.NoError(t, err)
	}
	f.start(t)

	require.Eventually(t, func() bool { return len(f.env.seen("slow")) == 6 }, waitFor, tick)
	assert.LessOrEqual(t, f.env.maxActive.Load(), int64(2))
	assert.Equal(t, int64(2), f.env.maxActive.Load())
	require.Eventually(t, func() bool { return f.q.RunningTasks() == 0 && f.q.PendingTasks() == 0 }, waitFor, tick)
}

func TestDispatchOrderFollowsPriority(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(s *Settings) { s.MaxRunningTasks = 1 })
	ctx := context.Background()
	at := At(f.clock.Now())
	for _, o := range []*orderTask{
		{Label: "low", Prio: task.PriorityLow},
		{Label: "medium", Prio: task.PriorityMedium},
		{Label: "high", Prio: task.PriorityHigh},
	} {
		_, err := f.q.Schedule(ctx, o, at)
		require.NoError(t, err)
	}
	f.start(t)

	require.Eventually(t, func() bool { return len(f.env.seen("order")) == 3 }, waitFor, tick)
	assert.Equal(t, []int{int(task.PriorityHigh), int(task.PriorityMedium), int(task.PriorityLow)}, f.env.seen("order"))
}

func TestWorkerClaimsOnlyItsPartition(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(s *Settings) { s.WorkerID = task.MustWorkerID(2, 2) })
	ctx := context.Background()
	var ids []string
	for i := 0; i < 4; i++ {
		id, err := f.q.Schedule(ctx, &rejectTask{}, Now())
		require.NoError(t, err)
		ids = append(ids, id.String())
	}
	f.start(t)

	require.Eventually(t, func() bool { return len(f.store.Snapshot()) == 2 }, waitFor, tick)
	assert.Never(t, func() bool { return len(f.store.Snapshot()) < 2 }, 50*time.Millisecond, tick)
	for _, r := range f.store.Snapshot() {
		assert.Equal(t, int64(0), r.TaskNumber%2)
		assert.Equal(t, task.StatusQueued, r.Status)
	}
	_, ok := f.row(t, ids[0])
	assert.True(t, ok)
}

func TestGracefulShutdownWaitsForRunningTasks(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.start(t)

	ctx := context.Background()
	id, err := f.q.Schedule(ctx, &slowTask{Sleep: 100 * time.Millisecond}, Now())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.q.RunningTasks() == 1 }, waitFor, tick)

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, f.q.Shutdown(sctx))

	assert.Equal(t, 0, f.q.RunningTasks())
	_, err = f.store.Get(ctx, id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestShutdownTimeoutAborts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.start(t)

	ctx := context.Background()
	id, err := f.q.Schedule(ctx, &blockTask{}, Now())
	require.NoError(t, err)
	select {
	case <-f.env.started:
	case <-time.After(waitFor):
		t.Fatal("task never started")
	}

	sctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.q.Shutdown(sctx), context.DeadlineExceeded)
	assert.Equal(t, 0, f.q.RunningTasks())

	// Aborted executions leave their row for stalled requeue.
	r, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, r.Status)
	assert.Equal(t, 0, r.Attempts)
}

func TestTimedOutTaskIsRetried(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.q.RegisterTask(func() task.Task[*env] { return &hangTask{} })
	f.start(t)

	ctx := context.Background()
	id, err := f.q.Schedule(ctx, &hangTask{}, Now())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		r, err := f.store.Get(ctx, id)
		return err == nil && r.Status == task.StatusQueued && r.Attempts == 1
	}, waitFor, tick)

	r, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(time.Hour), r.Deadline)
	assert.Equal(t, []int{0}, f.env.seen("hang"))
}

// flakyStore fails every claim while failing is set.
type flakyStore struct {
	storage.Store
	failing atomic.Bool
	claims  atomic.Int32
}

func (s *flakyStore) ClaimPending(ctx context.Context, worker task.WorkerID, maxAttempts int, now time.Time, limit int) ([]storage.Task, error) {
	s.claims.Add(1)
	if s.failing.Load() {
		return nil, errors.New("connection refused")
	}
	return s.Store.ClaimPending(ctx, worker, maxAttempts, now, limit)
}

func TestFailingTicksSlowDownPolling(t *testing.T) {
	t.Parallel()

	store := &flakyStore{Store: storage.NewMemory()}
	store.failing.Store(true)

	s := DefaultSettings()
	s.PollInterval = 5 * time.Millisecond
	s.UnhealthyPollInterval = 300 * time.Millisecond
	s.MaxConsecutiveErrors = 2
	q, err := New(storage.Store(store), newEnv(), s)
	require.NoError(t, err)
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = q.Shutdown(ctx)
	})

	// Two fast failures, then one tick per unhealthy interval.
	time.Sleep(450 * time.Millisecond)
	failed := store.claims.Load()
	assert.GreaterOrEqual(t, failed, int32(2))
	assert.LessOrEqual(t, failed, int32(4))

	store.failing.Store(false)
	require.Eventually(t, func() bool { return store.claims.Load() >= failed+20 }, waitFor, tick)
}

func TestStalledRowIsRequeuedAndRunAgain(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	row, err := f.store.Insert(ctx, storage.InsertForm{Kind: "reject", Deadline: f.clock.Now()})
	require.NoError(t, err)

	// A worker claimed the row and died.
	claimed, err := f.store.ClaimPending(ctx, task.OneWorker, 5, f.clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	f.start(t)
	assert.Never(t, func() bool { return len(f.env.seen("reject")) > 0 }, 100*time.Millisecond, tick)
	r, err := f.store.Get(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, r.Status)

	f.clock.Advance(f.q.Settings().StalledThreshold + time.Second)
	require.Eventually(t, func() bool { return len(f.env.seen("reject")) == 1 }, waitFor, tick)
	require.Eventually(t, func() bool {
		_, err := f.store.Get(ctx, row.ID)
		return errors.Is(err, storage.ErrNotFound)
	}, waitFor, tick)
	assert.Equal(t, []int{0}, f.env.seen("reject"))
}

func TestClearedKindWaitsForItsRunningRow(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.q.RegisterTask(func() task.Task[*env] { return &holdTask{} })
	f.env.failHold.Store(true)
	f.start(t)
	ctx := context.Background()

	f.clock.Advance(5 * time.Second)
	st, ok := f.q.tracker.Get("hold")
	require.True(t, ok)
	require.Eventually(t, func() bool { return st.Blocked() && !st.Running() }, waitFor, tick)
	f.env.failHold.Store(false)

	f.clock.Advance(time.Hour)
	select {
	case <-f.env.started:
	case <-time.After(waitFor):
		t.Fatal("persisted retry never started")
	}

	n, err := f.q.ClearAllWithKind(ctx, "hold")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.False(t, st.Blocked())
	assert.True(t, st.Running())

	f.clock.Advance(10 * time.Second)
	assert.Never(t, func() bool { return len(f.env.seen("hold")) > 2 }, 100*time.Millisecond, tick)

	close(f.env.release)
	require.Eventually(t, func() bool { return len(f.env.seen("hold")) == 3 }, waitFor, tick)
	assert.Equal(t, []int{0, 1, 0}, f.env.seen("hold"))
}

func TestAbortWaitsForRunner(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.start(t)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.q.Schedule(ctx, &blockTask{}, Now())
		require.NoError(t, err)
	}
	select {
	case <-f.env.started:
	case <-time.After(waitFor):
		t.Fatal("task never started")
	}

	f.q.Abort()
	assert.Equal(t, 0, f.q.RunningTasks())
	assert.Equal(t, 0, f.q.PendingTasks())
	stats := f.q.RunnerStats()
	require.NotEmpty(t, stats)
	for _, st := range stats {
		assert.Zero(t, st.Active, st.Name)
	}
	_, err := f.q.Schedule(ctx, &pingTask{}, Now())
	assert.ErrorIs(t, err, ErrStopping)
}

func TestDeleteQueuedAndClearAll(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()

	id, err := f.q.Schedule(ctx, &pingTask{}, In(time.Hour))
	require.NoError(t, err)
	ok, err := f.q.DeleteQueued(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.q.DeleteQueued(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	for i := 0; i < 3; i++ {
		_, err := f.q.Schedule(ctx, &pingTask{}, In(time.Hour))
		require.NoError(t, err)
	}
	_, err = f.q.ClearAllWithStatus(ctx, task.Status("nope"))
	assert.Error(t, err)
	n, err := f.q.ClearAllWithStatus(ctx, task.StatusQueued)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, err = f.q.Schedule(ctx, &pingTask{}, In(time.Hour))
	require.NoError(t, err)
	n, err = f.q.ClearAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestHandle(t *testing.T) {
	t.Parallel()

	h := NewHandle[*env]()
	_, err := h.Schedule(context.Background(), &pingTask{}, Now())
	assert.ErrorIs(t, err, ErrNotRunning)

	f := newFixture(t, nil)
	h.Set(f.q)
	assert.Same(t, f.q, h.Get())
	id, err := h.Schedule(context.Background(), &pingTask{}, In(time.Hour))
	require.NoError(t, err)
	_, err = f.store.Get(context.Background(), id)
	assert.NoError(t, err)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		err      error
		timedOut bool
		want     Action
	}{
		{"nil", nil, false, Action{Kind: Completed}},
		{"rejected", task.Reject(errors.New("x")), false, Action{Kind: Delete}},
		{"retry in", task.RetryIn(3 * time.Second), false, Action{Kind: RetryIn, Delay: 3 * time.Second}},
		{"wrapped retry after", errors.Join(errors.New("ctx"), task.RetryAfter(errors.New("429"), time.Minute)), false, Action{Kind: RetryIn, Delay: time.Minute}},
		{"plain error", errors.New("boom"), false, Action{Kind: RetryOnError}},
		{"timed out", errors.New("deadline"), true, Action{Kind: RetryOnTimedOut}},
		{"timed out wins over nil", nil, true, Action{Kind: RetryOnTimedOut}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err, tc.timedOut))
		})
	}
}

func TestWhen(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, now, Now().resolve(now))
	assert.Equal(t, now.Add(time.Minute), In(time.Minute).resolve(now))
	assert.Equal(t, now, In(-time.Minute).resolve(now))
	assert.Equal(t, now.Add(time.Hour), At(now.Add(time.Hour)).resolve(now))
	assert.Equal(t, now, At(now.Add(-time.Hour)).resolve(now))
}

func TestSettingsValidate(t *testing.T) {
	t.Parallel()

	s := Settings{}.withDefaults()
	assert.Equal(t, DefaultSettings(), s)
	require.NoError(t, s.Validate())

	s.UnhealthyPollInterval = s.PollInterval / 2
	assert.Error(t, s.Validate())

	_, err := New(storage.Store(storage.NewMemory()), newEnv(), Settings{WorkerID: task.WorkerID{Assigned: 3, Total: 2}})
	assert.ErrorIs(t, err, task.ErrInvalidWorkerID)
}
