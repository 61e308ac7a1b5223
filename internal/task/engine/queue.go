package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"tasksched/internal/eventbus"
	rtsup "tasksched/internal/runtime/supervisor"
	"tasksched/internal/storage"
	"tasksched/internal/task"
	"tasksched/internal/task/registry"
	logx "tasksched/pkg/logx"
)

// Locker is a cross-process lock. The startup purge of temporary kinds runs
// only on the worker that takes it.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// PurgeLockKey is the Locker key taken before purging temporary kinds.
const PurgeLockKey = "tasksched:purge-temporary"

type Option func(*options)

type options struct {
	log    logx.Logger
	bus    eventbus.Bus
	reg    prometheus.Registerer
	locker Locker
	now    func() time.Time
}

func WithLogger(log logx.Logger) Option { return func(o *options) { o.log = log } }

// WithEventBus publishes task lifecycle events on bus.
func WithEventBus(bus eventbus.Bus) Option { return func(o *options) { o.bus = bus } }

// WithRegisterer registers the queue metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option { return func(o *options) { o.reg = reg } }

func WithLocker(l Locker) Option { return func(o *options) { o.locker = l } }

// WithClock replaces time.Now for deadlines and claims.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// Queue schedules and runs tasks of application state S against a shared
// store. Several processes may run a Queue on the same store, each with its
// own WorkerID.
type Queue[S any] struct {
	settings Settings
	store    storage.Store
	state    S
	registry *registry.Registry[S]

	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics
	locker  Locker
	now     func() time.Time

	mu       sync.Mutex
	started  bool
	stopping bool
	stopCh   chan struct{}
	sup      *rtsup.Supervisor
	mgr      *manager
	tracker  *registry.Tracker

	setupDone     atomic.Bool
	batchInFlight atomic.Bool
}

// New creates a queue. Register task kinds with RegisterTask before Start.
func New[S any](store storage.Store, state S, settings Settings, opts ...Option) (*Queue[S], error) {
	if store == nil {
		return nil, errors.New("task queue: store is required")
	}
	settings = settings.withDefaults()
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("task queue settings: %w", err)
	}

	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	if o.now == nil {
		o.now = time.Now
	}

	return &Queue[S]{
		settings: settings,
		store:    store,
		state:    state,
		registry: registry.New[S](),
		log:      o.log.With(logx.String("comp", "queue"), logx.Stringer("worker", settings.WorkerID)),
		bus:      o.bus,
		metrics:  newMetrics(o.reg),
		locker:   o.locker,
		now:      o.now,
	}, nil
}

// RegisterTask adds a task kind. It panics on a duplicate kind or when the
// queue has already started.
func (q *Queue[S]) RegisterTask(newTask func() task.Task[S]) {
	it := q.registry.Register(newTask)
	q.log.Debug("task registered", logx.String("kind", it.Kind), logx.String("name", it.Name),
		logx.Stringer("trigger", it.Trigger), logx.Bool("temporary", it.Temporary))
}

func (q *Queue[S]) Registry() *registry.Registry[S] { return q.registry }

func (q *Queue[S]) Settings() Settings { return q.settings }

// Schedule persists t to run at when. Recurring kinds are rejected since they
// schedule themselves.
func (q *Queue[S]) Schedule(ctx context.Context, t task.Task[S], when When) (uuid.UUID, error) {
	if t == nil {
		return uuid.Nil, errors.New("schedule: nil task")
	}
	it, ok := q.registry.Find(t.Kind())
	if !ok {
		return uuid.Nil, fmt.Errorf("schedule %q: %w", t.Kind(), ErrUnknownKind)
	}
	if it.Recurring() {
		return uuid.Nil, fmt.Errorf("schedule %q: %w", t.Kind(), ErrRecurringTask)
	}
	q.mu.Lock()
	stopping := q.stopping
	q.mu.Unlock()
	if stopping {
		return uuid.Nil, ErrStopping
	}

	payload, err := json.Marshal(t)
	if err != nil {
		return uuid.Nil, fmt.Errorf("schedule %q: encode payload: %w", t.Kind(), err)
	}
	row, err := q.store.Insert(ctx, storage.InsertForm{
		Kind:     it.Kind,
		Payload:  payload,
		Deadline: when.resolve(q.now()),
		Priority: t.Priority(),
		Status:   task.StatusQueued,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("schedule %q: %w", t.Kind(), err)
	}
	q.log.Debug("task scheduled", logx.String("kind", row.Kind), logx.String("id", row.ID.String()),
		logx.Time("deadline", row.Deadline))
	return row.ID, nil
}

// ScheduleKind decodes payload as a task of kind and schedules it.
func (q *Queue[S]) ScheduleKind(ctx context.Context, kind string, payload json.RawMessage, when When) (uuid.UUID, error) {
	it, ok := q.registry.Find(kind)
	if !ok {
		return uuid.Nil, fmt.Errorf("schedule %q: %w", kind, ErrUnknownKind)
	}
	t, err := it.Decode(payload)
	if err != nil {
		return uuid.Nil, err
	}
	return q.Schedule(ctx, t, when)
}

// Start seals the registry, runs startup setup and launches the runner.
//
// Setup purges rows of temporary kinds and rebuilds the recurring state from
// the store. When the store is unreachable, Start still succeeds and the
// runner retries setup on every tick.
func (q *Queue[S]) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return ErrAlreadyStarted
	}
	q.started = true
	q.registry.Seal()
	q.tracker = registry.NewTracker(q.registry)
	q.mgr = newManager(q.settings.MaxRunningTasks, func(running, pending int64) {
		q.metrics.running.Set(float64(running))
		q.metrics.pending.Set(float64(pending))
	})
	q.stopCh = make(chan struct{})
	stopCh := q.stopCh
	q.sup = rtsup.NewSupervisor(context.WithoutCancel(ctx),
		rtsup.WithLogger(q.log.With(logx.String("comp", "runner"))),
		rtsup.WithCancelOnError(false),
	)
	sup := q.sup
	q.mu.Unlock()

	if err := q.setup(ctx); err != nil {
		q.log.Warn("queue setup failed, retrying from runner", logx.Err(err))
	}

	sup.GoRestart("runner", func(c context.Context) error {
		q.run(c, stopCh)
		select {
		case <-stopCh:
			return context.Canceled
		default:
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("runner exited unexpectedly")
	}, rtsup.WithPublishFirstError(true))

	q.log.Info("task queue started",
		logx.Int("kinds", q.registry.Len()),
		logx.Int("recurring", q.tracker.Len()),
		logx.Int("max_running_tasks", q.settings.MaxRunningTasks),
		logx.Int("batch", q.settings.QueuedTasksPerBatch),
	)
	return nil
}

// setup runs once per process before anything is claimed.
func (q *Queue[S]) setup(ctx context.Context) error {
	if q.setupDone.Load() {
		return nil
	}
	now := q.now()

	if kinds := q.registry.TemporaryKinds(); len(kinds) > 0 && q.takePurgeLock(ctx) {
		n, err := q.store.DeleteTemporary(ctx, kinds)
		if err != nil {
			return fmt.Errorf("purge temporary tasks: %w", err)
		}
		q.log.Info("temporary tasks purged", logx.Int64("rows", n), logx.Any("kinds", kinds))
	}

	for _, st := range q.tracker.States() {
		live, err := q.store.HasLivePeriodic(ctx, st.Kind)
		if err != nil {
			return fmt.Errorf("load recurring state %q: %w", st.Kind, err)
		}
		st.Init(now, live)
		next, _ := st.Deadline()
		q.log.Debug("recurring task initialized", logx.String("kind", st.Kind), logx.Bool("blocked", live), logx.Time("deadline", next))
	}

	q.setupDone.Store(true)
	q.log.Info("task queue setup done")
	return nil
}

func (q *Queue[S]) takePurgeLock(ctx context.Context) bool {
	if q.locker == nil {
		return true
	}
	ok, err := q.locker.TryLock(ctx, PurgeLockKey, q.settings.PurgeLockTTL)
	if err != nil {
		q.log.Warn("purge lock unavailable, purging anyway", logx.Err(err))
		return true
	}
	if !ok {
		q.log.Info("temporary tasks purge skipped: another worker holds the lock")
	}
	return ok
}

// Shutdown stops claiming and waits for in-flight tasks. When ctx expires
// first, it escalates to Abort and returns ctx's error.
func (q *Queue[S]) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return ErrNotStarted
	}
	if !q.stopping {
		q.stopping = true
		close(q.stopCh)
	}
	sup, mgr := q.sup, q.mgr
	q.mu.Unlock()

	q.log.Info("task queue shutting down", logx.Int64("running", mgr.running.Load()), logx.Int64("pending", mgr.pending.Load()))
	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		q.Abort()
		return ctx.Err()
	}
	if err := mgr.waitIdle(ctx); err != nil {
		q.log.Warn("graceful shutdown timed out, aborting", logx.Int64("running", mgr.running.Load()))
		q.Abort()
		return err
	}
	mgr.wg.Wait()
	sup.Cancel()
	q.log.Info("task queue stopped")
	return nil
}

// Abort cancels every in-flight execution and permit wait. Aborted
// executions leave their rows running; stalled requeue picks them up later.
func (q *Queue[S]) Abort() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	if !q.stopping {
		q.stopping = true
		close(q.stopCh)
	}
	sup, mgr := q.sup, q.mgr
	q.mu.Unlock()

	mgr.abort()
	sup.Cancel()
	// No tick may dispatch once mgr.wg is being waited on.
	wctx, cancel := context.WithTimeout(context.Background(), q.settings.StoreTimeout)
	if err := sup.Wait(wctx); err != nil && wctx.Err() != nil {
		q.log.Warn("runner did not exit after abort", logx.Err(err))
	}
	cancel()
	mgr.wg.Wait()
	q.log.Warn("task queue aborted")
}

// RunningTasks is the number of executions in progress in this process.
func (q *Queue[S]) RunningTasks() int {
	q.mu.Lock()
	mgr := q.mgr
	q.mu.Unlock()
	if mgr == nil {
		return 0
	}
	return int(mgr.running.Load())
}

// PendingTasks is the number of tasks waiting for a permit.
func (q *Queue[S]) PendingTasks() int {
	q.mu.Lock()
	mgr := q.mgr
	q.mu.Unlock()
	if mgr == nil {
		return 0
	}
	return int(mgr.pending.Load())
}

// Ready reports whether startup setup has completed.
func (q *Queue[S]) Ready() bool { return q.setupDone.Load() }

// RunnerStats reports the runner goroutine. It is empty before Start.
func (q *Queue[S]) RunnerStats() []rtsup.Stats {
	q.mu.Lock()
	sup := q.sup
	q.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Snapshot()
}

// DeleteQueued deletes one task. Deleting a periodic row lets its kind
// schedule itself again.
func (q *Queue[S]) DeleteQueued(ctx context.Context, id uuid.UUID) (bool, error) {
	row, err := q.store.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	ok, err := q.store.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	if ok && row.Periodic {
		q.unblock(row.Kind)
	}
	return ok, nil
}

// ClearAll deletes every task in the store.
func (q *Queue[S]) ClearAll(ctx context.Context) (int64, error) {
	n, err := q.store.DeleteAll(ctx)
	if err != nil {
		return 0, err
	}
	if err := q.resyncBlocked(ctx, ""); err != nil {
		return n, err
	}
	q.log.Info("all tasks cleared", logx.Int64("rows", n))
	return n, nil
}

func (q *Queue[S]) ClearAllWithStatus(ctx context.Context, status task.Status) (int64, error) {
	if !status.Valid() {
		return 0, fmt.Errorf("clear tasks: invalid status %q", status)
	}
	n, err := q.store.DeleteAllWithStatus(ctx, status)
	if err != nil {
		return 0, err
	}
	if err := q.resyncBlocked(ctx, ""); err != nil {
		return n, err
	}
	q.log.Info("tasks cleared", logx.String("status", string(status)), logx.Int64("rows", n))
	return n, nil
}

func (q *Queue[S]) ClearAllWithKind(ctx context.Context, kind string) (int64, error) {
	n, err := q.store.DeleteAllWithKind(ctx, kind)
	if err != nil {
		return 0, err
	}
	if err := q.resyncBlocked(ctx, kind); err != nil {
		return n, err
	}
	q.log.Info("tasks cleared", logx.String("kind", kind), logx.Int64("rows", n))
	return n, nil
}

// resyncBlocked unblocks recurring kinds that no longer have a live row.
// An empty kind checks every recurring kind. A claimed periodic row still
// executing here keeps the running flag of its kind, so an unblocked kind
// does not fire next to it.
func (q *Queue[S]) resyncBlocked(ctx context.Context, kind string) error {
	if q.tracker == nil {
		return nil
	}
	for _, st := range q.tracker.States() {
		if !st.Blocked() || (kind != "" && st.Kind != kind) {
			continue
		}
		live, err := q.store.HasLivePeriodic(ctx, st.Kind)
		if err != nil {
			return err
		}
		if !live {
			st.Unblock(q.now())
		}
	}
	return nil
}
