package engine

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"tasksched/internal/storage"
	"tasksched/internal/task"
	"tasksched/internal/task/registry"
	logx "tasksched/pkg/logx"
)

// pendingTask is one unit handed to the manager: a due recurring kind or a
// claimed row. It is built fresh every tick.
type pendingTask[S any] struct {
	item     *registry.Item[S]
	deadline time.Time
	priority task.Priority

	state *registry.State
	guard *registry.RunningGuard

	row  *storage.Task
	done func()
}

func (p *pendingTask[S]) kind() string {
	if p.row != nil {
		return p.row.Kind
	}
	return p.state.Kind
}

func (p *pendingTask[S]) recurring() bool { return p.row == nil }

// finish releases the running flag and the batch slot. Every pendingTask is
// finished exactly once, whether it ran or not.
func (p *pendingTask[S]) finish() {
	p.guard.Release()
	if p.done != nil {
		p.done()
		p.done = nil
	}
}

// manager bounds concurrent executions and tracks them for shutdown.
type manager struct {
	sem     *semaphore.Weighted
	running atomic.Int64
	pending atomic.Int64

	abortCtx context.Context
	abort    context.CancelFunc
	wg       sync.WaitGroup

	mu       sync.Mutex
	changed  chan struct{}
	onChange func(running, pending int64)
}

func newManager(maxRunning int, onChange func(running, pending int64)) *manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &manager{
		sem:      semaphore.NewWeighted(int64(maxRunning)),
		abortCtx: ctx,
		abort:    cancel,
		changed:  make(chan struct{}),
		onChange: onChange,
	}
}

func (m *manager) aborted() bool { return m.abortCtx.Err() != nil }

// notify wakes every waitIdle caller.
func (m *manager) notify() {
	m.mu.Lock()
	close(m.changed)
	m.changed = make(chan struct{})
	m.mu.Unlock()
	if m.onChange != nil {
		m.onChange(m.running.Load(), m.pending.Load())
	}
}

// waitIdle blocks until nothing is pending or running, or ctx is done.
func (m *manager) waitIdle(ctx context.Context) error {
	for {
		m.mu.Lock()
		ch := m.changed
		m.mu.Unlock()
		if m.running.Load() == 0 && m.pending.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// dispatch hands an ordered batch to the manager. One goroutine acquires
// permits in order, so tasks start in batch order while finishing in any
// order. An abort stops the acquisition and finishes the remaining items
// without running them.
func (q *Queue[S]) dispatch(items []*pendingTask[S]) {
	if len(items) == 0 {
		return
	}
	m := q.mgr
	m.pending.Add(int64(len(items)))
	m.notify()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for i, p := range items {
			t, ok := q.prepare(p)
			if !ok {
				p.finish()
				m.pending.Add(-1)
				m.notify()
				continue
			}
			if m.aborted() || m.sem.Acquire(m.abortCtx, 1) != nil {
				for _, rest := range items[i:] {
					rest.finish()
				}
				m.pending.Add(-int64(len(items) - i))
				m.notify()
				return
			}
			m.pending.Add(-1)
			m.running.Add(1)
			m.notify()

			m.wg.Add(1)
			go func(p *pendingTask[S], t task.Task[S]) {
				defer m.wg.Done()
				defer func() {
					m.sem.Release(1)
					m.running.Add(-1)
					m.notify()
				}()
				defer p.finish()
				defer func() {
					if r := recover(); r != nil {
						q.log.Error("task manager panicked", logx.String("kind", p.kind()), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
					}
				}()
				q.execute(p, t)
			}(p, t)
		}
	}()
}
