package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tasksched/internal/task/registry"
	logx "tasksched/pkg/logx"
)

// run is the poll loop. It ticks every PollInterval and backs off to
// UnhealthyPollInterval after MaxConsecutiveErrors failed ticks in a row.
func (q *Queue[S]) run(ctx context.Context, stopCh <-chan struct{}) {
	var (
		failures int
		warn     = rate.Sometimes{First: 1, Interval: time.Minute}
	)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-timer.C:
		}

		if err := q.tick(ctx); err != nil {
			failures++
			q.metrics.tickErrors.Inc()
			warn.Do(func() {
				q.log.Warn("runner tick failed", logx.Err(err), logx.Int("consecutive", failures))
			})
		} else {
			if failures >= q.settings.MaxConsecutiveErrors {
				q.log.Info("runner recovered", logx.Int("failed_ticks", failures))
			}
			failures = 0
		}

		wait := q.settings.PollInterval
		if failures >= q.settings.MaxConsecutiveErrors {
			wait = q.settings.UnhealthyPollInterval
		}
		timer.Reset(wait)
	}
}

// tick runs one scheduling round:
//  1. finish startup setup if it has not succeeded yet
//  2. requeue rows stalled in running
//  3. collect due recurring kinds
//  4. claim a batch of queued rows unless the previous batch is still running
//  5. hand everything to the manager ordered by deadline then priority
//
// A claim failure still dispatches the recurring tasks of the tick.
func (q *Queue[S]) tick(ctx context.Context) error {
	if err := q.setup(ctx); err != nil {
		return err
	}
	now := q.now()

	n, err := q.store.RequeueStalled(ctx, q.settings.WorkerID, q.settings.StalledThreshold, now)
	if err != nil {
		return fmt.Errorf("requeue stalled tasks: %w", err)
	}
	if n > 0 {
		q.metrics.requeued.Add(float64(n))
		q.log.Warn("stalled tasks requeued", logx.Int64("rows", n), logx.Duration("threshold", q.settings.StalledThreshold))
	}

	var items []*pendingTask[S]
	for _, st := range q.tracker.Due(now) {
		guard, ok := st.AcquireRunning()
		if !ok {
			continue
		}
		it, ok := q.registry.Find(st.Kind)
		if !ok {
			guard.Release()
			continue
		}
		deadline, _ := st.Deadline()
		items = append(items, &pendingTask[S]{
			item:     it,
			deadline: deadline,
			priority: st.Priority,
			state:    st,
			guard:    guard,
		})
	}

	var claimErr error
	if q.batchInFlight.CompareAndSwap(false, true) {
		rows, err := q.store.ClaimPending(ctx, q.settings.WorkerID, q.settings.MaxAttempts, now, q.settings.QueuedTasksPerBatch)
		switch {
		case err != nil:
			q.batchInFlight.Store(false)
			claimErr = fmt.Errorf("claim pending tasks: %w", err)
		case len(rows) == 0:
			q.batchInFlight.Store(false)
		default:
			q.metrics.claimed.Add(float64(len(rows)))
			var batch sync.WaitGroup
			batch.Add(len(rows))
			for i := range rows {
				row := &rows[i]
				it, _ := q.registry.Find(row.Kind)
				items = append(items, &pendingTask[S]{
					item:     it,
					deadline: row.Deadline,
					priority: row.Priority,
					row:      row,
					guard:    q.periodicGuard(row.Kind, row.Periodic),
					done:     batch.Done,
				})
			}
			go func() {
				batch.Wait()
				q.batchInFlight.Store(false)
			}()
			q.log.Debug("tasks claimed", logx.Int("rows", len(rows)))
		}
	}

	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].deadline.Equal(items[j].deadline) {
			return items[i].deadline.Before(items[j].deadline)
		}
		return items[i].priority > items[j].priority
	})
	q.dispatch(items)
	return claimErr
}

// periodicGuard marks the recurring kind of a claimed periodic row as running
// for the length of its execution. It is nil for other rows, or when an
// in-memory execution of the kind already holds the flag.
func (q *Queue[S]) periodicGuard(kind string, periodic bool) *registry.RunningGuard {
	if !periodic {
		return nil
	}
	st, ok := q.tracker.Get(kind)
	if !ok {
		return nil
	}
	g, _ := st.AcquireRunning()
	return g
}
