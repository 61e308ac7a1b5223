package engine

import (
	"time"

	"tasksched/internal/storage"
	"tasksched/internal/task"
	logx "tasksched/pkg/logx"
)

// maxAttempts is the effective ceiling for t: the task's own limit, capped by
// the queue-wide setting the claim filters on.
func (q *Queue[S]) maxAttempts(t task.Task[S]) int {
	n := t.MaxAttempts()
	if n <= 0 || n > q.settings.MaxAttempts {
		n = q.settings.MaxAttempts
	}
	return n
}

func retryDelay[S any](t task.Task[S], a Action, attempt int) time.Duration {
	if a.Kind == RetryIn {
		return a.Delay
	}
	d := t.Backoff(attempt)
	if d < 0 {
		d = 0
	}
	return d
}

func (q *Queue[S]) apply(p *pendingTask[S], t task.Task[S], rc task.RunContext, res result, dur time.Duration, log logx.Logger) {
	if p.recurring() {
		q.applyRecurring(p, t, rc, res, dur, log)
		return
	}
	q.applyQueued(p, t, rc, res, dur, log)
}

// applyRecurring handles an in-memory recurring execution. A failure is
// persisted as a one-shot periodic row so the regular claim path retries it,
// and the kind stays blocked until that row resolves.
func (q *Queue[S]) applyRecurring(p *pendingTask[S], t task.Task[S], rc task.RunContext, res result, dur time.Duration, log logx.Logger) {
	st := p.state
	now := q.now()
	ev := TaskEvent{ID: rc.ID.String(), Kind: rc.Kind, Recurring: true, Duration: dur}

	if !res.action.retry() {
		st.Reschedule(now)
		if res.action.Kind == Delete {
			ev.Error = errString(res.err)
			q.metrics.outcomes.WithLabelValues(rc.Kind, outcomeDeleted).Inc()
			log.Info("task.deleted", logx.Err(res.err), logx.Duration("dur", dur))
			q.publish(EventDeleted, ev)
			return
		}
		q.metrics.outcomes.WithLabelValues(rc.Kind, outcomeCompleted).Inc()
		log.Debug("task.completed", logx.Duration("dur", dur))
		q.publish(EventCompleted, ev)
		return
	}

	ev.Error = errString(res.err)
	if 1 >= q.maxAttempts(t) {
		st.Reschedule(now)
		q.metrics.outcomes.WithLabelValues(rc.Kind, outcomeFailed).Inc()
		log.Warn("task.failed", logx.Err(res.err), logx.String("action", res.action.Kind.String()))
		q.publish(EventFailed, ev)
		return
	}

	delay := retryDelay(t, res.action, 1)
	ctx, cancel := q.storeCtx()
	defer cancel()
	row, err := q.store.Insert(ctx, storage.InsertForm{
		Kind:     rc.Kind,
		Deadline: now.Add(delay),
		Priority: st.Priority,
		Status:   task.StatusQueued,
		Attempts: 1,
		Periodic: true,
	})
	if err != nil {
		// Nothing persisted: keep the kind on its own schedule.
		st.Reschedule(now)
		log.Error("failed to persist recurring retry", logx.Err(err), logx.String("task_err", errString(res.err)))
		return
	}
	st.Block()

	ev.ID = row.ID.String()
	ev.Attempts = 1
	ev.Periodic = true
	ev.RetryIn = delay
	q.metrics.outcomes.WithLabelValues(rc.Kind, outcomeRetrying).Inc()
	log.Warn("task.retrying", logx.Err(res.err), logx.String("action", res.action.Kind.String()),
		logx.Duration("retry_in", delay), logx.String("retry_id", ev.ID))
	q.publish(EventRetrying, ev)
}

func (q *Queue[S]) applyQueued(p *pendingTask[S], t task.Task[S], rc task.RunContext, res result, dur time.Duration, log logx.Logger) {
	row := p.row
	now := q.now()
	ctx, cancel := q.storeCtx()
	defer cancel()
	ev := TaskEvent{ID: row.ID.String(), Kind: row.Kind, Attempts: row.Attempts, Periodic: row.Periodic, Duration: dur}

	switch {
	case !res.action.retry():
		if _, err := q.store.Delete(ctx, row.ID); err != nil {
			log.Error("failed to delete finished task", logx.Err(err))
			return
		}
		if row.Periodic {
			q.unblock(row.Kind)
		}
		if res.action.Kind == Delete {
			ev.Error = errString(res.err)
			q.metrics.outcomes.WithLabelValues(row.Kind, outcomeDeleted).Inc()
			log.Info("task.deleted", logx.Err(res.err), logx.Duration("dur", dur))
			q.publish(EventDeleted, ev)
			return
		}
		q.metrics.outcomes.WithLabelValues(row.Kind, outcomeCompleted).Inc()
		if dur >= 750*time.Millisecond {
			log.Info("task.completed", logx.Duration("dur", dur), logx.Int("attempts", row.Attempts))
		} else {
			log.Debug("task.completed", logx.Duration("dur", dur), logx.Int("attempts", row.Attempts))
		}
		q.publish(EventCompleted, ev)

	default:
		next := row.Attempts + 1
		ev.Error = errString(res.err)
		ev.Attempts = next
		if next >= q.maxAttempts(t) {
			// A failed periodic row keeps its kind blocked until cleared.
			if err := q.store.Fail(ctx, row.ID); err != nil {
				log.Error("failed to mark task failed", logx.Err(err))
				return
			}
			q.metrics.outcomes.WithLabelValues(row.Kind, outcomeFailed).Inc()
			log.Warn("task.failed", logx.Err(res.err), logx.Int("attempts", next), logx.String("action", res.action.Kind.String()))
			q.publish(EventFailed, ev)
			return
		}

		delay := retryDelay(t, res.action, next)
		if err := q.store.UpdateRetry(ctx, row.ID, now.Add(delay), next, task.StatusQueued); err != nil {
			log.Error("failed to reschedule task", logx.Err(err))
			return
		}
		ev.RetryIn = delay
		q.metrics.outcomes.WithLabelValues(row.Kind, outcomeRetrying).Inc()
		log.Warn("task.retrying", logx.Err(res.err), logx.Int("attempts", next), logx.Duration("retry_in", delay),
			logx.String("action", res.action.Kind.String()))
		q.publish(EventRetrying, ev)
	}
}

// unblock lets a recurring kind schedule itself again once its persisted
// instance is gone.
func (q *Queue[S]) unblock(kind string) {
	if q.tracker == nil {
		return
	}
	if st, ok := q.tracker.Get(kind); ok && st.Blocked() {
		st.Unblock(q.now())
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
