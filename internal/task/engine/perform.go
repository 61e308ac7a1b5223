package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"tasksched/internal/task"
	logx "tasksched/pkg/logx"
)

// ActionKind is what the queue does with a task after an execution.
type ActionKind int

const (
	Completed ActionKind = iota
	Delete
	RetryIn
	RetryOnError
	RetryOnTimedOut
)

func (k ActionKind) String() string {
	switch k {
	case Completed:
		return "completed"
	case Delete:
		return "delete"
	case RetryIn:
		return "retry_in"
	case RetryOnError:
		return "retry_on_error"
	case RetryOnTimedOut:
		return "retry_on_timed_out"
	default:
		return fmt.Sprintf("action(%d)", int(k))
	}
}

type Action struct {
	Kind  ActionKind
	Delay time.Duration // RetryIn only
}

func (a Action) retry() bool {
	return a.Kind == RetryIn || a.Kind == RetryOnError || a.Kind == RetryOnTimedOut
}

// Classify maps the result of Perform to an Action.
func Classify(err error, timedOut bool) Action {
	if timedOut {
		return Action{Kind: RetryOnTimedOut}
	}
	if err == nil {
		return Action{Kind: Completed}
	}
	if task.IsRejected(err) {
		return Action{Kind: Delete}
	}
	var ra task.RetryAfterError
	if errors.As(err, &ra) {
		return Action{Kind: RetryIn, Delay: ra.RetryAfter()}
	}
	return Action{Kind: RetryOnError}
}

type result struct {
	action  Action
	err     error
	aborted bool
}

// prepare resolves the registry item and decodes the payload. Rows that
// cannot be decoded or whose kind is unknown are deleted, since retrying
// cannot fix them.
func (q *Queue[S]) prepare(p *pendingTask[S]) (task.Task[S], bool) {
	if p.recurring() {
		t, err := p.item.Decode(nil)
		if err != nil {
			q.log.Error("recurring task construction failed", logx.String("kind", p.kind()), logx.Err(err))
			return nil, false
		}
		return t, true
	}

	row := p.row
	log := q.log.With(logx.String("kind", row.Kind), logx.String("id", row.ID.String()))
	if p.item == nil {
		log.Warn("dropping task of unregistered kind")
		q.drop(p)
		return nil, false
	}
	t, err := p.item.Decode(row.Payload)
	if err != nil {
		log.Warn("dropping task with undecodable payload", logx.Err(err))
		q.drop(p)
		return nil, false
	}
	return t, true
}

func (q *Queue[S]) drop(p *pendingTask[S]) {
	ctx, cancel := q.storeCtx()
	defer cancel()
	if _, err := q.store.Delete(ctx, p.row.ID); err != nil {
		q.log.Error("failed to delete dropped task", logx.String("id", p.row.ID.String()), logx.Err(err))
		return
	}
	q.metrics.outcomes.WithLabelValues(p.row.Kind, outcomeDropped).Inc()
	if p.row.Periodic {
		q.unblock(p.row.Kind)
	}
	q.publish(EventDeleted, TaskEvent{ID: p.row.ID.String(), Kind: p.row.Kind, Attempts: p.row.Attempts, Periodic: p.row.Periodic, Error: "dropped"})
}

func (q *Queue[S]) runContext(p *pendingTask[S]) task.RunContext {
	if p.recurring() {
		return task.RunContext{
			ID:       uuid.New(),
			Kind:     p.kind(),
			WorkerID: q.settings.WorkerID,
			Deadline: p.deadline,
		}
	}
	r := p.row
	return task.RunContext{
		ID:         r.ID,
		Kind:       r.Kind,
		WorkerID:   q.settings.WorkerID,
		CreatedAt:  r.CreatedAt,
		Deadline:   r.Deadline,
		Attempts:   r.Attempts,
		LastRetry:  r.LastRetry,
		IsRetrying: r.Attempts > 0,
		Periodic:   r.Periodic,
	}
}

// execute runs one task and applies its outcome.
func (q *Queue[S]) execute(p *pendingTask[S], t task.Task[S]) {
	rc := q.runContext(p)
	log := q.log.With(logx.String("kind", rc.Kind), logx.String("id", rc.ID.String()))
	log.Debug("task.started", logx.Int("attempts", rc.Attempts), logx.Bool("recurring", p.recurring()))
	q.publish(EventStarted, TaskEvent{ID: rc.ID.String(), Kind: rc.Kind, Attempts: rc.Attempts, Periodic: rc.Periodic, Recurring: p.recurring()})

	start := time.Now()
	res := q.perform(t, rc, log)
	dur := time.Since(start)
	q.metrics.duration.WithLabelValues(rc.Kind).Observe(dur.Seconds())

	if res.aborted {
		q.metrics.outcomes.WithLabelValues(rc.Kind, outcomeAborted).Inc()
		log.Warn("task aborted", logx.Duration("dur", dur))
		return
	}
	q.apply(p, t, rc, res, dur, log)
}

// perform runs Perform with panic isolation and the task's timeout. Perform
// runs in its own goroutine so a task that ignores its context still times
// out.
func (q *Queue[S]) perform(t task.Task[S], rc task.RunContext, log logx.Logger) result {
	timeout := t.Timeout()
	if timeout <= 0 {
		timeout = task.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(q.mgr.abortCtx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("task.panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- t.Perform(ctx, rc, q.state)
	}()

	select {
	case err := <-done:
		if q.mgr.aborted() {
			return result{aborted: true, err: err}
		}
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			log.Warn("task.timed_out", logx.Duration("timeout", timeout), logx.Err(err))
			return result{action: Classify(err, true), err: err}
		}
		return result{action: Classify(err, false), err: err}
	case <-ctx.Done():
		if q.mgr.aborted() {
			return result{aborted: true, err: ctx.Err()}
		}
		err := fmt.Errorf("timed out after %s", timeout)
		log.Warn("task.timed_out", logx.Duration("timeout", timeout))
		return result{action: Classify(err, true), err: err}
	}
}

func (q *Queue[S]) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), q.settings.StoreTimeout)
}
