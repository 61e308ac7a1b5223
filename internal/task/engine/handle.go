package engine

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"

	"tasksched/internal/task"
)

// Handle is a late-bound reference to a Queue. Application state is built
// before the queue, so tasks that schedule follow-up work receive a Handle in
// their state and the queue is attached once it exists.
type Handle[S any] struct {
	q atomic.Pointer[Queue[S]]
}

func NewHandle[S any]() *Handle[S] { return &Handle[S]{} }

func (h *Handle[S]) Set(q *Queue[S]) { h.q.Store(q) }

// Get returns the attached queue, or nil.
func (h *Handle[S]) Get() *Queue[S] { return h.q.Load() }

// Schedule forwards to the attached queue.
func (h *Handle[S]) Schedule(ctx context.Context, t task.Task[S], when When) (uuid.UUID, error) {
	q := h.q.Load()
	if q == nil {
		return uuid.Nil, ErrNotRunning
	}
	return q.Schedule(ctx, t, when)
}
