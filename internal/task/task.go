package task

import (
	"context"
	"time"

	"github.com/google/uuid"

	"tasksched/internal/task/backoff"
	"tasksched/internal/task/trigger"
)

const (
	DefaultMaxAttempts = 5
	DefaultTimeout     = 10 * time.Minute
)

// Task is a unit of deferred work. S is the application state handed to
// Perform by the engine.
//
// Implementations are usually pointer types that embed Base and are
// JSON-encoded when persisted. Kind must be stable across releases since it
// is stored with every row.
//
// Perform returns nil when the work is done, an error built with Reject to
// drop the task, RetryIn/RetryAfter to run it again after a given delay, and
// any other error to retry with the task's Backoff.
type Task[S any] interface {
	Kind() string
	Priority() Priority
	Trigger() trigger.Trigger
	Temporary() bool
	MaxAttempts() int
	Backoff(attempt int) time.Duration
	Timeout() time.Duration
	Perform(ctx context.Context, rc RunContext, state S) error
}

// Base provides the defaults of every Task method except Kind and Perform.
type Base struct{}

func (Base) Priority() Priority       { return PriorityMedium }
func (Base) Trigger() trigger.Trigger { return trigger.None() }
func (Base) Temporary() bool          { return false }
func (Base) MaxAttempts() int         { return DefaultMaxAttempts }
func (Base) Timeout() time.Duration   { return DefaultTimeout }
func (Base) Backoff(attempt int) time.Duration {
	return backoff.Exponential(time.Minute, 2, attempt)
}

// RunContext describes the execution a task is part of.
type RunContext struct {
	ID         uuid.UUID
	Kind       string
	WorkerID   WorkerID
	CreatedAt  time.Time
	Deadline   time.Time
	Attempts   int
	LastRetry  *time.Time
	IsRetrying bool
	Periodic   bool
}
