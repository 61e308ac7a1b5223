package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"tasksched/internal/task"
)

var (
	ErrNotFound      = errors.New("task not found")
	ErrClosed        = errors.New("storage closed")
	ErrUnknownDriver = errors.New("unknown storage driver")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local store, for tests and single-process setups
//   - "sqlite": SQLite database file (Path)
//   - "postgres": shared PostgreSQL database (DSN); the only driver that
//     supports several worker processes
type Config struct {
	Driver string
	DSN    string
	Path   string

	BusyTimeout       time.Duration // sqlite only; 0 means default
	MaxConns          int32         // postgres only; 0 means pgxpool default
	ConnectRetries    uint64        // postgres only
	ConnectRetryDelay time.Duration // postgres only
}

// Task is a persisted task row.
type Task struct {
	ID            uuid.UUID
	Kind          string
	Payload       []byte // JSON; nil for recurring instances
	Deadline      time.Time
	Priority      task.Priority
	Status        task.Status
	Attempts      int
	LastRetry     *time.Time
	LastClaimedAt *time.Time
	Periodic      bool
	TaskNumber    int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// InsertForm describes a new row. A zero ID is generated; a zero Status means
// queued.
type InsertForm struct {
	ID       uuid.UUID
	Kind     string
	Payload  []byte
	Deadline time.Time
	Priority task.Priority
	Status   task.Status
	Attempts int
	Periodic bool
}

// Store is the persistence contract of the task queue.
//
// ClaimPending is the only cross-process exclusion point: it must flip the
// returned rows from queued to running atomically, and two concurrent claims
// must never return the same row.
type Store interface {
	// ClaimPending claims up to limit queued rows with attempts < maxAttempts
	// and deadline <= now that belong to worker's partition, ordered by
	// deadline then priority (high first).
	ClaimPending(ctx context.Context, worker task.WorkerID, maxAttempts int, now time.Time, limit int) ([]Task, error)
	// RequeueStalled puts back running rows of worker's partition that were
	// claimed more than threshold before now.
	RequeueStalled(ctx context.Context, worker task.WorkerID, threshold time.Duration, now time.Time) (int64, error)

	Insert(ctx context.Context, f InsertForm) (Task, error)
	UpdateRetry(ctx context.Context, id uuid.UUID, deadline time.Time, attempts int, status task.Status) error
	Delete(ctx context.Context, id uuid.UUID) (bool, error)
	// Fail marks the row failed and counts the final attempt.
	Fail(ctx context.Context, id uuid.UUID) error
	Get(ctx context.Context, id uuid.UUID) (Task, error)

	// HasLivePeriodic reports whether a queued or running periodic row of
	// kind exists.
	HasLivePeriodic(ctx context.Context, kind string) (bool, error)

	DeleteAll(ctx context.Context) (int64, error)
	DeleteAllWithStatus(ctx context.Context, status task.Status) (int64, error)
	DeleteAllWithKind(ctx context.Context, kind string) (int64, error)
	DeleteTemporary(ctx context.Context, kinds []string) (int64, error)

	CountByStatus(ctx context.Context) (map[task.Status]int64, error)
	Ping(ctx context.Context) error
	Close() error
}

func partition(w task.WorkerID) (total, index int64) {
	return int64(w.Total), int64(w.Assigned) - 1
}

func normalizeForm(f InsertForm) InsertForm {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.Status == "" {
		f.Status = task.StatusQueued
	}
	return f
}
