package storage

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"tasksched/internal/task"
)

// Memory is a process-local Store. A single mutex serializes every
// operation, which makes ClaimPending trivially exclusive.
type Memory struct {
	mu     sync.Mutex
	rows   map[uuid.UUID]*Task
	seq    int64
	closed bool
}

func NewMemory() *Memory {
	return &Memory{rows: map[uuid.UUID]*Task{}}
}

func (m *Memory) ClaimPending(_ context.Context, worker task.WorkerID, maxAttempts int, now time.Time, limit int) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if limit <= 0 {
		return nil, nil
	}

	var eligible []*Task
	for _, r := range m.rows {
		if r.Status == task.StatusQueued && r.Attempts < maxAttempts && !r.Deadline.After(now) && worker.Owns(r.TaskNumber) {
			eligible = append(eligible, r)
		}
	}
	slices.SortFunc(eligible, compareRows)
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	out := make([]Task, 0, len(eligible))
	for _, r := range eligible {
		r.Status = task.StatusRunning
		r.LastClaimedAt = timePtr(now)
		r.UpdatedAt = now
		if r.Attempts > 0 {
			r.LastRetry = timePtr(now)
		}
		out = append(out, cloneRow(r))
	}
	return out, nil
}

func (m *Memory) RequeueStalled(_ context.Context, worker task.WorkerID, threshold time.Duration, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	cutoff := now.Add(-threshold)
	var n int64
	for _, r := range m.rows {
		if r.Status != task.StatusRunning || !worker.Owns(r.TaskNumber) {
			continue
		}
		if r.LastClaimedAt != nil && r.LastClaimedAt.Before(cutoff) {
			r.Status = task.StatusQueued
			r.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *Memory) Insert(_ context.Context, f InsertForm) (Task, error) {
	f = normalizeForm(f)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Task{}, ErrClosed
	}
	now := time.Now()
	r := &Task{
		ID:         f.ID,
		Kind:       f.Kind,
		Payload:    slices.Clone(f.Payload),
		Deadline:   f.Deadline,
		Priority:   f.Priority,
		Status:     f.Status,
		Attempts:   f.Attempts,
		Periodic:   f.Periodic,
		TaskNumber: m.seq,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.seq++
	m.rows[r.ID] = r
	return cloneRow(r), nil
}

func (m *Memory) UpdateRetry(_ context.Context, id uuid.UUID, deadline time.Time, attempts int, status task.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return ErrNotFound
	}
	r.Deadline = deadline
	r.Attempts = attempts
	r.Status = status
	r.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) Delete(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return false, nil
	}
	delete(m.rows, id)
	return true, nil
}

func (m *Memory) Fail(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = task.StatusFailed
	r.Attempts++
	r.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) Get(_ context.Context, id uuid.UUID) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return cloneRow(r), nil
}

func (m *Memory) HasLivePeriodic(_ context.Context, kind string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.Periodic && r.Kind == kind && (r.Status == task.StatusQueued || r.Status == task.StatusRunning) {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) DeleteAll(context.Context) (int64, error) {
	return m.deleteWhere(func(*Task) bool { return true }), nil
}

func (m *Memory) DeleteAllWithStatus(_ context.Context, status task.Status) (int64, error) {
	return m.deleteWhere(func(r *Task) bool { return r.Status == status }), nil
}

func (m *Memory) DeleteAllWithKind(_ context.Context, kind string) (int64, error) {
	return m.deleteWhere(func(r *Task) bool { return r.Kind == kind }), nil
}

func (m *Memory) DeleteTemporary(_ context.Context, kinds []string) (int64, error) {
	if len(kinds) == 0 {
		return 0, nil
	}
	return m.deleteWhere(func(r *Task) bool { return slices.Contains(kinds, r.Kind) }), nil
}

func (m *Memory) CountByStatus(context.Context) (map[task.Status]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[task.Status]int64{}
	for _, r := range m.rows {
		out[r.Status]++
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Snapshot returns copies of every row ordered by task_number.
func (m *Memory) Snapshot() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Task, 0, len(m.rows))
	for _, r := range m.rows {
		out = append(out, cloneRow(r))
	}
	slices.SortFunc(out, func(a, b Task) int { return int(a.TaskNumber - b.TaskNumber) })
	return out
}

func (m *Memory) deleteWhere(match func(*Task) bool) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, r := range m.rows {
		if match(r) {
			delete(m.rows, id)
			n++
		}
	}
	return n
}

// compareRows orders by deadline, then priority (high first), then
// task_number so equal keys stay deterministic.
func compareRows(a, b *Task) int {
	if c := a.Deadline.Compare(b.Deadline); c != 0 {
		return c
	}
	if a.Priority != b.Priority {
		return int(b.Priority) - int(a.Priority)
	}
	switch {
	case a.TaskNumber < b.TaskNumber:
		return -1
	case a.TaskNumber > b.TaskNumber:
		return 1
	}
	return 0
}

func cloneRow(r *Task) Task {
	c := *r
	c.Payload = slices.Clone(r.Payload)
	if r.LastRetry != nil {
		c.LastRetry = timePtr(*r.LastRetry)
	}
	if r.LastClaimedAt != nil {
		c.LastClaimedAt = timePtr(*r.LastClaimedAt)
	}
	return c
}

func timePtr(t time.Time) *time.Time { return &t }
