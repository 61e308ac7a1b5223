package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"tasksched/internal/task"
	logx "tasksched/pkg/logx"
)

const sqliteColumns = `id, kind, payload, deadline, priority, status, attempts, last_retry,
	last_claimed_at, periodic, task_number, created_at, updated_at`

// sqliteStore keeps a single open connection, so statements never interleave
// and a claim is exclusive without row locks.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	if err := migrateSQLite(db, log); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) ClaimPending(ctx context.Context, worker task.WorkerID, maxAttempts int, now time.Time, limit int) ([]Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	total, idx := partition(worker)
	ts := now.UnixMicro()
	rows, err := s.db.QueryContext(ctx,
		`UPDATE tasks
		 SET status = 'running', last_claimed_at = ?, updated_at = ?,
		     last_retry = CASE WHEN attempts > 0 THEN ? ELSE last_retry END
		 WHERE id IN (
		     SELECT id FROM tasks
		     WHERE status = 'queued' AND attempts < ? AND deadline <= ? AND task_number % ? = ?
		     ORDER BY deadline, priority DESC, task_number
		     LIMIT ?
		 )
		 RETURNING `+sqliteColumns,
		ts, ts, ts, maxAttempts, ts, total, idx, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}
	out, err := collectSQLite(rows)
	if err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}
	// RETURNING order is unspecified.
	slices.SortFunc(out, func(a, b Task) int { return compareRows(&a, &b) })
	return out, nil
}

func (s *sqliteStore) RequeueStalled(ctx context.Context, worker task.WorkerID, threshold time.Duration, now time.Time) (int64, error) {
	total, idx := partition(worker)
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'queued', updated_at = ?
		 WHERE status = 'running' AND last_claimed_at < ? AND task_number % ? = ?`,
		now.UnixMicro(), now.Add(-threshold).UnixMicro(), total, idx,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stalled: %w", err)
	}
	return res.RowsAffected()
}

func (s *sqliteStore) Insert(ctx context.Context, f InsertForm) (Task, error) {
	f = normalizeForm(f)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Task{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var num int64
	if err := tx.QueryRowContext(ctx, `UPDATE task_seq SET next = next + 1 WHERE id = 1 RETURNING next - 1`).Scan(&num); err != nil {
		return Task{}, fmt.Errorf("insert task: sequence: %w", err)
	}

	now := time.Now().UnixMicro()
	row := tx.QueryRowContext(ctx,
		`INSERT INTO tasks (id, kind, payload, deadline, priority, status, attempts, periodic, task_number, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING `+sqliteColumns,
		f.ID.String(), f.Kind, nullBytes(f.Payload), f.Deadline.UnixMicro(), int(f.Priority), string(f.Status),
		f.Attempts, f.Periodic, num, now, now,
	)
	t, err := scanSQLite(row)
	if err != nil {
		return Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Task{}, err
	}
	return t, nil
}

func (s *sqliteStore) UpdateRetry(ctx context.Context, id uuid.UUID, deadline time.Time, attempts int, status task.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET deadline = ?, attempts = ?, status = ?, updated_at = ? WHERE id = ?`,
		deadline.UnixMicro(), attempts, string(status), time.Now().UnixMicro(), id.String(),
	)
	return affectedOne(res, err, "update retry")
}

func (s *sqliteStore) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id.String())
	if err != nil {
		return false, fmt.Errorf("delete task: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) Fail(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'failed', attempts = attempts + 1, updated_at = ? WHERE id = ?`,
		time.Now().UnixMicro(), id.String(),
	)
	return affectedOne(res, err, "fail task")
}

func (s *sqliteStore) Get(ctx context.Context, id uuid.UUID) (Task, error) {
	t, err := scanSQLite(s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM tasks WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	return t, err
}

func (s *sqliteStore) HasLivePeriodic(ctx context.Context, kind string) (bool, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE periodic = 1 AND kind = ? AND status IN ('queued', 'running')`,
		kind,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count live periodic: %w", err)
	}
	return n > 0, nil
}

func (s *sqliteStore) DeleteAll(ctx context.Context) (int64, error) {
	return s.execCount(ctx, "delete all", `DELETE FROM tasks`)
}

func (s *sqliteStore) DeleteAllWithStatus(ctx context.Context, status task.Status) (int64, error) {
	return s.execCount(ctx, "delete all with status", `DELETE FROM tasks WHERE status = ?`, string(status))
}

func (s *sqliteStore) DeleteAllWithKind(ctx context.Context, kind string) (int64, error) {
	return s.execCount(ctx, "delete all with kind", `DELETE FROM tasks WHERE kind = ?`, kind)
}

func (s *sqliteStore) DeleteTemporary(ctx context.Context, kinds []string) (int64, error) {
	if len(kinds) == 0 {
		return 0, nil
	}
	args := make([]any, len(kinds))
	for i, k := range kinds {
		args[i] = k
	}
	q := `DELETE FROM tasks WHERE kind IN (?` + strings.Repeat(", ?", len(kinds)-1) + `)`
	return s.execCount(ctx, "delete temporary", q, args...)
}

func (s *sqliteStore) CountByStatus(ctx context.Context) (map[task.Status]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	out := map[task.Status]int64{}
	for rows.Next() {
		var (
			st string
			n  int64
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[task.Status(st)] = n
	}
	return out, rows.Err()
}

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) execCount(ctx context.Context, op, q string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(r rowScanner) (Task, error) {
	var (
		t                          Task
		id, status                 string
		payload                    []byte
		deadline, created, updated int64
		priority                   int
		lastRetry, lastClaimed     sql.NullInt64
	)
	if err := r.Scan(&id, &t.Kind, &payload, &deadline, &priority, &status, &t.Attempts,
		&lastRetry, &lastClaimed, &t.Periodic, &t.TaskNumber, &created, &updated); err != nil {
		return Task{}, err
	}
	u, err := uuid.Parse(id)
	if err != nil {
		return Task{}, fmt.Errorf("task id %q: %w", id, err)
	}
	t.ID = u
	t.Payload = payload
	t.Deadline = time.UnixMicro(deadline)
	t.Priority = task.Priority(priority)
	t.Status = task.Status(status)
	t.CreatedAt = time.UnixMicro(created)
	t.UpdatedAt = time.UnixMicro(updated)
	if lastRetry.Valid {
		t.LastRetry = timePtr(time.UnixMicro(lastRetry.Int64))
	}
	if lastClaimed.Valid {
		t.LastClaimedAt = timePtr(time.UnixMicro(lastClaimed.Int64))
	}
	return t, nil
}

func collectSQLite(rows *sql.Rows) ([]Task, error) {
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func affectedOne(res sql.Result, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
