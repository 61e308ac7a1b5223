package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"tasksched/internal/task"
	logx "tasksched/pkg/logx"
)

const pgColumns = `id, kind, payload, deadline, priority, status, attempts, last_retry,
	last_claimed_at, periodic, task_number, created_at, updated_at`

type pgStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}

	retries := cfg.ConnectRetries
	if retries == 0 {
		retries = 5
	}
	delay := cfg.ConnectRetryDelay
	if delay <= 0 {
		delay = 3 * time.Second
	}

	var pool *pgxpool.Pool
	err = backoff.Retry(func() error {
		p, err := pgxpool.NewWithConfig(ctx, pcfg)
		if err != nil {
			log.Error("failed to connect to postgres, retrying", logx.Err(err))
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			log.Error("failed to ping postgres, retrying", logx.Err(err))
			return err
		}
		pool = p
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), retries), ctx))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := migratePostgres(stdlib.OpenDBFromPool(pool), log); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info("postgres store opened", logx.Int("max_conns", int(pool.Config().MaxConns)))
	return &pgStore{pool: pool, log: log}, nil
}

// ClaimPending flips and returns the claimed rows in one statement. FOR
// UPDATE SKIP LOCKED makes concurrent claimers pass over each other's rows
// instead of waiting on them.
func (s *pgStore) ClaimPending(ctx context.Context, worker task.WorkerID, maxAttempts int, now time.Time, limit int) ([]Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	total, idx := partition(worker)
	rows, err := s.pool.Query(ctx,
		`WITH claimed AS (
		     UPDATE tasks
		     SET status = 'running', last_claimed_at = $1, updated_at = $1,
		         last_retry = CASE WHEN attempts > 0 THEN $1 ELSE last_retry END
		     WHERE id IN (
		         SELECT id FROM tasks
		         WHERE status = 'queued' AND attempts < $2 AND deadline <= $1
		           AND task_number % $3 = $4
		         ORDER BY deadline, priority DESC, task_number
		         LIMIT $5
		         FOR UPDATE SKIP LOCKED
		     )
		     RETURNING `+pgColumns+`
		 )
		 SELECT `+pgColumns+` FROM claimed ORDER BY deadline, priority DESC, task_number`,
		now, maxAttempts, total, idx, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanPG)
	if err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}
	return out, nil
}

func (s *pgStore) RequeueStalled(ctx context.Context, worker task.WorkerID, threshold time.Duration, now time.Time) (int64, error) {
	total, idx := partition(worker)
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = 'queued', updated_at = $1
		 WHERE id IN (
		     SELECT id FROM tasks
		     WHERE status = 'running' AND last_claimed_at < $2 AND task_number % $3 = $4
		     FOR UPDATE SKIP LOCKED
		 )`,
		now, now.Add(-threshold), total, idx,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stalled: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *pgStore) Insert(ctx context.Context, f InsertForm) (Task, error) {
	f = normalizeForm(f)
	rows, err := s.pool.Query(ctx,
		`INSERT INTO tasks (id, kind, payload, deadline, priority, status, attempts, periodic)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING `+pgColumns,
		f.ID, f.Kind, nullBytes(f.Payload), f.Deadline, int16(f.Priority), string(f.Status), f.Attempts, f.Periodic,
	)
	if err != nil {
		return Task{}, fmt.Errorf("insert task: %w", err)
	}
	t, err := pgx.CollectExactlyOneRow(rows, scanPG)
	if err != nil {
		return Task{}, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

func (s *pgStore) UpdateRetry(ctx context.Context, id uuid.UUID, deadline time.Time, attempts int, status task.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET deadline = $1, attempts = $2, status = $3, updated_at = NOW() WHERE id = $4`,
		deadline, attempts, string(status), id,
	)
	if err != nil {
		return fmt.Errorf("update retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgStore) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete task: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *pgStore) Fail(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = 'failed', attempts = attempts + 1, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgStore) Get(ctx context.Context, id uuid.UUID) (Task, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgColumns+` FROM tasks WHERE id = $1`, id)
	if err != nil {
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	t, err := pgx.CollectExactlyOneRow(rows, scanPG)
	if errors.Is(err, pgx.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	return t, err
}

func (s *pgStore) HasLivePeriodic(ctx context.Context, kind string) (bool, error) {
	var live bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM tasks WHERE periodic AND kind = $1 AND status IN ('queued', 'running'))`,
		kind,
	).Scan(&live)
	if err != nil {
		return false, fmt.Errorf("count live periodic: %w", err)
	}
	return live, nil
}

// DeleteAll and friends run in a transaction so a failure leaves the table
// untouched.
func (s *pgStore) DeleteAll(ctx context.Context) (int64, error) {
	return s.deleteTx(ctx, "delete all", `DELETE FROM tasks`)
}

func (s *pgStore) DeleteAllWithStatus(ctx context.Context, status task.Status) (int64, error) {
	return s.deleteTx(ctx, "delete all with status", `DELETE FROM tasks WHERE status = $1`, string(status))
}

func (s *pgStore) DeleteAllWithKind(ctx context.Context, kind string) (int64, error) {
	return s.deleteTx(ctx, "delete all with kind", `DELETE FROM tasks WHERE kind = $1`, kind)
}

func (s *pgStore) DeleteTemporary(ctx context.Context, kinds []string) (int64, error) {
	if len(kinds) == 0 {
		return 0, nil
	}
	return s.deleteTx(ctx, "delete temporary", `DELETE FROM tasks WHERE kind = ANY($1)`, kinds)
}

func (s *pgStore) deleteTx(ctx context.Context, op, q string, args ...any) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			s.log.Warn("rollback failed", logx.String("op", op), logx.Err(err))
		}
	}()
	tag, err := tx.Exec(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return tag.RowsAffected(), nil
}

func (s *pgStore) CountByStatus(ctx context.Context) (map[task.Status]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	out := map[task.Status]int64{}
	var (
		st string
		n  int64
	)
	_, err = pgx.ForEachRow(rows, []any{&st, &n}, func() error {
		out[task.Status(st)] = n
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	return out, nil
}

func (s *pgStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *pgStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func scanPG(row pgx.CollectableRow) (Task, error) {
	var (
		t           Task
		id          pgtype.UUID
		priority    int16
		status      string
		lastRetry   pgtype.Timestamptz
		lastClaimed pgtype.Timestamptz
	)
	if err := row.Scan(&id, &t.Kind, &t.Payload, &t.Deadline, &priority, &status, &t.Attempts,
		&lastRetry, &lastClaimed, &t.Periodic, &t.TaskNumber, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return Task{}, err
	}
	t.ID = uuid.UUID(id.Bytes)
	t.Priority = task.Priority(priority)
	t.Status = task.Status(status)
	if lastRetry.Valid {
		t.LastRetry = timePtr(lastRetry.Time)
	}
	if lastClaimed.Valid {
		t.LastClaimedAt = timePtr(lastClaimed.Time)
	}
	return t, nil
}
