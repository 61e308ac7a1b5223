package jobs

import (
	"context"
	"fmt"
	"sort"
	"time"

	"tasksched/internal/task"
	"tasksched/internal/task/engine"
	"tasksched/internal/task/trigger"
	logx "tasksched/pkg/logx"
)

const (
	KindHeartbeat   = "heartbeat"
	KindStoreReport = "store-report"
)

// Heartbeat proves the worker is scheduling recurring work. With a url it
// also queues a ping to it, so an external monitor sees every beat.
type Heartbeat struct {
	task.Base
	every trigger.Trigger
	url   string
}

func (*Heartbeat) Kind() string               { return KindHeartbeat }
func (h *Heartbeat) Trigger() trigger.Trigger { return h.every }
func (*Heartbeat) Priority() task.Priority    { return task.PriorityLow }
func (*Heartbeat) Temporary() bool            { return true }
func (*Heartbeat) MaxAttempts() int           { return 1 }
func (*Heartbeat) Timeout() time.Duration     { return 10 * time.Second }

func (h *Heartbeat) Perform(ctx context.Context, rc task.RunContext, s *State) error {
	n := s.beats.Add(1)
	s.lastBeat.Store(time.Now().UnixNano())
	s.Log.Debug("heartbeat", logx.Int64("beat", n), logx.Stringer("worker", rc.WorkerID))
	if h.url == "" {
		return nil
	}
	if _, err := s.Queue.Schedule(ctx, &Ping{URL: h.url}, engine.Now()); err != nil {
		return fmt.Errorf("heartbeat ping: %w", err)
	}
	return nil
}

// StoreReport logs the number of rows per status.
type StoreReport struct {
	task.Base
	every trigger.Trigger
}

func (*StoreReport) Kind() string               { return KindStoreReport }
func (r *StoreReport) Trigger() trigger.Trigger { return r.every }
func (*StoreReport) MaxAttempts() int           { return 3 }
func (*StoreReport) Timeout() time.Duration     { return 30 * time.Second }
func (*StoreReport) Backoff(attempt int) time.Duration {
	return time.Duration(attempt) * 10 * time.Second
}

func (r *StoreReport) Perform(ctx context.Context, _ task.RunContext, s *State) error {
	counts, err := s.Store.CountByStatus(ctx)
	if err != nil {
		return err
	}
	statuses := make([]string, 0, len(counts))
	for st := range counts {
		statuses = append(statuses, string(st))
	}
	sort.Strings(statuses)

	fields := make([]logx.Field, 0, len(statuses)+1)
	var total int64
	for _, st := range statuses {
		n := counts[task.Status(st)]
		total += n
		fields = append(fields, logx.Int64(st, n))
	}
	fields = append(fields, logx.Int64("total", total))
	s.Log.Info("task store report", fields...)
	return nil
}
