// Package jobs holds the task kinds the worker binary ships with.
package jobs

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"tasksched/internal/task"
	"tasksched/internal/task/engine"
	"tasksched/internal/task/trigger"
	logx "tasksched/pkg/logx"
)

// Counter is the store view the report job needs.
type Counter interface {
	CountByStatus(ctx context.Context) (map[task.Status]int64, error)
}

// State is handed to every job. Queue is attached once the engine exists.
type State struct {
	Store Counter
	HTTP  *http.Client
	Log   logx.Logger
	Queue *engine.Handle[*State]

	beats    atomic.Int64
	lastBeat atomic.Int64
}

func NewState(store Counter, log logx.Logger) *State {
	if log.IsZero() {
		log = logx.Nop()
	}
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = 30 * time.Second
	return &State{
		Store: store,
		HTTP:  client,
		Log:   log.With(logx.String("comp", "jobs")),
		Queue: engine.NewHandle[*State](),
	}
}

// Beats is the number of heartbeats run by this process.
func (s *State) Beats() int64 { return s.beats.Load() }

// LastBeat is the time of the last heartbeat, zero if none ran.
func (s *State) LastBeat() time.Time {
	n := s.lastBeat.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Registrar is the engine surface used to register kinds.
type Registrar interface {
	RegisterTask(newTask func() task.Task[*State])
}

// Schedules resolves per-kind configuration.
type Schedules interface {
	Schedule(kind string) (trigger.Trigger, bool, error)
	TaskEnabled(kind string) bool
	TaskURL(kind string) string
}

// Register adds every enabled kind. Recurring kinds take their trigger from
// sched when one is configured.
func Register(r Registrar, sched Schedules, log logx.Logger) error {
	if log.IsZero() {
		log = logx.Nop()
	}
	pingEnabled := sched.TaskEnabled(KindPing)
	if pingEnabled {
		r.RegisterTask(func() task.Task[*State] { return &Ping{} })
	}
	beatURL := sched.TaskURL(KindHeartbeat)
	if beatURL != "" && !pingEnabled {
		return fmt.Errorf("tasks.%s.url needs the %s task", KindHeartbeat, KindPing)
	}

	recurring := []struct {
		kind string
		def  trigger.Trigger
		make func(trigger.Trigger) task.Task[*State]
	}{
		{KindHeartbeat, trigger.Interval(time.Minute), func(t trigger.Trigger) task.Task[*State] { return &Heartbeat{every: t, url: beatURL} }},
		{KindStoreReport, trigger.MustCron("*/15 * * * *"), func(t trigger.Trigger) task.Task[*State] { return &StoreReport{every: t} }},
	}
	for _, rc := range recurring {
		if !sched.TaskEnabled(rc.kind) {
			log.Info("task disabled", logx.String("kind", rc.kind))
			continue
		}
		tr, ok, err := sched.Schedule(rc.kind)
		if err != nil {
			return err
		}
		if !ok {
			tr = rc.def
		}
		if !tr.IsRecurring() {
			log.Info("task has no schedule, not registered", logx.String("kind", rc.kind))
			continue
		}
		mk := rc.make
		r.RegisterTask(func() task.Task[*State] { return mk(tr) })
	}
	return nil
}
