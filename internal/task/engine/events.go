package engine

import (
	"time"

	"tasksched/internal/eventbus"
)

// Event types published on the bus.
const (
	EventStarted   = "task.started"
	EventCompleted = "task.completed"
	EventRetrying  = "task.retrying"
	EventFailed    = "task.failed"
	EventDeleted   = "task.deleted"
)

// TaskEvent is the payload of every task lifecycle event.
type TaskEvent struct {
	ID        string        `json:"id"`
	Kind      string        `json:"kind"`
	Worker    string        `json:"worker"`
	Attempts  int           `json:"attempts"`
	Periodic  bool          `json:"periodic"`
	Recurring bool          `json:"recurring,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	RetryIn   time.Duration `json:"retry_in,omitempty"`
	Error     string        `json:"error,omitempty"`
}

func (q *Queue[S]) publish(typ string, ev TaskEvent) {
	if q.bus == nil {
		return
	}
	ev.Worker = q.settings.WorkerID.String()
	q.bus.Publish(eventbus.Event{Type: typ, Time: q.now(), Data: ev})
}
