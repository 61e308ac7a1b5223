package engine

import (
	"fmt"
	"time"

	"tasksched/internal/task"
)

// Settings controls one worker's queue.
type Settings struct {
	WorkerID task.WorkerID

	// MaxRunningTasks bounds concurrent executions in this process.
	MaxRunningTasks int
	// MaxAttempts caps attempts for every task; a task's own MaxAttempts can
	// only lower it.
	MaxAttempts int
	// QueuedTasksPerBatch is the claim limit per tick.
	QueuedTasksPerBatch int
	// StalledThreshold is how long a claimed row may stay running before it
	// is put back in the queue.
	StalledThreshold time.Duration

	PollInterval          time.Duration
	UnhealthyPollInterval time.Duration
	// MaxConsecutiveErrors is the number of failed ticks after which the
	// runner switches to UnhealthyPollInterval.
	MaxConsecutiveErrors int

	// PurgeLockTTL is how long the startup purge lock is held. Other workers
	// starting within this window skip the purge.
	PurgeLockTTL time.Duration
	// StoreTimeout bounds store writes that follow an execution.
	StoreTimeout time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		WorkerID:              task.OneWorker,
		MaxRunningTasks:       10,
		MaxAttempts:           task.DefaultMaxAttempts,
		QueuedTasksPerBatch:   50,
		StalledThreshold:      30 * time.Minute,
		PollInterval:          100 * time.Millisecond,
		UnhealthyPollInterval: 30 * time.Second,
		MaxConsecutiveErrors:  2,
		PurgeLockTTL:          time.Minute,
		StoreTimeout:          30 * time.Second,
	}
}

// withDefaults fills zero values from DefaultSettings.
func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.WorkerID == (task.WorkerID{}) {
		s.WorkerID = d.WorkerID
	}
	if s.MaxRunningTasks <= 0 {
		s.MaxRunningTasks = d.MaxRunningTasks
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = d.MaxAttempts
	}
	if s.QueuedTasksPerBatch <= 0 {
		s.QueuedTasksPerBatch = d.QueuedTasksPerBatch
	}
	if s.StalledThreshold <= 0 {
		s.StalledThreshold = d.StalledThreshold
	}
	if s.PollInterval <= 0 {
		s.PollInterval = d.PollInterval
	}
	if s.UnhealthyPollInterval <= 0 {
		s.UnhealthyPollInterval = d.UnhealthyPollInterval
	}
	if s.MaxConsecutiveErrors <= 0 {
		s.MaxConsecutiveErrors = d.MaxConsecutiveErrors
	}
	if s.PurgeLockTTL <= 0 {
		s.PurgeLockTTL = d.PurgeLockTTL
	}
	if s.StoreTimeout <= 0 {
		s.StoreTimeout = d.StoreTimeout
	}
	return s
}

func (s Settings) Validate() error {
	if err := s.WorkerID.Validate(); err != nil {
		return err
	}
	if s.UnhealthyPollInterval < s.PollInterval {
		return fmt.Errorf("unhealthy poll interval (%s) must not be shorter than poll interval (%s)", s.UnhealthyPollInterval, s.PollInterval)
	}
	return nil
}
