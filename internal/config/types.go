package config

import (
	"tasksched/internal/task"
)

// Config is the worker process configuration, loaded from a JSON or YAML
// file and then overridden from TASKSCHED_* environment variables.
//
// All durations are Go duration strings ("100ms", "30s", "30m").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Worker  WorkerConfig  `json:"worker"`
	Storage StorageConfig `json:"storage"`
	Admin   AdminConfig   `json:"admin"`

	Redis  *RedisConfig  `json:"redis,omitempty"`
	Events *EventsConfig `json:"events,omitempty"`

	// Tasks holds per-kind overrides for the built-in jobs.
	Tasks map[string]TaskConfig `json:"tasks,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// LoggingAlert forwards WARN+ records to the events exchange. It needs the
// events section.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// WorkerConfig controls the task queue of this process.
//
// Defaults (when fields are omitted/zero):
//   - id: [1, 1]
//   - max_running_tasks: 10
//   - max_attempts: 5
//   - queued_tasks_per_batch: 50
//   - stalled_tasks_threshold: "30m"
//   - poll_interval: "100ms"
//   - unhealthy_poll_interval: "30s"
//   - max_consecutive_errors: 2
//   - shutdown_timeout: "30s"
type WorkerConfig struct {
	// ID is [assigned, total], {"assigned": a, "total": t} or "a/t".
	ID task.WorkerID `json:"id"`

	MaxRunningTasks       int    `json:"max_running_tasks,omitempty"`
	MaxAttempts           int    `json:"max_attempts,omitempty"`
	QueuedTasksPerBatch   int    `json:"queued_tasks_per_batch,omitempty"`
	StalledTasksThreshold string `json:"stalled_tasks_threshold,omitempty"`
	PollInterval          string `json:"poll_interval,omitempty"`
	UnhealthyPollInterval string `json:"unhealthy_poll_interval,omitempty"`
	MaxConsecutiveErrors  int    `json:"max_consecutive_errors,omitempty"`
	PurgeLockTTL          string `json:"purge_lock_ttl,omitempty"`
	StoreTimeout          string `json:"store_timeout,omitempty"`
	ShutdownTimeout       string `json:"shutdown_timeout,omitempty"`
}

// StorageConfig selects the task store.
//
// Example:
//
//	"storage": { "driver": "postgres", "dsn": "postgres://tasks@db/tasks" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	DSN         string `json:"dsn,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite

	MaxConns          int32  `json:"max_conns,omitempty"`           // postgres
	ConnectRetries    uint64 `json:"connect_retries,omitempty"`     // postgres
	ConnectRetryDelay string `json:"connect_retry_delay,omitempty"` // postgres
}

// AdminConfig controls the HTTP admin server.
//
// Prefer binding to localhost: the task endpoints are not authenticated.
type AdminConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8080"

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`

	// Token is required as a bearer token on the task and debug routes.
	Token string `json:"token,omitempty"`
	Pprof bool   `json:"pprof,omitempty"`
}

// RedisConfig enables the cross-worker lock around the startup purge.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // never logged
	DB       int    `json:"db,omitempty"`
}

// EventsConfig forwards task events (and optionally log alerts) to an AMQP
// exchange.
type EventsConfig struct {
	URL      string `json:"url"` // never logged
	Exchange string `json:"exchange,omitempty"`
	// Types filters forwarded events; "task.*" style prefixes are allowed.
	// Empty means every task event.
	Types []string `json:"types,omitempty"`
}

// TaskConfig overrides a built-in job.
type TaskConfig struct {
	Disabled bool `json:"disabled,omitempty"`
	// Schedule replaces the trigger of a recurring job, see trigger.Parse.
	Schedule string `json:"schedule,omitempty"`
	// URL is pinged after every heartbeat when set.
	URL string `json:"url,omitempty"`
}
