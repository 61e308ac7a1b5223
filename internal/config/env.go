package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"tasksched/internal/task"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TASKSCHED"

// Env holds the TASKSCHED_* overrides. Zero values leave the file value.
type Env struct {
	LogLevel string `envconfig:"LOG_LEVEL"`

	WorkerID        task.WorkerID `envconfig:"WORKER_ID"` // "2/3"
	MaxRunningTasks int           `envconfig:"MAX_RUNNING_TASKS"`
	ShutdownTimeout string        `envconfig:"SHUTDOWN_TIMEOUT"`

	StorageDriver string `envconfig:"STORAGE_DRIVER"`
	StorageDSN    string `envconfig:"STORAGE_DSN"`
	StoragePath   string `envconfig:"STORAGE_PATH"`

	AdminAddr  string `envconfig:"ADMIN_ADDR"`
	AdminToken string `envconfig:"ADMIN_TOKEN"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`

	EventsURL      string `envconfig:"EVENTS_URL"`
	EventsExchange string `envconfig:"EVENTS_EXCHANGE"`
}

// LoadEnv reads .env from the working directory when present and decodes the
// TASKSCHED_* variables.
func LoadEnv() (Env, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Env{}, fmt.Errorf("load .env: %w", err)
	}
	var env Env
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return Env{}, fmt.Errorf("environment: %w", err)
	}
	return env, nil
}

// Apply copies every set override into cfg.
func (e Env) Apply(cfg *Config) {
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}

	set(&cfg.Logging.Level, e.LogLevel)
	if e.WorkerID != (task.WorkerID{}) {
		cfg.Worker.ID = e.WorkerID
	}
	if e.MaxRunningTasks > 0 {
		cfg.Worker.MaxRunningTasks = e.MaxRunningTasks
	}
	set(&cfg.Worker.ShutdownTimeout, e.ShutdownTimeout)
	set(&cfg.Storage.Driver, e.StorageDriver)
	set(&cfg.Storage.DSN, e.StorageDSN)
	set(&cfg.Storage.Path, e.StoragePath)
	if strings.TrimSpace(e.AdminAddr) != "" {
		cfg.Admin.Enabled = true
		cfg.Admin.Addr = strings.TrimSpace(e.AdminAddr)
	}
	set(&cfg.Admin.Token, e.AdminToken)
	if strings.TrimSpace(e.RedisAddr) != "" {
		if cfg.Redis == nil {
			cfg.Redis = &RedisConfig{}
		}
		cfg.Redis.Addr = strings.TrimSpace(e.RedisAddr)
	}
	if cfg.Redis != nil {
		set(&cfg.Redis.Password, e.RedisPassword)
	}
	if strings.TrimSpace(e.EventsURL) != "" {
		if cfg.Events == nil {
			cfg.Events = &EventsConfig{}
		}
		cfg.Events.URL = strings.TrimSpace(e.EventsURL)
	}
	if cfg.Events != nil {
		set(&cfg.Events.Exchange, e.EventsExchange)
	}
}
