package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	yaml "go.yaml.in/yaml/v3"

	"tasksched/internal/storage"
	"tasksched/internal/task"
	"tasksched/internal/task/engine"
	"tasksched/internal/task/trigger"
	logx "tasksched/pkg/logx"
)

const (
	DefaultAdminAddr       = "127.0.0.1:8080"
	DefaultShutdownTimeout = 30 * time.Second
	DefaultExchange        = "tasksched.events"
)

// Default is the configuration used when no file is given: a single
// in-memory worker logging to the console.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Storage: StorageConfig{Driver: "memory"},
		Admin:   AdminConfig{Addr: DefaultAdminAddr},
	}
}

// Load reads path (JSON, or YAML by extension), applies environment
// overrides and validates the result. An empty path starts from Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		cfg, err = Decode(path, b)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	env, err := LoadEnv()
	if err != nil {
		return nil, err
	}
	env.Apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode strictly decodes a JSON or YAML document. The format is chosen by
// the extension of name.
func Decode(name string, data []byte) (*Config, error) {
	jb, err := coerceToJSON(name, data)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, errors.New("invalid config: trailing data")
		}
		return nil, err
	}
	return &cfg, nil
}

// coerceToJSON turns YAML into JSON so both formats share the strict JSON
// decoder.
func coerceToJSON(name string, data []byte) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(name))
	if ext != ".yaml" && ext != ".yml" {
		return data, nil
	}
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	if v == nil {
		return []byte("{}"), nil
	}
	j, err := json.Marshal(stringKeys(v))
	if err != nil {
		return nil, fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, nil
}

func stringKeys(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = stringKeys(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = stringKeys(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = stringKeys(x[i])
		}
		return x
	default:
		return in
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	add := func(err error) {
		if err != nil {
			result = multierror.Append(result, err)
		}
	}

	if c.Worker.ID != (task.WorkerID{}) {
		add(c.Worker.ID.Validate())
	}
	if _, err := c.Worker.Settings(); err != nil {
		add(err)
	}
	if _, err := c.Worker.ShutdownTimeoutOrDefault(); err != nil {
		add(err)
	}
	if _, err := c.Storage.StoreConfig(); err != nil {
		add(err)
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "memory":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			add(errors.New("storage.path is required for sqlite"))
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			add(errors.New("storage.dsn is required for postgres"))
		}
	default:
		add(fmt.Errorf("storage.driver: %w: %q", storage.ErrUnknownDriver, c.Storage.Driver))
	}
	if c.Admin.Enabled && strings.TrimSpace(c.Admin.Addr) == "" {
		add(errors.New("admin.addr is required when admin is enabled"))
	}
	for _, f := range []struct{ path, raw string }{
		{"admin.read_timeout", c.Admin.ReadTimeout},
		{"admin.write_timeout", c.Admin.WriteTimeout},
	} {
		_, err := ParseDurationField(f.path, f.raw)
		add(err)
	}
	if c.Redis != nil && strings.TrimSpace(c.Redis.Addr) == "" {
		add(errors.New("redis.addr is required when redis is configured"))
	}
	if c.Events != nil && strings.TrimSpace(c.Events.URL) == "" {
		add(errors.New("events.url is required when events are configured"))
	}
	if c.Logging.Alert.Enabled && c.Events == nil {
		add(errors.New("logging.alert needs the events section"))
	}
	for kind, tc := range c.Tasks {
		if strings.TrimSpace(tc.Schedule) != "" {
			if _, err := trigger.Parse(tc.Schedule); err != nil {
				add(fmt.Errorf("tasks.%s.schedule: %w", kind, err))
			}
		}
		if raw := strings.TrimSpace(tc.URL); raw != "" {
			if u, err := url.Parse(raw); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				add(fmt.Errorf("tasks.%s.url: invalid url %q", kind, raw))
			}
		}
	}
	return result.ErrorOrNil()
}

// Settings resolves the engine settings. Zero values take engine defaults.
func (w WorkerConfig) Settings() (engine.Settings, error) {
	s := engine.Settings{
		WorkerID:             w.ID,
		MaxRunningTasks:      w.MaxRunningTasks,
		MaxAttempts:          w.MaxAttempts,
		QueuedTasksPerBatch:  w.QueuedTasksPerBatch,
		MaxConsecutiveErrors: w.MaxConsecutiveErrors,
	}
	var err error
	for _, f := range []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"worker.stalled_tasks_threshold", w.StalledTasksThreshold, &s.StalledThreshold},
		{"worker.poll_interval", w.PollInterval, &s.PollInterval},
		{"worker.unhealthy_poll_interval", w.UnhealthyPollInterval, &s.UnhealthyPollInterval},
		{"worker.purge_lock_ttl", w.PurgeLockTTL, &s.PurgeLockTTL},
		{"worker.store_timeout", w.StoreTimeout, &s.StoreTimeout},
	} {
		if *f.dst, err = ParseDurationField(f.path, f.raw); err != nil {
			return engine.Settings{}, err
		}
	}
	if w.MaxRunningTasks < 0 || w.MaxAttempts < 0 || w.QueuedTasksPerBatch < 0 || w.MaxConsecutiveErrors < 0 {
		return engine.Settings{}, errors.New("worker: counts must be >= 0")
	}
	return s, nil
}

func (w WorkerConfig) ShutdownTimeoutOrDefault() (time.Duration, error) {
	return ParseDurationOrDefault("worker.shutdown_timeout", w.ShutdownTimeout, DefaultShutdownTimeout)
}

// StoreConfig resolves the storage driver configuration.
func (s StorageConfig) StoreConfig() (storage.Config, error) {
	busy, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	retryDelay, err := ParseDurationField("storage.connect_retry_delay", s.ConnectRetryDelay)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:            strings.ToLower(strings.TrimSpace(s.Driver)),
		DSN:               strings.TrimSpace(s.DSN),
		Path:              strings.TrimSpace(s.Path),
		BusyTimeout:       busy,
		MaxConns:          s.MaxConns,
		ConnectRetries:    s.ConnectRetries,
		ConnectRetryDelay: retryDelay,
	}, nil
}

// LogConfig maps the logging section onto logx.
func (l LoggingConfig) LogConfig() logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled:    l.File.Enabled,
			Path:       l.File.Path,
			MaxSizeMB:  l.File.MaxSizeMB,
			MaxBackups: l.File.MaxBackups,
			MaxAgeDays: l.File.MaxAgeDays,
			Compress:   l.File.Compress,
		},
		Alert: logx.AlertConfig{
			Enabled:    l.Alert.Enabled,
			MinLevel:   l.Alert.MinLevel,
			RatePerSec: l.Alert.RatePerSec,
		},
	}
}

// Schedule returns the configured trigger override of kind, if any.
func (c *Config) Schedule(kind string) (trigger.Trigger, bool, error) {
	tc, ok := c.Tasks[kind]
	if !ok || strings.TrimSpace(tc.Schedule) == "" {
		return trigger.Trigger{}, false, nil
	}
	t, err := trigger.Parse(tc.Schedule)
	if err != nil {
		return trigger.Trigger{}, false, fmt.Errorf("tasks.%s.schedule: %w", kind, err)
	}
	return t, true, nil
}

// TaskURL is the url configured for kind, empty when unset.
func (c *Config) TaskURL(kind string) string {
	return strings.TrimSpace(c.Tasks[kind].URL)
}

// TaskEnabled reports whether kind is not disabled.
func (c *Config) TaskEnabled(kind string) bool {
	return !c.Tasks[kind].Disabled
}
