package config

import (
	"reflect"
	"sort"
	"strings"

	logx "tasksched/pkg/logx"
)

// HotSections are applied without a restart. Every other section is read
// once at startup.
var HotSections = map[string]bool{"logging": true}

// SummarizeChange returns the changed top-level sections and safe log attrs
// (never secrets such as DSNs, passwords or broker URLs).
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Worker, newCfg.Worker) {
		changed = append(changed, "worker")
		attrs = append(attrs,
			logx.Stringer("worker.id", newCfg.Worker.ID),
			logx.Int("worker.max_running_tasks", newCfg.Worker.MaxRunningTasks),
		)
	}

	oS, nS := oldCfg.Storage, newCfg.Storage
	if oS.Driver != nS.Driver || oS.Path != nS.Path || oS.DSN != nS.DSN ||
		oS.BusyTimeout != nS.BusyTimeout || oS.MaxConns != nS.MaxConns ||
		oS.ConnectRetries != nS.ConnectRetries || oS.ConnectRetryDelay != nS.ConnectRetryDelay {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nS.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Admin, newCfg.Admin) {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", newCfg.Admin.Enabled),
			logx.String("admin.addr", newCfg.Admin.Addr),
		)
	}

	if !reflect.DeepEqual(oldCfg.Redis, newCfg.Redis) {
		changed = append(changed, "redis")
		attrs = append(attrs, logx.Bool("redis.enabled", newCfg.Redis != nil))
	}

	if !reflect.DeepEqual(oldCfg.Events, newCfg.Events) {
		changed = append(changed, "events")
		attrs = append(attrs, logx.Bool("events.enabled", newCfg.Events != nil))
	}

	if kinds := diffTasks(oldCfg.Tasks, newCfg.Tasks); len(kinds) > 0 {
		changed = append(changed, "tasks")
		attrs = append(attrs, logx.String("tasks.changed", strings.Join(kinds, ",")))
	}

	sort.Strings(changed)
	return changed, attrs
}

// NeedsRestart reports whether any of changed is outside HotSections.
func NeedsRestart(changed []string) bool {
	for _, s := range changed {
		if !HotSections[s] {
			return true
		}
	}
	return false
}

func diffTasks(oldM, newM map[string]TaskConfig) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}
	var out []string
	for kind := range set {
		if oldM[kind] != newM[kind] {
			out = append(out, kind)
		}
	}
	sort.Strings(out)
	return out
}
