package config

import (
	"reflect"
	"sort"
	"strings"

	logx "reminderd/pkg/logx"
)

// Sections that take effect without a restart.
var hotSections = map[string]bool{"logging": true, "http": true, "scheduler": true}

// ChangeSummary describes a reload. Attrs never include secrets.
type ChangeSummary struct {
	Changed []string
	// RestartRequired lists changed sections that only apply on the next start.
	RestartRequired []string
	Attrs           []logx.Field
}

// SummarizeConfigChange compares two configs section by section.
func SummarizeConfigChange(oldCfg, newCfg *Config) ChangeSummary {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var s ChangeSummary
	mark := func(section string, attrs ...logx.Field) {
		s.Changed = append(s.Changed, section)
		if !hotSections[section] {
			s.RestartRequired = append(s.RestartRequired, section)
		}
		s.Attrs = append(s.Attrs, attrs...)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage: report the DSN by presence only.
	if ns := newCfg.Storage; oldCfg.Storage != ns {
		mark("storage",
			logx.String("storage.driver", ns.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(ns.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(ns.DSN) != ""),
			logx.Int("storage.max_items_per_owner", ns.MaxItemsPerOwner),
		)
	}

	if !reflect.DeepEqual(oldCfg.Cache, newCfg.Cache) {
		mark("cache", logx.String("cache.ttl", newCfg.Cache.TTL))
	}

	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		te := newCfg.TaskEngine
		mark("task_engine",
			logx.Bool("task_engine.enabled", newCfg.EngineEnabled()),
			logx.Int("task_engine.workers", te.Workers),
			logx.Int("task_engine.queue_size", te.QueueSize),
			logx.Int("task_engine.retry_max", te.RetryMax),
		)
	}

	if !reflect.DeepEqual(oldCfg.Reminders, newCfg.Reminders) {
		mark("reminders", logx.String("reminders.max_sleep", newCfg.Reminders.MaxSleep))
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		mark("scheduler",
			logx.Bool("scheduler.enabled", newCfg.SchedulerEnabled()),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.String("scheduler.housekeeping", newCfg.Scheduler.Housekeeping),
		)
	}

	// Telegram: never log the token.
	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || ot.PollTimeout != nt.PollTimeout || ot.SendTimeout != nt.SendTimeout ||
		ot.RatePerSec != nt.RatePerSec || !reflect.DeepEqual(ot.AllowedUsers, nt.AllowedUsers) {
		mark("telegram",
			logx.Bool("telegram.token_set", strings.TrimSpace(nt.Token) != ""),
			logx.Int("telegram.allowed_users", len(nt.AllowedUsers)),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		h := newCfg.HTTP
		mark("http",
			logx.Bool("http.enabled", h.Enabled),
			logx.String("http.addr", h.Addr),
			logx.Bool("http.token_set", strings.TrimSpace(h.Token) != ""),
			logx.Bool("http.pprof", h.Pprof),
		)
	}

	sort.Strings(s.Changed)
	sort.Strings(s.RestartRequired)
	return s
}
