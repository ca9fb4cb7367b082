package app

import (
	"strings"
	"time"

	"reminderd/internal/config"
	"reminderd/internal/observability/httpapi"
	"reminderd/internal/reminder"
	"reminderd/internal/storage"
	"reminderd/internal/task/engine"
	"reminderd/internal/task/scheduler"
	"reminderd/internal/transport/telegram"
	logx "reminderd/pkg/logx"
)

const defaultHousekeeping = "@hourly"

// durations parses Go duration strings into targets, stopping at the first error.
// Fields were already checked by config.Validate; this keeps the mapping honest anyway.
type durations struct{ err error }

func (d *durations) set(dst *time.Duration, path, raw string) {
	if d.err != nil {
		return
	}
	v, err := config.ParseDuration(path, raw)
	if err != nil {
		d.err = err
		return
	}
	*dst = v
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	out := storage.Config{
		Driver:           strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:             strings.TrimSpace(sc.Path),
		DSN:              strings.TrimSpace(sc.DSN),
		MaxOpenConns:     sc.MaxOpenConns,
		MaxItemsPerOwner: sc.MaxItemsPerOwner,
		DefaultTimezone:  strings.TrimSpace(sc.DefaultTimezone),
	}
	if out.Driver == "sqlite3" {
		out.Driver = "sqlite"
	}
	if out.Driver == "pgx" {
		out.Driver = "postgres"
	}
	var d durations
	d.set(&out.BusyTimeout, "storage.busy_timeout", sc.BusyTimeout)
	d.set(&out.ConnMaxIdleTime, "storage.conn_max_idle_time", sc.ConnMaxIdleTime)
	d.set(&out.GraceWindow, "storage.grace_window", sc.GraceWindow)
	d.set(&out.CacheTTL, "cache.ttl", cfg.Cache.TTL)
	d.set(&out.NextDueTTL, "cache.next_due_ttl", cfg.Cache.NextDueTTL)
	return out, d.err
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	out := engine.Config{
		Enabled:     cfg.EngineEnabled(),
		Workers:     te.Workers,
		QueueSize:   te.QueueSize,
		HistorySize: te.HistorySize,
		RetryMax:    te.RetryMax,
		EMAFactor:   te.EMAFactor,
	}
	var d durations
	d.set(&out.RetryDelay, "task_engine.retry_delay", te.RetryDelay)
	d.set(&out.CriticalTimeout, "task_engine.critical_timeout", te.CriticalTimeout)
	d.set(&out.HighTimeout, "task_engine.high_timeout", te.HighTimeout)
	d.set(&out.DefaultTimeout, "task_engine.default_timeout", te.DefaultTimeout)
	d.set(&out.MaxQueueDelay, "task_engine.max_queue_delay", te.MaxQueueDelay)
	d.set(&out.MetricsInterval, "task_engine.metrics_interval", te.MetricsInterval)
	d.set(&out.StopGrace, "task_engine.stop_grace", te.StopGrace)
	return out, d.err
}

func mapRemindersConfig(cfg *config.Config) (reminder.Config, error) {
	rc := cfg.Reminders
	var out reminder.Config
	var d durations
	d.set(&out.MinSleep, "reminders.min_sleep", rc.MinSleep)
	d.set(&out.MaxSleep, "reminders.max_sleep", rc.MaxSleep)
	d.set(&out.LongSleepThreshold, "reminders.long_sleep_threshold", rc.LongSleepThreshold)
	d.set(&out.ErrorBackoff, "reminders.error_backoff", rc.ErrorBackoff)
	d.set(&out.DeliveryTimeout, "reminders.delivery_timeout", rc.DeliveryTimeout)
	d.set(&out.FailureDebounce, "reminders.failure_debounce", rc.FailureDebounce)
	return out, d.err
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, string) {
	spec := strings.TrimSpace(cfg.Scheduler.Housekeeping)
	if spec == "" {
		spec = defaultHousekeeping
	}
	return scheduler.Config{
		Enabled:  cfg.SchedulerEnabled(),
		Timezone: strings.TrimSpace(cfg.Scheduler.Timezone),
	}, spec
}

// mapTelegramConfig reports false when no token is configured.
func mapTelegramConfig(cfg *config.Config) (telegram.Config, bool, error) {
	tc := cfg.Telegram
	if strings.TrimSpace(tc.Token) == "" {
		return telegram.Config{}, false, nil
	}
	out := telegram.Config{
		Token:        strings.TrimSpace(tc.Token),
		RatePerSec:   tc.RatePerSec,
		AllowedUsers: append([]int64(nil), tc.AllowedUsers...),
	}
	var d durations
	d.set(&out.PollTimeout, "telegram.poll_timeout", tc.PollTimeout)
	d.set(&out.SendTimeout, "telegram.send_timeout", tc.SendTimeout)
	return out, true, d.err
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	out := httpapi.Config{
		Enabled:       h.Enabled,
		Addr:          strings.TrimSpace(h.Addr),
		Token:         strings.TrimSpace(h.Token),
		AllowInsecure: h.AllowInsecure,
		Pprof:         h.Pprof,
		PprofPrefix:   h.PprofPrefix,
	}
	var d durations
	d.set(&out.ReadTimeout, "http.read_timeout", h.ReadTimeout)
	d.set(&out.WriteTimeout, "http.write_timeout", h.WriteTimeout)
	d.set(&out.IdleTimeout, "http.idle_timeout", h.IdleTimeout)
	return out, d.err
}
