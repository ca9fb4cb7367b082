package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"reminderd/internal/task/scheduler"
	logx "reminderd/pkg/logx"
)

// Validate rejects configs that would fail at component construction.
// It runs on Load and before every hot reload is committed.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "sqlite", "sqlite3":
	case "postgres", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add(errors.New("storage.dsn is required when storage.driver=postgres"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	if cfg.Storage.MaxOpenConns < 0 || cfg.Storage.MaxItemsPerOwner < 0 {
		add(errors.New("storage.max_open_conns and storage.max_items_per_owner must be >= 0"))
	}
	add(validZone("storage.default_timezone", cfg.Storage.DefaultTimezone))
	add(validZone("scheduler.timezone", cfg.Scheduler.Timezone))

	te := cfg.TaskEngine
	if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 || te.RetryMax < 0 {
		add(errors.New("task_engine: workers, queue_size, history_size and retry_max must be >= 0"))
	}
	if te.EMAFactor < 0 || te.EMAFactor > 1 {
		add(fmt.Errorf("task_engine.ema_factor must be within [0,1], got %v", te.EMAFactor))
	}
	if cfg.SchedulerEnabled() && !cfg.EngineEnabled() {
		add(errors.New("task_engine.enabled cannot be false while scheduler.enabled is true"))
	}
	if spec := strings.TrimSpace(cfg.Scheduler.Housekeeping); spec != "" {
		if _, err := scheduler.ParseSchedule(spec); err != nil {
			add(fmt.Errorf("scheduler.housekeeping: %w", err))
		}
	}

	if cfg.Telegram.RatePerSec < 0 {
		add(errors.New("telegram.rate_per_sec must be >= 0"))
	}
	for _, id := range cfg.Telegram.AllowedUsers {
		if id <= 0 {
			add(fmt.Errorf("telegram.allowed_users: invalid id %d", id))
		}
	}

	for _, f := range durationFields(cfg) {
		_, err := ParseDuration(f.path, f.raw)
		add(err)
	}
	return errors.Join(errs...)
}

func validZone(path, tz string) error {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return nil
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("%s: invalid %q: %w", path, tz, err)
	}
	return nil
}

// ParseDuration parses a config duration. Empty means zero, which every
// consumer treats as "use the default"; negative values are rejected.
func ParseDuration(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %q is not a duration (want e.g. 30s, 5m): %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: %q is negative", path, raw)
	}
	return d, nil
}

type durationField struct{ path, raw string }

func durationFields(cfg *Config) []durationField {
	te, rm, tg, h := cfg.TaskEngine, cfg.Reminders, cfg.Telegram, cfg.HTTP
	return []durationField{
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"storage.conn_max_idle_time", cfg.Storage.ConnMaxIdleTime},
		{"storage.grace_window", cfg.Storage.GraceWindow},
		{"cache.ttl", cfg.Cache.TTL},
		{"cache.next_due_ttl", cfg.Cache.NextDueTTL},
		{"task_engine.retry_delay", te.RetryDelay},
		{"task_engine.critical_timeout", te.CriticalTimeout},
		{"task_engine.high_timeout", te.HighTimeout},
		{"task_engine.default_timeout", te.DefaultTimeout},
		{"task_engine.max_queue_delay", te.MaxQueueDelay},
		{"task_engine.metrics_interval", te.MetricsInterval},
		{"task_engine.stop_grace", te.StopGrace},
		{"reminders.min_sleep", rm.MinSleep},
		{"reminders.max_sleep", rm.MaxSleep},
		{"reminders.long_sleep_threshold", rm.LongSleepThreshold},
		{"reminders.error_backoff", rm.ErrorBackoff},
		{"reminders.delivery_timeout", rm.DeliveryTimeout},
		{"reminders.failure_debounce", rm.FailureDebounce},
		{"telegram.poll_timeout", tg.PollTimeout},
		{"telegram.send_timeout", tg.SendTimeout},
		{"http.read_timeout", h.ReadTimeout},
		{"http.write_timeout", h.WriteTimeout},
		{"http.idle_timeout", h.IdleTimeout},
	}
}
