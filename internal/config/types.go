package config

// Config is the on-disk daemon configuration (JSON or YAML).
//
// Every section may be omitted; components apply their own defaults.
// Durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Cache      CacheConfig      `json:"cache,omitempty"`
	TaskEngine TaskEngineConfig `json:"task_engine,omitempty"`
	Reminders  RemindersConfig  `json:"reminders,omitempty"`
	Scheduler  SchedulerConfig  `json:"scheduler,omitempty"`
	Telegram   TelegramConfig   `json:"telegram,omitempty"`
	HTTP       HTTPConfig       `json:"http,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the durable store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./reminderd.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://..." }
type StorageConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path,omitempty"`
	// DSN is used by the postgres driver (do not log).
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only

	MaxOpenConns    int    `json:"max_open_conns,omitempty"`
	ConnMaxIdleTime string `json:"conn_max_idle_time,omitempty"`

	MaxItemsPerOwner int    `json:"max_items_per_owner,omitempty"`
	GraceWindow      string `json:"grace_window,omitempty"`
	DefaultTimezone  string `json:"default_timezone,omitempty"`
}

// CacheConfig tunes the read-through caches in front of the store.
type CacheConfig struct {
	TTL        string `json:"ttl,omitempty"`
	NextDueTTL string `json:"next_due_ttl,omitempty"`
}

// TaskEngineConfig controls the priority executor.
//
// Enabled is a pointer so an omitted key means "enabled".
type TaskEngineConfig struct {
	Enabled     *bool `json:"enabled,omitempty"`
	Workers     int   `json:"workers,omitempty"`
	QueueSize   int   `json:"queue_size,omitempty"`
	HistorySize int   `json:"history_size,omitempty"`

	RetryMax   int    `json:"retry_max,omitempty"`
	RetryDelay string `json:"retry_delay,omitempty"`

	CriticalTimeout string `json:"critical_timeout,omitempty"`
	HighTimeout     string `json:"high_timeout,omitempty"`
	DefaultTimeout  string `json:"default_timeout,omitempty"`
	MaxQueueDelay   string `json:"max_queue_delay,omitempty"`

	EMAFactor       float64 `json:"ema_factor,omitempty"`
	MetricsInterval string  `json:"metrics_interval,omitempty"`
	StopGrace       string  `json:"stop_grace,omitempty"`
}

// RemindersConfig tunes the due-item loop.
type RemindersConfig struct {
	MinSleep           string `json:"min_sleep,omitempty"`
	MaxSleep           string `json:"max_sleep,omitempty"`
	LongSleepThreshold string `json:"long_sleep_threshold,omitempty"`
	ErrorBackoff       string `json:"error_backoff,omitempty"`
	DeliveryTimeout    string `json:"delivery_timeout,omitempty"`
	FailureDebounce    string `json:"failure_debounce,omitempty"`
}

// SchedulerConfig controls periodic maintenance jobs.
type SchedulerConfig struct {
	// Enabled defaults to true when omitted.
	Enabled  *bool  `json:"enabled,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	// Housekeeping is the purge schedule (cron, "@every 1h" or "55m"). Default "@hourly".
	Housekeeping string `json:"housekeeping,omitempty"`
}

// TelegramConfig enables the Telegram transport. An empty token disables it.
type TelegramConfig struct {
	Token        string  `json:"token,omitempty"`
	AllowedUsers []int64 `json:"allowed_users,omitempty"`
	PollTimeout  string  `json:"poll_timeout,omitempty"`
	RatePerSec   int     `json:"rate_per_sec,omitempty"`
	SendTimeout  string  `json:"send_timeout,omitempty"`
}

// HTTPConfig controls the ops API.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8088").
//   - A non-loopback address requires a token or allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	Pprof       bool   `json:"pprof,omitempty"`
	PprofPrefix string `json:"pprof_prefix,omitempty"`

	// WriteTimeout defaults to 0 so pprof /profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// EngineEnabled reports the effective task_engine.enabled value.
func (c *Config) EngineEnabled() bool { return boolOr(c.TaskEngine.Enabled, true) }

// SchedulerEnabled reports the effective scheduler.enabled value.
func (c *Config) SchedulerEnabled() bool { return boolOr(c.Scheduler.Enabled, true) }
