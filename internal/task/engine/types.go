package engine

import (
	"context"
	"strings"
	"time"
)

// Priority selects the worker pool a task runs in. Pools are isolated: a
// backlog of LOW work never delays CRITICAL work.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Priorities lists every priority, highest first.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

func (p Priority) valid() bool { return p >= PriorityLow && p <= PriorityCritical }

// ParsePriority accepts the names returned by String, case-insensitively.
func ParsePriority(s string) (Priority, bool) {
	for _, p := range Priorities {
		if strings.EqualFold(strings.TrimSpace(s), p.String()) {
			return p, true
		}
	}
	return 0, false
}

// Config controls the executor. Zero values get defaults in New.
type Config struct {
	Enabled bool

	// Workers is the pool size of each priority.
	Workers     int
	QueueSize   int
	HistorySize int

	RetryMax   int
	RetryDelay time.Duration

	CriticalTimeout time.Duration
	HighTimeout     time.Duration
	DefaultTimeout  time.Duration

	// MaxQueueDelay fails tasks that waited longer than this before their first attempt.
	// 0 disables the check.
	MaxQueueDelay time.Duration

	// EMAFactor weighs the newest sample in the average execution time.
	EMAFactor       float64
	MetricsInterval time.Duration
	StopGrace       time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1000
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 1000
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.CriticalTimeout <= 0 {
		c.CriticalTimeout = 30 * time.Second
	}
	if c.HighTimeout <= 0 {
		c.HighTimeout = 60 * time.Second
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 300 * time.Second
	}
	if c.EMAFactor <= 0 || c.EMAFactor > 1 {
		c.EMAFactor = 0.1
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = time.Minute
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 30 * time.Second
	}
	return c
}

// TimeoutFor returns the default attempt timeout of a priority.
func (c Config) TimeoutFor(p Priority) time.Duration {
	c = c.withDefaults()
	switch p {
	case PriorityCritical:
		return c.CriticalTimeout
	case PriorityHigh:
		return c.HighTimeout
	default:
		return c.DefaultTimeout
	}
}

// Func is the work a task performs. The returned value is carried in Result.Value.
type Func func(ctx context.Context) (any, error)

// Task is a unit of work.
//
// MaxRetries 0 means the engine default, a negative value disables retries.
// RetryDelay and Timeout fall back to the engine defaults when zero.
type Task struct {
	ID         string
	Name       string
	Priority   Priority
	Run        Func
	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
	CreatedAt  time.Time
}

// Result is the terminal outcome of a task. Exactly one is produced per accepted task.
type Result struct {
	TaskID        string        `json:"task_id"`
	Name          string        `json:"name"`
	Priority      Priority      `json:"priority"`
	Success       bool          `json:"success"`
	Value         any           `json:"-"`
	Err           error         `json:"-"`
	Error         string        `json:"error,omitempty"`
	Attempts      int           `json:"attempts"`
	QueueDelay    time.Duration `json:"queue_delay"`
	ExecutionTime time.Duration `json:"execution_time"`
	CompletedAt   time.Time     `json:"completed_at"`
}

// ActiveTask describes an attempt currently running on a worker.
type ActiveTask struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Priority  Priority  `json:"priority"`
	Attempt   int       `json:"attempt"`
	StartedAt time.Time `json:"started_at"`
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Priority   string        `json:"priority"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled   bool                     `json:"enabled"`
	Running   bool                     `json:"running"`
	Workers   int                      `json:"workers_per_priority"`
	QueueCap  int                      `json:"queue_cap"`
	QueueLens map[string]int           `json:"queue_lens"`
	Active    []ActiveTask             `json:"active"`
	Retrying  int                      `json:"retrying"`
	Timeouts  map[string]time.Duration `json:"timeouts"`
	Metrics   Metrics                  `json:"metrics"`
}
