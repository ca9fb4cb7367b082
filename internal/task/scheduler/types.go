package scheduler

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"reminderd/internal/eventbus"
	"reminderd/internal/task/engine"
	logx "reminderd/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ used for cron specs; empty means Local
}

// ErrOverlapSkip is reported when a trigger fires while the previous run of
// the same schedule is still queued or running.
var ErrOverlapSkip = errors.New("previous run still in flight")

// Submitter accepts tasks. *engine.Service implements it.
type Submitter interface {
	Enqueue(t engine.Task) (string, error)
}

// Job describes what a schedule submits on each trigger.
type Job struct {
	Priority engine.Priority
	Timeout  time.Duration
	Run      engine.Func
	// AllowOverlap lets a trigger enqueue even if the previous run is unfinished.
	AllowOverlap bool
}

type scheduleDef struct {
	name          string
	spec          string // cron spec or @every
	job           Job
	entryID       cron.EntryID
	startupSpread time.Duration
	inFlight      *atomic.Bool
	fired         *atomic.Uint64
}

type Service struct {
	mu sync.Mutex

	log  logx.Logger
	cfg  Config
	loc  *time.Location
	bus  eventbus.Bus
	exec Submitter

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	// Enqueue error throttling: key is schedule name.
	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type ScheduleInfo struct {
	Name     string        `json:"name"`
	Spec     string        `json:"spec"`
	Priority string        `json:"priority"`
	Timeout  time.Duration `json:"timeout"`
	Fired    uint64        `json:"fired"`
	Next     time.Time     `json:"next"`
	Prev     time.Time     `json:"prev"`
}

type Snapshot struct {
	Enabled   bool           `json:"enabled"`
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}
