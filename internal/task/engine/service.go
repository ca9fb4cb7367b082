package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"reminderd/internal/eventbus"
	rtsup "reminderd/internal/runtime/supervisor"
	logx "reminderd/pkg/logx"
)

const (
	warnThrottleEvery = 5 * time.Second
	forceStopWait     = 5 * time.Second
)

// Service is a priority task executor: one bounded FIFO queue and one worker
// pool per priority, per-attempt timeouts, linear retry backoff and
// completion callbacks keyed by task id.
type Service struct {
	mu        sync.Mutex
	cfg       Config
	log       logx.Logger
	bus       eventbus.Bus
	queues    map[Priority]chan *queuedTask
	sup       *rtsup.Supervisor
	cancelRun context.CancelFunc
	stopCh    chan struct{}
	stopDone  chan struct{}
	retries   map[*queuedTask]*time.Timer

	// hmu guards history and callbacks together so OnComplete can't miss a result.
	hmu       sync.Mutex
	history   []Result
	callbacks map[string]map[uint64]func(Result)
	cbSeq     uint64

	amu    sync.Mutex
	active map[string]ActiveTask

	m metricsState

	lastQueueFullWarnAt int64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	maxRetries int
	retryDelay time.Duration

	// retries counts failed attempts that were rescheduled.
	retries    int
	queueDelay time.Duration
	started    bool
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	enabled := cfg.Enabled
	cfg = cfg.withDefaults()
	cfg.Enabled = enabled
	return &Service{
		cfg:       cfg,
		log:       log.With(logx.Component("taskengine")),
		bus:       bus,
		callbacks: map[string]map[uint64]func(Result){},
		active:    map[string]ActiveTask{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Running reports whether the engine accepts work.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCh != nil && s.stopDone == nil
}

// Supervisor returns the engine's internal supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Start launches the worker pools. It is a no-op when disabled or already running.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled || s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	s.retries = map[*queuedTask]*time.Timer{}
	s.queues = make(map[Priority]chan *queuedTask, len(Priorities))
	for _, p := range Priorities {
		s.queues[p] = make(chan *queuedTask, cfg.QueueSize)
	}
	s.sup = rtsup.New(runCtx,
		rtsup.WithLogger(s.log),
		// A broken worker is restarted; it never takes the process down.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	stopCh := s.stopCh
	queues := s.queues
	s.mu.Unlock()

	exitErr := func(c context.Context, what string) error {
		select {
		case <-stopCh:
			return context.Canceled
		default:
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New(what + " exited unexpectedly")
	}

	for _, p := range Priorities {
		q := queues[p]
		for i := 0; i < cfg.Workers; i++ {
			name := fmt.Sprintf("worker.%s.%d", p, i)
			sup.GoRestart(name, func(c context.Context) error {
				s.worker(c, stopCh, q)
				return exitErr(c, name)
			}, rtsup.WithPublishFirstError(true))
		}
	}
	sup.GoRestart("metrics", func(c context.Context) error {
		s.collectMetrics(c, stopCh, cfg.MetricsInterval)
		return exitErr(c, "metrics")
	})

	s.log.Info("task engine started",
		logx.Int("workers_per_priority", cfg.Workers),
		logx.Int("queue", cfg.QueueSize),
		logx.Int("priorities", len(Priorities)),
	)
}

// Stop stops accepting work, lets in-flight attempts finish for up to
// StopGrace (or until ctx is done), then cancels them. Tasks still queued or
// waiting for a retry are resolved as failed with ErrStopped.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	cancelRun := s.cancelRun
	grace := s.cfg.StopGrace
	timers := s.retries
	s.retries = nil
	s.mu.Unlock()

	// A timer that already fired sees the stopping state and resolves itself.
	for qt, t := range timers {
		if t.Stop() {
			s.complete(qt, nil, &ExecutionError{Task: qt.task.Name, Attempts: qt.retries, Err: ErrStopped}, 0)
		}
	}

	graceCtx, cancelGrace := context.WithTimeout(ctx, grace)
	_ = sup.Wait(graceCtx)
	forced := graceCtx.Err() != nil
	cancelGrace()
	if forced {
		s.log.Warn("task engine grace period elapsed; cancelling in-flight tasks",
			logx.Duration("grace", grace),
			logx.Int("active", len(s.ActiveTasks())),
		)
	}
	cancelRun()
	waitCtx, cancelWait := context.WithTimeout(context.Background(), forceStopWait)
	if err := sup.Wait(waitCtx); errors.Is(err, context.DeadlineExceeded) {
		s.log.Warn("task engine workers still running after cancel", logx.Int64("active", sup.Counters().Active))
	}
	cancelWait()

	s.mu.Lock()
	queues := s.queues
	s.queues = nil
	s.stopCh = nil
	s.stopDone = nil
	s.sup = nil
	s.cancelRun = nil
	s.mu.Unlock()

	drained := 0
	for _, p := range Priorities {
		q := queues[p]
	drain:
		for {
			select {
			case qt := <-q:
				drained++
				s.complete(qt, nil, &ExecutionError{Task: qt.task.Name, Attempts: qt.retries, Err: ErrStopped}, 0)
			default:
				break drain
			}
		}
	}

	s.log.Info("task engine stopped", logx.Bool("forced", forced), logx.Int("drained", drained))
	close(done)
}

// Submit enqueues t without blocking. It reports false when the engine is not
// running or the priority queue is full.
func (s *Service) Submit(t Task) bool {
	_, err := s.Enqueue(t)
	return err == nil
}

// SubmitFunc is Submit for an ad-hoc function with default retry and timeout.
func (s *Service) SubmitFunc(name string, prio Priority, fn Func) bool {
	return s.Submit(Task{Name: name, Priority: prio, Run: fn})
}

// Enqueue is Submit with the reason for a rejection. The returned id is the
// task id (generated when t.ID is empty) so callers can register OnComplete.
func (s *Service) Enqueue(t Task) (string, error) {
	if t.Run == nil {
		return "", fmt.Errorf("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return "", fmt.Errorf("task Name is required")
	}
	if !t.Priority.valid() {
		t.Priority = PriorityNormal
	}
	if strings.TrimSpace(t.ID) == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}

	s.mu.Lock()
	cfg := s.cfg
	switch {
	case !cfg.Enabled:
		s.mu.Unlock()
		return t.ID, ErrDisabled
	case s.stopCh == nil:
		s.mu.Unlock()
		return t.ID, ErrStopped
	case s.stopDone != nil:
		s.mu.Unlock()
		return t.ID, ErrStopping
	}

	qt := &queuedTask{
		task:       t,
		enqueuedAt: now,
		timeout:    t.Timeout,
		maxRetries: t.MaxRetries,
		retryDelay: t.RetryDelay,
	}
	if qt.timeout <= 0 {
		qt.timeout = cfg.TimeoutFor(t.Priority)
	}
	if qt.maxRetries == 0 {
		qt.maxRetries = cfg.RetryMax
	} else if qt.maxRetries < 0 {
		qt.maxRetries = 0
	}
	if qt.retryDelay <= 0 {
		qt.retryDelay = cfg.RetryDelay
	}

	// Send under mu so Stop can't drain before a racing enqueue lands.
	q := s.queues[t.Priority]
	select {
	case q <- qt:
		s.mu.Unlock()
		s.m.submitted.Add(1)
		return t.ID, nil
	default:
	}
	s.mu.Unlock()
	s.onQueueFullDropped(now, t, q)
	return t.ID, ErrQueueFull
}

// OnComplete registers fn for the result of task id and returns a function
// that unregisters it. Callbacks run once and are then removed. If the task
// already finished and its result is still in history, fn runs immediately.
//
// Pick the task id before Submit and register first when the result must not
// be missed even after history rotation.
func (s *Service) OnComplete(id string, fn func(Result)) (unregister func()) {
	if fn == nil || id == "" {
		return func() {}
	}
	s.hmu.Lock()
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].TaskID == id {
			r := s.history[i]
			s.hmu.Unlock()
			s.invoke(fn, r)
			return func() {}
		}
	}
	s.cbSeq++
	seq := s.cbSeq
	m := s.callbacks[id]
	if m == nil {
		m = map[uint64]func(Result){}
		s.callbacks[id] = m
	}
	m[seq] = fn
	s.hmu.Unlock()

	return func() {
		s.hmu.Lock()
		if m := s.callbacks[id]; m != nil {
			delete(m, seq)
			if len(m) == 0 {
				delete(s.callbacks, id)
			}
		}
		s.hmu.Unlock()
	}
}

// History returns up to limit most recent results, oldest first. limit <= 0 returns all.
func (s *Service) History(limit int) []Result {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	h := s.history
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	out := make([]Result, len(h))
	copy(out, h)
	return out
}

// ActiveTasks lists attempts currently running, oldest first.
func (s *Service) ActiveTasks() []ActiveTask {
	s.amu.Lock()
	out := make([]ActiveTask, 0, len(s.active))
	for _, a := range s.active {
		out = append(out, a)
	}
	s.amu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	running := s.stopCh != nil && s.stopDone == nil
	retrying := len(s.retries)
	s.mu.Unlock()

	timeouts := make(map[string]time.Duration, len(Priorities))
	for _, p := range Priorities {
		timeouts[p.String()] = cfg.TimeoutFor(p)
	}
	return Snapshot{
		Enabled:   cfg.Enabled,
		Running:   running,
		Workers:   cfg.Workers,
		QueueCap:  cfg.QueueSize,
		QueueLens: s.queueDepths(),
		Active:    s.ActiveTasks(),
		Retrying:  retrying,
		Timeouts:  timeouts,
		Metrics:   s.GetMetrics(),
	}
}

func (s *Service) queueDepths() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(Priorities))
	for _, p := range Priorities {
		out[p.String()] = len(s.queues[p])
	}
	return out
}

func (s *Service) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}

func (s *Service) onQueueFullDropped(now time.Time, t Task, q chan *queuedTask) {
	s.m.dropped.Add(1)
	eventbus.Publish(s.bus, eventbus.TaskDropped, TaskEvent{ID: t.ID, Name: t.Name, Priority: t.Priority.String(), Started: now, Error: "queue_full"})

	if s.shouldWarn(&s.lastQueueFullWarnAt, now) {
		s.log.Warn("task dropped: queue full",
			logx.String("task", t.Name),
			logx.String("id", t.ID),
			logx.String("priority", t.Priority.String()),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped", s.m.dropped.Load()),
		)
	}
}
