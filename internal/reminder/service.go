package reminder

import (
	"context"
	"errors"
	"sync"
	"time"

	"reminderd/internal/eventbus"
	"reminderd/internal/storage"
	"reminderd/internal/task/engine"
	"reminderd/internal/timeparse"
	"reminderd/pkg/logx"
)

// Service is the reminder scheduler: the public boundary used by command
// hosts plus the loop that delivers due items.
type Service struct {
	cfg      Config
	store    Store
	exec     Executor
	deliver  Deliverer
	log      logx.Logger
	bus      eventbus.Bus
	now      func() time.Time
	defaultZ string

	wake     *Signal
	failures *failureWriter

	// unmarked holds ids sent but not yet deleted; loop goroutine only.
	unmarked map[int64]struct{}

	fmu    sync.RWMutex
	failed map[int64]string
}

type Option func(*Service)

// WithClock overrides the wall clock used for due checks and parsing.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithDefaultTimezone sets the zone used when an owner has none stored.
func WithDefaultTimezone(tz string) Option {
	return func(s *Service) {
		if tz != "" {
			s.defaultZ = tz
		}
	}
}

func New(cfg Config, store Store, exec Executor, d Deliverer, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	cfg = cfg.withDefaults()
	log = log.With(logx.Component("reminder"))
	s := &Service{
		cfg:      cfg,
		store:    store,
		exec:     exec,
		deliver:  d,
		log:      log,
		bus:      bus,
		now:      time.Now,
		defaultZ: storage.DefaultTimezone,
		wake:     NewSignal(),
		failed:   map[int64]string{},
		unmarked: map[int64]struct{}{},
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	s.failures = newFailureWriter(store, log, cfg.FailureDebounce, cfg.FailureQueue)
	return s
}

// LoadFailures seeds the in-memory failure set from the store. Call once before Run.
func (s *Service) LoadFailures(ctx context.Context) error {
	list, err := s.store.ListDeliveryFailures(ctx)
	if err != nil {
		return err
	}
	s.fmu.Lock()
	for _, f := range list {
		s.failed[f.OwnerID] = f.Reason
	}
	s.fmu.Unlock()
	if len(list) > 0 {
		s.log.Info("loaded delivery failures", logx.Int("owners", len(list)))
	}
	return nil
}

// RunFailureWriter persists failure-set changes until ctx is done, then flushes.
func (s *Service) RunFailureWriter(ctx context.Context) error {
	s.failures.run(ctx)
	return nil
}

// Wake nudges the loop to recompute its sleep.
func (s *Service) Wake() { s.wake.Set() }

func (s *Service) AddDueItem(ctx context.Context, owner int64, payload string, at time.Time, tz string) (bool, string) {
	return s.AddDueItemIn(ctx, owner, payload, at, tz, 0)
}

// AddDueItemIn adds an item delivered to channel (0 means the owner directly).
// An empty tz uses the owner's stored zone.
func (s *Service) AddDueItemIn(ctx context.Context, owner int64, payload string, at time.Time, tz string, channel int64) (bool, string) {
	if tz == "" {
		tz = s.GetTimezone(ctx, owner)
	}
	item, err := s.store.AddDueItem(ctx, owner, payload, at, tz, channel)
	if err != nil {
		var le *storage.LimitExceededError
		switch {
		case errors.Is(err, storage.ErrPastTime):
			return false, ReasonPast
		case errors.As(err, &le):
			return false, reasonLimit(le.Limit)
		case errors.Is(err, storage.ErrDuplicate):
			return false, ReasonDuplicate
		case errors.Is(err, storage.ErrInvalidTimezone):
			return false, reasonUnknownTimezone(tz)
		}
		s.log.Error("add item failed", logx.Owner(owner), logx.Err(err))
		return false, ReasonAddFailed
	}

	s.clearFailure(owner)
	s.wake.Set()
	eventbus.Publish(s.bus, eventbus.ReminderAdded, item)
	s.log.Debug("item added", logx.Owner(owner), logx.Time("due_at", item.DueAt))
	return true, ReasonAdded
}

func (s *Service) Cancel(ctx context.Context, owner int64, at time.Time) (bool, string) {
	item, err := s.store.Cancel(ctx, owner, at)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, ReasonNotFound
		}
		s.log.Error("cancel failed", logx.Owner(owner), logx.Err(err))
		return false, ReasonCancelFailed
	}
	s.wake.Set()
	eventbus.Publish(s.bus, eventbus.ReminderCancelled, item)
	return true, reasonCancelled(item.Payload)
}

// ListDueItems returns the owner's pending items ascending; nil on error.
func (s *Service) ListDueItems(ctx context.Context, owner int64) []storage.DueItem {
	items, err := s.store.GetOwnerItems(ctx, owner)
	if err != nil {
		s.log.Error("list items failed", logx.Owner(owner), logx.Err(err))
		return nil
	}
	return items
}

func (s *Service) SetTimezone(ctx context.Context, owner int64, tz string) (bool, string) {
	if err := s.store.SetOwnerTimezone(ctx, owner, tz); err != nil {
		if errors.Is(err, storage.ErrInvalidTimezone) {
			return false, reasonUnknownTimezone(tz)
		}
		s.log.Error("set timezone failed", logx.Owner(owner), logx.Err(err))
		return false, ReasonTimezoneFailed
	}
	return true, reasonTimezoneSet(tz)
}

// GetTimezone never fails: store errors fall back to the default zone.
func (s *Service) GetTimezone(ctx context.Context, owner int64) string {
	tz, err := s.store.GetOwnerTimezone(ctx, owner)
	if err != nil {
		s.log.Warn("get timezone failed", logx.Owner(owner), logx.Err(err))
		return s.defaultZ
	}
	if tz == "" {
		return s.defaultZ
	}
	return tz
}

func (s *Service) ParseNaturalTime(text, tz string) (time.Time, bool) {
	if tz == "" {
		tz = s.defaultZ
	}
	return timeparse.ParseIn(text, tz, s.now())
}

// SubmitTask runs fn on the executor with default retry and timeout.
func (s *Service) SubmitTask(name string, fn engine.Func, prio engine.Priority) bool {
	return s.exec.Submit(engine.Task{Name: name, Priority: prio, Run: fn})
}

func (s *Service) GetMetrics() engine.Metrics { return s.exec.GetMetrics() }

// NextDue is the earliest pending due time across all owners.
func (s *Service) NextDue(ctx context.Context) (time.Time, bool) {
	t, ok, err := s.store.GetNextDueTimestamp(ctx, s.now())
	if err != nil {
		s.log.Error("next due failed", logx.Err(err))
		return time.Time{}, false
	}
	return t, ok
}

// HasDeliveryFailure reports whether the owner was found unreachable by a
// direct delivery since their last add.
func (s *Service) HasDeliveryFailure(owner int64) bool {
	s.fmu.RLock()
	defer s.fmu.RUnlock()
	_, ok := s.failed[owner]
	return ok
}

func (s *Service) recordFailure(owner int64, reason string) {
	s.fmu.Lock()
	s.failed[owner] = reason
	s.fmu.Unlock()
	s.failures.put(failureOp{owner: owner, reason: reason, at: s.now()})
}

func (s *Service) clearFailure(owner int64) {
	s.fmu.Lock()
	_, had := s.failed[owner]
	delete(s.failed, owner)
	s.fmu.Unlock()
	if had {
		s.failures.put(failureOp{owner: owner, clear: true})
	}
}
