package reminder

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"reminderd/internal/eventbus"
	"reminderd/internal/storage"
	"reminderd/internal/task/engine"
	"reminderd/pkg/logx"
)

type sleepPlan struct {
	d       time.Duration
	useWake bool
}

// Run drives delivery until ctx is done. Iteration errors and panics are
// logged and followed by ErrorBackoff; they never end the loop.
func (s *Service) Run(ctx context.Context) error {
	s.log.Info("scheduler loop started",
		logx.Duration("min_sleep", s.cfg.MinSleep),
		logx.Duration("max_sleep", s.cfg.MaxSleep))
	defer s.log.Info("scheduler loop stopped")

	for ctx.Err() == nil {
		plan, err := s.safeIterate(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.log.Error("scheduler iteration failed", logx.Err(err), logx.Duration("backoff", s.cfg.ErrorBackoff))
			sleepCtx(ctx, s.cfg.ErrorBackoff)
			continue
		}
		if plan.useWake {
			if s.wake.Wait(ctx, plan.d) {
				s.log.Debug("woken early")
			}
		} else {
			sleepCtx(ctx, plan.d)
		}
	}
	return nil
}

func (s *Service) safeIterate(ctx context.Context) (plan sleepPlan, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler iteration panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.iterate(ctx)
}

func (s *Service) iterate(ctx context.Context) (sleepPlan, error) {
	due, err := s.store.GetDueItems(ctx, s.now())
	if err != nil {
		return sleepPlan{}, fmt.Errorf("get due items: %w", err)
	}
	s.pruneUnmarked(due)

	var markErrs []error
	for _, it := range due {
		if err := ctx.Err(); err != nil {
			return sleepPlan{}, err
		}
		if _, sent := s.unmarked[it.ID]; !sent {
			if err := s.deliverItem(ctx, it); err != nil {
				return sleepPlan{}, err
			}
		}
		if err := s.markDelivered(ctx, it); err != nil {
			markErrs = append(markErrs, err)
		}
	}
	if len(markErrs) > 0 {
		return sleepPlan{}, fmt.Errorf("mark delivered (%d items): %w", len(markErrs), errors.Join(markErrs...))
	}

	now := s.now()
	next, ok, err := s.store.GetNextDueTimestamp(ctx, now)
	if err != nil {
		return sleepPlan{}, fmt.Errorf("get next due: %w", err)
	}
	if !ok {
		return sleepPlan{d: s.cfg.MaxSleep, useWake: true}, nil
	}
	d := next.Sub(now)
	if d < s.cfg.MinSleep {
		d = s.cfg.MinSleep
	}
	if d > s.cfg.MaxSleep {
		d = s.cfg.MaxSleep
	}
	return sleepPlan{d: d, useWake: d > s.cfg.LongSleepThreshold}, nil
}

// deliverItem attempts one due item. Every outcome is final: the caller marks
// the item delivered afterwards. The returned error is only ctx cancellation.
func (s *Service) deliverItem(ctx context.Context, it storage.DueItem) error {
	d := Delivery{
		ItemID:    it.ID,
		OwnerID:   it.OwnerID,
		ChannelID: it.ChannelID,
		Payload:   it.Payload,
		DueAt:     it.DueAt,
		Timezone:  it.Timezone,
		CreatedAt: it.CreatedAt,
	}
	log := s.log.With(logx.Owner(it.OwnerID), logx.Time("due_at", it.DueAt))

	if it.ChannelID == 0 && s.HasDeliveryFailure(it.OwnerID) {
		log.Info("skipping delivery: owner unreachable")
		return nil
	}
	err := s.runDelivery(ctx, d)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	switch {
	case err == nil:
		log.Info("delivered")
		eventbus.Publish(s.bus, eventbus.ReminderDelivered, it)
	case errors.Is(err, ErrUnreachable):
		log.Warn("owner unreachable; direct deliveries suspended", logx.Err(err))
		s.recordFailure(it.OwnerID, err.Error())
		eventbus.Publish(s.bus, eventbus.ReminderFailed, it)
	default:
		log.Warn("delivery failed", logx.Err(err))
		eventbus.Publish(s.bus, eventbus.ReminderFailed, it)
	}
	return nil
}

// markDelivered deletes an attempted item. On failure the item id is kept in
// s.unmarked so later iterations retry only the delete, never the send.
func (s *Service) markDelivered(ctx context.Context, it storage.DueItem) error {
	if err := s.store.MarkDelivered(ctx, it.OwnerID, it.DueAt); err != nil {
		s.unmarked[it.ID] = struct{}{}
		s.log.Error("mark delivered failed; retrying delete next pass",
			logx.Owner(it.OwnerID), logx.Time("due_at", it.DueAt), logx.Err(err))
		return err
	}
	delete(s.unmarked, it.ID)
	return nil
}

// pruneUnmarked forgets ids that are no longer due, e.g. purged or cancelled.
func (s *Service) pruneUnmarked(due []storage.DueItem) {
	if len(s.unmarked) == 0 {
		return
	}
	live := make(map[int64]struct{}, len(due))
	for _, it := range due {
		live[it.ID] = struct{}{}
	}
	for id := range s.unmarked {
		if _, ok := live[id]; !ok {
			delete(s.unmarked, id)
		}
	}
}

// runDelivery hands d to the executor as a HIGH task and waits for its
// result. A rejected task is delivered inline instead.
func (s *Service) runDelivery(ctx context.Context, d Delivery) error {
	id := uuid.NewString()
	done := make(chan engine.Result, 1)
	unregister := s.exec.OnComplete(id, func(r engine.Result) {
		select {
		case done <- r:
		default:
		}
	})

	_, err := s.exec.Enqueue(engine.Task{
		ID:       id,
		Name:     "deliver",
		Priority: engine.PriorityHigh,
		Timeout:  s.cfg.DeliveryTimeout,
		Run: func(ctx context.Context) (any, error) {
			return nil, engine.NoRetry(s.deliver.Deliver(ctx, d))
		},
	})
	if err != nil {
		unregister()
		s.log.Warn("executor rejected delivery; delivering inline", logx.Owner(d.OwnerID), logx.Err(err))
		timeout := s.cfg.DeliveryTimeout
		if timeout <= 0 {
			timeout = time.Minute
		}
		dctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return s.deliver.Deliver(dctx, d)
	}

	select {
	case r := <-done:
		if r.Success {
			return nil
		}
		if r.Err != nil {
			return r.Err
		}
		return fmt.Errorf("%s", r.Error)
	case <-ctx.Done():
		unregister()
		return ctx.Err()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
