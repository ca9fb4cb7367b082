package reminder

import (
	"context"

	"reminderd/internal/eventbus"
	"reminderd/internal/task/engine"
	"reminderd/pkg/logx"
)

// PurgeExpired drops items overdue past the grace window. Each dropped item
// is logged and published as reminder.missed.
func (s *Service) PurgeExpired(ctx context.Context) (int, error) {
	items, err := s.store.PurgeExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	for _, it := range items {
		s.log.Info("missed reminder purged", logx.Owner(it.OwnerID), logx.Time("due_at", it.DueAt))
		eventbus.Publish(s.bus, eventbus.ReminderMissed, MissedEvent{OwnerID: it.OwnerID, DueAt: it.DueAt, Payload: it.Payload})
	}
	return len(items), nil
}

// Housekeeping is the periodic job: purge, then log an executor summary.
func (s *Service) Housekeeping(ctx context.Context) (any, error) {
	n, err := s.PurgeExpired(ctx)
	if err != nil {
		s.log.Error("purge failed", logx.Err(err))
		return nil, err
	}
	m := s.GetMetrics()
	s.log.Info("housekeeping",
		logx.Int("purged", n),
		logx.Float64("success_rate", m.SuccessRate()),
		logx.Int("active", m.Active),
		logx.Uint64("submitted", m.Submitted),
		logx.Duration("avg_exec", m.AvgExecutionTime))
	return n, nil
}

// SubmitHousekeeping queues Housekeeping at LOW priority.
func (s *Service) SubmitHousekeeping() bool {
	return s.exec.Submit(engine.Task{Name: "purge_expired", Priority: engine.PriorityLow, Run: s.Housekeeping})
}
