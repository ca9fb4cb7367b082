package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"reminderd/internal/eventbus"
	logx "reminderd/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan *queuedTask) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			s.execOne(ctx, qt)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qt *queuedTask) {
	start := time.Now()
	attempt := qt.retries + 1
	if !qt.started {
		qt.started = true
		qt.queueDelay = max(start.Sub(qt.enqueuedAt), 0)

		s.mu.Lock()
		maxDelay := s.cfg.MaxQueueDelay
		s.mu.Unlock()
		if maxDelay > 0 && qt.queueDelay > maxDelay {
			s.m.dropped.Add(1)
			s.complete(qt, nil, &ExecutionError{Task: qt.task.Name, Attempts: 0, Err: ErrStale}, 0)
			return
		}
	}

	t := qt.task
	s.setActive(ActiveTask{ID: t.ID, Name: t.Name, Priority: t.Priority, Attempt: attempt, StartedAt: start})
	s.log.Debug("task.started", logx.String("task", t.Name), logx.String("priority", t.Priority.String()), logx.Int("attempt", attempt), logx.Duration("queue_delay", qt.queueDelay))
	eventbus.Publish(s.bus, eventbus.TaskStarted, TaskEvent{ID: t.ID, Name: t.Name, Priority: t.Priority.String(), Started: start, QueueDelay: qt.queueDelay, Attempts: attempt})

	val, err := s.runAttempt(ctx, qt, attempt)
	s.clearActive(t.ID)
	dur := time.Since(start)

	var te *TimeoutError
	switch {
	case err == nil:
		s.complete(qt, val, nil, dur)
	case ctx.Err() != nil:
		s.complete(qt, nil, &ExecutionError{Task: t.Name, Attempts: attempt, Err: ErrStopped}, dur)
	case errors.As(err, &te):
		s.m.timedOut.Add(1)
		s.complete(qt, nil, err, dur)
	case IsNoRetry(err):
		var nr noRetryError
		errors.As(err, &nr)
		s.complete(qt, nil, &ExecutionError{Task: t.Name, Attempts: attempt, Err: nr.err}, dur)
	case qt.retries < qt.maxRetries:
		s.scheduleRetry(qt, err)
	default:
		s.complete(qt, nil, &ExecutionError{Task: t.Name, Attempts: attempt, Err: err}, dur)
	}
}

// runAttempt runs one attempt under its timeout. The worker returns when the
// deadline fires even if the task ignores ctx; the task goroutine is left to
// finish on its own.
func (s *Service) runAttempt(ctx context.Context, qt *queuedTask, attempt int) (any, error) {
	actx, cancel := context.WithTimeout(ctx, qt.timeout)
	defer cancel()

	type outcome struct {
		v   any
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				ch <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := qt.task.Run(actx)
		ch <- outcome{v: v, err: err}
	}()

	timeout := func() error {
		return &TimeoutError{Task: qt.task.Name, Timeout: qt.timeout, Attempt: attempt}
	}
	select {
	case o := <-ch:
		if o.err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			return nil, timeout()
		}
		return o.v, o.err
	case <-actx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, timeout()
	}
}

// scheduleRetry puts qt back at the tail of its queue after retry_delay * retries.
func (s *Service) scheduleRetry(qt *queuedTask, err error) {
	qt.retries++
	delay := qt.retryDelay * time.Duration(qt.retries)
	s.m.retried.Add(1)

	s.log.Debug("task retry scheduled",
		logx.String("task", qt.task.Name),
		logx.Int("attempt", qt.retries+1),
		logx.Duration("delay", delay),
		logx.Err(err),
	)
	eventbus.Publish(s.bus, eventbus.TaskRetry, TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Priority: qt.task.Priority.String(), Started: time.Now(), Attempts: qt.retries, Error: err.Error()})

	s.mu.Lock()
	if s.stopCh == nil || s.stopDone != nil {
		s.mu.Unlock()
		s.complete(qt, nil, &ExecutionError{Task: qt.task.Name, Attempts: qt.retries, Err: ErrStopped}, 0)
		return
	}
	// The timer callback takes mu first, so it can't run before the map insert.
	s.retries[qt] = time.AfterFunc(delay, func() { s.requeue(qt, err) })
	s.mu.Unlock()
}

func (s *Service) requeue(qt *queuedTask, lastErr error) {
	s.mu.Lock()
	delete(s.retries, qt)
	if s.stopCh == nil || s.stopDone != nil {
		s.mu.Unlock()
		s.complete(qt, nil, &ExecutionError{Task: qt.task.Name, Attempts: qt.retries, Err: ErrStopped}, 0)
		return
	}
	q := s.queues[qt.task.Priority]
	select {
	case q <- qt:
		s.mu.Unlock()
		return
	default:
	}
	s.mu.Unlock()

	s.onQueueFullDropped(time.Now(), qt.task, q)
	s.complete(qt, nil, &ExecutionError{Task: qt.task.Name, Attempts: qt.retries, Err: fmt.Errorf("%w (last error: %v)", ErrQueueFull, lastErr)}, 0)
}

// complete records the terminal result of qt and dispatches its callbacks.
func (s *Service) complete(qt *queuedTask, val any, err error, execTime time.Duration) {
	t := qt.task
	now := time.Now()
	attempts := qt.retries + 1
	var ee *ExecutionError
	if errors.As(err, &ee) {
		attempts = ee.Attempts
	}
	res := Result{
		TaskID:        t.ID,
		Name:          t.Name,
		Priority:      t.Priority,
		Success:       err == nil,
		Value:         val,
		Err:           err,
		Attempts:      attempts,
		QueueDelay:    qt.queueDelay,
		ExecutionTime: execTime,
		CompletedAt:   now,
	}
	if err != nil {
		res.Error = err.Error()
	}

	s.mu.Lock()
	historySize := s.cfg.HistorySize
	ema := s.cfg.EMAFactor
	s.mu.Unlock()
	s.m.record(res, ema)

	ev := TaskEvent{ID: t.ID, Name: t.Name, Priority: t.Priority.String(), Started: now.Add(-execTime), QueueDelay: qt.queueDelay, Duration: execTime, Attempts: attempts, Error: res.Error}
	if err != nil {
		s.log.Warn("task.failed", logx.String("task", t.Name), logx.String("id", t.ID), logx.Err(err), logx.Duration("dur", execTime), logx.Int("attempts", attempts))
		eventbus.Publish(s.bus, eventbus.TaskFailed, ev)
	} else {
		if execTime >= 750*time.Millisecond {
			s.log.Info("task.completed", logx.String("task", t.Name), logx.Duration("queue_delay", qt.queueDelay), logx.Duration("dur", execTime), logx.Int("attempts", attempts))
		} else {
			s.log.Debug("task.completed", logx.String("task", t.Name), logx.Duration("queue_delay", qt.queueDelay), logx.Duration("dur", execTime), logx.Int("attempts", attempts))
		}
		eventbus.Publish(s.bus, eventbus.TaskFinished, ev)
	}

	s.hmu.Lock()
	s.history = append(s.history, res)
	if len(s.history) > historySize {
		s.history = append(s.history[:0:0], s.history[len(s.history)-historySize:]...)
	}
	cbs := s.callbacks[t.ID]
	delete(s.callbacks, t.ID)
	s.hmu.Unlock()

	for _, fn := range cbs {
		s.invoke(fn, res)
	}
}

func (s *Service) invoke(fn func(Result), r Result) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("task callback panicked", logx.String("task", r.Name), logx.String("id", r.TaskID), logx.Any("panic", p))
		}
	}()
	fn(r)
}

func (s *Service) setActive(a ActiveTask) {
	s.amu.Lock()
	s.active[a.ID] = a
	s.amu.Unlock()
}

func (s *Service) clearActive(id string) {
	s.amu.Lock()
	delete(s.active, id)
	s.amu.Unlock()
}
