package reminder

import (
	"context"
	"time"
)

// Signal is a single-slot, level-triggered wake-up. Set never blocks and
// setting an already-set signal is a no-op; Wait consumes the level.
type Signal struct {
	ch chan struct{}
}

func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

func (s *Signal) Set() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until the signal is set, timeout elapses or ctx is done.
// It reports whether the signal fired.
func (s *Signal) Wait(ctx context.Context, timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-s.ch:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}
