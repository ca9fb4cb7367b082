package reminder

import (
	"context"
	"testing"
	"time"
)

func TestSignalIsLevelTriggered(t *testing.T) {
	t.Parallel()
	s := NewSignal()
	s.Set()
	s.Set()
	if !s.Wait(context.Background(), time.Second) {
		t.Fatal("Wait should see the pending Set")
	}
	if s.Wait(context.Background(), 20*time.Millisecond) {
		t.Fatal("repeated Set must collapse into one wake")
	}
}

func TestSignalWaitHonoursContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if NewSignal().Wait(ctx, time.Minute) {
		t.Fatal("cancelled wait reported a wake")
	}
	if time.Since(start) > time.Second {
		t.Fatal("Wait ignored cancellation")
	}
}
