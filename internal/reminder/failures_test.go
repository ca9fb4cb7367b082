package reminder

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"reminderd/internal/storage"
	logx "reminderd/pkg/logx"
)

type countingStore struct {
	*storage.Store
	puts   atomic.Int32
	clears atomic.Int32
}

func (c *countingStore) PutDeliveryFailure(ctx context.Context, f storage.DeliveryFailure) error {
	c.puts.Add(1)
	return c.Store.PutDeliveryFailure(ctx, f)
}

func (c *countingStore) ClearDeliveryFailure(ctx context.Context, owner int64) error {
	c.clears.Add(1)
	return c.Store.ClearDeliveryFailure(ctx, owner)
}

func openCountingStore(t *testing.T) *countingStore {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "f.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return &countingStore{Store: st}
}

func TestFailureWriterCoalescesPerOwner(t *testing.T) {
	t.Parallel()
	st := openCountingStore(t)
	w := newFailureWriter(st, logx.Nop(), time.Hour, 16)

	now := time.Now()
	w.put(failureOp{owner: 1, reason: "first", at: now})
	w.put(failureOp{owner: 1, reason: "second", at: now})
	w.put(failureOp{owner: 1, reason: "last", at: now})
	w.put(failureOp{owner: 2, reason: "other", at: now})
	w.put(failureOp{owner: 2, clear: true})

	// Cancellation flushes what is pending even though the debounce never fired.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.run(ctx)

	if p, c := st.puts.Load(), st.clears.Load(); p != 1 || c != 1 {
		t.Fatalf("puts=%d clears=%d, want 1 and 1", p, c)
	}
	list, err := st.ListDeliveryFailures(context.Background())
	if err != nil {
		t.Fatalf("ListDeliveryFailures: %v", err)
	}
	if len(list) != 1 || list[0].OwnerID != 1 || list[0].Reason != "last" {
		t.Fatalf("failures = %+v", list)
	}
}

func TestFailureWriterFlushesAfterDebounce(t *testing.T) {
	t.Parallel()
	st := openCountingStore(t)
	w := newFailureWriter(st, logx.Nop(), 30*time.Millisecond, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	w.put(failureOp{owner: 4, reason: "blocked", at: time.Now()})
	deadline := time.Now().Add(2 * time.Second)
	for st.puts.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("debounced write never happened")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLoadFailuresSeedsSkipSet(t *testing.T) {
	t.Parallel()
	st := openCountingStore(t)
	if err := st.PutDeliveryFailure(context.Background(), storage.DeliveryFailure{OwnerID: 11, Reason: "x", FailedAt: time.Now()}); err != nil {
		t.Fatalf("PutDeliveryFailure: %v", err)
	}
	svc := New(Config{}, st, nil, nil, logx.Nop(), nil)
	if err := svc.LoadFailures(context.Background()); err != nil {
		t.Fatalf("LoadFailures: %v", err)
	}
	if !svc.HasDeliveryFailure(11) || svc.HasDeliveryFailure(12) {
		t.Fatal("failure set not seeded from store")
	}
}
