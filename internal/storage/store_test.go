package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "reminderd/pkg/logx"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func openTestStore(t *testing.T, cfg Config) (*Store, *testClock) {
	t.Helper()
	clk := &testClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	cfg.Driver = "sqlite"
	cfg.Path = filepath.Join(t.TempDir(), "data", "reminders.db")
	st, err := Open(context.Background(), cfg, logx.Nop(), WithClock(clk.Now))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st, clk
}

func TestAddAndListAscending(t *testing.T) {
	t.Parallel()
	st, clk := openTestStore(t, Config{})
	ctx := context.Background()
	now := clk.Now()

	for _, d := range []time.Duration{3 * time.Hour, time.Hour, 2 * time.Hour} {
		if _, err := st.AddDueItem(ctx, 7, "in "+d.String(), now.Add(d), "UTC", 0); err != nil {
			t.Fatalf("AddDueItem(%s): %v", d, err)
		}
	}
	items, err := st.GetOwnerItems(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 {
		t.Fatalf("got %d items", len(items))
	}
	for i := 1; i < len(items); i++ {
		if !items[i-1].DueAt.Before(items[i].DueAt) {
			t.Fatalf("items not ascending: %v", items)
		}
	}
	if items[0].Payload != "in 1h0m0s" || items[0].Timezone != "UTC" || items[0].ID == 0 {
		t.Fatalf("first item = %+v", items[0])
	}
}

func TestAddValidation(t *testing.T) {
	t.Parallel()
	st, clk := openTestStore(t, Config{MaxItemsPerOwner: 2})
	ctx := context.Background()
	now := clk.Now()

	_, err := st.AddDueItem(ctx, 1, "past", now.Add(-time.Second), "", 0)
	var pe *PastTimeError
	if !errors.As(err, &pe) || !errors.Is(err, ErrPastTime) {
		t.Fatalf("past: err = %v", err)
	}
	if _, err := st.AddDueItem(ctx, 1, "now", now, "", 0); !errors.Is(err, ErrPastTime) {
		t.Fatalf("exactly now must be rejected, err = %v", err)
	}

	_, err = st.AddDueItem(ctx, 1, "bad zone", now.Add(time.Hour), "Mars/Olympus", 0)
	var ze *InvalidTimezoneError
	if !errors.As(err, &ze) || !errors.Is(err, ErrInvalidTimezone) {
		t.Fatalf("bad zone: err = %v", err)
	}

	at := now.Add(time.Hour)
	it, err := st.AddDueItem(ctx, 1, "first", at, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if it.Timezone != DefaultTimezone {
		t.Fatalf("default timezone not applied: %q", it.Timezone)
	}

	_, err = st.AddDueItem(ctx, 1, "dup", at, "", 0)
	var de *DuplicateError
	if !errors.As(err, &de) || !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate: err = %v", err)
	}
	// Same instant for another owner is fine.
	if _, err := st.AddDueItem(ctx, 2, "other owner", at, "", 0); err != nil {
		t.Fatalf("other owner: %v", err)
	}

	if _, err := st.AddDueItem(ctx, 1, "second", at.Add(time.Minute), "", 0); err != nil {
		t.Fatal(err)
	}
	_, err = st.AddDueItem(ctx, 1, "third", at.Add(2*time.Minute), "", 0)
	var le *LimitExceededError
	if !errors.As(err, &le) || le.Limit != 2 {
		t.Fatalf("limit: err = %v", err)
	}
	if n, _ := st.CountOwnerItems(ctx, 1); n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}
}

func TestDefaultLimitUnderConcurrency(t *testing.T) {
	t.Parallel()
	st, clk := openTestStore(t, Config{})
	ctx := context.Background()
	base := clk.Now().Add(time.Hour)

	var ok, limited atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < DefaultMaxItemsPerOwner+5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := st.AddDueItem(ctx, 99, "x", base.Add(time.Duration(i)*time.Minute), "", 0)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrLimitExceeded):
				limited.Add(1)
			default:
				t.Errorf("add %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	if ok.Load() != DefaultMaxItemsPerOwner || limited.Load() != 5 {
		t.Fatalf("ok=%d limited=%d", ok.Load(), limited.Load())
	}
}

func TestCacheInvalidatedOnWrite(t *testing.T) {
	t.Parallel()
	st, clk := openTestStore(t, Config{})
	ctx := context.Background()
	now := clk.Now()

	if items, _ := st.GetOwnerItems(ctx, 5); len(items) != 0 {
		t.Fatalf("expected empty list, got %v", items)
	}
	if _, ok, _ := st.GetNextDueTimestamp(ctx, now); ok {
		t.Fatal("expected no next due")
	}

	it, err := st.AddDueItem(ctx, 5, "a", now.Add(10*time.Minute), "", 0)
	if err != nil {
		t.Fatal(err)
	}
	items, _ := st.GetOwnerItems(ctx, 5)
	if len(items) != 1 {
		t.Fatalf("stale owner list after add: %v", items)
	}
	next, ok, _ := st.GetNextDueTimestamp(ctx, now)
	if !ok || !next.Equal(it.DueAt) {
		t.Fatalf("stale next due after add: %v %v", next, ok)
	}

	if _, err := st.Cancel(ctx, 5, it.DueAt); err != nil {
		t.Fatal(err)
	}
	if items, _ := st.GetOwnerItems(ctx, 5); len(items) != 0 {
		t.Fatalf("stale owner list after cancel: %v", items)
	}
	if _, ok, _ := st.GetNextDueTimestamp(ctx, now); ok {
		t.Fatal("stale next due after cancel")
	}
}

func TestCacheFillRacingWriterIsDropped(t *testing.T) {
	t.Parallel()
	st, clk := openTestStore(t, Config{})
	ctx := context.Background()
	now := clk.Now()

	// A reader misses, snapshots the generation and loads the pre-write
	// (empty) list.
	gen := st.items.Generation()
	var stale []DueItem

	// The writer commits and invalidates before the reader fills.
	if _, err := st.AddDueItem(ctx, 6, "fresh", now.Add(time.Hour), "", 0); err != nil {
		t.Fatal(err)
	}
	if st.items.SetAt(gen, itemsKey(6), stale, 0) {
		t.Fatal("stale fill accepted after invalidation")
	}
	if items, _ := st.GetOwnerItems(ctx, 6); len(items) != 1 || items[0].Payload != "fresh" {
		t.Fatalf("owner list = %v, want the committed item", items)
	}
}

func TestNextDueCachedValueInPastIsMiss(t *testing.T) {
	t.Parallel()
	st, clk := openTestStore(t, Config{})
	ctx := context.Background()
	now := clk.Now()
	a, _ := st.AddDueItem(ctx, 1, "a", now.Add(time.Minute), "", 0)
	b, _ := st.AddDueItem(ctx, 2, "b", now.Add(2*time.Minute), "", 0)

	if next, _, _ := st.GetNextDueTimestamp(ctx, now); !next.Equal(a.DueAt) {
		t.Fatalf("next = %v, want %v", next, a.DueAt)
	}
	// Within the cache TTL, but the cached instant has passed.
	clk.Advance(90 * time.Second)
	next, ok, err := st.GetNextDueTimestamp(ctx, clk.Now())
	if err != nil || !ok || !next.Equal(b.DueAt) {
		t.Fatalf("next = %v %v %v, want %v", next, ok, err, b.DueAt)
	}
}

func TestDueItemsCancelMarkDelivered(t *testing.T) {
	t.Parallel()
	st, clk := openTestStore(t, Config{})
	ctx := context.Background()
	now := clk.Now()
	a, _ := st.AddDueItem(ctx, 1, "a", now.Add(2*time.Minute), "", 0)
	b, _ := st.AddDueItem(ctx, 2, "b", now.Add(time.Minute), "", 42)
	c, _ := st.AddDueItem(ctx, 1, "c", now.Add(time.Hour), "", 0)

	clk.Advance(5 * time.Minute)
	due, err := st.GetDueItems(ctx, clk.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 || due[0].Payload != "b" || due[1].Payload != "a" || due[0].ChannelID != 42 {
		t.Fatalf("due = %+v", due)
	}

	if err := st.MarkDelivered(ctx, b.OwnerID, b.DueAt); err != nil {
		t.Fatal(err)
	}
	if err := st.MarkDelivered(ctx, b.OwnerID, b.DueAt); err != nil {
		t.Fatalf("second MarkDelivered: %v", err)
	}
	// Owner must match.
	if err := st.MarkDelivered(ctx, 2, a.DueAt); err != nil {
		t.Fatal(err)
	}
	if due, _ := st.GetDueItems(ctx, clk.Now()); len(due) != 1 || due[0].Payload != "a" {
		t.Fatalf("after mark: %+v", due)
	}

	got, err := st.Cancel(ctx, 1, c.DueAt)
	if err != nil || got.Payload != "c" {
		t.Fatalf("Cancel = %+v, %v", got, err)
	}
	_, err = st.Cancel(ctx, 1, c.DueAt)
	var nf *NotFoundError
	if !errors.As(err, &nf) || !errors.Is(err, ErrNotFound) {
		t.Fatalf("second cancel err = %v", err)
	}
}

func TestPurgeExpired(t *testing.T) {
	t.Parallel()
	st, clk := openTestStore(t, Config{})
	ctx := context.Background()
	now := clk.Now()
	old1, _ := st.AddDueItem(ctx, 1, "old1", now.Add(time.Minute), "", 0)
	old2, _ := st.AddDueItem(ctx, 2, "old2", now.Add(2*time.Minute), "", 0)
	if _, err := st.AddDueItem(ctx, 1, "recent", now.Add(50*time.Minute), "", 0); err != nil {
		t.Fatal(err)
	}
	_, _ = st.GetOwnerItems(ctx, 1) // warm cache

	clk.Advance(time.Hour + 30*time.Minute)
	purged, err := st.PurgeExpired(ctx, clk.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(purged) != 2 || purged[0].Payload != old1.Payload || purged[1].Payload != old2.Payload {
		t.Fatalf("purged = %+v", purged)
	}
	items, _ := st.GetOwnerItems(ctx, 1)
	if len(items) != 1 || items[0].Payload != "recent" {
		t.Fatalf("remaining = %+v", items)
	}
	if again, _ := st.PurgeExpired(ctx, clk.Now()); len(again) != 0 {
		t.Fatalf("second purge = %+v", again)
	}
}

func TestOwnerTimezone(t *testing.T) {
	t.Parallel()
	st, _ := openTestStore(t, Config{DefaultTimezone: "UTC"})
	ctx := context.Background()

	if tz, err := st.GetOwnerTimezone(ctx, 3); err != nil || tz != "UTC" {
		t.Fatalf("default tz = %q, %v", tz, err)
	}
	if err := st.SetOwnerTimezone(ctx, 3, "Europe/Berlin"); err != nil {
		t.Fatal(err)
	}
	if tz, _ := st.GetOwnerTimezone(ctx, 3); tz != "Europe/Berlin" {
		t.Fatalf("tz = %q after set", tz)
	}
	if err := st.SetOwnerTimezone(ctx, 3, "Asia/Tokyo"); err != nil {
		t.Fatal(err)
	}
	if tz, _ := st.GetOwnerTimezone(ctx, 3); tz != "Asia/Tokyo" {
		t.Fatalf("tz = %q after upsert", tz)
	}
	for _, bad := range []string{"", "Local", "Mars/Olympus"} {
		err := st.SetOwnerTimezone(ctx, 3, bad)
		var ie *InvalidTimezoneError
		if !errors.As(err, &ie) || !errors.Is(err, ErrInvalidTimezone) {
			t.Fatalf("SetOwnerTimezone(%q) err = %v", bad, err)
		}
	}
}

func TestDeliveryFailures(t *testing.T) {
	t.Parallel()
	st, _ := openTestStore(t, Config{})
	ctx := context.Background()

	if err := st.PutDeliveryFailure(ctx, DeliveryFailure{OwnerID: 1, Reason: "blocked"}); err != nil {
		t.Fatal(err)
	}
	if err := st.PutDeliveryFailure(ctx, DeliveryFailure{OwnerID: 1, Reason: "blocked again"}); err != nil {
		t.Fatal(err)
	}
	if err := st.PutDeliveryFailure(ctx, DeliveryFailure{OwnerID: 2, Reason: "chat not found"}); err != nil {
		t.Fatal(err)
	}
	list, err := st.ListDeliveryFailures(ctx)
	if err != nil || len(list) != 2 || list[0].Reason != "blocked again" {
		t.Fatalf("list = %+v, %v", list, err)
	}
	if err := st.ClearDeliveryFailure(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if list, _ := st.ListDeliveryFailures(ctx); len(list) != 1 || list[0].OwnerID != 2 {
		t.Fatalf("after clear = %+v", list)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(context.Background(), Config{Driver: "oracle"}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
	if _, err := Open(context.Background(), Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("postgres without dsn should fail")
	}
	if st, _ := openTestStore(t, Config{}); st.Stats().MaxOpenConns != DefaultMaxOpenConns {
		t.Fatalf("pool size = %d", st.Stats().MaxOpenConns)
	}
}
