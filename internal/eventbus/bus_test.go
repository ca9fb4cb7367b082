package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	defer unsubA()
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: ReminderAdded, Data: 1})

	for i, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != ReminderAdded || e.Time.IsZero() {
				t.Fatalf("subscriber %d got %+v", i, e)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d got nothing", i)
		}
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: TaskFinished})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}

func TestSubscribePrefixFilters(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := SubscribePrefix(b, 8, "reminder.")
	defer unsub()

	Publish(b, TaskStarted, nil)
	Publish(b, ReminderMissed, 3)

	select {
	case e := <-ch:
		if e.Type != ReminderMissed {
			t.Fatalf("got %s, want %s", e.Type, ReminderMissed)
		}
	case <-time.After(time.Second):
		t.Fatal("expected reminder event")
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected extra event %s", e.Type)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: TaskDropped})
	Publish(nil, TaskDropped, nil)
}
