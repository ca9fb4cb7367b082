package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"reminderd/internal/storage"
	"reminderd/internal/task/engine"
)

// Reasons returned by the public boundary.
const (
	ReasonAdded          = "Reminder set successfully"
	ReasonPast           = "Cannot set reminders for the past"
	ReasonDuplicate      = "You already have a reminder at this exact time"
	ReasonNotFound       = "Reminder not found"
	ReasonAddFailed      = "Failed to add reminder"
	ReasonCancelFailed   = "Failed to cancel reminder"
	ReasonTimezoneFailed = "Failed to set timezone"
)

func reasonLimit(n int) string               { return fmt.Sprintf("You already have %d reminders set", n) }
func reasonCancelled(payload string) string  { return "Cancelled reminder: " + payload }
func reasonTimezoneSet(tz string) string     { return "Timezone set to " + tz }
func reasonUnknownTimezone(tz string) string { return "Unknown timezone: " + tz }

// Config tunes the scheduler loop. Zero values get defaults.
type Config struct {
	MinSleep           time.Duration
	MaxSleep           time.Duration
	LongSleepThreshold time.Duration
	ErrorBackoff       time.Duration

	// DeliveryTimeout bounds one delivery attempt; 0 uses the executor's HIGH timeout.
	DeliveryTimeout time.Duration
	FailureDebounce time.Duration
	FailureQueue    int
}

func (c Config) withDefaults() Config {
	if c.MinSleep <= 0 {
		c.MinSleep = time.Second
	}
	if c.MaxSleep <= 0 {
		c.MaxSleep = 5 * time.Minute
	}
	if c.MaxSleep < c.MinSleep {
		c.MaxSleep = c.MinSleep
	}
	if c.LongSleepThreshold <= 0 {
		c.LongSleepThreshold = time.Minute
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 10 * time.Second
	}
	if c.FailureDebounce <= 0 {
		c.FailureDebounce = 500 * time.Millisecond
	}
	if c.FailureQueue <= 0 {
		c.FailureQueue = 256
	}
	return c
}

// Delivery is one due item handed to a Deliverer.
type Delivery struct {
	ItemID    int64
	OwnerID   int64
	ChannelID int64 // 0 means deliver directly to the owner
	Payload   string
	DueAt     time.Time
	Timezone  string
	CreatedAt time.Time
}

// LocalDueAt is DueAt in the item's zone (UTC if the zone is unknown).
func (d Delivery) LocalDueAt() time.Time {
	if loc, err := time.LoadLocation(d.Timezone); err == nil {
		return d.DueAt.In(loc)
	}
	return d.DueAt.UTC()
}

// ErrUnreachable marks a permanent delivery failure: the owner blocked the
// bot or the chat is gone. Deliverers wrap it; any other error is transient.
var ErrUnreachable = errors.New("recipient unreachable")

// Deliverer sends a due item to its owner.
type Deliverer interface {
	Deliver(ctx context.Context, d Delivery) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, d Delivery) error

func (f DelivererFunc) Deliver(ctx context.Context, d Delivery) error { return f(ctx, d) }

// Store is the persistence the scheduler needs. *storage.Store implements it.
type Store interface {
	AddDueItem(ctx context.Context, owner int64, payload string, at time.Time, tz string, channel int64) (storage.DueItem, error)
	GetOwnerItems(ctx context.Context, owner int64) ([]storage.DueItem, error)
	GetDueItems(ctx context.Context, now time.Time) ([]storage.DueItem, error)
	GetNextDueTimestamp(ctx context.Context, now time.Time) (time.Time, bool, error)
	Cancel(ctx context.Context, owner int64, at time.Time) (storage.DueItem, error)
	MarkDelivered(ctx context.Context, owner int64, at time.Time) error
	PurgeExpired(ctx context.Context, now time.Time) ([]storage.DueItem, error)
	SetOwnerTimezone(ctx context.Context, owner int64, tz string) error
	GetOwnerTimezone(ctx context.Context, owner int64) (string, error)
	PutDeliveryFailure(ctx context.Context, f storage.DeliveryFailure) error
	ClearDeliveryFailure(ctx context.Context, owner int64) error
	ListDeliveryFailures(ctx context.Context) ([]storage.DeliveryFailure, error)
}

// Executor runs delivery and housekeeping work. *engine.Service implements it.
type Executor interface {
	Submit(t engine.Task) bool
	Enqueue(t engine.Task) (string, error)
	OnComplete(id string, fn func(engine.Result)) (unregister func())
	GetMetrics() engine.Metrics
}

// MissedEvent is published for items purged without delivery.
type MissedEvent struct {
	OwnerID int64     `json:"owner_id"`
	DueAt   time.Time `json:"due_at"`
	Payload string    `json:"payload"`
}
