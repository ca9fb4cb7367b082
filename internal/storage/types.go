package storage

import (
	"time"
)

const (
	DefaultMaxItemsPerOwner = 25
	DefaultGraceWindow      = time.Hour
	DefaultTimezone         = "Pacific/Auckland"
	DefaultMaxOpenConns     = 5
	DefaultBusyTimeout      = 5 * time.Second
	DefaultCacheTTL         = 300 * time.Second
	DefaultNextDueTTL       = 60 * time.Second
)

// Config configures the store.
//
// Driver values:
//   - "sqlite" (default): Path is the database file.
//   - "postgres": DSN is a pgx connection string.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only

	MaxOpenConns    int
	ConnMaxIdleTime time.Duration

	MaxItemsPerOwner int
	GraceWindow      time.Duration
	DefaultTimezone  string

	CacheTTL   time.Duration
	NextDueTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.Driver == "" {
		c.Driver = "sqlite"
	}
	if c.BusyTimeout <= 0 {
		c.BusyTimeout = DefaultBusyTimeout
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = DefaultMaxOpenConns
	}
	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.MaxItemsPerOwner <= 0 {
		c.MaxItemsPerOwner = DefaultMaxItemsPerOwner
	}
	if c.GraceWindow <= 0 {
		c.GraceWindow = DefaultGraceWindow
	}
	if c.DefaultTimezone == "" {
		c.DefaultTimezone = DefaultTimezone
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.NextDueTTL <= 0 {
		c.NextDueTTL = DefaultNextDueTTL
	}
	return c
}

// DueItem is a payload to deliver to an owner at DueAt. (DueAt, OwnerID) is unique.
type DueItem struct {
	ID        int64     `json:"id"`
	OwnerID   int64     `json:"owner_id"`
	DueAt     time.Time `json:"due_at"`
	Payload   string    `json:"payload"`
	Timezone  string    `json:"timezone"`
	ChannelID int64     `json:"channel_id,omitempty"` // 0 means direct delivery
	CreatedAt time.Time `json:"created_at"`
}

// DeliveryFailure remembers that direct delivery to an owner failed.
type DeliveryFailure struct {
	OwnerID  int64     `json:"owner_id"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}

// Stats is a diagnostics view of the store.
type Stats struct {
	Driver        string        `json:"driver"`
	MaxOpenConns  int           `json:"max_open_conns"`
	OpenConns     int           `json:"open_conns"`
	InUse         int           `json:"in_use"`
	Idle          int           `json:"idle"`
	WaitCount     int64         `json:"wait_count"`
	WaitDuration  time.Duration `json:"wait_duration"`
	CachedEntries int           `json:"cached_entries"`
	MaxItemsOwner int           `json:"max_items_per_owner"`
}

type dueRow struct {
	ID          int64  `db:"id"`
	OwnerID     int64  `db:"owner_id"`
	DueAtMS     int64  `db:"due_at_ms"`
	Payload     string `db:"payload"`
	Timezone    string `db:"timezone"`
	ChannelID   int64  `db:"channel_id"`
	CreatedAtMS int64  `db:"created_at_ms"`
}

func (r dueRow) item() DueItem {
	return DueItem{
		ID:        r.ID,
		OwnerID:   r.OwnerID,
		DueAt:     time.UnixMilli(r.DueAtMS),
		Payload:   r.Payload,
		Timezone:  r.Timezone,
		ChannelID: r.ChannelID,
		CreatedAt: time.UnixMilli(r.CreatedAtMS),
	}
}

func rowsToItems(rows []dueRow) []DueItem {
	out := make([]DueItem, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.item())
	}
	return out
}

const dueColumns = `id, owner_id, due_at_ms, payload, timezone, channel_id, created_at_ms`
