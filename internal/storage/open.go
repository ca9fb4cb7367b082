package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"

	"reminderd/internal/cache"
	logx "reminderd/pkg/logx"
)

const keyNextDue = "next_due"

// Store persists due items. It is safe for concurrent use.
type Store struct {
	db  *sqlx.DB
	d   dialect
	cfg Config
	log logx.Logger
	now func() time.Time

	items *cache.Cache[[]DueItem]
	zones *cache.Cache[string]
	next  *cache.Cache[nextDue]
}

type nextDue struct {
	at time.Time
	ok bool
}

type Option func(*Store)

// WithClock overrides the time source used for validation and cache expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open connects to the configured database, sizes the pool and applies the schema.
func Open(ctx context.Context, cfg Config, log logx.Logger, opts ...Option) (*Store, error) {
	cfg = cfg.withDefaults()
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	dsn, err := d.dsn(cfg)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Open(d.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.name(), err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	s := &Store{
		db:  db,
		d:   d,
		cfg: cfg,
		log: log.With(logx.Component("storage")),
		now: time.Now,
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	s.items = cache.New(cache.WithClock[[]DueItem](s.now), cache.WithDefaultTTL[[]DueItem](cfg.CacheTTL))
	s.zones = cache.New(cache.WithClock[string](s.now), cache.WithDefaultTTL[string](cfg.CacheTTL))
	s.next = cache.New(cache.WithClock[nextDue](s.now), cache.WithDefaultTTL[nextDue](cfg.NextDueTTL))

	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.log.Info("storage opened",
		logx.String("driver", d.name()),
		logx.Int("pool", cfg.MaxOpenConns),
		logx.Int("max_items_per_owner", cfg.MaxItemsPerOwner),
	)
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts, err := schemaStatements(s.d)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", s.d.name(), err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.items.InvalidatePrefix("")
	s.zones.InvalidatePrefix("")
	s.next.InvalidatePrefix("")
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Config() Config { return s.cfg }

func (s *Store) Stats() Stats {
	st := s.db.Stats()
	return Stats{
		Driver:        s.d.name(),
		MaxOpenConns:  st.MaxOpenConnections,
		OpenConns:     st.OpenConnections,
		InUse:         st.InUse,
		Idle:          st.Idle,
		WaitCount:     st.WaitCount,
		WaitDuration:  st.WaitDuration,
		CachedEntries: s.items.Len() + s.zones.Len() + s.next.Len(),
		MaxItemsOwner: s.cfg.MaxItemsPerOwner,
	}
}

// PurgeCache drops expired cache entries.
func (s *Store) PurgeCache() int {
	return s.items.Purge() + s.zones.Purge() + s.next.Purge()
}

func ownerPrefix(owner int64) string { return "owner:" + strconv.FormatInt(owner, 10) + ":" }

func itemsKey(owner int64) string { return ownerPrefix(owner) + "items" }
func zoneKey(owner int64) string  { return ownerPrefix(owner) + "tz" }

// invalidateOwner drops the owner's cached item list and the global next-due value.
func (s *Store) invalidateOwner(owner int64) {
	s.items.InvalidatePrefix(ownerPrefix(owner))
	s.next.Delete(keyNextDue)
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
