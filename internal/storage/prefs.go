package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // zone validation must not depend on the host's zoneinfo
)

// ValidateTimezone returns *InvalidTimezoneError unless name is a loadable IANA zone.
// "Local" and the empty string are rejected.
func ValidateTimezone(name string) error {
	n := strings.TrimSpace(name)
	if n == "" || strings.EqualFold(n, "local") {
		return &InvalidTimezoneError{Name: name}
	}
	if _, err := time.LoadLocation(n); err != nil {
		return &InvalidTimezoneError{Name: name, Err: err}
	}
	return nil
}

func (s *Store) SetOwnerTimezone(ctx context.Context, owner int64, tz string) error {
	if err := ValidateTimezone(tz); err != nil {
		return err
	}
	tz = strings.TrimSpace(tz)
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO owner_prefs(owner_id, timezone, updated_at_ms) VALUES(?,?,?)
		 ON CONFLICT(owner_id) DO UPDATE SET timezone = excluded.timezone, updated_at_ms = excluded.updated_at_ms`),
		owner, tz, s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("set timezone: %w", err)
	}
	s.zones.Delete(zoneKey(owner))
	return nil
}

// GetOwnerTimezone returns the owner's zone or the configured default.
func (s *Store) GetOwnerTimezone(ctx context.Context, owner int64) (string, error) {
	if tz, ok := s.zones.Get(zoneKey(owner)); ok {
		return tz, nil
	}
	gen := s.zones.Generation()
	var tz string
	err := s.db.GetContext(ctx, &tz, s.db.Rebind(`SELECT timezone FROM owner_prefs WHERE owner_id = ?`), owner)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		tz = s.cfg.DefaultTimezone
	case err != nil:
		return s.cfg.DefaultTimezone, fmt.Errorf("get timezone: %w", err)
	}
	s.zones.SetAt(gen, zoneKey(owner), tz, 0)
	return tz, nil
}
