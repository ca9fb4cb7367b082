package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	logx "reminderd/pkg/logx"
)

// AddDueItem stores a new item for owner at at.
//
// It returns *PastTimeError when at is not after now, *LimitExceededError when
// the owner already has MaxItemsPerOwner live items and *DuplicateError when
// the owner already has an item at exactly that instant. A tz that is not a
// loadable zone yields *InvalidTimezoneError.
func (s *Store) AddDueItem(ctx context.Context, owner int64, payload string, at time.Time, tz string, channel int64) (DueItem, error) {
	now := s.now()
	if !at.After(now) {
		return DueItem{}, &PastTimeError{At: at, Now: now}
	}
	if tz == "" {
		tz = s.cfg.DefaultTimezone
	}
	if err := ValidateTimezone(tz); err != nil {
		return DueItem{}, err
	}
	tz = strings.TrimSpace(tz)
	row := dueRow{
		OwnerID:     owner,
		DueAtMS:     at.UnixMilli(),
		Payload:     payload,
		Timezone:    tz,
		ChannelID:   channel,
		CreatedAtMS: now.UnixMilli(),
	}

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.d.lockOwner(ctx, tx, owner); err != nil {
			return err
		}
		var n int
		if err := tx.GetContext(ctx, &n, tx.Rebind(`SELECT COUNT(*) FROM due_items WHERE owner_id = ?`), owner); err != nil {
			return err
		}
		if n >= s.cfg.MaxItemsPerOwner {
			return &LimitExceededError{Owner: owner, Limit: s.cfg.MaxItemsPerOwner}
		}
		err := tx.QueryRowxContext(ctx, tx.Rebind(
			`INSERT INTO due_items(owner_id, due_at_ms, payload, timezone, channel_id, created_at_ms)
			 VALUES(?,?,?,?,?,?) RETURNING id`),
			row.OwnerID, row.DueAtMS, row.Payload, row.Timezone, row.ChannelID, row.CreatedAtMS,
		).Scan(&row.ID)
		if err != nil && s.d.isUniqueViolation(err) {
			return &DuplicateError{Owner: owner, At: at}
		}
		return err
	})
	if err != nil {
		var le *LimitExceededError
		var de *DuplicateError
		if errors.As(err, &le) || errors.As(err, &de) {
			return DueItem{}, err
		}
		return DueItem{}, fmt.Errorf("add due item: %w", err)
	}
	s.invalidateOwner(owner)
	s.log.Debug("due item added", logx.Owner(owner), logx.Time("due_at", at))
	return row.item(), nil
}

// GetOwnerItems lists the owner's items by ascending due time.
func (s *Store) GetOwnerItems(ctx context.Context, owner int64) ([]DueItem, error) {
	if v, ok := s.items.Get(itemsKey(owner)); ok {
		return append([]DueItem(nil), v...), nil
	}
	gen := s.items.Generation()
	var rows []dueRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		`SELECT `+dueColumns+` FROM due_items WHERE owner_id = ? ORDER BY due_at_ms, id`), owner)
	if err != nil {
		return nil, fmt.Errorf("owner items: %w", err)
	}
	items := rowsToItems(rows)
	s.items.SetAt(gen, itemsKey(owner), items, 0)
	return append([]DueItem(nil), items...), nil
}

func (s *Store) CountOwnerItems(ctx context.Context, owner int64) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM due_items WHERE owner_id = ?`), owner); err != nil {
		return 0, fmt.Errorf("count owner items: %w", err)
	}
	return n, nil
}

// GetDueItems returns every item with due time <= now, oldest first.
func (s *Store) GetDueItems(ctx context.Context, now time.Time) ([]DueItem, error) {
	var rows []dueRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		`SELECT `+dueColumns+` FROM due_items WHERE due_at_ms <= ? ORDER BY due_at_ms, id`), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("due items: %w", err)
	}
	return rowsToItems(rows), nil
}

// GetNextDueTimestamp returns the earliest due time strictly after now.
// ok is false when nothing is scheduled.
func (s *Store) GetNextDueTimestamp(ctx context.Context, now time.Time) (time.Time, bool, error) {
	if v, hit := s.next.Get(keyNextDue); hit && (!v.ok || v.at.After(now)) {
		return v.at, v.ok, nil
	}
	gen := s.next.Generation()
	var ms sql.NullInt64
	err := s.db.GetContext(ctx, &ms, s.db.Rebind(`SELECT MIN(due_at_ms) FROM due_items WHERE due_at_ms > ?`), now.UnixMilli())
	if err != nil {
		return time.Time{}, false, fmt.Errorf("next due: %w", err)
	}
	v := nextDue{ok: ms.Valid}
	if ms.Valid {
		v.at = time.UnixMilli(ms.Int64)
	}
	s.next.SetAt(gen, keyNextDue, v, 0)
	return v.at, v.ok, nil
}

// Cancel deletes the owner's item at at and returns it.
func (s *Store) Cancel(ctx context.Context, owner int64, at time.Time) (DueItem, error) {
	var rows []dueRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		`DELETE FROM due_items WHERE owner_id = ? AND due_at_ms = ? RETURNING `+dueColumns), owner, at.UnixMilli())
	if err != nil {
		return DueItem{}, fmt.Errorf("cancel: %w", err)
	}
	if len(rows) == 0 {
		return DueItem{}, &NotFoundError{Owner: owner, At: at}
	}
	s.invalidateOwner(owner)
	return rows[0].item(), nil
}

// MarkDelivered removes a delivered item. Deleting a missing item is not an error.
func (s *Store) MarkDelivered(ctx context.Context, owner int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM due_items WHERE owner_id = ? AND due_at_ms = ?`), owner, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	s.invalidateOwner(owner)
	return nil
}

// PurgeExpired deletes items that are more than GraceWindow overdue and
// returns them by ascending due time.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) ([]DueItem, error) {
	cutoff := now.Add(-s.cfg.GraceWindow)
	var rows []dueRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		`DELETE FROM due_items WHERE due_at_ms < ? RETURNING `+dueColumns), cutoff.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("purge expired: %w", err)
	}
	items := rowsToItems(rows)
	sort.Slice(items, func(i, j int) bool {
		if items[i].DueAt.Equal(items[j].DueAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].DueAt.Before(items[j].DueAt)
	})
	if len(items) > 0 {
		s.items.InvalidatePrefix("")
		s.next.InvalidatePrefix("")
		s.log.Info("expired items purged", logx.Int("count", len(items)), logx.Time("cutoff", cutoff))
	}
	return items, nil
}
