package storage

import (
	"context"
	"fmt"
	"time"
)

type failureRow struct {
	OwnerID    int64  `db:"owner_id"`
	Reason     string `db:"reason"`
	FailedAtMS int64  `db:"failed_at_ms"`
}

func (s *Store) PutDeliveryFailure(ctx context.Context, f DeliveryFailure) error {
	if f.FailedAt.IsZero() {
		f.FailedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO delivery_failures(owner_id, reason, failed_at_ms) VALUES(?,?,?)
		 ON CONFLICT(owner_id) DO UPDATE SET reason = excluded.reason, failed_at_ms = excluded.failed_at_ms`),
		f.OwnerID, f.Reason, f.FailedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put delivery failure: %w", err)
	}
	return nil
}

func (s *Store) ClearDeliveryFailure(ctx context.Context, owner int64) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM delivery_failures WHERE owner_id = ?`), owner); err != nil {
		return fmt.Errorf("clear delivery failure: %w", err)
	}
	return nil
}

func (s *Store) ListDeliveryFailures(ctx context.Context) ([]DeliveryFailure, error) {
	var rows []failureRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT owner_id, reason, failed_at_ms FROM delivery_failures ORDER BY owner_id`); err != nil {
		return nil, fmt.Errorf("list delivery failures: %w", err)
	}
	out := make([]DeliveryFailure, 0, len(rows))
	for _, r := range rows {
		out = append(out, DeliveryFailure{OwnerID: r.OwnerID, Reason: r.Reason, FailedAt: time.UnixMilli(r.FailedAtMS)})
	}
	return out, nil
}
