package pgdelivery

import (
	"context"
	"strings"

	"github.com/BearBump/HandOff/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// AppendEvent inserts the event unless one with the same idempotency key
// exists; a duplicate is not an error.
func (s *Storage) AppendEvent(ctx context.Context, ev models.DeliveryEvent) error {
	_, err := s.InsertEvent(ctx, ev)
	return err
}

// InsertEvent is AppendEvent that also reports whether this call wrote the
// row. False with a nil error means the idempotency key was already taken.
func (s *Storage) InsertEvent(ctx context.Context, ev models.DeliveryEvent) (bool, error) {
	if strings.TrimSpace(ev.IdempotencyKey) == "" {
		return false, errors.New("idempotency key is required")
	}
	var payload any
	if len(ev.Payload) > 0 {
		payload = string(ev.Payload)
	}
	var id string
	err := s.db.QueryRow(ctx, `
INSERT INTO delivery_events (id, order_id, driver_id, event_type, payload, idempotency_key, created_at)
VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)
ON CONFLICT (idempotency_key) DO NOTHING
RETURNING id
`, ev.ID, ev.OrderID, ev.DriverID, ev.EventType, payload, ev.IdempotencyKey, ev.CreatedAt.UTC()).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "insert delivery event")
	}
	return true, nil
}

func (s *Storage) ListOrderEvents(ctx context.Context, orderID string) ([]*models.DeliveryEvent, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, order_id, driver_id, event_type, payload::text, idempotency_key, created_at
FROM delivery_events
WHERE order_id = $1
ORDER BY created_at, id
`, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "select events")
	}
	defer rows.Close()

	out := make([]*models.DeliveryEvent, 0)
	for rows.Next() {
		var e models.DeliveryEvent
		var payload *string
		if err := rows.Scan(&e.ID, &e.OrderID, &e.DriverID, &e.EventType, &payload, &e.IdempotencyKey, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		if payload != nil {
			e.Payload = []byte(*payload)
		}
		out = append(out, &e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// GrantCredit inserts the grant once per idempotency key and reports whether
// a grant with that key exists afterwards.
func (s *Storage) GrantCredit(ctx context.Context, g models.CreditGrant) (bool, error) {
	_, err := s.db.Exec(ctx, `
INSERT INTO ledger_credits (user_id, order_id, amount, reason, idempotency_key)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (idempotency_key) DO NOTHING
`, g.UserID, g.OrderID, g.Amount, g.Reason, g.IdempotencyKey)
	if err != nil {
		return false, errors.Wrap(err, "insert credit")
	}

	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_credits WHERE idempotency_key = $1)`, g.IdempotencyKey).Scan(&exists); err != nil {
		return false, errors.Wrap(err, "select credit")
	}
	return exists, nil
}

func (s *Storage) CountCredits(ctx context.Context, orderID string) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM ledger_credits WHERE order_id = $1`, orderID).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count credits")
	}
	return n, nil
}
