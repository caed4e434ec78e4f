package pgdelivery

import (
	"context"
	"strings"
	"time"

	"github.com/BearBump/HandOff/internal/models"
	"github.com/pkg/errors"
)

const orderColumns = `
  id, user_id, restaurant_id, driver_id, status,
  eta_promise, eta_confidence_low, eta_confidence_high,
  created_at, updated_at`

// UpsertOrder writes the order row and stamps updated_at.
func (s *Storage) UpsertOrder(ctx context.Context, o models.Order) (*models.Order, error) {
	if strings.TrimSpace(o.ID) == "" {
		return nil, errors.New("order id is required")
	}
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}

	var out models.Order
	err := s.db.QueryRow(ctx, `
INSERT INTO orders (
  id, user_id, restaurant_id, driver_id, status,
  eta_promise, eta_confidence_low, eta_confidence_high,
  created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (id) DO UPDATE SET
  user_id = EXCLUDED.user_id,
  restaurant_id = EXCLUDED.restaurant_id,
  driver_id = EXCLUDED.driver_id,
  status = EXCLUDED.status,
  eta_promise = EXCLUDED.eta_promise,
  eta_confidence_low = EXCLUDED.eta_confidence_low,
  eta_confidence_high = EXCLUDED.eta_confidence_high,
  updated_at = EXCLUDED.updated_at
RETURNING `+orderColumns,
		o.ID, o.UserID, o.RestaurantID, o.DriverID, o.Status,
		o.EtaPromise, o.EtaConfidenceLow, o.EtaConfidenceHigh,
		o.CreatedAt.UTC(), now,
	).Scan(
		&out.ID, &out.UserID, &out.RestaurantID, &out.DriverID, &out.Status,
		&out.EtaPromise, &out.EtaConfidenceLow, &out.EtaConfidenceHigh,
		&out.CreatedAt, &out.UpdatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, "upsert order")
	}
	return &out, nil
}

func (s *Storage) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	var o models.Order
	err := s.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id).Scan(
		&o.ID, &o.UserID, &o.RestaurantID, &o.DriverID, &o.Status,
		&o.EtaPromise, &o.EtaConfidenceLow, &o.EtaConfidenceHigh,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, "order "+id)
	}
	return &o, nil
}
