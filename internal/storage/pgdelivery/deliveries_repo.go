package pgdelivery

import (
	"context"
	"strings"
	"time"

	"github.com/BearBump/HandOff/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const deliveryColumns = `
  id, order_id, status, driver_id,
  pickup_address, pickup_lat, pickup_lng,
  dropoff_address, dropoff_lat, dropoff_lng,
  fee, driver_earnings,
  created_at, assigned_at, picked_up_at, on_the_way_at, delivered_at, cancelled_at, updated_at`

func scanDelivery(row pgx.Row) (*models.Delivery, error) {
	var d models.Delivery
	err := row.Scan(
		&d.ID, &d.OrderID, &d.Status, &d.DriverID,
		&d.Pickup.Address, &d.Pickup.Lat, &d.Pickup.Lng,
		&d.Dropoff.Address, &d.Dropoff.Lat, &d.Dropoff.Lng,
		&d.Fee, &d.DriverEarnings,
		&d.CreatedAt, &d.AssignedAt, &d.PickedUpAt, &d.OnTheWayAt, &d.DeliveredAt, &d.CancelledAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func getDelivery(ctx context.Context, q queryRower, id string, forUpdate bool) (*models.Delivery, error) {
	sql := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	d, err := scanDelivery(q.QueryRow(ctx, sql, id))
	if err != nil {
		return nil, notFound(err, "delivery "+id)
	}
	return d, nil
}

func (s *Storage) GetDelivery(ctx context.Context, id string) (*models.Delivery, error) {
	return getDelivery(ctx, s.db, id, false)
}

// CreateDelivery inserts a new delivery into the available pool. ID and
// CreatedAt must be set by the caller.
func (s *Storage) CreateDelivery(ctx context.Context, d *models.Delivery) (*models.Change, error) {
	if strings.TrimSpace(d.ID) == "" || strings.TrimSpace(d.OrderID) == "" {
		return nil, errors.New("delivery id and order id are required")
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	created, err := scanDelivery(s.db.QueryRow(ctx, `
INSERT INTO deliveries (
  id, order_id, status, driver_id,
  pickup_address, pickup_lat, pickup_lng,
  dropoff_address, dropoff_lat, dropoff_lng,
  fee, driver_earnings, created_at, updated_at
)
VALUES ($1,$2,'available',NULL,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11)
RETURNING `+deliveryColumns,
		d.ID, d.OrderID,
		d.Pickup.Address, d.Pickup.Lat, d.Pickup.Lng,
		d.Dropoff.Address, d.Dropoff.Lat, d.Dropoff.Lng,
		d.Fee, d.DriverEarnings, d.CreatedAt.UTC(),
	))
	if err != nil {
		return nil, errors.Wrap(err, "insert delivery")
	}
	return &models.Change{Op: models.ChangeInsert, After: created}, nil
}

// ClaimDelivery runs the claim_delivery function. A nil change means the
// delivery does not exist or was no longer available.
func (s *Storage) ClaimDelivery(ctx context.Context, deliveryID, driverID string) (*models.Change, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	before, err := getDelivery(ctx, tx, deliveryID, true)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var ok bool
	if err := tx.QueryRow(ctx, `SELECT claim_delivery($1, $2)`, deliveryID, driverID).Scan(&ok); err != nil {
		return nil, errors.Wrap(err, "claim_delivery")
	}
	if !ok {
		return nil, nil
	}

	after, err := getDelivery(ctx, tx, deliveryID, false)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return &models.Change{Op: models.ChangeUpdate, Before: before, After: after}, nil
}

// AssignIfAvailable is the single conditional UPDATE without the
// availability flip. A nil change means zero rows were affected.
func (s *Storage) AssignIfAvailable(ctx context.Context, deliveryID, driverID string, at time.Time) (*models.Change, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	before, err := getDelivery(ctx, tx, deliveryID, true)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	after, err := scanDelivery(tx.QueryRow(ctx, `
UPDATE deliveries
SET status = 'assigned', driver_id = $2, assigned_at = $3, updated_at = $3
WHERE id = $1 AND status = 'available'
RETURNING `+deliveryColumns, deliveryID, driverID, at.UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "assign delivery")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return &models.Change{Op: models.ChangeUpdate, Before: before, After: after}, nil
}

// UpdateDeliveryStatus moves a delivery forward. driverID, when set, must
// hold the delivery. Stale or backward transitions fail with
// models.ErrInvalidTransition.
func (s *Storage) UpdateDeliveryStatus(ctx context.Context, deliveryID, driverID string, status models.DeliveryStatus, at time.Time) (*models.Change, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	before, err := getDelivery(ctx, tx, deliveryID, true)
	if err != nil {
		return nil, err
	}
	if driverID != "" && !before.HeldBy(driverID) {
		return nil, errors.Wrapf(ErrNotHolder, "delivery %s", deliveryID)
	}
	if err := models.CanTransition(before.Status, status); err != nil {
		return nil, err
	}

	next := before.Clone()
	next.Status = status
	next.StampTransition(status, at.UTC())
	if !status.RequiresDriver() {
		// a cancelled delivery is released by its driver
		next.DriverID = nil
	}

	after, err := scanDelivery(tx.QueryRow(ctx, `
UPDATE deliveries
SET status = $2, driver_id = $3, picked_up_at = $4, on_the_way_at = $5, delivered_at = $6, cancelled_at = $7, updated_at = $8
WHERE id = $1
RETURNING `+deliveryColumns,
		deliveryID, next.Status, next.DriverID, next.PickedUpAt, next.OnTheWayAt, next.DeliveredAt, next.CancelledAt, next.UpdatedAt))
	if err != nil {
		return nil, errors.Wrap(err, "update delivery status")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return &models.Change{Op: models.ChangeUpdate, Before: before, After: after}, nil
}

func (s *Storage) ListDriverDeliveries(ctx context.Context, driverID string, statuses []models.DeliveryStatus) ([]*models.Delivery, error) {
	if len(statuses) == 0 {
		statuses = models.ActiveDeliveryStatuses
	}
	raw := make([]string, 0, len(statuses))
	for _, st := range statuses {
		raw = append(raw, string(st))
	}
	return s.listDeliveries(ctx, `
SELECT `+deliveryColumns+`
FROM deliveries
WHERE driver_id = $1 AND status = ANY($2)
ORDER BY COALESCE(assigned_at, created_at), id
`, driverID, raw)
}

func (s *Storage) ListAvailableDeliveries(ctx context.Context, limit int) ([]*models.Delivery, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.listDeliveries(ctx, `
SELECT `+deliveryColumns+`
FROM deliveries
WHERE status = 'available'
ORDER BY created_at, id
LIMIT $1
`, limit)
}

func (s *Storage) listDeliveries(ctx context.Context, sql string, args ...any) ([]*models.Delivery, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Wrap(err, "select deliveries")
	}
	defer rows.Close()

	out := make([]*models.Delivery, 0)
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan delivery")
		}
		out = append(out, d)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
