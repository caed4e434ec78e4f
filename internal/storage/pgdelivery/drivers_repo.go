package pgdelivery

import (
	"context"
	"time"

	"github.com/BearBump/HandOff/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

func (s *Storage) SetDriverAvailability(ctx context.Context, driverID string, available bool) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO drivers (id, is_available, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (id) DO UPDATE SET is_available = EXCLUDED.is_available, updated_at = now()
`, driverID, available)
	if err != nil {
		return errors.Wrap(err, "set driver availability")
	}
	return nil
}

// DriverAvailable reports the driver's flag; unknown drivers are available.
func (s *Storage) DriverAvailable(ctx context.Context, driverID string) (bool, error) {
	var available bool
	err := s.db.QueryRow(ctx, `SELECT is_available FROM drivers WHERE id = $1`, driverID).Scan(&available)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "select driver")
	}
	return available, nil
}

func (s *Storage) RecordDriverLocation(ctx context.Context, loc models.DriverLocation) error {
	if loc.RecordedAt.IsZero() {
		loc.RecordedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `
INSERT INTO driver_locations (driver_id, lat, lng, recorded_at)
VALUES ($1, $2, $3, $4)
`, loc.DriverID, loc.Lat, loc.Lng, loc.RecordedAt.UTC())
	if err != nil {
		return errors.Wrap(err, "insert driver location")
	}
	return nil
}

// LatestDriverLocation returns nil when the driver never reported.
func (s *Storage) LatestDriverLocation(ctx context.Context, driverID string) (*models.DriverLocation, error) {
	var loc models.DriverLocation
	err := s.db.QueryRow(ctx, `
SELECT driver_id, lat, lng, recorded_at
FROM driver_locations
WHERE driver_id = $1
ORDER BY recorded_at DESC
LIMIT 1
`, driverID).Scan(&loc.DriverID, &loc.Lat, &loc.Lng, &loc.RecordedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select driver location")
	}
	return &loc, nil
}
