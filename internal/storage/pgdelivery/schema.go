package pgdelivery

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS drivers (
  id TEXT PRIMARY KEY,
  is_available BOOLEAN NOT NULL DEFAULT true,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`
CREATE TABLE IF NOT EXISTS orders (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  restaurant_id TEXT NOT NULL,
  driver_id TEXT NULL,
  status TEXT NOT NULL,
  eta_promise TIMESTAMPTZ NULL,
  eta_confidence_low TIMESTAMPTZ NULL,
  eta_confidence_high TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`
CREATE TABLE IF NOT EXISTS deliveries (
  id TEXT PRIMARY KEY,
  order_id TEXT NOT NULL,
  status TEXT NOT NULL,
  driver_id TEXT NULL,
  pickup_address TEXT NOT NULL DEFAULT '',
  pickup_lat DOUBLE PRECISION NOT NULL DEFAULT 0,
  pickup_lng DOUBLE PRECISION NOT NULL DEFAULT 0,
  dropoff_address TEXT NOT NULL DEFAULT '',
  dropoff_lat DOUBLE PRECISION NOT NULL DEFAULT 0,
  dropoff_lng DOUBLE PRECISION NOT NULL DEFAULT 0,
  fee DOUBLE PRECISION NOT NULL DEFAULT 0,
  driver_earnings DOUBLE PRECISION NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ NOT NULL,
  assigned_at TIMESTAMPTZ NULL,
  picked_up_at TIMESTAMPTZ NULL,
  on_the_way_at TIMESTAMPTZ NULL,
  delivered_at TIMESTAMPTZ NULL,
  cancelled_at TIMESTAMPTZ NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  CHECK ((status IN ('available', 'cancelled')) = (driver_id IS NULL))
)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_driver_status ON deliveries(driver_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_available ON deliveries(created_at) WHERE status = 'available'`,
		`
CREATE TABLE IF NOT EXISTS driver_locations (
  id BIGSERIAL PRIMARY KEY,
  driver_id TEXT NOT NULL,
  lat DOUBLE PRECISION NOT NULL,
  lng DOUBLE PRECISION NOT NULL,
  recorded_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_driver_locations_driver_recorded ON driver_locations(driver_id, recorded_at DESC)`,
		`
CREATE TABLE IF NOT EXISTS delivery_events (
  id TEXT PRIMARY KEY,
  order_id TEXT NOT NULL,
  driver_id TEXT NULL,
  event_type TEXT NOT NULL,
  payload JSONB NULL,
  idempotency_key TEXT NOT NULL UNIQUE,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_delivery_events_order ON delivery_events(order_id, created_at)`,
		`
CREATE TABLE IF NOT EXISTS ledger_credits (
  id BIGSERIAL PRIMARY KEY,
  user_id TEXT NOT NULL,
  order_id TEXT NOT NULL,
  amount DOUBLE PRECISION NOT NULL CHECK (amount > 0),
  reason TEXT NOT NULL DEFAULT '',
  idempotency_key TEXT NOT NULL UNIQUE,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`
CREATE TABLE IF NOT EXISTS backup_candidates (
  restaurant_id TEXT NOT NULL,
  backup_restaurant_id TEXT NOT NULL,
  name TEXT NOT NULL DEFAULT '',
  priority INT NOT NULL,
  active BOOLEAN NOT NULL DEFAULT true,
  prep_p50_minutes INT NOT NULL,
  prep_p90_minutes INT NOT NULL,
  buffer_minutes INT NOT NULL DEFAULT 0,
  travel_minutes INT NOT NULL DEFAULT 0,
  reliability_score DOUBLE PRECISION NOT NULL DEFAULT 1,
  PRIMARY KEY (restaurant_id, backup_restaurant_id)
)`,
		// Assign-if-available and the availability flip commit together; the
		// status predicate on the UPDATE is the compare-and-set.
		`
CREATE OR REPLACE FUNCTION claim_delivery(p_delivery_id TEXT, p_driver_id TEXT)
RETURNS BOOLEAN
LANGUAGE plpgsql
AS $$
DECLARE
  n INT;
BEGIN
  UPDATE deliveries
  SET status = 'assigned', driver_id = p_driver_id, assigned_at = now(), updated_at = now()
  WHERE id = p_delivery_id AND status = 'available';
  GET DIAGNOSTICS n = ROW_COUNT;
  IF n = 1 THEN
    INSERT INTO drivers (id, is_available, updated_at) VALUES (p_driver_id, false, now())
    ON CONFLICT (id) DO UPDATE SET is_available = false, updated_at = now();
  END IF;
  RETURN n = 1;
END
$$`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
