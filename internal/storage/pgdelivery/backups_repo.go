package pgdelivery

import (
	"context"

	"github.com/BearBump/HandOff/internal/models"
	"github.com/pkg/errors"
)

// GetBackupCandidates returns the backups of restaurantID ranked by priority.
// Inactive rows are included; callers decide.
func (s *Storage) GetBackupCandidates(ctx context.Context, restaurantID string) ([]models.BackupCandidate, error) {
	rows, err := s.db.Query(ctx, `
SELECT backup_restaurant_id, name, priority, active,
       prep_p50_minutes, prep_p90_minutes, buffer_minutes, travel_minutes, reliability_score
FROM backup_candidates
WHERE restaurant_id = $1
ORDER BY priority, backup_restaurant_id
`, restaurantID)
	if err != nil {
		return nil, errors.Wrap(err, "select backup candidates")
	}
	defer rows.Close()

	out := make([]models.BackupCandidate, 0)
	for rows.Next() {
		var c models.BackupCandidate
		if err := rows.Scan(
			&c.RestaurantID, &c.Name, &c.Priority, &c.Active,
			&c.PrepP50, &c.PrepP90, &c.BufferMinutes, &c.TravelMinutes, &c.Reliability,
		); err != nil {
			return nil, errors.Wrap(err, "scan backup candidate")
		}
		out = append(out, c)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) UpsertBackupCandidate(ctx context.Context, restaurantID string, c models.BackupCandidate) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO backup_candidates (
  restaurant_id, backup_restaurant_id, name, priority, active,
  prep_p50_minutes, prep_p90_minutes, buffer_minutes, travel_minutes, reliability_score
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (restaurant_id, backup_restaurant_id) DO UPDATE SET
  name = EXCLUDED.name,
  priority = EXCLUDED.priority,
  active = EXCLUDED.active,
  prep_p50_minutes = EXCLUDED.prep_p50_minutes,
  prep_p90_minutes = EXCLUDED.prep_p90_minutes,
  buffer_minutes = EXCLUDED.buffer_minutes,
  travel_minutes = EXCLUDED.travel_minutes,
  reliability_score = EXCLUDED.reliability_score
`, restaurantID, c.RestaurantID, c.Name, c.Priority, c.Active,
		c.PrepP50, c.PrepP90, c.BufferMinutes, c.TravelMinutes, c.Reliability)
	if err != nil {
		return errors.Wrap(err, "upsert backup candidate")
	}
	return nil
}
