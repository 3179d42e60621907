package persistence

import (
	"context"
	"fmt"
	"time"
)

// PurgeTaskEvents deletes audit rows older than the retention window.
// Idempotent: a second run over the same window deletes nothing.
func (s *Store) PurgeTaskEvents(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM task_events WHERE created_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge task_events: %w", err)
	}
	purged, _ := res.RowsAffected()
	return purged, nil
}
