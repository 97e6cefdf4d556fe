package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// CleanupResult holds per-table deletion counts from a retention run.
type CleanupResult struct {
	ActivitiesDeleted int64 `json:"activities_deleted"`
	MetricsDeleted    int64 `json:"metrics_deleted"`
	SessionsDeleted   int64 `json:"sessions_deleted"`
}

// Cleanup deletes activity and metric rows older than the retention cutoff,
// and sessions older than the cutoff that are not active. An active session
// survives any cleanup regardless of age. Each table's deletion is
// independent: a failure in one does not block the others, and the caller
// still receives the counts that did apply.
func (s *Store) Cleanup(ctx context.Context, retentionDays int) (CleanupResult, error) {
	var result CleanupResult
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	var errs []error

	res, err := s.db.ExecContext(ctx, `DELETE FROM activities WHERE created_at < ?;`, cutoff)
	if err != nil {
		errs = append(errs, fmt.Errorf("cleanup activities: %w", err))
	} else {
		result.ActivitiesDeleted, _ = res.RowsAffected()
	}

	res, err = s.db.ExecContext(ctx, `DELETE FROM metrics WHERE created_at < ?;`, cutoff)
	if err != nil {
		errs = append(errs, fmt.Errorf("cleanup metrics: %w", err))
	} else {
		result.MetricsDeleted, _ = res.RowsAffected()
	}

	// Sessions still referenced by conversations are kept; the FK would
	// reject the delete anyway.
	res, err = s.db.ExecContext(ctx, `
		DELETE FROM sessions
		WHERE status != 'active' AND start_time < ?
			AND session_id NOT IN (SELECT DISTINCT session_id FROM conversations);
	`, cutoff)
	if err != nil {
		errs = append(errs, fmt.Errorf("cleanup sessions: %w", err))
	} else {
		result.SessionsDeleted, _ = res.RowsAffected()
	}

	return result, errors.Join(errs...)
}
