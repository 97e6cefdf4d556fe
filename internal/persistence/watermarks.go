package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// IsFileProcessed reports whether a file's stored watermark matches the given
// size and modification time. Any mismatch means "changed" and the file must
// be reprocessed. Modification time is compared at nanosecond precision.
func (s *Store) IsFileProcessed(ctx context.Context, path string, size int64, modTime time.Time) (bool, error) {
	var storedSize, storedMod int64
	err := s.db.QueryRowContext(ctx, `
		SELECT file_size, file_modified
		FROM processed_files
		WHERE file_path = ?;
	`, path).Scan(&storedSize, &storedMod)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read watermark: %w", err)
	}
	return storedSize == size && storedMod == modTime.UnixNano(), nil
}

// MarkFileProcessed records the watermark for a fully ingested file.
func (s *Store) MarkFileProcessed(ctx context.Context, path string, size int64, modTime time.Time, messageCount int, sessionID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO processed_files (file_path, file_size, file_modified, message_count, session_id, processed_at)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(file_path) DO UPDATE SET
				file_size = excluded.file_size,
				file_modified = excluded.file_modified,
				message_count = excluded.message_count,
				session_id = excluded.session_id,
				processed_at = CURRENT_TIMESTAMP;
		`, path, size, modTime.UnixNano(), messageCount, sessionID)
		if err != nil {
			return fmt.Errorf("mark file processed: %w", err)
		}
		return nil
	})
}
