package store

import (
	"context"
	"fmt"
)

// SumRepositorySizes adds up size_bytes over the index's repositories, reading batchSize
// rows at a time
func (s *DB) SumRepositorySizes(ctx context.Context, indexID int64, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 10000
	}

	var total int64
	var lastID int64
	for {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, size_bytes FROM repositories
			WHERE index_id = ? AND id > ?
			ORDER BY id
			LIMIT ?
		`, indexID, lastID, batchSize)
		if err != nil {
			return 0, fmt.Errorf("store: sum repository sizes: %w", err)
		}

		n := 0
		for rows.Next() {
			var size int64
			if err := rows.Scan(&lastID, &size); err != nil {
				rows.Close()
				return 0, err
			}
			total += size
			n++
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return 0, err
		}

		if n < batchSize {
			return total, nil
		}
	}
}

// UpdateIndexUsedStorage writes the measured usage and stamps it. A nil used stores "unknown".
// A reservation smaller than the measured usage is raised to match.
func (s *DB) UpdateIndexUsedStorage(ctx context.Context, indexID int64, used *int64) error {
	var value interface{}
	if used != nil {
		value = *used
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE indices
		SET used_bytes = ?1,
			used_updated_at = ?2,
			reserved_bytes = CASE WHEN ?1 IS NOT NULL AND ?1 > reserved_bytes THEN ?1 ELSE reserved_bytes END
		WHERE id = ?3
	`, value, toNanos(s.now()), indexID); err != nil {
		return fmt.Errorf("store: update used storage: %w", err)
	}
	return nil
}
