package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedTaskEvents     int64 `json:"purged_task_events"`
	PurgedProcessedItems int64 `json:"purged_processed_items"`
}

// RunRetention deletes records older than the configured retention windows.
// Each category uses a separate DELETE with its own cutoff and the job is
// idempotent. Dedup rows are only purged for terminal tasks so re-delivered
// items cannot slip past the UNIQUE barrier while their task is still open.
func (s *Store) RunRetention(ctx context.Context, taskEventDays, processedItemDays int) (RetentionResult, error) {
	var result RetentionResult

	if taskEventDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -taskEventDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM task_events WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge task_events: %w", err)
		}
		result.PurgedTaskEvents, _ = res.RowsAffected()
	}

	if processedItemDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -processedItemDays)
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM processed_items
			WHERE last_seen_at < ?
			  AND (task_id IS NULL OR task_id IN (
				SELECT id FROM tasks WHERE status IN (?, ?)
			  ));
		`, cutoff, TaskStatusDone, TaskStatusFailed)
		if err != nil {
			return result, fmt.Errorf("purge processed_items: %w", err)
		}
		result.PurgedProcessedItems, _ = res.RowsAffected()
	}

	return result, nil
}
