package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrDuplicateItem is returned when a (source_type, source_id) pair has
// already been recorded.
var ErrDuplicateItem = errors.New("item already processed")

type ProcessedItem struct {
	ID          int64     `json:"id"`
	SourceType  string    `json:"source_type"`
	SourceID    string    `json:"source_id"`
	ThreadID    string    `json:"thread_id,omitempty"`
	TaskID      string    `json:"task_id,omitempty"`
	Payload     string    `json:"payload,omitempty"`
	ProcessedAt time.Time `json:"processed_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// RecordProcessedItem marks a source item as ingested. The UNIQUE index on
// (source_type, source_id) is the dedup barrier; a second attempt returns
// ErrDuplicateItem.
func (s *Store) RecordProcessedItem(ctx context.Context, sourceType, sourceID, threadID, taskID, payload string) (int64, error) {
	if sourceType == "" || sourceID == "" {
		return 0, errors.New("record processed item: source_type and source_id are required")
	}
	if payload == "" {
		payload = "{}"
	}
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO processed_items (source_type, source_id, thread_id, task_id, payload, processed_at, last_seen_at)
			VALUES (?, ?, ?, NULLIF(?, ''), ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, sourceType, sourceID, threadID, taskID, payload)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateItem
			}
			return fmt.Errorf("insert processed item: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("processed item insert id: %w", err)
		}
		return nil
	})
	return id, err
}

// SeenItem reports whether a source item was already ingested, refreshing
// last_seen_at when it was.
func (s *Store) SeenItem(ctx context.Context, sourceType, sourceID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE processed_items
		SET last_seen_at = CURRENT_TIMESTAMP
		WHERE source_type = ? AND source_id = ?;
	`, sourceType, sourceID)
	if err != nil {
		return false, fmt.Errorf("touch processed item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("touch processed item rows: %w", err)
	}
	return n == 1, nil
}

// GetProcessedItem looks up the dedup row for a source item, or nil.
func (s *Store) GetProcessedItem(ctx context.Context, sourceType, sourceID string) (*ProcessedItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source_type, source_id, thread_id, COALESCE(task_id, ''), payload, processed_at, last_seen_at
		FROM processed_items
		WHERE source_type = ? AND source_id = ?;
	`, sourceType, sourceID)
	var item ProcessedItem
	if err := row.Scan(&item.ID, &item.SourceType, &item.SourceID, &item.ThreadID, &item.TaskID, &item.Payload, &item.ProcessedAt, &item.LastSeenAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get processed item: %w", err)
	}
	return &item, nil
}

// ListThreadItems returns every ingested item for a thread in processing
// order. The consolidation engine reads this to rebuild a merged task body.
func (s *Store) ListThreadItems(ctx context.Context, threadID string) ([]ProcessedItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_type, source_id, thread_id, COALESCE(task_id, ''), payload, processed_at, last_seen_at
		FROM processed_items
		WHERE thread_id = ?
		ORDER BY id ASC;
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list thread items: %w", err)
	}
	defer rows.Close()

	var out []ProcessedItem
	for rows.Next() {
		var item ProcessedItem
		if err := rows.Scan(&item.ID, &item.SourceType, &item.SourceID, &item.ThreadID, &item.TaskID, &item.Payload, &item.ProcessedAt, &item.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scan thread item: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("thread item rows: %w", err)
	}
	return out, nil
}

// SetProcessedItemTask points a single dedup row at the task that consumed
// it. Used when the row is claimed before the task exists.
func (s *Store) SetProcessedItemTask(ctx context.Context, sourceType, sourceID, taskID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE processed_items
		SET task_id = ?
		WHERE source_type = ? AND source_id = ?;
	`, taskID, sourceType, sourceID)
	if err != nil {
		return fmt.Errorf("set processed item task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set processed item task rows: %w", err)
	}
	if n != 1 {
		return sql.ErrNoRows
	}
	return nil
}

// ReassignThreadItems repoints a thread's dedup rows at a new task. Used
// when consolidation supersedes or continues a task so the item trail
// follows the live task.
func (s *Store) ReassignThreadItems(ctx context.Context, threadID, newTaskID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE processed_items
		SET task_id = ?
		WHERE thread_id = ?;
	`, newTaskID, threadID)
	if err != nil {
		return 0, fmt.Errorf("reassign thread items: %w", err)
	}
	return res.RowsAffected()
}

// CountProcessedItems returns the size of the dedup ledger.
func (s *Store) CountProcessedItems(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM processed_items;`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count processed items: %w", err)
	}
	return count, nil
}
