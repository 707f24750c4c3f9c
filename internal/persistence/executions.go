package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ExecutionRecord persists the resumable state of a run so a restart can
// pick up where the executor suspended. Keyed by thread: consolidation may
// replace the task, but the conversation the executor is having belongs to
// the thread.
type ExecutionRecord struct {
	ThreadID   string    `json:"thread_id"`
	TaskID     string    `json:"task_id,omitempty"` // latest task driving this thread
	Suspended  bool      `json:"suspended"`
	Question   string    `json:"question,omitempty"`
	Transcript string    `json:"transcript"` // JSON array of conversation turns
	UpdatedAt  time.Time `json:"updated_at"`
}

// SaveExecution upserts the execution state for a thread.
func (s *Store) SaveExecution(ctx context.Context, rec ExecutionRecord) error {
	if rec.ThreadID == "" {
		return errors.New("save execution: thread_id is required")
	}
	transcript := rec.Transcript
	if transcript == "" {
		transcript = "[]"
	}
	suspended := 0
	if rec.Suspended {
		suspended = 1
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO executions (thread_id, task_id, suspended, question, transcript, updated_at)
			VALUES (?, NULLIF(?, ''), ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(thread_id) DO UPDATE SET
				task_id = excluded.task_id,
				suspended = excluded.suspended,
				question = excluded.question,
				transcript = excluded.transcript,
				updated_at = CURRENT_TIMESTAMP;
		`, rec.ThreadID, rec.TaskID, suspended, rec.Question, transcript)
		return err
	})
	if err != nil {
		return fmt.Errorf("save execution: %w", err)
	}
	return nil
}

// GetExecution returns the execution state for a thread, or nil when the
// thread has never run (or its state was cleared).
func (s *Store) GetExecution(ctx context.Context, threadID string) (*ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT thread_id, COALESCE(task_id, ''), suspended, question, transcript, updated_at
		FROM executions
		WHERE thread_id = ?;
	`, threadID)
	var (
		rec       ExecutionRecord
		suspended int
	)
	if err := row.Scan(&rec.ThreadID, &rec.TaskID, &suspended, &rec.Question, &rec.Transcript, &rec.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get execution: %w", err)
	}
	rec.Suspended = suspended != 0
	return &rec, nil
}

// ClearExecution drops the resumable state after a thread's task reaches a
// terminal status.
func (s *Store) ClearExecution(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE thread_id = ?;`, threadID)
	if err != nil {
		return fmt.Errorf("clear execution: %w", err)
	}
	return nil
}

// CountSuspendedExecutions returns the number of runs awaiting human input.
func (s *Store) CountSuspendedExecutions(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM executions WHERE suspended = 1;`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count suspended executions: %w", err)
	}
	return count, nil
}
