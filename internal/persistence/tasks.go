package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/inflow/internal/bus"
	"github.com/google/uuid"
)

func decodeJSON[T any](raw string, dst *T) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CreateTaskParams carries the normalized fields a new task is built from.
type CreateTaskParams struct {
	ThreadID    string
	SourceType  string
	Title       string
	Description string
	Metadata    map[string]any
	Tags        []string
	DueAt       *time.Time
}

// CreateTask inserts a NEW task and its task.created event in one transaction.
func (s *Store) CreateTask(ctx context.Context, p CreateTaskParams) (*Task, error) {
	if p.Title == "" {
		return nil, errors.New("create task: title is required")
	}
	metadataJSON, err := encodeJSON(p.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode task metadata: %w", err)
	}
	if metadataJSON == "" {
		metadataJSON = "{}"
	}
	tagsJSON, err := encodeJSON(p.Tags)
	if err != nil {
		return nil, fmt.Errorf("encode task tags: %w", err)
	}
	if tagsJSON == "" {
		tagsJSON = "[]"
	}

	taskID := uuid.NewString()
	dueAt := sql.NullTime{}
	if p.DueAt != nil {
		dueAt.Valid = true
		dueAt.Time = p.DueAt.UTC()
	}
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, thread_id, source_type, status, title, description, metadata, tags, due_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, taskID, p.ThreadID, p.SourceType, TaskStatusNew, p.Title, p.Description, metadataJSON, tagsJSON, dueAt); err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		if err := s.appendTaskEventTx(ctx, tx, taskID, "", TaskStatusNew, "task.created", `{"reason":"ingest"}`); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskCreated, task)
	}
	return task, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE id = ?;
	`, taskID)
	var task Task
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// ListTasks returns tasks filtered by status (all when empty), newest first.
func (s *Store) ListTasks(ctx context.Context, statuses []TaskStatus, limit int) ([]Task, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if len(statuses) > 0 {
		query += ` WHERE status IN (?` + repeatPlaceholder(len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY updated_at DESC, id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// ActiveTaskForThread returns the newest non-terminal task in a thread,
// or nil when the thread has no open task.
func (s *Store) ActiveTaskForThread(ctx context.Context, threadID string) (*Task, error) {
	if threadID == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE thread_id = ? AND status NOT IN (?, ?)
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1;
	`, threadID, TaskStatusDone, TaskStatusFailed)
	var task Task
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("active task for thread: %w", err)
	}
	return &task, nil
}

// LatestTaskForThread returns the newest task in a thread regardless of
// status, or nil when the thread is unknown.
func (s *Store) LatestTaskForThread(ctx context.Context, threadID string) (*Task, error) {
	if threadID == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE thread_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1;
	`, threadID)
	var task Task
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest task for thread: %w", err)
	}
	return &task, nil
}

// NextEligibleTask picks the task the worker should claim next:
// USER_INPUT_RECEIVED before NEW, oldest update first, skipping tasks
// inside an open stabilization window. Returns nil when nothing is eligible.
func (s *Store) NextEligibleTask(ctx context.Context) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status IN (?, ?)
		  AND NOT (stabilizing = 1 AND stabilization_ends_at IS NOT NULL AND stabilization_ends_at > CURRENT_TIMESTAMP)
		ORDER BY CASE status WHEN ? THEN 0 ELSE 1 END, updated_at ASC, id ASC
		LIMIT 1;
	`, TaskStatusUserInputReceived, TaskStatusNew, TaskStatusUserInputReceived)
	var task Task
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("next eligible task: %w", err)
	}
	return &task, nil
}

// TransitionTask moves a task through the state machine, appending the
// audit event in the same transaction. allowedFrom narrows the accepted
// current states; nil accepts any state the transition table permits.
// Returns false when the task was not in an accepted state.
func (s *Store) TransitionTask(ctx context.Context, taskID string, allowedFrom []TaskStatus, to TaskStatus, eventType, payload string) (bool, error) {
	var (
		from     TaskStatus
		threadID string
		moved    bool
	)
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.QueryRowContext(ctx, `SELECT thread_id FROM tasks WHERE id = ?;`, taskID).Scan(&threadID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				moved = false
				return nil
			}
			return fmt.Errorf("read task thread: %w", err)
		}
		from, moved, err = s.transitionTaskTx(ctx, tx, taskID, allowedFrom, to, eventType, payload)
		if err != nil {
			return err
		}
		if !moved {
			return nil
		}
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	if moved {
		s.publishStateChange(taskID, threadID, from, to)
	}
	return moved, nil
}

// UpdateTaskContent rewrites title, description, metadata and tags.
// Used by the consolidation engine for in-place merges.
func (s *Store) UpdateTaskContent(ctx context.Context, taskID, title, description string, metadata map[string]any, tags []string) error {
	metadataJSON, err := encodeJSON(metadata)
	if err != nil {
		return fmt.Errorf("encode task metadata: %w", err)
	}
	if metadataJSON == "" {
		metadataJSON = "{}"
	}
	tagsJSON, err := encodeJSON(tags)
	if err != nil {
		return fmt.Errorf("encode task tags: %w", err)
	}
	if tagsJSON == "" {
		tagsJSON = "[]"
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET title = ?, description = ?, metadata = ?, tags = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, title, description, metadataJSON, tagsJSON, taskID)
	if err != nil {
		return fmt.Errorf("update task content: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task content rows: %w", err)
	}
	if n != 1 {
		return sql.ErrNoRows
	}
	return nil
}

// SetTaskMetadata replaces the metadata map without touching other fields.
func (s *Store) SetTaskMetadata(ctx context.Context, taskID string, metadata map[string]any) error {
	metadataJSON, err := encodeJSON(metadata)
	if err != nil {
		return fmt.Errorf("encode task metadata: %w", err)
	}
	if metadataJSON == "" {
		metadataJSON = "{}"
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET metadata = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, metadataJSON, taskID)
	if err != nil {
		return fmt.Errorf("set task metadata: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set task metadata rows: %w", err)
	}
	if n != 1 {
		return sql.ErrNoRows
	}
	return nil
}

// SetStabilization opens or closes the debounce window on a task.
// A zero endsAt clears the window.
func (s *Store) SetStabilization(ctx context.Context, taskID string, endsAt time.Time) error {
	stabilizing := 0
	ends := sql.NullTime{}
	if !endsAt.IsZero() {
		stabilizing = 1
		ends.Valid = true
		ends.Time = endsAt.UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET stabilizing = ?, stabilization_ends_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, stabilizing, ends, taskID)
	if err != nil {
		return fmt.Errorf("set stabilization: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set stabilization rows: %w", err)
	}
	if n != 1 {
		return sql.ErrNoRows
	}
	return nil
}

// RecoverOrphanedTasks requeues IN_PROGRESS tasks that no worker owns.
// Called on startup before the worker loop begins; any IN_PROGRESS row at
// that point is leftover from a crash. Returns the requeued task IDs.
func (s *Store) RecoverOrphanedTasks(ctx context.Context) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin recover tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM tasks WHERE status = ?;`, TaskStatusInProgress)
	if err != nil {
		return nil, fmt.Errorf("query orphaned tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan orphaned task: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orphaned tasks: %w", err)
	}

	var recovered []string
	for _, id := range ids {
		_, ok, err := s.transitionTaskTx(ctx, tx, id,
			[]TaskStatus{TaskStatusInProgress}, TaskStatusNew,
			"task.recovered", `{"reason":"startup_orphan_requeue"}`)
		if err != nil {
			return nil, fmt.Errorf("recover orphaned transition: %w", err)
		}
		if ok {
			recovered = append(recovered, id)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit recover tx: %w", err)
	}
	for _, id := range recovered {
		s.publishStateChange(id, "", TaskStatusInProgress, TaskStatusNew)
	}
	return recovered, nil
}

// CountTasksByStatus returns a status -> count map over all tasks.
func (s *Store) CountTasksByStatus(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	out := make(map[TaskStatus]int)
	for rows.Next() {
		var st TaskStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		out[st] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task count rows: %w", err)
	}
	return out, nil
}

// AddComment appends a comment to a task's timeline.
func (s *Store) AddComment(ctx context.Context, taskID, author, body string) (int64, error) {
	if body == "" {
		return 0, errors.New("add comment: empty body")
	}
	if author == "" {
		author = "agent"
	}
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO task_comments (task_id, author, body, created_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP);
		`, taskID, author, body)
		if err != nil {
			return fmt.Errorf("insert comment: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("comment insert id: %w", err)
		}
		return nil
	})
	return id, err
}

// ListComments returns a task's comments oldest first.
func (s *Store) ListComments(ctx context.Context, taskID string, limit int) ([]TaskComment, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, author, body, created_at
		FROM task_comments
		WHERE task_id = ?
		ORDER BY id ASC
		LIMIT ?;
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	var out []TaskComment
	for rows.Next() {
		var c TaskComment
		if err := rows.Scan(&c.ID, &c.TaskID, &c.Author, &c.Body, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("comment rows: %w", err)
	}
	return out, nil
}

// LatestComment returns the newest comment on a task, or nil when none exist.
// An optional author filter restricts the lookup.
func (s *Store) LatestComment(ctx context.Context, taskID, author string) (*TaskComment, error) {
	query := `
		SELECT id, task_id, author, body, created_at
		FROM task_comments
		WHERE task_id = ?`
	args := []any{taskID}
	if author != "" {
		query += ` AND author = ?`
		args = append(args, author)
	}
	query += ` ORDER BY id DESC LIMIT 1;`

	row := s.db.QueryRowContext(ctx, query, args...)
	var c TaskComment
	if err := row.Scan(&c.ID, &c.TaskID, &c.Author, &c.Body, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest comment: %w", err)
	}
	return &c, nil
}

// ListTaskEvents returns a task's audit trail in insertion order.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string, limit int) ([]TaskEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, COALESCE(trace_id, ''), event_type, COALESCE(state_from, ''), state_to, payload_json, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var (
			event     TaskEvent
			stateFrom string
		)
		if err := rows.Scan(
			&event.EventID,
			&event.TaskID,
			&event.TraceID,
			&event.EventType,
			&stateFrom,
			&event.StateTo,
			&event.Payload,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		event.StateFrom = TaskStatus(stateFrom)
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task event rows: %w", err)
	}
	return out, nil
}

// TotalEventCount returns the total number of task events in the store.
func (s *Store) TotalEventCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM task_events;`).Scan(&count); err != nil {
		return 0, fmt.Errorf("total event count: %w", err)
	}
	return count, nil
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}
