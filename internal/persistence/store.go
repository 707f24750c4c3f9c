// Package persistence owns the SQLite store: tasks, comments, the dedup
// ledger, the agent status singleton and suspended execution state. All
// status changes go through a transactional state machine that appends an
// audit row to task_events in the same transaction.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/basket/inflow/internal/bus"
	"github.com/basket/inflow/internal/shared"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// Schema ledger constants used to gate startup safety.
	schemaVersionV1  = 1
	schemaChecksumV1 = "if-v1-2026-06-10-core"

	// v2: adds executions table for suspended runs + tasks.completed_at.
	schemaVersionV2  = 2
	schemaChecksumV2 = "if-v2-2026-07-08-executions"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2
)

type TaskStatus string

const (
	TaskStatusNew               TaskStatus = "NEW"
	TaskStatusWaiting           TaskStatus = "WAITING"
	TaskStatusInProgress        TaskStatus = "IN_PROGRESS"
	TaskStatusNeedsReview       TaskStatus = "NEEDS_REVIEW"
	TaskStatusUserInputReceived TaskStatus = "USER_INPUT_RECEIVED"
	TaskStatusDone              TaskStatus = "DONE"
	TaskStatusFailed            TaskStatus = "FAILED"
)

// IsTerminal reports whether a task in this status will never be picked
// up by the worker again.
func (ts TaskStatus) IsTerminal() bool {
	return ts == TaskStatusDone || ts == TaskStatusFailed
}

// IsActionable reports whether the worker may claim a task in this status.
func (ts TaskStatus) IsActionable() bool {
	return ts == TaskStatusNew || ts == TaskStatusUserInputReceived
}

var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusNew: {
		TaskStatusInProgress: {},
		TaskStatusWaiting:    {},
		TaskStatusDone:       {}, // Superseded by a newer thread task.
	},
	TaskStatusWaiting: {
		TaskStatusNew:  {},
		TaskStatusDone: {},
	},
	TaskStatusInProgress: {
		TaskStatusNeedsReview: {},
		TaskStatusDone:        {},
		TaskStatusFailed:      {},
		TaskStatusNew:         {}, // Crash recovery requeue.
	},
	TaskStatusNeedsReview: {
		TaskStatusUserInputReceived: {},
		TaskStatusDone:              {}, // Operator close.
	},
	TaskStatusUserInputReceived: {
		TaskStatusInProgress: {},
		TaskStatusDone:       {}, // Superseded by a newer thread task.
	},
	TaskStatusFailed: {
		TaskStatusNew: {}, // Manual retry.
	},
}

// Metadata keys recognized on tasks. The map is free-form; these are the
// keys the consolidation engine and the escalation handler read back.
const (
	MetaSourceID            = "source_id"
	MetaItemCount           = "item_count"
	MetaSupersededBy        = "superseded_by_task_id"
	MetaSupersedes          = "supersedes_task_ids"
	MetaPreviousTaskID      = "previous_task_id"
	MetaPreviousTaskSummary = "previous_task_summary"
	MetaQuestion            = "pending_question"
)

type Task struct {
	ID                  string         `json:"id"`
	ThreadID            string         `json:"thread_id,omitempty"`
	SourceType          string         `json:"source_type,omitempty"`
	Status              TaskStatus     `json:"status"`
	Title               string         `json:"title"`
	Description         string         `json:"description,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	Tags                []string       `json:"tags,omitempty"`
	Stabilizing         bool           `json:"is_stabilizing,omitempty"`
	StabilizationEndsAt *time.Time     `json:"stabilization_ends_at,omitempty"`
	DueAt               *time.Time     `json:"due_at,omitempty"`
	CompletedAt         *time.Time     `json:"completed_at,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// MetaString returns a string metadata value, or "" when absent or not a string.
func (t *Task) MetaString(key string) string {
	if t.Metadata == nil {
		return ""
	}
	v, _ := t.Metadata[key].(string)
	return v
}

// MetaStrings returns a []string metadata value, tolerating the []any shape
// produced by JSON round-trips.
func (t *Task) MetaStrings(key string) []string {
	if t.Metadata == nil {
		return nil
	}
	switch v := t.Metadata[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

type TaskComment struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

type TaskEvent struct {
	EventID   int64      `json:"event_id"`
	TaskID    string     `json:"task_id"`
	EventType string     `json:"event_type"`
	TraceID   string     `json:"trace_id,omitempty"`
	StateFrom TaskStatus `json:"state_from,omitempty"`
	StateTo   TaskStatus `json:"state_to"`
	Payload   string     `json:"payload"`
	CreatedAt time.Time  `json:"created_at"`
}

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func DefaultDBPath() string {
	if home := os.Getenv("INFLOW_HOME"); home != "" {
		return filepath.Join(home, "inflow.db")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".inflow", "inflow.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	// A single connection serializes writers and keeps BUSY errors rare.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.ensureAgentStatusRow(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SchemaVersion returns the highest applied schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// Backup writes a consistent snapshot of the database to destPath.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath); err != nil {
		return fmt.Errorf("vacuum into backup: %w", err)
	}
	return nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter. maxRetries=5 gives ~3s total
// wait on top of the driver's busy_timeout (5s).
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	// mattn/go-sqlite3 wraps errors as sqlite3.Error with Code field.
	// Check the error string for the code to avoid a direct dependency
	// on the sqlite3 package in non-CGO-importing code paths.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	// Already current: verify the checksum and stop.
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	// Upgrading from v1: validate its checksum before touching anything.
	if maxVersion == schemaVersionV1 {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionV1).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumV1 {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionV1, existingChecksum, schemaChecksumV1)
		}
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL DEFAULT '',
			source_type TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL CHECK(status IN ('NEW', 'WAITING', 'IN_PROGRESS', 'NEEDS_REVIEW', 'USER_INPUT_RECEIVED', 'DONE', 'FAILED')),
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			tags TEXT NOT NULL DEFAULT '[]',
			stabilizing INTEGER NOT NULL DEFAULT 0,
			stabilization_ends_at DATETIME,
			due_at DATETIME,
			completed_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS task_comments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			author TEXT NOT NULL DEFAULT 'agent',
			body TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS processed_items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source_type TEXT NOT NULL,
			source_id TEXT NOT NULL,
			thread_id TEXT NOT NULL DEFAULT '',
			task_id TEXT,
			payload TEXT NOT NULL DEFAULT '{}',
			processed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_seen_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(source_type, source_id)
		);`,
		`CREATE TABLE IF NOT EXISTS agent_status (
			id INTEGER PRIMARY KEY CHECK(id = 1),
			status TEXT NOT NULL CHECK(status IN ('IDLE', 'PROCESSING', 'PAUSED', 'ERROR')),
			current_task_id TEXT,
			last_activity DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			error_count INTEGER NOT NULL DEFAULT 0,
			total_tasks_processed INTEGER NOT NULL DEFAULT 0,
			last_error TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS task_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			trace_id TEXT,
			event_type TEXT NOT NULL,
			state_from TEXT,
			state_to TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS executions (
			thread_id TEXT PRIMARY KEY,
			task_id TEXT REFERENCES tasks(id),
			suspended INTEGER NOT NULL DEFAULT 0,
			question TEXT NOT NULL DEFAULT '',
			transcript TEXT NOT NULL DEFAULT '[]',
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_updated ON tasks(status, updated_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_thread ON tasks(thread_id);`,
		`CREATE INDEX IF NOT EXISTS idx_task_comments_task ON task_comments(task_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_processed_items_thread ON processed_items(thread_id);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, event_id);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum)
		VALUES (?, ?)
		ON CONFLICT(version) DO NOTHING;
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func canTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var (
		metadataJSON string
		tagsJSON     string
		stabilizing  int
		stabEnds     sql.NullTime
		dueAt        sql.NullTime
		completedAt  sql.NullTime
	)
	if err := scanFn(
		&task.ID,
		&task.ThreadID,
		&task.SourceType,
		&task.Status,
		&task.Title,
		&task.Description,
		&metadataJSON,
		&tagsJSON,
		&stabilizing,
		&stabEnds,
		&dueAt,
		&completedAt,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return err
	}
	task.Stabilizing = stabilizing != 0
	if stabEnds.Valid {
		t := stabEnds.Time
		task.StabilizationEndsAt = &t
	}
	if dueAt.Valid {
		t := dueAt.Time
		task.DueAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}
	if err := decodeJSON(metadataJSON, &task.Metadata); err != nil {
		return fmt.Errorf("decode task metadata: %w", err)
	}
	if err := decodeJSON(tagsJSON, &task.Tags); err != nil {
		return fmt.Errorf("decode task tags: %w", err)
	}
	return nil
}

const taskColumns = `id, thread_id, source_type, status, title, description,
	metadata, tags, stabilizing, stabilization_ends_at, due_at, completed_at,
	created_at, updated_at`

func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID string, from, to TaskStatus, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = ""
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, trace_id, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, NULLIF(?, ''), ?, NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP);
	`, taskID, traceID, eventType, string(from), string(to), payload)
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

// transitionTaskTx moves a task to a new status inside an open transaction,
// guarded by the allowed transition table, and appends the matching
// task_events row. Returns false when the task is absent or not in one of
// the allowedFrom states.
func (s *Store) transitionTaskTx(
	ctx context.Context,
	tx *sql.Tx,
	taskID string,
	allowedFrom []TaskStatus,
	to TaskStatus,
	eventType string,
	payload string,
) (TaskStatus, bool, error) {
	var current TaskStatus
	if err := tx.QueryRowContext(ctx, `
		SELECT status
		FROM tasks
		WHERE id = ?;
	`, taskID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("select task for transition: %w", err)
	}
	if len(allowedFrom) > 0 && !slices.Contains(allowedFrom, current) {
		return current, false, nil
	}
	if !canTransition(current, to) {
		return current, false, fmt.Errorf("illegal transition %s -> %s", current, to)
	}

	completedAt := sql.NullTime{}
	if to.IsTerminal() {
		completedAt.Valid = true
		completedAt.Time = time.Now().UTC()
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?,
			completed_at = CASE WHEN ? THEN ? ELSE completed_at END,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, to, completedAt.Valid, completedAt.Time, taskID, current)
	if err != nil {
		return current, false, fmt.Errorf("update task transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return current, false, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return current, false, nil
	}
	if err := s.appendTaskEventTx(ctx, tx, taskID, current, to, eventType, payload); err != nil {
		return current, false, err
	}
	return current, true, nil
}

func (s *Store) publishStateChange(taskID, threadID string, from, to TaskStatus) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID:    taskID,
		ThreadID:  threadID,
		OldStatus: string(from),
		NewStatus: string(to),
	})
}
