package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/inflow/internal/bus"
)

type WorkerState string

const (
	WorkerStateIdle       WorkerState = "IDLE"
	WorkerStateProcessing WorkerState = "PROCESSING"
	WorkerStatePaused     WorkerState = "PAUSED"
	WorkerStateError      WorkerState = "ERROR"
)

// AgentStatus is the single-row worker claim record. It doubles as the
// mutual exclusion mechanism: a task may only be claimed while the row
// reads IDLE, and the claim flips it to PROCESSING in the same transaction.
type AgentStatus struct {
	State               WorkerState `json:"status"`
	CurrentTaskID       string      `json:"current_task_id,omitempty"`
	LastActivity        time.Time   `json:"last_activity"`
	ErrorCount          int         `json:"error_count"`
	TotalTasksProcessed int         `json:"total_tasks_processed"`
	LastError           string      `json:"last_error,omitempty"`
}

func (s *Store) ensureAgentStatusRow(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_status (id, status, last_activity)
		VALUES (1, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO NOTHING;
	`, WorkerStateIdle)
	if err != nil {
		return fmt.Errorf("seed agent_status: %w", err)
	}
	return nil
}

func (s *Store) AgentStatus(ctx context.Context) (*AgentStatus, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT status, COALESCE(current_task_id, ''), last_activity, error_count, total_tasks_processed, COALESCE(last_error, '')
		FROM agent_status
		WHERE id = 1;
	`)
	var st AgentStatus
	if err := row.Scan(&st.State, &st.CurrentTaskID, &st.LastActivity, &st.ErrorCount, &st.TotalTasksProcessed, &st.LastError); err != nil {
		return nil, fmt.Errorf("read agent status: %w", err)
	}
	return &st, nil
}

// ClaimTask atomically flips the worker to PROCESSING and the task to
// IN_PROGRESS in one transaction. Returns false without error when the
// worker is not IDLE or the task left an actionable state in the meantime.
func (s *Store) ClaimTask(ctx context.Context, taskID string) (bool, error) {
	var (
		claimed  bool
		from     TaskStatus
		threadID string
	)
	err := retryOnBusy(ctx, 5, func() error {
		claimed = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var workerState WorkerState
		if err := tx.QueryRowContext(ctx, `SELECT status FROM agent_status WHERE id = 1;`).Scan(&workerState); err != nil {
			return fmt.Errorf("read worker state for claim: %w", err)
		}
		if workerState != WorkerStateIdle {
			return nil
		}

		if err := tx.QueryRowContext(ctx, `SELECT thread_id FROM tasks WHERE id = ?;`, taskID).Scan(&threadID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("read task thread for claim: %w", err)
		}

		var ok bool
		from, ok, err = s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusNew, TaskStatusUserInputReceived},
			TaskStatusInProgress, "task.started", `{"reason":"worker_claim"}`)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE agent_status
			SET status = ?, current_task_id = ?, last_activity = CURRENT_TIMESTAMP
			WHERE id = 1 AND status = ?;
		`, WorkerStateProcessing, taskID, WorkerStateIdle); err != nil {
			return fmt.Errorf("claim worker row: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		claimed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if claimed {
		s.publishStateChange(taskID, threadID, from, TaskStatusInProgress)
		s.publishWorkerState(WorkerStateProcessing, taskID)
	}
	return claimed, nil
}

// ReleaseWorker returns the worker row to IDLE after a processing cycle.
// When counted is true the processed-tasks counter is incremented.
func (s *Store) ReleaseWorker(ctx context.Context, counted bool) error {
	err := retryOnBusy(ctx, 5, func() error {
		bump := 0
		if counted {
			bump = 1
		}
		_, err := s.db.ExecContext(ctx, `
			UPDATE agent_status
			SET status = ?, current_task_id = NULL,
				total_tasks_processed = total_tasks_processed + ?,
				last_activity = CURRENT_TIMESTAMP
			WHERE id = 1 AND status = ?;
		`, WorkerStateIdle, bump, WorkerStateProcessing)
		return err
	})
	if err != nil {
		return fmt.Errorf("release worker: %w", err)
	}
	s.publishWorkerState(WorkerStateIdle, "")
	return nil
}

// SetWorkerState forces the worker row into a state. Pause/resume and the
// error latch go through here; claiming does not. current_task_id is left
// alone: only ReleaseWorker and the stale sweep clear a claim.
func (s *Store) SetWorkerState(ctx context.Context, state WorkerState, lastError string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE agent_status
			SET status = ?,
				last_error = CASE WHEN ? != '' THEN ? ELSE last_error END,
				error_count = error_count + CASE WHEN ? = 'ERROR' THEN 1 ELSE 0 END,
				last_activity = CURRENT_TIMESTAMP
			WHERE id = 1;
		`, state, lastError, lastError, state)
		return err
	})
	if err != nil {
		return fmt.Errorf("set worker state: %w", err)
	}
	s.publishWorkerState(state, "")
	return nil
}

// ClearWorkerError returns an ERROR-latched worker to IDLE. A worker in any
// other state is left untouched, so recovering from a bad cycle never
// overrides an operator's pause.
func (s *Store) ClearWorkerError(ctx context.Context) error {
	var cleared bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE agent_status
			SET status = ?, last_activity = CURRENT_TIMESTAMP
			WHERE id = 1 AND status = ?;
		`, WorkerStateIdle, WorkerStateError)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		cleared = n > 0
		return nil
	})
	if err != nil {
		return fmt.Errorf("clear worker error: %w", err)
	}
	if cleared {
		s.publishWorkerState(WorkerStateIdle, "")
	}
	return nil
}

// TouchWorkerActivity refreshes last_activity while a long task is running
// so the staleness sweep does not reclaim a live worker.
func (s *Store) TouchWorkerActivity(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_status
		SET last_activity = CURRENT_TIMESTAMP
		WHERE id = 1;
	`)
	if err != nil {
		return fmt.Errorf("touch worker activity: %w", err)
	}
	return nil
}

// RecoverStaleWorker force-releases a PROCESSING claim whose last_activity
// is older than timeout, requeueing the claimed task. Returns the requeued
// task ID ("" when nothing was stale).
func (s *Store) RecoverStaleWorker(ctx context.Context, timeout time.Duration) (string, error) {
	var (
		recoveredTask string
		threadID      string
	)
	err := retryOnBusy(ctx, 5, func() error {
		recoveredTask = ""
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin stale recovery tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		cutoff := time.Now().UTC().Add(-timeout)
		var taskID sql.NullString
		err = tx.QueryRowContext(ctx, `
			SELECT current_task_id
			FROM agent_status
			WHERE id = 1 AND status = ? AND last_activity < ?;
		`, WorkerStateProcessing, cutoff).Scan(&taskID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read stale claim: %w", err)
		}

		if taskID.Valid && taskID.String != "" {
			if err := tx.QueryRowContext(ctx, `SELECT thread_id FROM tasks WHERE id = ?;`, taskID.String).Scan(&threadID); err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("read stale task thread: %w", err)
			}
			_, ok, err := s.transitionTaskTx(ctx, tx, taskID.String,
				[]TaskStatus{TaskStatusInProgress}, TaskStatusNew,
				"task.recovered", `{"reason":"stale_worker_claim"}`)
			if err != nil {
				return fmt.Errorf("requeue stale task: %w", err)
			}
			if ok {
				recoveredTask = taskID.String
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE agent_status
			SET status = ?, current_task_id = NULL,
				error_count = error_count + 1,
				last_error = 'stale claim released',
				last_activity = CURRENT_TIMESTAMP
			WHERE id = 1 AND status = ?;
		`, WorkerStateIdle, WorkerStateProcessing); err != nil {
			return fmt.Errorf("release stale worker: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	if recoveredTask != "" {
		s.publishStateChange(recoveredTask, threadID, TaskStatusInProgress, TaskStatusNew)
		if s.bus != nil {
			s.bus.Publish(bus.TopicWorkerStale, bus.WorkerStateChangedEvent{
				OldState:      string(WorkerStateProcessing),
				NewState:      string(WorkerStateIdle),
				CurrentTaskID: recoveredTask,
			})
		}
	}
	return recoveredTask, nil
}

func (s *Store) publishWorkerState(state WorkerState, taskID string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicWorkerStateChanged, bus.WorkerStateChangedEvent{
		NewState:      string(state),
		CurrentTaskID: taskID,
	})
}
