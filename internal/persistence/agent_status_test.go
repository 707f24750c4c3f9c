package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/inflow/internal/persistence"
)

func TestAgentStatus_SeededIdleOnOpen(t *testing.T) {
	store, _ := openTestStore(t)

	st, err := store.AgentStatus(context.Background())
	if err != nil {
		t.Fatalf("agent status: %v", err)
	}
	if st.State != persistence.WorkerStateIdle {
		t.Fatalf("expected IDLE, got %s", st.State)
	}
	if st.CurrentTaskID != "" || st.TotalTasksProcessed != 0 {
		t.Fatalf("expected pristine singleton, got %+v", st)
	}
}

func TestAgentStatus_ClaimFlipsWorkerAndTaskTogether(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	task, err := store.CreateTask(ctx, persistence.CreateTaskParams{Title: "claimable"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	ok, err := store.ClaimTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !ok {
		t.Fatalf("expected claim to succeed")
	}

	st, err := store.AgentStatus(ctx)
	if err != nil {
		t.Fatalf("agent status: %v", err)
	}
	if st.State != persistence.WorkerStateProcessing || st.CurrentTaskID != task.ID {
		t.Fatalf("worker row not claimed: %+v", st)
	}
	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != persistence.TaskStatusInProgress {
		t.Fatalf("task not IN_PROGRESS: %s", got.Status)
	}
}

func TestAgentStatus_ClaimRefusedWhileProcessing(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	first, err := store.CreateTask(ctx, persistence.CreateTaskParams{Title: "first"})
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, err := store.CreateTask(ctx, persistence.CreateTaskParams{Title: "second"})
	if err != nil {
		t.Fatalf("create second: %v", err)
	}

	if ok, err := store.ClaimTask(ctx, first.ID); err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	ok, err := store.ClaimTask(ctx, second.ID)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if ok {
		t.Fatalf("expected second claim to be refused while PROCESSING")
	}

	got, err := store.GetTask(ctx, second.ID)
	if err != nil {
		t.Fatalf("get second: %v", err)
	}
	if got.Status != persistence.TaskStatusNew {
		t.Fatalf("second task touched by refused claim: %s", got.Status)
	}
}

func TestAgentStatus_ReleaseCountsProcessedTasks(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	task, err := store.CreateTask(ctx, persistence.CreateTaskParams{Title: "counted"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if ok, err := store.ClaimTask(ctx, task.ID); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if err := store.ReleaseWorker(ctx, true); err != nil {
		t.Fatalf("release: %v", err)
	}

	st, err := store.AgentStatus(ctx)
	if err != nil {
		t.Fatalf("agent status: %v", err)
	}
	if st.State != persistence.WorkerStateIdle || st.CurrentTaskID != "" {
		t.Fatalf("worker row not released: %+v", st)
	}
	if st.TotalTasksProcessed != 1 {
		t.Fatalf("expected 1 processed task, got %d", st.TotalTasksProcessed)
	}
}

func TestAgentStatus_PauseBlocksClaims(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.SetWorkerState(ctx, persistence.WorkerStatePaused, ""); err != nil {
		t.Fatalf("pause: %v", err)
	}
	task, err := store.CreateTask(ctx, persistence.CreateTaskParams{Title: "blocked"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	ok, err := store.ClaimTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ok {
		t.Fatalf("expected claim to be refused while PAUSED")
	}

	if err := store.SetWorkerState(ctx, persistence.WorkerStateIdle, ""); err != nil {
		t.Fatalf("resume: %v", err)
	}
	ok, err = store.ClaimTask(ctx, task.ID)
	if err != nil || !ok {
		t.Fatalf("claim after resume: ok=%v err=%v", ok, err)
	}
}

func TestAgentStatus_PauseKeepsCurrentClaim(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	task, err := store.CreateTask(ctx, persistence.CreateTaskParams{Title: "mid-flight"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if ok, err := store.ClaimTask(ctx, task.ID); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	// Pausing a busy worker must not drop the claim record.
	if err := store.SetWorkerState(ctx, persistence.WorkerStatePaused, ""); err != nil {
		t.Fatalf("pause: %v", err)
	}
	st, err := store.AgentStatus(ctx)
	if err != nil {
		t.Fatalf("agent status: %v", err)
	}
	if st.State != persistence.WorkerStatePaused {
		t.Fatalf("expected PAUSED, got %s", st.State)
	}
	if st.CurrentTaskID != task.ID {
		t.Fatalf("pause dropped the current claim: %+v", st)
	}

	if err := store.SetWorkerState(ctx, persistence.WorkerStateIdle, ""); err != nil {
		t.Fatalf("resume: %v", err)
	}
	st, err = store.AgentStatus(ctx)
	if err != nil {
		t.Fatalf("agent status after resume: %v", err)
	}
	if st.CurrentTaskID != task.ID {
		t.Fatalf("resume dropped the current claim: %+v", st)
	}
}

func TestAgentStatus_ClearWorkerErrorLeavesPauseInPlace(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.SetWorkerState(ctx, persistence.WorkerStateError, "boom"); err != nil {
		t.Fatalf("latch error: %v", err)
	}
	if err := store.ClearWorkerError(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	st, err := store.AgentStatus(ctx)
	if err != nil {
		t.Fatalf("agent status: %v", err)
	}
	if st.State != persistence.WorkerStateIdle {
		t.Fatalf("error latch not cleared: %s", st.State)
	}

	if err := store.SetWorkerState(ctx, persistence.WorkerStatePaused, ""); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := store.ClearWorkerError(ctx); err != nil {
		t.Fatalf("clear while paused: %v", err)
	}
	st, err = store.AgentStatus(ctx)
	if err != nil {
		t.Fatalf("agent status after clear: %v", err)
	}
	if st.State != persistence.WorkerStatePaused {
		t.Fatalf("clearing the error latch overrode a pause: %s", st.State)
	}
}

func TestAgentStatus_StaleClaimIsRecovered(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	task, err := store.CreateTask(ctx, persistence.CreateTaskParams{Title: "stale"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if ok, err := store.ClaimTask(ctx, task.ID); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	// A fresh claim must not be reclaimed.
	recovered, err := store.RecoverStaleWorker(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("recover fresh: %v", err)
	}
	if recovered != "" {
		t.Fatalf("fresh claim reclaimed: %s", recovered)
	}

	// Backdate activity past the staleness timeout.
	if _, err := store.DB().Exec(`UPDATE agent_status SET last_activity = datetime('now', '-31 minutes') WHERE id = 1;`); err != nil {
		t.Fatalf("backdate activity: %v", err)
	}

	recovered, err = store.RecoverStaleWorker(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("recover stale: %v", err)
	}
	if recovered != task.ID {
		t.Fatalf("expected stale task %s to be requeued, got %q", task.ID, recovered)
	}

	st, err := store.AgentStatus(ctx)
	if err != nil {
		t.Fatalf("agent status: %v", err)
	}
	if st.State != persistence.WorkerStateIdle || st.CurrentTaskID != "" {
		t.Fatalf("worker row not force-released: %+v", st)
	}
	if st.ErrorCount != 1 {
		t.Fatalf("expected error_count 1 after stale recovery, got %d", st.ErrorCount)
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != persistence.TaskStatusNew {
		t.Fatalf("expected requeued NEW, got %s", got.Status)
	}
}
