package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/inflow/internal/persistence"
)

func TestTasks_CreateRoundTripsMetadataAndTags(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	due := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Second)
	task, err := store.CreateTask(ctx, persistence.CreateTaskParams{
		ThreadID:    "email:thread-42",
		SourceType:  "email",
		Title:       "Reply to Dana",
		Description: "Dana asked about the Q3 numbers.",
		Metadata: map[string]any{
			persistence.MetaSourceID:  "msg-001",
			persistence.MetaItemCount: 1,
		},
		Tags:  []string{"email", "finance"},
		DueAt: &due,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.Status != persistence.TaskStatusNew {
		t.Fatalf("expected NEW, got %s", task.Status)
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.ThreadID != "email:thread-42" || got.SourceType != "email" {
		t.Fatalf("thread/source lost: %q %q", got.ThreadID, got.SourceType)
	}
	if got.MetaString(persistence.MetaSourceID) != "msg-001" {
		t.Fatalf("metadata lost: %+v", got.Metadata)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "email" {
		t.Fatalf("tags lost: %+v", got.Tags)
	}
	if got.DueAt == nil || !got.DueAt.Equal(due) {
		t.Fatalf("due_at lost: %v", got.DueAt)
	}
}

func TestTasks_NextEligiblePrefersUserInputReceived(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	older, err := store.CreateTask(ctx, persistence.CreateTaskParams{Title: "old new task"})
	if err != nil {
		t.Fatalf("create older: %v", err)
	}
	replied, err := store.CreateTask(ctx, persistence.CreateTaskParams{Title: "replied task"})
	if err != nil {
		t.Fatalf("create replied: %v", err)
	}

	// Walk the replied task to USER_INPUT_RECEIVED through the state machine.
	mustTransition(t, store, replied.ID, persistence.TaskStatusInProgress, "task.started")
	mustTransition(t, store, replied.ID, persistence.TaskStatusNeedsReview, "task.needs_review")
	mustTransition(t, store, replied.ID, persistence.TaskStatusUserInputReceived, "task.user_reply")

	// Make the NEW task look older so plain updated_at ordering would pick it.
	backdateTask(t, store, older.ID, "-2 hours")

	next, err := store.NextEligibleTask(ctx)
	if err != nil {
		t.Fatalf("next eligible: %v", err)
	}
	if next == nil || next.ID != replied.ID {
		t.Fatalf("expected USER_INPUT_RECEIVED task to win, got %+v", next)
	}
}

func TestTasks_NextEligibleOrdersByOldestUpdate(t *testing.T) {
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

	backdateTask(t, store, second.ID, "-1 hours")

	next, err := store.NextEligibleTask(ctx)
	if err != nil {
		t.Fatalf("next eligible: %v", err)
	}
	if next == nil || next.ID != second.ID {
		t.Fatalf("expected oldest-updated task %s, got %+v", second.ID, next)
	}
	_ = first
}

func TestTasks_NextEligibleSkipsStabilizingTasks(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	stabilizing, err := store.CreateTask(ctx, persistence.CreateTaskParams{Title: "stabilizing"})
	if err != nil {
		t.Fatalf("create stabilizing: %v", err)
	}
	ready, err := store.CreateTask(ctx, persistence.CreateTaskParams{Title: "ready"})
	if err != nil {
		t.Fatalf("create ready: %v", err)
	}

	// The stabilizing task is older, so only the window exclusion can stop it.
	backdateTask(t, store, stabilizing.ID, "-1 hours")
	if err := store.SetStabilization(ctx, stabilizing.ID, time.Now().UTC().Add(10*time.Minute)); err != nil {
		t.Fatalf("set stabilization: %v", err)
	}
	backdateTask(t, store, stabilizing.ID, "-1 hours")

	next, err := store.NextEligibleTask(ctx)
	if err != nil {
		t.Fatalf("next eligible: %v", err)
	}
	if next == nil || next.ID != ready.ID {
		t.Fatalf("expected stabilizing task to be skipped, got %+v", next)
	}

	// An expired window no longer blocks selection.
	if err := store.SetStabilization(ctx, stabilizing.ID, time.Now().UTC().Add(-1*time.Minute)); err != nil {
		t.Fatalf("expire stabilization: %v", err)
	}
	backdateTask(t, store, stabilizing.ID, "-1 hours")

	next, err = store.NextEligibleTask(ctx)
	if err != nil {
		t.Fatalf("next eligible after expiry: %v", err)
	}
	if next == nil || next.ID != stabilizing.ID {
		t.Fatalf("expected expired-window task to be eligible, got %+v", next)
	}
}

func TestTasks_ActiveTaskForThreadIgnoresTerminal(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	done, err := store.CreateTask(ctx, persistence.CreateTaskParams{ThreadID: "chat:7", Title: "finished"})
	if err != nil {
		t.Fatalf("create done: %v", err)
	}
	mustTransition(t, store, done.ID, persistence.TaskStatusInProgress, "task.started")
	mustTransition(t, store, done.ID, persistence.TaskStatusDone, "task.done")

	active, err := store.ActiveTaskForThread(ctx, "chat:7")
	if err != nil {
		t.Fatalf("active for thread: %v", err)
	}
	if active != nil {
		t.Fatalf("expected no active task, got %+v", active)
	}

	open, err := store.CreateTask(ctx, persistence.CreateTaskParams{ThreadID: "chat:7", Title: "open"})
	if err != nil {
		t.Fatalf("create open: %v", err)
	}
	active, err = store.ActiveTaskForThread(ctx, "chat:7")
	if err != nil {
		t.Fatalf("active for thread: %v", err)
	}
	if active == nil || active.ID != open.ID {
		t.Fatalf("expected open task, got %+v", active)
	}
}

func TestTasks_RecoverOrphanedRequeuesInProgress(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	task, err := store.CreateTask(ctx, persistence.CreateTaskParams{Title: "orphan"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	mustTransition(t, store, task.ID, persistence.TaskStatusInProgress, "task.started")

	recovered, err := store.RecoverOrphanedTasks(ctx)
	if err != nil {
		t.Fatalf("recover orphaned: %v", err)
	}
	if len(recovered) != 1 || recovered[0] != task.ID {
		t.Fatalf("expected orphan to be requeued, got %v", recovered)
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != persistence.TaskStatusNew {
		t.Fatalf("expected NEW after recovery, got %s", got.Status)
	}
}

func TestTasks_CommentsAreOrderedAndFilterable(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	task, err := store.CreateTask(ctx, persistence.CreateTaskParams{Title: "commented"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := store.AddComment(ctx, task.ID, "agent", "Working on it."); err != nil {
		t.Fatalf("add agent comment: %v", err)
	}
	if _, err := store.AddComment(ctx, task.ID, "user", "Please hurry."); err != nil {
		t.Fatalf("add user comment: %v", err)
	}
	if _, err := store.AddComment(ctx, task.ID, "agent", "Done."); err != nil {
		t.Fatalf("add second agent comment: %v", err)
	}

	comments, err := store.ListComments(ctx, task.ID, 0)
	if err != nil {
		t.Fatalf("list comments: %v", err)
	}
	if len(comments) != 3 || comments[0].Body != "Working on it." || comments[2].Body != "Done." {
		t.Fatalf("unexpected comment order: %+v", comments)
	}

	latest, err := store.LatestComment(ctx, task.ID, "user")
	if err != nil {
		t.Fatalf("latest user comment: %v", err)
	}
	if latest == nil || latest.Body != "Please hurry." {
		t.Fatalf("expected latest user comment, got %+v", latest)
	}
}

// mustTransition walks a task one step and fails the test on any refusal.
func mustTransition(t *testing.T, store *persistence.Store, taskID string, to persistence.TaskStatus, eventType string) {
	t.Helper()
	ok, err := store.TransitionTask(context.Background(), taskID, nil, to, eventType, "")
	if err != nil {
		t.Fatalf("transition to %s: %v", to, err)
	}
	if !ok {
		t.Fatalf("transition to %s refused", to)
	}
}

// backdateTask shifts updated_at so ordering tests do not depend on
// CURRENT_TIMESTAMP's one-second resolution.
func backdateTask(t *testing.T, store *persistence.Store, taskID, offset string) {
	t.Helper()
	if _, err := store.DB().Exec(`UPDATE tasks SET updated_at = datetime('now', ?) WHERE id = ?;`, offset, taskID); err != nil {
		t.Fatalf("backdate task: %v", err)
	}
}
