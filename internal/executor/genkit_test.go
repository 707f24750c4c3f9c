package executor_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/basket/inflow/internal/executor"
	"github.com/basket/inflow/internal/persistence"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "inflow.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func newFallbackExecutor(t *testing.T, store *persistence.Store) *executor.GenkitExecutor {
	t.Helper()
	// No API key anywhere, so the executor stays in deterministic mode.
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return executor.NewGenkitExecutor(context.Background(), store, logger, executor.GenkitConfig{Provider: "google"})
}

func TestGenkitExecutor_FallbackCompletesAndPersists(t *testing.T) {
	store := openTestStore(t)
	exec := newFallbackExecutor(t, store)
	ctx := context.Background()

	res, err := exec.Execute(ctx, "telegram:42", "Book a table for Friday")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Suspended {
		t.Fatal("fallback must not suspend")
	}
	if res.Output == "" {
		t.Fatal("expected fallback output")
	}

	state, err := exec.State(ctx, "telegram:42")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if !state.Exists || state.Suspended {
		t.Fatalf("state = %+v", state)
	}

	rec, err := store.GetExecution(ctx, "telegram:42")
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if rec == nil {
		t.Fatal("expected a persisted execution record")
	}
	if rec.Transcript == "" || rec.Transcript == "[]" {
		t.Fatal("expected a non-empty transcript")
	}
}

func TestGenkitExecutor_ResumeRequiresSuspension(t *testing.T) {
	store := openTestStore(t)
	exec := newFallbackExecutor(t, store)
	ctx := context.Background()

	if _, err := exec.Resume(ctx, "telegram:7", "yes"); err == nil {
		t.Fatal("resume on an unknown thread should fail")
	}

	if _, err := exec.Execute(ctx, "telegram:7", "Do the thing"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, err := exec.Resume(ctx, "telegram:7", "yes"); err == nil {
		t.Fatal("resume on a completed thread should fail")
	}
}

func TestGenkitExecutor_TranscriptAccumulatesAcrossExecutes(t *testing.T) {
	store := openTestStore(t)
	exec := newFallbackExecutor(t, store)
	ctx := context.Background()

	if _, err := exec.Execute(ctx, "calendar:offsite", "Prepare for: kickoff"); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	first, err := store.GetExecution(ctx, "calendar:offsite")
	if err != nil || first == nil {
		t.Fatalf("get execution: rec=%v err=%v", first, err)
	}

	if _, err := exec.Execute(ctx, "calendar:offsite", "Prepare for: kickoff (rescheduled)"); err != nil {
		t.Fatalf("second execute: %v", err)
	}
	second, err := store.GetExecution(ctx, "calendar:offsite")
	if err != nil || second == nil {
		t.Fatalf("get execution: rec=%v err=%v", second, err)
	}
	if len(second.Transcript) <= len(first.Transcript) {
		t.Fatal("second run should extend the transcript, not replace it")
	}
}

func TestScripted_ReplaysQueuedResults(t *testing.T) {
	s := executor.NewScripted()
	s.Queue("t1",
		executor.Result{Suspended: true, Question: "Which option?"},
		executor.Result{Output: "picked A"},
	)
	ctx := context.Background()

	res, err := s.Execute(ctx, "t1", "choose")
	if err != nil || !res.Suspended {
		t.Fatalf("execute: res=%+v err=%v", res, err)
	}
	state, _ := s.State(ctx, "t1")
	if !state.Suspended || state.Question != "Which option?" {
		t.Fatalf("state = %+v", state)
	}

	res, err = s.Resume(ctx, "t1", "A")
	if err != nil || res.Output != "picked A" {
		t.Fatalf("resume: res=%+v err=%v", res, err)
	}
	if _, err := s.Resume(ctx, "t1", "again"); err == nil {
		t.Fatal("second resume should fail")
	}

	calls := s.Calls()
	if len(calls) != 2 || calls[0].Method != "execute" || calls[1].Method != "resume" {
		t.Fatalf("calls = %+v", calls)
	}
}
