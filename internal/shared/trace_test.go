package shared

import (
	"context"
	"testing"
)

func TestTraceIDDefaults(t *testing.T) {
	if got := TraceID(context.Background()); got != "-" {
		t.Fatalf("expected '-' for absent trace id, got %q", got)
	}
}

func TestContextRoundTrips(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "tr-1")
	ctx = WithTaskID(ctx, "task-1")
	ctx = WithThreadID(ctx, "thread-1")
	ctx = WithSourceType(ctx, "telegram")

	if got := TraceID(ctx); got != "tr-1" {
		t.Fatalf("trace id: %q", got)
	}
	if got := TaskID(ctx); got != "task-1" {
		t.Fatalf("task id: %q", got)
	}
	if got := ThreadID(ctx); got != "thread-1" {
		t.Fatalf("thread id: %q", got)
	}
	if got := SourceType(ctx); got != "telegram" {
		t.Fatalf("source type: %q", got)
	}
}

func TestNewTraceIDUnique(t *testing.T) {
	if NewTraceID() == NewTraceID() {
		t.Fatal("trace ids should be unique")
	}
}
