package sources

import (
	"context"
	"strings"
	"testing"
)

func TestWebhook_EnqueueValidatesAgainstSchema(t *testing.T) {
	src, err := NewWebhookSource(discardLogger())
	if err != nil {
		t.Fatalf("new webhook source: %v", err)
	}

	id, err := src.Enqueue([]byte(`{
		"source_id": "deploy-42",
		"thread_id": "ci:main",
		"title": "Deploy failed on main",
		"content": "Pipeline #42 failed at the integration stage.",
		"tags": ["ci"],
		"metadata": {"pipeline": 42}
	}`))
	if err != nil {
		t.Fatalf("enqueue valid: %v", err)
	}
	if id != "deploy-42" {
		t.Fatalf("expected caller-provided source_id, got %q", id)
	}

	// Missing title.
	if _, err := src.Enqueue([]byte(`{"content": "no title"}`)); err == nil {
		t.Fatalf("expected schema rejection for missing title")
	}
	// Unknown field.
	if _, err := src.Enqueue([]byte(`{"title": "x", "bogus": true}`)); err == nil {
		t.Fatalf("expected schema rejection for unknown field")
	}
	// Not JSON at all.
	if _, err := src.Enqueue([]byte(`not json`)); err == nil {
		t.Fatalf("expected rejection for invalid JSON")
	}

	if src.QueueDepth() != 1 {
		t.Fatalf("expected only the valid item buffered, depth=%d", src.QueueDepth())
	}
}

func TestWebhook_EnqueueAssignsIDWhenAbsent(t *testing.T) {
	src, err := NewWebhookSource(discardLogger())
	if err != nil {
		t.Fatalf("new webhook source: %v", err)
	}
	id, err := src.Enqueue([]byte(`{"title": "Anonymous push"}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id == "" {
		t.Fatalf("expected generated source_id")
	}
}

func TestWebhook_FetchNormalizeRoundTrip(t *testing.T) {
	src, err := NewWebhookSource(discardLogger())
	if err != nil {
		t.Fatalf("new webhook source: %v", err)
	}
	if _, err := src.Enqueue([]byte(`{
		"source_id": "itm-1",
		"thread_id": "ops:disk",
		"title": "Disk usage at 91%",
		"due_at": "2026-09-03T10:00:00Z",
		"tags": ["ops", "urgent"]
	}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	items, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if src.QueueDepth() != 0 {
		t.Fatalf("fetch did not drain")
	}

	got, err := src.Normalize(items[0])
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got.ThreadID != "ops:disk" || got.Title != "Disk usage at 91%" {
		t.Fatalf("fields lost: %+v", got)
	}
	if got.DueAt == nil || got.DueAt.UTC().Hour() != 10 {
		t.Fatalf("due_at lost: %v", got.DueAt)
	}
	if len(got.Tags) != 2 || got.Tags[1] != "urgent" {
		t.Fatalf("tags lost: %v", got.Tags)
	}
	if !strings.HasPrefix(got.SourceID, "itm-") {
		t.Fatalf("source_id lost: %q", got.SourceID)
	}
}
