package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/inflow/internal/persistence"
	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const webhookSourceType = "webhook"

// webhookItemSchema is the contract external callers must satisfy when
// pushing items through the gateway's ingest endpoint.
const webhookItemSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["title"],
	"properties": {
		"source_id": {"type": "string", "minLength": 1},
		"thread_id": {"type": "string"},
		"title": {"type": "string", "minLength": 1, "maxLength": 500},
		"content": {"type": "string"},
		"tags": {"type": "array", "items": {"type": "string"}},
		"due_at": {"type": "string", "format": "date-time"},
		"metadata": {"type": "object"}
	},
	"additionalProperties": false
}`

// webhookPayload mirrors the schema for decoding after validation.
type webhookPayload struct {
	SourceID string         `json:"source_id"`
	ThreadID string         `json:"thread_id"`
	Title    string         `json:"title"`
	Content  string         `json:"content"`
	Tags     []string       `json:"tags"`
	DueAt    string         `json:"due_at"`
	Metadata map[string]any `json:"metadata"`
}

// WebhookSource buffers schema-validated payloads pushed through the
// gateway until the next pipeline run drains them. Buffered items are lost
// on restart; callers that need durability re-push (the dedup ledger makes
// that safe).
type WebhookSource struct {
	logger *slog.Logger
	schema *jsonschema.Schema

	mu      sync.Mutex
	pending []RawItem
}

func NewWebhookSource(logger *slog.Logger) (*WebhookSource, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(webhookItemSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal webhook schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("item.schema.json", doc); err != nil {
		return nil, fmt.Errorf("add webhook schema resource: %w", err)
	}
	schema, err := c.Compile("item.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile webhook schema: %w", err)
	}
	return &WebhookSource{logger: logger, schema: schema}, nil
}

func (w *WebhookSource) Name() string {
	return webhookSourceType
}

// Enqueue validates a pushed payload and buffers it for the next pipeline
// run. Returns the source ID assigned to the item.
func (w *WebhookSource) Enqueue(raw []byte) (string, error) {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return "", fmt.Errorf("invalid JSON: %w", err)
	}
	if err := w.schema.Validate(parsed); err != nil {
		return "", fmt.Errorf("payload rejected: %w", err)
	}

	var payload webhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("decode payload: %w", err)
	}
	sourceID := payload.SourceID
	if sourceID == "" {
		sourceID = uuid.NewString()
	}

	data := map[string]any{
		"source_id": sourceID,
		"thread_id": payload.ThreadID,
		"title":     payload.Title,
		"content":   payload.Content,
		"due_at":    payload.DueAt,
		"metadata":  payload.Metadata,
	}
	if len(payload.Tags) > 0 {
		data["tags"] = payload.Tags
	}

	w.mu.Lock()
	w.pending = append(w.pending, RawItem{
		SourceType: webhookSourceType,
		SourceID:   sourceID,
		Data:       data,
		FetchedAt:  time.Now().UTC(),
	})
	depth := len(w.pending)
	w.mu.Unlock()

	w.logger.Debug("webhook item enqueued", "source_id", sourceID, "queue_depth", depth)
	return sourceID, nil
}

// Fetch drains the buffered payloads.
func (w *WebhookSource) Fetch(_ context.Context) ([]RawItem, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	items := w.pending
	w.pending = nil
	return items, nil
}

func (w *WebhookSource) Normalize(item RawItem) (NormalizedItem, error) {
	title, _ := item.Data["title"].(string)
	if title == "" {
		return NormalizedItem{}, fmt.Errorf("webhook item %s: missing title", item.SourceID)
	}
	threadID, _ := item.Data["thread_id"].(string)
	content, _ := item.Data["content"].(string)
	metadata, _ := item.Data["metadata"].(map[string]any)

	var tags []string
	switch v := item.Data["tags"].(type) {
	case []string:
		tags = v
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok {
				tags = append(tags, s)
			}
		}
	}

	var dueAt *time.Time
	if raw, _ := item.Data["due_at"].(string); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return NormalizedItem{}, fmt.Errorf("webhook item %s: bad due_at: %w", item.SourceID, err)
		}
		dueAt = &ts
	}

	return NormalizedItem{
		SourceType: webhookSourceType,
		SourceID:   item.SourceID,
		ThreadID:   threadID,
		Title:      title,
		Content:    content,
		Metadata:   metadata,
		Tags:       tags,
		DueAt:      dueAt,
	}, nil
}

func (w *WebhookSource) ShouldCreate(_ NormalizedItem) bool {
	return true
}

func (w *WebhookSource) ShouldUpdate(_ NormalizedItem, _ *persistence.Task) bool {
	return true
}

func (w *WebhookSource) HealthCheck(_ context.Context) error {
	return nil
}

// QueueDepth reports how many pushed items await the next pipeline run.
func (w *WebhookSource) QueueDepth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}
