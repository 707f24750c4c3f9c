// Package sources defines the ingestion contract: each external system
// (Telegram, calendar feed, webhook) implements Source and registers under
// its type string. The pipeline drives sources through Fetch/Normalize and
// the policy hooks; sources never touch the task store directly.
package sources

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/basket/inflow/internal/persistence"
)

// RawItem is an unparsed unit of work as fetched from a source.
type RawItem struct {
	SourceType string
	SourceID   string
	Data       map[string]any
	FetchedAt  time.Time
}

// NormalizedItem is the source-independent form the pipeline feeds into
// dedup and consolidation. ThreadID groups related items; when empty the
// item stands alone.
type NormalizedItem struct {
	SourceType string         `json:"source_type"`
	SourceID   string         `json:"source_id"`
	ThreadID   string         `json:"thread_id,omitempty"`
	Title      string         `json:"title"`
	Content    string         `json:"content,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	DueAt      *time.Time     `json:"due_at,omitempty"`
}

// Source is the ingestion contract. Fetch returns whatever is new since the
// last call; the pipeline handles dedup, so returning already-seen items is
// harmless.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]RawItem, error)
	Normalize(item RawItem) (NormalizedItem, error)
	// ShouldCreate gates turning an item into a brand-new task.
	ShouldCreate(item NormalizedItem) bool
	// ShouldUpdate gates feeding an item into an existing thread task.
	ShouldUpdate(item NormalizedItem, task *persistence.Task) bool
	HealthCheck(ctx context.Context) error
}

// Conversational is an optional capability: sources whose items are human
// messages implement it so the pipeline can treat an item arriving on a
// thread with a pending question as the answer rather than new work.
type Conversational interface {
	Conversational() bool
}

// Registry maps source-type strings to Source implementations.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
}

func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]Source)}
}

func (r *Registry) Register(src Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := src.Name()
	if name == "" {
		return fmt.Errorf("register source: empty name")
	}
	if _, exists := r.sources[name]; exists {
		return fmt.Errorf("register source: %q already registered", name)
	}
	r.sources[name] = src
	return nil
}

func (r *Registry) Get(name string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[name]
	return src, ok
}

// Names returns the registered source types in stable order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns the registered sources in name order.
func (r *Registry) All() []Source {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Source, 0, len(names))
	for _, name := range names {
		out = append(out, r.sources[name])
	}
	return out
}
