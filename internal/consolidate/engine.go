// Package consolidate merges bursts of related source items into single
// tasks. Each thread debounces behind a stabilization window; once a task
// leaves NEW the engine decides between superseding, continuing, merging
// in place, or skipping based on where the task is in its lifecycle.
package consolidate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/inflow/internal/bus"
	"github.com/basket/inflow/internal/persistence"
	"github.com/basket/inflow/internal/sources"
)

// Action is what the engine did with an item.
type Action string

const (
	ActionCreated    Action = "created"    // new task opened for the thread
	ActionSuperseded Action = "superseded" // unstarted task replaced by a rebuilt one
	ActionContinued  Action = "continued"  // follow-up task after a terminal one
	ActionMerged     Action = "merged"     // appended to the existing task in place
	ActionSkipped    Action = "skipped"    // task mid-execution, item deferred to the next poll
	ActionDeduped    Action = "deduped"    // item was already in the ledger
)

// Outcome reports the consolidation result for one item.
type Outcome struct {
	Action Action
	TaskID string
}

type Engine struct {
	store           *persistence.Store
	bus             *bus.Bus
	logger          *slog.Logger
	window          time.Duration
	summaryMaxRunes int
	now             func() time.Time
}

func New(store *persistence.Store, eventBus *bus.Bus, logger *slog.Logger, window time.Duration, summaryMaxRunes int) *Engine {
	if window <= 0 {
		window = 15 * time.Minute
	}
	if summaryMaxRunes <= 0 {
		summaryMaxRunes = 500
	}
	return &Engine{
		store:           store,
		bus:             eventBus,
		logger:          logger,
		window:          window,
		summaryMaxRunes: summaryMaxRunes,
		now:             time.Now,
	}
}

// Apply ingests one normalized item into its thread. Every consumed item
// writes exactly one processed_items row; the UNIQUE index there is the
// idempotency barrier, so re-applying a consumed item returns ActionDeduped
// without side effects. Items arriving mid-execution are the exception:
// they stay out of the ledger so a later poll can consolidate them.
func (e *Engine) Apply(ctx context.Context, item sources.NormalizedItem) (Outcome, error) {
	threadID := item.ThreadID
	if threadID == "" {
		// Standalone items form a single-item thread keyed by identity.
		threadID = item.SourceType + ":" + item.SourceID
	}

	task, err := e.store.LatestTaskForThread(ctx, threadID)
	if err != nil {
		return Outcome{}, err
	}

	payload, err := json.Marshal(item)
	if err != nil {
		return Outcome{}, fmt.Errorf("encode item payload: %w", err)
	}

	if task == nil {
		return e.createInitial(ctx, item, threadID, string(payload))
	}

	switch task.Status {
	case persistence.TaskStatusInProgress:
		return e.skip(item, threadID, task)
	case persistence.TaskStatusNew, persistence.TaskStatusUserInputReceived, persistence.TaskStatusWaiting:
		return e.supersede(ctx, item, threadID, task, string(payload))
	case persistence.TaskStatusDone, persistence.TaskStatusFailed:
		return e.continueThread(ctx, item, threadID, task, string(payload))
	default: // NEEDS_REVIEW
		return e.mergeInPlace(ctx, item, threadID, task, string(payload))
	}
}

// createInitial opens the thread's first task behind a stabilization window.
// The dedup row is claimed before the task exists so a duplicate race never
// creates a second task; the row is pointed at the task afterwards.
func (e *Engine) createInitial(ctx context.Context, item sources.NormalizedItem, threadID, payload string) (Outcome, error) {
	deduped, err := e.recordItem(ctx, item, threadID, "", payload)
	if err != nil {
		return Outcome{}, err
	}
	if deduped {
		return Outcome{Action: ActionDeduped}, nil
	}

	metadata := cloneMetadata(item.Metadata)
	metadata[persistence.MetaSourceID] = item.SourceID
	metadata[persistence.MetaItemCount] = 1

	task, err := e.store.CreateTask(ctx, persistence.CreateTaskParams{
		ThreadID:    threadID,
		SourceType:  item.SourceType,
		Title:       item.Title,
		Description: item.Content,
		Metadata:    metadata,
		Tags:        item.Tags,
		DueAt:       item.DueAt,
	})
	if err != nil {
		return Outcome{}, err
	}
	if err := e.store.SetProcessedItemTask(ctx, item.SourceType, item.SourceID, task.ID); err != nil {
		return Outcome{}, err
	}
	if err := e.store.SetStabilization(ctx, task.ID, e.now().UTC().Add(e.window)); err != nil {
		return Outcome{}, err
	}
	e.logger.Info("thread opened",
		"thread_id", threadID, "task_id", task.ID, "source", item.SourceType)
	return Outcome{Action: ActionCreated, TaskID: task.ID}, nil
}

// skip defers an item that arrives while the thread's task is mid-run. The
// item is deliberately left out of the ledger: the next poll re-fetches it
// and consolidates it once the task has settled, so nothing is lost.
func (e *Engine) skip(item sources.NormalizedItem, threadID string, task *persistence.Task) (Outcome, error) {
	e.logger.Debug("item arrived mid-execution, deferred to next poll",
		"thread_id", threadID, "task_id", task.ID, "source_id", item.SourceID)
	return Outcome{Action: ActionSkipped, TaskID: task.ID}, nil
}

// supersede replaces an unstarted task with one rebuilt from the thread's
// full item set, closing the old task as DONE.
func (e *Engine) supersede(ctx context.Context, item sources.NormalizedItem, threadID string, old *persistence.Task, payload string) (Outcome, error) {
	deduped, err := e.recordItem(ctx, item, threadID, old.ID, payload)
	if err != nil {
		return Outcome{}, err
	}
	if deduped {
		return Outcome{Action: ActionDeduped, TaskID: old.ID}, nil
	}

	items, err := e.store.ListThreadItems(ctx, threadID)
	if err != nil {
		return Outcome{}, err
	}
	title, description := e.rebuildContent(item, items)

	supersedes := append(old.MetaStrings(persistence.MetaSupersedes), old.ID)
	metadata := cloneMetadata(item.Metadata)
	metadata[persistence.MetaItemCount] = len(items)
	metadata[persistence.MetaSupersedes] = supersedes

	replacement, err := e.store.CreateTask(ctx, persistence.CreateTaskParams{
		ThreadID:    threadID,
		SourceType:  item.SourceType,
		Title:       title,
		Description: description,
		Metadata:    metadata,
		Tags:        mergeTags(old.Tags, item.Tags),
		DueAt:       latestDue(old.DueAt, item.DueAt),
	})
	if err != nil {
		return Outcome{}, err
	}
	if err := e.store.SetStabilization(ctx, replacement.ID, e.now().UTC().Add(e.window)); err != nil {
		return Outcome{}, err
	}

	oldMeta := cloneMetadata(old.Metadata)
	oldMeta[persistence.MetaSupersededBy] = replacement.ID
	if err := e.store.SetTaskMetadata(ctx, old.ID, oldMeta); err != nil {
		return Outcome{}, err
	}
	moved, err := e.store.TransitionTask(ctx, old.ID,
		[]persistence.TaskStatus{persistence.TaskStatusNew, persistence.TaskStatusUserInputReceived, persistence.TaskStatusWaiting},
		persistence.TaskStatusDone, "task.superseded",
		fmt.Sprintf(`{"superseded_by":%q}`, replacement.ID))
	if err != nil {
		return Outcome{}, err
	}
	if !moved {
		// The worker claimed the old task between our read and the close.
		// The replacement stands; both will run, which beats losing items.
		e.logger.Warn("superseded task escaped closing",
			"thread_id", threadID, "old_task_id", old.ID, "new_task_id", replacement.ID)
	}
	if _, err := e.store.ReassignThreadItems(ctx, threadID, replacement.ID); err != nil {
		return Outcome{}, err
	}

	if e.bus != nil {
		e.bus.Publish(bus.TopicTaskSuperseded, bus.TaskSupersededEvent{
			OldTaskID: old.ID,
			NewTaskID: replacement.ID,
			ThreadID:  threadID,
			ItemCount: len(items),
		})
	}
	e.logger.Info("task superseded",
		"thread_id", threadID, "old_task_id", old.ID, "new_task_id", replacement.ID, "item_count", len(items))
	return Outcome{Action: ActionSuperseded, TaskID: replacement.ID}, nil
}

// continueThread opens a follow-up task carrying forward a summary of the
// finished one.
func (e *Engine) continueThread(ctx context.Context, item sources.NormalizedItem, threadID string, prev *persistence.Task, payload string) (Outcome, error) {
	deduped, err := e.recordItem(ctx, item, threadID, "", payload)
	if err != nil {
		return Outcome{}, err
	}
	if deduped {
		return Outcome{Action: ActionDeduped, TaskID: prev.ID}, nil
	}

	metadata := cloneMetadata(item.Metadata)
	metadata[persistence.MetaSourceID] = item.SourceID
	metadata[persistence.MetaItemCount] = 1
	metadata[persistence.MetaPreviousTaskID] = prev.ID
	summary, err := e.previousSummary(ctx, prev)
	if err != nil {
		return Outcome{}, err
	}
	if summary != "" {
		metadata[persistence.MetaPreviousTaskSummary] = summary
	}

	task, err := e.store.CreateTask(ctx, persistence.CreateTaskParams{
		ThreadID:    threadID,
		SourceType:  item.SourceType,
		Title:       item.Title,
		Description: item.Content,
		Metadata:    metadata,
		Tags:        item.Tags,
		DueAt:       item.DueAt,
	})
	if err != nil {
		return Outcome{}, err
	}
	if err := e.store.SetProcessedItemTask(ctx, item.SourceType, item.SourceID, task.ID); err != nil {
		return Outcome{}, err
	}
	if err := e.store.SetStabilization(ctx, task.ID, e.now().UTC().Add(e.window)); err != nil {
		return Outcome{}, err
	}

	if e.bus != nil {
		e.bus.Publish(bus.TopicTaskContinued, bus.TaskStateChangedEvent{
			TaskID:   task.ID,
			ThreadID: threadID,
		})
	}
	e.logger.Info("thread continued",
		"thread_id", threadID, "previous_task_id", prev.ID, "task_id", task.ID)
	return Outcome{Action: ActionContinued, TaskID: task.ID}, nil
}

// mergeInPlace appends the item to a task already waiting on a human.
func (e *Engine) mergeInPlace(ctx context.Context, item sources.NormalizedItem, threadID string, task *persistence.Task, payload string) (Outcome, error) {
	deduped, err := e.recordItem(ctx, item, threadID, task.ID, payload)
	if err != nil {
		return Outcome{}, err
	}
	if deduped {
		return Outcome{Action: ActionDeduped, TaskID: task.ID}, nil
	}

	description := task.Description
	if item.Content != "" {
		if description != "" {
			description += "\n\n"
		}
		description += fmt.Sprintf("[update via %s] %s", item.SourceType, item.Content)
	}
	metadata := cloneMetadata(task.Metadata)
	metadata[persistence.MetaItemCount] = itemCount(task.Metadata) + 1

	if err := e.store.UpdateTaskContent(ctx, task.ID, task.Title, description, metadata, mergeTags(task.Tags, item.Tags)); err != nil {
		return Outcome{}, err
	}
	// New material restarts the stabilization clock, same as every other
	// branch that touches a task.
	if err := e.store.SetStabilization(ctx, task.ID, e.now().UTC().Add(e.window)); err != nil {
		return Outcome{}, err
	}
	if e.bus != nil {
		e.bus.Publish(bus.TopicTaskUpdated, bus.TaskStateChangedEvent{TaskID: task.ID, ThreadID: threadID})
	}
	e.logger.Info("item merged in place",
		"thread_id", threadID, "task_id", task.ID, "source_id", item.SourceID)
	return Outcome{Action: ActionMerged, TaskID: task.ID}, nil
}

// recordItem writes the dedup row. Returns true when the item was already
// in the ledger.
func (e *Engine) recordItem(ctx context.Context, item sources.NormalizedItem, threadID, taskID, payload string) (bool, error) {
	_, err := e.store.RecordProcessedItem(ctx, item.SourceType, item.SourceID, threadID, taskID, payload)
	if errors.Is(err, persistence.ErrDuplicateItem) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

// rebuildContent derives the replacement task's title and description from
// the complete item set. The newest item names the task; older items stack
// underneath in arrival order.
func (e *Engine) rebuildContent(latest sources.NormalizedItem, items []persistence.ProcessedItem) (string, string) {
	var sections []string
	for _, rec := range items {
		var it sources.NormalizedItem
		if err := json.Unmarshal([]byte(rec.Payload), &it); err != nil || it.Content == "" {
			continue
		}
		sections = append(sections, it.Content)
	}
	title := latest.Title
	if title == "" {
		title = "(untitled)"
	}
	if len(items) > 1 {
		title = fmt.Sprintf("%s (+%d earlier)", title, len(items)-1)
	}
	return title, strings.Join(sections, "\n\n---\n\n")
}

// previousSummary finds the best short description of a finished task:
// stored summary metadata, then the last agent comment, then the task
// description, truncated to the configured rune budget.
func (e *Engine) previousSummary(ctx context.Context, prev *persistence.Task) (string, error) {
	summary := prev.MetaString("summary")
	if summary == "" {
		comment, err := e.store.LatestComment(ctx, prev.ID, "agent")
		if err != nil {
			return "", err
		}
		if comment != nil {
			summary = comment.Body
		}
	}
	if summary == "" {
		summary = prev.Description
	}
	runes := []rune(summary)
	if len(runes) > e.summaryMaxRunes {
		summary = string(runes[:e.summaryMaxRunes-1]) + "…"
	}
	return summary, nil
}

func cloneMetadata(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+4)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func itemCount(metadata map[string]any) int {
	switch v := metadata[persistence.MetaItemCount].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 1
}

func mergeTags(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, tag := range append(append([]string{}, a...), b...) {
		if _, dup := seen[tag]; dup || tag == "" {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

func latestDue(a, b *time.Time) *time.Time {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if b.After(*a) {
		return b
	}
	return a
}
