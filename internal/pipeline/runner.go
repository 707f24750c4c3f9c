// Package pipeline drives ingestion: it fetches raw items from registered
// sources, normalizes them, drops duplicates against the processed-item
// ledger, and feeds the survivors into thread consolidation. Item failures
// are isolated so one bad payload never aborts a run.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/inflow/internal/bus"
	"github.com/basket/inflow/internal/consolidate"
	"github.com/basket/inflow/internal/otel"
	"github.com/basket/inflow/internal/persistence"
	"github.com/basket/inflow/internal/sources"
)

// ReplyRouter handles an item that answers a task's pending question
// instead of being new work.
type ReplyRouter interface {
	HandleHumanReply(ctx context.Context, task *persistence.Task, answer string) error
}

// Report summarizes one ingestion run for a single source.
type Report struct {
	SourceType     string        `json:"source_type"`
	ItemsFetched   int           `json:"items_fetched"`
	ItemsProcessed int           `json:"items_processed"`
	TasksCreated   int           `json:"tasks_created"`
	TasksUpdated   int           `json:"tasks_updated"`
	Deduped        int           `json:"deduped"`
	Errors         int           `json:"errors"`
	Duration       time.Duration `json:"duration"`
}

// Runner executes ingestion runs against the source registry.
type Runner struct {
	store    *persistence.Store
	engine   *consolidate.Engine
	registry *sources.Registry
	replies  ReplyRouter
	eventBus *bus.Bus
	logger   *slog.Logger
	metrics  *otel.Metrics
}

func NewRunner(store *persistence.Store, engine *consolidate.Engine, registry *sources.Registry, replies ReplyRouter, eventBus *bus.Bus, logger *slog.Logger, metrics *otel.Metrics) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:    store,
		engine:   engine,
		registry: registry,
		replies:  replies,
		eventBus: eventBus,
		logger:   logger,
		metrics:  metrics,
	}
}

// RunAll runs every registered source once, in name order.
func (r *Runner) RunAll(ctx context.Context) []Report {
	var reports []Report
	for _, src := range r.registry.All() {
		reports = append(reports, r.RunSource(ctx, src))
	}
	return reports
}

// Run looks up a source by type and runs it once.
func (r *Runner) Run(ctx context.Context, sourceType string) (Report, bool) {
	src, ok := r.registry.Get(sourceType)
	if !ok {
		return Report{}, false
	}
	return r.RunSource(ctx, src), true
}

// RunSource fetches and processes one source's pending items.
func (r *Runner) RunSource(ctx context.Context, src sources.Source) Report {
	start := time.Now()
	report := Report{SourceType: src.Name()}

	items, err := src.Fetch(ctx)
	if err != nil {
		r.logger.Error("pipeline fetch failed", "source", src.Name(), "error", err)
		report.Errors++
		r.finish(ctx, &report, start)
		return report
	}
	report.ItemsFetched = len(items)

	for _, raw := range items {
		if err := ctx.Err(); err != nil {
			r.logger.Warn("pipeline run interrupted", "source", src.Name(), "remaining", report.ItemsFetched-report.ItemsProcessed)
			break
		}
		if err := r.processItem(ctx, src, raw, &report); err != nil {
			report.Errors++
			r.logger.Error("pipeline item failed",
				"source", raw.SourceType,
				"source_id", raw.SourceID,
				"error", err,
			)
			if r.eventBus != nil {
				r.eventBus.Publish(bus.TopicPipelineItemError, map[string]string{
					"source_type": raw.SourceType,
					"source_id":   raw.SourceID,
					"error":       err.Error(),
				})
			}
			if r.metrics != nil {
				r.metrics.PipelineErrors.Add(ctx, 1, metric.WithAttributes(otel.AttrSourceType.String(raw.SourceType)))
			}
		}
	}

	r.finish(ctx, &report, start)
	return report
}

func (r *Runner) finish(ctx context.Context, report *Report, start time.Time) {
	report.Duration = time.Since(start)
	r.logger.Info("pipeline run completed",
		"source", report.SourceType,
		"fetched", report.ItemsFetched,
		"processed", report.ItemsProcessed,
		"created", report.TasksCreated,
		"updated", report.TasksUpdated,
		"deduped", report.Deduped,
		"errors", report.Errors,
		"duration", report.Duration,
	)
	if r.eventBus != nil {
		r.eventBus.Publish(bus.TopicPipelineRun, bus.PipelineRunEvent{
			SourceType:     report.SourceType,
			ItemsProcessed: report.ItemsProcessed,
			TasksCreated:   report.TasksCreated,
			TasksUpdated:   report.TasksUpdated,
			ErrorCount:     report.Errors,
		})
	}
}

// processItem runs one raw item through dedup, the source's policy gates,
// reply routing, and consolidation.
func (r *Runner) processItem(ctx context.Context, src sources.Source, raw sources.RawItem, report *Report) error {
	seen, err := r.store.SeenItem(ctx, raw.SourceType, raw.SourceID)
	if err != nil {
		return err
	}
	if seen {
		report.Deduped++
		if r.metrics != nil {
			r.metrics.ItemsDeduped.Add(ctx, 1, metric.WithAttributes(otel.AttrSourceType.String(raw.SourceType)))
		}
		return nil
	}

	item, err := src.Normalize(raw)
	if err != nil {
		return err
	}

	task, err := r.threadTask(ctx, item)
	if err != nil {
		return err
	}

	// An item landing on a thread whose task is waiting on a question is
	// the human's answer, not new work. Only conversational sources get
	// this routing; a calendar reschedule during review merges as usual.
	if task != nil && task.Status == persistence.TaskStatusNeedsReview && r.replies != nil && isConversational(src) {
		if err := r.routeReply(ctx, item, task); err != nil {
			return err
		}
		report.ItemsProcessed++
		report.TasksUpdated++
		return nil
	}

	if task == nil || task.Status.IsTerminal() {
		if !src.ShouldCreate(item) {
			return nil
		}
	} else if !src.ShouldUpdate(item, task) {
		return nil
	}

	outcome, err := r.engine.Apply(ctx, item)
	if err != nil {
		return err
	}
	report.ItemsProcessed++
	switch outcome.Action {
	case consolidate.ActionCreated, consolidate.ActionContinued:
		report.TasksCreated++
		if r.metrics != nil {
			r.metrics.TasksCreated.Add(ctx, 1, metric.WithAttributes(otel.AttrSourceType.String(item.SourceType)))
		}
	case consolidate.ActionSuperseded:
		report.TasksCreated++
		if r.metrics != nil {
			r.metrics.TasksCreated.Add(ctx, 1, metric.WithAttributes(otel.AttrSourceType.String(item.SourceType)))
			r.metrics.TasksSuperseded.Add(ctx, 1, metric.WithAttributes(otel.AttrSourceType.String(item.SourceType)))
		}
	case consolidate.ActionMerged:
		report.TasksUpdated++
	case consolidate.ActionDeduped:
		report.ItemsProcessed--
		report.Deduped++
	case consolidate.ActionSkipped:
		// Deferred while the task is mid-run; the next poll sees it again.
		report.ItemsProcessed--
	}
	return nil
}

// threadTask resolves the live task an item would land on, if any.
func (r *Runner) threadTask(ctx context.Context, item sources.NormalizedItem) (*persistence.Task, error) {
	threadID := item.ThreadID
	if strings.TrimSpace(threadID) == "" {
		threadID = item.SourceType + ":" + item.SourceID
	}
	return r.store.ActiveTaskForThread(ctx, threadID)
}

// routeReply records the answering item against the reviewed task, then
// hands the text to the escalation handler.
func (r *Runner) routeReply(ctx context.Context, item sources.NormalizedItem, task *persistence.Task) error {
	answer := strings.TrimSpace(item.Content)
	if answer == "" {
		answer = item.Title
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return err
	}
	_, err = r.store.RecordProcessedItem(ctx, item.SourceType, item.SourceID, task.ThreadID, task.ID, string(payload))
	if err != nil && !errors.Is(err, persistence.ErrDuplicateItem) {
		return err
	}
	return r.replies.HandleHumanReply(ctx, task, answer)
}

func isConversational(src sources.Source) bool {
	c, ok := src.(sources.Conversational)
	return ok && c.Conversational()
}
