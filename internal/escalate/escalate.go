// Package escalate implements the suspend/resume protocol between the
// worker and the human. When an execution suspends with a question the
// handler parks the task in NEEDS_REVIEW; when the answer arrives it moves
// the task to USER_INPUT_RECEIVED so the scheduler resumes it.
package escalate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/inflow/internal/bus"
	"github.com/basket/inflow/internal/otel"
	"github.com/basket/inflow/internal/persistence"
)

// Notifier pushes a pending question out to the human. Implemented by the
// telegram source; nil disables outbound notification.
type Notifier interface {
	Notify(threadID, title, question string)
}

// Handler owns the escalation protocol around a task.
type Handler struct {
	store    *persistence.Store
	eventBus *bus.Bus
	notifier Notifier
	logger   *slog.Logger
	metrics  *otel.Metrics
}

func New(store *persistence.Store, eventBus *bus.Bus, notifier Notifier, logger *slog.Logger, metrics *otel.Metrics) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:    store,
		eventBus: eventBus,
		notifier: notifier,
		logger:   logger,
		metrics:  metrics,
	}
}

// Suspend parks an in-progress task on a question. The work-so-far comment
// and the question comment are persisted before the status flips, so a
// reader who sees NEEDS_REVIEW always finds the question on the task.
func (h *Handler) Suspend(ctx context.Context, task *persistence.Task, output, question string) error {
	question = strings.TrimSpace(question)
	if question == "" {
		return fmt.Errorf("suspend task %s: empty question", task.ID)
	}

	if output = strings.TrimSpace(output); output != "" {
		if _, err := h.store.AddComment(ctx, task.ID, "agent", output); err != nil {
			return fmt.Errorf("persist execution output: %w", err)
		}
	}
	if _, err := h.store.AddComment(ctx, task.ID, "agent", "Question: "+question); err != nil {
		return fmt.Errorf("persist question: %w", err)
	}

	metadata := task.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata[persistence.MetaQuestion] = question
	if err := h.store.SetTaskMetadata(ctx, task.ID, metadata); err != nil {
		return fmt.Errorf("record pending question: %w", err)
	}

	moved, err := h.store.TransitionTask(ctx, task.ID,
		[]persistence.TaskStatus{persistence.TaskStatusInProgress},
		persistence.TaskStatusNeedsReview, "task.needs_review",
		fmt.Sprintf(`{"question":%q}`, question))
	if err != nil {
		return fmt.Errorf("park task for review: %w", err)
	}
	if !moved {
		return fmt.Errorf("park task for review: task %s is not in progress", task.ID)
	}

	h.logger.Info("task escalated to human", "task_id", task.ID, "thread_id", task.ThreadID, "question", question)
	if h.eventBus != nil {
		h.eventBus.Publish(bus.TopicTaskNeedsReview, bus.TaskNeedsReviewEvent{
			TaskID:   task.ID,
			Title:    task.Title,
			Question: question,
		})
	}
	if h.metrics != nil {
		h.metrics.Suspensions.Add(ctx, 1, metric.WithAttributes(otel.AttrSourceType.String(task.SourceType)))
	}
	if h.notifier != nil {
		h.notifier.Notify(task.ThreadID, task.Title, question)
	}
	return nil
}

// HandleHumanReply records the human's answer and marks the task ready for
// the scheduler to resume. The answer comment lands before the transition
// for the same reason the question does on Suspend.
func (h *Handler) HandleHumanReply(ctx context.Context, task *persistence.Task, answer string) error {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return fmt.Errorf("reply to task %s: empty answer", task.ID)
	}

	if _, err := h.store.AddComment(ctx, task.ID, "user", answer); err != nil {
		return fmt.Errorf("persist answer: %w", err)
	}

	moved, err := h.store.TransitionTask(ctx, task.ID,
		[]persistence.TaskStatus{persistence.TaskStatusNeedsReview},
		persistence.TaskStatusUserInputReceived, "task.user_reply", "")
	if err != nil {
		return fmt.Errorf("mark reply received: %w", err)
	}
	if !moved {
		return fmt.Errorf("mark reply received: task %s is not awaiting review", task.ID)
	}

	h.logger.Info("human reply received", "task_id", task.ID, "thread_id", task.ThreadID)
	if h.eventBus != nil {
		h.eventBus.Publish(bus.TopicTaskReplied, map[string]string{
			"task_id":   task.ID,
			"thread_id": task.ThreadID,
		})
	}
	return nil
}

// PendingQuestion returns the open question on a reviewed task, if any.
func (h *Handler) PendingQuestion(ctx context.Context, taskID string) (string, error) {
	task, err := h.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	if task.Status != persistence.TaskStatusNeedsReview {
		return "", nil
	}
	return task.MetaString(persistence.MetaQuestion), nil
}
