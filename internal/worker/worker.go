// Package worker runs the single task scheduler: one claim at a time,
// picked by eligibility order, driven through the executor and released.
// The agent_status row is the lock; the scheduler never holds in-memory
// state a restart would lose.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/inflow/internal/bus"
	"github.com/basket/inflow/internal/escalate"
	"github.com/basket/inflow/internal/executor"
	"github.com/basket/inflow/internal/otel"
	"github.com/basket/inflow/internal/persistence"
)

// Config tunes the scheduler loop.
type Config struct {
	// PollInterval is how often the scheduler looks for eligible tasks.
	// Defaults to 10 seconds.
	PollInterval time.Duration

	// StalenessTimeout is how long a PROCESSING claim may go without
	// activity before it is force-released. Defaults to 30 minutes.
	StalenessTimeout time.Duration

	// DrainTimeout bounds how long Stop waits for an in-flight task.
	// Defaults to 30 seconds.
	DrainTimeout time.Duration
}

// Scheduler is the single-worker task loop.
type Scheduler struct {
	store     *persistence.Store
	exec      executor.Executor
	escalator *escalate.Handler
	eventBus  *bus.Bus
	logger    *slog.Logger
	metrics   *otel.Metrics
	cfg       Config

	cancel context.CancelFunc
	done   chan struct{}
	force  chan string
}

func New(store *persistence.Store, exec executor.Executor, escalator *escalate.Handler, eventBus *bus.Bus, logger *slog.Logger, metrics *otel.Metrics, cfg Config) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.StalenessTimeout <= 0 {
		cfg.StalenessTimeout = 30 * time.Minute
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:     store,
		exec:      exec,
		escalator: escalator,
		eventBus:  eventBus,
		logger:    logger,
		metrics:   metrics,
		cfg:       cfg,
		done:      make(chan struct{}),
		force:     make(chan string, 1),
	}
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
	s.logger.Info("worker scheduler started", "poll_interval", s.cfg.PollInterval, "staleness_timeout", s.cfg.StalenessTimeout)
}

// Stop cancels the loop and waits for an in-flight cycle, bounded by the
// drain timeout.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	select {
	case <-s.done:
		s.logger.Info("worker scheduler stopped")
	case <-time.After(s.cfg.DrainTimeout):
		s.logger.Warn("worker scheduler stop timed out; task will be recovered as stale on restart")
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	var failures int
	cycle := func() {
		if err := s.RunOnce(ctx); err != nil {
			failures++
			s.logger.Error("scheduler cycle failed", "error", err, "consecutive", failures)
			if serr := s.store.SetWorkerState(ctx, persistence.WorkerStateError, err.Error()); serr != nil {
				s.logger.Error("failed to record worker error state", "error", serr)
			}
			// Back off so a wedged store does not spin the loop.
			backoff := time.Duration(failures) * time.Second
			if backoff > time.Minute {
				backoff = time.Minute
			}
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			return
		}
		if failures > 0 {
			failures = 0
			// Only the ERROR latch is undone; an operator pause issued
			// between cycles stays in force.
			if serr := s.store.ClearWorkerError(ctx); serr != nil {
				s.logger.Error("failed to clear worker error state", "error", serr)
			}
		}
	}

	cycle()
	for {
		select {
		case <-ctx.Done():
			return
		case taskID := <-s.force:
			if err := s.runTaskID(ctx, taskID); err != nil {
				s.logger.Error("forced task run failed", "task_id", taskID, "error", err)
			}
		case <-ticker.C:
			cycle()
		}
	}
}

// RunOnce performs one scheduling cycle: stale-claim recovery, then at most
// one task claimed and driven.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	recovered, err := s.store.RecoverStaleWorker(ctx, s.cfg.StalenessTimeout)
	if err != nil {
		return fmt.Errorf("stale worker recovery: %w", err)
	}
	if recovered != "" {
		s.logger.Warn("stale claim released, task requeued", "task_id", recovered)
		if s.metrics != nil {
			s.metrics.StaleRecoveries.Add(ctx, 1)
		}
	}

	status, err := s.store.AgentStatus(ctx)
	if err != nil {
		return fmt.Errorf("read agent status: %w", err)
	}
	if status.State != persistence.WorkerStateIdle {
		return nil
	}

	task, err := s.store.NextEligibleTask(ctx)
	if err != nil {
		return fmt.Errorf("select next task: %w", err)
	}
	if task == nil {
		return nil
	}
	return s.runTask(ctx, task)
}

// Pause stops the scheduler from claiming new work. An in-flight task
// finishes normally.
func (s *Scheduler) Pause(ctx context.Context) error {
	return s.store.SetWorkerState(ctx, persistence.WorkerStatePaused, "")
}

// Resume re-enables claiming after a pause.
func (s *Scheduler) Resume(ctx context.Context) error {
	status, err := s.store.AgentStatus(ctx)
	if err != nil {
		return err
	}
	if status.State != persistence.WorkerStatePaused && status.State != persistence.WorkerStateError {
		return fmt.Errorf("resume worker: state is %s", status.State)
	}
	return s.store.SetWorkerState(ctx, persistence.WorkerStateIdle, "")
}

// ForceProcess asks the loop to run a specific task next, jumping the
// eligibility queue. The task must still be claimable.
func (s *Scheduler) ForceProcess(taskID string) error {
	select {
	case s.force <- taskID:
		return nil
	default:
		return fmt.Errorf("force process: a forced task is already queued")
	}
}

func (s *Scheduler) runTaskID(ctx context.Context, taskID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !task.Status.IsActionable() {
		return fmt.Errorf("task %s is %s, not claimable", taskID, task.Status)
	}
	return s.runTask(ctx, task)
}

// runTask claims one task and drives it to completion, suspension or
// failure, always releasing the worker claim.
func (s *Scheduler) runTask(ctx context.Context, task *persistence.Task) error {
	resuming := task.Status == persistence.TaskStatusUserInputReceived

	claimed, err := s.store.ClaimTask(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("claim task: %w", err)
	}
	if !claimed {
		return nil
	}
	start := time.Now()
	s.logger.Info("task claimed", "task_id", task.ID, "thread_id", task.ThreadID, "resuming", resuming)

	if err := s.store.TouchWorkerActivity(ctx); err != nil {
		s.logger.Warn("failed to touch worker activity", "error", err)
	}

	res, execErr := s.executeOrResume(ctx, task, resuming)
	if execErr != nil {
		s.failTask(ctx, task, execErr)
		if rerr := s.store.ReleaseWorker(ctx, false); rerr != nil {
			s.logger.Error("failed to release worker after failure", "error", rerr)
		}
		return nil
	}

	if res.Suspended {
		if err := s.suspendTask(ctx, task, res); err != nil {
			s.failTask(ctx, task, err)
		}
	} else {
		s.completeTask(ctx, task, res, start)
	}

	if err := s.store.ReleaseWorker(ctx, true); err != nil {
		return fmt.Errorf("release worker: %w", err)
	}
	return nil
}

func (s *Scheduler) executeOrResume(ctx context.Context, task *persistence.Task, resuming bool) (executor.Result, error) {
	if resuming {
		state, err := s.exec.State(ctx, task.ThreadID)
		if err != nil {
			return executor.Result{}, fmt.Errorf("read execution state: %w", err)
		}
		if state.Suspended {
			answer, err := s.latestAnswer(ctx, task.ID)
			if err != nil {
				return executor.Result{}, err
			}
			return s.exec.Resume(ctx, task.ThreadID, answer)
		}
		// The suspension is gone (e.g. the thread was restarted); fall
		// through to a fresh execution with the reply folded in.
	}
	return s.exec.Execute(ctx, task.ThreadID, s.buildInput(ctx, task, resuming))
}

func (s *Scheduler) latestAnswer(ctx context.Context, taskID string) (string, error) {
	comment, err := s.store.LatestComment(ctx, taskID, "user")
	if err != nil {
		return "", fmt.Errorf("read user reply: %w", err)
	}
	if comment == nil {
		return "", fmt.Errorf("task %s marked replied but has no user comment", taskID)
	}
	return comment.Body, nil
}

func (s *Scheduler) buildInput(ctx context.Context, task *persistence.Task, resuming bool) string {
	var b strings.Builder
	b.WriteString(task.Title)
	if task.Description != "" {
		b.WriteString("\n\n")
		b.WriteString(task.Description)
	}
	if task.DueAt != nil {
		fmt.Fprintf(&b, "\n\nDue: %s", task.DueAt.UTC().Format(time.RFC3339))
	}
	if resuming {
		if answer, err := s.latestAnswer(ctx, task.ID); err == nil {
			fmt.Fprintf(&b, "\n\nUser reply: %s", answer)
		}
	}
	return b.String()
}

func (s *Scheduler) suspendTask(ctx context.Context, task *persistence.Task, res executor.Result) error {
	fresh, err := s.store.GetTask(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("reload task for escalation: %w", err)
	}
	return s.escalator.Suspend(ctx, fresh, res.Output, res.Question)
}

func (s *Scheduler) completeTask(ctx context.Context, task *persistence.Task, res executor.Result, start time.Time) {
	if res.Output != "" {
		if _, err := s.store.AddComment(ctx, task.ID, "agent", res.Output); err != nil {
			s.logger.Error("failed to persist execution output", "task_id", task.ID, "error", err)
		}
	}
	moved, err := s.store.TransitionTask(ctx, task.ID,
		[]persistence.TaskStatus{persistence.TaskStatusInProgress},
		persistence.TaskStatusDone, "task.completed", "")
	if err != nil || !moved {
		s.logger.Error("failed to complete task", "task_id", task.ID, "moved", moved, "error", err)
		return
	}
	s.logger.Info("task completed", "task_id", task.ID, "duration", time.Since(start))
	if s.eventBus != nil {
		s.eventBus.Publish(bus.TopicTaskCompleted, map[string]string{
			"task_id":   task.ID,
			"thread_id": task.ThreadID,
		})
	}
	if s.metrics != nil {
		attrs := metric.WithAttributes(otel.AttrSourceType.String(task.SourceType))
		s.metrics.TaskDuration.Record(ctx, time.Since(start).Seconds(), attrs)
		s.metrics.TasksProcessed.Add(ctx, 1, attrs)
	}
}

func (s *Scheduler) failTask(ctx context.Context, task *persistence.Task, cause error) {
	s.logger.Error("task execution failed", "task_id", task.ID, "error", cause)
	if _, err := s.store.AddComment(ctx, task.ID, "agent", "Execution failed: "+cause.Error()); err != nil {
		s.logger.Error("failed to persist failure comment", "task_id", task.ID, "error", err)
	}
	moved, err := s.store.TransitionTask(ctx, task.ID,
		[]persistence.TaskStatus{persistence.TaskStatusInProgress},
		persistence.TaskStatusFailed, "task.failed",
		fmt.Sprintf(`{"error":%q}`, cause.Error()))
	if err != nil || !moved {
		s.logger.Error("failed to mark task failed", "task_id", task.ID, "moved", moved, "error", err)
		return
	}
	if s.eventBus != nil {
		s.eventBus.Publish(bus.TopicTaskFailed, map[string]string{
			"task_id": task.ID,
			"error":   cause.Error(),
		})
	}
}
