package bus

// Task lifecycle topics.
const (
	TopicTaskCreated      = "task.created"
	TopicTaskUpdated      = "task.updated"
	TopicTaskStateChanged = "task.state_changed"
	TopicTaskSuperseded   = "task.superseded"
	TopicTaskContinued    = "task.continued"
	TopicTaskNeedsReview  = "task.needs_review"
	TopicTaskReplied      = "task.replied"
	TopicTaskCompleted    = "task.completed"
	TopicTaskFailed       = "task.failed"
)

// Worker and pipeline topics.
const (
	TopicWorkerStateChanged = "worker.state_changed"
	TopicWorkerStale        = "worker.stale_recovered"
	TopicPipelineRun        = "pipeline.run_completed"
	TopicPipelineItemError  = "pipeline.item_error"
)

// TaskStateChangedEvent is published when a task's status changes.
type TaskStateChangedEvent struct {
	TaskID    string // Task ID
	ThreadID  string // Consolidation thread, empty for unthreaded tasks
	OldStatus string // Previous status (e.g. NEW)
	NewStatus string // New status (e.g. IN_PROGRESS)
}

// TaskNeedsReviewEvent is published when an execution suspends for human input.
type TaskNeedsReviewEvent struct {
	TaskID   string
	Title    string
	Question string
}

// TaskSupersededEvent is published when consolidation replaces an unstarted task.
type TaskSupersededEvent struct {
	OldTaskID string
	NewTaskID string
	ThreadID  string
	ItemCount int
}

// WorkerStateChangedEvent is published when the worker's agent status changes.
type WorkerStateChangedEvent struct {
	OldState      string
	NewState      string
	CurrentTaskID string
}

// PipelineRunEvent is published after each ingestion run.
type PipelineRunEvent struct {
	SourceType     string
	ItemsProcessed int
	TasksCreated   int
	TasksUpdated   int
	ErrorCount     int
}
