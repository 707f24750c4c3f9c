package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all inflow metrics instruments.
type Metrics struct {
	TaskDuration    metric.Float64Histogram
	TasksProcessed  metric.Int64Counter
	TasksCreated    metric.Int64Counter
	TasksSuperseded metric.Int64Counter
	ItemsDeduped    metric.Int64Counter
	PipelineErrors  metric.Int64Counter
	Suspensions     metric.Int64Counter
	StaleRecoveries metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram("inflow.task.duration",
		metric.WithDescription("Task processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksProcessed, err = meter.Int64Counter("inflow.tasks.processed",
		metric.WithDescription("Tasks driven to completion or suspension"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCreated, err = meter.Int64Counter("inflow.tasks.created",
		metric.WithDescription("Tasks created from ingested items"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksSuperseded, err = meter.Int64Counter("inflow.tasks.superseded",
		metric.WithDescription("Tasks replaced by thread consolidation"),
	)
	if err != nil {
		return nil, err
	}

	m.ItemsDeduped, err = meter.Int64Counter("inflow.items.deduped",
		metric.WithDescription("Source items skipped by the dedup store"),
	)
	if err != nil {
		return nil, err
	}

	m.PipelineErrors, err = meter.Int64Counter("inflow.pipeline.errors",
		metric.WithDescription("Item-level ingestion failures"),
	)
	if err != nil {
		return nil, err
	}

	m.Suspensions, err = meter.Int64Counter("inflow.executor.suspensions",
		metric.WithDescription("Executions suspended awaiting human input"),
	)
	if err != nil {
		return nil, err
	}

	m.StaleRecoveries, err = meter.Int64Counter("inflow.worker.stale_recoveries",
		metric.WithDescription("Stale PROCESSING claims force-released"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
