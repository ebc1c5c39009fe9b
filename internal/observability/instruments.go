package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// TaskMetrics are the worker's per-task instruments.
type TaskMetrics struct {
	started  metric.Int64Counter
	finished metric.Int64Counter
	duration metric.Float64Histogram
}

// NewTaskMetrics creates the task instruments on meter. Pass otel.Meter
// after InitMetrics to have them show up on /metrics.
func NewTaskMetrics(meter metric.Meter) (*TaskMetrics, error) {
	started, err := meter.Int64Counter("batchrunner_tasks_started",
		metric.WithDescription("Tasks picked up by a worker"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create started counter: %w", err)
	}

	finished, err := meter.Int64Counter("batchrunner_tasks_finished",
		metric.WithDescription("Tasks that reached a final status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create finished counter: %w", err)
	}

	duration, err := meter.Float64Histogram("batchrunner_task_duration",
		metric.WithDescription("Wall time from pickup to final status"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	return &TaskMetrics{started: started, finished: finished, duration: duration}, nil
}

func (m *TaskMetrics) TaskStarted(ctx context.Context) {
	m.started.Add(ctx, 1)
}

// TaskFinished counts a task by final status and records how long it ran.
func (m *TaskMetrics) TaskFinished(ctx context.Context, status string, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.finished.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}

// RegisterQueueDepth reports the number of queued tasks on every collection.
// Unregister the returned registration on shutdown.
func RegisterQueueDepth(meter metric.Meter, count func(context.Context) (int64, error)) (metric.Registration, error) {
	gauge, err := meter.Int64ObservableGauge("batchrunner_queue_depth",
		metric.WithDescription("Tasks waiting in the queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue depth gauge: %w", err)
	}

	return meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		n, err := count(ctx)
		if err != nil {
			return fmt.Errorf("failed to count queue: %w", err)
		}
		o.ObserveInt64(gauge, n)
		return nil
	}, gauge)
}
