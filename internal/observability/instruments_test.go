package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestTaskMetrics(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(ctx)

	m, err := NewTaskMetrics(provider.Meter(meterName))
	if err != nil {
		t.Fatalf("NewTaskMetrics failed: %v", err)
	}

	m.TaskStarted(ctx)
	m.TaskStarted(ctx)
	m.TaskFinished(ctx, "succeeded", 2*time.Second)
	m.TaskFinished(ctx, "failed", time.Second)
	m.TaskFinished(ctx, "failed", time.Second)

	got := collect(t, reader)

	started, ok := got["batchrunner_tasks_started"].Data.(metricdata.Sum[int64])
	if !ok || len(started.DataPoints) != 1 {
		t.Fatalf("unexpected started data: %#v", got["batchrunner_tasks_started"].Data)
	}
	if started.DataPoints[0].Value != 2 {
		t.Errorf("expected 2 started tasks, got %d", started.DataPoints[0].Value)
	}

	finished, ok := got["batchrunner_tasks_finished"].Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected finished data: %#v", got["batchrunner_tasks_finished"].Data)
	}
	byStatus := map[string]int64{}
	for _, dp := range finished.DataPoints {
		status, _ := dp.Attributes.Value(attribute.Key("status"))
		byStatus[status.AsString()] = dp.Value
	}
	if byStatus["succeeded"] != 1 || byStatus["failed"] != 2 {
		t.Errorf("unexpected finished counts: %v", byStatus)
	}

	duration, ok := got["batchrunner_task_duration"].Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("unexpected duration data: %#v", got["batchrunner_task_duration"].Data)
	}
	var count uint64
	var sum float64
	for _, dp := range duration.DataPoints {
		count += dp.Count
		sum += dp.Sum
	}
	if count != 3 {
		t.Errorf("expected 3 duration samples, got %d", count)
	}
	if sum != 4 {
		t.Errorf("expected 4s of recorded duration, got %v", sum)
	}
}

func TestRegisterQueueDepth(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(ctx)

	depth := int64(7)
	reg, err := RegisterQueueDepth(provider.Meter(meterName), func(context.Context) (int64, error) {
		return depth, nil
	})
	if err != nil {
		t.Fatalf("RegisterQueueDepth failed: %v", err)
	}

	gauge, ok := collect(t, reader)["batchrunner_queue_depth"].Data.(metricdata.Gauge[int64])
	if !ok || len(gauge.DataPoints) != 1 {
		t.Fatalf("unexpected gauge data: %#v", gauge)
	}
	if gauge.DataPoints[0].Value != 7 {
		t.Errorf("expected depth 7, got %d", gauge.DataPoints[0].Value)
	}

	depth = 3
	gauge, _ = collect(t, reader)["batchrunner_queue_depth"].Data.(metricdata.Gauge[int64])
	if len(gauge.DataPoints) != 1 || gauge.DataPoints[0].Value != 3 {
		t.Errorf("expected depth 3 after update, got %#v", gauge.DataPoints)
	}

	if err := reg.Unregister(); err != nil {
		t.Errorf("Unregister failed: %v", err)
	}
}

func TestRegisterQueueDepth_CountError(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(ctx)

	_, err := RegisterQueueDepth(provider.Meter(meterName), func(context.Context) (int64, error) {
		return 0, errors.New("redis down")
	})
	if err != nil {
		t.Fatalf("RegisterQueueDepth failed: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err == nil {
		t.Error("expected collect to surface the callback error")
	}
}
