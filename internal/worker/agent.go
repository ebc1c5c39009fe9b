// Package worker contains the worker-specific logic for task execution.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"batchrunner/internal/logger"
	"batchrunner/internal/observability"
	"batchrunner/internal/store"
	"batchrunner/internal/worker/runtime"
	"batchrunner/pkg/api"
)

const (
	logBatchSize     = 100         // Max lines per batch
	logFlushInterval = time.Second // Flush at least every second
)

// AgentConfig holds configuration for the worker agent.
type AgentConfig struct {
	ID                string
	Concurrency       int
	PollInterval      time.Duration
	MaxBackoff        time.Duration // Maximum backoff when queue is empty (default: 30s)
	HeartbeatInterval time.Duration // Interval between kill checks (default: 10s)
	// WorkDir holds one directory per task with its input and output files.
	WorkDir string
}

// Store is what the agent needs from persistence.
type Store interface {
	store.Queue
	store.TaskStore
	store.LogStore
	store.KillSwitch
}

// Option configures an Agent.
type Option func(*Agent)

func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// WithMetrics records task counters and durations.
func WithMetrics(m *observability.TaskMetrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// Agent is the main worker agent that runs the pull-loop for task execution.
type Agent struct {
	store   Store
	runtime runtime.Runtime
	config  AgentConfig
	logger  *slog.Logger
	metrics *observability.TaskMetrics
	tracer  trace.Tracer
	now     func() time.Time
	done    chan struct{}
}

// New creates a new worker agent.
func New(s Store, rt runtime.Runtime, config AgentConfig, opts ...Option) *Agent {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}

	if config.PollInterval <= 0 {
		config.PollInterval = 1 * time.Second
	}

	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}

	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 10 * time.Second
	}

	if config.WorkDir == "" {
		config.WorkDir = filepath.Join(os.TempDir(), "batchrunner")
	}

	a := &Agent{
		store:   s,
		runtime: rt,
		config:  config,
		logger:  slog.Default(),
		tracer:  otel.Tracer("worker-agent"),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run starts the main pull-loop. It blocks until the context is cancelled.
// On cancellation it stops dequeuing new work and lets in-flight tasks finish.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("agent starting", "worker_id", a.config.ID, "concurrency", a.config.Concurrency)

	// Semaphore to limit concurrency
	sem := make(chan struct{}, a.config.Concurrency)
	var wg sync.WaitGroup

	// Channel to signal when a slot becomes available (adaptive polling)
	pollNow := make(chan struct{}, 1)

	// Current backoff duration (increases on empty queue, resets on work found)
	currentBackoff := a.config.PollInterval

	triggerPoll := func() {
		select {
		case pollNow <- struct{}{}:
		default:
			// Already a poll pending
		}
	}

	triggerPoll()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("context cancelled, waiting for running tasks to finish")
			wg.Wait()
			close(a.done)
			return ctx.Err()

		case <-time.After(currentBackoff):
			triggerPoll()

		case <-pollNow:
			availableSlots := a.config.Concurrency - len(sem)
			if availableSlots <= 0 {
				continue
			}

			tasks, err := a.store.DequeueBatch(ctx, a.config.ID, availableSlots)
			if err != nil {
				a.logger.Error("dequeue failed", "error", err)
				continue
			}

			if len(tasks) == 0 {
				// Empty queue - increase backoff (exponential, capped at MaxBackoff)
				currentBackoff = currentBackoff * 2
				if currentBackoff > a.config.MaxBackoff {
					currentBackoff = a.config.MaxBackoff
				}
				continue
			}

			currentBackoff = a.config.PollInterval

			a.logger.Info("claimed tasks", "count", len(tasks))

			for _, task := range tasks {
				sem <- struct{}{}

				wg.Add(1)
				go func(task *store.Task) {
					defer wg.Done()
					defer func() {
						<-sem
						triggerPoll()
					}()
					// In-flight tasks outlive the poll loop.
					a.processTask(context.WithoutCancel(ctx), task)
				}(task)
			}

			if len(tasks) < availableSlots {
				triggerPoll()
			}
		}
	}
}

// Done returns a channel that is closed when the agent has fully stopped.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// processTask runs a single task that has already been claimed.
func (a *Agent) processTask(ctx context.Context, task *store.Task) {
	ctx = logger.WithTaskID(ctx, task.ID)
	log := logger.FromContext(ctx, a.logger)
	started := a.now()

	var payload api.TaskPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		log.Error("invalid task payload", "error", err)
		a.finish(ctx, task.ID, store.TaskStatusFailed, started, func() error {
			return a.store.Fail(ctx, task.ID, nil, fmt.Sprintf("invalid payload: %v", err), store.LogCounts{})
		})
		return
	}

	if payload.Trace != nil {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(payload.Trace))
	}
	ctx, span := a.tracer.Start(ctx, "process_task",
		trace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.String("task.name", payload.Task.Name),
			attribute.String("task.image", payload.Task.Image),
			attribute.Int("task.attempt", task.Attempt),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	if a.metrics != nil {
		a.metrics.TaskStarted(ctx)
	}

	if killed, err := a.store.KillRequested(ctx, task.ID); err == nil && killed {
		log.Info("task killed before start")
		a.finish(ctx, task.ID, store.TaskStatusKilled, started, func() error {
			return a.store.MarkKilled(ctx, task.ID)
		})
		return
	}

	workDir := filepath.Join(a.config.WorkDir, task.ID)
	inputs, err := writeInputFiles(workDir, payload.Task.InputFiles)
	if err != nil {
		a.failTask(ctx, span, task.ID, started, nil, fmt.Sprintf("failed to prepare input files: %v", err), store.LogCounts{})
		return
	}

	handle, err := a.runtime.Start(ctx, startOptions(task.ID, payload.Task, workDir, inputs))
	if err != nil {
		a.failTask(ctx, span, task.ID, started, nil, fmt.Sprintf("failed to start runtime: %v", err), store.LogCounts{})
		return
	}

	span.SetAttributes(attribute.String("batch.job_id", handle.JobID()), attribute.String("batch.job_name", handle.JobName()))
	if err := a.store.SetBatchJob(ctx, task.ID, handle.JobID(), handle.JobName()); err != nil {
		log.Warn("failed to record batch job", "job_id", handle.JobID(), "error", err)
	}
	log.Info("task submitted to AWS Batch", "job_id", handle.JobID(), "job_name", handle.JobName())

	// Watch for kill requests while the job runs
	var killed atomic.Bool
	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go a.runHeartbeat(heartbeatCtx, task.ID, handle, &killed)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.streamLogs(ctx, task.ID, handle)
	}()

	result, err := handle.Wait(ctx)
	cancelHeartbeat()
	wg.Wait()

	counts := store.LogCounts{StdOut: result.StdOutCount, StdErr: result.StdErrCount}

	switch {
	case killed.Load() && (err != nil || result.Error != nil):
		log.Info("task killed")
		a.finish(ctx, task.ID, store.TaskStatusKilled, started, func() error {
			return a.store.MarkKilled(ctx, task.ID)
		})

	case err != nil:
		a.failTask(ctx, span, task.ID, started, nil, fmt.Sprintf("runtime waiting error: %v", err), counts)

	case result.Error != nil:
		exitCode := result.ExitCode
		a.failTask(ctx, span, task.ID, started, &exitCode, result.Error.Error(), counts)

	default:
		span.SetAttributes(attribute.Int("exit_code", result.ExitCode))
		log.Info("task succeeded", "outputs", result.OutputFiles)
		a.finish(ctx, task.ID, store.TaskStatusSucceeded, started, func() error {
			return a.store.Complete(ctx, task.ID, result.ExitCode, counts)
		})
	}
}

func (a *Agent) failTask(ctx context.Context, span trace.Span, id string, started time.Time, exitCode *int, msg string, counts store.LogCounts) {
	span.SetStatus(codes.Error, msg)
	logger.FromContext(ctx, a.logger).Error("task failed", "error", msg)
	a.finish(ctx, id, store.TaskStatusFailed, started, func() error {
		return a.store.Fail(ctx, id, exitCode, msg, counts)
	})
}

// finish records the final status and its metrics.
func (a *Agent) finish(ctx context.Context, id string, status store.TaskStatus, started time.Time, record func() error) {
	if err := record(); err != nil {
		logger.FromContext(ctx, a.logger).Error("failed to record task result", "status", string(status), "error", err)
	}
	if a.metrics != nil {
		a.metrics.TaskFinished(ctx, string(status), a.now().Sub(started))
	}
}

// runHeartbeat polls for a kill request while a task is executing and stops
// the task when one arrives.
func (a *Agent) runHeartbeat(ctx context.Context, id string, handle runtime.Handle, killed *atomic.Bool) {
	ticker := time.NewTicker(a.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requested, err := a.store.KillRequested(ctx, id)
			if err != nil {
				logger.FromContext(ctx, a.logger).Warn("heartbeat failed", "error", err)
				continue
			}
			if !requested {
				continue
			}
			killed.Store(true)
			if err := handle.Stop(ctx); err != nil {
				logger.FromContext(ctx, a.logger).Warn("failed to stop task", "error", err)
			}
			return
		}
	}
}

func (a *Agent) streamLogs(ctx context.Context, id string, handle runtime.Handle) {
	rc, err := handle.StreamLogs(ctx)
	if err != nil {
		logger.FromContext(ctx, a.logger).Warn("failed to get log stream", "error", err)
		return
	}
	defer rc.Close()

	var batch []store.LogLine
	flushTicker := time.NewTicker(logFlushInterval)
	defer flushTicker.Stop()

	lineChan := make(chan string, logBatchSize)

	go func() {
		defer close(lineChan)
		scanner := bufio.NewScanner(rc)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lineChan <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := a.store.AppendLogs(ctx, id, batch); err != nil {
			logger.FromContext(ctx, a.logger).Warn("failed to ship logs", "lines", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case raw, ok := <-lineChan:
			if !ok {
				flush()
				return
			}
			stream, content := runtime.ParseLogLine(raw)
			batch = append(batch, store.LogLine{Content: content, Stream: stream, CreatedAt: a.now()})
			if len(batch) >= logBatchSize {
				flush()
			}
		case <-flushTicker.C:
			flush()
		case <-ctx.Done():
			flush()
			return
		}
	}
}

// writeInputFiles materializes inline input files under dir and returns
// their relative paths in a stable order.
func writeInputFiles(dir string, files map[string]string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}

	paths := make([]string, 0, len(files))
	for rel, content := range files {
		target := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create dir for %s: %w", rel, err)
		}
		if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", rel, err)
		}
		paths = append(paths, rel)
	}
	sort.Strings(paths)
	return paths, nil
}

func startOptions(id string, req api.SubmitTaskRequest, workDir string, inputs []string) runtime.StartOptions {
	env := make(map[string]string, len(req.Env)+1)
	for k, v := range req.Env {
		env[k] = v
	}
	env["BATCHRUNNER_TASK_ID"] = id

	return runtime.StartOptions{
		Name:                  req.Name,
		Image:                 req.Image,
		Command:               req.Command,
		Env:                   env,
		WorkDir:               workDir,
		InputFiles:            inputs,
		OutputFiles:           req.OutputFiles,
		OutputDirectory:       req.OutputDirectory,
		MemoryMiB:             req.MemoryMiB,
		VCPU:                  req.VCPU,
		Timeout:               req.TimeoutSeconds,
		ComputeEnvironmentArn: req.ComputeEnvironmentArn,
		JobQueueArn:           req.JobQueueArn,
		Labels:                req.Labels,
	}
}
