package awsbatch

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/batch/types"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	DefaultCompletionCheckInterval = 5 * time.Second
	DefaultWaitUntilCompletion     = time.Hour

	maxJobNameLength = 128
	jobNameTag       = "batchrunner-job-name"
)

// Config holds the runner-wide settings. Task fields take precedence where
// both are set.
type Config struct {
	ComputeEnvironmentArn   string
	JobQueueArn             string
	Bucket                  string
	Region                  string
	ExecutionRoleArn        string
	TaskRoleArn             string
	Resources               Resources
	CompletionCheckInterval time.Duration
	WaitUntilCompletion     time.Duration
}

// Task is one container run. File paths are relative to WorkingDir.
type Task struct {
	Name    string
	Image   string
	Command []string
	Env     map[string]string

	WorkingDir  string
	InputFiles  []string
	OutputFiles []string
	// OutputDir receives the content of the container output directory when set.
	OutputDir string

	Resources Resources
	// Timeout bounds both the AWS Batch attempt and the wait for completion.
	// Zero falls back to Config.WaitUntilCompletion.
	Timeout               time.Duration
	ComputeEnvironmentArn string
	JobQueueArn           string
	Labels                map[string]string
}

func (t Task) hasFiles() bool {
	return len(t.InputFiles) > 0 || len(t.OutputFiles) > 0 || t.OutputDir != ""
}

// Result is the outcome of a finished run.
type Result struct {
	ExitCode    int
	Status      types.JobStatus
	TimedOut    bool
	JobID       string
	JobName     string
	StdOutCount int
	StdErrCount int
	OutputFiles []string
}

// Option configures a Runner.
type Option func(*Runner)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

func WithClock(clock clockwork.Clock) Option {
	return func(r *Runner) { r.clock = clock }
}

// WithRateLimiter throttles DescribeJobs calls across every execution of the runner.
func WithRateLimiter(limiter *rate.Limiter) Option {
	return func(r *Runner) { r.limiter = limiter }
}

// Runner executes tasks as AWS Batch jobs.
type Runner struct {
	cfg       Config
	batch     BatchAPI
	newClient ClientFactory
	builder   *DefinitionBuilder
	stager    *Stager
	queues    *QueueManager
	streamer  *LogStreamer
	cleanup   *CleanupManager

	clock   clockwork.Clock
	limiter *rate.Limiter
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewRunner creates a runner over the given clients.
func NewRunner(cfg Config, clients *Clients, opts ...Option) *Runner {
	if cfg.CompletionCheckInterval <= 0 {
		cfg.CompletionCheckInterval = DefaultCompletionCheckInterval
	}
	if cfg.WaitUntilCompletion <= 0 {
		cfg.WaitUntilCompletion = DefaultWaitUntilCompletion
	}

	r := &Runner{
		cfg:       cfg,
		batch:     clients.Batch,
		newClient: clients.NewCancelClient,
		clock:     clockwork.NewRealClock(),
		logger:    slog.Default(),
		tracer:    otel.Tracer("batchrunner/awsbatch"),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.builder = NewDefinitionBuilder(clients.Batch)
	r.stager = NewStager(cfg.Bucket, clients.Objects, clients.Uploader, clients.Downloader, r.logger)
	r.queues = NewQueueManager(clients.Batch, r.clock, r.logger)
	r.streamer = NewLogStreamer(clients.Logs, cfg.Region, r.logger)
	r.cleanup = NewCleanupManager(r.queues, clients.Batch, r.stager, r.logger)
	return r
}

// Run starts the task and waits for it to finish.
func (r *Runner) Run(ctx context.Context, task Task, sink LogSink) (*Result, error) {
	exec, err := r.Start(ctx, task, sink)
	if err != nil {
		return nil, err
	}
	return exec.Wait(ctx)
}

// Start provisions everything the job needs and submits it. Whatever was
// created is torn down again when a step fails.
func (r *Runner) Start(ctx context.Context, task Task, sink LogSink) (exec *Execution, err error) {
	ctx, span := r.tracer.Start(ctx, "awsbatch.start", trace.WithAttributes(attribute.String("task.name", task.Name)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	computeEnvironmentArn := firstNonEmpty(task.ComputeEnvironmentArn, r.cfg.ComputeEnvironmentArn)
	if computeEnvironmentArn == "" {
		return nil, configErrorf("a compute environment ARN is required")
	}
	if task.Image == "" {
		return nil, configErrorf("a container image is required")
	}
	if task.hasFiles() && r.stager.Bucket() == "" {
		return nil, configErrorf("a bucket is required when input files, output files or an output directory are set")
	}

	jobName := JobName(task.Name)
	dir := NewRemoteWorkingDirectory(r.stager.Bucket(), task.OutputDir != "")
	tags := r.tags(task, jobName)

	def, err := r.builder.Build(ctx, computeEnvironmentArn, DefinitionRequest{
		Image:            task.Image,
		Command:          task.Command,
		Env:              task.Env,
		Resources:        r.resourcesFor(task),
		InputFiles:       task.InputFiles,
		OutputFiles:      task.OutputFiles,
		WorkDir:          dir,
		LogStreamPrefix:  jobName,
		ExecutionRoleArn: r.cfg.ExecutionRoleArn,
		TaskRoleArn:      r.cfg.TaskRoleArn,
		Tags:             tags,
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("batch.job_name", jobName), attribute.String("batch.platform", string(def.Platform)))

	exec = &Execution{
		runner:     r,
		task:       task,
		jobName:    jobName,
		dir:        dir,
		wait:       r.waitBudget(task),
		sink:       sink,
		counts:     NewCountingSink(sink),
		controller: NewController(r.batch, r.newClient, r.clock, r.limiter, r.logger),
	}
	abort := func(err error) (*Execution, error) {
		r.cleanup.Run(ctx, exec.resources)
		return nil, err
	}

	if task.hasFiles() {
		exec.resources.StagedPrefix = dir.ObjectStorePrefix
	}
	if err := r.stager.StageIn(ctx, dir, task.WorkingDir, task.InputFiles); err != nil {
		return abort(fmt.Errorf("failed to upload input files: %w", err))
	}

	queue, err := r.queues.Resolve(ctx, firstNonEmpty(task.JobQueueArn, r.cfg.JobQueueArn), computeEnvironmentArn)
	exec.resources.Queue = queue
	if err != nil {
		return abort(err)
	}

	registered, err := r.batch.RegisterJobDefinition(ctx, def.RegisterInput())
	if err != nil {
		return abort(fmt.Errorf("failed to register job definition: %w", err))
	}
	exec.resources.JobDefinitionArn = aws.ToString(registered.JobDefinitionArn)

	sub, err := r.streamer.Start(ctx, jobName, exec.counts)
	if err != nil {
		r.logger.WarnContext(ctx, "live logs unavailable, continuing without them", "job_name", jobName, "error", err)
	} else {
		exec.resources.Logs = sub
	}

	jobID, err := exec.controller.Submit(ctx, JobSubmissionSpec{
		JobName:          jobName,
		JobDefinitionArn: exec.resources.JobDefinitionArn,
		QueueArn:         queue.Arn,
		TimeoutSeconds:   timeoutSeconds(exec.wait),
		Tags:             tags,
	})
	if err != nil {
		return abort(err)
	}
	exec.jobID = jobID
	span.SetAttributes(attribute.String("batch.job_id", jobID))

	return exec, nil
}

func (r *Runner) waitBudget(task Task) time.Duration {
	if task.Timeout > 0 {
		return task.Timeout
	}
	return r.cfg.WaitUntilCompletion
}

func (r *Runner) resourcesFor(task Task) Resources {
	res := task.Resources
	if res.MemoryMiB == 0 {
		res.MemoryMiB = r.cfg.Resources.MemoryMiB
	}
	if res.MilliCPU == 0 {
		res.MilliCPU = r.cfg.Resources.MilliCPU
	}
	return res
}

func (r *Runner) tags(task Task, jobName string) map[string]string {
	tags := make(map[string]string, len(task.Labels)+1)
	for k, v := range task.Labels {
		tags[k] = v
	}
	tags[jobNameTag] = jobName
	return tags
}

// Execution is a submitted job.
type Execution struct {
	runner     *Runner
	task       Task
	jobID      string
	jobName    string
	dir        RemoteWorkingDirectory
	wait       time.Duration
	sink       LogSink
	counts     *CountingSink
	controller *Controller
	resources  RunResources
}

func (e *Execution) JobID() string                   { return e.jobID }
func (e *Execution) JobName() string                 { return e.jobName }
func (e *Execution) WorkDir() RemoteWorkingDirectory { return e.dir }

// Wait follows the job to a terminal state, downloads the outputs when it
// succeeded and always releases the run resources. A job that did not
// succeed is reported as a *TaskError together with the partial Result;
// its outputs are not downloaded. Line counts are taken once the log
// subscription has been closed by the cleanup.
func (e *Execution) Wait(ctx context.Context) (result *Result, err error) {
	r := e.runner
	ctx, span := r.tracer.Start(ctx, "awsbatch.wait", trace.WithAttributes(
		attribute.String("batch.job_id", e.jobID),
		attribute.String("batch.job_name", e.jobName),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	snap, err := e.controller.AwaitCompletion(ctx, e.jobID, r.cfg.CompletionCheckInterval, e.wait)
	if err != nil {
		e.controller.Cancel(context.WithoutCancel(ctx), e.jobID)
		r.cleanup.Run(ctx, e.resources)
		return nil, fmt.Errorf("failed to wait for job %s: %w", e.jobName, err)
	}

	succeeded := snap.Status == types.JobStatusSucceeded && !snap.TimedOut
	var stageErr error
	if succeeded {
		stageErr = r.stager.StageOut(ctx, e.dir, e.task.WorkingDir, e.task.OutputFiles, e.task.OutputDir)
	}
	r.cleanup.Run(ctx, e.resources)

	result = &Result{
		ExitCode:    snap.ExitCode(),
		Status:      snap.Status,
		TimedOut:    snap.TimedOut,
		JobID:       e.jobID,
		JobName:     e.jobName,
		StdOutCount: e.counts.StdOutCount(),
		StdErrCount: e.counts.StdErrCount(),
	}
	span.SetAttributes(attribute.String("batch.status", string(snap.Status)), attribute.Int("batch.exit_code", result.ExitCode))

	if !succeeded {
		if e.sink != nil {
			e.sink.Accept(fmt.Sprintf("AWS Batch job finished with status %s. Please check the job with name %s for more details.", snap.Status, e.jobName), true)
		}
		return result, &TaskError{
			JobName:     e.jobName,
			Status:      snap.Status,
			ExitCode:    result.ExitCode,
			TimedOut:    snap.TimedOut,
			StdOutCount: result.StdOutCount,
			StdErrCount: result.StdErrCount,
		}
	}

	if stageErr != nil {
		return result, fmt.Errorf("failed to download output files: %w", stageErr)
	}
	for _, rel := range e.task.OutputFiles {
		result.OutputFiles = append(result.OutputFiles, localPath(e.task.WorkingDir, rel))
	}
	if e.task.OutputDir != "" {
		result.OutputFiles = append(result.OutputFiles, filepath.Clean(e.task.OutputDir))
	}

	return result, nil
}

// Cancel asks AWS Batch to terminate the job. It never fails.
func (e *Execution) Cancel(ctx context.Context) {
	e.controller.Cancel(ctx, e.jobID)
}

// JobName derives a valid AWS Batch job name from a task name: up to 128
// letters, digits, hyphens and underscores, starting with a letter or digit,
// with a random suffix so reruns never collide.
func JobName(taskName string) string {
	var b strings.Builder
	for _, r := range taskName {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}

	name := strings.TrimLeft(b.String(), "-_")
	if name == "" {
		name = "batchrunner"
	}

	suffix := "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	if len(name) > maxJobNameLength-len(suffix) {
		name = name[:maxJobNameLength-len(suffix)]
	}
	return name + suffix
}

func timeoutSeconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	return int32(min(math.Ceil(d.Seconds()), math.MaxInt32))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
