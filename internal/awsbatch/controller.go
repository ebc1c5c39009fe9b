package awsbatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	"github.com/aws/aws-sdk-go-v2/service/batch/types"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const killReason = "batchrunner task was killed"

// JobSubmissionSpec is everything SubmitJob needs for one run.
type JobSubmissionSpec struct {
	JobName          string
	JobDefinitionArn string
	QueueArn         string
	TimeoutSeconds   int32
	Tags             map[string]string
}

// JobStatusSnapshot is the last observed state of a job.
type JobStatusSnapshot struct {
	Status       types.JobStatus
	ErrorMessage string
	TimedOut     bool
}

// Terminal reports whether the snapshot will not change any more.
func (s JobStatusSnapshot) Terminal() bool {
	return s.TimedOut || IsTerminal(s.Status)
}

// ExitCode maps the snapshot status through the exit code table.
func (s JobStatusSnapshot) ExitCode() int {
	return ExitCodeFor(s.Status)
}

// Controller submits one job and follows it to a terminal state. The poll
// loop is the only writer of the snapshot; Cancel may read it concurrently.
type Controller struct {
	api       JobAPI
	newClient ClientFactory
	clock     clockwork.Clock
	limiter   *rate.Limiter
	logger    *slog.Logger

	snapshot atomic.Pointer[JobStatusSnapshot]
}

// NewController creates a controller. limiter may be nil.
func NewController(api JobAPI, newClient ClientFactory, clock clockwork.Clock, limiter *rate.Limiter, logger *slog.Logger) *Controller {
	return &Controller{
		api:       api,
		newClient: newClient,
		clock:     clock,
		limiter:   limiter,
		logger:    logger,
	}
}

// Submit submits the job and returns its ID.
func (c *Controller) Submit(ctx context.Context, spec JobSubmissionSpec) (string, error) {
	in := &batch.SubmitJobInput{
		JobName:       aws.String(spec.JobName),
		JobDefinition: aws.String(spec.JobDefinitionArn),
		JobQueue:      aws.String(spec.QueueArn),
		Tags:          spec.Tags,
	}
	if spec.TimeoutSeconds > 0 {
		in.Timeout = &types.JobTimeout{AttemptDurationSeconds: aws.Int32(spec.TimeoutSeconds)}
	}

	out, err := c.api.SubmitJob(ctx, in)
	if err != nil {
		return "", fmt.Errorf("failed to submit job: %w", err)
	}

	c.snapshot.Store(&JobStatusSnapshot{Status: types.JobStatusSubmitted})
	jobID := aws.ToString(out.JobId)
	c.logger.InfoContext(ctx, "job submitted", "job_id", jobID, "job_name", spec.JobName, "queue", spec.QueueArn)
	return jobID, nil
}

// AwaitCompletion polls the job until it succeeds, fails or maxWait elapses.
// A timeout is not an error: the last snapshot is returned with TimedOut set.
func (c *Controller) AwaitCompletion(ctx context.Context, jobID string, pollInterval, maxWait time.Duration) (JobStatusSnapshot, error) {
	err := pollUntil(ctx, c.clock, pollInterval, maxWait, func(ctx context.Context) (bool, error) {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return false, err
			}
		}

		out, err := c.api.DescribeJobs(ctx, &batch.DescribeJobsInput{Jobs: []string{jobID}})
		if err != nil {
			c.logger.WarnContext(ctx, "failed to describe job, retrying", "job_id", jobID, "error", err)
			return false, nil
		}
		if len(out.Jobs) == 0 {
			c.logger.WarnContext(ctx, "job not found, retrying", "job_id", jobID)
			return false, nil
		}

		job := out.Jobs[0]
		previous := c.Snapshot()
		c.snapshot.Store(&JobStatusSnapshot{
			Status:       job.Status,
			ErrorMessage: aws.ToString(job.StatusReason),
		})
		if previous.Status != job.Status {
			c.logger.InfoContext(ctx, "job status changed", "job_id", jobID, "status", job.Status)
		}
		return IsTerminal(job.Status), nil
	})

	switch {
	case errors.Is(err, ErrPollTimeout):
		snap := c.Snapshot()
		snap.TimedOut = true
		c.snapshot.Store(&snap)
		c.logger.WarnContext(ctx, "job did not complete in time", "job_id", jobID, "status", snap.Status, "max_wait", maxWait)
		return snap, nil
	case err != nil:
		return c.Snapshot(), err
	default:
		return c.Snapshot(), nil
	}
}

// Snapshot returns the last observed status.
func (c *Controller) Snapshot() JobStatusSnapshot {
	if snap := c.snapshot.Load(); snap != nil {
		return *snap
	}
	return JobStatusSnapshot{}
}

// Cancel terminates the job through a dedicated client unless it already
// finished. Failures are logged, never returned.
func (c *Controller) Cancel(ctx context.Context, jobID string) {
	if jobID == "" {
		return
	}
	if snap := c.Snapshot(); snap.Terminal() {
		c.logger.DebugContext(ctx, "job already finished, nothing to cancel", "job_id", jobID, "status", snap.Status)
		return
	}

	client, err := c.terminator(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "failed to create client to kill job", "job_id", jobID, "error", err)
		return
	}

	out, err := client.DescribeJobs(ctx, &batch.DescribeJobsInput{Jobs: []string{jobID}})
	if err != nil {
		c.logger.WarnContext(ctx, "failed to describe job before kill", "job_id", jobID, "error", err)
		return
	}
	if len(out.Jobs) == 0 || IsTerminal(out.Jobs[0].Status) {
		return
	}

	if _, err := client.TerminateJob(ctx, &batch.TerminateJobInput{
		JobId:  aws.String(jobID),
		Reason: aws.String(killReason),
	}); err != nil {
		c.logger.WarnContext(ctx, "failed to kill job", "job_id", jobID, "error", err)
		return
	}
	c.logger.InfoContext(ctx, "job killed", "job_id", jobID)
}

func (c *Controller) terminator(ctx context.Context) (JobTerminator, error) {
	if c.newClient != nil {
		return c.newClient(ctx)
	}
	if t, ok := c.api.(JobTerminator); ok {
		return t, nil
	}
	return nil, errors.New("no client available for job termination")
}
