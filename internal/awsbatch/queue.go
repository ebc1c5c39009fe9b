package awsbatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	"github.com/aws/aws-sdk-go-v2/service/batch/types"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	ephemeralQueuePriority = 10
	queuePollInterval      = 500 * time.Millisecond
	queueConvergeTimeout   = time.Minute
)

// JobQueueDescriptor identifies the queue a job is submitted to.
// Only ephemeral queues are torn down after the run.
type JobQueueDescriptor struct {
	Arn       string
	Ephemeral bool
}

// QueueManager resolves the job queue for a run.
type QueueManager struct {
	api    QueueAPI
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewQueueManager creates a queue manager.
func NewQueueManager(api QueueAPI, clock clockwork.Clock, logger *slog.Logger) *QueueManager {
	return &QueueManager{api: api, clock: clock, logger: logger}
}

// Resolve returns the supplied queue untouched, or creates a queue bound to
// the compute environment and waits until it is VALID.
func (m *QueueManager) Resolve(ctx context.Context, suppliedArn, computeEnvironmentArn string) (JobQueueDescriptor, error) {
	if suppliedArn != "" {
		return JobQueueDescriptor{Arn: suppliedArn}, nil
	}

	m.logger.DebugContext(ctx, "job queue not specified, creating one for this run")

	out, err := m.api.CreateJobQueue(ctx, &batch.CreateJobQueueInput{
		JobQueueName: aws.String(uuid.NewString()),
		Priority:     aws.Int32(ephemeralQueuePriority),
		ComputeEnvironmentOrder: []types.ComputeEnvironmentOrder{{
			Order:              aws.Int32(1),
			ComputeEnvironment: aws.String(computeEnvironmentArn),
		}},
	})
	if err != nil {
		return JobQueueDescriptor{}, fmt.Errorf("failed to create job queue: %w", err)
	}

	queue := JobQueueDescriptor{Arn: aws.ToString(out.JobQueueArn), Ephemeral: true}
	if err := m.waitFor(ctx, queue.Arn, ""); err != nil {
		return queue, fmt.Errorf("job queue %s did not become valid: %w", queue.Arn, err)
	}

	m.logger.DebugContext(ctx, "job queue created", "queue", queue.Arn)
	return queue, nil
}

// Release disables and deletes an ephemeral queue. Supplied queues are left alone.
func (m *QueueManager) Release(ctx context.Context, queue JobQueueDescriptor) error {
	if !queue.Ephemeral {
		return nil
	}

	if _, err := m.api.UpdateJobQueue(ctx, &batch.UpdateJobQueueInput{
		JobQueue: aws.String(queue.Arn),
		State:    types.JQStateDisabled,
	}); err != nil {
		return fmt.Errorf("failed to disable job queue: %w", err)
	}

	if err := m.waitFor(ctx, queue.Arn, types.JQStateDisabled); err != nil {
		return fmt.Errorf("job queue %s was not disabled: %w", queue.Arn, err)
	}

	if _, err := m.api.DeleteJobQueue(ctx, &batch.DeleteJobQueueInput{
		JobQueue: aws.String(queue.Arn),
	}); err != nil {
		return fmt.Errorf("failed to delete job queue: %w", err)
	}
	return nil
}

// waitFor polls until the queue is VALID and, when state is set, in that state.
func (m *QueueManager) waitFor(ctx context.Context, arn string, state types.JQState) error {
	return pollUntil(ctx, m.clock, queuePollInterval, queueConvergeTimeout, func(ctx context.Context) (bool, error) {
		out, err := m.api.DescribeJobQueues(ctx, &batch.DescribeJobQueuesInput{
			JobQueues: []string{arn},
		})
		if err != nil {
			return false, fmt.Errorf("failed to describe job queue: %w", err)
		}
		if len(out.JobQueues) == 0 {
			return false, nil
		}

		q := out.JobQueues[0]
		return q.Status == types.JQStatusValid && (state == "" || q.State == state), nil
	})
}
