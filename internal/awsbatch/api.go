package awsbatch

import (
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ComputeEnvironmentDescriber looks up compute environments.
type ComputeEnvironmentDescriber interface {
	DescribeComputeEnvironments(ctx context.Context, in *batch.DescribeComputeEnvironmentsInput, optFns ...func(*batch.Options)) (*batch.DescribeComputeEnvironmentsOutput, error)
}

// DefinitionAPI registers and deregisters job definitions.
type DefinitionAPI interface {
	RegisterJobDefinition(ctx context.Context, in *batch.RegisterJobDefinitionInput, optFns ...func(*batch.Options)) (*batch.RegisterJobDefinitionOutput, error)
	DeregisterJobDefinition(ctx context.Context, in *batch.DeregisterJobDefinitionInput, optFns ...func(*batch.Options)) (*batch.DeregisterJobDefinitionOutput, error)
}

// QueueAPI manages job queues.
type QueueAPI interface {
	CreateJobQueue(ctx context.Context, in *batch.CreateJobQueueInput, optFns ...func(*batch.Options)) (*batch.CreateJobQueueOutput, error)
	UpdateJobQueue(ctx context.Context, in *batch.UpdateJobQueueInput, optFns ...func(*batch.Options)) (*batch.UpdateJobQueueOutput, error)
	DeleteJobQueue(ctx context.Context, in *batch.DeleteJobQueueInput, optFns ...func(*batch.Options)) (*batch.DeleteJobQueueOutput, error)
	DescribeJobQueues(ctx context.Context, in *batch.DescribeJobQueuesInput, optFns ...func(*batch.Options)) (*batch.DescribeJobQueuesOutput, error)
}

// JobDescriber fetches job details.
type JobDescriber interface {
	DescribeJobs(ctx context.Context, in *batch.DescribeJobsInput, optFns ...func(*batch.Options)) (*batch.DescribeJobsOutput, error)
}

// JobAPI submits and observes jobs.
type JobAPI interface {
	JobDescriber
	SubmitJob(ctx context.Context, in *batch.SubmitJobInput, optFns ...func(*batch.Options)) (*batch.SubmitJobOutput, error)
}

// JobTerminator is what the cancellation path needs from its dedicated client.
type JobTerminator interface {
	JobDescriber
	TerminateJob(ctx context.Context, in *batch.TerminateJobInput, optFns ...func(*batch.Options)) (*batch.TerminateJobOutput, error)
}

// BatchAPI is the subset of *batch.Client used by the runner.
type BatchAPI interface {
	ComputeEnvironmentDescriber
	DefinitionAPI
	QueueAPI
	JobAPI
	TerminateJob(ctx context.Context, in *batch.TerminateJobInput, optFns ...func(*batch.Options)) (*batch.TerminateJobOutput, error)
}

// ClientFactory builds a fresh client for the cancellation path.
type ClientFactory func(ctx context.Context) (JobTerminator, error)

// LiveTailStream is satisfied by *cloudwatchlogs.StartLiveTailEventStream.
type LiveTailStream interface {
	Events() <-chan cwtypes.StartLiveTailResponseStream
	Close() error
	Err() error
}

// LogsAPI is the CloudWatch Logs surface used by the log streaming client.
type LogsAPI interface {
	DescribeLogGroups(ctx context.Context, in *cloudwatchlogs.DescribeLogGroupsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DescribeLogGroupsOutput, error)
	CreateLogGroup(ctx context.Context, in *cloudwatchlogs.CreateLogGroupInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error)
	StartLiveTail(ctx context.Context, in *cloudwatchlogs.StartLiveTailInput) (LiveTailStream, error)
}

// ObjectStore lists and deletes staged objects.
type ObjectStore interface {
	s3.ListObjectsV2APIClient
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// Uploader is satisfied by *manager.Uploader.
type Uploader interface {
	Upload(ctx context.Context, in *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Downloader is satisfied by *manager.Downloader.
type Downloader interface {
	Download(ctx context.Context, w io.WriterAt, in *s3.GetObjectInput, opts ...func(*manager.Downloader)) (int64, error)
}

// cloudWatchLogs adapts *cloudwatchlogs.Client to LogsAPI.
type cloudWatchLogs struct {
	*cloudwatchlogs.Client
}

func (c cloudWatchLogs) StartLiveTail(ctx context.Context, in *cloudwatchlogs.StartLiveTailInput) (LiveTailStream, error) {
	out, err := c.Client.StartLiveTail(ctx, in)
	if err != nil {
		return nil, err
	}
	return out.GetStream(), nil
}
