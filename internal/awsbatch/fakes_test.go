package awsbatch

import (
	"context"
	"errors"
	"io"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	"github.com/aws/aws-sdk-go-v2/service/batch/types"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// fakeBatch is an in-memory Batch control plane. Unset hooks fall back to a
// happy-path default.
type fakeBatch struct {
	mu         sync.Mutex
	calls      []string
	queueState types.JQState

	platform     types.CRType
	orchestrator types.OrchestrationType

	describeJobs  func(n int) (*batch.DescribeJobsOutput, error)
	registerErr   error
	createQueue   func() (*batch.CreateJobQueueOutput, error)
	queueStatus   func() types.JQStatus
	submitErr     error
	terminateErr  error
	deregisterErr error
	deleteErr     error

	registered   *batch.RegisterJobDefinitionInput
	submitted    *batch.SubmitJobInput
	terminated   *batch.TerminateJobInput
	describeRuns int
}

func newFakeBatch() *fakeBatch {
	return &fakeBatch{
		platform:     types.CRTypeFargate,
		orchestrator: types.OrchestrationTypeEcs,
		queueState:   types.JQStateEnabled,
	}
}

func (f *fakeBatch) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeBatch) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func (f *fakeBatch) count(name string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == name {
			n++
		}
	}
	return n
}

func (f *fakeBatch) DescribeComputeEnvironments(ctx context.Context, in *batch.DescribeComputeEnvironmentsInput, _ ...func(*batch.Options)) (*batch.DescribeComputeEnvironmentsOutput, error) {
	f.record("DescribeComputeEnvironments")
	if len(in.ComputeEnvironments) == 1 && in.ComputeEnvironments[0] == "missing" {
		return &batch.DescribeComputeEnvironmentsOutput{}, nil
	}
	return &batch.DescribeComputeEnvironmentsOutput{
		ComputeEnvironments: []types.ComputeEnvironmentDetail{{
			ComputeEnvironmentArn:      aws.String(in.ComputeEnvironments[0]),
			ContainerOrchestrationType: f.orchestrator,
			ComputeResources:           &types.ComputeResource{Type: f.platform},
		}},
	}, nil
}

func (f *fakeBatch) RegisterJobDefinition(ctx context.Context, in *batch.RegisterJobDefinitionInput, _ ...func(*batch.Options)) (*batch.RegisterJobDefinitionOutput, error) {
	f.record("RegisterJobDefinition")
	if f.registerErr != nil {
		return nil, f.registerErr
	}
	f.mu.Lock()
	f.registered = in
	f.mu.Unlock()
	return &batch.RegisterJobDefinitionOutput{
		JobDefinitionArn:  aws.String("arn:aws:batch:eu-west-1:123:job-definition/" + aws.ToString(in.JobDefinitionName) + ":1"),
		JobDefinitionName: in.JobDefinitionName,
	}, nil
}

func (f *fakeBatch) DeregisterJobDefinition(ctx context.Context, in *batch.DeregisterJobDefinitionInput, _ ...func(*batch.Options)) (*batch.DeregisterJobDefinitionOutput, error) {
	f.record("DeregisterJobDefinition")
	return &batch.DeregisterJobDefinitionOutput{}, f.deregisterErr
}

func (f *fakeBatch) CreateJobQueue(ctx context.Context, in *batch.CreateJobQueueInput, _ ...func(*batch.Options)) (*batch.CreateJobQueueOutput, error) {
	f.record("CreateJobQueue")
	if f.createQueue != nil {
		return f.createQueue()
	}
	return &batch.CreateJobQueueOutput{
		JobQueueArn:  aws.String("arn:aws:batch:eu-west-1:123:job-queue/" + aws.ToString(in.JobQueueName)),
		JobQueueName: in.JobQueueName,
	}, nil
}

func (f *fakeBatch) UpdateJobQueue(ctx context.Context, in *batch.UpdateJobQueueInput, _ ...func(*batch.Options)) (*batch.UpdateJobQueueOutput, error) {
	f.record("UpdateJobQueue")
	f.mu.Lock()
	f.queueState = in.State
	f.mu.Unlock()
	return &batch.UpdateJobQueueOutput{JobQueueArn: in.JobQueue}, nil
}

func (f *fakeBatch) DeleteJobQueue(ctx context.Context, in *batch.DeleteJobQueueInput, _ ...func(*batch.Options)) (*batch.DeleteJobQueueOutput, error) {
	f.record("DeleteJobQueue")
	return &batch.DeleteJobQueueOutput{}, f.deleteErr
}

func (f *fakeBatch) DescribeJobQueues(ctx context.Context, in *batch.DescribeJobQueuesInput, _ ...func(*batch.Options)) (*batch.DescribeJobQueuesOutput, error) {
	f.record("DescribeJobQueues")
	status := types.JQStatusValid
	if f.queueStatus != nil {
		status = f.queueStatus()
	}
	f.mu.Lock()
	state := f.queueState
	f.mu.Unlock()
	return &batch.DescribeJobQueuesOutput{
		JobQueues: []types.JobQueueDetail{{
			JobQueueArn: aws.String(in.JobQueues[0]),
			Status:      status,
			State:       state,
		}},
	}, nil
}

func (f *fakeBatch) SubmitJob(ctx context.Context, in *batch.SubmitJobInput, _ ...func(*batch.Options)) (*batch.SubmitJobOutput, error) {
	f.record("SubmitJob")
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.mu.Lock()
	f.submitted = in
	f.mu.Unlock()
	return &batch.SubmitJobOutput{JobId: aws.String("job-1"), JobName: in.JobName}, nil
}

func (f *fakeBatch) DescribeJobs(ctx context.Context, in *batch.DescribeJobsInput, _ ...func(*batch.Options)) (*batch.DescribeJobsOutput, error) {
	f.record("DescribeJobs")
	f.mu.Lock()
	f.describeRuns++
	n := f.describeRuns
	f.mu.Unlock()
	if f.describeJobs != nil {
		return f.describeJobs(n)
	}
	return jobsOutput(types.JobStatusSucceeded), nil
}

func (f *fakeBatch) TerminateJob(ctx context.Context, in *batch.TerminateJobInput, _ ...func(*batch.Options)) (*batch.TerminateJobOutput, error) {
	f.record("TerminateJob")
	f.mu.Lock()
	f.terminated = in
	f.mu.Unlock()
	return &batch.TerminateJobOutput{}, f.terminateErr
}

func jobsOutput(status types.JobStatus) *batch.DescribeJobsOutput {
	return &batch.DescribeJobsOutput{
		Jobs: []types.JobDetail{{
			JobId:  aws.String("job-1"),
			Status: status,
		}},
	}
}

// statusSequence replays statuses, repeating the last one forever.
func statusSequence(statuses ...types.JobStatus) func(n int) (*batch.DescribeJobsOutput, error) {
	return func(n int) (*batch.DescribeJobsOutput, error) {
		i := min(n-1, len(statuses)-1)
		return jobsOutput(statuses[i]), nil
	}
}

// fakeStream is a controllable live tail stream.
type fakeStream struct {
	events  chan cwtypes.StartLiveTailResponseStream
	once    sync.Once
	err     error
	onClose func()
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan cwtypes.StartLiveTailResponseStream, 16)}
}

func (s *fakeStream) Events() <-chan cwtypes.StartLiveTailResponseStream { return s.events }
func (s *fakeStream) Err() error                                         { return s.err }

func (s *fakeStream) Close() error {
	s.once.Do(func() {
		if s.onClose != nil {
			s.onClose()
		}
		close(s.events)
	})
	return nil
}

func (s *fakeStream) send(messages ...string) {
	var results []cwtypes.LiveTailSessionLogEvent
	for _, m := range messages {
		results = append(results, cwtypes.LiveTailSessionLogEvent{Message: aws.String(m)})
	}
	s.events <- &cwtypes.StartLiveTailResponseStreamMemberSessionUpdate{
		Value: cwtypes.LiveTailSessionUpdate{SessionResults: results},
	}
}

// fakeLogs is an in-memory CloudWatch Logs.
type fakeLogs struct {
	mu        sync.Mutex
	groups    []string
	created   int
	tailInput *cloudwatchlogs.StartLiveTailInput
	stream    *fakeStream
	tailErr   error
}

func newFakeLogs(groups ...string) *fakeLogs {
	return &fakeLogs{groups: groups, stream: newFakeStream()}
}

func (f *fakeLogs) DescribeLogGroups(ctx context.Context, in *cloudwatchlogs.DescribeLogGroupsInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DescribeLogGroupsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &cloudwatchlogs.DescribeLogGroupsOutput{}
	for _, arn := range f.groups {
		out.LogGroups = append(out.LogGroups, cwtypes.LogGroup{Arn: aws.String(arn)})
	}
	return out, nil
}

func (f *fakeLogs) CreateLogGroup(ctx context.Context, in *cloudwatchlogs.CreateLogGroupInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	f.groups = append(f.groups, "arn:aws:logs:eu-west-1:123:log-group:"+aws.ToString(in.LogGroupName)+":*")
	return &cloudwatchlogs.CreateLogGroupOutput{}, nil
}

func (f *fakeLogs) StartLiveTail(ctx context.Context, in *cloudwatchlogs.StartLiveTailInput) (LiveTailStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tailErr != nil {
		return nil, f.tailErr
	}
	f.tailInput = in
	return f.stream, nil
}

// fakeS3 is an in-memory bucket implementing ObjectStore, Uploader and Downloader.
type fakeS3 struct {
	mu          sync.Mutex
	objects     map[string]string
	deleteCalls [][]string
	uploadErr   error
	downloadErr error
	calls       int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string]string{}}
}

func (f *fakeS3) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeS3) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func (f *fakeS3) DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	var batchKeys []string
	for _, obj := range in.Delete.Objects {
		batchKeys = append(batchKeys, aws.ToString(obj.Key))
		delete(f.objects, aws.ToString(obj.Key))
	}
	f.deleteCalls = append(f.deleteCalls, batchKeys)
	return &s3.DeleteObjectsOutput{}, nil
}

func (f *fakeS3) Upload(ctx context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	f.mu.Lock()
	f.calls++
	uploadErr := f.uploadErr
	f.mu.Unlock()
	if uploadErr != nil {
		return nil, uploadErr
	}

	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.objects[aws.ToString(in.Key)] = string(body)
	f.mu.Unlock()
	return &manager.UploadOutput{Key: in.Key}, nil
}

func (f *fakeS3) Download(ctx context.Context, w io.WriterAt, in *s3.GetObjectInput, _ ...func(*manager.Downloader)) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.downloadErr != nil {
		return 0, f.downloadErr
	}
	content, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return 0, errors.New("NoSuchKey: " + aws.ToString(in.Key))
	}
	n, err := w.WriteAt([]byte(content), 0)
	return int64(n), err
}

// recordingSink collects log lines.
type recordingSink struct {
	mu     sync.Mutex
	stdout []string
	stderr []string
}

func (s *recordingSink) Accept(line string, isErr bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if isErr {
		s.stderr = append(s.stderr, line)
		return
	}
	s.stdout = append(s.stdout, line)
}

func (s *recordingSink) lines() ([]string, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.stdout), slices.Clone(s.stderr)
}
