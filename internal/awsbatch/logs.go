package awsbatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/aws/smithy-go"
)

const (
	// JobLogGroup is where the awslogs driver writes AWS Batch job output.
	JobLogGroup = "/aws/batch/job"

	structuredLogMarker = "::{"
	plainLogPrefix      = "[JOB LOG] "
	logBufferSize       = 256
)

// LogSink receives job log lines as they arrive.
type LogSink interface {
	Accept(line string, isErr bool)
}

// LogSinkFunc adapts a function to LogSink.
type LogSinkFunc func(line string, isErr bool)

func (f LogSinkFunc) Accept(line string, isErr bool) { f(line, isErr) }

// CountingSink counts stdout and stderr lines before forwarding them.
type CountingSink struct {
	next   LogSink
	stdout atomic.Int64
	stderr atomic.Int64
}

// NewCountingSink wraps next, which may be nil.
func NewCountingSink(next LogSink) *CountingSink {
	return &CountingSink{next: next}
}

func (s *CountingSink) Accept(line string, isErr bool) {
	if isErr {
		s.stderr.Add(1)
	} else {
		s.stdout.Add(1)
	}
	if s.next != nil {
		s.next.Accept(line, isErr)
	}
}

func (s *CountingSink) StdOutCount() int { return int(s.stdout.Load()) }
func (s *CountingSink) StdErrCount() int { return int(s.stderr.Load()) }

type logLine struct {
	text  string
	isErr bool
}

// LogStreamer opens live tail subscriptions on the job log group.
type LogStreamer struct {
	api    LogsAPI
	region string
	logger *slog.Logger
}

// NewLogStreamer creates a streamer. region selects the log group ARN when
// the describe call returns groups from several regions.
func NewLogStreamer(api LogsAPI, region string, logger *slog.Logger) *LogStreamer {
	return &LogStreamer{api: api, region: region, logger: logger}
}

// Start tails every log stream whose name starts with jobName and forwards
// decoded lines to sink until the subscription is closed.
func (l *LogStreamer) Start(ctx context.Context, jobName string, sink LogSink) (*Subscription, error) {
	arn, err := l.ensureLogGroup(ctx)
	if err != nil {
		return nil, err
	}

	// The stream outlives the call that opened it, so it gets its own context.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := l.api.StartLiveTail(streamCtx, &cloudwatchlogs.StartLiveTailInput{
		LogGroupIdentifiers:   []string{arn},
		LogStreamNamePrefixes: []string{jobName},
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start live tail: %w", err)
	}

	l.logger.DebugContext(ctx, "live tail started", "log_group", arn, "job_name", jobName)
	return newSubscription(stream, sink, cancel), nil
}

func (l *LogStreamer) ensureLogGroup(ctx context.Context) (string, error) {
	arn, err := l.logGroupArn(ctx)
	if err != nil || arn != "" {
		return arn, err
	}

	_, err = l.api.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{
		LogGroupName: aws.String(JobLogGroup),
	})
	var exists *cwtypes.ResourceAlreadyExistsException
	if err != nil && !errors.As(err, &exists) {
		return "", fmt.Errorf("failed to create log group: %w", err)
	}

	arn, err = l.logGroupArn(ctx)
	if err != nil {
		return "", err
	}
	if arn == "" {
		return "", fmt.Errorf("log group %s not found after creation", JobLogGroup)
	}
	return arn, nil
}

func (l *LogStreamer) logGroupArn(ctx context.Context) (string, error) {
	out, err := l.api.DescribeLogGroups(ctx, &cloudwatchlogs.DescribeLogGroupsInput{
		LogGroupNamePrefix: aws.String(JobLogGroup),
	})
	if err != nil {
		return "", fmt.Errorf("failed to describe log groups: %w", err)
	}

	for _, group := range out.LogGroups {
		arn := aws.ToString(group.Arn)
		if strings.Contains(arn, l.region) {
			return strings.TrimSuffix(arn, "*"), nil
		}
	}
	return "", nil
}

// Subscription is a running live tail. Events are decoded by a reader
// goroutine into a channel that a consumer goroutine drains into the sink.
type Subscription struct {
	stream  LiveTailStream
	cancel  context.CancelFunc
	lines   chan logLine
	done    chan struct{}
	closing atomic.Bool
	once    sync.Once
	err     error
}

func newSubscription(stream LiveTailStream, sink LogSink, cancel context.CancelFunc) *Subscription {
	s := &Subscription{
		stream: stream,
		cancel: cancel,
		lines:  make(chan logLine, logBufferSize),
		done:   make(chan struct{}),
	}

	go s.read()
	go func() {
		defer close(s.done)
		for line := range s.lines {
			sink.Accept(line.text, line.isErr)
		}
	}()

	return s
}

func (s *Subscription) read() {
	defer close(s.lines)

	for event := range s.stream.Events() {
		switch e := event.(type) {
		case *cwtypes.StartLiveTailResponseStreamMemberSessionStart:
		case *cwtypes.StartLiveTailResponseStreamMemberSessionUpdate:
			for _, result := range e.Value.SessionResults {
				for _, line := range DecodeLogMessage(aws.ToString(result.Message)) {
					s.lines <- logLine{text: line}
				}
			}
		default:
			s.lines <- logLine{text: "unknown live tail event type", isErr: true}
		}
	}

	if err := s.stream.Err(); err != nil && !s.closing.Load() {
		s.lines <- logLine{text: errorMessage(err), isErr: true}
	}
}

// Close stops the stream and blocks until every received line reached the
// sink. It is safe to call more than once.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		s.closing.Store(true)
		s.err = s.stream.Close()
		<-s.done
		s.cancel()
	})
	return s.err
}

// DecodeLogMessage splits a live tail message into lines. Structured lines
// starting with "::{" are passed through; other lines get a plain prefix.
func DecodeLogMessage(message string) []string {
	if message == "" {
		return nil
	}

	text := strings.ReplaceAll(message, structuredLogMarker, "\n"+structuredLogMarker)
	if strings.HasPrefix(message, structuredLogMarker) {
		text = text[1:]
	}
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.TrimSuffix(text, "\n")

	parts := strings.Split(text, "\n")
	lines := make([]string, 0, len(parts))
	for _, part := range parts {
		if strings.HasPrefix(part, structuredLogMarker) {
			lines = append(lines, part)
			continue
		}
		lines = append(lines, plainLogPrefix+part)
	}
	return lines
}

func errorMessage(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorMessage() != "" {
		return apiErr.ErrorMessage()
	}
	return err.Error()
}
