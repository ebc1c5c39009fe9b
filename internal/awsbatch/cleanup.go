package awsbatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/batch"
)

const cleanupTimeout = 2 * time.Minute

// RunResources records what a run created. Zero values mean nothing to release.
type RunResources struct {
	Queue            JobQueueDescriptor
	JobDefinitionArn string
	Logs             io.Closer
	StagedPrefix     string
}

type cleanupStep struct {
	name string
	run  func(ctx context.Context) error
}

// CleanupManager tears down run resources in a fixed order. Every step runs
// even when an earlier one fails.
type CleanupManager struct {
	queues      *QueueManager
	definitions DefinitionAPI
	stager      *Stager
	logger      *slog.Logger
}

// NewCleanupManager creates a cleanup manager.
func NewCleanupManager(queues *QueueManager, definitions DefinitionAPI, stager *Stager, logger *slog.Logger) *CleanupManager {
	return &CleanupManager{
		queues:      queues,
		definitions: definitions,
		stager:      stager,
		logger:      logger,
	}
}

// Run releases res. It ignores cancellation of ctx and returns the number of
// steps that failed.
func (m *CleanupManager) Run(ctx context.Context, res RunResources) int {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	failed := 0
	for _, step := range m.steps(res) {
		if err := step.run(ctx); err != nil {
			failed++
			m.logger.WarnContext(ctx, "cleanup step failed", "step", step.name, "error", err)
		}
	}
	return failed
}

func (m *CleanupManager) steps(res RunResources) []cleanupStep {
	var steps []cleanupStep

	if res.Queue.Ephemeral {
		steps = append(steps, cleanupStep{"release job queue", func(ctx context.Context) error {
			return m.queues.Release(ctx, res.Queue)
		}})
	}

	if res.JobDefinitionArn != "" {
		steps = append(steps, cleanupStep{"deregister job definition", func(ctx context.Context) error {
			if _, err := m.definitions.DeregisterJobDefinition(ctx, &batch.DeregisterJobDefinitionInput{
				JobDefinition: aws.String(res.JobDefinitionArn),
			}); err != nil {
				return fmt.Errorf("failed to deregister job definition: %w", err)
			}
			return nil
		}})
	}

	if res.Logs != nil {
		steps = append(steps, cleanupStep{"close log subscription", func(context.Context) error {
			return res.Logs.Close()
		}})
	}

	if res.StagedPrefix != "" {
		steps = append(steps, cleanupStep{"delete staged files", func(ctx context.Context) error {
			return m.stager.Cleanup(ctx, res.StagedPrefix)
		}})
	}

	return steps
}
