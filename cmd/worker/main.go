// Package main is the entry point for the batchrunner worker.
// The worker pulls tasks from Redis and runs each one as an AWS Batch job.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"batchrunner/internal/awsbatch"
	"batchrunner/internal/config"
	"batchrunner/internal/logger"
	"batchrunner/internal/observability"
	"batchrunner/internal/store/redis"
	"batchrunner/internal/worker"
	"batchrunner/internal/worker/runtime"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: batchrunner.yaml in current directory)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracer, err := observability.InitTracer(ctx, "batchrunner-worker", cfg.OTELEndpoint)
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Printf("Failed to shutdown tracer: %v", err)
		}
	}()

	metricsHandler, shutdownMetrics, err := observability.InitMetrics("batchrunner-worker")
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Printf("Failed to shutdown metrics: %v", err)
		}
	}()

	store, err := redis.New(ctx, redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer store.Close()

	clients, err := awsbatch.NewClients(ctx, awsbatch.ConnectionConfig{
		Region:           cfg.AWS.Region,
		EndpointOverride: cfg.AWS.EndpointOverride,
		AccessKeyID:      cfg.AWS.AccessKeyID,
		SecretAccessKey:  cfg.AWS.SecretAccessKey,
		SessionToken:     cfg.AWS.SessionToken,
	})
	if err != nil {
		log.Fatalf("Failed to create AWS clients: %v", err)
	}

	appLogger := logger.New()
	runnerOpts := []awsbatch.Option{awsbatch.WithLogger(appLogger)}
	if cfg.Batch.DescribeRate > 0 {
		burst := max(int(cfg.Batch.DescribeRate), 1)
		runnerOpts = append(runnerOpts, awsbatch.WithRateLimiter(rate.NewLimiter(rate.Limit(cfg.Batch.DescribeRate), burst)))
	}
	runner := awsbatch.NewRunner(awsbatch.Config{
		ComputeEnvironmentArn:   cfg.Batch.ComputeEnvironmentArn,
		JobQueueArn:             cfg.Batch.JobQueueArn,
		Bucket:                  cfg.Batch.Bucket,
		Region:                  cfg.AWS.Region,
		ExecutionRoleArn:        cfg.Batch.ExecutionRoleArn,
		TaskRoleArn:             cfg.Batch.TaskRoleArn,
		Resources:               awsbatch.ResourcesFromVCPU(cfg.Batch.MemoryMiB, cfg.Batch.VCPU),
		CompletionCheckInterval: cfg.Batch.CompletionCheckInterval,
		WaitUntilCompletion:     cfg.Batch.WaitUntilCompletion,
	}, clients, runnerOpts...)

	metrics, err := observability.NewTaskMetrics(otel.Meter("batchrunner"))
	if err != nil {
		log.Fatalf("Failed to create task metrics: %v", err)
	}

	workerID, err := os.Hostname()
	if err != nil || workerID == "" {
		workerID = uuid.NewString()
	}

	agent := worker.New(store, runtime.NewBatchRuntime(runner), worker.AgentConfig{
		ID:                workerID,
		Concurrency:       cfg.WorkerConcurrency,
		PollInterval:      cfg.WorkerPollInterval,
		MaxBackoff:        cfg.WorkerMaxBackoff,
		HeartbeatInterval: cfg.WorkerHeartbeatInterval,
		WorkDir:           filepath.Join(cfg.RuntimeWorkDir, "batchrunner"),
	}, worker.WithLogger(appLogger), worker.WithMetrics(metrics))

	log.Printf("Worker %s started with concurrency %d", workerID, cfg.WorkerConcurrency)
	go agent.Run(ctx)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		log.Printf("Worker metrics listening on %s", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	cancel()

	<-agent.Done()
}
