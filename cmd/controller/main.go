// Package main is the entry point for the batchrunner controller.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"batchrunner/internal/config"
	"batchrunner/internal/controller"
	"batchrunner/internal/logger"
	"batchrunner/internal/observability"
	"batchrunner/internal/store/redis"

	"go.opentelemetry.io/otel"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: batchrunner.yaml in current directory)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("Controller failed: %v", err)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := redis.New(ctx, redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	shutdownTracer, err := observability.InitTracer(ctx, "batchrunner-controller", cfg.OTELEndpoint)
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Printf("Failed to shutdown tracer: %v", err)
		}
	}()

	metricsHandler, shutdownMetrics, err := observability.InitMetrics("batchrunner-controller")
	if err != nil {
		return fmt.Errorf("failed to init metrics: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Printf("Failed to shutdown metrics: %v", err)
		}
	}()

	// Queue depth is read from Redis only when scraped.
	if _, err := observability.RegisterQueueDepth(otel.Meter("batchrunner"), store.Count); err != nil {
		log.Printf("Failed to register queue depth metric: %v", err)
	}

	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	srv := controller.New(addr, store, controller.Options{
		Secret:         cfg.InternalSecret,
		RateLimit:      cfg.RateLimit,
		RateLimitBurst: cfg.RateLimitBurst,
		Metrics:        metricsHandler,
		Logger:         logger.New(),
	})
	if cfg.InternalSecret == "" {
		log.Println("INTERNAL_SECRET is empty, the task API is unauthenticated")
	}

	log.Printf("batchrunner controller listening on %s", addr)
	// Run shuts the server down gracefully once a signal cancels ctx.
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server stopped: %w", err)
	}
	log.Println("Controller exited properly")
	return nil
}
