// Package config loads settings for the controller and the worker from an
// optional YAML file and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration values for the application.
type Config struct {
	// Redis connection
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// HTTP server port for the controller
	HTTPPort int

	// Bearer secret for the controller API; empty disables auth
	InternalSecret string

	// Per-token request budget for the controller API; 0 disables limiting
	RateLimit      float64
	RateLimitBurst int

	WorkerConcurrency       int
	WorkerPollInterval      time.Duration
	WorkerMaxBackoff        time.Duration
	WorkerHeartbeatInterval time.Duration

	// Local directory holding per-task input and output files
	RuntimeWorkDir string

	OTELEndpoint string
	MetricsPort  int

	AWS   AWSConfig
	Batch BatchConfig
}

// AWSConfig holds the AWS connection parameters. Empty values fall back to
// the SDK default chain.
type AWSConfig struct {
	Region           string
	EndpointOverride string
	AccessKeyID      string
	SecretAccessKey  string
	SessionToken     string
}

// BatchConfig holds the AWS Batch defaults applied to every task.
type BatchConfig struct {
	ComputeEnvironmentArn   string
	JobQueueArn             string
	Bucket                  string
	ExecutionRoleArn        string
	TaskRoleArn             string
	MemoryMiB               int
	VCPU                    float64
	CompletionCheckInterval time.Duration
	WaitUntilCompletion     time.Duration
	DescribeRate            float64
}

var envBindings = map[string]string{
	"redis_addr":                      "REDIS_ADDR",
	"redis_password":                  "REDIS_PASSWORD",
	"redis_db":                        "REDIS_DB",
	"http_port":                       "PORT",
	"internal_secret":                 "INTERNAL_SECRET",
	"rate_limit":                      "RATE_LIMIT",
	"rate_limit_burst":                "RATE_LIMIT_BURST",
	"worker_concurrency":              "WORKER_CONCURRENCY",
	"worker_poll_interval":            "WORKER_POLL_INTERVAL",
	"worker_max_backoff":              "WORKER_MAX_BACKOFF",
	"worker_heartbeat_interval":       "WORKER_HEARTBEAT_INTERVAL",
	"runtime_workdir":                 "RUNTIME_WORKDIR",
	"otel_endpoint":                   "OTEL_EXPORTER_OTLP_ENDPOINT",
	"metrics_port":                    "METRICS_PORT",
	"aws_region":                      "AWS_REGION",
	"aws_endpoint_override":           "AWS_ENDPOINT_OVERRIDE",
	"aws_access_key_id":               "AWS_ACCESS_KEY_ID",
	"aws_secret_access_key":           "AWS_SECRET_ACCESS_KEY",
	"aws_session_token":               "AWS_SESSION_TOKEN",
	"batch_compute_environment_arn":   "BATCH_COMPUTE_ENVIRONMENT_ARN",
	"batch_job_queue_arn":             "BATCH_JOB_QUEUE_ARN",
	"batch_bucket":                    "BATCH_BUCKET",
	"batch_execution_role_arn":        "BATCH_EXECUTION_ROLE_ARN",
	"batch_task_role_arn":             "BATCH_TASK_ROLE_ARN",
	"batch_memory_mib":                "BATCH_MEMORY_MIB",
	"batch_vcpu":                      "BATCH_VCPU",
	"batch_completion_check_interval": "BATCH_COMPLETION_CHECK_INTERVAL",
	"batch_wait_until_completion":     "BATCH_WAIT_UNTIL_COMPLETION",
	"batch_describe_rate":             "BATCH_DESCRIBE_RATE",
}

// Load reads configuration from the optional config file at path and the
// environment. Environment variables take precedence over the file.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("redis_db", 0)
	v.SetDefault("http_port", 6161)
	v.SetDefault("rate_limit", 10)
	v.SetDefault("rate_limit_burst", 20)
	v.SetDefault("worker_concurrency", 1)
	v.SetDefault("worker_poll_interval", time.Second)
	v.SetDefault("worker_max_backoff", 30*time.Second)
	v.SetDefault("worker_heartbeat_interval", 10*time.Second)
	v.SetDefault("runtime_workdir", os.TempDir())
	v.SetDefault("otel_endpoint", "localhost:4317")
	v.SetDefault("metrics_port", 6162)
	v.SetDefault("batch_memory_mib", 2048)
	v.SetDefault("batch_vcpu", 1.0)
	v.SetDefault("batch_completion_check_interval", 5*time.Second)
	v.SetDefault("batch_wait_until_completion", time.Hour)
	v.SetDefault("batch_describe_rate", 5.0)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("batchrunner")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{
		RedisAddr:               v.GetString("redis_addr"),
		RedisPassword:           v.GetString("redis_password"),
		RedisDB:                 v.GetInt("redis_db"),
		HTTPPort:                v.GetInt("http_port"),
		InternalSecret:          v.GetString("internal_secret"),
		RateLimit:               v.GetFloat64("rate_limit"),
		RateLimitBurst:          v.GetInt("rate_limit_burst"),
		WorkerConcurrency:       v.GetInt("worker_concurrency"),
		WorkerPollInterval:      v.GetDuration("worker_poll_interval"),
		WorkerMaxBackoff:        v.GetDuration("worker_max_backoff"),
		WorkerHeartbeatInterval: v.GetDuration("worker_heartbeat_interval"),
		RuntimeWorkDir:          v.GetString("runtime_workdir"),
		OTELEndpoint:            v.GetString("otel_endpoint"),
		MetricsPort:             v.GetInt("metrics_port"),
		AWS: AWSConfig{
			Region:           v.GetString("aws_region"),
			EndpointOverride: v.GetString("aws_endpoint_override"),
			AccessKeyID:      v.GetString("aws_access_key_id"),
			SecretAccessKey:  v.GetString("aws_secret_access_key"),
			SessionToken:     v.GetString("aws_session_token"),
		},
		Batch: BatchConfig{
			ComputeEnvironmentArn:   v.GetString("batch_compute_environment_arn"),
			JobQueueArn:             v.GetString("batch_job_queue_arn"),
			Bucket:                  v.GetString("batch_bucket"),
			ExecutionRoleArn:        v.GetString("batch_execution_role_arn"),
			TaskRoleArn:             v.GetString("batch_task_role_arn"),
			MemoryMiB:               v.GetInt("batch_memory_mib"),
			VCPU:                    v.GetFloat64("batch_vcpu"),
			CompletionCheckInterval: v.GetDuration("batch_completion_check_interval"),
			WaitUntilCompletion:     v.GetDuration("batch_wait_until_completion"),
			DescribeRate:            v.GetFloat64("batch_describe_rate"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.RedisAddr == "" {
		return fmt.Errorf("redis_addr is required (env: REDIS_ADDR)")
	}
	if c.AWS.Region != "" && c.Batch.ComputeEnvironmentArn == "" {
		return fmt.Errorf("batch_compute_environment_arn is required when aws_region is set (env: BATCH_COMPUTE_ENVIRONMENT_ARN)")
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("worker_concurrency must be at least 1, got %d", c.WorkerConcurrency)
	}
	if c.Batch.MemoryMiB <= 0 || c.Batch.VCPU <= 0 {
		return fmt.Errorf("batch_memory_mib and batch_vcpu must be positive")
	}
	return nil
}
