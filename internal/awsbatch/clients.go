package awsbatch

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ConnectionConfig are the resolved AWS connection parameters. Empty fields
// fall back to the default credential chain and region resolution.
type ConnectionConfig struct {
	Region           string
	EndpointOverride string
	AccessKeyID      string
	SecretAccessKey  string
	SessionToken     string
}

// Clients bundles the AWS clients a Runner needs.
type Clients struct {
	Batch      BatchAPI
	Logs       LogsAPI
	Objects    ObjectStore
	Uploader   Uploader
	Downloader Downloader
	// NewCancelClient builds the dedicated client used to kill jobs.
	NewCancelClient ClientFactory
}

// LoadAWSConfig resolves an aws.Config from conn.
func LoadAWSConfig(ctx context.Context, conn ConnectionConfig) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if conn.Region != "" {
		opts = append(opts, config.WithRegion(conn.Region))
	}
	if conn.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(conn.AccessKeyID, conn.SecretAccessKey, conn.SessionToken),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if conn.EndpointOverride != "" {
		cfg.BaseEndpoint = aws.String(conn.EndpointOverride)
	}
	return cfg, nil
}

// NewClients creates every client from one resolved configuration.
func NewClients(ctx context.Context, conn ConnectionConfig) (*Clients, error) {
	cfg, err := LoadAWSConfig(ctx, conn)
	if err != nil {
		return nil, err
	}

	objects := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = conn.EndpointOverride != ""
	})

	return &Clients{
		Batch:           batch.NewFromConfig(cfg),
		Logs:            cloudWatchLogs{cloudwatchlogs.NewFromConfig(cfg)},
		Objects:         objects,
		Uploader:        manager.NewUploader(objects),
		Downloader:      manager.NewDownloader(objects),
		NewCancelClient: CancelClientFactory(conn),
	}, nil
}

// CancelClientFactory returns a factory that builds a fresh Batch client
// on every call.
func CancelClientFactory(conn ConnectionConfig) ClientFactory {
	return func(ctx context.Context) (JobTerminator, error) {
		cfg, err := LoadAWSConfig(ctx, conn)
		if err != nil {
			return nil, err
		}
		return batch.NewFromConfig(cfg), nil
	}
}
