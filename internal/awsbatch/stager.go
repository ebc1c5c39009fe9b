package awsbatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"
)

// maxDeleteBatch is the S3 DeleteObjects limit.
const maxDeleteBatch = 1000

// Stager moves task files between the local working directory and the run's
// S3 prefix.
type Stager struct {
	bucket     string
	store      ObjectStore
	uploader   Uploader
	downloader Downloader
	logger     *slog.Logger
}

// NewStager creates a stager. An empty bucket is allowed as long as no files
// are ever staged.
func NewStager(bucket string, store ObjectStore, uploader Uploader, downloader Downloader, logger *slog.Logger) *Stager {
	return &Stager{
		bucket:     bucket,
		store:      store,
		uploader:   uploader,
		downloader: downloader,
		logger:     logger,
	}
}

// Bucket returns the configured bucket.
func (s *Stager) Bucket() string {
	return s.bucket
}

// StageIn uploads every file concurrently and returns the first failure.
func (s *Stager) StageIn(ctx context.Context, dir RemoteWorkingDirectory, localRoot string, files []string) error {
	if len(files) == 0 {
		return nil
	}
	if s.bucket == "" {
		return configErrorf("a bucket is required to stage input files")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, rel := range files {
		g.Go(func() error {
			return s.upload(gctx, localPath(localRoot, rel), dir.Key(rel))
		})
	}
	return g.Wait()
}

// StageOut downloads every output file, and the output directory when
// outputDir is set, concurrently.
func (s *Stager) StageOut(ctx context.Context, dir RemoteWorkingDirectory, localRoot string, files []string, outputDir string) error {
	if len(files) == 0 && outputDir == "" {
		return nil
	}
	if s.bucket == "" {
		return configErrorf("a bucket is required to stage output files")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, rel := range files {
		g.Go(func() error {
			return s.download(gctx, dir.Key(rel), localPath(localRoot, rel))
		})
	}
	if outputDir != "" {
		g.Go(func() error {
			return s.downloadPrefix(gctx, dir.OutputPrefix(), outputDir)
		})
	}
	return g.Wait()
}

// Cleanup deletes every object under the prefix in batches.
func (s *Stager) Cleanup(ctx context.Context, prefix string) error {
	if s.bucket == "" {
		return nil
	}

	keys, err := s.list(ctx, strings.TrimSuffix(prefix, "/")+"/")
	if err != nil {
		return err
	}

	for chunk := range slices.Chunk(keys, maxDeleteBatch) {
		ids := make([]s3types.ObjectIdentifier, 0, len(chunk))
		for _, key := range chunk {
			ids = append(ids, s3types.ObjectIdentifier{Key: aws.String(key)})
		}

		if _, err := s.store.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &s3types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		}); err != nil {
			return fmt.Errorf("failed to delete staged objects: %w", err)
		}
	}

	s.logger.DebugContext(ctx, "staged objects deleted", "prefix", prefix, "count", len(keys))
	return nil
}

func (s *Stager) upload(ctx context.Context, src, key string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open input file: %w", err)
	}
	defer f.Close()

	if _, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   f,
	}); err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

func (s *Stager) download(ctx context.Context, key, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer f.Close()

	if _, err := s.downloader.Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("failed to download %s: %w", key, err)
	}
	return nil
}

func (s *Stager) downloadPrefix(ctx context.Context, prefix, dst string) error {
	keys, err := s.list(ctx, prefix)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, key := range keys {
		rel := strings.TrimPrefix(key, prefix)
		if rel == "" || strings.HasSuffix(rel, "/") {
			continue
		}
		g.Go(func() error {
			return s.download(gctx, key, localPath(dst, rel))
		})
	}
	return g.Wait()
}

func (s *Stager) list(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	paginator := s3.NewListObjectsV2Paginator(s.store, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func localPath(root, rel string) string {
	return filepath.Join(root, filepath.FromSlash(cleanRel(rel)))
}
