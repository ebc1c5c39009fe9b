package awsbatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/localstack"
)

func TestStager_LocalStackRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping LocalStack integration test in short mode")
	}
	ctx := context.Background()

	ctr, err := localstack.Run(ctx, "localstack/localstack:3.8")
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	endpoint, err := ctr.PortEndpoint(ctx, "4566/tcp", "http")
	require.NoError(t, err)

	clients, err := NewClients(ctx, ConnectionConfig{
		Region:           "us-east-1",
		EndpointOverride: endpoint,
		AccessKeyID:      "test",
		SecretAccessKey:  "test",
	})
	require.NoError(t, err)

	objects := clients.Objects.(*s3.Client)
	_, err = objects.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String("batchrunner")})
	require.NoError(t, err)

	stager := NewStager("batchrunner", clients.Objects, clients.Uploader, clients.Downloader, discardLogger())
	dir := NewRemoteWorkingDirectory("batchrunner", false)

	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "data"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "data", "in.csv"), []byte("a,b\n1,2\n"), 0o644))

	require.NoError(t, stager.StageIn(ctx, dir, src, []string{"data/in.csv"}))

	dst := t.TempDir()
	require.NoError(t, stager.StageOut(ctx, dir, dst, []string{"data/in.csv"}, ""))

	content, err := os.ReadFile(filepath.Join(dst, "data", "in.csv"))
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(content))

	require.NoError(t, stager.Cleanup(ctx, dir.ObjectStorePrefix))

	out, err := objects.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: aws.String("batchrunner")})
	require.NoError(t, err)
	assert.Empty(t, out.Contents)
}
