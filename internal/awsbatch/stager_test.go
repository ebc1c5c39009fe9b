package awsbatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStager(bucket string, s3 *fakeS3) *Stager {
	return NewStager(bucket, s3, s3, s3, discardLogger())
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestStager_StageIn(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "in.csv", "a,b")
	writeFile(t, root, "nested/conf.yaml", "k: v")

	s3 := newFakeS3()
	dir := testWorkDir(false)

	err := newTestStager("bucket", s3).StageIn(context.Background(), dir, root, []string{"in.csv", "nested/conf.yaml"})
	require.NoError(t, err)

	assert.Equal(t, []string{"wd/in.csv", "wd/nested/conf.yaml"}, s3.keys())
	assert.Equal(t, "a,b", s3.objects["wd/in.csv"])
}

func TestStager_RequiresBucket(t *testing.T) {
	s3 := newFakeS3()
	st := newTestStager("", s3)

	var cfgErr *ConfigError
	err := st.StageIn(context.Background(), testWorkDir(false), t.TempDir(), []string{"in.csv"})
	require.ErrorAs(t, err, &cfgErr)

	err = st.StageOut(context.Background(), testWorkDir(true), t.TempDir(), nil, t.TempDir())
	require.ErrorAs(t, err, &cfgErr)

	assert.Zero(t, s3.callCount())
}

func TestStager_NothingToStage(t *testing.T) {
	s3 := newFakeS3()
	st := newTestStager("", s3)

	require.NoError(t, st.StageIn(context.Background(), testWorkDir(false), t.TempDir(), nil))
	require.NoError(t, st.StageOut(context.Background(), testWorkDir(false), t.TempDir(), nil, ""))
	require.NoError(t, st.Cleanup(context.Background(), "wd"))
	assert.Zero(t, s3.callCount())
}

func TestStager_StageInFailureAborts(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a", "1")
	writeFile(t, root, "b", "2")

	s3 := newFakeS3()
	s3.uploadErr = errors.New("access denied")

	err := newTestStager("bucket", s3).StageIn(context.Background(), testWorkDir(false), root, []string{"a", "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}

func TestStager_StageInMissingLocalFile(t *testing.T) {
	err := newTestStager("bucket", newFakeS3()).StageIn(context.Background(), testWorkDir(false), t.TempDir(), []string{"missing"})
	require.Error(t, err)
}

func TestStager_StageOut(t *testing.T) {
	s3 := newFakeS3()
	s3.objects["wd/result.txt"] = "42"
	s3.objects["wd/out/report.html"] = "<html>"
	s3.objects["wd/out/sub/data.json"] = "{}"
	s3.objects["wd/out/"] = ""

	root := t.TempDir()
	outputDir := filepath.Join(root, "outputs")

	err := newTestStager("bucket", s3).StageOut(context.Background(), testWorkDir(true), root, []string{"result.txt"}, outputDir)
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(root, "result.txt"))
	require.NoError(t, err)
	assert.Equal(t, "42", string(got))

	got, err = os.ReadFile(filepath.Join(outputDir, "sub", "data.json"))
	require.NoError(t, err)
	assert.Equal(t, "{}", string(got))
	assert.FileExists(t, filepath.Join(outputDir, "report.html"))
}

func TestStager_StageOutMissingObject(t *testing.T) {
	err := newTestStager("bucket", newFakeS3()).StageOut(context.Background(), testWorkDir(false), t.TempDir(), []string{"nope.txt"}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to download")
}

func TestStager_CleanupDeletesInBatches(t *testing.T) {
	s3 := newFakeS3()
	for i := range 2500 {
		s3.objects[fmt.Sprintf("wd/file-%04d", i)] = "x"
	}
	s3.objects["other/keep"] = "y"

	err := newTestStager("bucket", s3).Cleanup(context.Background(), "wd")
	require.NoError(t, err)

	require.Len(t, s3.deleteCalls, 3)
	assert.Len(t, s3.deleteCalls[0], 1000)
	assert.Len(t, s3.deleteCalls[1], 1000)
	assert.Len(t, s3.deleteCalls[2], 500)
	assert.Equal(t, []string{"other/keep"}, s3.keys())
}
