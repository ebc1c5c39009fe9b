package awsbatch

import (
	"path"
	"strings"

	"github.com/google/uuid"
)

// RemoteWorkingDirectory names the per-run locations shared by the stager and
// the job containers. Nothing is provisioned for it.
type RemoteWorkingDirectory struct {
	// ObjectStorePrefix is the S3 key prefix, without a leading slash.
	ObjectStorePrefix string
	// ContainerMountPath is where the shared volume is mounted in every container.
	ContainerMountPath string
	// ContainerOutputPath is set only when an output directory was requested.
	ContainerOutputPath string
	// BucketURI is s3://bucket/prefix, empty when no bucket is configured.
	BucketURI string
}

// NewRemoteWorkingDirectory generates a fresh, never reused directory.
func NewRemoteWorkingDirectory(bucket string, withOutputDir bool) RemoteWorkingDirectory {
	name := uuid.NewString()

	dir := RemoteWorkingDirectory{
		ObjectStorePrefix:  name,
		ContainerMountPath: "/" + name,
	}
	if bucket != "" {
		dir.BucketURI = "s3://" + bucket + "/" + name
	}
	if withOutputDir {
		dir.ContainerOutputPath = path.Join(dir.ContainerMountPath, uuid.NewString())
	}
	return dir
}

// Key returns the object key for a path relative to the working directory.
func (d RemoteWorkingDirectory) Key(rel string) string {
	return d.ObjectStorePrefix + "/" + cleanRel(rel)
}

// MountPath returns the in-container path for a relative path.
func (d RemoteWorkingDirectory) MountPath(rel string) string {
	return d.ContainerMountPath + "/" + cleanRel(rel)
}

// URI returns the s3:// location of a relative path.
func (d RemoteWorkingDirectory) URI(rel string) string {
	return d.BucketURI + "/" + cleanRel(rel)
}

// OutputName is the output directory relative to the mount path.
func (d RemoteWorkingDirectory) OutputName() string {
	return strings.TrimPrefix(strings.TrimPrefix(d.ContainerOutputPath, d.ContainerMountPath), "/")
}

// OutputPrefix is the key prefix holding the output directory contents.
func (d RemoteWorkingDirectory) OutputPrefix() string {
	return d.Key(d.OutputName()) + "/"
}

func cleanRel(rel string) string {
	return strings.TrimPrefix(path.Clean("/"+rel), "/")
}
