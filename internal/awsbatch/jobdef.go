package awsbatch

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	"github.com/aws/aws-sdk-go-v2/service/batch/types"
)

// Role identifies a container's place in the job pipeline.
type Role string

const (
	RoleStageIn  Role = "stage-in"
	RoleMain     Role = "main"
	RoleStageOut Role = "stage-out"
)

// ContainerName is the name the role's container gets in the job definition.
func (r Role) ContainerName() string {
	switch r {
	case RoleStageIn:
		return "inputFiles"
	case RoleStageOut:
		return "outputFiles"
	default:
		return "main"
	}
}

const (
	sharedVolumeName       = "batchrunner"
	sideContainerImage     = "ghcr.io/kestra-io/awsbatch:latest"
	sideContainerMemoryMiB = 128
	sideContainerMilliCPU  = 100
	dependencyCondition    = "SUCCESS"
)

// Resources is a container resource reservation. CPU is kept in milli-vCPU so
// subtracting side container quotas stays exact.
type Resources struct {
	MemoryMiB int
	MilliCPU  int
}

// ResourcesFromVCPU converts a fractional vCPU request.
func ResourcesFromVCPU(memoryMiB int, vcpu float64) Resources {
	return Resources{MemoryMiB: memoryMiB, MilliCPU: int(vcpu*1000 + 0.5)}
}

// VCPU renders the CPU reservation the way AWS Batch expects it.
func (r Resources) VCPU() string {
	return strconv.FormatFloat(float64(r.MilliCPU)/1000, 'f', -1, 64)
}

// ContainerSpec describes one container of the job pipeline.
type ContainerSpec struct {
	Role            Role
	Image           string
	Command         []string
	Essential       bool
	Resources       Resources
	MountPath       string
	DependsOn       mapset.Set[Role]
	Env             map[string]string
	LogStreamPrefix string
}

// DefinitionRequest carries everything the builder needs from the task.
type DefinitionRequest struct {
	Image            string
	Command          []string
	Env              map[string]string
	Resources        Resources
	InputFiles       []string
	OutputFiles      []string
	WorkDir          RemoteWorkingDirectory
	LogStreamPrefix  string
	ExecutionRoleArn string
	TaskRoleArn      string
	Tags             map[string]string
}

// NeedsOutputDir reports whether an output directory is part of the run.
func (r DefinitionRequest) NeedsOutputDir() bool {
	return r.WorkDir.ContainerOutputPath != ""
}

// JobDefinition is a built, not yet registered, job definition.
type JobDefinition struct {
	Name             string
	Platform         types.PlatformCapability
	Containers       []ContainerSpec
	ExecutionRoleArn string
	TaskRoleArn      string
	Tags             map[string]string
}

// Container returns the container with the given role, if present.
func (d *JobDefinition) Container(role Role) (ContainerSpec, bool) {
	for _, c := range d.Containers {
		if c.Role == role {
			return c, true
		}
	}
	return ContainerSpec{}, false
}

// DefinitionBuilder turns a task into a job definition for a compute environment.
type DefinitionBuilder struct {
	api ComputeEnvironmentDescriber
}

// NewDefinitionBuilder creates a builder backed by the given Batch client.
func NewDefinitionBuilder(api ComputeEnvironmentDescriber) *DefinitionBuilder {
	return &DefinitionBuilder{api: api}
}

// Build validates the compute environment and assembles the container pipeline.
// It does not mutate anything remotely.
func (b *DefinitionBuilder) Build(ctx context.Context, computeEnvironmentArn string, req DefinitionRequest) (*JobDefinition, error) {
	platform, err := b.platformFor(ctx, computeEnvironmentArn)
	if err != nil {
		return nil, err
	}

	containers, err := BuildPipeline(req)
	if err != nil {
		return nil, err
	}

	return &JobDefinition{
		Name:             uuid.NewString(),
		Platform:         platform,
		Containers:       containers,
		ExecutionRoleArn: req.ExecutionRoleArn,
		TaskRoleArn:      req.TaskRoleArn,
		Tags:             req.Tags,
	}, nil
}

func (b *DefinitionBuilder) platformFor(ctx context.Context, arn string) (types.PlatformCapability, error) {
	out, err := b.api.DescribeComputeEnvironments(ctx, &batch.DescribeComputeEnvironmentsInput{
		ComputeEnvironments: []string{arn},
	})
	if err != nil {
		return "", fmt.Errorf("failed to describe compute environment: %w", err)
	}
	if len(out.ComputeEnvironments) == 0 {
		return "", configErrorf("compute environment not found: %s", arn)
	}

	env := out.ComputeEnvironments[0]
	if env.ContainerOrchestrationType != types.OrchestrationTypeEcs {
		return "", configErrorf("only ECS compute environments are supported, %s uses %q", arn, env.ContainerOrchestrationType)
	}
	if env.ComputeResources == nil {
		return "", configErrorf("compute environment %s has no compute resources", arn)
	}

	switch env.ComputeResources.Type {
	case types.CRTypeFargate, types.CRTypeFargateSpot:
		return types.PlatformCapabilityFargate, nil
	case types.CRTypeEc2, types.CRTypeSpot:
		return types.PlatformCapabilityEc2, nil
	default:
		return "", configErrorf("unsupported compute resource type %q", env.ComputeResources.Type)
	}
}

// Environment variables the main container gets when a shared volume is mounted.
const (
	EnvWorkingDir = "BATCHRUNNER_WORKING_DIR"
	EnvOutputDir  = "BATCHRUNNER_OUTPUT_DIR"
	EnvBucketPath = "BATCHRUNNER_BUCKET_PATH"
)

// workDirEnv returns a copy of env with the working directory locations added.
func workDirEnv(env map[string]string, dir RemoteWorkingDirectory) map[string]string {
	out := make(map[string]string, len(env)+3)
	maps.Copy(out, env)
	out[EnvWorkingDir] = dir.ContainerMountPath
	if dir.ContainerOutputPath != "" {
		out[EnvOutputDir] = dir.ContainerOutputPath
	}
	if dir.BucketURI != "" {
		out[EnvBucketPath] = dir.BucketURI
	}
	return out
}

// BuildPipeline builds the ordered stage-in, main and stage-out containers.
// Side containers only exist when there is something to stage.
func BuildPipeline(req DefinitionRequest) ([]ContainerSpec, error) {
	outputDir := req.NeedsOutputDir()
	hasStageIn := len(req.InputFiles) > 0 || outputDir
	hasStageOut := len(req.OutputFiles) > 0 || outputDir

	sides := 0
	if hasStageIn {
		sides++
	}
	if hasStageOut {
		sides++
	}

	mainResources := Resources{
		MemoryMiB: req.Resources.MemoryMiB - sides*sideContainerMemoryMiB,
		MilliCPU:  req.Resources.MilliCPU - sides*sideContainerMilliCPU,
	}
	if mainResources.MemoryMiB <= 0 || mainResources.MilliCPU <= 0 {
		return nil, configErrorf("resources %dMiB/%s vCPU leave nothing for the main container after %d staging container(s)",
			req.Resources.MemoryMiB, req.Resources.VCPU(), sides)
	}

	var containers []ContainerSpec

	if hasStageIn {
		var commands []string
		for _, rel := range req.InputFiles {
			commands = append(commands, "aws s3 cp "+req.WorkDir.URI(rel)+" "+req.WorkDir.MountPath(rel))
		}
		if outputDir {
			commands = append(commands, "mkdir -p "+req.WorkDir.ContainerOutputPath)
		}
		containers = append(containers, sideContainer(RoleStageIn, req.WorkDir, commands, mapset.NewSet[Role]()))
	}

	mainSpec := ContainerSpec{
		Role:            RoleMain,
		Image:           req.Image,
		Command:         req.Command,
		Essential:       !hasStageOut,
		Resources:       mainResources,
		DependsOn:       mapset.NewSet[Role](),
		Env:             req.Env,
		LogStreamPrefix: req.LogStreamPrefix,
	}
	if hasStageIn {
		mainSpec.DependsOn.Add(RoleStageIn)
	}
	if sides > 0 {
		mainSpec.MountPath = req.WorkDir.ContainerMountPath
		mainSpec.Env = workDirEnv(req.Env, req.WorkDir)
	}
	containers = append(containers, mainSpec)

	if hasStageOut {
		var commands []string
		for _, rel := range req.OutputFiles {
			commands = append(commands, "aws s3 cp "+req.WorkDir.MountPath(rel)+" "+req.WorkDir.URI(rel))
		}
		if outputDir {
			commands = append(commands, "aws s3 cp "+req.WorkDir.ContainerOutputPath+"/ "+req.WorkDir.URI(req.WorkDir.OutputName())+"/ --recursive")
		}
		containers = append(containers, sideContainer(RoleStageOut, req.WorkDir, commands, mapset.NewSet(RoleMain)))
	}

	return containers, nil
}

func sideContainer(role Role, dir RemoteWorkingDirectory, commands []string, dependsOn mapset.Set[Role]) ContainerSpec {
	return ContainerSpec{
		Role:      role,
		Image:     sideContainerImage,
		Command:   []string{"/bin/sh", "-c", strings.Join(commands, " && ")},
		Essential: role == RoleStageOut,
		Resources: Resources{MemoryMiB: sideContainerMemoryMiB, MilliCPU: sideContainerMilliCPU},
		MountPath: dir.ContainerMountPath,
		DependsOn: dependsOn,
	}
}

// RegisterInput renders the definition as a RegisterJobDefinition request.
func (d *JobDefinition) RegisterInput() *batch.RegisterJobDefinitionInput {
	task := types.EcsTaskProperties{
		Volumes: []types.Volume{{Name: aws.String(sharedVolumeName)}},
	}
	if d.Platform == types.PlatformCapabilityFargate {
		task.NetworkConfiguration = &types.NetworkConfiguration{
			AssignPublicIp: types.AssignPublicIpEnabled,
		}
	}
	if d.ExecutionRoleArn != "" {
		task.ExecutionRoleArn = aws.String(d.ExecutionRoleArn)
	}
	if d.TaskRoleArn != "" {
		task.TaskRoleArn = aws.String(d.TaskRoleArn)
	}

	for _, c := range d.Containers {
		task.Containers = append(task.Containers, c.taskContainerProperties())
	}

	return &batch.RegisterJobDefinitionInput{
		JobDefinitionName:    aws.String(d.Name),
		Type:                 types.JobDefinitionTypeContainer,
		PlatformCapabilities: []types.PlatformCapability{d.Platform},
		Tags:                 d.Tags,
		EcsProperties: &types.EcsProperties{
			TaskProperties: []types.EcsTaskProperties{task},
		},
	}
}

func (c ContainerSpec) taskContainerProperties() types.TaskContainerProperties {
	props := types.TaskContainerProperties{
		Name:      aws.String(c.Role.ContainerName()),
		Image:     aws.String(c.Image),
		Command:   c.Command,
		Essential: aws.Bool(c.Essential),
		ResourceRequirements: []types.ResourceRequirement{
			{Type: types.ResourceTypeMemory, Value: aws.String(strconv.Itoa(c.Resources.MemoryMiB))},
			{Type: types.ResourceTypeVcpu, Value: aws.String(c.Resources.VCPU())},
		},
	}

	if c.MountPath != "" {
		props.MountPoints = []types.MountPoint{{
			ContainerPath: aws.String(c.MountPath),
			SourceVolume:  aws.String(sharedVolumeName),
		}}
	}

	if c.DependsOn != nil {
		deps := c.DependsOn.ToSlice()
		slices.Sort(deps)
		for _, dep := range deps {
			props.DependsOn = append(props.DependsOn, types.TaskContainerDependency{
				ContainerName: aws.String(dep.ContainerName()),
				Condition:     aws.String(dependencyCondition),
			})
		}
	}

	for _, name := range slices.Sorted(maps.Keys(c.Env)) {
		props.Environment = append(props.Environment, types.KeyValuePair{
			Name:  aws.String(name),
			Value: aws.String(c.Env[name]),
		})
	}

	if c.LogStreamPrefix != "" {
		props.LogConfiguration = &types.LogConfiguration{
			LogDriver: types.LogDriverAwslogs,
			Options:   map[string]string{"awslogs-stream-prefix": c.LogStreamPrefix},
		}
	}

	return props
}
