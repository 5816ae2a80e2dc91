package workloadOrchestrator

import (
	"context"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

// DockerAPI is the subset of the docker client used by the orchestrator
type DockerAPI interface {
	ImageInspect(ctx context.Context, imageID string, inspectOpts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)

	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerStatsOneShot(ctx context.Context, containerID string) (container.StatsResponseReader, error)

	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)

	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
	NetworkInspect(ctx context.Context, networkID string, options network.InspectOptions) (network.Inspect, error)
	NetworkConnect(ctx context.Context, networkID, containerID string, config *network.EndpointSettings) error
	NetworkDisconnect(ctx context.Context, networkID, containerID string, force bool) error
	NetworkRemove(ctx context.Context, networkID string) error

	Close() error
}

// NetworkGate reports whether a network is backed by an active tunnel
type NetworkGate interface {
	IsNetworkReady(networkName string) bool
}

// DeployRequest describes a workload of identical replicas
type DeployRequest struct {
	Image       string   `json:"image"`
	Name        string   `json:"name"`
	NetworkName string   `json:"networkName"`
	Replicas    int      `json:"replicas"`
	Env         []string `json:"env,omitempty"`

	// ContainerPort is published on HostPortBase+i-1 for replica i when both are set
	ContainerPort int `json:"containerPort,omitempty"`
	HostPortBase  int `json:"hostPortBase,omitempty"`
}

func (r *DeployRequest) Validate() field.ErrorList {
	var allErrors field.ErrorList
	if r.Image == "" {
		allErrors = append(allErrors, field.Required(field.NewPath("image"), "image is required"))
	}
	if r.Name == "" {
		allErrors = append(allErrors, field.Required(field.NewPath("name"), "name is required"))
	}
	if r.Replicas < 1 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("replicas"), r.Replicas, "must be at least 1"))
	}
	if r.ContainerPort < 0 || r.ContainerPort > 65535 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("containerPort"), r.ContainerPort, "must be a valid port"))
	}
	if r.HostPortBase < 0 || r.HostPortBase+r.Replicas-1 > 65535 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("hostPortBase"), r.HostPortBase, "port range exceeds 65535"))
	}
	return allErrors
}

// Workload is a named group of replicas
type Workload struct {
	Name        string   `json:"name"`
	Image       string   `json:"image"`
	NetworkName string   `json:"networkName"`
	Containers  []string `json:"containers"`
}

// Endpoint is where one replica can be reached on a network
type Endpoint struct {
	Container   string `json:"container"`
	ContainerId string `json:"containerId"`
	Network     string `json:"network"`
	IpAddress   string `json:"ipAddress"`
}

type ExecResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// ContainerUsage is a point-in-time resource sample for one replica
type ContainerUsage struct {
	Container        string  `json:"container"`
	ContainerId      string  `json:"containerId"`
	CpuPercent       float64 `json:"cpuPercent"`
	MemoryBytes      uint64  `json:"memoryBytes"`
	MemoryLimitBytes uint64  `json:"memoryLimitBytes"`
}

// NetworkSpec describes a bridge network carved out of the federation net
type NetworkSpec struct {
	Name    string `json:"name"`
	Subnet  string `json:"subnet"`
	IpRange string `json:"ipRange"`
}

type NetworkInfo struct {
	Id         string   `json:"id"`
	Name       string   `json:"name"`
	BridgeName string   `json:"bridgeName"`
	Subnet     string   `json:"subnet"`
	Containers []string `json:"containers"`
}

type WorkloadOrchestratorConfig struct {
	// DockerHost overrides DOCKER_HOST
	DockerHost   string        `json:"dockerHost,omitempty" yaml:"dockerHost,omitempty"`
	StartTimeout time.Duration `json:"startTimeout" yaml:"startTimeout"`
	PollInterval time.Duration `json:"pollInterval" yaml:"pollInterval"`
	// PullMissingImages pulls images that are not present locally
	PullMissingImages bool `json:"pullMissingImages" yaml:"pullMissingImages"`
}

func DefaultWorkloadOrchestratorConfig() *WorkloadOrchestratorConfig {
	return &WorkloadOrchestratorConfig{
		StartTimeout:      DefaultStartTimeout,
		PollInterval:      DefaultPollInterval,
		PullMissingImages: true,
	}
}
