package workloadOrchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/federation"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// WorkloadOrchestrator runs replicated workloads as docker containers on the local host
type WorkloadOrchestrator struct {
	client DockerAPI
	config *WorkloadOrchestratorConfig
	logger *zap.Logger

	mu   sync.RWMutex
	gate NetworkGate
}

// NewWorkloadOrchestrator connects to the docker daemon named by the environment or config.DockerHost
func NewWorkloadOrchestrator(config *WorkloadOrchestratorConfig, logger *zap.Logger) (*WorkloadOrchestrator, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if config != nil && config.DockerHost != "" {
		opts = append(opts, client.WithHost(config.DockerHost))
	}
	dockerClient, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Docker client")
	}
	return NewWorkloadOrchestratorWithClient(dockerClient, config, logger), nil
}

func NewWorkloadOrchestratorWithClient(api DockerAPI, config *WorkloadOrchestratorConfig, logger *zap.Logger) *WorkloadOrchestrator {
	if config == nil {
		config = DefaultWorkloadOrchestratorConfig()
	}
	if config.StartTimeout == 0 {
		config.StartTimeout = DefaultStartTimeout
	}
	if config.PollInterval == 0 {
		config.PollInterval = DefaultPollInterval
	}
	return &WorkloadOrchestrator{
		client: api,
		config: config,
		logger: logger,
	}
}

// SetNetworkGate installs the check Deploy uses to refuse networks without an active tunnel.
// With no gate installed every existing network is considered ready.
func (wo *WorkloadOrchestrator) SetNetworkGate(gate NetworkGate) {
	wo.mu.Lock()
	defer wo.mu.Unlock()
	wo.gate = gate
}

func (wo *WorkloadOrchestrator) networkReady(networkName string) bool {
	wo.mu.RLock()
	defer wo.mu.RUnlock()
	if wo.gate == nil {
		return true
	}
	return wo.gate.IsNetworkReady(networkName)
}

// Deploy creates and starts req.Replicas containers of req.Image on req.NetworkName.
// Containers created before a failure are removed.
func (wo *WorkloadOrchestrator) Deploy(ctx context.Context, req *DeployRequest) (*Workload, error) {
	if errs := req.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid deploy request: %v", errs.ToAggregate())
	}
	wo.logger.Info("Deploying workload",
		zap.String("name", req.Name),
		zap.String("image", req.Image),
		zap.String("network", req.NetworkName),
		zap.Int("replicas", req.Replicas),
	)

	if req.NetworkName != "" && !isBuiltinNetwork(req.NetworkName) {
		if !wo.networkReady(req.NetworkName) {
			return nil, fmt.Errorf("network %s: %w", req.NetworkName, federation.ErrNetworkNotReady)
		}
		if _, err := wo.client.NetworkInspect(ctx, req.NetworkName, network.InspectOptions{}); err != nil {
			if errdefs.IsNotFound(err) {
				return nil, fmt.Errorf("network %s: %w", req.NetworkName, federation.ErrNetworkNotFound)
			}
			return nil, errors.Wrap(err, "failed to inspect network")
		}
	}

	if err := wo.ensureImage(ctx, req.Image); err != nil {
		return nil, err
	}

	existing, err := wo.listWorkloadContainers(ctx, req.Name)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, fmt.Errorf("workload %s already has %d containers", req.Name, len(existing))
	}

	created := make([]string, 0, req.Replicas)
	for i := 1; i <= req.Replicas; i++ {
		id, err := wo.startReplica(ctx, req, i)
		if id != "" {
			created = append(created, id)
		}
		if err != nil {
			wo.logger.Error("Replica failed to start, rolling back workload",
				zap.String("name", req.Name),
				zap.Int("replica", i),
				zap.Error(err),
			)
			wo.removeContainers(context.WithoutCancel(ctx), created)
			return nil, err
		}
	}

	wo.logger.Info("Workload deployed", zap.String("name", req.Name), zap.Strings("containers", created))
	return &Workload{
		Name:        req.Name,
		Image:       req.Image,
		NetworkName: req.NetworkName,
		Containers:  replicaNames(req.Name, 1, req.Replicas),
	}, nil
}

func (wo *WorkloadOrchestrator) startReplica(ctx context.Context, req *DeployRequest, replica int) (string, error) {
	name := ReplicaName(req.Name, replica)
	containerConfig, hostConfig, err := buildContainerConfig(req, replica)
	if err != nil {
		return "", err
	}

	var networkingConfig *network.NetworkingConfig
	if req.NetworkName != "" {
		hostConfig.NetworkMode = container.NetworkMode(req.NetworkName)
		networkingConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				req.NetworkName: {},
			},
		}
	}

	platform := &ocispec.Platform{OS: runtime.GOOS, Architecture: runtime.GOARCH}
	resp, err := wo.client.ContainerCreate(ctx, containerConfig, hostConfig, networkingConfig, platform, name)
	if err != nil {
		return "", errors.Wrapf(err, "failed to create container %s", name)
	}
	for _, warning := range resp.Warnings {
		wo.logger.Warn("Container create warning", zap.String("container", name), zap.String("warning", warning))
	}

	if err := wo.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return resp.ID, errors.Wrapf(err, "failed to start container %s", name)
	}
	if err := wo.waitForRunning(ctx, resp.ID); err != nil {
		return resp.ID, err
	}
	return resp.ID, nil
}

// ensureImage pulls image when it is not present locally and pulls are enabled
func (wo *WorkloadOrchestrator) ensureImage(ctx context.Context, imageRef string) error {
	_, err := wo.client.ImageInspect(ctx, imageRef)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return errors.Wrap(err, "failed to inspect image")
	}
	if !wo.config.PullMissingImages {
		return fmt.Errorf("image %s: %w", imageRef, federation.ErrImageNotFound)
	}

	wo.logger.Info("Pulling image", zap.String("image", imageRef))
	reader, err := wo.client.ImagePull(ctx, imageRef, image.PullOptions{
		Platform: fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	})
	if err != nil {
		if errdefs.IsNotFound(err) || errdefs.IsUnauthorized(err) {
			return fmt.Errorf("image %s: %w", imageRef, federation.ErrImageNotFound)
		}
		return errors.Wrap(err, "failed to pull image")
	}
	defer reader.Close()

	// the pull only completes once the progress stream is drained
	if err := drainPullProgress(reader); err != nil {
		if strings.Contains(err.Error(), "not found") {
			return fmt.Errorf("image %s: %w", imageRef, federation.ErrImageNotFound)
		}
		return errors.Wrap(err, "failed to pull image")
	}
	return nil
}

func (wo *WorkloadOrchestrator) waitForRunning(ctx context.Context, containerID string) error {
	ctx, cancel := context.WithTimeout(ctx, wo.config.StartTimeout)
	defer cancel()

	ticker := time.NewTicker(wo.config.PollInterval)
	defer ticker.Stop()

	for {
		info, err := wo.client.ContainerInspect(ctx, containerID)
		if err != nil {
			return errors.Wrap(err, "failed to inspect container")
		}
		if info.ContainerJSONBase != nil && info.State != nil {
			if info.State.Running {
				return nil
			}
			if info.State.Status == "exited" || info.State.Status == "dead" {
				return fmt.Errorf("container %s exited with code %d", containerID, info.State.ExitCode)
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("container %s not running after %s: %w", containerID, wo.config.StartTimeout, federation.ErrTimeout)
		case <-ticker.C:
		}
	}
}

// AttachToNetwork connects an existing container to a network
func (wo *WorkloadOrchestrator) AttachToNetwork(ctx context.Context, containerID, networkName string) error {
	if _, err := wo.client.ContainerInspect(ctx, containerID); err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("container %s: %w", containerID, federation.ErrContainerNotFound)
		}
		return errors.Wrap(err, "failed to inspect container")
	}
	if _, err := wo.client.NetworkInspect(ctx, networkName, network.InspectOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("network %s: %w", networkName, federation.ErrNetworkNotFound)
		}
		return errors.Wrap(err, "failed to inspect network")
	}

	err := wo.client.NetworkConnect(ctx, networkName, containerID, &network.EndpointSettings{})
	if err != nil {
		// already connected
		if errdefs.IsConflict(err) || errdefs.IsForbidden(err) {
			wo.logger.Debug("Container already attached", zap.String("container", containerID), zap.String("network", networkName))
			return nil
		}
		return errors.Wrap(err, "failed to connect container to network")
	}
	wo.logger.Info("Attached container to network", zap.String("container", containerID), zap.String("network", networkName))
	return nil
}

// Exec runs command through a login shell inside the container and collects its output
func (wo *WorkloadOrchestrator) Exec(ctx context.Context, containerID, command string) (*ExecResult, error) {
	created, err := wo.client.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          []string{"sh", "-lc", command},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("container %s: %w", containerID, federation.ErrContainerNotFound)
		}
		return nil, errors.Wrap(err, "failed to create exec")
	}

	attached, err := wo.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to attach to exec")
	}
	defer attached.Close()

	var stdout, stderr strings.Builder
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attached.Reader); err != nil {
		return nil, errors.Wrap(err, "failed to read exec output")
	}

	inspect, err := wo.client.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to inspect exec")
	}

	wo.logger.Debug("Exec finished",
		zap.String("container", containerID),
		zap.String("command", command),
		zap.Int("exitCode", inspect.ExitCode),
	)
	return &ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// ListEndpoints returns the address of every replica of the workload on each network it is attached to
func (wo *WorkloadOrchestrator) ListEndpoints(ctx context.Context, name string) ([]*Endpoint, error) {
	containers, err := wo.listWorkloadContainers(ctx, name)
	if err != nil {
		return nil, err
	}

	endpoints := make([]*Endpoint, 0, len(containers))
	for _, c := range containers {
		containerName := summaryName(c)
		if c.NetworkSettings == nil {
			continue
		}
		networkNames := make([]string, 0, len(c.NetworkSettings.Networks))
		for n := range c.NetworkSettings.Networks {
			networkNames = append(networkNames, n)
		}
		sort.Strings(networkNames)
		for _, n := range networkNames {
			settings := c.NetworkSettings.Networks[n]
			if settings == nil {
				continue
			}
			endpoints = append(endpoints, &Endpoint{
				Container:   containerName,
				ContainerId: c.ID,
				Network:     n,
				IpAddress:   settings.IPAddress,
			})
		}
	}
	return endpoints, nil
}

// Delete force-removes every container of the workload. Deleting an unknown workload succeeds.
func (wo *WorkloadOrchestrator) Delete(ctx context.Context, name string) error {
	containers, err := wo.listWorkloadContainers(ctx, name)
	if err != nil {
		return err
	}
	if len(containers) == 0 {
		wo.logger.Debug("No containers to delete", zap.String("name", name))
		return nil
	}

	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID)
	}
	if failed := wo.removeContainers(ctx, ids); len(failed) > 0 {
		return fmt.Errorf("failed to remove containers of %s: %v", name, failed)
	}
	wo.logger.Info("Workload deleted", zap.String("name", name), zap.Int("containers", len(ids)))
	return nil
}

// Scale adds or removes replicas so the workload runs exactly replicas containers.
// New replicas copy the image, network and env of the first existing replica.
func (wo *WorkloadOrchestrator) Scale(ctx context.Context, name string, replicas int) (*Workload, error) {
	if replicas < 0 {
		return nil, fmt.Errorf("replicas must not be negative")
	}
	containers, err := wo.listWorkloadContainers(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(containers) == 0 {
		return nil, fmt.Errorf("workload %s: %w", name, federation.ErrWorkloadNotFound)
	}

	template, err := wo.client.ContainerInspect(ctx, containers[0].ID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to inspect template container")
	}
	req := deployRequestFromContainer(name, template)

	current := len(containers)
	switch {
	case replicas > current:
		highest := highestReplica(containers)
		var created []string
		for i := highest + 1; i <= highest+replicas-current; i++ {
			id, err := wo.startReplica(ctx, req, i)
			if id != "" {
				created = append(created, id)
			}
			if err != nil {
				wo.removeContainers(context.WithoutCancel(ctx), created)
				return nil, err
			}
		}
	case replicas < current:
		// remove the highest numbered replicas first
		var ids []string
		for _, c := range containers[replicas:] {
			ids = append(ids, c.ID)
		}
		if failed := wo.removeContainers(ctx, ids); len(failed) > 0 {
			return nil, fmt.Errorf("failed to remove containers of %s: %v", name, failed)
		}
	}
	wo.logger.Info("Workload scaled", zap.String("name", name), zap.Int("from", current), zap.Int("to", replicas))

	return wo.GetWorkload(ctx, name)
}

// GetWorkload describes the workload's current replicas
func (wo *WorkloadOrchestrator) GetWorkload(ctx context.Context, name string) (*Workload, error) {
	containers, err := wo.listWorkloadContainers(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(containers) == 0 {
		return nil, fmt.Errorf("workload %s: %w", name, federation.ErrWorkloadNotFound)
	}
	return workloadFromSummaries(name, containers), nil
}

// ListWorkloads returns every workload the orchestrator manages on this host
func (wo *WorkloadOrchestrator) ListWorkloads(ctx context.Context) ([]*Workload, error) {
	containers, err := wo.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelWorkload)),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list containers")
	}

	grouped := make(map[string][]container.Summary)
	for _, c := range containers {
		name := c.Labels[LabelWorkload]
		grouped[name] = append(grouped[name], c)
	}
	names := make([]string, 0, len(grouped))
	for name := range grouped {
		names = append(names, name)
	}
	sort.Strings(names)

	workloads := make([]*Workload, 0, len(names))
	for _, name := range names {
		members := grouped[name]
		sortByReplica(members)
		workloads = append(workloads, workloadFromSummaries(name, members))
	}
	return workloads, nil
}

// ResourceUsage samples CPU and memory for every replica of the workload
func (wo *WorkloadOrchestrator) ResourceUsage(ctx context.Context, name string) ([]*ContainerUsage, error) {
	containers, err := wo.listWorkloadContainers(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(containers) == 0 {
		return nil, fmt.Errorf("workload %s: %w", name, federation.ErrWorkloadNotFound)
	}

	usage := make([]*ContainerUsage, 0, len(containers))
	for _, c := range containers {
		stats, err := wo.client.ContainerStatsOneShot(ctx, c.ID)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to get stats for %s", summaryName(c))
		}
		var sample container.StatsResponse
		err = json.NewDecoder(stats.Body).Decode(&sample)
		stats.Body.Close()
		if err != nil {
			return nil, errors.Wrap(err, "failed to decode stats")
		}
		usage = append(usage, &ContainerUsage{
			Container:        summaryName(c),
			ContainerId:      c.ID,
			CpuPercent:       calculateCPUPercent(&sample),
			MemoryBytes:      sample.MemoryStats.Usage,
			MemoryLimitBytes: sample.MemoryStats.Limit,
		})
	}
	return usage, nil
}

// EnsureNetwork creates a bridge network for spec, or returns the existing one with the same name
func (wo *WorkloadOrchestrator) EnsureNetwork(ctx context.Context, spec *NetworkSpec) (*NetworkInfo, error) {
	if spec == nil || spec.Name == "" {
		return nil, fmt.Errorf("network name is required")
	}

	existing, err := wo.client.NetworkInspect(ctx, spec.Name, network.InspectOptions{})
	if err == nil {
		wo.logger.Debug("Network already exists", zap.String("name", spec.Name), zap.String("id", existing.ID))
		return networkInfo(existing), nil
	}
	if !errdefs.IsNotFound(err) {
		return nil, errors.Wrap(err, "failed to inspect network")
	}

	options := network.CreateOptions{Driver: DockerNetworkBridge}
	if spec.Subnet != "" {
		options.IPAM = &network.IPAM{
			Driver: "default",
			Config: []network.IPAMConfig{{Subnet: spec.Subnet, IPRange: spec.IpRange}},
		}
	}
	resp, err := wo.client.NetworkCreate(ctx, spec.Name, options)
	if err != nil {
		if !errdefs.IsConflict(err) {
			return nil, errors.Wrap(err, "failed to create network")
		}
		// created concurrently
		wo.logger.Debug("Network created concurrently", zap.String("name", spec.Name))
	} else if resp.Warning != "" {
		wo.logger.Warn("Network create warning", zap.String("name", spec.Name), zap.String("warning", resp.Warning))
	}

	created, err := wo.client.NetworkInspect(ctx, spec.Name, network.InspectOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to inspect created network")
	}
	wo.logger.Info("Created network", zap.String("name", spec.Name), zap.String("subnet", spec.Subnet), zap.String("id", created.ID))
	return networkInfo(created), nil
}

// InspectNetwork describes a network, including the host bridge interface backing it
func (wo *WorkloadOrchestrator) InspectNetwork(ctx context.Context, name string) (*NetworkInfo, error) {
	resp, err := wo.client.NetworkInspect(ctx, name, network.InspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("network %s: %w", name, federation.ErrNetworkNotFound)
		}
		return nil, errors.Wrap(err, "failed to inspect network")
	}
	return networkInfo(resp), nil
}

// RemoveNetwork disconnects any attached containers and removes the network. A missing network is not an error.
func (wo *WorkloadOrchestrator) RemoveNetwork(ctx context.Context, name string) error {
	resp, err := wo.client.NetworkInspect(ctx, name, network.InspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return errors.Wrap(err, "failed to inspect network")
	}
	for id := range resp.Containers {
		if err := wo.client.NetworkDisconnect(ctx, name, id, true); err != nil && !errdefs.IsNotFound(err) {
			return errors.Wrapf(err, "failed to disconnect %s from network", id)
		}
	}
	if err := wo.client.NetworkRemove(ctx, name); err != nil && !errdefs.IsNotFound(err) {
		return errors.Wrap(err, "failed to remove network")
	}
	wo.logger.Info("Removed network", zap.String("name", name))
	return nil
}

func (wo *WorkloadOrchestrator) Close() error {
	return wo.client.Close()
}

// listWorkloadContainers returns the workload's containers ordered by replica number
func (wo *WorkloadOrchestrator) listWorkloadContainers(ctx context.Context, name string) ([]container.Summary, error) {
	containers, err := wo.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelWorkload+"="+name)),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list containers")
	}
	sortByReplica(containers)
	return containers, nil
}

// removeContainers force-removes ids and returns the ones that could not be removed
func (wo *WorkloadOrchestrator) removeContainers(ctx context.Context, ids []string) []string {
	var failed []string
	for _, id := range ids {
		err := wo.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
		if err != nil && !errdefs.IsNotFound(err) {
			wo.logger.Error("Failed to remove container", zap.String("containerId", id), zap.Error(err))
			failed = append(failed, id)
		}
	}
	return failed
}

func deployRequestFromContainer(name string, info container.InspectResponse) *DeployRequest {
	req := &DeployRequest{Name: name, Replicas: 1}
	if info.Config != nil {
		req.Image = info.Config.Image
		req.Env = info.Config.Env
		for port := range info.Config.ExposedPorts {
			req.ContainerPort = port.Int()
			break
		}
	}
	if info.ContainerJSONBase != nil && info.HostConfig != nil {
		if mode := string(info.HostConfig.NetworkMode); mode != "" && mode != "default" {
			req.NetworkName = mode
		}
		for _, bindings := range info.HostConfig.PortBindings {
			if len(bindings) == 0 {
				continue
			}
			hostPort, err := strconv.Atoi(bindings[0].HostPort)
			if err != nil {
				continue
			}
			if info.Config != nil {
				replica, _ := strconv.Atoi(info.Config.Labels[LabelReplica])
				req.HostPortBase = hostPort - replica + 1
			}
		}
	}
	return req
}

func workloadFromSummaries(name string, containers []container.Summary) *Workload {
	w := &Workload{Name: name}
	for _, c := range containers {
		w.Containers = append(w.Containers, summaryName(c))
		if w.Image == "" {
			w.Image = c.Image
		}
		if w.NetworkName == "" && c.HostConfig.NetworkMode != "" && c.HostConfig.NetworkMode != "default" {
			w.NetworkName = c.HostConfig.NetworkMode
		}
	}
	return w
}

func drainPullProgress(reader io.Reader) error {
	decoder := json.NewDecoder(reader)
	for {
		var msg struct {
			Error string `json:"error"`
		}
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if msg.Error != "" {
			return errors.New(msg.Error)
		}
	}
}
