package testUtils

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// FakeDocker is an in-memory docker daemon for tests. Containers get addresses 10.0.0.N in creation order.
type fakeContainer struct {
	id         string
	name       string
	config     *container.Config
	hostConfig *container.HostConfig
	running    bool
	networks   map[string]string
}

type FakeDocker struct {
	mu         sync.Mutex
	Images     map[string]bool
	Pullable   map[string]bool
	containers map[string]*fakeContainer
	networks   map[string]*network.Inspect
	nextId     int
	nextIp     int

	FailStartOn string
	ExecOutput  string
	ExecStderr  string
	ExecExit    int
	Execs       map[string]string
}

func NewFakeDocker() *FakeDocker {
	return &FakeDocker{
		Images:     map[string]bool{"nginx:latest": true},
		Pullable:   map[string]bool{},
		containers: map[string]*fakeContainer{},
		networks:   map[string]*network.Inspect{},
		Execs:      map[string]string{},
	}
}

func (f *FakeDocker) id() string {
	f.nextId++
	return fmt.Sprintf("%064d", f.nextId)
}

func (f *FakeDocker) ImageInspect(ctx context.Context, imageID string, _ ...client.ImageInspectOption) (image.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.Images[imageID] {
		return image.InspectResponse{}, errdefs.NotFound(errors.New("no such image"))
	}
	return image.InspectResponse{ID: imageID}, nil
}

func (f *FakeDocker) ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.Pullable[ref] {
		return nil, errdefs.NotFound(fmt.Errorf("pull access denied for %s", ref))
	}
	f.Images[ref] = true
	return io.NopCloser(strings.NewReader(`{"status":"Pulling"}` + "\n" + `{"status":"Downloaded"}`)), nil
}

func (f *FakeDocker) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.containers {
		if c.name == containerName {
			return container.CreateResponse{}, errdefs.Conflict(errors.New("name in use"))
		}
	}
	c := &fakeContainer{id: f.id(), name: containerName, config: config, hostConfig: hostConfig, networks: map[string]string{}}
	if networkingConfig != nil {
		for n := range networkingConfig.EndpointsConfig {
			f.nextIp++
			c.networks[n] = fmt.Sprintf("10.0.0.%d", f.nextIp)
		}
	}
	f.containers[c.id] = c
	return container.CreateResponse{ID: c.id}, nil
}

func (f *FakeDocker) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return errdefs.NotFound(errors.New("no such container"))
	}
	if f.FailStartOn != "" && c.name == f.FailStartOn {
		return errors.New("port is already allocated")
	}
	c.running = true
	return nil
}

func (f *FakeDocker) lookup(idOrName string) *fakeContainer {
	if c, ok := f.containers[idOrName]; ok {
		return c
	}
	for _, c := range f.containers {
		if c.name == idOrName {
			return c
		}
	}
	return nil
}

func (f *FakeDocker) ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.lookup(containerID)
	if c == nil {
		return container.InspectResponse{}, errdefs.NotFound(errors.New("no such container"))
	}
	status := "created"
	if c.running {
		status = "running"
	}
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:         c.id,
			Name:       "/" + c.name,
			State:      &container.State{Status: status, Running: c.running},
			HostConfig: c.hostConfig,
		},
		Config: c.config,
	}, nil
}

func (f *FakeDocker) ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []container.Summary
	for _, c := range f.containers {
		if !matchesLabels(c.config.Labels, options.Filters.Get("label")) {
			continue
		}
		s := container.Summary{
			ID:              c.id,
			Names:           []string{"/" + c.name},
			Image:           c.config.Image,
			Labels:          c.config.Labels,
			NetworkSettings: &container.NetworkSettingsSummary{Networks: map[string]*network.EndpointSettings{}},
		}
		s.HostConfig.NetworkMode = string(c.hostConfig.NetworkMode)
		for n, ip := range c.networks {
			s.NetworkSettings.Networks[n] = &network.EndpointSettings{IPAddress: ip}
		}
		out = append(out, s)
	}
	return out, nil
}

func matchesLabels(labels map[string]string, wanted []string) bool {
	for _, w := range wanted {
		key, value, hasValue := strings.Cut(w, "=")
		actual, ok := labels[key]
		if !ok || (hasValue && actual != value) {
			return false
		}
	}
	return true
}

func (f *FakeDocker) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[containerID]; !ok {
		return errdefs.NotFound(errors.New("no such container"))
	}
	delete(f.containers, containerID)
	return nil
}

func (f *FakeDocker) ContainerStatsOneShot(ctx context.Context, containerID string) (container.StatsResponseReader, error) {
	stats := container.StatsResponse{}
	stats.CPUStats.CPUUsage.TotalUsage = 300
	stats.PreCPUStats.CPUUsage.TotalUsage = 100
	stats.CPUStats.SystemUsage = 2000
	stats.PreCPUStats.SystemUsage = 1000
	stats.CPUStats.OnlineCPUs = 2
	stats.MemoryStats.Usage = 64 << 20
	stats.MemoryStats.Limit = 512 << 20
	body, _ := json.Marshal(stats)
	return container.StatsResponseReader{Body: io.NopCloser(bytes.NewReader(body)), OSType: "linux"}, nil
}

func (f *FakeDocker) ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.lookup(containerID)
	if c == nil {
		return container.ExecCreateResponse{}, errdefs.NotFound(errors.New("no such container"))
	}
	id := f.id()
	f.Execs[id] = strings.Join(options.Cmd, " ")
	return container.ExecCreateResponse{ID: id}, nil
}

func (f *FakeDocker) ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (types.HijackedResponse, error) {
	var buf bytes.Buffer
	if _, err := stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.ExecOutput)); err != nil {
		return types.HijackedResponse{}, err
	}
	if f.ExecStderr != "" {
		if _, err := stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.ExecStderr)); err != nil {
			return types.HijackedResponse{}, err
		}
	}
	conn, peer := net.Pipe()
	_ = peer.Close()
	return types.HijackedResponse{Conn: conn, Reader: bufio.NewReader(&buf)}, nil
}

func (f *FakeDocker) ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error) {
	return container.ExecInspect{ExecID: execID, ExitCode: f.ExecExit}, nil
}

func (f *FakeDocker) NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.networks[name]; ok {
		return network.CreateResponse{}, errdefs.Conflict(errors.New("network exists"))
	}
	n := &network.Inspect{Name: name, ID: f.id(), Driver: options.Driver, Containers: map[string]network.EndpointResource{}}
	if options.IPAM != nil {
		n.IPAM = *options.IPAM
	}
	f.networks[name] = n
	return network.CreateResponse{ID: n.ID}, nil
}

func (f *FakeDocker) NetworkInspect(ctx context.Context, networkID string, options network.InspectOptions) (network.Inspect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.networks[networkID]
	if !ok {
		return network.Inspect{}, errdefs.NotFound(errors.New("no such network"))
	}
	return *n, nil
}

func (f *FakeDocker) NetworkConnect(ctx context.Context, networkID, containerID string, config *network.EndpointSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.networks[networkID]
	if !ok {
		return errdefs.NotFound(errors.New("no such network"))
	}
	c := f.lookup(containerID)
	if c == nil {
		return errdefs.NotFound(errors.New("no such container"))
	}
	if _, ok := c.networks[networkID]; ok {
		return errdefs.Forbidden(errors.New("endpoint already exists"))
	}
	f.nextIp++
	c.networks[networkID] = fmt.Sprintf("10.0.0.%d", f.nextIp)
	n.Containers[c.id] = network.EndpointResource{Name: c.name}
	return nil
}

func (f *FakeDocker) NetworkDisconnect(ctx context.Context, networkID, containerID string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.networks[networkID]; ok {
		delete(n.Containers, containerID)
	}
	if c := f.lookup(containerID); c != nil {
		delete(c.networks, networkID)
	}
	return nil
}

func (f *FakeDocker) NetworkRemove(ctx context.Context, networkID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.networks[networkID]
	if !ok {
		return errdefs.NotFound(errors.New("no such network"))
	}
	if len(n.Containers) > 0 {
		return errdefs.Forbidden(errors.New("network has active endpoints"))
	}
	delete(f.networks, networkID)
	return nil
}

func (f *FakeDocker) Close() error { return nil }

// ContainerCount is the number of containers that exist, running or not
func (f *FakeDocker) ContainerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

