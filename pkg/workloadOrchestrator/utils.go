package workloadOrchestrator

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
)

const bridgeNameOption = "com.docker.network.bridge.name"

// ReplicaName returns the container name of replica i (1-based) of a workload
func ReplicaName(workload string, replica int) string {
	return fmt.Sprintf("%s_%d", workload, replica)
}

func replicaNames(workload string, from, to int) []string {
	names := make([]string, 0, to-from+1)
	for i := from; i <= to; i++ {
		names = append(names, ReplicaName(workload, i))
	}
	return names
}

func isBuiltinNetwork(name string) bool {
	switch name {
	case DockerNetworkBridge, DockerNetworkHost, DockerNetworkNone:
		return true
	}
	return false
}

func buildContainerConfig(req *DeployRequest, replica int) (*container.Config, *container.HostConfig, error) {
	containerConfig := &container.Config{
		Hostname: ReplicaName(req.Name, replica),
		Image:    req.Image,
		Env:      req.Env,
		Labels: map[string]string{
			LabelWorkload: req.Name,
			LabelReplica:  strconv.Itoa(replica),
		},
	}
	hostConfig := &container.HostConfig{}

	if req.ContainerPort > 0 {
		containerPort, err := nat.NewPort("tcp", strconv.Itoa(req.ContainerPort))
		if err != nil {
			return nil, nil, fmt.Errorf("invalid container port: %w", err)
		}
		containerConfig.ExposedPorts = nat.PortSet{containerPort: struct{}{}}
		if req.HostPortBase > 0 {
			hostConfig.PortBindings = nat.PortMap{
				containerPort: []nat.PortBinding{{
					HostIP:   "0.0.0.0",
					HostPort: strconv.Itoa(req.HostPortBase + replica - 1),
				}},
			}
		}
	}
	return containerConfig, hostConfig, nil
}

func replicaNumber(c container.Summary) int {
	if n, err := strconv.Atoi(c.Labels[LabelReplica]); err == nil {
		return n
	}
	name := summaryName(c)
	if idx := strings.LastIndex(name, "_"); idx >= 0 {
		if n, err := strconv.Atoi(name[idx+1:]); err == nil {
			return n
		}
	}
	return 0
}

func sortByReplica(containers []container.Summary) {
	sort.SliceStable(containers, func(i, j int) bool {
		return replicaNumber(containers[i]) < replicaNumber(containers[j])
	})
}

func highestReplica(containers []container.Summary) int {
	highest := 0
	for _, c := range containers {
		if n := replicaNumber(c); n > highest {
			highest = n
		}
	}
	return highest
}

// summaryName strips the leading slash docker puts on container names
func summaryName(c container.Summary) string {
	if len(c.Names) == 0 {
		return c.ID
	}
	return strings.TrimPrefix(c.Names[0], "/")
}

// BridgeName returns the host interface docker uses for a bridge network
func BridgeName(resp network.Inspect) string {
	if name, ok := resp.Options[bridgeNameOption]; ok && name != "" {
		return name
	}
	id := resp.ID
	if len(id) > 12 {
		id = id[:12]
	}
	return BridgeNamePrefix + id
}

func networkInfo(resp network.Inspect) *NetworkInfo {
	info := &NetworkInfo{
		Id:         resp.ID,
		Name:       resp.Name,
		BridgeName: BridgeName(resp),
	}
	if len(resp.IPAM.Config) > 0 {
		info.Subnet = resp.IPAM.Config[0].Subnet
	}
	for _, endpoint := range resp.Containers {
		info.Containers = append(info.Containers, endpoint.Name)
	}
	sort.Strings(info.Containers)
	return info
}

// calculateCPUPercent is the same formula the docker CLI uses for `docker stats`
func calculateCPUPercent(stats *container.StatsResponse) float64 {
	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)
	onlineCPUs := float64(stats.CPUStats.OnlineCPUs)
	if onlineCPUs == 0 {
		onlineCPUs = float64(len(stats.CPUStats.CPUUsage.PercpuUsage))
	}
	if systemDelta <= 0 || cpuDelta <= 0 {
		return 0
	}
	return (cpuDelta / systemDelta) * onlineCPUs * 100.0
}
