// Package hostManagerClient drives a remote host manager over its HTTP API.
package hostManagerClient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/clients"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/federation"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/hostManager"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/overlay"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/workloadOrchestrator"
	"go.uber.org/zap"
)

// HostManagerClient implements the host operations an agent needs against a remote host manager.
// Transport failures surface as federation.ErrHostUnavailable.
type HostManagerClient struct {
	client *clients.JsonClient
}

func NewHostManagerClient(baseUrl string, cfg *clients.ClientConfig, logger *zap.Logger) (*HostManagerClient, error) {
	c, err := clients.NewJsonClient(baseUrl, cfg, federation.ErrHostUnavailable, logger)
	if err != nil {
		return nil, err
	}
	return &HostManagerClient{client: c}, nil
}

func (c *HostManagerClient) ConfigureTunnel(ctx context.Context, spec *overlay.TunnelSpec) (*overlay.Tunnel, error) {
	var tunnel overlay.Tunnel
	if err := c.client.Do(ctx, http.MethodPost, "/tunnels", spec, &tunnel); err != nil {
		return nil, err
	}
	return &tunnel, nil
}

func (c *HostManagerClient) TeardownTunnel(ctx context.Context, vxlanId uint32, networkName string) error {
	path := fmt.Sprintf("/tunnels/%d", vxlanId)
	if networkName != "" {
		path += "?network=" + url.QueryEscape(networkName)
	}
	return c.client.Do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *HostManagerClient) ListTunnels(ctx context.Context) ([]*overlay.Tunnel, error) {
	var tunnels []*overlay.Tunnel
	if err := c.client.Do(ctx, http.MethodGet, "/tunnels", nil, &tunnels); err != nil {
		return nil, err
	}
	return tunnels, nil
}

func (c *HostManagerClient) Deploy(ctx context.Context, req *workloadOrchestrator.DeployRequest) (*workloadOrchestrator.Workload, error) {
	var workload workloadOrchestrator.Workload
	if err := c.client.Do(ctx, http.MethodPost, "/workloads", req, &workload); err != nil {
		return nil, err
	}
	return &workload, nil
}

func (c *HostManagerClient) AttachToNetwork(ctx context.Context, containerId, networkName string) error {
	path := fmt.Sprintf("/containers/%s/networks/%s", url.PathEscape(containerId), url.PathEscape(networkName))
	return c.client.Do(ctx, http.MethodPost, path, nil, nil)
}

func (c *HostManagerClient) Exec(ctx context.Context, containerId, command string) (*workloadOrchestrator.ExecResult, error) {
	var result workloadOrchestrator.ExecResult
	path := fmt.Sprintf("/containers/%s/exec", url.PathEscape(containerId))
	if err := c.client.Do(ctx, http.MethodPost, path, &hostManager.ExecRequest{Command: command}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *HostManagerClient) ListEndpoints(ctx context.Context, name string) ([]*workloadOrchestrator.Endpoint, error) {
	var endpoints []*workloadOrchestrator.Endpoint
	path := fmt.Sprintf("/workloads/%s/endpoints", url.PathEscape(name))
	if err := c.client.Do(ctx, http.MethodGet, path, nil, &endpoints); err != nil {
		return nil, err
	}
	return endpoints, nil
}

func (c *HostManagerClient) Delete(ctx context.Context, name string) error {
	return c.client.Do(ctx, http.MethodDelete, "/workloads/"+url.PathEscape(name), nil, nil)
}

func (c *HostManagerClient) Scale(ctx context.Context, name string, replicas int) (*workloadOrchestrator.Workload, error) {
	var workload workloadOrchestrator.Workload
	path := fmt.Sprintf("/workloads/%s/replicas", url.PathEscape(name))
	if err := c.client.Do(ctx, http.MethodPut, path, &hostManager.ScaleRequest{Replicas: replicas}, &workload); err != nil {
		return nil, err
	}
	return &workload, nil
}

func (c *HostManagerClient) ResourceUsage(ctx context.Context, name string) ([]*workloadOrchestrator.ContainerUsage, error) {
	var usage []*workloadOrchestrator.ContainerUsage
	path := fmt.Sprintf("/workloads/%s/usage", url.PathEscape(name))
	if err := c.client.Do(ctx, http.MethodGet, path, nil, &usage); err != nil {
		return nil, err
	}
	return usage, nil
}

func (c *HostManagerClient) Cleanup(ctx context.Context, prefix string) (*hostManager.CleanupResult, error) {
	var result hostManager.CleanupResult
	if err := c.client.Do(ctx, http.MethodPost, "/cleanup", &hostManager.CleanupRequest{Prefix: prefix}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
