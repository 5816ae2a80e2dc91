// Package agentClient drives a federation agent over its HTTP API.
package agentClient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/agent"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/agent/storage"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/agentServer"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/clients"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/eventNotifier"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/httpServer"
	"go.uber.org/zap"
)

var ErrAgentUnavailable = errors.New("agent unavailable")

type AgentClient struct {
	client *clients.JsonClient
}

func NewAgentClient(baseUrl string, cfg *clients.ClientConfig, logger *zap.Logger) (*AgentClient, error) {
	c, err := clients.NewJsonClient(baseUrl, cfg, ErrAgentUnavailable, logger)
	if err != nil {
		return nil, err
	}
	return &AgentClient{client: c}, nil
}

// do maps agent-local error codes back onto their sentinels
func (c *AgentClient) do(ctx context.Context, method, path string, in, out any) error {
	err := c.client.Do(ctx, method, path, in, out)
	var re *httpServer.RequestError
	if err == nil || !errors.As(err, &re) {
		return err
	}
	switch re.Code {
	case agentServer.CodeRoleDisabled:
		return fmt.Errorf("%s: %w", re.Message, agent.ErrRoleDisabled)
	case agentServer.CodeServiceNotTracked:
		return fmt.Errorf("%s: %w", re.Message, agent.ErrServiceNotTracked)
	case agentServer.CodeSubscriptionNotFound:
		return fmt.Errorf("%s: %w", re.Message, eventNotifier.ErrSubscriptionNotFound)
	}
	return err
}

func (c *AgentClient) RegisterOperator(ctx context.Context, name string) (*agentServer.TransactionResponse, error) {
	var tx agentServer.TransactionResponse
	if err := c.do(ctx, http.MethodPost, "/operator", &agentServer.RegisterOperatorRequest{Name: name}, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (c *AgentClient) RemoveOperator(ctx context.Context) (*agentServer.TransactionResponse, error) {
	var tx agentServer.TransactionResponse
	if err := c.do(ctx, http.MethodDelete, "/operator", nil, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (c *AgentClient) GetOperatorStatus(ctx context.Context) (*agent.OperatorStatus, error) {
	var status agent.OperatorStatus
	if err := c.do(ctx, http.MethodGet, "/operator", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Consume starts a consumer lifecycle and returns its service id without waiting for it to finish
func (c *AgentClient) Consume(ctx context.Context, req *agent.ConsumeRequest) (string, error) {
	var resp agentServer.ConsumeResponse
	if err := c.do(ctx, http.MethodPost, "/consumer/services", req, &resp); err != nil {
		return "", err
	}
	return resp.ServiceId, nil
}

func (c *AgentClient) StartProvider(ctx context.Context) (*agentServer.ProviderStatus, error) {
	var status agentServer.ProviderStatus
	if err := c.do(ctx, http.MethodPost, "/provider/start", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *AgentClient) StopProvider(ctx context.Context) (*agentServer.ProviderStatus, error) {
	var status agentServer.ProviderStatus
	if err := c.do(ctx, http.MethodPost, "/provider/stop", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *AgentClient) ListServices(ctx context.Context) ([]*storage.LifecycleRecord, error) {
	var records []*storage.LifecycleRecord
	if err := c.do(ctx, http.MethodGet, "/services", nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (c *AgentClient) GetService(ctx context.Context, serviceId string) (*storage.LifecycleRecord, error) {
	var rec storage.LifecycleRecord
	if err := c.do(ctx, http.MethodGet, "/services/"+url.PathEscape(serviceId), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *AgentClient) TerminateService(ctx context.Context, serviceId string) error {
	return c.do(ctx, http.MethodDelete, "/services/"+url.PathEscape(serviceId), nil, nil)
}

func (c *AgentClient) Subscribe(ctx context.Context, req *eventNotifier.SubscriptionRequest) (*eventNotifier.Subscription, error) {
	var sub eventNotifier.Subscription
	if err := c.do(ctx, http.MethodPost, "/subscriptions", req, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (c *AgentClient) ListSubscriptions(ctx context.Context) ([]*eventNotifier.Subscription, error) {
	var subs []*eventNotifier.Subscription
	if err := c.do(ctx, http.MethodGet, "/subscriptions", nil, &subs); err != nil {
		return nil, err
	}
	return subs, nil
}

func (c *AgentClient) Unsubscribe(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/subscriptions/"+url.PathEscape(id), nil, nil)
}
