package agentServer

import (
	"context"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/agent"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/agent/storage"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/eventNotifier"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/ledger"
)

// Error codes for agent-local failures that have no federation code
const (
	CodeRoleDisabled         = "RoleDisabled"
	CodeServiceNotTracked    = "ServiceNotTracked"
	CodeSubscriptionNotFound = "SubscriptionNotFound"
)

// FederationAgent is the part of *agent.Agent served over HTTP
type FederationAgent interface {
	RegisterOperator(ctx context.Context, name string) (*ledger.Receipt, error)
	RemoveOperator(ctx context.Context) (*ledger.Receipt, error)
	GetOperatorStatus(ctx context.Context) (*agent.OperatorStatus, error)
	StartConsumer(ctx context.Context, req *agent.ConsumeRequest) (string, error)
	StartProvider(ctx context.Context) error
	StopProvider()
	IsProviding() bool
	GetService(ctx context.Context, serviceId string) (*storage.LifecycleRecord, error)
	ListServices(ctx context.Context) ([]*storage.LifecycleRecord, error)
	TerminateService(ctx context.Context, serviceId string) error
}

type Notifier interface {
	Subscribe(ctx context.Context, req *eventNotifier.SubscriptionRequest) (*eventNotifier.Subscription, error)
	Unsubscribe(id string) error
	List() []*eventNotifier.Subscription
}

type RegisterOperatorRequest struct {
	// Name defaults to the agent's domain name
	Name string `json:"name,omitempty"`
}

type TransactionResponse struct {
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
	Status      string `json:"status"`
}

func newTransactionResponse(r *ledger.Receipt) *TransactionResponse {
	return &TransactionResponse{
		TxHash:      r.TxHash.String(),
		BlockNumber: r.BlockNumber,
		Status:      r.Status.String(),
	}
}

type ConsumeResponse struct {
	ServiceId string `json:"serviceId"`
}

type ProviderStatus struct {
	Providing bool `json:"providing"`
}
