// Package ledger is the client-side view of the federation registry: submit a transaction, wait for its
// receipt, read committed state and scan emitted events.
package ledger

import (
	"context"
	"fmt"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/federation"
	"github.com/ethereum/go-ethereum/common"
)

type ReceiptStatus uint8

const (
	ReceiptStatus_Reverted ReceiptStatus = iota
	ReceiptStatus_Succeeded
)

func (s ReceiptStatus) String() string {
	if s == ReceiptStatus_Succeeded {
		return "succeeded"
	}
	return "reverted"
}

type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	Status      ReceiptStatus
	Events      []*federation.Event
	// Err is the decoded protocol error for a reverted transaction, if it could be determined
	Err error
}

// BidIndex returns the index assigned by a successful placeBid, derived from its NewBid event.
func (r *Receipt) BidIndex() (uint64, error) {
	for _, e := range r.Events {
		if e.Type == federation.EventType_NewBid && e.BidCount > 0 {
			return e.BidCount - 1, nil
		}
	}
	return 0, fmt.Errorf("receipt %s carries no NewBid event", r.TxHash.String())
}

type Submitter interface {
	// Submit sends call signed by the client's account and returns the transaction hash. Calls that would
	// certainly revert against the latest state fail here with the protocol error.
	Submit(ctx context.Context, call *federation.Call) (common.Hash, error)

	// TransactionReceipt returns federation.ErrTransactionPending until the transaction is final.
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*Receipt, error)
}

// Reader answers queries on behalf of the client's own address.
type Reader interface {
	GetBidCount(ctx context.Context, serviceId string) (uint64, error)
	GetBid(ctx context.Context, serviceId string, index uint64) (*federation.Bid, error)
	IsWinner(ctx context.Context, serviceId string, address common.Address) (bool, error)
	GetServiceState(ctx context.Context, serviceId string) (federation.ServiceState, error)
	GetServiceInfo(ctx context.Context, serviceId string) (*federation.ServiceInfo, error)
	IsRegistered(ctx context.Context, address common.Address) (bool, error)
}

type EventSource interface {
	LatestBlock(ctx context.Context) (uint64, error)
	// FilterEvents returns the registry events in [fromBlock, toBlock] in log order
	FilterEvents(ctx context.Context, fromBlock, toBlock uint64) ([]*federation.Event, error)
}

type Client interface {
	Submitter
	Reader
	EventSource

	Address() common.Address
}
