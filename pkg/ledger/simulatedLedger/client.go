package simulatedLedger

import (
	"context"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/federation"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/ledger"
	"github.com/ethereum/go-ethereum/common"
)

// Client is one account's view of a SimulatedLedger.
type Client struct {
	ledger  *SimulatedLedger
	address common.Address
}

var _ ledger.Client = (*Client)(nil)

func (c *Client) Address() common.Address {
	return c.address
}

func (c *Client) Submit(ctx context.Context, call *federation.Call) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	return c.ledger.submit(c.address, call)
}

func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*ledger.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.ledger.receipt(txHash)
}

func (c *Client) GetBidCount(ctx context.Context, serviceId string) (uint64, error) {
	return c.ledger.registry.GetBidCount(serviceId, c.address)
}

func (c *Client) GetBid(ctx context.Context, serviceId string, index uint64) (*federation.Bid, error) {
	return c.ledger.registry.GetBid(serviceId, index, c.address)
}

func (c *Client) IsWinner(ctx context.Context, serviceId string, address common.Address) (bool, error) {
	return c.ledger.registry.IsWinner(serviceId, address)
}

func (c *Client) GetServiceState(ctx context.Context, serviceId string) (federation.ServiceState, error) {
	return c.ledger.registry.GetServiceState(serviceId)
}

func (c *Client) GetServiceInfo(ctx context.Context, serviceId string) (*federation.ServiceInfo, error) {
	return c.ledger.registry.GetServiceInfo(serviceId, c.address)
}

func (c *Client) IsRegistered(ctx context.Context, address common.Address) (bool, error) {
	return c.ledger.registry.IsRegistered(address)
}

// LatestBlock returns the newest block that satisfies the confirmation depth.
func (c *Client) LatestBlock(ctx context.Context) (uint64, error) {
	head := c.ledger.Head()
	if head < c.ledger.config.Confirmations {
		return 0, nil
	}
	return head - c.ledger.config.Confirmations, nil
}

func (c *Client) FilterEvents(ctx context.Context, fromBlock, toBlock uint64) ([]*federation.Event, error) {
	return c.ledger.filterEvents(fromBlock, toBlock), nil
}
