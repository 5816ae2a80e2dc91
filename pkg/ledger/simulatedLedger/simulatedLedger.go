// Package simulatedLedger is an in-process ledger that orders transactions into blocks sealed on an
// interval and applies them through the registry state machine. Receipts only become visible once their
// block is sealed, which reproduces the asynchronous finality of a real chain.
package simulatedLedger

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/federation"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/ledger"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/registry"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/registry/storage"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

type SimulatedLedgerConfig struct {
	// BlockInterval is how often a block is sealed. Zero disables automatic sealing; tests call SealBlock.
	BlockInterval time.Duration `json:"blockInterval" yaml:"blockInterval"`
	// Confirmations is how many blocks must follow a transaction's block before its receipt is final
	Confirmations uint64 `json:"confirmations" yaml:"confirmations"`
}

func DefaultSimulatedLedgerConfig() *SimulatedLedgerConfig {
	return &SimulatedLedgerConfig{
		BlockInterval: 200 * time.Millisecond,
		Confirmations: 0,
	}
}

type pendingTx struct {
	hash   common.Hash
	caller common.Address
	call   *federation.Call
}

type SimulatedLedger struct {
	config   *SimulatedLedgerConfig
	registry *registry.Registry
	logger   *zap.Logger

	mu       sync.Mutex
	head     uint64
	pending  []*pendingTx
	known    map[common.Hash]bool
	receipts map[common.Hash]*ledger.Receipt
	events   []*federation.Event
	nonces   map[common.Address]uint64
	now      func() time.Time
}

func NewSimulatedLedger(config *SimulatedLedgerConfig, store storage.RegistryStore, logger *zap.Logger) *SimulatedLedger {
	if config == nil {
		config = DefaultSimulatedLedgerConfig()
	}
	return &SimulatedLedger{
		config:   config,
		registry: registry.NewRegistry(store, logger),
		logger:   logger,
		known:    make(map[common.Hash]bool),
		receipts: make(map[common.Hash]*ledger.Receipt),
		nonces:   make(map[common.Address]uint64),
		now:      time.Now,
	}
}

// Start seals blocks every BlockInterval until ctx is done.
func (s *SimulatedLedger) Start(ctx context.Context) error {
	if s.config.BlockInterval <= 0 {
		return fmt.Errorf("block interval must be greater than 0")
	}
	s.logger.Sugar().Infow("Simulated ledger starting", "blockInterval", s.config.BlockInterval.String())

	go func() {
		ticker := time.NewTicker(s.config.BlockInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.logger.Sugar().Infow("Simulated ledger stopping", "head", s.Head())
				return
			case <-ticker.C:
				s.SealBlock()
			}
		}
	}()
	return nil
}

func (s *SimulatedLedger) Head() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head
}

// SealBlock applies every queued transaction in submission order as the next block and returns its number.
func (s *SimulatedLedger) SealBlock() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.head++
	blockNumber := s.head
	txs := s.pending
	s.pending = nil

	var logIndex uint
	for _, ptx := range txs {
		receipt := &ledger.Receipt{TxHash: ptx.hash, BlockNumber: blockNumber}
		result, err := s.registry.Execute(&registry.TxContext{
			Caller:      ptx.caller,
			BlockNumber: blockNumber,
			Timestamp:   s.now(),
		}, ptx.call)
		if err != nil {
			receipt.Status = ledger.ReceiptStatus_Reverted
			receipt.Err = err
			s.logger.Sugar().Infow("Transaction reverted",
				"txHash", ptx.hash.String(),
				"call", ptx.call.String(),
				"block", blockNumber,
				"error", err,
			)
		} else {
			receipt.Status = ledger.ReceiptStatus_Succeeded
			for _, e := range result.Events {
				e.BlockNumber = blockNumber
				e.TxHash = ptx.hash
				e.LogIndex = logIndex
				logIndex++
				receipt.Events = append(receipt.Events, e)
				s.events = append(s.events, e)
			}
		}
		s.receipts[ptx.hash] = receipt
	}
	if len(txs) > 0 {
		s.logger.Sugar().Debugw("Sealed block", "block", blockNumber, "txCount", len(txs))
	}
	return blockNumber
}

// ClientFor returns a ledger client that signs as address.
func (s *SimulatedLedger) ClientFor(address common.Address) *Client {
	return &Client{ledger: s, address: address}
}

func (s *SimulatedLedger) submit(caller common.Address, call *federation.Call) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// mirror gas estimation: reject calls that fail against the latest state
	if err := s.registry.DryRun(&registry.TxContext{
		Caller:      caller,
		BlockNumber: s.head + 1,
		Timestamp:   s.now(),
	}, call); err != nil {
		return common.Hash{}, err
	}

	nonce := s.nonces[caller]
	s.nonces[caller] = nonce + 1

	payload, err := json.Marshal(call)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode call: %w", err)
	}
	hash := crypto.Keccak256Hash(caller.Bytes(), common.BigToHash(new(big.Int).SetUint64(nonce)).Bytes(), payload)

	s.pending = append(s.pending, &pendingTx{hash: hash, caller: caller, call: call})
	s.known[hash] = true
	return hash, nil
}

func (s *SimulatedLedger) receipt(hash common.Hash) (*ledger.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.known[hash] {
		return nil, fmt.Errorf("unknown transaction %s", hash.String())
	}
	r, ok := s.receipts[hash]
	if !ok || r.BlockNumber+s.config.Confirmations > s.head {
		return nil, federation.ErrTransactionPending
	}
	rc := *r
	return &rc, nil
}

func (s *SimulatedLedger) filterEvents(fromBlock, toBlock uint64) []*federation.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*federation.Event
	for _, e := range s.events {
		if e.BlockNumber < fromBlock {
			continue
		}
		if e.BlockNumber > toBlock {
			break
		}
		ec := *e
		out = append(out, &ec)
	}
	return out
}
