// Package ethereumLedger talks to the Federation contract deployed on an EVM chain (Besu/QBFT or anvil).
package ethereumLedger

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/adamzr2000/blockchain-mec-federation/contracts"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/config"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/federation"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/ledger"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/retry"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/transactionSigner"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

type EthereumLedgerConfig struct {
	RpcUrl string `json:"rpcUrl" yaml:"rpcUrl"`
	// ContractAddress overrides the well-known deployment for the chain
	ContractAddress string `json:"contractAddress,omitempty" yaml:"contractAddress,omitempty"`
	// Confirmations is how many blocks must follow a receipt's block before it is treated as final
	Confirmations uint64                          `json:"confirmations" yaml:"confirmations"`
	Signer        *transactionSigner.SignerConfig `json:"signer" yaml:"signer"`
}

func (c *EthereumLedgerConfig) Validate(path *field.Path) field.ErrorList {
	var allErrors field.ErrorList
	if c.RpcUrl == "" {
		allErrors = append(allErrors, field.Required(path.Child("rpcUrl"), "rpcUrl is required"))
	}
	if c.ContractAddress != "" && !common.IsHexAddress(c.ContractAddress) {
		allErrors = append(allErrors, field.Invalid(path.Child("contractAddress"), c.ContractAddress, "must be a hex address"))
	}
	if c.Signer == nil {
		allErrors = append(allErrors, field.Required(path.Child("signer"), "signer is required"))
	} else if c.Signer.PrivateKey == "" {
		allErrors = append(allErrors, field.Required(path.Child("signer", "privateKey"), "privateKey is required"))
	}
	return allErrors
}

// Backend is the subset of ethclient.Client the ledger needs.
type Backend interface {
	transactionSigner.EthBackend
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
}

type EthereumLedger struct {
	backend         Backend
	signer          transactionSigner.TransactionSigner
	contractAbi     *abi.ABI
	contract        *bind.BoundContract
	contractAddress common.Address
	chainId         *big.Int
	confirmations   uint64
	logger          *zap.Logger
}

var _ ledger.Client = (*EthereumLedger)(nil)

// Dial connects to cfg.RpcUrl and builds a ledger signing with the configured key.
func Dial(ctx context.Context, cfg *EthereumLedgerConfig, logger *zap.Logger) (*EthereumLedger, error) {
	client, err := ethclient.DialContext(ctx, cfg.RpcUrl)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w: %w", cfg.RpcUrl, federation.ErrLedgerUnavailable, err)
	}
	signer, err := transactionSigner.CreateSigner(ctx, cfg.Signer, client, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}
	return NewEthereumLedger(ctx, cfg, client, signer, logger)
}

func NewEthereumLedger(
	ctx context.Context,
	cfg *EthereumLedgerConfig,
	backend Backend,
	signer transactionSigner.TransactionSigner,
	logger *zap.Logger,
) (*EthereumLedger, error) {
	contractAbi, err := contracts.GetFederationAbi()
	if err != nil {
		return nil, err
	}

	chainId, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w: %w", federation.ErrLedgerUnavailable, err)
	}

	var contractAddress common.Address
	if cfg.ContractAddress != "" {
		contractAddress = common.HexToAddress(cfg.ContractAddress)
	} else {
		contractAddress, err = contracts.GetContractAddress(contracts.FederationContractName, contracts.CurrentVersion, config.ChainId(chainId.Uint64()))
		if err != nil {
			return nil, err
		}
	}

	logger.Sugar().Infow("Using federation contract",
		zap.String("address", contractAddress.String()),
		zap.Uint64("chainId", chainId.Uint64()),
		zap.String("account", signer.GetFromAddress().String()),
	)

	return &EthereumLedger{
		backend:         backend,
		signer:          signer,
		contractAbi:     contractAbi,
		contract:        bind.NewBoundContract(contractAddress, *contractAbi, backend, backend, backend),
		contractAddress: contractAddress,
		chainId:         chainId,
		confirmations:   cfg.Confirmations,
		logger:          logger,
	}, nil
}

func (l *EthereumLedger) Address() common.Address {
	return l.signer.GetFromAddress()
}

func (l *EthereumLedger) ContractAddress() common.Address {
	return l.contractAddress
}

func (l *EthereumLedger) Submit(ctx context.Context, call *federation.Call) (common.Hash, error) {
	data, err := packCall(l.contractAbi, call)
	if err != nil {
		return common.Hash{}, err
	}

	opts, err := l.signer.GetTransactOpts(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	unsigned := types.NewTx(&types.LegacyTx{
		To:   &l.contractAddress,
		Data: data,
	})
	sent, err := l.signer.SignAndSendTransaction(opts.Context, unsigned)
	if err != nil {
		return common.Hash{}, l.translateError(err)
	}
	return sent.Hash(), nil
}

func (l *EthereumLedger) TransactionReceipt(ctx context.Context, txHash common.Hash) (*ledger.Receipt, error) {
	r, err := l.backend.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, federation.ErrTransactionPending
		}
		return nil, l.translateError(err)
	}

	head, err := l.backend.BlockNumber(ctx)
	if err != nil {
		return nil, l.translateError(err)
	}
	blockNumber := r.BlockNumber.Uint64()
	if blockNumber+l.confirmations > head {
		return nil, federation.ErrTransactionPending
	}

	receipt := &ledger.Receipt{
		TxHash:      txHash,
		BlockNumber: blockNumber,
	}
	if r.Status == types.ReceiptStatusSuccessful {
		receipt.Status = ledger.ReceiptStatus_Succeeded
		for _, lg := range r.Logs {
			if lg.Address != l.contractAddress {
				continue
			}
			e, err := decodeLog(l.contractAbi, lg)
			if err != nil {
				l.logger.Sugar().Warnw("Failed to decode receipt log", zap.String("txHash", txHash.String()), zap.Error(err))
				continue
			}
			receipt.Events = append(receipt.Events, e)
		}
		return receipt, nil
	}

	receipt.Status = ledger.ReceiptStatus_Reverted
	receipt.Err = l.revertReason(ctx, txHash, r.BlockNumber)
	return receipt, nil
}

// revertReason replays a reverted transaction against the state of its block to recover the custom error.
func (l *EthereumLedger) revertReason(ctx context.Context, txHash common.Hash, blockNumber *big.Int) error {
	tx, _, err := l.backend.TransactionByHash(ctx, txHash)
	if err != nil {
		l.logger.Sugar().Debugw("Cannot fetch reverted transaction", zap.String("txHash", txHash.String()), zap.Error(err))
		return nil
	}
	from, err := types.Sender(types.LatestSignerForChainID(l.chainId), tx)
	if err != nil {
		return nil
	}
	_, err = l.backend.CallContract(ctx, ethereum.CallMsg{
		From: from,
		To:   tx.To(),
		Data: tx.Data(),
	}, blockNumber)
	if err == nil {
		return nil
	}
	if fedErr := l.decodeRevert(err); fedErr != nil {
		return fedErr
	}
	return nil
}

// decodeRevert extracts the custom error selector carried by a JSON-RPC revert error.
func (l *EthereumLedger) decodeRevert(err error) error {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return nil
	}
	var data []byte
	switch v := dataErr.ErrorData().(type) {
	case string:
		decoded, decodeErr := hexutil.Decode(v)
		if decodeErr != nil {
			return nil
		}
		data = decoded
	case []byte:
		data = v
	default:
		return nil
	}
	return errorFromRevertData(l.contractAbi, data)
}

// translateError maps node errors onto the federation taxonomy.
func (l *EthereumLedger) translateError(err error) error {
	if fedErr := l.decodeRevert(err); fedErr != nil {
		return fedErr
	}
	if retry.IsRetryableError(err) {
		return fmt.Errorf("%w: %w", federation.ErrLedgerUnavailable, err)
	}
	return err
}

func (l *EthereumLedger) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	var out []interface{}
	err := l.contract.Call(&bind.CallOpts{Context: ctx, From: l.Address()}, &out, method, args...)
	if err != nil {
		return nil, l.translateError(err)
	}
	return out, nil
}

func (l *EthereumLedger) GetBidCount(ctx context.Context, serviceId string) (uint64, error) {
	out, err := l.call(ctx, "getBidCount", serviceId, l.Address())
	if err != nil {
		return 0, err
	}
	count, err := toUint64(out[0])
	if err != nil {
		return 0, fmt.Errorf("bid count: %w", err)
	}
	return count, nil
}

func (l *EthereumLedger) GetBid(ctx context.Context, serviceId string, index uint64) (*federation.Bid, error) {
	out, err := l.call(ctx, "getBid", serviceId, new(big.Int).SetUint64(index), l.Address())
	if err != nil {
		return nil, err
	}
	price, err := toUint64(out[1])
	if err != nil {
		return nil, fmt.Errorf("bid %d price: %w: %w", index, federation.ErrInvalidPrice, err)
	}
	bidIndex, err := toUint64(out[3])
	if err != nil {
		return nil, fmt.Errorf("bid %d index: %w", index, err)
	}
	return &federation.Bid{
		ServiceId:        serviceId,
		Bidder:           *abi.ConvertType(out[0], new(common.Address)).(*common.Address),
		Price:            price,
		ProviderEndpoint: *abi.ConvertType(out[2], new(string)).(*string),
		Index:            bidIndex,
	}, nil
}

// toUint64 narrows a uint256 output, refusing values that do not fit instead of truncating them
func toUint64(out interface{}) (uint64, error) {
	v := abi.ConvertType(out, new(big.Int)).(*big.Int)
	if !v.IsUint64() {
		return 0, fmt.Errorf("value %s does not fit in 64 bits", v.String())
	}
	return v.Uint64(), nil
}

func (l *EthereumLedger) IsWinner(ctx context.Context, serviceId string, address common.Address) (bool, error) {
	out, err := l.call(ctx, "isWinner", serviceId, address)
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

func (l *EthereumLedger) GetServiceState(ctx context.Context, serviceId string) (federation.ServiceState, error) {
	out, err := l.call(ctx, "getServiceState", serviceId)
	if err != nil {
		return 0, err
	}
	return federation.ServiceState(*abi.ConvertType(out[0], new(uint8)).(*uint8)), nil
}

func (l *EthereumLedger) GetServiceInfo(ctx context.Context, serviceId string) (*federation.ServiceInfo, error) {
	out, err := l.call(ctx, "getServiceInfo", serviceId, l.Address())
	if err != nil {
		return nil, err
	}
	return &federation.ServiceInfo{
		ServiceId:           serviceId,
		State:               federation.ServiceState(*abi.ConvertType(out[0], new(uint8)).(*uint8)),
		Creator:             *abi.ConvertType(out[1], new(common.Address)).(*common.Address),
		Provider:            *abi.ConvertType(out[2], new(common.Address)).(*common.Address),
		CounterpartEndpoint: *abi.ConvertType(out[3], new(string)).(*string),
		Info:                *abi.ConvertType(out[4], new(string)).(*string),
	}, nil
}

func (l *EthereumLedger) IsRegistered(ctx context.Context, address common.Address) (bool, error) {
	out, err := l.call(ctx, "isRegistered", address)
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

// LatestBlock returns the newest block that satisfies the confirmation depth.
func (l *EthereumLedger) LatestBlock(ctx context.Context) (uint64, error) {
	head, err := l.backend.BlockNumber(ctx)
	if err != nil {
		return 0, l.translateError(err)
	}
	if head < l.confirmations {
		return 0, nil
	}
	return head - l.confirmations, nil
}

func (l *EthereumLedger) FilterEvents(ctx context.Context, fromBlock, toBlock uint64) ([]*federation.Event, error) {
	logs, err := l.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{l.contractAddress},
	})
	if err != nil {
		return nil, l.translateError(err)
	}

	events := make([]*federation.Event, 0, len(logs))
	for i := range logs {
		if logs[i].Removed {
			continue
		}
		e, err := decodeLog(l.contractAbi, &logs[i])
		if err != nil {
			l.logger.Sugar().Warnw("Skipping undecodable log",
				zap.Uint64("block", logs[i].BlockNumber),
				zap.String("txHash", logs[i].TxHash.String()),
				zap.Error(err),
			)
			continue
		}
		events = append(events, e)
	}
	return events, nil
}
