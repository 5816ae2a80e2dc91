package transactionSigner

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var FallbackGasTipCap = big.NewInt(15000000000)

// PrivateKeySigner implements TransactionSigner using a private key
type PrivateKeySigner struct {
	*SigningContext
	privateKey  *ecdsa.PrivateKey
	fromAddress common.Address

	// sendMu serializes sends so concurrent callers sharing the account never reuse a nonce
	sendMu    sync.Mutex
	nextNonce *uint64
}

// NewPrivateKeySigner creates a new private key signer
func NewPrivateKeySigner(privateKeyHex string, signingContext *SigningContext) (*PrivateKeySigner, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	publicKey := privateKey.Public()
	publicKeyECDSA, ok := publicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("failed to get public key ECDSA")
	}

	return &PrivateKeySigner{
		SigningContext: signingContext,
		privateKey:     privateKey,
		fromAddress:    crypto.PubkeyToAddress(*publicKeyECDSA),
	}, nil
}

// GetTransactOpts returns transaction options for creating unsigned transactions
func (pks *PrivateKeySigner) GetTransactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(pks.privateKey, pks.SigningContext.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	opts.NoSend = true
	opts.Context = ctx
	return opts, nil
}

// GetFromAddress returns the address that will be used for signing
func (pks *PrivateKeySigner) GetFromAddress() common.Address {
	return pks.fromAddress
}

// SignAndSendTransaction re-prices tx, assigns it the account's next nonce and broadcasts it.
// Gas estimation runs the call against the latest state, so a transaction that would revert fails
// here with the node's revert error.
func (pks *PrivateKeySigner) SignAndSendTransaction(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	pks.sendMu.Lock()
	defer pks.sendMu.Unlock()

	sugar := pks.SigningContext.logger.Sugar()
	client := pks.SigningContext.ethClient

	opts, err := bind.NewKeyedTransactorWithChainID(pks.privateKey, pks.SigningContext.chainID)
	if err != nil {
		return nil, fmt.Errorf("cannot create transactOpts: %w", err)
	}
	opts.Context = ctx

	callMsg := ethereum.CallMsg{
		From: pks.fromAddress,
		To:   tx.To(),
		Data: tx.Data(),
	}

	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch latest header: %w", err)
	}
	if header.BaseFee != nil {
		gasTipCap, err := client.SuggestGasTipCap(ctx)
		if err != nil {
			// the backend may not support eth_maxPriorityFeePerGas
			sugar.Debugw("Cannot get gasTipCap, using fallback", "error", err.Error())
			gasTipCap = FallbackGasTipCap
		}
		// header basefee * 3/2
		overestimatedBasefee := new(big.Int).Div(new(big.Int).Mul(header.BaseFee, big.NewInt(3)), big.NewInt(2))
		opts.GasTipCap = gasTipCap
		opts.GasFeeCap = new(big.Int).Add(overestimatedBasefee, gasTipCap)
		callMsg.GasTipCap = opts.GasTipCap
		callMsg.GasFeeCap = opts.GasFeeCap
	} else {
		// pre-London permissioned networks such as a zero-gas Besu/QBFT chain
		gasPrice, err := client.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to suggest gas price: %w", err)
		}
		opts.GasPrice = gasPrice
		callMsg.GasPrice = gasPrice
	}

	gasLimit, err := client.EstimateGas(ctx, callMsg)
	if err != nil {
		return nil, err
	}
	opts.GasLimit = addGasBuffer(gasLimit)

	nonce, err := pks.reserveNonce(ctx)
	if err != nil {
		return nil, err
	}
	opts.Nonce = new(big.Int).SetUint64(nonce)

	contract := bind.NewBoundContract(*tx.To(), abi.ABI{}, client, client, client)
	sent, err := contract.RawTransact(opts, tx.Data())
	if err != nil {
		// the nonce was not consumed; resync from the node next time
		pks.nextNonce = nil
		return nil, fmt.Errorf("failed to send transaction: %w", err)
	}

	sugar.Infow("Sent transaction",
		"txHash", sent.Hash().Hex(),
		"nonce", nonce,
		"gasLimit", opts.GasLimit,
	)
	return sent, nil
}

func (pks *PrivateKeySigner) reserveNonce(ctx context.Context) (uint64, error) {
	pending, err := pks.SigningContext.ethClient.PendingNonceAt(ctx, pks.fromAddress)
	if err != nil {
		return 0, fmt.Errorf("failed to get pending nonce: %w", err)
	}
	nonce := pending
	if pks.nextNonce != nil && *pks.nextNonce > nonce {
		nonce = *pks.nextNonce
	}
	next := nonce + 1
	pks.nextNonce = &next
	return nonce, nil
}

// addGasBuffer adds a buffer to the gas limit
func addGasBuffer(gasLimit uint64) uint64 {
	return 6 * gasLimit / 5 // add 20% buffer to gas limit
}
