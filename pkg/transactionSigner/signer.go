package transactionSigner

import (
	"context"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TransactionSigner provides methods for signing Ethereum transactions
type TransactionSigner interface {
	// GetTransactOpts returns transaction options for creating unsigned transactions
	GetTransactOpts(ctx context.Context) (*bind.TransactOpts, error)

	// SignAndSendTransaction prices, signs and broadcasts tx. It returns as soon as the node accepts it;
	// waiting for inclusion is left to the caller.
	SignAndSendTransaction(ctx context.Context, tx *types.Transaction) (*types.Transaction, error)

	// GetFromAddress returns the address that will be used for signing
	GetFromAddress() common.Address
}
