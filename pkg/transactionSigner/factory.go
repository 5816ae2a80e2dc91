package transactionSigner

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

const (
	SignerType_PrivateKey = "private_key"
)

// SignerConfig represents configuration for creating signers
type SignerConfig struct {
	Type string `json:"type" yaml:"type"`

	PrivateKey string `json:"privateKey,omitempty" yaml:"privateKey,omitempty"`
}

// CreateSigner creates a signer based on configuration
func CreateSigner(ctx context.Context, config *SignerConfig, ethClient EthBackend, logger *zap.Logger) (TransactionSigner, error) {
	if config == nil {
		return nil, fmt.Errorf("signer config is required")
	}
	switch config.Type {
	case SignerType_PrivateKey, "":
		signingContext, err := NewSigningContext(ctx, ethClient, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create signing context: %w", err)
		}
		return NewPrivateKeySigner(config.PrivateKey, signingContext)
	default:
		return nil, fmt.Errorf("unsupported signer type: %s", config.Type)
	}
}

// AddressFromConfig derives the account address of a private key signer without a chain connection
func AddressFromConfig(config *SignerConfig) (common.Address, error) {
	if config == nil {
		return common.Address{}, fmt.Errorf("signer config is required")
	}
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(config.PrivateKey, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to parse private key: %w", err)
	}
	return crypto.PubkeyToAddress(privateKey.PublicKey), nil
}
