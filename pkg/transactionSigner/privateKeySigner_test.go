package transactionSigner

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeBackend records sent transactions and answers gas queries with fixed values
type fakeBackend struct {
	mu           sync.Mutex
	baseFee      *big.Int
	pendingNonce uint64
	estimateErr  error
	sent         []*types.Transaction
}

func (f *fakeBackend) CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error) {
	return []byte{0x1}, nil
}

func (f *fakeBackend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return nil, nil
}

func (f *fakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(10), BaseFee: f.baseFee}, nil
}

func (f *fakeBackend) PendingCodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	return []byte{0x1}, nil
}

func (f *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return f.pendingNonce, nil
}

func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return nil, errors.New("method not supported")
}

func (f *fakeBackend) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 100000, nil
}

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (f *fakeBackend) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return nil, errors.New("not supported")
}

func (f *fakeBackend) ChainID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1337), nil
}

func newTestKeyHex(t *testing.T) (string, common.Address) {
	privateKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	return "0x" + common.Bytes2Hex(crypto.FromECDSA(privateKey)), crypto.PubkeyToAddress(privateKey.PublicKey)
}

func TestNewPrivateKeySigner(t *testing.T) {
	signingContext := &SigningContext{
		ethClient: nil,
		logger:    zaptest.NewLogger(t),
		chainID:   big.NewInt(1337),
	}

	keyHex, address := newTestKeyHex(t)
	signer, err := NewPrivateKeySigner(keyHex, signingContext)
	require.NoError(t, err)
	assert.Equal(t, address, signer.GetFromAddress())

	// the 0x prefix is optional
	signer, err = NewPrivateKeySigner(keyHex[2:], signingContext)
	require.NoError(t, err)
	assert.Equal(t, address, signer.GetFromAddress())

	_, err = NewPrivateKeySigner("invalid-key", signingContext)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse private key")
}

func TestPrivateKeySigner_GetTransactOpts(t *testing.T) {
	signingContext := &SigningContext{
		ethClient: nil,
		logger:    zaptest.NewLogger(t),
		chainID:   big.NewInt(1337),
	}
	keyHex, address := newTestKeyHex(t)
	signer, err := NewPrivateKeySigner(keyHex, signingContext)
	require.NoError(t, err)

	ctx := context.Background()
	opts, err := signer.GetTransactOpts(ctx)
	require.NoError(t, err)

	assert.Equal(t, address, opts.From)
	assert.True(t, opts.NoSend)
	assert.Equal(t, ctx, opts.Context)
}

func TestPrivateKeySigner_SignAndSendTransaction(t *testing.T) {
	to := common.HexToAddress("0x742d35Cc6634C0532925a3b8D39E1b86D8a10f23")
	unsigned := types.NewTransaction(0, to, big.NewInt(0), 0, big.NewInt(0), []byte{0xde, 0xad})

	t.Run("dynamic fee with fallback tip and sequential nonces", func(t *testing.T) {
		backend := &fakeBackend{baseFee: big.NewInt(1000), pendingNonce: 7}
		signingContext, err := NewSigningContext(context.Background(), backend, zaptest.NewLogger(t))
		require.NoError(t, err)
		keyHex, _ := newTestKeyHex(t)
		signer, err := NewPrivateKeySigner(keyHex, signingContext)
		require.NoError(t, err)

		first, err := signer.SignAndSendTransaction(context.Background(), unsigned)
		require.NoError(t, err)
		second, err := signer.SignAndSendTransaction(context.Background(), unsigned)
		require.NoError(t, err)

		assert.Equal(t, uint64(7), first.Nonce())
		assert.Equal(t, uint64(8), second.Nonce())
		assert.Equal(t, uint64(120000), first.Gas())
		assert.Equal(t, FallbackGasTipCap, first.GasTipCap())
		assert.Equal(t, new(big.Int).Add(big.NewInt(1500), FallbackGasTipCap), first.GasFeeCap())
		assert.Len(t, backend.sent, 2)
	})

	t.Run("legacy pricing without base fee", func(t *testing.T) {
		backend := &fakeBackend{}
		signingContext, err := NewSigningContext(context.Background(), backend, zaptest.NewLogger(t))
		require.NoError(t, err)
		keyHex, _ := newTestKeyHex(t)
		signer, err := NewPrivateKeySigner(keyHex, signingContext)
		require.NoError(t, err)

		sent, err := signer.SignAndSendTransaction(context.Background(), unsigned)
		require.NoError(t, err)
		assert.Equal(t, uint8(types.LegacyTxType), sent.Type())
	})

	t.Run("estimation failure is returned", func(t *testing.T) {
		backend := &fakeBackend{baseFee: big.NewInt(1), estimateErr: errors.New("execution reverted")}
		signingContext, err := NewSigningContext(context.Background(), backend, zaptest.NewLogger(t))
		require.NoError(t, err)
		keyHex, _ := newTestKeyHex(t)
		signer, err := NewPrivateKeySigner(keyHex, signingContext)
		require.NoError(t, err)

		_, err = signer.SignAndSendTransaction(context.Background(), unsigned)
		assert.ErrorContains(t, err, "execution reverted")
		assert.Empty(t, backend.sent)
	})
}

func TestCreateSigner(t *testing.T) {
	keyHex, address := newTestKeyHex(t)
	signer, err := CreateSigner(context.Background(), &SignerConfig{Type: SignerType_PrivateKey, PrivateKey: keyHex}, &fakeBackend{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, address, signer.GetFromAddress())

	_, err = CreateSigner(context.Background(), &SignerConfig{Type: "web3signer"}, &fakeBackend{}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestAddressFromConfig(t *testing.T) {
	keyHex, address := newTestKeyHex(t)
	got, err := AddressFromConfig(&SignerConfig{PrivateKey: keyHex})
	require.NoError(t, err)
	assert.Equal(t, address, got)

	_, err = AddressFromConfig(&SignerConfig{PrivateKey: "0x01"})
	assert.Error(t, err)
	_, err = AddressFromConfig(nil)
	assert.Error(t, err)
}
