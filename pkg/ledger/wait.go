package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/federation"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/retry"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

type WaitConfig struct {
	// Timeout bounds the whole wait
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
	// PollInterval is the first delay between receipt polls; it grows by the backoff multiplier
	PollInterval time.Duration `json:"pollInterval" yaml:"pollInterval"`
	MaxPollInterval time.Duration `json:"maxPollInterval" yaml:"maxPollInterval"`
}

func DefaultWaitConfig() *WaitConfig {
	return &WaitConfig{
		Timeout:         2 * time.Minute,
		PollInterval:    500 * time.Millisecond,
		MaxPollInterval: 5 * time.Second,
	}
}

// ErrTransactionReverted is returned for a final receipt with a failed status when no protocol error
// could be decoded.
var ErrTransactionReverted = errors.New("transaction reverted")

// WaitForReceipt polls for the receipt of txHash until it is final. Pending and unavailable ledgers are
// retried with backoff; a reverted transaction returns the receipt together with its protocol error.
func WaitForReceipt(ctx context.Context, client Submitter, txHash common.Hash, cfg *WaitConfig, l *zap.Logger) (*Receipt, error) {
	if cfg == nil {
		cfg = DefaultWaitConfig()
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	retryCfg := &retry.RetryConfig{
		// bounded by the context deadline rather than an attempt count
		MaxRetries:        int(^uint(0) >> 1),
		InitialDelay:      cfg.PollInterval,
		MaxDelay:          cfg.MaxPollInterval,
		BackoffMultiplier: 1.5,
	}

	var receipt *Receipt
	err := retry.Do(ctx, retryCfg, func(ctx context.Context) error {
		r, err := client.TransactionReceipt(ctx, txHash)
		if err != nil {
			return err
		}
		receipt = r
		return nil
	}, retry.WithOnRetry(func(attempt int, delay time.Duration, err error) {
		l.Sugar().Debugw("Transaction not final yet",
			zap.String("txHash", txHash.String()),
			zap.Int("attempt", attempt),
			zap.Duration("nextPoll", delay),
			zap.Error(err),
		)
	}))
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, federation.ErrTimeout) {
			return nil, fmt.Errorf("waiting for receipt %s: %w: %w", txHash.String(), federation.ErrTimeout, err)
		}
		return nil, fmt.Errorf("waiting for receipt %s: %w", txHash.String(), err)
	}

	if receipt.Status != ReceiptStatus_Succeeded {
		if receipt.Err != nil {
			return receipt, fmt.Errorf("transaction %s reverted: %w", txHash.String(), receipt.Err)
		}
		return receipt, fmt.Errorf("%w: %s", ErrTransactionReverted, txHash.String())
	}
	return receipt, nil
}

// SubmitAndWait submits call and waits for it to be final.
func SubmitAndWait(ctx context.Context, client Submitter, call *federation.Call, cfg *WaitConfig, l *zap.Logger) (*Receipt, error) {
	txHash, err := client.Submit(ctx, call)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", call.String(), err)
	}
	l.Sugar().Infow("Submitted transaction",
		zap.String("call", call.String()),
		zap.String("txHash", txHash.String()),
	)
	receipt, err := WaitForReceipt(ctx, client, txHash, cfg, l)
	if err != nil {
		return receipt, fmt.Errorf("%s: %w", call.String(), err)
	}
	return receipt, nil
}
