package ledgerPoller

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/agent/storage"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/chainPoller"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/ledger"
	"go.uber.org/zap"
)

type LedgerPollerConfig struct {
	PollingInterval time.Duration `json:"pollingInterval" yaml:"pollingInterval"`
	// MaxBlockRange caps how many blocks one FilterEvents call spans
	MaxBlockRange uint64 `json:"maxBlockRange" yaml:"maxBlockRange"`
	// MaxConsecutiveErrors stops the poller after this many failed polls in a row. Zero never stops.
	MaxConsecutiveErrors int `json:"maxConsecutiveErrors" yaml:"maxConsecutiveErrors"`
	// StartBlock is where a poller without a saved cursor begins. Nil starts at the current head.
	StartBlock *uint64 `json:"startBlock,omitempty" yaml:"startBlock,omitempty"`
}

func DefaultLedgerPollerConfig() *LedgerPollerConfig {
	return &LedgerPollerConfig{
		PollingInterval:      time.Second,
		MaxBlockRange:        500,
		MaxConsecutiveErrors: 0,
	}
}

var ErrTooManyErrors = errors.New("too many consecutive polling errors")

type LedgerPoller struct {
	source  ledger.EventSource
	cursor  chainPoller.BlockCursor
	handler chainPoller.EventHandler
	config  *LedgerPollerConfig
	logger  *zap.Logger

	lastProcessedBlock atomic.Uint64
}

var _ chainPoller.IChainPoller = (*LedgerPoller)(nil)

func NewLedgerPoller(
	source ledger.EventSource,
	cursor chainPoller.BlockCursor,
	handler chainPoller.EventHandler,
	config *LedgerPollerConfig,
	logger *zap.Logger,
) *LedgerPoller {
	if config == nil {
		config = DefaultLedgerPollerConfig()
	}
	return &LedgerPoller{
		source:  source,
		cursor:  cursor,
		handler: handler,
		config:  config,
		logger:  logger,
	}
}

// Run polls until ctx is cancelled, the handler fails, or MaxConsecutiveErrors polls fail in a row.
func (lp *LedgerPoller) Run(ctx context.Context) error {
	if lp.config.PollingInterval <= 0 {
		return fmt.Errorf("polling interval must be greater than 0")
	}
	if err := lp.initCursor(ctx); err != nil {
		return err
	}

	lp.logger.Sugar().Infow("Starting ledger poller",
		"pollingInterval", lp.config.PollingInterval.String(),
		"lastProcessedBlock", lp.lastProcessedBlock.Load(),
	)

	ticker := time.NewTicker(lp.config.PollingInterval)
	defer ticker.Stop()

	consecutiveErrors := 0
	for {
		select {
		case <-ctx.Done():
			lp.logger.Sugar().Infow("Ledger poller context cancelled, exiting poll loop")
			return nil
		case <-ticker.C:
			err := lp.processNewBlocks(ctx)
			if err == nil {
				consecutiveErrors = 0
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			var handlerErr *handlerError
			if errors.As(err, &handlerErr) {
				return handlerErr.err
			}
			consecutiveErrors++
			lp.logger.Sugar().Warnw("Error polling ledger",
				zap.Int("consecutiveErrors", consecutiveErrors),
				zap.Error(err),
			)
			if lp.config.MaxConsecutiveErrors > 0 && consecutiveErrors >= lp.config.MaxConsecutiveErrors {
				return fmt.Errorf("%w: %w", ErrTooManyErrors, err)
			}
		}
	}
}

func (lp *LedgerPoller) initCursor(ctx context.Context) error {
	last, err := lp.cursor.GetLastProcessedBlock(ctx)
	if err == nil {
		lp.lastProcessedBlock.Store(last)
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to load block cursor: %w", err)
	}

	if lp.config.StartBlock != nil {
		if *lp.config.StartBlock > 0 {
			lp.lastProcessedBlock.Store(*lp.config.StartBlock - 1)
		}
		return nil
	}
	head, err := lp.source.LatestBlock(ctx)
	if err != nil {
		return fmt.Errorf("failed to get latest block: %w", err)
	}
	lp.lastProcessedBlock.Store(head)
	return nil
}

type handlerError struct {
	err error
}

func (e *handlerError) Error() string { return e.err.Error() }
func (e *handlerError) Unwrap() error { return e.err }

func (lp *LedgerPoller) processNewBlocks(ctx context.Context) error {
	head, err := lp.source.LatestBlock(ctx)
	if err != nil {
		return err
	}

	last := lp.lastProcessedBlock.Load()
	// the ledger is behind our cursor or has nothing new
	if head <= last {
		return nil
	}

	for from := last + 1; from <= head; {
		to := head
		if lp.config.MaxBlockRange > 0 && to-from+1 > lp.config.MaxBlockRange {
			to = from + lp.config.MaxBlockRange - 1
		}

		events, err := lp.source.FilterEvents(ctx, from, to)
		if err != nil {
			return err
		}
		if len(events) > 0 {
			lp.logger.Sugar().Debugw("Fetched registry events",
				zap.Uint64("fromBlock", from),
				zap.Uint64("toBlock", to),
				zap.Int("eventCount", len(events)),
			)
		}
		for _, e := range events {
			if err := lp.handler(ctx, e); err != nil {
				return &handlerError{err: fmt.Errorf("handling %s for %q at block %d: %w", e.Type, e.ServiceId, e.BlockNumber, err)}
			}
		}

		if err := lp.cursor.SetLastProcessedBlock(ctx, to); err != nil {
			return fmt.Errorf("failed to save block cursor: %w", err)
		}
		lp.lastProcessedBlock.Store(to)
		from = to + 1
	}
	return nil
}

func (lp *LedgerPoller) LastProcessedBlock() uint64 {
	return lp.lastProcessedBlock.Load()
}
