package chainPoller

import (
	"context"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/federation"
)

// IChainPoller streams registry events to a consumer until its context is cancelled.
type IChainPoller interface {
	Run(ctx context.Context) error
}

// EventHandler receives events in ledger order. Returning an error stops the poller before the
// block cursor moves past the failing event's range.
type EventHandler func(ctx context.Context, event *federation.Event) error

// BlockCursor persists the last block whose events were fully handled.
type BlockCursor interface {
	GetLastProcessedBlock(ctx context.Context) (uint64, error)
	SetLastProcessedBlock(ctx context.Context, blockNumber uint64) error
}

// FanOut hands each event to every handler in order, stopping at the first error
func FanOut(handlers ...EventHandler) EventHandler {
	return func(ctx context.Context, event *federation.Event) error {
		for _, h := range handlers {
			if err := h(ctx, event); err != nil {
				return err
			}
		}
		return nil
	}
}
