package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/federation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(maxRetries int) *RetryConfig {
	return &RetryConfig{
		MaxRetries:        maxRetries,
		InitialDelay:      time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()
	assert.Equal(t, 5, config.MaxRetries)
	assert.Equal(t, 1*time.Second, config.InitialDelay)
	assert.Equal(t, 30*time.Second, config.MaxDelay)
	assert.Equal(t, 2.0, config.BackoffMultiplier)
	assert.Equal(t, 10*time.Second, config.AttemptTimeout)
}

func TestRetryConfig_Delay(t *testing.T) {
	config := DefaultRetryConfig()
	assert.Equal(t, 1*time.Second, config.Delay(0))
	assert.Equal(t, 2*time.Second, config.Delay(1))
	assert.Equal(t, 16*time.Second, config.Delay(4))
	assert.Equal(t, 30*time.Second, config.Delay(5))
	assert.Equal(t, 30*time.Second, config.Delay(50))

	uncapped := &RetryConfig{InitialDelay: time.Second, BackoffMultiplier: 2}
	assert.Equal(t, 4*time.Second, uncapped.Delay(2))
}

func TestDo(t *testing.T) {
	t.Run("retries transient errors until success", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), fastConfig(5), func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return fmt.Errorf("receipt: %w", federation.ErrTransactionPending)
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("protocol errors are returned immediately", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), fastConfig(5), func(ctx context.Context) error {
			calls++
			return federation.ErrServiceNotOpen
		})
		assert.ErrorIs(t, err, federation.ErrServiceNotOpen)
		assert.Equal(t, 1, calls)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), fastConfig(2), func(ctx context.Context) error {
			calls++
			return errors.New("dial tcp: connection refused")
		})
		assert.ErrorIs(t, err, ErrRetriesExhausted)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops when the context is cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cfg := fastConfig(100)
		cfg.InitialDelay = time.Hour
		cfg.MaxDelay = time.Hour
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()
		err := Do(ctx, cfg, func(ctx context.Context) error {
			return federation.ErrLedgerUnavailable
		})
		assert.ErrorIs(t, err, federation.ErrTimeout)
		assert.ErrorIs(t, err, federation.ErrLedgerUnavailable)
	})

	t.Run("custom retryable and retry hook", func(t *testing.T) {
		var attempts []int
		sentinel := errors.New("custom")
		err := Do(context.Background(), fastConfig(2), func(ctx context.Context) error {
			return sentinel
		},
			WithRetryable(func(err error) bool { return errors.Is(err, sentinel) }),
			WithOnRetry(func(attempt int, delay time.Duration, err error) { attempts = append(attempts, attempt) }),
		)
		assert.ErrorIs(t, err, sentinel)
		assert.Equal(t, []int{1, 2}, attempts)
	})
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.True(t, IsRetryableError(federation.ErrHostUnavailable))
	assert.False(t, IsRetryableError(federation.ErrTunnelAlreadyExists))
	assert.True(t, IsRetryableError(context.DeadlineExceeded))
	assert.True(t, IsRetryableError(errors.New("read tcp: i/o timeout")))
	assert.False(t, IsRetryableError(errors.New("bad request")))
}
