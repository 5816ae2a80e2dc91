package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/federation"
)

// RetryConfig contains configuration for retry behavior
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts after the first try
	MaxRetries int `json:"maxRetries" yaml:"maxRetries"`
	// InitialDelay is the initial delay between retries
	InitialDelay time.Duration `json:"initialDelay" yaml:"initialDelay"`
	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration `json:"maxDelay" yaml:"maxDelay"`
	// BackoffMultiplier is the multiplier for exponential backoff
	BackoffMultiplier float64 `json:"backoffMultiplier" yaml:"backoffMultiplier"`
	// AttemptTimeout bounds a single attempt. Zero means no per-attempt bound.
	AttemptTimeout time.Duration `json:"attemptTimeout" yaml:"attemptTimeout"`
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:        5,
		InitialDelay:      1 * time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		AttemptTimeout:    10 * time.Second,
	}
}

// Delay returns how long to wait before retry number attempt (starting at 0).
func (c *RetryConfig) Delay(attempt int) time.Duration {
	delay := c.InitialDelay
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * c.BackoffMultiplier)
		if c.MaxDelay > 0 && delay > c.MaxDelay {
			return c.MaxDelay
		}
	}
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		return c.MaxDelay
	}
	return delay
}

// ErrRetriesExhausted wraps the last error once every attempt has failed.
var ErrRetriesExhausted = errors.New("retries exhausted")

type options struct {
	isRetryable func(error) bool
	onRetry     func(attempt int, delay time.Duration, err error)
}

type Option func(*options)

// WithRetryable overrides which errors are worth another attempt.
func WithRetryable(fn func(error) bool) Option {
	return func(o *options) {
		o.isRetryable = fn
	}
}

// WithOnRetry is called before sleeping ahead of each retry.
func WithOnRetry(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(o *options) {
		o.onRetry = fn
	}
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts run out or ctx is done.
// By default transient federation errors and network failures are retried.
func Do(ctx context.Context, cfg *RetryConfig, fn func(ctx context.Context) error, opts ...Option) error {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	o := &options{isRetryable: IsRetryableError}
	for _, opt := range opts {
		opt(o)
	}

	var err error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		err = runAttempt(ctx, cfg, fn)
		if err == nil {
			return nil
		}
		if !o.isRetryable(err) {
			return err
		}
		if attempt == cfg.MaxRetries {
			break
		}

		delay := cfg.Delay(attempt)
		if o.onRetry != nil {
			o.onRetry(attempt+1, delay, err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", federation.ErrTimeout, err)
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, cfg.MaxRetries+1, err)
}

func runAttempt(ctx context.Context, cfg *RetryConfig, fn func(ctx context.Context) error) error {
	if cfg.AttemptTimeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, cfg.AttemptTimeout)
	defer cancel()
	return fn(attemptCtx)
}

// IsRetryableError checks if an error is retryable
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if federation.IsTransient(err) {
		return true
	}
	var fe *federation.Error
	if errors.As(err, &fe) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := err.Error()
	return strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection timeout") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "network is unreachable") ||
		strings.Contains(errStr, "i/o timeout") ||
		strings.Contains(errStr, "EOF")
}
