package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/httpServer"
	"go.uber.org/zap"
)

// ClientConfig controls timeouts and the circuit breaker of a JSON client
type ClientConfig struct {
	// Timeout bounds a single request; zero leaves it to the caller's context
	Timeout time.Duration
	// FailureThreshold consecutive transport failures open the circuit
	FailureThreshold int
	// OpenDuration is how long an open circuit rejects calls before letting one through
	OpenDuration time.Duration
}

func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Timeout:          2 * time.Minute,
		FailureThreshold: 5,
		OpenDuration:     30 * time.Second,
	}
}

// JsonClient talks to a JSON API and decodes error bodies into typed errors. Transport failures are
// wrapped in unavailable so callers can treat them as transient.
type JsonClient struct {
	baseUrl     string
	config      *ClientConfig
	httpClient  *http.Client
	unavailable error
	logger      *zap.Logger

	mu                  sync.Mutex
	consecutiveFailures int
	openedAt            time.Time
	now                 func() time.Time
}

func NewJsonClient(baseUrl string, cfg *ClientConfig, unavailable error, logger *zap.Logger) (*JsonClient, error) {
	u, err := url.Parse(baseUrl)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", baseUrl)
	}
	if cfg == nil {
		cfg = DefaultClientConfig()
	}
	return &JsonClient{
		baseUrl:     strings.TrimSuffix(baseUrl, "/"),
		config:      cfg,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		unavailable: unavailable,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// IsCircuitOpen reports whether calls are currently short-circuited
func (c *JsonClient) IsCircuitOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isOpenLocked()
}

func (c *JsonClient) isOpenLocked() bool {
	if c.config.FailureThreshold <= 0 || c.consecutiveFailures < c.config.FailureThreshold {
		return false
	}
	return c.now().Sub(c.openedAt) < c.config.OpenDuration
}

func (c *JsonClient) recordResult(transportErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if transportErr == nil {
		if c.consecutiveFailures >= c.config.FailureThreshold && c.config.FailureThreshold > 0 {
			c.logger.Sugar().Infow("Circuit closed", "baseUrl", c.baseUrl)
		}
		c.consecutiveFailures = 0
		return
	}
	c.consecutiveFailures++
	if c.config.FailureThreshold > 0 && c.consecutiveFailures >= c.config.FailureThreshold {
		c.openedAt = c.now()
		c.logger.Sugar().Warnw("Circuit opened",
			"baseUrl", c.baseUrl,
			"consecutiveFailures", c.consecutiveFailures,
			"error", transportErr,
		)
	}
}

// Do sends in as the JSON body and decodes a 2xx response into out. Either may be nil.
func (c *JsonClient) Do(ctx context.Context, method, path string, in, out any) error {
	if c.IsCircuitOpen() {
		return fmt.Errorf("%s %s: circuit open: %w", method, path, c.unavailable)
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseUrl+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// cancelled calls do not count against the circuit
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.recordResult(err)
		return fmt.Errorf("%s %s: %v: %w", method, path, err, c.unavailable)
	}
	defer resp.Body.Close()
	c.recordResult(nil)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return httpServer.ReadError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}
