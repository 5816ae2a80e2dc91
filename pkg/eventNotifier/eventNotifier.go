// Package eventNotifier forwards registry events to HTTP callbacks registered at runtime.
package eventNotifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/federation"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/retry"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrInvalidSubscription  = errors.New("invalid subscription")
)

// EventSource is the part of the ledger used to replay recent blocks
type EventSource interface {
	LatestBlock(ctx context.Context) (uint64, error)
	FilterEvents(ctx context.Context, fromBlock, toBlock uint64) ([]*federation.Event, error)
}

type SubscriptionRequest struct {
	Event       federation.EventType `json:"event"`
	CallbackUrl string               `json:"callbackUrl"`
	// LastNBlocks replays matching events from that many recent blocks on subscribe
	LastNBlocks uint64 `json:"lastNBlocks,omitempty"`
}

type Subscription struct {
	Id string `json:"id"`
	SubscriptionRequest
	CreatedAt time.Time `json:"createdAt"`
}

// Notification is the JSON body POSTed to a callback
type Notification struct {
	SubscriptionId string            `json:"subscriptionId"`
	Event          *federation.Event `json:"event"`
}

type EventNotifierConfig struct {
	Workers         int           `json:"workers" yaml:"workers"`
	QueueSize       int           `json:"queueSize" yaml:"queueSize"`
	DeliveryTimeout time.Duration `json:"deliveryTimeout" yaml:"deliveryTimeout"`
	// Retry governs redelivery of failed callbacks
	Retry *retry.RetryConfig `json:"retry,omitempty" yaml:"retry,omitempty"`
}

func DefaultEventNotifierConfig() *EventNotifierConfig {
	return &EventNotifierConfig{
		Workers:         4,
		QueueSize:       256,
		DeliveryTimeout: 5 * time.Second,
		Retry: &retry.RetryConfig{
			MaxRetries:        2,
			InitialDelay:      500 * time.Millisecond,
			MaxDelay:          5 * time.Second,
			BackoffMultiplier: 2,
		},
	}
}

type delivery struct {
	callbackUrl  string
	notification *Notification
}

type EventNotifier struct {
	config     *EventNotifierConfig
	source     EventSource
	httpClient *http.Client
	logger     *zap.Logger
	queue      chan *delivery

	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	now           func() time.Time
}

func NewEventNotifier(cfg *EventNotifierConfig, source EventSource, logger *zap.Logger) *EventNotifier {
	if cfg == nil {
		cfg = DefaultEventNotifierConfig()
	}
	defaults := DefaultEventNotifierConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = defaults.DeliveryTimeout
	}
	if cfg.Retry == nil {
		cfg.Retry = defaults.Retry
	}
	return &EventNotifier{
		config:        cfg,
		source:        source,
		httpClient:    &http.Client{Timeout: cfg.DeliveryTimeout},
		logger:        logger,
		queue:         make(chan *delivery, cfg.QueueSize),
		subscriptions: make(map[string]*Subscription),
		now:           time.Now,
	}
}

func (req *SubscriptionRequest) Validate() error {
	if !federation.IsKnownEventType(string(req.Event)) {
		return fmt.Errorf("%w: unknown event %q", ErrInvalidSubscription, req.Event)
	}
	u, err := url.Parse(req.CallbackUrl)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: callbackUrl must be an http(s) URL", ErrInvalidSubscription)
	}
	return nil
}

// Subscribe registers a callback and replays matching events from the last LastNBlocks blocks
func (n *EventNotifier) Subscribe(ctx context.Context, req *SubscriptionRequest) (*Subscription, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	sub := &Subscription{
		Id:                  uuid.NewString(),
		SubscriptionRequest: *req,
		CreatedAt:           n.now(),
	}

	var history []*federation.Event
	if req.LastNBlocks > 0 {
		head, err := n.source.LatestBlock(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read latest block: %w", err)
		}
		if head > 0 {
			from := uint64(1)
			if head > req.LastNBlocks {
				from = head - req.LastNBlocks + 1
			}
			history, err = n.source.FilterEvents(ctx, from, head)
			if err != nil {
				return nil, fmt.Errorf("failed to replay blocks %d-%d: %w", from, head, err)
			}
		}
	}

	n.mu.Lock()
	n.subscriptions[sub.Id] = sub
	n.mu.Unlock()

	replayed := 0
	for _, e := range history {
		if e.Type == sub.Event {
			n.enqueue(sub, e)
			replayed++
		}
	}
	n.logger.Sugar().Infow("Added subscription",
		"id", sub.Id,
		"event", sub.Event,
		"callbackUrl", sub.CallbackUrl,
		"replayed", replayed,
	)
	out := *sub
	return &out, nil
}

func (n *EventNotifier) Unsubscribe(id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.subscriptions[id]; !ok {
		return fmt.Errorf("%s: %w", id, ErrSubscriptionNotFound)
	}
	delete(n.subscriptions, id)
	n.logger.Sugar().Infow("Removed subscription", "id", id)
	return nil
}

// List returns the subscriptions oldest first
func (n *EventNotifier) List() []*Subscription {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Subscription, 0, len(n.subscriptions))
	for _, s := range n.subscriptions {
		c := *s
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Id < out[j].Id
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// HandleEvent queues a notification for every matching subscription. It never blocks the poller.
func (n *EventNotifier) HandleEvent(ctx context.Context, event *federation.Event) error {
	n.mu.RLock()
	var matching []*Subscription
	for _, s := range n.subscriptions {
		if s.Event == event.Type {
			matching = append(matching, s)
		}
	}
	n.mu.RUnlock()
	for _, s := range matching {
		n.enqueue(s, event)
	}
	return nil
}

func (n *EventNotifier) enqueue(sub *Subscription, event *federation.Event) {
	d := &delivery{
		callbackUrl:  sub.CallbackUrl,
		notification: &Notification{SubscriptionId: sub.Id, Event: event},
	}
	select {
	case n.queue <- d:
	default:
		n.logger.Sugar().Warnw("Notification queue full, dropping event",
			"subscriptionId", sub.Id,
			"event", event.Type,
			"block", event.BlockNumber,
		)
	}
}

// Run delivers queued notifications until ctx is cancelled
func (n *EventNotifier) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n.config.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case d := <-n.queue:
					n.deliver(ctx, d)
				}
			}
		})
	}
	return g.Wait()
}

func (n *EventNotifier) deliver(ctx context.Context, d *delivery) {
	body, err := json.Marshal(d.notification)
	if err != nil {
		n.logger.Sugar().Errorw("Failed to encode notification", "error", err)
		return
	}
	err = retry.Do(ctx, n.config.Retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.callbackUrl, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := n.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%v: %w", err, errCallbackUnreachable)
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("callback answered %s: %w", resp.Status, errCallbackUnreachable)
		}
		if resp.StatusCode >= 300 {
			return fmt.Errorf("callback rejected notification: %s", resp.Status)
		}
		return nil
	}, retry.WithRetryable(func(err error) bool {
		return errors.Is(err, errCallbackUnreachable)
	}))
	if err != nil {
		n.logger.Sugar().Warnw("Failed to deliver notification",
			"subscriptionId", d.notification.SubscriptionId,
			"callbackUrl", d.callbackUrl,
			"event", d.notification.Event.Type,
			"error", err,
		)
		return
	}
	n.logger.Sugar().Debugw("Delivered notification",
		"subscriptionId", d.notification.SubscriptionId,
		"event", d.notification.Event.Type,
		"serviceId", d.notification.Event.ServiceId,
	)
}

var errCallbackUnreachable = errors.New("callback unreachable")
