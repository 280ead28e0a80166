package messaging

import (
	"context"
	"log/slog"
	"time"
)

const (
	DefaultPrefetch    = 10
	DefaultCallTimeout = 30 * time.Second
	DefaultReplyGrace  = time.Second
)

// transportConfig is shared by the broker-backed transports
type transportConfig struct {
	prefetch  int
	namespace string
	timeout   time.Duration
	grace     time.Duration
	logger    *slog.Logger
	metrics   *Metrics
}

// TransportOption configures TopicTransport and RPCTransport
type TransportOption func(*transportConfig)

// WithPrefetch bounds unacknowledged deliveries per listener
func WithPrefetch(prefetch int) TransportOption {
	return func(c *transportConfig) {
		c.prefetch = prefetch
	}
}

// WithNamespace sets the work queue namespace
func WithNamespace(namespace string) TransportOption {
	return func(c *transportConfig) {
		c.namespace = namespace
	}
}

// WithCallTimeout sets the timeout applied to calls whose context has no deadline.
// Zero disables it.
func WithCallTimeout(timeout time.Duration) TransportOption {
	return func(c *transportConfig) {
		c.timeout = timeout
	}
}

// WithReplyGrace sets the delay before an answered reply queue is deleted
func WithReplyGrace(grace time.Duration) TransportOption {
	return func(c *transportConfig) {
		c.grace = grace
	}
}

// WithTransportLogger sets the transport logger
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(c *transportConfig) {
		c.logger = logger
	}
}

// WithTransportMetrics sets the metrics the transport updates
func WithTransportMetrics(metrics *Metrics) TransportOption {
	return func(c *transportConfig) {
		c.metrics = metrics
	}
}

func newTransportConfig(options []TransportOption) transportConfig {
	cfg := transportConfig{
		prefetch: DefaultPrefetch,
		timeout:  DefaultCallTimeout,
		grace:    DefaultReplyGrace,
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(&cfg)
	}
	if cfg.prefetch <= 0 {
		cfg.prefetch = DefaultPrefetch
	}
	return cfg
}

type deliveryFunc func(ctx context.Context, delivery Delivery, acker *onceAcker)

// concurrently runs fn for each delivery on its own goroutine, at most limit at a time.
// The consumer is blocked while the limit is reached.
func concurrently(ctx context.Context, limit int, fn deliveryFunc) func(Delivery) {
	if limit <= 0 {
		limit = 1
	}
	sem := make(chan struct{}, limit)

	return func(delivery Delivery) {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		go func() {
			defer func() { <-sem }()
			acker := newOnceAcker(delivery)
			fn(WithAcknowledger(ctx, acker), delivery, acker)
		}()
	}
}

func exchangeSetupKey(exchange string) string {
	return "exchange:" + exchange
}

func queueSetupKey(queue string) string {
	return "queue:" + queue
}

func replySetupKey(queue string) string {
	return "reply:" + queue
}
