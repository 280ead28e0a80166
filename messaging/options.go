package messaging

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/glimte/courier/contracts"
	"github.com/glimte/courier/interceptors"
)

// PublishOption configures a single publish. Options are applied over the
// persistent JSON defaults of contracts.NewEnvelope.
type PublishOption func(*contracts.Envelope)

// WithPersistent sets persistent delivery
func WithPersistent(persistent bool) PublishOption {
	return func(env *contracts.Envelope) {
		env.Persistent = persistent
	}
}

// WithPriority sets the message priority
func WithPriority(priority uint8) PublishOption {
	return func(env *contracts.Envelope) {
		env.Priority = priority
	}
}

// WithExpiration sets the per-message TTL
func WithExpiration(ttl time.Duration) PublishOption {
	return func(env *contracts.Envelope) {
		env.Expiration = strconv.FormatInt(ttl.Milliseconds(), 10)
	}
}

// WithContentType overrides the content type
func WithContentType(contentType string) PublishOption {
	return func(env *contracts.Envelope) {
		env.ContentType = contentType
	}
}

// WithHeaders sets custom headers
func WithHeaders(headers map[string]interface{}) PublishOption {
	return func(env *contracts.Envelope) {
		if env.Headers == nil {
			env.Headers = make(map[string]interface{}, len(headers))
		}
		for k, v := range headers {
			env.Headers[k] = v
		}
	}
}

func newEnvelope(body []byte, options []PublishOption) contracts.Envelope {
	env := contracts.NewEnvelope(body)
	for _, opt := range options {
		opt(&env)
	}
	return env
}

// endpointConfig is shared by events, calls and listeners
type endpointConfig struct {
	logger       *slog.Logger
	codec        Codec
	metrics      *Metrics
	interceptors []interceptors.Interceptor
}

// Option configures an Event, Call or Listener
type Option func(*endpointConfig)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *endpointConfig) {
		c.logger = logger
	}
}

// WithCodec sets the payload codec
func WithCodec(codec Codec) Option {
	return func(c *endpointConfig) {
		c.codec = codec
	}
}

// WithMetrics records publish and consume metrics
func WithMetrics(metrics *Metrics) Option {
	return func(c *endpointConfig) {
		c.metrics = metrics
	}
}

// WithInterceptors wraps listener handling with the given interceptors, outermost first
func WithInterceptors(chain ...interceptors.Interceptor) Option {
	return func(c *endpointConfig) {
		c.interceptors = append(c.interceptors, chain...)
	}
}

func newEndpointConfig(options []Option) *endpointConfig {
	cfg := &endpointConfig{
		logger: slog.Default(),
		codec:  JSONCodec{},
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}
