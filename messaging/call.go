package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/glimte/courier/contracts"
	"github.com/google/uuid"
)

// ErrCallPublished is returned when a call is published a second time
var ErrCallPublished = errors.New("messaging: call already published")

// Call is a typed request expecting a reply of type R.
// Each call owns one correlation id and is published at most once.
type Call[T, R any] struct {
	transport   Transport
	endpoint    Endpoint
	payload     T
	cfg         *endpointConfig
	initialized atomic.Bool
	published   atomic.Bool
}

// NewCall creates a request on route. The transport must carry replies.
func NewCall[T, R any](transport Transport, route contracts.Route, payload T, options ...Option) (*Call[T, R], error) {
	if transport == nil {
		return nil, errors.New("transport cannot be nil")
	}
	if !transport.Kind().CarriesReplies() {
		return nil, fmt.Errorf("%w: %s", contracts.ErrNoReply, transport.Kind())
	}
	if err := route.Validate(); err != nil {
		return nil, err
	}

	cfg := newEndpointConfig(options)
	register(transport, route, cfg.logger)

	return &Call[T, R]{
		transport: transport,
		endpoint: Endpoint{
			Route:         route,
			Role:          RolePublisher,
			CorrelationID: uuid.NewString(),
		},
		payload: payload,
		cfg:     cfg,
	}, nil
}

// Route returns the call route
func (c *Call[T, R]) Route() contracts.Route {
	return c.endpoint.Route
}

// CorrelationID returns the id the reply must carry
func (c *Call[T, R]) CorrelationID() string {
	return c.endpoint.CorrelationID
}

// ReplyQueue returns the exclusive queue the reply is delivered to
func (c *Call[T, R]) ReplyQueue() string {
	return c.endpoint.Route.ReplyQueue(c.endpoint.CorrelationID)
}

// WorkQueue returns the queue the request is sent to under namespace
func (c *Call[T, R]) WorkQueue(namespace string) string {
	return c.endpoint.Route.WorkQueue(namespace)
}

// Init prepares the transport for this call
func (c *Call[T, R]) Init(ctx context.Context) error {
	if err := c.transport.Prepare(ctx, c.endpoint); err != nil {
		return err
	}
	c.initialized.Store(true)
	return nil
}

// Publish sends the request and waits for the correlated reply
func (c *Call[T, R]) Publish(ctx context.Context, options ...PublishOption) (R, error) {
	var reply R
	route := c.endpoint.Route

	if !c.initialized.Load() {
		return reply, &contracts.DeliveryError{Route: route, Op: "publish", Err: contracts.ErrNotInitialized}
	}
	if !c.published.CompareAndSwap(false, true) {
		return reply, &contracts.DeliveryError{Route: route, Op: "publish", Err: ErrCallPublished}
	}

	body, err := c.cfg.codec.Marshal(c.payload)
	if err != nil {
		return reply, &contracts.DeliveryError{Route: route, Op: "encode", Err: err}
	}

	c.cfg.logger.Debug("sending call",
		"route", route.Name,
		"correlation_id", c.endpoint.CorrelationID,
		"kind", c.transport.Kind(),
	)

	raw, err := c.transport.Send(ctx, c.endpoint, newEnvelope(body, options))
	c.cfg.metrics.RecordPublish(route, c.transport.Kind(), err)
	if err != nil {
		return reply, err
	}

	if len(raw) == 0 {
		return reply, nil
	}
	if err := c.cfg.codec.Unmarshal(raw, &reply); err != nil {
		return reply, &contracts.DeliveryError{Route: route, Op: "decode reply", Err: err}
	}
	return reply, nil
}

// DispatchCall initializes and publishes a call in one step
func DispatchCall[T, R any](ctx context.Context, call *Call[T, R], options ...PublishOption) (R, error) {
	if err := call.Init(ctx); err != nil {
		var zero R
		return zero, err
	}
	return call.Publish(ctx, options...)
}
