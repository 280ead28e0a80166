package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/glimte/courier/contracts"
)

// Publisher is anything that can be initialized and published once ready
type Publisher interface {
	Init(ctx context.Context) error
	Publish(ctx context.Context, options ...PublishOption) error
}

// Event is a typed fire-and-forget message bound to one route
type Event[T any] struct {
	transport   Transport
	endpoint    Endpoint
	payload     T
	cfg         *endpointConfig
	initialized atomic.Bool
}

// NewEvent creates an event carrying payload on route
func NewEvent[T any](transport Transport, route contracts.Route, payload T, options ...Option) (*Event[T], error) {
	if transport == nil {
		return nil, errors.New("transport cannot be nil")
	}
	if err := route.Validate(); err != nil {
		return nil, err
	}

	cfg := newEndpointConfig(options)
	register(transport, route, cfg.logger)

	return &Event[T]{
		transport: transport,
		endpoint:  Endpoint{Route: route, Role: RolePublisher},
		payload:   payload,
		cfg:       cfg,
	}, nil
}

// Route returns the event route
func (e *Event[T]) Route() contracts.Route {
	return e.endpoint.Route
}

// Payload returns the event payload
func (e *Event[T]) Payload() T {
	return e.payload
}

// Init prepares the transport for this event. Calling it again is harmless.
func (e *Event[T]) Init(ctx context.Context) error {
	if err := e.transport.Prepare(ctx, e.endpoint); err != nil {
		return err
	}
	e.initialized.Store(true)
	return nil
}

// Publish encodes the payload and hands it to the transport.
// A nil error means the broker accepted the message.
func (e *Event[T]) Publish(ctx context.Context, options ...PublishOption) error {
	route := e.endpoint.Route
	if !e.initialized.Load() {
		return &contracts.DeliveryError{Route: route, Op: "publish", Err: contracts.ErrNotInitialized}
	}

	body, err := e.cfg.codec.Marshal(e.payload)
	if err != nil {
		return &contracts.DeliveryError{Route: route, Op: "encode", Err: err}
	}

	_, err = e.transport.Send(ctx, e.endpoint, newEnvelope(body, options))
	e.cfg.metrics.RecordPublish(route, e.transport.Kind(), err)
	if err != nil {
		return err
	}

	e.cfg.logger.Debug("published event", "route", route.Name, "exchange", route.Exchange, "topic", route.Topic)
	return nil
}

// Dispatch initializes and publishes in one step
func Dispatch(ctx context.Context, publisher Publisher, options ...PublishOption) error {
	if err := publisher.Init(ctx); err != nil {
		return err
	}
	return publisher.Publish(ctx, options...)
}

// register gives registrar transports a chance to learn the route.
// A failure is logged and the endpoint is still created.
func register(transport Transport, route contracts.Route, logger *slog.Logger) {
	registrar, ok := transport.(Registrar)
	if !ok {
		return
	}
	if err := registrar.Register(route); err != nil {
		logger.Error("failed to register route", "route", route.Name, "kind", transport.Kind(), "error", err)
	}
}
