package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/glimte/courier/contracts"
	"github.com/glimte/courier/interceptors"
)

// MessageHandler handles decoded messages. The result is encoded as the reply
// on transports that carry replies and ignored otherwise.
type MessageHandler[T any] interface {
	OnMessage(ctx context.Context, msg T) (any, error)
}

// HandlerFunc is a function adapter for MessageHandler
type HandlerFunc[T any] func(ctx context.Context, msg T) (any, error)

// OnMessage implements MessageHandler
func (f HandlerFunc[T]) OnMessage(ctx context.Context, msg T) (any, error) {
	return f(ctx, msg)
}

// Listener consumes messages of type T from one route
type Listener[T any] struct {
	transport   Transport
	endpoint    Endpoint
	handler     MessageHandler[T]
	cfg         *endpointConfig
	chain       *interceptors.Chain
	initialized atomic.Bool
	listening   atomic.Bool
}

// NewListener creates a listener dispatching route messages to handler
func NewListener[T any](transport Transport, route contracts.Route, handler MessageHandler[T], options ...Option) (*Listener[T], error) {
	if transport == nil {
		return nil, errors.New("transport cannot be nil")
	}
	if handler == nil {
		return nil, errors.New("handler cannot be nil")
	}
	if err := route.Validate(); err != nil {
		return nil, err
	}

	cfg := newEndpointConfig(options)
	register(transport, route, cfg.logger)

	// metrics wrap recovery so a panicking handler is still counted
	chain := interceptors.NewChain()
	if cfg.metrics != nil {
		chain.Add(interceptors.NewMetricsInterceptor(cfg.metrics))
	}
	chain.Add(interceptors.NewRecoveryInterceptor(cfg.logger))
	for _, interceptor := range cfg.interceptors {
		chain.Add(interceptor)
	}

	return &Listener[T]{
		transport: transport,
		endpoint:  Endpoint{Route: route, Role: RoleListener},
		handler:   handler,
		cfg:       cfg,
		chain:     chain,
	}, nil
}

// Route returns the listener route
func (l *Listener[T]) Route() contracts.Route {
	return l.endpoint.Route
}

// Init prepares the transport for this listener. Calling it again is harmless.
func (l *Listener[T]) Init(ctx context.Context) error {
	if err := l.transport.Prepare(ctx, l.endpoint); err != nil {
		return err
	}
	l.initialized.Store(true)
	return nil
}

// Listen starts consuming and returns. Consumption stops when ctx is done.
// Only the first call starts a consumer.
func (l *Listener[T]) Listen(ctx context.Context) error {
	if !l.initialized.Load() {
		return &contracts.DeliveryError{Route: l.endpoint.Route, Op: "listen", Err: contracts.ErrNotInitialized}
	}
	if !l.listening.CompareAndSwap(false, true) {
		return nil
	}

	if err := l.transport.Serve(ctx, l.endpoint, l.handle); err != nil {
		l.listening.Store(false)
		return err
	}
	return nil
}

// handle runs the interceptor chain around decode, OnMessage and reply encoding
func (l *Listener[T]) handle(ctx context.Context, body []byte) ([]byte, error) {
	route := l.endpoint.Route

	reply, err := l.chain.Execute(ctx, &interceptors.Inbound{Route: route, Body: body}, interceptors.HandlerFunc(l.dispatch))
	if err != nil {
		var handlerErr *contracts.HandlerError
		if !errors.As(err, &handlerErr) {
			err = &contracts.HandlerError{Route: route, Err: err}
		}
		return nil, err
	}
	return reply, nil
}

func (l *Listener[T]) dispatch(ctx context.Context, in *interceptors.Inbound) ([]byte, error) {
	var msg T
	if err := l.cfg.codec.Unmarshal(in.Body, &msg); err != nil {
		return nil, &contracts.HandlerError{Route: in.Route, Err: fmt.Errorf("decode: %w", err)}
	}

	result, err := l.handler.OnMessage(ctx, msg)
	if err != nil {
		return nil, &contracts.HandlerError{Route: in.Route, Err: err}
	}

	reply, err := l.cfg.codec.Marshal(result)
	if err != nil {
		return nil, &contracts.HandlerError{Route: in.Route, Err: fmt.Errorf("encode reply: %w", err)}
	}
	return reply, nil
}
