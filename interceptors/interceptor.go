package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/glimte/courier/contracts"
)

// Inbound is a message on its way to a listener handler
type Inbound struct {
	Route contracts.Route
	Body  []byte
}

// Handler represents a message handler in the interceptor chain.
// It returns the encoded reply, if any.
type Handler interface {
	Handle(ctx context.Context, msg *Inbound) ([]byte, error)
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, msg *Inbound) ([]byte, error)

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, msg *Inbound) ([]byte, error) {
	return f(ctx, msg)
}

// Interceptor processes messages before they reach the final handler
type Interceptor interface {
	// Intercept processes a message and calls the next handler in the chain
	Intercept(ctx context.Context, msg *Inbound, next Handler) ([]byte, error)

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, msg *Inbound, next Handler) ([]byte, error)
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, msg *Inbound, next Handler) ([]byte, error)) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, msg *Inbound, next Handler) ([]byte, error) {
	return i.fn(ctx, msg, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain manages a chain of interceptors
type Chain struct {
	interceptors []Interceptor
}

// NewChain creates a chain; the first interceptor is the outermost
func NewChain(interceptors ...Interceptor) *Chain {
	return &Chain{interceptors: append([]Interceptor(nil), interceptors...)}
}

// Add adds an interceptor to the innermost end of the chain
func (c *Chain) Add(interceptor Interceptor) *Chain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Len returns the number of interceptors
func (c *Chain) Len() int {
	return len(c.interceptors)
}

// Execute executes the interceptor chain
func (c *Chain) Execute(ctx context.Context, msg *Inbound, finalHandler Handler) ([]byte, error) {
	if len(c.interceptors) == 0 {
		return finalHandler.Handle(ctx, msg)
	}

	// Build the chain in reverse order
	handler := finalHandler
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = HandlerFunc(func(ctx context.Context, msg *Inbound) ([]byte, error) {
			return interceptor.Intercept(ctx, msg, next)
		})
	}

	return handler.Handle(ctx, msg)
}

// Built-in interceptors

// LoggingInterceptor logs message processing
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, msg *Inbound, next Handler) ([]byte, error) {
	start := time.Now()

	i.logger.Debug("receive message",
		"route", msg.Route.Name,
		"exchange", msg.Route.Exchange,
		"topic", msg.Route.Topic,
		"size", len(msg.Body),
	)

	reply, err := next.Handle(ctx, msg)
	duration := time.Since(start)

	if err != nil {
		i.logger.Error("message processing failed",
			"route", msg.Route.Name,
			"duration", duration,
			"error", err,
		)
	} else {
		i.logger.Debug("message processed",
			"route", msg.Route.Name,
			"duration", duration,
		)
	}

	return reply, err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// MetricsCollector defines the interface for collecting consume metrics
type MetricsCollector interface {
	RecordConsume(route contracts.Route, duration time.Duration, err error)
}

// MetricsInterceptor collects metrics about message processing
type MetricsInterceptor struct {
	collector MetricsCollector
}

// NewMetricsInterceptor creates a new metrics interceptor
func NewMetricsInterceptor(collector MetricsCollector) *MetricsInterceptor {
	return &MetricsInterceptor{collector: collector}
}

// Intercept implements Interceptor
func (i *MetricsInterceptor) Intercept(ctx context.Context, msg *Inbound, next Handler) ([]byte, error) {
	start := time.Now()
	reply, err := next.Handle(ctx, msg)
	i.collector.RecordConsume(msg.Route, time.Since(start), err)
	return reply, err
}

// Name implements Interceptor
func (i *MetricsInterceptor) Name() string {
	return "MetricsInterceptor"
}

// RecoveryInterceptor turns a panicking handler into a handler error
type RecoveryInterceptor struct {
	logger *slog.Logger
}

// NewRecoveryInterceptor creates a new recovery interceptor
func NewRecoveryInterceptor(logger *slog.Logger) *RecoveryInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *RecoveryInterceptor) Intercept(ctx context.Context, msg *Inbound, next Handler) (reply []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("panic in message handler",
				"route", msg.Route.Name,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			reply = nil
			err = fmt.Errorf("panic in handler: %v", r)
		}
	}()
	return next.Handle(ctx, msg)
}

// Name implements Interceptor
func (i *RecoveryInterceptor) Name() string {
	return "RecoveryInterceptor"
}
