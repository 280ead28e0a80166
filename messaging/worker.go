package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/courier/contracts"
)

// ErrUnknownListener is returned when a reference resolves to nothing
var ErrUnknownListener = errors.New("messaging: unknown listener")

// Runner is a listener the Worker can start
type Runner interface {
	Init(ctx context.Context) error
	Listen(ctx context.Context) error
	Route() contracts.Route
}

// Resolver turns a listener reference into a Runner
type Resolver interface {
	Resolve(ref any) (Runner, error)
}

// ResolverFunc is a function adapter for Resolver
type ResolverFunc func(ref any) (Runner, error)

// Resolve implements Resolver
func (f ResolverFunc) Resolve(ref any) (Runner, error) {
	return f(ref)
}

// Factory builds a Runner
type Factory func() (Runner, error)

// Registry resolves listener names to factories
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	names     []string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a named factory
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" {
		return errors.New("listener name cannot be empty")
	}
	if factory == nil {
		return errors.New("factory cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("listener %s already registered", name)
	}
	r.factories[name] = factory
	r.names = append(r.names, name)
	return nil
}

// Names returns the registered names in registration order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.names...)
}

// Resolve implements Resolver. Refs are listener names.
func (r *Registry) Resolve(ref any) (Runner, error) {
	name, ok := ref.(string)
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownListener, ref)
	}

	r.mu.RLock()
	factory, exists := r.factories[name]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownListener, name)
	}
	return factory()
}

// WorkerOption configures a Worker
type WorkerOption func(*Worker)

// WithWorkerLogger sets the worker logger
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger
	}
}

// Worker starts a fixed, ordered set of listeners
type Worker struct {
	listeners []Runner
	logger    *slog.Logger
}

// NewWorker resolves refs in order. A ref that already is a Runner is used as is.
func NewWorker(resolver Resolver, refs []any, options ...WorkerOption) (*Worker, error) {
	w := &Worker{logger: slog.Default()}
	for _, opt := range options {
		opt(w)
	}

	for _, ref := range refs {
		if runner, ok := ref.(Runner); ok {
			w.listeners = append(w.listeners, runner)
			continue
		}
		if resolver == nil {
			return nil, fmt.Errorf("%w: %v", ErrUnknownListener, ref)
		}
		runner, err := resolver.Resolve(ref)
		if err != nil {
			return nil, fmt.Errorf("resolve listener %v: %w", ref, err)
		}
		w.listeners = append(w.listeners, runner)
	}

	return w, nil
}

// Listeners returns the listeners in start order
func (w *Worker) Listeners() []Runner {
	return append([]Runner(nil), w.listeners...)
}

// Start initializes and starts each listener in order. A listener that fails
// to initialize is logged and skipped. Listen errors are returned joined.
func (w *Worker) Start(ctx context.Context) error {
	var errs []error

	for _, listener := range w.listeners {
		route := listener.Route()

		if err := listener.Init(ctx); err != nil {
			w.logger.Error("listener setup failed", "route", route.Name, "error", err)
			continue
		}

		if err := listener.Listen(ctx); err != nil {
			w.logger.Error("listener failed to start", "route", route.Name, "error", err)
			errs = append(errs, err)
			continue
		}

		w.logger.Info("listener started", "route", route.Name, "exchange", route.Exchange, "topic", route.Topic)
	}

	return errors.Join(errs...)
}
