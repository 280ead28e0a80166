package grpc

import (
	"context"
	"log/slog"
	"sync"

	"github.com/glimte/courier/contracts"
	"github.com/glimte/courier/messaging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// Transport is request/reply over direct gRPC calls. Each route is a service
// named after Route.Name with a single Publish method.
type Transport struct {
	registry    *Registry
	server      *Server
	target      string
	dialOptions []grpc.DialOption
	logger      *slog.Logger

	mu   sync.Mutex
	conn *grpc.ClientConn
}

var (
	_ messaging.Transport = (*Transport)(nil)
	_ messaging.Registrar = (*Transport)(nil)
)

// Option configures the Transport
type Option func(*Transport)

// WithTarget sets the address publishers call. It defaults to the server address.
func WithTarget(target string) Option {
	return func(t *Transport) {
		t.target = target
	}
}

// WithDialOptions adds gRPC dial options
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(t *Transport) {
		t.dialOptions = append(t.dialOptions, opts...)
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// NewTransport creates a point-to-point transport over the shared registry and server
func NewTransport(registry *Registry, server *Server, options ...Option) *Transport {
	t := &Transport{
		registry: registry,
		server:   server,
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// Kind implements messaging.Transport
func (t *Transport) Kind() messaging.Kind {
	return messaging.KindPointToPoint
}

// Register implements messaging.Registrar
func (t *Transport) Register(route contracts.Route) error {
	added, err := t.registry.AddService(route.Name)
	if err != nil {
		return err
	}
	if added {
		t.logger.Debug("registered point-to-point service", "service", route.Name)
	}
	return nil
}

// Prepare compiles the schema and, for publishers, creates the client connection
func (t *Transport) Prepare(ctx context.Context, endpoint messaging.Endpoint) error {
	route := endpoint.Route

	if _, err := t.registry.AddService(route.Name); err != nil {
		return &contracts.SetupError{Route: route, Op: "register service", Err: err}
	}
	if _, err := t.registry.Method(route.Name); err != nil {
		return &contracts.SetupError{Route: route, Op: "resolve service", Err: err}
	}

	if endpoint.Role == messaging.RolePublisher {
		if _, err := t.client(); err != nil {
			return &contracts.SetupError{Route: route, Op: "dial", Err: err}
		}
	}
	return nil
}

func (t *Transport) client() (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return t.conn, nil
	}

	target := t.target
	if target == "" {
		target = t.server.Addr()
	}

	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, t.dialOptions...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	t.conn = conn
	return conn, nil
}

// Send invokes Publish with the encoded payload and returns the encoded reply
func (t *Transport) Send(ctx context.Context, endpoint messaging.Endpoint, envelope contracts.Envelope) ([]byte, error) {
	route := endpoint.Route

	method, err := t.registry.Method(route.Name)
	if err != nil {
		return nil, &contracts.DeliveryError{Route: route, Op: "resolve service", Err: err}
	}
	conn, err := t.client()
	if err != nil {
		return nil, &contracts.DeliveryError{Route: route, Op: "dial", Err: err}
	}

	in := dynamicpb.NewMessage(method.Input())
	in.Set(method.Input().Fields().ByName(requestField), protoreflect.ValueOfString(string(envelope.Body)))
	out := dynamicpb.NewMessage(method.Output())

	if err := conn.Invoke(ctx, FullMethod(route.Name), in, out); err != nil {
		return nil, &contracts.DeliveryError{Route: route, Op: "invoke", Err: err}
	}

	return []byte(out.Get(method.Output().Fields().ByName(replyField)).String()), nil
}

// Serve registers the listener service and starts the shared server.
// The service is removed when ctx is done.
func (t *Transport) Serve(ctx context.Context, endpoint messaging.Endpoint, handler messaging.DeliveryHandler) error {
	route := endpoint.Route

	err := t.server.Handle(route.Name, func(ctx context.Context, data string) (string, error) {
		reply, err := handler(ctx, []byte(data))
		if err != nil {
			return "", err
		}
		return string(reply), nil
	})
	if err != nil {
		return &contracts.DeliveryError{Route: route, Op: "serve", Err: err}
	}

	if err := t.server.Start(); err != nil {
		t.server.Remove(route.Name)
		return &contracts.DeliveryError{Route: route, Op: "serve", Err: err}
	}

	go func() {
		<-ctx.Done()
		t.server.Remove(route.Name)
	}()

	t.logger.Info("serving point-to-point service", "service", route.Name, "addr", t.server.Addr())
	return nil
}

// Close closes the client connection
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}
