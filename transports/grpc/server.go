package grpc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// Handler answers the data of one Publish call with a message
type Handler func(ctx context.Context, data string) (string, error)

type route struct {
	method  protoreflect.MethodDescriptor
	handler Handler
}

// Server is the one gRPC server of a process. Every registered service is
// dispatched through an unknown-service handler, so services can be added
// after serving has started.
type Server struct {
	addr     string
	registry *Registry
	logger   *slog.Logger
	server   *grpc.Server

	mu     sync.RWMutex
	routes map[string]route

	startOnce sync.Once
	startErr  error
	listener  net.Listener
}

// ServerOption configures the Server
type ServerOption func(*serverConfig)

type serverConfig struct {
	logger  *slog.Logger
	options []grpc.ServerOption
}

// WithServerLogger sets the logger
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(c *serverConfig) {
		c.logger = logger
	}
}

// WithServerOptions adds gRPC server options
func WithServerOptions(opts ...grpc.ServerOption) ServerOption {
	return func(c *serverConfig) {
		c.options = append(c.options, opts...)
	}
}

// NewServer creates a server bound to addr on first Start
func NewServer(addr string, registry *Registry, options ...ServerOption) *Server {
	cfg := &serverConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(cfg)
	}

	s := &Server{
		addr:     addr,
		registry: registry,
		logger:   cfg.logger,
		routes:   make(map[string]route),
	}
	opts := append([]grpc.ServerOption{grpc.UnknownServiceHandler(s.handleStream)}, cfg.options...)
	s.server = grpc.NewServer(opts...)
	return s
}

// Handle serves service with handler, replacing any previous handler
func (s *Server) Handle(service string, handler Handler) error {
	if _, err := s.registry.AddService(service); err != nil {
		return err
	}
	method, err := s.registry.Method(service)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[FullMethod(service)] = route{method: method, handler: handler}
	return nil
}

// Remove stops serving service
func (s *Server) Remove(service string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.routes, FullMethod(service))
}

// Start binds the listen address and serves in the background. Only the
// first call binds; later calls return its result.
func (s *Server) Start() error {
	s.startOnce.Do(func() {
		lis, err := net.Listen("tcp", s.addr)
		if err != nil {
			s.startErr = fmt.Errorf("listen on %s: %w", s.addr, err)
			return
		}

		s.mu.Lock()
		s.listener = lis
		s.mu.Unlock()

		s.logger.Info("point-to-point server listening", "addr", lis.Addr().String())
		go func() {
			if err := s.server.Serve(lis); err != nil {
				s.logger.Error("point-to-point server stopped", "error", err)
			}
		}()
	})
	return s.startErr
}

// Addr returns the bound address once started, the configured address before
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop stops the server, letting pending calls finish
func (s *Server) Stop() {
	s.server.GracefulStop()
}

func (s *Server) handleStream(_ any, stream grpc.ServerStream) error {
	fullMethod, ok := grpc.MethodFromServerStream(stream)
	if !ok {
		return status.Error(codes.Internal, "method not found in stream context")
	}

	s.mu.RLock()
	r, exists := s.routes[fullMethod]
	s.mu.RUnlock()
	if !exists {
		return status.Errorf(codes.Unimplemented, "unknown method %s", fullMethod)
	}

	in := dynamicpb.NewMessage(r.method.Input())
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	data := in.Get(r.method.Input().Fields().ByName(requestField)).String()

	result, err := r.handler(stream.Context(), data)
	if err != nil {
		s.logger.Error("point-to-point handler failed", "method", fullMethod, "error", err)
		return status.Error(codes.Internal, err.Error())
	}

	out := dynamicpb.NewMessage(r.method.Output())
	out.Set(r.method.Output().Fields().ByName(replyField), protoreflect.ValueOfString(result))
	return stream.SendMsg(out)
}
