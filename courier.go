// Copyright 2024 Courier Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package courier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/glimte/courier/config"
	"github.com/glimte/courier/internal/rabbitmq"
	"github.com/glimte/courier/messaging"
	"github.com/glimte/courier/transports/grpc"
	rabbitmqTransport "github.com/glimte/courier/transports/rabbitmq"
)

// Client owns the process-wide connection, channel and transports. Build one
// at startup and pass its transports to events, calls and listeners.
type Client struct {
	cfg     config.Config
	logger  *slog.Logger
	channel messaging.Channel
	metrics *messaging.Metrics

	topic *messaging.TopicTransport
	rpc   *messaging.RPCTransport

	registry *grpc.Registry
	server   *grpc.Server
	p2p      *grpc.Transport
}

// Option configures the Client
type Option func(*clientConfig)

type clientConfig struct {
	logger           *slog.Logger
	channel          messaging.Channel
	metricsNamespace string
}

// WithLogger sets the logger handed to every component
func WithLogger(logger *slog.Logger) Option {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithChannel replaces the RabbitMQ channel, for example with an in-memory broker
func WithChannel(ch messaging.Channel) Option {
	return func(c *clientConfig) {
		c.channel = ch
	}
}

// WithMetricsNamespace sets the prometheus namespace of the client metrics
func WithMetricsNamespace(namespace string) Option {
	return func(c *clientConfig) {
		c.metricsNamespace = namespace
	}
}

// New builds a client. No broker connection is attempted here; the channel
// dials in the background on first use.
func New(cfg config.Config, options ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cc := &clientConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(cc)
	}

	if cc.channel == nil {
		cc.channel = rabbitmqTransport.Dial(cfg.BrokerURL, rabbitmqTransport.WithLogger(cc.logger))
	}

	metrics := messaging.NewMetrics(cc.metricsNamespace)
	transportOpts := []messaging.TransportOption{
		messaging.WithPrefetch(cfg.ListenerPrefetch),
		messaging.WithNamespace(cfg.QueueNamespace),
		messaging.WithCallTimeout(cfg.RPCTimeout),
		messaging.WithReplyGrace(cfg.ReplyQueueGrace),
		messaging.WithTransportLogger(cc.logger),
		messaging.WithTransportMetrics(metrics),
	}

	registry := grpc.NewRegistry()
	server := grpc.NewServer(cfg.ServiceBindAddress, registry, grpc.WithServerLogger(cc.logger))

	c := &Client{
		cfg:      cfg,
		logger:   cc.logger,
		channel:  cc.channel,
		metrics:  metrics,
		topic:    messaging.NewTopicTransport(cc.channel, transportOpts...),
		rpc:      messaging.NewRPCTransport(cc.channel, transportOpts...),
		registry: registry,
		server:   server,
		p2p:      grpc.NewTransport(registry, server, grpc.WithLogger(cc.logger)),
	}

	c.logger.Info("courier client created",
		"broker", rabbitmq.SanitizeURL(cfg.BrokerURL),
		"bind_address", cfg.ServiceBindAddress,
		"namespace", cfg.QueueNamespace,
		"prefetch", cfg.ListenerPrefetch,
	)
	return c, nil
}

// Config returns the configuration the client was built with
func (c *Client) Config() config.Config {
	return c.cfg
}

// Channel returns the shared broker channel
func (c *Client) Channel() messaging.Channel {
	return c.channel
}

// Topic returns the fire-and-forget transport
func (c *Client) Topic() *messaging.TopicTransport {
	return c.topic
}

// RPC returns the broker request/reply transport
func (c *Client) RPC() *messaging.RPCTransport {
	return c.rpc
}

// PointToPoint returns the gRPC transport
func (c *Client) PointToPoint() *grpc.Transport {
	return c.p2p
}

// Registry returns the point-to-point schema registry
func (c *Client) Registry() *grpc.Registry {
	return c.registry
}

// Server returns the point-to-point server
func (c *Client) Server() *grpc.Server {
	return c.server
}

// Metrics returns the metrics shared by every transport and endpoint
func (c *Client) Metrics() *messaging.Metrics {
	return c.metrics
}

// Connect waits for the broker connection when the channel supports it
func (c *Client) Connect(ctx context.Context) error {
	connector, ok := c.channel.(interface{ Connect(context.Context) error })
	if !ok {
		return nil
	}
	if err := connector.Connect(ctx); err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	return nil
}

// Close stops the point-to-point server and closes the broker channel
func (c *Client) Close() error {
	var errs []error
	if err := c.p2p.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close point-to-point client: %w", err))
	}
	c.server.Stop()
	if closer, ok := c.channel.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	return errors.Join(errs...)
}
