package rabbitmq

import (
	"context"
	"log/slog"

	"github.com/glimte/courier/contracts"
	"github.com/glimte/courier/internal/rabbitmq"
	"github.com/glimte/courier/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel implements messaging.Channel on the shared RabbitMQ channel
type Channel struct {
	manager  *rabbitmq.ConnectionManager
	channels *rabbitmq.ChannelManager
	logger   *slog.Logger
}

var _ messaging.Channel = (*Channel)(nil)

// config holds configuration for the channel
type config struct {
	connectionOptions []rabbitmq.ConnectionOption
	channelOptions    []rabbitmq.ChannelOption
	logger            *slog.Logger
}

// Option configures the channel
type Option func(*config)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) Option {
	return func(cfg *config) {
		cfg.connectionOptions = append(cfg.connectionOptions, opts...)
	}
}

// WithChannelOptions sets channel options
func WithChannelOptions(opts ...rabbitmq.ChannelOption) Option {
	return func(cfg *config) {
		cfg.channelOptions = append(cfg.channelOptions, opts...)
	}
}

// WithLogger sets the logger used by the connection, the channel and the adapter
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		cfg.logger = logger
	}
}

// Dial creates the connection and channel managers for url. Nothing is
// dialed until the channel is first used.
func Dial(url string, options ...Option) *Channel {
	cfg := &config{logger: slog.Default()}
	for _, opt := range options {
		opt(cfg)
	}

	connectionOptions := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.logger)}, cfg.connectionOptions...)
	channelOptions := append([]rabbitmq.ChannelOption{rabbitmq.WithChannelLogger(cfg.logger)}, cfg.channelOptions...)

	manager := rabbitmq.NewConnectionManager(url, connectionOptions...)
	return &Channel{
		manager:  manager,
		channels: rabbitmq.NewChannelManager(manager, channelOptions...),
		logger:   cfg.logger,
	}
}

// Connect waits until the broker connection is up
func (c *Channel) Connect(ctx context.Context) error {
	return c.manager.Connect(ctx)
}

// IsConnected reports whether the broker connection is up
func (c *Channel) IsConnected() bool {
	return c.manager.IsConnected()
}

// AddSetup implements messaging.Channel
func (c *Channel) AddSetup(ctx context.Context, key string, fn messaging.SetupFunc) error {
	return c.channels.AddSetup(ctx, key, func(ch rabbitmq.AMQPChannel) error {
		return fn(topology{ch: ch})
	})
}

// RemoveSetup implements messaging.Channel
func (c *Channel) RemoveSetup(key string) {
	c.channels.RemoveSetup(key)
}

// Publish implements messaging.Channel
func (c *Channel) Publish(ctx context.Context, exchange, routingKey string, envelope contracts.Envelope) error {
	return c.channels.Publish(ctx, exchange, routingKey, toPublishing(envelope))
}

// Consume implements messaging.Channel
func (c *Channel) Consume(ctx context.Context, queue string, options messaging.ConsumeOptions, fn func(messaging.Delivery)) (messaging.CancelFunc, error) {
	cancel, err := c.channels.Consume(ctx, queue, rabbitmq.ConsumeOptions{
		Prefetch:  options.Prefetch,
		AutoAck:   options.AutoAck,
		Exclusive: options.Exclusive,
		Tag:       options.Tag,
	}, func(d amqp.Delivery) {
		fn(delivery{d: d})
	})
	if err != nil {
		return nil, err
	}
	return messaging.CancelFunc(cancel), nil
}

// DeleteQueues implements messaging.Channel
func (c *Channel) DeleteQueues(ctx context.Context, names ...string) error {
	return c.channels.DeleteQueues(ctx, names...)
}

// Close closes the channel and the connection
func (c *Channel) Close() error {
	if err := c.channels.Close(); err != nil {
		c.logger.Warn("failed to close channel", "error", err)
	}
	return c.manager.Close()
}

// toPublishing converts an envelope into an AMQP publishing
func toPublishing(envelope contracts.Envelope) amqp.Publishing {
	msg := amqp.Publishing{
		ContentType:   envelope.ContentType,
		CorrelationId: envelope.CorrelationID,
		ReplyTo:       envelope.ReplyTo,
		Priority:      envelope.Priority,
		Expiration:    envelope.Expiration,
		Body:          envelope.Body,
	}
	if envelope.Persistent {
		msg.DeliveryMode = amqp.Persistent
	} else {
		msg.DeliveryMode = amqp.Transient
	}
	if len(envelope.Headers) > 0 {
		msg.Headers = amqp.Table(envelope.Headers)
	}
	return msg
}

// toEnvelope converts an AMQP delivery into an envelope
func toEnvelope(d amqp.Delivery) contracts.Envelope {
	envelope := contracts.Envelope{
		Body:          d.Body,
		ContentType:   d.ContentType,
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		Persistent:    d.DeliveryMode == amqp.Persistent,
		Priority:      d.Priority,
		Expiration:    d.Expiration,
	}
	if len(d.Headers) > 0 {
		envelope.Headers = map[string]interface{}(d.Headers)
	}
	return envelope
}

type delivery struct {
	d amqp.Delivery
}

func (d delivery) Envelope() contracts.Envelope {
	return toEnvelope(d.d)
}

func (d delivery) Ack() error {
	return d.d.Ack(false)
}

func (d delivery) Nack(requeue bool) error {
	return d.d.Nack(false, requeue)
}

type topology struct {
	ch rabbitmq.AMQPChannel
}

func (t topology) DeclareExchange(name, kind string, durable bool) error {
	return t.ch.ExchangeDeclare(
		name,
		kind,
		durable,
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
}

func (t topology) DeclareQueue(name string, options messaging.QueueOptions) error {
	_, err := t.ch.QueueDeclare(
		name,
		options.Durable,
		options.AutoDelete,
		options.Exclusive,
		false, // no-wait
		amqp.Table(options.Args),
	)
	return err
}

func (t topology) BindQueue(queue, exchange, routingKey string) error {
	return t.ch.QueueBind(queue, routingKey, exchange, false, nil)
}
