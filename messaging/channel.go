package messaging

import (
	"context"

	"github.com/glimte/courier/contracts"
)

// Exchange kinds
const (
	ExchangeTopic  = "topic"
	ExchangeDirect = "direct"
)

// Topology declares broker-side constructs. It is handed to setup functions.
type Topology interface {
	// DeclareExchange declares an exchange if it does not exist
	DeclareExchange(name, kind string, durable bool) error

	// DeclareQueue declares a queue if it does not exist
	DeclareQueue(name string, options QueueOptions) error

	// BindQueue binds a queue to an exchange with a routing key
	BindQueue(queue, exchange, routingKey string) error
}

// SetupFunc declares topology. It must be safe to run again after reconnection.
type SetupFunc func(topology Topology) error

// QueueOptions defines options for queue creation
type QueueOptions struct {
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Args       map[string]interface{}
}

// ConsumeOptions configures a consumer
type ConsumeOptions struct {
	// Prefetch bounds unacknowledged deliveries to this consumer; 0 means unbounded
	Prefetch  int
	AutoAck   bool
	Exclusive bool
	Tag       string
}

// Delivery is a message handed to a consumer
type Delivery interface {
	// Envelope returns the delivered payload and its properties
	Envelope() contracts.Envelope

	// Ack acknowledges the delivery
	Ack() error

	// Nack negatively acknowledges the delivery, optionally requeueing it
	Nack(requeue bool) error
}

// CancelFunc stops a consumer
type CancelFunc func() error

// Channel is the shared broker channel the broker-backed transports run on.
//
// Implementations own reconnection: setups added with AddSetup and consumers
// registered with Consume are replayed on every fresh underlying channel.
// Callers must not cache anything obtained from a previous call.
type Channel interface {
	// AddSetup registers a keyed setup function and runs it when the channel is live.
	// Adding a key that is already registered is a no-op.
	AddSetup(ctx context.Context, key string, fn SetupFunc) error

	// RemoveSetup drops a setup so it is no longer replayed
	RemoveSetup(key string)

	// Publish sends an envelope to an exchange with a routing key.
	// The empty exchange routes directly to the queue named by the routing key.
	Publish(ctx context.Context, exchange, routingKey string, envelope contracts.Envelope) error

	// Consume starts delivering messages from queue to fn. Deliveries to one
	// consumer are passed to fn sequentially. Consumption stops when ctx is done
	// or the returned CancelFunc is called.
	Consume(ctx context.Context, queue string, options ConsumeOptions, fn func(Delivery)) (CancelFunc, error)

	// DeleteQueues deletes the named queues, pipelining the requests
	DeleteQueues(ctx context.Context, names ...string) error
}
