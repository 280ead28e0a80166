package messaging

import (
	"context"

	"github.com/glimte/courier/contracts"
)

// TopicTransport is fire-and-forget publish/subscribe over a topic exchange.
// Publishers send to the route exchange with the topic as routing key; each
// listener consumes the plain queue <exchange>.<topic> bound to it.
type TopicTransport struct {
	ch  Channel
	cfg transportConfig
}

// NewTopicTransport creates a topic transport on a shared channel
func NewTopicTransport(ch Channel, options ...TransportOption) *TopicTransport {
	return &TopicTransport{
		ch:  ch,
		cfg: newTransportConfig(options),
	}
}

// Kind implements Transport
func (t *TopicTransport) Kind() Kind {
	return KindTopic
}

// Prepare declares the exchange, and for listeners the queue and its binding
func (t *TopicTransport) Prepare(ctx context.Context, endpoint Endpoint) error {
	route := endpoint.Route

	err := t.ch.AddSetup(ctx, exchangeSetupKey(route.Exchange), func(topology Topology) error {
		return topology.DeclareExchange(route.Exchange, ExchangeTopic, false)
	})
	if err != nil {
		return &contracts.SetupError{Route: route, Op: "declare exchange", Err: err}
	}

	if endpoint.Role != RoleListener {
		return nil
	}

	queue := route.Queue()
	err = t.ch.AddSetup(ctx, queueSetupKey(queue), func(topology Topology) error {
		if err := topology.DeclareQueue(queue, QueueOptions{Durable: true}); err != nil {
			return err
		}
		return topology.BindQueue(queue, route.Exchange, route.Topic)
	})
	if err != nil {
		return &contracts.SetupError{Route: route, Op: "declare queue", Err: err}
	}
	return nil
}

// Send publishes the envelope. There is never a reply.
func (t *TopicTransport) Send(ctx context.Context, endpoint Endpoint, envelope contracts.Envelope) ([]byte, error) {
	route := endpoint.Route
	if err := t.ch.Publish(ctx, route.Exchange, route.Topic, envelope); err != nil {
		return nil, &contracts.DeliveryError{Route: route, Op: "publish", Err: err}
	}
	return nil, nil
}

// Serve consumes the listener queue. A delivery is acknowledged after the
// handler succeeds. A failed delivery stays unacknowledged and holds one
// prefetch slot until the channel closes, when the broker requeues it.
func (t *TopicTransport) Serve(ctx context.Context, endpoint Endpoint, handler DeliveryHandler) error {
	route := endpoint.Route
	queue := route.Queue()

	_, err := t.ch.Consume(ctx, queue, ConsumeOptions{Prefetch: t.cfg.prefetch},
		concurrently(ctx, t.cfg.prefetch, func(ctx context.Context, delivery Delivery, acker *onceAcker) {
			if _, err := handler(ctx, delivery.Envelope().Body); err != nil {
				t.cfg.logger.Error("listener failed to handle message",
					"route", route.Name,
					"queue", queue,
					"error", err,
				)
				return
			}
			if err := acker.Ack(); err != nil {
				t.cfg.logger.Error("failed to acknowledge message",
					"route", route.Name,
					"queue", queue,
					"error", err,
				)
			}
		}))
	if err != nil {
		return &contracts.DeliveryError{Route: route, Op: "consume", Err: err}
	}

	t.cfg.logger.Info("listening", "route", route.Name, "queue", queue, "prefetch", t.cfg.prefetch)
	return nil
}
