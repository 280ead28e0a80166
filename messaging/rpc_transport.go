package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/courier/contracts"
)

// RPCTransport is request/reply over the broker.
//
// A call declares an exclusive reply queue named after its correlation id,
// sends the request to the durable work queue <namespace>.rpc.<exchange>.<topic>
// through the default exchange and waits for the reply carrying the same
// correlation id. Listeners reply to the request ReplyTo queue.
type RPCTransport struct {
	ch      Channel
	cfg     transportConfig
	pending *pendingCalls
}

// NewRPCTransport creates a request/reply transport on a shared channel
func NewRPCTransport(ch Channel, options ...TransportOption) *RPCTransport {
	cfg := newTransportConfig(options)
	return &RPCTransport{
		ch:      ch,
		cfg:     cfg,
		pending: newPendingCalls(cfg.metrics),
	}
}

// Kind implements Transport
func (t *RPCTransport) Kind() Kind {
	return KindRPC
}

// Namespace returns the work queue namespace
func (t *RPCTransport) Namespace() string {
	if t.cfg.namespace == "" {
		return contracts.DefaultNamespace
	}
	return t.cfg.namespace
}

// Pending returns the number of calls awaiting a reply
func (t *RPCTransport) Pending() int {
	return t.pending.Len()
}

// Prepare declares the reply queue of a call or the work queue of a listener
func (t *RPCTransport) Prepare(ctx context.Context, endpoint Endpoint) error {
	route := endpoint.Route

	if endpoint.Role == RoleListener {
		queue := route.WorkQueue(t.cfg.namespace)
		err := t.ch.AddSetup(ctx, queueSetupKey(queue), func(topology Topology) error {
			return topology.DeclareQueue(queue, QueueOptions{Durable: true})
		})
		if err != nil {
			return &contracts.SetupError{Route: route, Op: "declare work queue", Err: err}
		}
		return nil
	}

	if endpoint.CorrelationID == "" {
		return &contracts.SetupError{Route: route, Op: "declare reply queue", Err: errors.New("missing correlation id")}
	}

	queue := route.ReplyQueue(endpoint.CorrelationID)
	err := t.ch.AddSetup(ctx, replySetupKey(queue), func(topology Topology) error {
		return topology.DeclareQueue(queue, QueueOptions{Exclusive: true})
	})
	if err != nil {
		return &contracts.SetupError{Route: route, Op: "declare reply queue", Err: err}
	}
	return nil
}

// Send publishes the request and blocks until the correlated reply arrives.
// Without a ctx deadline the configured call timeout applies.
func (t *RPCTransport) Send(ctx context.Context, endpoint Endpoint, envelope contracts.Envelope) ([]byte, error) {
	route := endpoint.Route
	correlationID := endpoint.CorrelationID
	if correlationID == "" {
		return nil, &contracts.DeliveryError{Route: route, Op: "publish", Err: errors.New("missing correlation id")}
	}

	if _, ok := ctx.Deadline(); !ok && t.cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.timeout)
		defer cancel()
	}

	replyQueue := route.ReplyQueue(correlationID)
	replies, err := t.pending.add(correlationID)
	if err != nil {
		return nil, &contracts.DeliveryError{Route: route, Op: "register call", Err: err}
	}

	// The reply consumer is registered before the request goes out
	stopConsumer, err := t.ch.Consume(ctx, replyQueue, ConsumeOptions{AutoAck: true, Exclusive: true}, func(delivery Delivery) {
		reply := delivery.Envelope()
		if reply.CorrelationID != correlationID {
			t.cfg.logger.Debug("ignoring reply",
				"route", route.Name,
				"queue", replyQueue,
				"expected", correlationID,
				"received", reply.CorrelationID,
				"error", contracts.ErrCorrelationMismatch,
			)
			return
		}
		t.pending.resolve(correlationID, reply.Body)
	})
	if err != nil {
		t.pending.remove(correlationID)
		t.scheduleCleanup(route, replyQueue, nil)
		return nil, &contracts.DeliveryError{Route: route, Op: "consume replies", Err: err}
	}

	envelope.CorrelationID = correlationID
	envelope.ReplyTo = replyQueue
	if err := t.ch.Publish(ctx, "", route.WorkQueue(t.cfg.namespace), envelope); err != nil {
		t.pending.remove(correlationID)
		t.scheduleCleanup(route, replyQueue, stopConsumer)
		return nil, &contracts.DeliveryError{Route: route, Op: "publish", Err: err}
	}

	select {
	case body := <-replies:
		t.scheduleCleanup(route, replyQueue, stopConsumer)
		return body, nil
	case <-ctx.Done():
		t.pending.remove(correlationID)
		t.scheduleCleanup(route, replyQueue, stopConsumer)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &contracts.DeliveryError{Route: route, Op: "await reply", Err: contracts.ErrCallTimeout}
		}
		return nil, &contracts.DeliveryError{Route: route, Op: "await reply", Err: ctx.Err()}
	}
}

// scheduleCleanup stops the reply consumer now and deletes the reply queue after the grace delay.
// Failures are logged only.
func (t *RPCTransport) scheduleCleanup(route contracts.Route, queue string, stopConsumer CancelFunc) {
	if stopConsumer != nil {
		if err := stopConsumer(); err != nil {
			t.cfg.logger.Warn("failed to cancel reply consumer", "route", route.Name, "queue", queue, "error", err)
		}
	}

	time.AfterFunc(t.cfg.grace, func() {
		t.ch.RemoveSetup(replySetupKey(queue))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := t.ch.DeleteQueues(ctx, queue); err != nil {
			t.cfg.logger.Warn("failed to delete reply queue", "route", route.Name, "queue", queue, "error", err)
			return
		}
		t.cfg.logger.Debug("reply queue deleted", "route", route.Name, "queue", queue)
	})
}

// Serve consumes the work queue and replies to each request with the handler result.
// The request is acknowledged after the reply is published. A failed handler
// sends no reply and leaves the request unacknowledged, holding one prefetch
// slot until the channel closes.
func (t *RPCTransport) Serve(ctx context.Context, endpoint Endpoint, handler DeliveryHandler) error {
	route := endpoint.Route
	queue := route.WorkQueue(t.cfg.namespace)

	_, err := t.ch.Consume(ctx, queue, ConsumeOptions{Prefetch: t.cfg.prefetch},
		concurrently(ctx, t.cfg.prefetch, func(ctx context.Context, delivery Delivery, acker *onceAcker) {
			request := delivery.Envelope()

			result, err := handler(ctx, request.Body)
			if err != nil {
				t.cfg.logger.Error("listener failed to handle request",
					"route", route.Name,
					"queue", queue,
					"correlation_id", request.CorrelationID,
					"error", err,
				)
				return
			}

			if request.ReplyTo == "" {
				t.cfg.logger.Warn("request has no reply queue", "route", route.Name, "correlation_id", request.CorrelationID)
			} else if err := t.reply(ctx, request, result); err != nil {
				t.cfg.logger.Error("failed to publish reply",
					"route", route.Name,
					"reply_to", request.ReplyTo,
					"correlation_id", request.CorrelationID,
					"error", err,
				)
				return
			}

			if err := acker.Ack(); err != nil {
				t.cfg.logger.Error("failed to acknowledge request", "route", route.Name, "queue", queue, "error", err)
			}
		}))
	if err != nil {
		return &contracts.DeliveryError{Route: route, Op: "consume", Err: err}
	}

	t.cfg.logger.Info("listening", "route", route.Name, "queue", queue, "prefetch", t.cfg.prefetch)
	return nil
}

func (t *RPCTransport) reply(ctx context.Context, request contracts.Envelope, body []byte) error {
	reply := contracts.NewEnvelope(body)
	reply.CorrelationID = request.CorrelationID
	reply.Persistent = false

	if err := t.ch.Publish(ctx, "", request.ReplyTo, reply); err != nil {
		return fmt.Errorf("reply to %s: %w", request.ReplyTo, err)
	}
	return nil
}
