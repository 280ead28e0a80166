// Package messaging provides typed events, calls and listeners on top of
// pluggable transports.
//
// This package implements three interaction modes:
//   - TopicTransport: fire-and-forget publish/subscribe over a topic exchange
//   - RPCTransport: request/reply over the broker, matched by correlation id
//   - any other Transport, such as the point-to-point gRPC transport
//
// Every Event, Call and Listener is bound to one contracts.Route at
// construction. Init prepares the transport topology and may be called
// repeatedly; Publish and Listen require a successful Init.
//
// Example usage:
//
//	route := contracts.MustRoute("OrdersCreated", "orders", "created")
//	topic := messaging.NewTopicTransport(channel)
//
//	listener, err := messaging.NewListener[Order](topic, route,
//		messaging.HandlerFunc[Order](func(ctx context.Context, order Order) (any, error) {
//			return nil, process(order)
//		}))
//
//	worker, err := messaging.NewWorker(nil, []any{listener})
//	err = worker.Start(ctx)
//
//	event, err := messaging.NewEvent(topic, route, Order{ID: 42})
//	err = messaging.Dispatch(ctx, event)
//
// Listeners acknowledge a delivery only after their handler succeeds. A failing
// handler neither acks nor nacks: the delivery keeps its prefetch slot and the
// broker redelivers it only once the consumer's channel closes. A listener
// whose handler fails prefetch times in a row stops receiving until then.
package messaging
