package messaging

import (
	"context"
	"sync"
)

// Acknowledger acknowledges the delivery a handler is running for
type Acknowledger interface {
	Ack() error
}

type ackerKey struct{}

// WithAcknowledger returns a context carrying the acknowledger
func WithAcknowledger(ctx context.Context, acker Acknowledger) context.Context {
	return context.WithValue(ctx, ackerKey{}, acker)
}

// AckerFromContext returns the acknowledger of the delivery being handled.
// Handlers may ack early; the listener does not ack a second time.
func AckerFromContext(ctx context.Context) (Acknowledger, bool) {
	acker, ok := ctx.Value(ackerKey{}).(Acknowledger)
	return acker, ok
}

// onceAcker acks a delivery at most once
type onceAcker struct {
	delivery Delivery
	once     sync.Once
	err      error
}

func newOnceAcker(delivery Delivery) *onceAcker {
	return &onceAcker{delivery: delivery}
}

func (a *onceAcker) Ack() error {
	a.once.Do(func() {
		a.err = a.delivery.Ack()
	})
	return a.err
}
