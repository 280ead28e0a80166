package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/courier"
	"github.com/glimte/courier/contracts"
	"github.com/glimte/courier/interceptors"
	"github.com/glimte/courier/messaging"
)

var (
	ordersCreated = contracts.MustRoute("OrdersCreated", "orders", "created")
	healthPing    = contracts.MustRoute("HealthPing", "health", "ping")
	echo          = contracts.MustRoute("Echo", "tools", "echo")
)

// Order is the payload of OrdersCreated
type Order struct {
	ID     string  `json:"id"`
	Amount float64 `json:"amount"`
}

// Ping is the payload of HealthPing
type Ping struct {
	From string `json:"from,omitempty"`
}

// Listener names accepted by the worker command
const (
	listenerOrdersCreated = "orders-created"
	listenerHealthPing    = "health-ping"
	listenerEcho          = "echo"
)

func onOrderCreated(logger *slog.Logger) messaging.HandlerFunc[Order] {
	return func(ctx context.Context, order Order) (any, error) {
		if order.ID == "" {
			return nil, fmt.Errorf("order without id")
		}
		logger.Info("order created", "order_id", order.ID, "amount", order.Amount)
		return nil, nil
	}
}

func onHealthPing(ctx context.Context, _ Ping) (any, error) {
	return "pong", nil
}

func onEcho(ctx context.Context, text string) (any, error) {
	return text, nil
}

// listenerRegistry knows every demo listener by name
func listenerRegistry(client *courier.Client, logger *slog.Logger) (*messaging.Registry, error) {
	opts := []messaging.Option{
		messaging.WithLogger(logger),
		messaging.WithMetrics(client.Metrics()),
		messaging.WithInterceptors(interceptors.NewLoggingInterceptor(logger)),
	}

	registry := messaging.NewRegistry()
	factories := map[string]messaging.Factory{
		listenerOrdersCreated: func() (messaging.Runner, error) {
			return messaging.NewListener[Order](client.Topic(), ordersCreated, onOrderCreated(logger), opts...)
		},
		listenerHealthPing: func() (messaging.Runner, error) {
			return messaging.NewListener[Ping](client.RPC(), healthPing, messaging.HandlerFunc[Ping](onHealthPing), opts...)
		},
		listenerEcho: func() (messaging.Runner, error) {
			return messaging.NewListener[string](client.PointToPoint(), echo, messaging.HandlerFunc[string](onEcho), opts...)
		},
	}

	for _, name := range []string{listenerOrdersCreated, listenerHealthPing, listenerEcho} {
		if err := registry.Register(name, factories[name]); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
