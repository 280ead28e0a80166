package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glimte/courier"
	"github.com/glimte/courier/config"
	"github.com/glimte/courier/internal/brokertest"
	"github.com/glimte/courier/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewLogger(t *testing.T) {
	t.Run("stderr by default", func(t *testing.T) {
		logger, sink, err := newLogger(config.Default())
		require.NoError(t, err)
		assert.NotNil(t, logger)
		assert.NoError(t, sink.Close())
	})

	t.Run("json to a rolling file", func(t *testing.T) {
		cfg := config.Default()
		cfg.LogFile = filepath.Join(t.TempDir(), "courier.log")

		logger, sink, err := newLogger(cfg)
		require.NoError(t, err)
		logger.Info("hello", "key", "value")
		require.NoError(t, sink.Close())

		content, err := os.ReadFile(cfg.LogFile)
		require.NoError(t, err)
		assert.Contains(t, string(content), `"msg":"hello"`)
		assert.Contains(t, string(content), `"key":"value"`)
	})

	t.Run("debug records are dropped at info", func(t *testing.T) {
		cfg := config.Default()
		cfg.LogFile = filepath.Join(t.TempDir(), "courier.log")

		logger, sink, err := newLogger(cfg)
		require.NoError(t, err)
		logger.Debug("hidden")
		require.NoError(t, sink.Close())

		content, _ := os.ReadFile(cfg.LogFile)
		assert.NotContains(t, string(content), "hidden")
	})
}

func TestListenerRegistry(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	broker := brokertest.New()
	cfg := config.Default()
	cfg.ServiceBindAddress = "127.0.0.1:0"

	client, err := courier.New(cfg, courier.WithChannel(broker), courier.WithLogger(quietLogger()))
	require.NoError(t, err)
	defer client.Close()

	registry, err := listenerRegistry(client, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{listenerOrdersCreated, listenerHealthPing, listenerEcho}, registry.Names())

	worker, err := messaging.NewWorker(registry, []any{listenerOrdersCreated, listenerHealthPing, listenerEcho},
		messaging.WithWorkerLogger(quietLogger()))
	require.NoError(t, err)
	require.NoError(t, worker.Start(ctx))

	t.Run("orders created is acked", func(t *testing.T) {
		event, err := messaging.NewEvent(client.Topic(), ordersCreated, Order{ID: "o-1", Amount: 9.5},
			messaging.WithLogger(quietLogger()))
		require.NoError(t, err)
		require.NoError(t, messaging.Dispatch(ctx, event))

		assert.Eventually(t, func() bool {
			return broker.AckCount() >= 1
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("health ping answers pong", func(t *testing.T) {
		call, err := messaging.NewCall[Ping, string](client.RPC(), healthPing, Ping{From: "test"},
			messaging.WithLogger(quietLogger()))
		require.NoError(t, err)

		reply, err := messaging.DispatchCall(ctx, call)
		require.NoError(t, err)
		assert.Equal(t, "pong", reply)
	})

	t.Run("echo over point-to-point", func(t *testing.T) {
		call, err := messaging.NewCall[string, string](client.PointToPoint(), echo, "hi",
			messaging.WithLogger(quietLogger()))
		require.NoError(t, err)

		reply, err := messaging.DispatchCall(ctx, call)
		require.NoError(t, err)
		assert.Equal(t, "hi", reply)
	})
}

func TestOrderHandlerRejectsMissingID(t *testing.T) {
	_, err := onOrderCreated(quietLogger())(context.Background(), Order{})
	assert.Error(t, err)
}

func TestRootCommand(t *testing.T) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--help"})

	require.NoError(t, cmd.Execute())
	for _, sub := range []string{"worker", "publish", "call", "p2p"} {
		assert.Contains(t, out.String(), sub)
	}
}
