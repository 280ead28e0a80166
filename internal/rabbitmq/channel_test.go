package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// offlineSource never has a connection
type offlineSource struct {
	mu        sync.Mutex
	listeners []ConnectionStateListener
	calls     int
}

func (s *offlineSource) OpenChannel() (AMQPChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return nil, ErrConnectionNotReady
}

func (s *offlineSource) AddStateListener(listener ConnectionStateListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
}

func (s *offlineSource) getCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// fakeChannel records the topology and consumers declared on it
type fakeChannel struct {
	id int

	mu         sync.Mutex
	closed     bool
	events     []string
	notify     []chan *amqp.Error
	deliveries map[string]chan amqp.Delivery
}

func newFakeChannel(id int) *fakeChannel {
	return &fakeChannel{id: id, deliveries: make(map[string]chan amqp.Delivery)}
}

func (c *fakeChannel) record(event string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.events = append(c.events, event)
	return nil
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return c.record("exchange:" + name)
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: name}, c.record("queue:" + name)
}

func (c *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return c.record("bind:" + name)
}

func (c *fakeChannel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	return 0, c.record("delete:" + name)
}

func (c *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return c.record(fmt.Sprintf("qos:%d", prefetchCount))
}

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if err := c.record("consume:" + queue); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	deliveries := make(chan amqp.Delivery, 4)
	c.deliveries[queue] = deliveries
	return deliveries, nil
}

func (c *fakeChannel) Cancel(consumer string, noWait bool) error {
	return c.record("cancel:" + consumer)
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return c.record("publish:" + exchange + "/" + key)
}

func (c *fakeChannel) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(ch)
		return ch
	}
	c.notify = append(c.notify, ch)
	return ch
}

func (c *fakeChannel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) Close() error {
	c.shutdown(nil)
	return nil
}

// shutdown closes the channel the way the broker does, reporting err to NotifyClose
func (c *fakeChannel) shutdown(err *amqp.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, ch := range c.notify {
		if err != nil {
			ch <- err
		}
		close(ch)
	}
	for _, d := range c.deliveries {
		close(d)
	}
}

// markClosed closes the channel without any close notification
func (c *fakeChannel) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeChannel) deliver(queue string, body string) {
	c.mu.Lock()
	deliveries := c.deliveries[queue]
	c.mu.Unlock()
	deliveries <- amqp.Delivery{Body: []byte(body)}
}

func (c *fakeChannel) recorded() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...)
}

// channelSource hands out a new fakeChannel on every open
type channelSource struct {
	mu        sync.Mutex
	listeners []ConnectionStateListener
	opened    []*fakeChannel
	err       error
}

func (s *channelSource) OpenChannel() (AMQPChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	ch := newFakeChannel(len(s.opened) + 1)
	s.opened = append(s.opened, ch)
	return ch, nil
}

func (s *channelSource) AddStateListener(listener ConnectionStateListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
}

func (s *channelSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.opened)
}

func (s *channelSource) channel(id int) *fakeChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened[id-1]
}

func declareExchange(name string) SetupFunc {
	return func(ch AMQPChannel) error {
		return ch.ExchangeDeclare(name, "topic", true, false, false, false, nil)
	}
}

func acquire(t *testing.T, manager *ChannelManager) *fakeChannel {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ch, err := manager.Channel(ctx)
	require.NoError(t, err)
	fc, ok := ch.(*fakeChannel)
	require.True(t, ok)
	return fc
}

func TestChannelManager(t *testing.T) {
	t.Run("registers as state listener", func(t *testing.T) {
		source := &offlineSource{}
		manager := NewChannelManager(source)
		defer manager.Close()

		require.Len(t, source.listeners, 1)
		assert.Equal(t, manager, source.listeners[0])
	})

	t.Run("setups are recorded while offline", func(t *testing.T) {
		manager := NewChannelManager(&offlineSource{}, WithChannelLogger(quietLogger()))
		defer manager.Close()

		ran := false
		fn := func(ch AMQPChannel) error {
			ran = true
			return nil
		}

		require.NoError(t, manager.AddSetup(context.Background(), "exchange:orders", fn))
		require.NoError(t, manager.AddSetup(context.Background(), "exchange:orders", fn))
		require.NoError(t, manager.AddSetup(context.Background(), "queue:orders.created", fn))

		assert.False(t, ran)
		assert.Equal(t, []string{"exchange:orders", "queue:orders.created"}, manager.Setups())

		manager.RemoveSetup("exchange:orders")
		assert.Equal(t, []string{"queue:orders.created"}, manager.Setups())
	})

	t.Run("first use asks for the connection", func(t *testing.T) {
		source := &offlineSource{}
		manager := NewChannelManager(source, WithChannelLogger(quietLogger()))
		defer manager.Close()

		assert.Equal(t, 0, source.getCalls())
		assert.False(t, manager.IsReady())

		require.NoError(t, manager.AddSetup(context.Background(), "k", func(AMQPChannel) error { return nil }))
		assert.Eventually(t, func() bool { return source.getCalls() > 0 }, time.Second, time.Millisecond)
	})

	t.Run("Channel waits until ctx ends", func(t *testing.T) {
		manager := NewChannelManager(&offlineSource{}, WithChannelLogger(quietLogger()))
		defer manager.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := manager.Channel(ctx)
		var chErr *ChannelError
		require.ErrorAs(t, err, &chErr)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("Publish fails with ctx while offline", func(t *testing.T) {
		manager := NewChannelManager(&offlineSource{}, WithChannelLogger(quietLogger()))
		defer manager.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		err := manager.Publish(ctx, "orders", "created", amqp.Publishing{Body: []byte("{}")})
		var pubErr *PublishError
		require.ErrorAs(t, err, &pubErr)
		assert.Equal(t, "orders", pubErr.Exchange)
	})

	t.Run("consumers are kept until cancelled", func(t *testing.T) {
		manager := NewChannelManager(&offlineSource{}, WithChannelLogger(quietLogger()))
		defer manager.Close()

		ctx, cancel := context.WithCancel(context.Background())
		stop, err := manager.Consume(ctx, "orders.created", ConsumeOptions{Prefetch: 10}, func(amqp.Delivery) {})
		require.NoError(t, err)
		_, err = manager.Consume(context.Background(), "orders.deleted", ConsumeOptions{Tag: "fixed"}, func(amqp.Delivery) {})
		require.NoError(t, err)

		assert.Len(t, manager.consumerSnapshot(), 2)

		require.NoError(t, stop())
		require.NoError(t, stop())
		assert.Len(t, manager.consumerSnapshot(), 1)
		assert.Equal(t, "fixed", manager.consumerSnapshot()[0].tag)

		cancel()
	})

	t.Run("cancelled ctx drops the consumer", func(t *testing.T) {
		manager := NewChannelManager(&offlineSource{}, WithChannelLogger(quietLogger()))
		defer manager.Close()

		ctx, cancel := context.WithCancel(context.Background())
		_, err := manager.Consume(ctx, "orders.created", ConsumeOptions{}, func(amqp.Delivery) {})
		require.NoError(t, err)

		cancel()
		assert.Eventually(t, func() bool { return len(manager.consumerSnapshot()) == 0 }, time.Second, time.Millisecond)
	})

	t.Run("closed manager refuses channels", func(t *testing.T) {
		manager := NewChannelManager(&offlineSource{})
		require.NoError(t, manager.Close())
		require.NoError(t, manager.Close())

		_, err := manager.Channel(context.Background())
		assert.ErrorIs(t, err, ErrChannelClosed)
	})
}

func TestChannelReplacement(t *testing.T) {
	forced := &amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED"}

	t.Run("setups and consumers replay in order on every new channel", func(t *testing.T) {
		source := &channelSource{}
		manager := NewChannelManager(source, WithChannelLogger(quietLogger()), WithRetryDelay(time.Millisecond))
		defer manager.Close()

		received := make(chan string, 4)
		handler := func(d amqp.Delivery) { received <- string(d.Body) }

		ctx := context.Background()
		require.NoError(t, manager.AddSetup(ctx, "exchange:a", declareExchange("a")))
		require.NoError(t, manager.AddSetup(ctx, "exchange:b", declareExchange("b")))
		_, err := manager.Consume(ctx, "q1", ConsumeOptions{Prefetch: 5, Tag: "c1"}, handler)
		require.NoError(t, err)
		_, err = manager.Consume(ctx, "q2", ConsumeOptions{Prefetch: 5, Tag: "c2"}, handler)
		require.NoError(t, err)

		want := []string{"exchange:a", "exchange:b", "qos:5", "consume:q1", "qos:5", "consume:q2"}

		first := acquire(t, manager)
		assert.Equal(t, 1, first.id)
		assert.Equal(t, want, first.recorded())

		manager.OnDisconnected(forced)
		first.shutdown(forced)
		manager.OnConnected()

		assert.Eventually(t, func() bool { return source.count() == 2 && manager.IsReady() }, time.Second, time.Millisecond)
		second := acquire(t, manager)
		assert.Equal(t, 2, second.id)
		assert.Equal(t, want, second.recorded())

		second.deliver("q2", "after reconnect")
		select {
		case body := <-received:
			assert.Equal(t, "after reconnect", body)
		case <-time.After(time.Second):
			t.Fatal("delivery on the replacement channel was not handled")
		}
	})

	t.Run("setup failing on replay is dropped", func(t *testing.T) {
		source := &channelSource{}
		manager := NewChannelManager(source, WithChannelLogger(quietLogger()), WithRetryDelay(time.Millisecond))
		defer manager.Close()

		var refuse atomic.Bool
		broken := func(ch AMQPChannel) error {
			if refuse.Load() {
				return errors.New("PRECONDITION_FAILED")
			}
			return ch.ExchangeDeclare("broken", "topic", true, false, false, false, nil)
		}

		ctx := context.Background()
		require.NoError(t, manager.AddSetup(ctx, "exchange:a", declareExchange("a")))
		require.NoError(t, manager.AddSetup(ctx, "exchange:broken", broken))
		_, err := manager.Consume(ctx, "q1", ConsumeOptions{Prefetch: 1}, func(amqp.Delivery) {})
		require.NoError(t, err)

		first := acquire(t, manager)
		refuse.Store(true)
		first.shutdown(forced)

		assert.Eventually(t, func() bool { return source.count() == 3 && manager.IsReady() }, time.Second, time.Millisecond)
		assert.Equal(t, []string{"exchange:a"}, manager.Setups())
		assert.True(t, source.channel(2).IsClosed())
		assert.Equal(t, []string{"exchange:a", "qos:1", "consume:q1"}, source.channel(3).recorded())
	})

	t.Run("channel closed without notification is replaced", func(t *testing.T) {
		source := &channelSource{}
		manager := NewChannelManager(source, WithChannelLogger(quietLogger()), WithRetryDelay(time.Millisecond))
		defer manager.Close()

		first := acquire(t, manager)
		first.markClosed()

		// the stale channel is still current when the reconnect signal arrives
		manager.OnConnected()
		assert.Eventually(t, func() bool { return source.count() == 2 }, time.Second, time.Millisecond)

		second := acquire(t, manager)
		assert.Equal(t, 2, second.id)
		assert.False(t, second.IsClosed())
	})

	t.Run("Channel replaces a stale channel on its own", func(t *testing.T) {
		source := &channelSource{}
		manager := NewChannelManager(source, WithChannelLogger(quietLogger()), WithRetryDelay(time.Millisecond))
		defer manager.Close()

		acquire(t, manager).markClosed()

		second := acquire(t, manager)
		assert.Equal(t, 2, second.id)
		assert.Equal(t, 2, source.count())
	})

	t.Run("Publish goes to the current channel", func(t *testing.T) {
		source := &channelSource{}
		manager := NewChannelManager(source, WithChannelLogger(quietLogger()))
		defer manager.Close()

		require.NoError(t, manager.Publish(context.Background(), "orders", "created", amqp.Publishing{}))
		assert.Equal(t, []string{"publish:orders/created"}, source.channel(1).recorded())
	})
}

func TestChannelManagerGivesUp(t *testing.T) {
	exhausted := &ConnectionError{Op: "connect", Err: ErrMaxRetriesExceeded, Attempts: 3}

	acquireWithin := func(t *testing.T, manager *ChannelManager) error {
		t.Helper()
		result := make(chan error, 1)
		go func() {
			_, err := manager.Channel(context.Background())
			result <- err
		}()
		select {
		case err := <-result:
			return err
		case <-time.After(time.Second):
			t.Fatal("Channel kept waiting after the connection gave up")
			return nil
		}
	}

	t.Run("open failure stops waiters", func(t *testing.T) {
		source := &channelSource{err: exhausted}
		manager := NewChannelManager(source, WithChannelLogger(quietLogger()), WithRetryDelay(time.Millisecond))
		defer manager.Close()

		err := acquireWithin(t, manager)
		assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
		var chErr *ChannelError
		assert.ErrorAs(t, err, &chErr)
	})

	t.Run("disconnect notification stops waiters", func(t *testing.T) {
		manager := NewChannelManager(&offlineSource{}, WithChannelLogger(quietLogger()))
		defer manager.Close()

		go func() {
			time.Sleep(10 * time.Millisecond)
			manager.OnDisconnected(exhausted)
		}()
		assert.ErrorIs(t, acquireWithin(t, manager), ErrMaxRetriesExceeded)

		err := manager.Publish(context.Background(), "orders", "created", amqp.Publishing{})
		assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
	})

	t.Run("on top of a connection manager", func(t *testing.T) {
		var attempts atomic.Int32
		conn := NewConnectionManager("amqp://localhost:5672",
			WithDialer(refusingDialer(&attempts)),
			WithReconnectDelay(time.Millisecond),
			WithMaxRetries(2),
			WithLogger(quietLogger()),
		)
		defer conn.Close()
		manager := NewChannelManager(conn, WithChannelLogger(quietLogger()), WithRetryDelay(time.Millisecond))
		defer manager.Close()

		assert.ErrorIs(t, acquireWithin(t, manager), ErrMaxRetriesExceeded)
		assert.Equal(t, int32(2), attempts.Load())
	})
}

func TestSetupRegistry(t *testing.T) {
	var r setupRegistry
	noop := func(AMQPChannel) error { return nil }

	assert.True(t, r.add("a", noop))
	assert.True(t, r.add("b", noop))
	assert.False(t, r.add("a", noop))
	assert.True(t, r.has("a"))
	assert.Equal(t, []string{"a", "b"}, r.keys())

	r.remove("a")
	r.remove("missing")
	assert.False(t, r.has("a"))
	assert.Len(t, r.snapshot(), 1)
}
