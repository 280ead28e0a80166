package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPChannel is the part of *amqp.Channel the ChannelManager drives
type AMQPChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

var _ AMQPChannel = (*amqp.Channel)(nil)

// ConnectionSource opens the channels a ChannelManager hands out
type ConnectionSource interface {
	OpenChannel() (AMQPChannel, error)
	AddStateListener(listener ConnectionStateListener)
}

// ConsumeOptions configures a consumer
type ConsumeOptions struct {
	Prefetch  int
	AutoAck   bool
	Exclusive bool
	Tag       string
}

type consumer struct {
	tag     string
	queue   string
	options ConsumeOptions
	handler func(amqp.Delivery)
}

// ChannelManager owns the one shared channel of a process.
//
// The channel is opened lazily and replaced wholesale when the broker closes
// it. Every registered setup and consumer is replayed on each new channel,
// so callers must never keep a channel obtained earlier.
type ChannelManager struct {
	conn       ConnectionSource
	logger     *slog.Logger
	retryDelay time.Duration

	mu      sync.Mutex
	ch      AMQPChannel
	ready   chan struct{} // closed while ch is set
	closed  bool
	opening sync.Mutex // held while a channel is being opened and replayed

	failOnce sync.Once
	failed   chan struct{}
	failErr  error

	setups    setupRegistry
	consumers map[string]*consumer
	order     []string

	startOnce sync.Once
	wake      chan struct{}
	done      chan struct{}
}

// ChannelOption configures the ChannelManager
type ChannelOption func(*ChannelManager)

// WithChannelLogger sets the logger
func WithChannelLogger(logger *slog.Logger) ChannelOption {
	return func(m *ChannelManager) {
		m.logger = logger
	}
}

// WithRetryDelay sets the delay between failed channel opens
func WithRetryDelay(delay time.Duration) ChannelOption {
	return func(m *ChannelManager) {
		m.retryDelay = delay
	}
}

// NewChannelManager creates a channel manager and subscribes it to connection state changes
func NewChannelManager(conn ConnectionSource, options ...ChannelOption) *ChannelManager {
	m := &ChannelManager{
		conn:       conn,
		logger:     slog.Default(),
		retryDelay: time.Second,
		ready:      make(chan struct{}),
		failed:     make(chan struct{}),
		consumers:  make(map[string]*consumer),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}

	for _, opt := range options {
		opt(m)
	}

	conn.AddStateListener(m)
	return m
}

// OnConnected implements ConnectionStateListener
func (m *ChannelManager) OnConnected() {
	m.signal()
}

// OnDisconnected implements ConnectionStateListener. Once the connection
// gives up redialing every waiting and later Channel call fails with its error.
func (m *ChannelManager) OnDisconnected(err error) {
	m.mu.Lock()
	m.invalidateLocked(m.ch)
	m.mu.Unlock()

	if errors.Is(err, ErrMaxRetriesExceeded) {
		m.fail(err)
	}
}

// OnReconnecting implements ConnectionStateListener
func (m *ChannelManager) OnReconnecting(attempt int) {}

// fail makes the manager permanently unavailable
func (m *ChannelManager) fail(err error) {
	m.failOnce.Do(func() {
		m.mu.Lock()
		m.failErr = err
		m.mu.Unlock()
		close(m.failed)
		m.logger.Error("broker connection gave up, channel unavailable", "error", err)
	})
}

func (m *ChannelManager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *ChannelManager) start() {
	m.startOnce.Do(func() {
		go m.maintain()
		m.signal()
	})
}

// maintain opens a channel whenever there is none
func (m *ChannelManager) maintain() {
	for {
		select {
		case <-m.done:
			return
		case <-m.wake:
		}

		for !m.live() {
			err := m.open()
			if err == nil {
				break
			}
			if errors.Is(err, ErrMaxRetriesExceeded) {
				m.fail(err)
				break
			}
			if errors.Is(err, ErrConnectionNotReady) || errors.Is(err, ErrConnectionClosed) {
				// OnConnected signals again
				break
			}

			m.logger.Warn("failed to open channel", "error", err, "retryIn", m.retryDelay)
			select {
			case <-time.After(m.retryDelay):
			case <-m.done:
				return
			}
		}
	}
}

func (m *ChannelManager) live() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropStaleLocked()
	return m.closed || m.ch != nil
}

// dropStaleLocked forgets a current channel that closed without a close
// notification. It reports whether one was dropped. Callers hold m.mu.
func (m *ChannelManager) dropStaleLocked() bool {
	if m.ch == nil || !m.ch.IsClosed() {
		return false
	}
	m.invalidateLocked(m.ch)
	return true
}

// open creates a channel, replays setups and consumers, then publishes it
func (m *ChannelManager) open() error {
	m.opening.Lock()
	defer m.opening.Unlock()

	ch, err := m.conn.OpenChannel()
	if err != nil {
		return &ChannelError{Op: "open", Err: err, Timestamp: time.Now()}
	}
	notifyClose := ch.NotifyClose(make(chan *amqp.Error, 1))

	for _, s := range m.setups.snapshot() {
		if err := s.fn(ch); err != nil {
			// A failed declaration closes the channel; drop it so the next channel can come up
			m.setups.remove(s.key)
			_ = ch.Close()
			m.logger.Error("setup failed and was dropped", "key", s.key, "error", err)
			return &SetupError{Key: s.key, Err: err, Timestamp: time.Now()}
		}
	}

	for _, c := range m.consumerSnapshot() {
		if err := m.startConsumer(ch, c); err != nil {
			m.dropConsumer(c.tag)
			_ = ch.Close()
			m.logger.Error("consumer failed and was dropped", "queue", c.queue, "tag", c.tag, "error", err)
			return err
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ch.Close()
	}
	m.dropStaleLocked()
	if m.ch != nil {
		m.mu.Unlock()
		return ch.Close()
	}
	m.ch = ch
	close(m.ready)
	m.mu.Unlock()

	go m.watch(ch, notifyClose)

	m.logger.Info("channel opened", "setups", len(m.setups.keys()), "consumers", len(m.consumerSnapshot()))
	return nil
}

func (m *ChannelManager) watch(ch AMQPChannel, notifyClose chan *amqp.Error) {
	select {
	case err := <-notifyClose:
		if err != nil {
			m.logger.Warn("channel closed by broker", "code", err.Code, "reason", err.Reason)
		}
	case <-m.done:
		return
	}

	m.mu.Lock()
	m.invalidateLocked(ch)
	m.mu.Unlock()
	m.signal()
}

// invalidateLocked forgets ch if it is the current channel. Callers hold m.mu.
func (m *ChannelManager) invalidateLocked(ch AMQPChannel) {
	if ch == nil || m.ch != ch {
		return
	}
	m.ch = nil
	m.ready = make(chan struct{})
}

// Channel waits for the shared channel, bounded by ctx. It fails at once
// when the connection has given up redialing.
func (m *ChannelManager) Channel(ctx context.Context) (AMQPChannel, error) {
	m.start()

	for {
		m.mu.Lock()
		stale := m.dropStaleLocked()
		ch, ready, closed, failErr := m.ch, m.ready, m.closed, m.failErr
		m.mu.Unlock()

		if stale {
			m.signal()
		}
		if closed {
			return nil, ErrChannelClosed
		}
		if failErr != nil {
			return nil, &ChannelError{Op: "acquire", Err: failErr, Timestamp: time.Now()}
		}
		if ch != nil {
			return ch, nil
		}

		select {
		case <-ready:
		case <-m.failed:
		case <-ctx.Done():
			return nil, &ChannelError{Op: "acquire", Err: ctx.Err(), Timestamp: time.Now()}
		case <-m.done:
			return nil, ErrChannelClosed
		}
	}
}

func (m *ChannelManager) current() AMQPChannel {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ch == nil || m.ch.IsClosed() {
		return nil
	}
	return m.ch
}

// IsReady reports whether a channel is open
func (m *ChannelManager) IsReady() bool {
	return m.current() != nil
}

// AddSetup records a keyed setup and runs it at once if a channel is open.
// Otherwise it runs when the channel opens. Adding a registered key is a no-op.
// A setup that fails when run here is not recorded.
func (m *ChannelManager) AddSetup(ctx context.Context, key string, fn SetupFunc) error {
	m.start()

	m.opening.Lock()
	defer m.opening.Unlock()

	if !m.setups.add(key, fn) {
		return nil
	}

	ch := m.current()
	if ch == nil {
		return nil
	}

	if err := fn(ch); err != nil {
		m.setups.remove(key)
		return &SetupError{Key: key, Err: err, Timestamp: time.Now()}
	}
	return nil
}

// RemoveSetup stops replaying the setup
func (m *ChannelManager) RemoveSetup(key string) {
	m.setups.remove(key)
}

// Setups returns the registered setup keys in order
func (m *ChannelManager) Setups() []string {
	return m.setups.keys()
}

// Consume registers a consumer that survives channel replacement and returns its cancel function.
// The consumer also stops when ctx is done.
func (m *ChannelManager) Consume(ctx context.Context, queue string, options ConsumeOptions, handler func(amqp.Delivery)) (func() error, error) {
	m.start()

	tag := options.Tag
	if tag == "" {
		tag = "courier-" + uuid.NewString()
	}
	c := &consumer{tag: tag, queue: queue, options: options, handler: handler}

	m.opening.Lock()
	m.mu.Lock()
	m.consumers[tag] = c
	m.order = append(m.order, tag)
	m.mu.Unlock()

	var err error
	if ch := m.current(); ch != nil {
		err = m.startConsumer(ch, c)
	}
	m.opening.Unlock()

	if err != nil {
		m.dropConsumer(tag)
		return nil, err
	}

	stopped := make(chan struct{})
	var once sync.Once
	cancel := func() error {
		var cancelErr error
		once.Do(func() {
			close(stopped)
			cancelErr = m.cancelConsumer(tag)
		})
		return cancelErr
	}

	go func() {
		select {
		case <-ctx.Done():
			_ = cancel()
		case <-stopped:
		case <-m.done:
		}
	}()

	return cancel, nil
}

func (m *ChannelManager) startConsumer(ch AMQPChannel, c *consumer) error {
	if !c.options.AutoAck {
		if err := ch.Qos(c.options.Prefetch, 0, false); err != nil {
			return &ConsumerError{Queue: c.queue, ConsumerTag: c.tag, Op: "qos", Err: err, Timestamp: time.Now()}
		}
	}

	deliveries, err := ch.Consume(c.queue, c.tag, c.options.AutoAck, c.options.Exclusive, false, false, nil)
	if err != nil {
		return &ConsumerError{Queue: c.queue, ConsumerTag: c.tag, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	go func() {
		for d := range deliveries {
			c.handler(d)
		}
	}()
	return nil
}

func (m *ChannelManager) consumerSnapshot() []*consumer {
	m.mu.Lock()
	defer m.mu.Unlock()

	consumers := make([]*consumer, 0, len(m.order))
	for _, tag := range m.order {
		consumers = append(consumers, m.consumers[tag])
	}
	return consumers
}

func (m *ChannelManager) dropConsumer(tag string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.consumers[tag]; !exists {
		return false
	}
	delete(m.consumers, tag)
	for i, t := range m.order {
		if t == tag {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true
}

func (m *ChannelManager) cancelConsumer(tag string) error {
	if !m.dropConsumer(tag) {
		return nil
	}
	ch := m.current()
	if ch == nil {
		return nil
	}
	if err := ch.Cancel(tag, false); err != nil {
		return &ConsumerError{ConsumerTag: tag, Op: "cancel", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// Publish publishes on the shared channel, waiting for it if needed
func (m *ChannelManager) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	ch, err := m.Channel(ctx)
	if err != nil {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
	}

	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
	}
	return nil
}

// DeleteQueues deletes queues without waiting for each confirmation
func (m *ChannelManager) DeleteQueues(ctx context.Context, names ...string) error {
	ch, err := m.Channel(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, name := range names {
		if _, err := ch.QueueDelete(name, false, false, true); err != nil {
			errs = append(errs, &ChannelError{Op: "delete queue " + name, Err: err, Timestamp: time.Now()})
		}
	}
	return errors.Join(errs...)
}

// Close closes the channel and stops replaying
func (m *ChannelManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	close(m.done)

	if m.ch != nil {
		err := m.ch.Close()
		m.ch = nil
		return err
	}
	return nil
}
