// Package brokertest provides an in-memory broker implementing messaging.Channel.
//
// It models the parts of AMQP the messaging transports rely on: topic and
// direct exchanges, the default exchange, durable and exclusive queues,
// per-consumer prefetch and manual acknowledgement.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/glimte/courier/contracts"
	"github.com/glimte/courier/messaging"
	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned for operations on a missing exchange or queue
	ErrNotFound = errors.New("brokertest: not found")

	// ErrPreconditionFailed is returned when a redeclaration does not match
	ErrPreconditionFailed = errors.New("brokertest: precondition failed")

	// ErrAlreadyAcknowledged is returned when a delivery is settled twice
	ErrAlreadyAcknowledged = errors.New("brokertest: delivery already acknowledged")
)

// Broker is an in-memory messaging.Channel
type Broker struct {
	setupMu    sync.Mutex
	setups     map[string]messaging.SetupFunc
	setupOrder []string

	mu            sync.Mutex
	exchanges     map[string]string
	exchangeDecls map[string]int
	queues        map[string]*queue
	bindings      []binding
	publishErr    error
	acks          int
}

type binding struct {
	queue      string
	exchange   string
	routingKey string
}

type queue struct {
	name       string
	options    messaging.QueueOptions
	ready      []contracts.Envelope
	consumers  []*consumer
	next       int
	unacked    int
	maxUnacked int
}

type consumer struct {
	tag     string
	queue   *queue
	options messaging.ConsumeOptions
	fn      func(messaging.Delivery)
	inbox   []*delivery
	unacked int
	signal  chan struct{}
	done    chan struct{}
	once    sync.Once
}

// New creates an empty broker
func New() *Broker {
	return &Broker{
		setups:        make(map[string]messaging.SetupFunc),
		exchanges:     make(map[string]string),
		exchangeDecls: make(map[string]int),
		queues:        make(map[string]*queue),
	}
}

var _ messaging.Channel = (*Broker)(nil)

// AddSetup implements messaging.Channel. The broker is always live, so the
// setup runs immediately. A failed setup is not recorded.
func (b *Broker) AddSetup(ctx context.Context, key string, fn messaging.SetupFunc) error {
	b.setupMu.Lock()
	defer b.setupMu.Unlock()

	if _, exists := b.setups[key]; exists {
		return nil
	}
	if err := fn(topology{b}); err != nil {
		return err
	}
	b.setups[key] = fn
	b.setupOrder = append(b.setupOrder, key)
	return nil
}

// RemoveSetup implements messaging.Channel
func (b *Broker) RemoveSetup(key string) {
	b.setupMu.Lock()
	defer b.setupMu.Unlock()

	if _, exists := b.setups[key]; !exists {
		return
	}
	delete(b.setups, key)
	for i, k := range b.setupOrder {
		if k == key {
			b.setupOrder = append(b.setupOrder[:i], b.setupOrder[i+1:]...)
			break
		}
	}
}

// Replay runs every recorded setup again in registration order, as a
// reconnecting channel would.
func (b *Broker) Replay() error {
	b.setupMu.Lock()
	defer b.setupMu.Unlock()

	for _, key := range b.setupOrder {
		if err := b.setups[key](topology{b}); err != nil {
			return fmt.Errorf("setup %s: %w", key, err)
		}
	}
	return nil
}

// Setups returns the recorded setup keys in registration order
func (b *Broker) Setups() []string {
	b.setupMu.Lock()
	defer b.setupMu.Unlock()
	return append([]string(nil), b.setupOrder...)
}

// Publish implements messaging.Channel
func (b *Broker) Publish(ctx context.Context, exchange, routingKey string, envelope contracts.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.publishErr != nil {
		return b.publishErr
	}

	envelope.Body = append([]byte(nil), envelope.Body...)

	if exchange == "" {
		// Unroutable messages on the default exchange are dropped
		if q, exists := b.queues[routingKey]; exists {
			q.ready = append(q.ready, envelope)
			b.pump(q)
		}
		return nil
	}

	kind, exists := b.exchanges[exchange]
	if !exists {
		return fmt.Errorf("%w: exchange %s", ErrNotFound, exchange)
	}

	for _, bnd := range b.bindings {
		if bnd.exchange != exchange || !matches(kind, bnd.routingKey, routingKey) {
			continue
		}
		if q, exists := b.queues[bnd.queue]; exists {
			q.ready = append(q.ready, envelope)
			b.pump(q)
		}
	}
	return nil
}

// Consume implements messaging.Channel
func (b *Broker) Consume(ctx context.Context, queueName string, options messaging.ConsumeOptions, fn func(messaging.Delivery)) (messaging.CancelFunc, error) {
	b.mu.Lock()
	q, exists := b.queues[queueName]
	if !exists {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: queue %s", ErrNotFound, queueName)
	}
	if options.Exclusive && len(q.consumers) > 0 {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: queue %s already has a consumer", ErrPreconditionFailed, queueName)
	}

	tag := options.Tag
	if tag == "" {
		tag = "ctag-" + uuid.NewString()
	}
	c := &consumer{
		tag:     tag,
		queue:   q,
		options: options,
		fn:      fn,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	q.consumers = append(q.consumers, c)
	b.pump(q)
	b.mu.Unlock()

	go b.run(ctx, c)

	return func() error {
		b.cancel(c)
		return nil
	}, nil
}

// DeleteQueues implements messaging.Channel
func (b *Broker) DeleteQueues(ctx context.Context, names ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, name := range names {
		q, exists := b.queues[name]
		if !exists {
			continue
		}
		for _, c := range q.consumers {
			c.stop()
		}
		q.consumers = nil
		delete(b.queues, name)

		bindings := b.bindings[:0]
		for _, bnd := range b.bindings {
			if bnd.queue != name {
				bindings = append(bindings, bnd)
			}
		}
		b.bindings = bindings
	}
	return nil
}

// SetPublishError makes every following Publish fail with err. Nil clears it.
func (b *Broker) SetPublishError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

// ExchangeDeclarations returns how often the exchange was declared
func (b *Broker) ExchangeDeclarations(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exchangeDecls[name]
}

// ExchangeKind returns the kind of a declared exchange
func (b *Broker) ExchangeKind(name string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kind, ok := b.exchanges[name]
	return kind, ok
}

// QueueExists reports whether the queue is declared
func (b *Broker) QueueExists(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, exists := b.queues[name]
	return exists
}

// QueueOptions returns the options the queue was declared with
func (b *Broker) QueueOptions(name string) (messaging.QueueOptions, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, exists := b.queues[name]
	if !exists {
		return messaging.QueueOptions{}, false
	}
	return q.options, true
}

// Ready returns the number of messages waiting in the queue
func (b *Broker) Ready(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, exists := b.queues[name]; exists {
		return len(q.ready)
	}
	return 0
}

// Unacked returns the deliveries of the queue awaiting acknowledgement
func (b *Broker) Unacked(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, exists := b.queues[name]; exists {
		return q.unacked
	}
	return 0
}

// MaxUnacked returns the highest number of simultaneously unacknowledged
// deliveries the queue has seen
func (b *Broker) MaxUnacked(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, exists := b.queues[name]; exists {
		return q.maxUnacked
	}
	return 0
}

// Consumers returns the number of active consumers on the queue
func (b *Broker) Consumers(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, exists := b.queues[name]; exists {
		return len(q.consumers)
	}
	return 0
}

// AckCount returns the total number of acknowledged deliveries
func (b *Broker) AckCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acks
}

// pump hands ready messages to consumers with spare prefetch, round robin.
// Callers hold b.mu.
func (b *Broker) pump(q *queue) {
	for len(q.ready) > 0 {
		c := q.nextConsumer()
		if c == nil {
			return
		}

		envelope := q.ready[0]
		q.ready = q.ready[1:]

		d := &delivery{broker: b, consumer: c, envelope: envelope, settled: c.options.AutoAck}
		if !c.options.AutoAck {
			c.unacked++
			q.unacked++
			if q.unacked > q.maxUnacked {
				q.maxUnacked = q.unacked
			}
		}
		c.inbox = append(c.inbox, d)

		select {
		case c.signal <- struct{}{}:
		default:
		}
	}
}

func (q *queue) nextConsumer() *consumer {
	n := len(q.consumers)
	for i := 0; i < n; i++ {
		c := q.consumers[(q.next+i)%n]
		if c.options.AutoAck || c.options.Prefetch <= 0 || c.unacked < c.options.Prefetch {
			q.next = (q.next + i + 1) % n
			return c
		}
	}
	return nil
}

// run passes deliveries to the consumer function one at a time
func (b *Broker) run(ctx context.Context, c *consumer) {
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			b.cancel(c)
			return
		case <-c.signal:
		}

		for {
			d := b.take(c)
			if d == nil {
				break
			}
			c.fn(d)
		}
	}
}

func (b *Broker) take(c *consumer) *delivery {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-c.done:
		return nil
	default:
	}

	if len(c.inbox) == 0 {
		return nil
	}
	d := c.inbox[0]
	c.inbox = c.inbox[1:]
	return d
}

// cancel removes the consumer. Deliveries it has not yet seen go back to the queue.
func (b *Broker) cancel(c *consumer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := c.queue
	for i, other := range q.consumers {
		if other == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if q.next >= len(q.consumers) {
		q.next = 0
	}

	var requeue []contracts.Envelope
	for _, d := range c.inbox {
		if !d.settled {
			d.settled = true
			c.unacked--
			q.unacked--
		}
		requeue = append(requeue, d.envelope)
	}
	c.inbox = nil
	q.ready = append(requeue, q.ready...)
	c.stop()

	b.pump(q)
}

func (c *consumer) stop() {
	c.once.Do(func() { close(c.done) })
}

func (b *Broker) settle(d *delivery, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if d.settled {
		return ErrAlreadyAcknowledged
	}
	d.settled = true

	c := d.consumer
	q := c.queue
	c.unacked--
	q.unacked--

	if requeue {
		q.ready = append([]contracts.Envelope{d.envelope}, q.ready...)
	} else {
		b.acks++
	}

	if current, exists := b.queues[q.name]; exists && current == q {
		b.pump(q)
	}
	return nil
}

type delivery struct {
	broker   *Broker
	consumer *consumer
	envelope contracts.Envelope
	settled  bool
}

func (d *delivery) Envelope() contracts.Envelope {
	return d.envelope
}

func (d *delivery) Ack() error {
	return d.broker.settle(d, false)
}

func (d *delivery) Nack(requeue bool) error {
	return d.broker.settle(d, requeue)
}

type topology struct {
	b *Broker
}

func (t topology) DeclareExchange(name, kind string, durable bool) error {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()

	if existing, exists := t.b.exchanges[name]; exists && existing != kind {
		return fmt.Errorf("%w: exchange %s is %s, not %s", ErrPreconditionFailed, name, existing, kind)
	}
	t.b.exchanges[name] = kind
	t.b.exchangeDecls[name]++
	return nil
}

func (t topology) DeclareQueue(name string, options messaging.QueueOptions) error {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()

	if existing, exists := t.b.queues[name]; exists {
		if existing.options.Durable != options.Durable || existing.options.Exclusive != options.Exclusive {
			return fmt.Errorf("%w: queue %s redeclared with different options", ErrPreconditionFailed, name)
		}
		return nil
	}
	t.b.queues[name] = &queue{name: name, options: options}
	return nil
}

func (t topology) BindQueue(queueName, exchange, routingKey string) error {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()

	if _, exists := t.b.queues[queueName]; !exists {
		return fmt.Errorf("%w: queue %s", ErrNotFound, queueName)
	}
	if _, exists := t.b.exchanges[exchange]; !exists {
		return fmt.Errorf("%w: exchange %s", ErrNotFound, exchange)
	}

	bnd := binding{queue: queueName, exchange: exchange, routingKey: routingKey}
	for _, existing := range t.b.bindings {
		if existing == bnd {
			return nil
		}
	}
	t.b.bindings = append(t.b.bindings, bnd)
	return nil
}

// matches applies exchange routing: equality for direct exchanges, AMQP
// wildcards (* one word, # zero or more words) for topic exchanges.
func matches(kind, pattern, routingKey string) bool {
	if kind != messaging.ExchangeTopic {
		return pattern == routingKey
	}
	return matchWords(strings.Split(pattern, "."), strings.Split(routingKey, "."))
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if matchWords(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchWords(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && matchWords(pattern[1:], key[1:])
	}
}
