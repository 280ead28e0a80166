package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// Dialer opens a broker connection
type Dialer func(url string) (*amqp.Connection, error)

// DefaultDialer dials with a 30 second connect timeout and a 10 second heartbeat
func DefaultDialer(url string) (*amqp.Connection, error) {
	return amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(30 * time.Second),
	})
}

// ConnectionManager owns the process broker connection.
//
// Dialing starts lazily on first use and runs in the background; callers are
// never blocked waiting for it. A dropped connection is redialed with
// exponential backoff.
type ConnectionManager struct {
	url            string
	dial           Dialer
	reconnectDelay time.Duration
	maxRetries     int
	logger         *slog.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	ready   chan struct{}
	lastErr error

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

var _ ConnectionSource = (*ConnectionManager)(nil)

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the base reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries sets the maximum number of consecutive dial attempts; -1 retries forever
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithDialer replaces the dialer
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// NewConnectionManager creates a connection manager. Nothing is dialed until first use.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		dial:           DefaultDialer,
		reconnectDelay: 5 * time.Second,
		maxRetries:     -1, // infinite retries by default
		logger:         slog.Default(),
		ready:          make(chan struct{}),
		done:           make(chan struct{}),
		stopped:        make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

func (cm *ConnectionManager) start() {
	cm.startOnce.Do(func() {
		go cm.run()
	})
}

// Connect starts dialing if needed and waits until connected or ctx ends
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.start()

	cm.mu.RLock()
	ready := cm.ready
	cm.mu.RUnlock()

	select {
	case <-ready:
		return nil
	case <-cm.stopped:
		cm.mu.RLock()
		defer cm.mu.RUnlock()
		if cm.lastErr != nil {
			return cm.lastErr
		}
		return ErrConnectionClosed
	case <-ctx.Done():
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       ErrConnectionTimeout,
			Timestamp: time.Now(),
		}
	}
}

// GetConnection returns the live connection. The first call starts dialing.
// It never blocks: until a connection is up it returns ErrConnectionNotReady,
// and once dial retries run out it returns the ErrMaxRetriesExceeded error.
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.start()

	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.conn == nil {
		if errors.Is(cm.lastErr, ErrMaxRetriesExceeded) {
			return nil, cm.lastErr
		}
		select {
		case <-cm.done:
			return nil, ErrConnectionClosed
		default:
		}
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn, nil
}

// OpenChannel opens a channel on the live connection
func (cm *ConnectionManager) OpenChannel() (AMQPChannel, error) {
	conn, err := cm.GetConnection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.conn != nil && !cm.conn.IsClosed()
}

// Close stops reconnecting and closes the connection
func (cm *ConnectionManager) Close() error {
	var err error
	cm.closeOnce.Do(func() {
		close(cm.done)

		cm.mu.Lock()
		defer cm.mu.Unlock()
		if cm.conn != nil {
			err = cm.conn.Close()
			cm.conn = nil
		}
	})
	return err
}

// run keeps a connection up until Close or until dial retries run out
func (cm *ConnectionManager) run() {
	defer close(cm.stopped)

	for {
		conn := cm.dialWithRetry()
		if conn == nil {
			return
		}

		notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))

		cm.mu.Lock()
		cm.conn = conn
		cm.lastErr = nil
		close(cm.ready)
		cm.mu.Unlock()

		cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
		cm.notifyConnected()

		select {
		case amqpErr := <-notifyClose:
			var err error
			if amqpErr != nil {
				err = amqpErr
				cm.logger.Error("connection closed", "error", amqpErr)
			}

			cm.mu.Lock()
			cm.conn = nil
			cm.ready = make(chan struct{})
			cm.mu.Unlock()

			cm.notifyDisconnected(err)

		case <-cm.done:
			cm.logger.Info("connection manager shutting down")
			return
		}
	}
}

// dialWithRetry dials until it succeeds, retries run out or the manager closes
func (cm *ConnectionManager) dialWithRetry() *amqp.Connection {
	retries := 0
	startTime := time.Now()

	for {
		select {
		case <-cm.done:
			return nil
		default:
		}

		if cm.maxRetries > 0 && retries >= cm.maxRetries {
			cm.logger.Error("max reconnection attempts reached",
				"attempts", retries,
				"duration", time.Since(startTime))

			err := &ConnectionError{
				Op:        "connect",
				URL:       SanitizeURL(cm.url),
				Err:       ErrMaxRetriesExceeded,
				Timestamp: time.Now(),
				Attempts:  retries,
			}
			cm.mu.Lock()
			cm.lastErr = err
			cm.mu.Unlock()

			cm.notifyDisconnected(err)
			return nil
		}

		if retries > 0 {
			cm.notifyReconnecting(retries)

			delay := cm.calculateBackoff(retries - 1)
			select {
			case <-time.After(delay):
			case <-cm.done:
				return nil
			}
		}

		conn, err := cm.dial(cm.url)
		if err == nil {
			if retries > 0 {
				cm.logger.Info("successfully reconnected to RabbitMQ",
					"attempts", retries+1,
					"duration", time.Since(startTime))
			}
			return conn
		}

		retries++
		cm.logger.Error("connection attempt failed",
			"url", SanitizeURL(cm.url),
			"error", err,
			"attempt", retries)

		cm.mu.Lock()
		cm.lastErr = &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  retries,
		}
		cm.mu.Unlock()
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}

// calculateBackoff calculates the backoff duration with jitter
func (cm *ConnectionManager) calculateBackoff(attempt int) time.Duration {
	base := cm.reconnectDelay
	if base <= 0 {
		base = 5 * time.Second
	}

	// Cap at 5 minutes
	maxDelay := 5 * time.Minute

	if attempt > 16 {
		attempt = 16
	}
	delay := base * time.Duration(1<<uint(attempt))
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}

	// Add jitter (±25%)
	jitter := time.Duration(float64(delay) * 0.25)
	if jitter > 0 {
		delay = delay - jitter/2 + time.Duration(time.Now().UnixNano()%int64(jitter))
	}

	return delay
}
