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
}

// ConnectionManager owns the broker connection and its single channel.
// The pair is always both set or both empty.
type ConnectionManager struct {
	url            string
	dial           DialFunc
	connectTimeout time.Duration
	logger         *slog.Logger

	mu   sync.RWMutex
	conn Connection
	ch   Channel

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialer replaces the AMQP dialer
func WithDialer(dial DialFunc) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// WithConnectTimeout bounds a single dial attempt
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		dial:           Dial,
		connectTimeout: 30 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

type dialResult struct {
	conn Connection
	err  error
}

// Connect dials the broker and opens a channel. Any previously stored pair is
// replaced and closed.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	connCtx, cancel := context.WithTimeout(ctx, cm.connectTimeout)
	defer cancel()

	resultChan := make(chan dialResult, 1)
	go func() {
		conn, err := cm.dial(cm.url)
		resultChan <- dialResult{conn: conn, err: err}
	}()

	var conn Connection
	select {
	case res := <-resultChan:
		if res.err != nil {
			return cm.connectionError("connect", res.err)
		}
		conn = res.conn

	case <-connCtx.Done():
		// the dial may still succeed after we gave up on it
		go func() {
			if res := <-resultChan; res.conn != nil {
				res.conn.Close()
			}
		}()
		err := connCtx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrConnectionTimeout
		}
		return cm.connectionError("connect", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			cm.logger.Warn("failed to close connection after channel error", "error", closeErr)
		}
		return cm.connectionError("open channel", err)
	}

	cm.mu.Lock()
	oldConn, oldCh := cm.conn, cm.ch
	cm.conn, cm.ch = conn, ch
	cm.mu.Unlock()

	if oldConn != nil {
		cm.closePair(oldConn, oldCh)
	}

	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	go cm.watchClose(notifyClose)

	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	cm.notifyConnected()

	return nil
}

// IsHealthy reports whether a stored connection is open right now
func (cm *ConnectionManager) IsHealthy() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.conn != nil && !cm.conn.IsClosed()
}

// Channel returns the current channel
func (cm *ConnectionManager) Channel() (Channel, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.ch == nil {
		return nil, ErrNotConnected
	}
	return cm.ch, nil
}

// Disconnect closes the channel and then the connection. It is safe to call
// repeatedly; close errors are logged.
func (cm *ConnectionManager) Disconnect() {
	cm.mu.Lock()
	conn, ch := cm.conn, cm.ch
	cm.conn, cm.ch = nil, nil
	cm.mu.Unlock()

	if conn == nil {
		return
	}

	cm.closePair(conn, ch)
	cm.logger.Info("disconnected from RabbitMQ")
	cm.notifyDisconnected(nil)
}

func (cm *ConnectionManager) closePair(conn Connection, ch Channel) {
	if ch != nil && !ch.IsClosed() {
		if err := ch.Close(); err != nil {
			cm.logger.Warn("failed to close channel", "error", err)
		}
	}
	if !conn.IsClosed() {
		if err := conn.Close(); err != nil {
			cm.logger.Warn("failed to close connection", "error", err)
		}
	}
}

// watchClose logs broker-initiated closes. A graceful close closes the
// channel without sending.
func (cm *ConnectionManager) watchClose(notifyClose <-chan *amqp.Error) {
	amqpErr, ok := <-notifyClose
	if !ok || amqpErr == nil {
		return
	}

	cm.logger.Error("connection closed by broker",
		"error", amqpErr,
		"code", amqpErr.Code,
		"recoverable", amqpErr.Recover,
	)
	cm.notifyDisconnected(amqpErr)
}

func (cm *ConnectionManager) connectionError(op string, err error) error {
	return &ConnectionError{
		Op:        op,
		URL:       SanitizeURL(cm.url),
		Err:       err,
		Timestamp: time.Now(),
		Attempts:  1,
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
