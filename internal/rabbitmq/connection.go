package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/stockline/eventcore/contracts"
	"github.com/stockline/eventcore/internal/clock"
	"github.com/stockline/eventcore/internal/reliability"
)

// ConnectionManager owns the broker connection and drives the state machine
//
//	Disconnected -> Connecting -> Connected -> Degraded -> Reconnecting -> Connected | Disconnected
//
// A Disconnected state reached by crossing the attempt ceiling is followed,
// after the recovery delay, by a fresh Reconnecting cycle until one succeeds
// or the manager is closed. Listeners are notified of every transition, one
// at a time and in order.
type ConnectionManager struct {
	dial           Dialer
	url            string
	logger         *slog.Logger
	clock          clock.Clock
	backoff        *reliability.ExponentialBackoff
	maxAttempts    int
	connectTimeout time.Duration
	recoveryDelay  time.Duration

	mu      sync.RWMutex
	conn    Connection
	state   State
	lastErr error
	dialing bool
	closed  bool
	done    chan struct{}

	listenersMu sync.RWMutex
	listeners   []StateListener
	events      chan transition
}

type transition struct {
	from, to State
	err      error
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithClock sets the clock used for backoff waits
func WithClock(clk clock.Clock) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.clock = clk
	}
}

// WithBackoff sets the reconnect backoff: base delay doubling up to cap, plus
// up to jitter*delay of random spread
func WithBackoff(base, cap time.Duration, jitter float64) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.backoff = reliability.NewExponentialBackoff(base, cap, jitter, 0)
	}
}

// WithMaxAttempts sets the connection attempt ceiling. Zero or less retries
// forever.
func WithMaxAttempts(attempts int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxAttempts = attempts
	}
}

// WithRecoveryDelay sets the pause between giving up on a connection cycle
// and starting the next one. Zero or less leaves the manager Disconnected
// until Connect is called again.
func WithRecoveryDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.recoveryDelay = delay
	}
}

// WithConnectTimeout bounds a single dial
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// WithURL records the broker URL for logging. The password is never logged.
func WithURL(url string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.url = SanitizeURL(url)
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(dial Dialer, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		dial:           dial,
		url:            "***",
		logger:         slog.Default(),
		clock:          clock.Real(),
		backoff:        reliability.NewExponentialBackoff(500*time.Millisecond, 30*time.Second, 0.2, 0),
		maxAttempts:    10,
		connectTimeout: 30 * time.Second,
		recoveryDelay:  30 * time.Second,
		state:          StateDisconnected,
		done:           make(chan struct{}),
		events:         make(chan transition, 64),
	}

	for _, opt := range options {
		opt(cm)
	}

	go cm.dispatch()
	return cm
}

// Connect establishes the connection, retrying with backoff up to the
// attempt ceiling. Crossing the ceiling returns a
// *contracts.BrokerUnavailableError and leaves the manager Disconnected
// until the next recovery cycle.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return ErrManagerClosed
	}
	if cm.state == StateConnected || cm.dialing {
		cm.mu.Unlock()
		return nil
	}
	cm.dialing = true
	cm.transitionLocked(StateConnecting, nil)
	cm.mu.Unlock()

	err := cm.dialLoop(ctx)
	cm.Flush()
	return err
}

// Connection returns the live connection
func (cm *ConnectionManager) Connection() (Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.state != StateConnected || cm.conn == nil {
		return nil, ErrNotConnected
	}
	return cm.conn, nil
}

// State returns the current connection state
func (cm *ConnectionManager) State() State {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.state
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	return cm.State() == StateConnected
}

// LastError returns the error behind the most recent Degraded or
// Disconnected transition
func (cm *ConnectionManager) LastError() error {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.lastErr
}

// Degrade reports a transient I/O failure on the current connection. The
// connection is dropped and reconnection starts in the background.
func (cm *ConnectionManager) Degrade(err error) {
	cm.degrade(nil, err)
}

func (cm *ConnectionManager) degrade(conn Connection, err error) {
	cm.mu.Lock()
	if cm.closed || cm.state != StateConnected || (conn != nil && conn != cm.conn) {
		cm.mu.Unlock()
		return
	}
	old := cm.conn
	cm.conn = nil
	cm.dialing = true
	cm.lastErr = err
	cm.transitionLocked(StateDegraded, err)
	cm.mu.Unlock()

	cm.logger.Warn("broker connection degraded", "url", cm.url, "error", err)
	if old != nil && !old.IsClosed() {
		_ = old.Close()
	}

	go cm.reconnect()
}

// Close cancels any reconnection backoff and closes the connection
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil
	}
	conn := cm.conn
	cm.conn = nil
	if cm.state != StateDisconnected {
		cm.transitionLocked(StateDisconnected, nil)
	}
	cm.closed = true
	close(cm.done)
	cm.mu.Unlock()

	if conn != nil && !conn.IsClosed() {
		return conn.Close()
	}
	return nil
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener StateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.listeners = append(cm.listeners, listener)
}

// Flush blocks until every transition recorded so far has been delivered to
// the listeners
func (cm *ConnectionManager) Flush() {
	ack := make(chan struct{})
	select {
	case cm.events <- transition{from: -1, to: -1, err: flushMarker{ack}}:
	case <-cm.done:
		return
	}
	select {
	case <-ack:
	case <-cm.done:
	}
}

type flushMarker struct{ ack chan struct{} }

func (flushMarker) Error() string { return "flush" }

func (cm *ConnectionManager) reconnect() {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return
	}
	cm.transitionLocked(StateReconnecting, nil)
	cm.mu.Unlock()

	_ = cm.dialLoop(context.Background())
}

// supervise starts a new connection cycle once the recovery delay has passed
func (cm *ConnectionManager) supervise() {
	select {
	case <-cm.clock.After(cm.recoveryDelay):
	case <-cm.done:
		return
	}

	cm.mu.Lock()
	if cm.closed || cm.dialing || cm.state == StateConnected {
		cm.mu.Unlock()
		return
	}
	cm.dialing = true
	cm.transitionLocked(StateReconnecting, nil)
	cm.mu.Unlock()

	cm.logger.Info("retrying broker connection", "url", cm.url)
	_ = cm.dialLoop(context.Background())
}

func (cm *ConnectionManager) dialLoop(ctx context.Context) error {
	var lastErr error
	attempt := 0
	for {
		attempt++
		conn, err := cm.dialOnce(ctx)
		if err == nil {
			return cm.install(conn, attempt)
		}
		lastErr = err

		cm.logger.Error("broker connection attempt failed",
			"url", cm.url,
			"attempt", attempt,
			"maxAttempts", cm.maxAttempts,
			"error", err,
		)

		if cm.maxAttempts > 0 && attempt >= cm.maxAttempts {
			return cm.fail(attempt, lastErr)
		}

		select {
		case <-cm.clock.After(cm.backoff.NextDelay(attempt)):
		case <-ctx.Done():
			return cm.fail(attempt, &ConnectionError{Op: "connect", URL: cm.url, Err: ctx.Err(), Timestamp: time.Now(), Attempts: attempt})
		case <-cm.done:
			return ErrManagerClosed
		}
	}
}

func (cm *ConnectionManager) dialOnce(ctx context.Context) (Connection, error) {
	dctx, cancel := context.WithTimeout(ctx, cm.connectTimeout)
	defer cancel()

	type result struct {
		conn Connection
		err  error
	}
	results := make(chan result, 1)
	go func() {
		conn, err := cm.dial(dctx)
		results <- result{conn, err}
	}()

	select {
	case r := <-results:
		if r.err != nil {
			return nil, &ConnectionError{Op: "dial", URL: cm.url, Err: r.err, Timestamp: time.Now()}
		}
		return r.conn, nil
	case <-dctx.Done():
		// A dial that completes after the timeout is discarded.
		go func() {
			if r := <-results; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, &ConnectionError{Op: "dial", URL: cm.url, Err: ErrConnectionTimeout, Timestamp: time.Now()}
	}
}

func (cm *ConnectionManager) install(conn Connection, attempts int) error {
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		_ = conn.Close()
		return ErrManagerClosed
	}
	cm.conn = conn
	cm.dialing = false
	cm.lastErr = nil
	cm.transitionLocked(StateConnected, nil)
	cm.mu.Unlock()

	cm.logger.Info("connected to broker", "url", cm.url, "attempts", attempts)
	go cm.watch(conn, closed)
	return nil
}

func (cm *ConnectionManager) fail(attempts int, err error) error {
	unavailable := &contracts.BrokerUnavailableError{Attempts: attempts, Err: err, Timestamp: time.Now()}

	cm.mu.Lock()
	cm.dialing = false
	cm.lastErr = unavailable
	closed := cm.closed
	if !closed {
		cm.transitionLocked(StateDisconnected, unavailable)
	}
	cm.mu.Unlock()

	if closed {
		return unavailable
	}
	if cm.recoveryDelay > 0 {
		cm.logger.Error("broker unavailable", "url", cm.url, "attempts", attempts, "retryIn", cm.recoveryDelay, "error", err)
		go cm.supervise()
	} else {
		cm.logger.Error("broker unavailable", "url", cm.url, "attempts", attempts, "error", err)
	}
	return unavailable
}

func (cm *ConnectionManager) watch(conn Connection, closed chan *amqp.Error) {
	select {
	case amqpErr, ok := <-closed:
		var err error = ErrConnectionClosed
		if ok && amqpErr != nil {
			err = amqpErr
		}
		cm.degrade(conn, err)
	case <-cm.done:
	}
}

// transitionLocked must be called with cm.mu held. Events are queued in
// order and delivered by the dispatch goroutine.
func (cm *ConnectionManager) transitionLocked(to State, err error) {
	from := cm.state
	cm.state = to
	cm.events <- transition{from: from, to: to, err: err}
}

func (cm *ConnectionManager) dispatch() {
	for {
		select {
		case ev := <-cm.events:
			cm.deliver(ev)
		case <-cm.done:
			// Deliver whatever was queued before shutdown.
			for {
				select {
				case ev := <-cm.events:
					cm.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (cm *ConnectionManager) deliver(ev transition) {
	if marker, ok := ev.err.(flushMarker); ok {
		close(marker.ack)
		return
	}

	cm.logger.Debug("broker state changed", "from", ev.from.String(), "to", ev.to.String())

	cm.listenersMu.RLock()
	listeners := append([]StateListener(nil), cm.listeners...)
	cm.listenersMu.RUnlock()

	for _, listener := range listeners {
		listener.OnStateChange(ev.from, ev.to, ev.err)
	}
}
