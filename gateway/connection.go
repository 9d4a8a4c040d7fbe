package gateway

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// State is the lifecycle state of a client connection
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Session is the transport side of a client connection
type Session interface {
	// Send writes one text frame
	Send(ctx context.Context, data []byte) error
	// Close ends the session with a close status and reason
	Close(code websocket.StatusCode, reason string) error
}

// Filter narrows which pushes a connection receives
type Filter struct {
	ItemIDs     []string
	LocationIDs []string
	AlertTypes  []string
}

// MatchesEvent reports whether an update about subject at location passes
// the item and location filters. An empty item filter matches everything;
// otherwise the subject must be a listed item or the location a listed
// location.
func (f Filter) MatchesEvent(subject, location string) bool {
	if len(f.ItemIDs) == 0 {
		return true
	}
	if subject != "" && slices.Contains(f.ItemIDs, subject) {
		return true
	}
	return location != "" && slices.Contains(f.LocationIDs, location)
}

// MatchesAlert reports whether alertType passes the alert filter
func (f Filter) MatchesAlert(alertType string) bool {
	return len(f.AlertTypes) == 0 || slices.Contains(f.AlertTypes, alertType)
}

func (f Filter) clone() Filter {
	return Filter{
		ItemIDs:     slices.Clone(f.ItemIDs),
		LocationIDs: slices.Clone(f.LocationIDs),
		AlertTypes:  slices.Clone(f.AlertTypes),
	}
}

// Connection is an authenticated client. Its identity is fixed at
// authentication; the filter is replaced through the gateway.
type Connection struct {
	id          string
	tenantID    string
	userID      string
	connectedAt time.Time
	session     Session

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once

	onState StateListener

	mu     sync.RWMutex
	state  State
	filter Filter
}

// StateListener observes connection lifecycle transitions
type StateListener func(connID string, from, to State)

func newConnection(id string, session Session, queueSize int, onState StateListener) *Connection {
	return &Connection{
		id:      id,
		session: session,
		out:     make(chan []byte, queueSize),
		done:    make(chan struct{}),
		state:   StateConnecting,
		onState: onState,
	}
}

// ID returns the connection id
func (c *Connection) ID() string { return c.id }

// TenantID returns the tenant the connection authenticated as
func (c *Connection) TenantID() string { return c.tenantID }

// UserID returns the authenticated user
func (c *Connection) UserID() string { return c.userID }

// ConnectedAt returns when authentication completed
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// State returns the lifecycle state
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Filter returns a copy of the subscription filter
func (c *Connection) Filter() Filter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filter.clone()
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	from := c.state
	c.state = s
	c.mu.Unlock()
	if c.onState != nil && from != s {
		c.onState(c.id, from, s)
	}
}

func (c *Connection) updateFilter(fn func(*Filter)) Filter {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.filter)
	return c.filter.clone()
}

// enqueue hands data to the writer without blocking. It reports false when
// the outbound queue is full or the connection is gone.
func (c *Connection) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- data:
		return true
	default:
		return false
	}
}

func (c *Connection) writeLoop(timeout time.Duration, onError func(error)) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.out:
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			err := c.session.Send(ctx, data)
			cancel()
			if err != nil {
				onError(err)
				return
			}
		}
	}
}

// shutdown stops the writer and closes the session once
func (c *Connection) shutdown(code websocket.StatusCode, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.setState(StateDisconnected)
		close(c.done)
		err = c.session.Close(code, reason)
	})
	return err
}
