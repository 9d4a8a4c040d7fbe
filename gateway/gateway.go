package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/stockline/eventcore/contracts"
	"github.com/stockline/eventcore/internal/clock"
	"github.com/stockline/eventcore/messaging"
)

var (
	// ErrConnectionNotFound is returned for unknown connection ids
	ErrConnectionNotFound = errors.New("gateway: connection not found")
	// ErrGatewayClosed is returned by Accept after Close
	ErrGatewayClosed = errors.New("gateway: closed")
)

// Metrics receives gateway events. internal/metrics provides a Prometheus
// implementation.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	AuthenticationFailed()
	PushDelivered(messageType string)
	PushDropped(messageType string)
}

type noopMetrics struct{}

func (noopMetrics) ConnectionOpened()     {}
func (noopMetrics) ConnectionClosed()     {}
func (noopMetrics) AuthenticationFailed() {}
func (noopMetrics) PushDelivered(string)  {}
func (noopMetrics) PushDropped(string)    {}

// messageHandler serves one client message type
type messageHandler func(ctx context.Context, c *Connection, frame inboundFrame) error

// Gateway authenticates client connections, keeps them in tenant rooms and
// fans bus events out to the connections whose filters match.
//
// The connection and room maps are written only by Accept, Disconnect and
// Close. Fan-out and broadcasts iterate snapshots taken under the read lock.
type Gateway struct {
	verifier     TokenVerifier
	rules        []FanoutRule
	handlers     map[string]messageHandler
	queueSize    int
	writeTimeout time.Duration
	mode         messaging.Mode
	onState      StateListener

	clock   clock.Clock
	logger  *slog.Logger
	metrics Metrics

	mu     sync.RWMutex
	conns  map[string]*Connection
	rooms  map[string]map[string]struct{}
	closed bool

	busMu      sync.Mutex
	bus        *messaging.Bus
	busHandles []string
}

// Option configures the gateway
type Option func(*Gateway)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithClock sets the clock used for frame timestamps
func WithClock(clk clock.Clock) Option {
	return func(g *Gateway) {
		g.clock = clk
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(metrics Metrics) Option {
	return func(g *Gateway) {
		g.metrics = metrics
	}
}

// WithFanoutRules replaces the default fan-out rules
func WithFanoutRules(rules ...FanoutRule) Option {
	return func(g *Gateway) {
		g.rules = rules
	}
}

// WithOutboundQueueSize bounds the per-connection push queue
func WithOutboundQueueSize(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.queueSize = n
		}
	}
}

// WithWriteTimeout bounds a single frame write
func WithWriteTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.writeTimeout = d
		}
	}
}

// WithSubscriptionMode sets the mode of the bus subscriptions made by
// Attach. The default is messaging.ModeLocal.
func WithSubscriptionMode(mode messaging.Mode) Option {
	return func(g *Gateway) {
		g.mode = mode
	}
}

// WithStateListener observes every connection state transition
func WithStateListener(listener StateListener) Option {
	return func(g *Gateway) {
		g.onState = listener
	}
}

// New creates a gateway
func New(verifier TokenVerifier, options ...Option) *Gateway {
	g := &Gateway{
		verifier:     verifier,
		rules:        DefaultFanoutRules(),
		queueSize:    64,
		writeTimeout: 10 * time.Second,
		mode:         messaging.ModeLocal,
		clock:        clock.Real(),
		logger:       slog.Default(),
		metrics:      noopMetrics{},
		conns:        make(map[string]*Connection),
		rooms:        make(map[string]map[string]struct{}),
	}
	for _, opt := range options {
		opt(g)
	}

	g.handlers = map[string]messageHandler{
		TypeSubscribeItems:      g.handleSubscribeItems,
		TypeSubscribeLocations:  g.handleSubscribeLocations,
		TypeSubscribeAlertTypes: g.handleSubscribeAlertTypes,
		TypePing:                g.handlePing,
		TypeGetConnectionStatus: g.handleConnectionStatus,
	}
	return g
}

// Accept authenticates session with token. On failure an error frame is
// written, the session is closed and a *contracts.AuthenticationError is
// returned. On success the connection joins its tenant room and receives a
// connected frame.
func (g *Gateway) Accept(ctx context.Context, session Session, token string) (*Connection, error) {
	c := newConnection(uuid.New().String(), session, g.queueSize, g.onState)

	if g.isClosed() {
		_ = c.shutdown(websocket.StatusGoingAway, "gateway shutting down")
		return nil, ErrGatewayClosed
	}

	if strings.TrimSpace(token) == "" {
		return nil, g.reject(ctx, c, &contracts.AuthenticationError{Reason: "missing token", Err: contracts.ErrAuthenticationRequired})
	}

	// A rejected token moves the connection straight to Disconnected.
	identity, err := g.verifier.Verify(ctx, token)
	if err != nil {
		var authErr *contracts.AuthenticationError
		if !errors.As(err, &authErr) {
			authErr = &contracts.AuthenticationError{Reason: "invalid token", Err: err}
		}
		return nil, g.reject(ctx, c, authErr)
	}
	c.setState(StateAuthenticating)

	c.tenantID = identity.TenantID
	c.userID = identity.UserID
	c.connectedAt = g.clock.Now().UTC()

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		_ = c.shutdown(websocket.StatusGoingAway, "gateway shutting down")
		return nil, ErrGatewayClosed
	}
	g.conns[c.id] = c
	room, ok := g.rooms[c.tenantID]
	if !ok {
		room = make(map[string]struct{})
		g.rooms[c.tenantID] = room
	}
	room[c.id] = struct{}{}
	c.setState(StateConnected)
	g.mu.Unlock()

	go c.writeLoop(g.writeTimeout, func(err error) {
		g.logger.Warn("connection write failed", "connectionId", c.id, "tenantId", c.tenantID, "error", err)
		_ = g.Disconnect(c.id)
	})

	g.metrics.ConnectionOpened()
	g.logger.Info("connection authenticated", "connectionId", c.id, "tenantId", c.tenantID, "userId", c.userID)

	g.send(c, TypeConnected, connectedFrame{
		Type:      TypeConnected,
		TenantID:  c.tenantID,
		UserID:    c.userID,
		Timestamp: c.connectedAt,
	})
	return c, nil
}

func (g *Gateway) reject(ctx context.Context, c *Connection, authErr *contracts.AuthenticationError) error {
	g.metrics.AuthenticationFailed()
	g.logger.Warn("connection rejected", "connectionId", c.id, "reason", authErr.Reason)

	// The writer is not running yet, so the error frame goes out directly.
	if data, err := encodeFrame(errorFrame{Type: TypeError, Message: authErr.Error()}); err == nil {
		if err := c.session.Send(ctx, data); err != nil {
			g.logger.Debug("failed to send authentication error", "connectionId", c.id, "error", err)
		}
	}
	_ = c.shutdown(websocket.StatusPolicyViolation, "authentication failed")
	return authErr
}

// Disconnect removes a connection and its filter, dropping the tenant room
// once it is empty
func (g *Gateway) Disconnect(connID string) error {
	g.mu.Lock()
	c, ok := g.conns[connID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connID)
	}
	g.removeLocked(c)
	g.mu.Unlock()

	g.metrics.ConnectionClosed()
	g.logger.Info("connection closed", "connectionId", c.id, "tenantId", c.tenantID)
	return c.shutdown(websocket.StatusNormalClosure, "")
}

func (g *Gateway) removeLocked(c *Connection) {
	delete(g.conns, c.id)
	if room, ok := g.rooms[c.tenantID]; ok {
		delete(room, c.id)
		if len(room) == 0 {
			delete(g.rooms, c.tenantID)
		}
	}
}

// Connection returns a live connection
func (g *Gateway) Connection(connID string) (*Connection, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.conns[connID]
	return c, ok
}

// ConnectionCount returns the number of live connections
func (g *Gateway) ConnectionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// TenantRooms returns the connection count per tenant
func (g *Gateway) TenantRooms() map[string]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]int, len(g.rooms))
	for tenant, room := range g.rooms {
		out[tenant] = len(room)
	}
	return out
}

// SetItemFilter replaces the item filter of a connection
func (g *Gateway) SetItemFilter(connID string, itemIDs []string) error {
	return g.setFilter(connID, "items", itemIDs, func(f *Filter, v []string) { f.ItemIDs = v })
}

// SetLocationFilter replaces the location filter of a connection
func (g *Gateway) SetLocationFilter(connID string, locationIDs []string) error {
	return g.setFilter(connID, "locations", locationIDs, func(f *Filter, v []string) { f.LocationIDs = v })
}

// SetAlertTypeFilter replaces the alert type filter of a connection
func (g *Gateway) SetAlertTypeFilter(connID string, alertTypes []string) error {
	return g.setFilter(connID, "alert_types", alertTypes, func(f *Filter, v []string) { f.AlertTypes = v })
}

// setFilter replaces one filter field and confirms to the caller only
func (g *Gateway) setFilter(connID, name string, values []string, apply func(*Filter, []string)) error {
	c, ok := g.Connection(connID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connID)
	}
	values = dedupe(values)
	c.updateFilter(func(f *Filter) { apply(f, values) })

	g.send(c, TypeSubscriptionUpdated, subscriptionUpdatedFrame{
		Type:      TypeSubscriptionUpdated,
		Filter:    name,
		Items:     nonNil(values),
		Timestamp: g.now(),
	})
	return nil
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// HandleMessage routes one client frame. Malformed frames and unknown types
// are answered with an error frame; the connection stays open.
func (g *Gateway) HandleMessage(ctx context.Context, connID string, data []byte) error {
	c, ok := g.Connection(connID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connID)
	}

	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type == "" {
		g.SendError(c, "malformed message")
		return nil
	}

	handler, ok := g.handlers[frame.Type]
	if !ok {
		g.SendError(c, fmt.Sprintf("unknown message type %q", frame.Type))
		return nil
	}
	if err := handler(ctx, c, frame); err != nil {
		g.logger.Warn("message handling failed", "connectionId", c.id, "type", frame.Type, "error", err)
		g.SendError(c, err.Error())
	}
	return nil
}

func (g *Gateway) handleSubscribeItems(ctx context.Context, c *Connection, frame inboundFrame) error {
	return g.SetItemFilter(c.id, frame.IDs)
}

func (g *Gateway) handleSubscribeLocations(ctx context.Context, c *Connection, frame inboundFrame) error {
	return g.SetLocationFilter(c.id, frame.IDs)
}

func (g *Gateway) handleSubscribeAlertTypes(ctx context.Context, c *Connection, frame inboundFrame) error {
	types := frame.Types
	if types == nil {
		types = frame.IDs
	}
	return g.SetAlertTypeFilter(c.id, types)
}

func (g *Gateway) handlePing(ctx context.Context, c *Connection, frame inboundFrame) error {
	g.send(c, TypePong, pongFrame{Type: TypePong, Timestamp: g.now()})
	return nil
}

func (g *Gateway) handleConnectionStatus(ctx context.Context, c *Connection, frame inboundFrame) error {
	f := c.Filter()
	g.send(c, TypeConnectionStatus, connectionStatusFrame{
		Type:     TypeConnectionStatus,
		TenantID: c.tenantID,
		UserID:   c.userID,
		Subscriptions: subscriptionsView{
			Items:      nonNil(f.ItemIDs),
			Locations:  nonNil(f.LocationIDs),
			AlertTypes: nonNil(f.AlertTypes),
		},
		RoomsJoined: []string{c.tenantID},
	})
	return nil
}

// SendError writes an error frame to one connection
func (g *Gateway) SendError(c *Connection, message string) {
	g.send(c, TypeError, errorFrame{Type: TypeError, Message: message})
}

// send encodes frame and queues it for c. A full queue drops the frame.
func (g *Gateway) send(c *Connection, messageType string, frame any) bool {
	data, err := encodeFrame(frame)
	if err != nil {
		g.logger.Error("failed to encode frame", "type", messageType, "error", err)
		return false
	}
	return g.sendRaw(c, messageType, data)
}

func (g *Gateway) sendRaw(c *Connection, messageType string, data []byte) bool {
	if !c.enqueue(data) {
		g.metrics.PushDropped(messageType)
		g.logger.Warn("push dropped", "connectionId", c.id, "tenantId", c.tenantID, "type", messageType)
		return false
	}
	g.metrics.PushDelivered(messageType)
	return true
}

// roomSnapshot copies the connections of a tenant room
func (g *Gateway) roomSnapshot(tenantID string) []*Connection {
	g.mu.RLock()
	defer g.mu.RUnlock()
	room := g.rooms[tenantID]
	out := make([]*Connection, 0, len(room))
	for id := range room {
		if c, ok := g.conns[id]; ok {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (g *Gateway) allSnapshot() []*Connection {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Connection, 0, len(g.conns))
	for _, c := range g.conns {
		out = append(out, c)
	}
	return out
}

// BroadcastToTenant pushes a message to every connection of a tenant,
// ignoring filters. It returns the number of connections reached.
func (g *Gateway) BroadcastToTenant(tenantID, messageType string, data any) int {
	frame, err := encodeFrame(broadcastFrame{Type: messageType, Data: data, Timestamp: g.now()})
	if err != nil {
		g.logger.Error("failed to encode broadcast", "type", messageType, "error", err)
		return 0
	}
	sent := 0
	for _, c := range g.roomSnapshot(tenantID) {
		if c.tenantID != tenantID {
			continue
		}
		if g.sendRaw(c, messageType, frame) {
			sent++
		}
	}
	return sent
}

// BroadcastToAll pushes a message to every connection of every tenant
func (g *Gateway) BroadcastToAll(messageType string, data any) int {
	frame, err := encodeFrame(broadcastFrame{Type: messageType, Data: data, Timestamp: g.now()})
	if err != nil {
		g.logger.Error("failed to encode broadcast", "type", messageType, "error", err)
		return 0
	}
	sent := 0
	for _, c := range g.allSnapshot() {
		if g.sendRaw(c, messageType, frame) {
			sent++
		}
	}
	return sent
}

// Attach subscribes the gateway to the bus for every fan-out rule
func (g *Gateway) Attach(ctx context.Context, bus *messaging.Bus) error {
	g.busMu.Lock()
	defer g.busMu.Unlock()
	if g.bus != nil {
		return errors.New("gateway: already attached to a bus")
	}

	for i := range g.rules {
		rule := g.rules[i]
		id, err := bus.Subscribe(ctx, rule.Pattern, func(ctx context.Context, env *contracts.Envelope) error {
			// An event matching several rules is pushed once, by the first.
			if first, ok := g.ruleFor(env.Type()); !ok || first.Pattern != rule.Pattern {
				return nil
			}
			g.Fanout(env)
			return nil
		}, messaging.WithMode(g.mode), messaging.WithHandlerID("gateway:"+rule.Pattern))
		if err != nil {
			for _, h := range g.busHandles {
				_ = bus.Unsubscribe(ctx, h)
			}
			g.busHandles = nil
			return fmt.Errorf("gateway: subscribe %s: %w", rule.Pattern, err)
		}
		g.busHandles = append(g.busHandles, id)
	}
	g.bus = bus
	g.logger.Info("gateway attached to bus", "rules", len(g.rules), "mode", g.mode.String())
	return nil
}

// Detach removes the bus subscriptions made by Attach
func (g *Gateway) Detach(ctx context.Context) error {
	g.busMu.Lock()
	defer g.busMu.Unlock()
	if g.bus == nil {
		return nil
	}
	var errs []error
	for _, id := range g.busHandles {
		if err := g.bus.Unsubscribe(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	g.bus = nil
	g.busHandles = nil
	return errors.Join(errs...)
}

// Close detaches from the bus and disconnects every connection
func (g *Gateway) Close(ctx context.Context) error {
	err := g.Detach(ctx)

	g.mu.Lock()
	g.closed = true
	conns := make([]*Connection, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
		g.removeLocked(c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		g.metrics.ConnectionClosed()
		_ = c.shutdown(websocket.StatusGoingAway, "server shutting down")
	}
	g.logger.Info("gateway closed", "connections", len(conns))
	return err
}

func (g *Gateway) isClosed() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.closed
}

func (g *Gateway) now() time.Time {
	return g.clock.Now().UTC()
}
