package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockline/eventcore/contracts"
	"github.com/stockline/eventcore/internal/clock"
	"github.com/stockline/eventcore/messaging"
)

func TestAccept(t *testing.T) {
	ctx := context.Background()

	t.Run("authenticated connections join their tenant room", func(t *testing.T) {
		g := newTestGateway()
		c, s := connect(t, g, "T1:alice")

		frame := s.waitFor(t, TypeConnected)
		assert.Equal(t, "T1", frame["tenantId"])
		assert.Equal(t, "alice", frame["userId"])
		assert.NotEmpty(t, frame["timestamp"])

		assert.Equal(t, StateConnected, c.State())
		assert.Equal(t, Filter{}, c.Filter())
		assert.Equal(t, map[string]int{"T1": 1}, g.TenantRooms())
		assert.Equal(t, 1, g.ConnectionCount())
	})

	t.Run("a missing token is rejected with an error frame", func(t *testing.T) {
		g := newTestGateway()
		s := &fakeSession{}

		c, err := g.Accept(ctx, s, "")
		assert.Nil(t, c)
		var authErr *contracts.AuthenticationError
		require.ErrorAs(t, err, &authErr)
		assert.ErrorIs(t, err, contracts.ErrAuthenticationRequired)

		assert.Equal(t, []string{TypeError}, s.Types())
		closed, code := s.Closed()
		assert.True(t, closed)
		assert.Equal(t, websocket.StatusPolicyViolation, code)
		assert.Equal(t, 0, g.ConnectionCount())
		assert.Empty(t, g.TenantRooms())
	})

	t.Run("an invalid token is rejected", func(t *testing.T) {
		g := newTestGateway()
		s := &fakeSession{}

		_, err := g.Accept(ctx, s, "garbage")
		var authErr *contracts.AuthenticationError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, []string{TypeError}, s.Types())
		assert.Contains(t, s.Frames()[0]["message"], "authentication failed")
	})

	t.Run("verifier errors are wrapped as authentication errors", func(t *testing.T) {
		g := New(TokenVerifierFunc(func(context.Context, string) (Identity, error) {
			return Identity{}, errors.New("jwks endpoint down")
		}), WithLogger(quietLogger()))

		_, err := g.Accept(ctx, &fakeSession{}, "token")
		var authErr *contracts.AuthenticationError
		assert.ErrorAs(t, err, &authErr)
	})

	t.Run("a rejected token never reaches authenticating", func(t *testing.T) {
		rec := &transitions{}
		g := newTestGateway(WithStateListener(rec.record))

		_, err := g.Accept(ctx, &fakeSession{}, "garbage")
		require.Error(t, err)
		assert.Equal(t, []string{"connecting>disconnected"}, rec.List())
	})

	t.Run("a verified token passes through authenticating to connected", func(t *testing.T) {
		rec := &transitions{}
		g := newTestGateway(WithStateListener(rec.record))

		c, _ := connect(t, g, "T1:alice")
		assert.Equal(t, StateConnected, c.State())
		assert.Equal(t, []string{"connecting>authenticating", "authenticating>connected"}, rec.List())
	})
}

func TestDisconnect(t *testing.T) {
	t.Run("removes the connection and drops empty rooms", func(t *testing.T) {
		g := newTestGateway()
		a, sa := connect(t, g, "T1:alice")
		b, _ := connect(t, g, "T1:bob")

		require.NoError(t, g.Disconnect(a.ID()))
		assert.Equal(t, map[string]int{"T1": 1}, g.TenantRooms())
		closed, code := sa.Closed()
		assert.True(t, closed)
		assert.Equal(t, websocket.StatusNormalClosure, code)
		assert.Equal(t, StateDisconnected, a.State())

		require.NoError(t, g.Disconnect(b.ID()))
		assert.Empty(t, g.TenantRooms())
		assert.Equal(t, 0, g.ConnectionCount())

		// The room is recreated for the next connection.
		connect(t, g, "T1:carol")
		assert.Equal(t, map[string]int{"T1": 1}, g.TenantRooms())
	})

	t.Run("unknown connections are reported", func(t *testing.T) {
		g := newTestGateway()
		assert.ErrorIs(t, g.Disconnect("nope"), ErrConnectionNotFound)
	})

	t.Run("close disconnects everyone and refuses new connections", func(t *testing.T) {
		g := newTestGateway()
		_, s1 := connect(t, g, "T1:alice")
		_, s2 := connect(t, g, "T2:bob")

		require.NoError(t, g.Close(context.Background()))
		assert.Equal(t, 0, g.ConnectionCount())
		for _, s := range []*fakeSession{s1, s2} {
			closed, code := s.Closed()
			assert.True(t, closed)
			assert.Equal(t, websocket.StatusGoingAway, code)
		}

		_, err := g.Accept(context.Background(), &fakeSession{}, "T1:carol")
		assert.ErrorIs(t, err, ErrGatewayClosed)
	})
}

func TestHandleMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("ping is answered with pong", func(t *testing.T) {
		g := newTestGateway()
		c, s := connect(t, g, "T1:alice")

		require.NoError(t, g.HandleMessage(ctx, c.ID(), []byte(`{"type":"ping"}`)))
		pong := s.waitFor(t, TypePong)
		assert.Equal(t, epoch.Format(time.RFC3339), pong["timestamp"])
	})

	t.Run("filter updates replace the field and confirm to the caller only", func(t *testing.T) {
		g := newTestGateway()
		c, s := connect(t, g, "T1:alice")
		_, other := connect(t, g, "T1:bob")

		require.NoError(t, g.HandleMessage(ctx, c.ID(), []byte(`{"type":"subscribe_items","ids":["I1","I2","I1"]}`)))
		update := s.waitFor(t, TypeSubscriptionUpdated)
		assert.Equal(t, "items", update["filter"])
		assert.Equal(t, []any{"I1", "I2"}, update["items"])

		require.NoError(t, g.HandleMessage(ctx, c.ID(), []byte(`{"type":"subscribe_items","ids":["I3"]}`)))
		require.NoError(t, g.HandleMessage(ctx, c.ID(), []byte(`{"type":"subscribe_locations","ids":["L1"]}`)))
		require.NoError(t, g.HandleMessage(ctx, c.ID(), []byte(`{"type":"subscribe_alert_types","types":["low_stock"]}`)))
		drain(t, g, s, other)

		assert.Equal(t, Filter{ItemIDs: []string{"I3"}, LocationIDs: []string{"L1"}, AlertTypes: []string{"low_stock"}}, c.Filter())
		assert.Equal(t, 4, countType(s, TypeSubscriptionUpdated))
		assert.Equal(t, 0, countType(other, TypeSubscriptionUpdated))
	})

	t.Run("connection status reports identity and filters", func(t *testing.T) {
		g := newTestGateway()
		c, s := connect(t, g, "T1:alice")
		require.NoError(t, g.SetLocationFilter(c.ID(), []string{"L1"}))

		require.NoError(t, g.HandleMessage(ctx, c.ID(), []byte(`{"type":"get_connection_status"}`)))
		status := s.waitFor(t, TypeConnectionStatus)
		assert.Equal(t, "T1", status["tenantId"])
		assert.Equal(t, "alice", status["userId"])
		assert.Equal(t, []any{"T1"}, status["roomsJoined"])
		assert.Equal(t, map[string]any{
			"items":      []any{},
			"locations":  []any{"L1"},
			"alertTypes": []any{},
		}, status["subscriptions"])
	})

	t.Run("malformed and unknown messages get an error and keep the connection", func(t *testing.T) {
		g := newTestGateway()
		c, s := connect(t, g, "T1:alice")

		require.NoError(t, g.HandleMessage(ctx, c.ID(), []byte(`{not json`)))
		require.NoError(t, g.HandleMessage(ctx, c.ID(), []byte(`{"type":"subscribe_everything"}`)))
		drain(t, g, s)

		assert.Equal(t, 2, countType(s, TypeError))
		assert.Equal(t, StateConnected, c.State())
		closed, _ := s.Closed()
		assert.False(t, closed)
	})

	t.Run("messages for unknown connections fail", func(t *testing.T) {
		g := newTestGateway()
		assert.ErrorIs(t, g.HandleMessage(ctx, "nope", []byte(`{"type":"ping"}`)), ErrConnectionNotFound)
	})
}

func TestFanout(t *testing.T) {
	ctx := context.Background()

	attached := func(t *testing.T) (*Gateway, *messaging.Bus) {
		t.Helper()
		g := newTestGateway()
		bus := messaging.NewBus(nil, messaging.WithLogger(quietLogger()), messaging.WithClock(clock.Fake(epoch)))
		require.NoError(t, g.Attach(ctx, bus))
		return g, bus
	}

	t.Run("only the matching connection of the event tenant is notified", func(t *testing.T) {
		g, bus := attached(t)
		c1, s1 := connect(t, g, "T1:alice")
		c2, s2 := connect(t, g, "T1:bob")
		_, s3 := connect(t, g, "T2:carol")
		require.NoError(t, g.SetItemFilter(c1.ID(), []string{"I1"}))
		require.NoError(t, g.SetItemFilter(c2.ID(), []string{"I2"}))

		env := envelope(t, "inventory.stock.changed", "T1", map[string]any{"itemId": "I1", "locationId": "L1", "qty": 5})
		require.NoError(t, bus.Publish(ctx, env))
		drain(t, g, s1, s2, s3)

		assert.Equal(t, 1, countType(s1, "inventory_updated"))
		assert.Equal(t, 0, countType(s2, "inventory_updated"))
		assert.Equal(t, 0, countType(s3, "inventory_updated"))

		push := s1.waitFor(t, "inventory_updated")
		assert.Equal(t, "inventory.stock.changed", push["eventType"])
		assert.Equal(t, env.ID(), push["eventId"])
		assert.Equal(t, map[string]any{"itemId": "I1", "locationId": "L1", "qty": float64(5)}, push["data"])
	})

	t.Run("an empty item filter matches every location", func(t *testing.T) {
		g, bus := attached(t)
		_, all := connect(t, g, "T1:alice")
		byLocation, s := connect(t, g, "T1:bob")
		require.NoError(t, g.SetLocationFilter(byLocation.ID(), []string{"L2"}))

		require.NoError(t, bus.Publish(ctx, envelope(t, "inventory.stock.changed", "T1", map[string]any{"itemId": "I1", "locationId": "L1"})))
		require.NoError(t, bus.Publish(ctx, envelope(t, "inventory.stock.changed", "T1", map[string]any{"itemId": "I9", "locationId": "L2"})))
		drain(t, g, all, s)

		assert.Equal(t, 2, countType(all, "inventory_updated"))
		assert.Equal(t, 2, countType(s, "inventory_updated"))
	})

	t.Run("a listed location widens a non-empty item filter", func(t *testing.T) {
		g, bus := attached(t)
		c, s := connect(t, g, "T1:alice")
		require.NoError(t, g.SetItemFilter(c.ID(), []string{"X"}))
		require.NoError(t, g.SetLocationFilter(c.ID(), []string{"L1"}))

		require.NoError(t, bus.Publish(ctx, envelope(t, "inventory.stock.changed", "T1", map[string]any{"itemId": "Y", "locationId": "L1"})))
		require.NoError(t, bus.Publish(ctx, envelope(t, "inventory.stock.changed", "T1", map[string]any{"itemId": "Y", "locationId": "L2"})))
		require.NoError(t, bus.Publish(ctx, envelope(t, "inventory.stock.changed", "T1", map[string]any{"itemId": "X", "locationId": "L2"})))
		drain(t, g, s)

		assert.Equal(t, 2, countType(s, "inventory_updated"))
		var items []any
		for _, f := range s.Frames() {
			if f["type"] == "inventory_updated" {
				items = append(items, f["data"].(map[string]any)["itemId"])
			}
		}
		assert.Equal(t, []any{"Y", "X"}, items)
	})

	t.Run("alerts are pushed once, filtered by alert type", func(t *testing.T) {
		g, bus := attached(t)
		c, s := connect(t, g, "T1:alice")
		require.NoError(t, g.SetAlertTypeFilter(c.ID(), []string{"low_stock"}))

		require.NoError(t, bus.Publish(ctx, envelope(t, "inventory.alert.low_stock", "T1", map[string]any{"itemId": "I1"})))
		require.NoError(t, bus.Publish(ctx, envelope(t, "inventory.alert.overstock", "T1", map[string]any{"itemId": "I1"})))
		require.NoError(t, bus.Publish(ctx, envelope(t, "orders.alert.delayed", "T1", map[string]any{"alertType": "low_stock"})))
		drain(t, g, s)

		assert.Equal(t, 1, countType(s, "inventory_alert"))
		assert.Equal(t, 1, countType(s, "orders_alert"))
		assert.Equal(t, 0, countType(s, "inventory_updated"))
		alert := s.waitFor(t, "inventory_alert")
		assert.Equal(t, map[string]any{"itemId": "I1"}, alert["alert"])
	})

	t.Run("location events reach the whole tenant regardless of filters", func(t *testing.T) {
		g, bus := attached(t)
		c, s1 := connect(t, g, "T1:alice")
		_, s2 := connect(t, g, "T1:bob")
		_, s3 := connect(t, g, "T2:carol")
		require.NoError(t, g.SetItemFilter(c.ID(), []string{"I1"}))

		require.NoError(t, bus.Publish(ctx, envelope(t, "location.renamed", "T1", map[string]any{"locationId": "L7"})))
		drain(t, g, s1, s2, s3)

		assert.Equal(t, 1, countType(s1, "location_updated"))
		assert.Equal(t, 1, countType(s2, "location_updated"))
		assert.Equal(t, 0, countType(s3, "location_updated"))
	})

	t.Run("events without a rule are ignored", func(t *testing.T) {
		g := newTestGateway()
		connect(t, g, "T1:alice")
		assert.Equal(t, 0, g.Fanout(envelope(t, "billing.invoice.paid", "T1", nil)))
	})

	t.Run("detached gateways stop receiving events", func(t *testing.T) {
		g, bus := attached(t)
		_, s := connect(t, g, "T1:alice")
		require.NoError(t, g.Detach(ctx))

		require.NoError(t, bus.Publish(ctx, envelope(t, "inventory.stock.changed", "T1", map[string]any{"itemId": "I1"})))
		drain(t, g, s)
		assert.Equal(t, 0, countType(s, "inventory_updated"))
	})

	t.Run("attaching twice fails", func(t *testing.T) {
		g, bus := attached(t)
		assert.Error(t, g.Attach(ctx, bus))
	})
}

func TestBroadcast(t *testing.T) {
	t.Run("tenant broadcasts stay in the tenant", func(t *testing.T) {
		g := newTestGateway()
		_, s1 := connect(t, g, "T1:alice")
		_, s2 := connect(t, g, "T2:bob")

		assert.Equal(t, 1, g.BroadcastToTenant("T1", "maintenance", map[string]string{"at": "22:00"}))
		drain(t, g, s1, s2)

		assert.Equal(t, 1, countType(s1, "maintenance"))
		assert.Equal(t, 0, countType(s2, "maintenance"))
	})

	t.Run("broadcasts to all reach every tenant", func(t *testing.T) {
		g := newTestGateway()
		connect(t, g, "T1:alice")
		connect(t, g, "T2:bob")
		assert.Equal(t, 2, g.BroadcastToAll("maintenance", nil))
	})
}

// blockingSession holds every write until released
type blockingSession struct {
	fakeSession
	entered chan struct{}
	release chan struct{}
}

func (s *blockingSession) Send(ctx context.Context, data []byte) error {
	s.entered <- struct{}{}
	<-s.release
	return s.fakeSession.Send(ctx, data)
}

type countingMetrics struct {
	noopMetrics
	dropped chan string
}

func (m *countingMetrics) PushDropped(messageType string) { m.dropped <- messageType }

func TestOutboundQueue(t *testing.T) {
	t.Run("pushes to a full queue are dropped", func(t *testing.T) {
		metrics := &countingMetrics{dropped: make(chan string, 4)}
		g := newTestGateway(WithOutboundQueueSize(1), WithMetrics(metrics))
		s := &blockingSession{entered: make(chan struct{}, 4), release: make(chan struct{})}

		_, err := g.Accept(context.Background(), s, "T1:alice")
		require.NoError(t, err)
		<-s.entered // the writer holds the connected frame

		assert.Equal(t, 1, g.BroadcastToTenant("T1", "first", nil))
		assert.Equal(t, 0, g.BroadcastToTenant("T1", "second", nil))
		assert.Equal(t, "second", <-metrics.dropped)

		close(s.release)
		require.Eventually(t, func() bool { return len(s.Types()) == 2 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, []string{TypeConnected, "first"}, s.Types())
	})
}
