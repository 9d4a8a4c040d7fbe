package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockline/eventcore/internal/rabbitmq"
	"github.com/stockline/eventcore/messaging"
)

type staticStats messaging.Statistics

func (s staticStats) Stats() messaging.Statistics { return messaging.Statistics(s) }

func TestCollector(t *testing.T) {
	t.Run("counts bus activity", func(t *testing.T) {
		c := New()

		c.EventPublished("inventory.stock.changed", true)
		c.EventPublished("inventory.stock.changed", true)
		c.EventPublished("inventory.stock.changed", false)
		c.HandlerInvoked("h1", messaging.ModeLocal, nil)
		c.HandlerInvoked("h1", messaging.ModeDistributed, errors.New("boom"))
		c.DeliveryRetried("h1")
		c.DeliveryDeadLettered("h1")

		assert.Equal(t, 2.0, testutil.ToFloat64(c.eventsPublished.WithLabelValues("inventory.stock.changed", "distributed")))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.eventsPublished.WithLabelValues("inventory.stock.changed", "local")))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.handlerInvocations.WithLabelValues(messaging.ModeDistributed.String(), "error")))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.deliveryRetries.WithLabelValues("h1")))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.deadLetters.WithLabelValues("h1")))
	})

	t.Run("tracks broker state as a one-hot gauge", func(t *testing.T) {
		c := New()
		assert.Equal(t, 1.0, testutil.ToFloat64(c.brokerState.WithLabelValues("disconnected")))

		c.OnStateChange(rabbitmq.StateDisconnected, rabbitmq.StateConnecting, nil)
		c.OnStateChange(rabbitmq.StateConnecting, rabbitmq.StateConnected, nil)

		assert.Equal(t, 0.0, testutil.ToFloat64(c.brokerState.WithLabelValues("disconnected")))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.brokerState.WithLabelValues("connected")))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.brokerTransitions.WithLabelValues("connected")))
	})

	t.Run("counts consumer outcomes", func(t *testing.T) {
		c := New()
		c.ObserveOutcome("stock-service", rabbitmq.OutcomeAcked, nil)
		c.ObserveOutcome("stock-service", rabbitmq.OutcomeDeadLettered, errors.New("poison"))

		assert.Equal(t, 1.0, testutil.ToFloat64(c.consumerOutcomes.WithLabelValues("stock-service", rabbitmq.OutcomeAcked.String())))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.consumerOutcomes.WithLabelValues("stock-service", rabbitmq.OutcomeDeadLettered.String())))
	})

	t.Run("tracks gateway connections and pushes", func(t *testing.T) {
		c := New()
		c.ConnectionOpened()
		c.ConnectionOpened()
		c.ConnectionClosed()
		c.AuthenticationFailed()
		c.PushDelivered("inventory_updated")
		c.PushDropped("inventory_updated")

		assert.Equal(t, 1.0, testutil.ToFloat64(c.gatewayConnections))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.gatewayAuthFailed))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.gatewayPushes.WithLabelValues("inventory_updated", "dropped")))
	})

	t.Run("exposes bus gauges at scrape time", func(t *testing.T) {
		c := New()
		c.WatchBus(staticStats{Buffered: 12, Overflowed: 3}, func() int { return 4 })

		srv := httptest.NewServer(c.Handler())
		defer srv.Close()

		resp, err := http.Get(srv.URL)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)

		text := string(body)
		assert.Contains(t, text, "eventcore_outbox_buffered 12")
		assert.Contains(t, text, "eventcore_outbox_overflowed_total 3")
		assert.Contains(t, text, "eventcore_pending_retries 4")
		assert.True(t, strings.Contains(text, "go_goroutines"))
	})

	t.Run("instruments HTTP routes", func(t *testing.T) {
		c := New()
		h := c.Instrument("/readyz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequests.WithLabelValues(http.MethodGet, "/readyz", "503")))
	})
}
