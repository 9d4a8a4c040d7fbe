package rabbitmq_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockline/eventcore/internal/rabbitmq"
	"github.com/stockline/eventcore/internal/rabbitmq/amqptest"
)

func declaredBroker(t *testing.T) (*amqptest.Broker, rabbitmq.Channel) {
	t.Helper()
	broker := amqptest.NewBroker()
	ch := openChannel(t, broker)
	require.NoError(t, rabbitmq.NewTopologyManager().Declare(context.Background(), ch, inventoryTopology()))
	return broker, ch
}

func message(key, body string) rabbitmq.OutboundMessage {
	return rabbitmq.OutboundMessage{
		Exchange:   "inventory.events",
		RoutingKey: key,
		Message:    amqp.Publishing{ContentType: "application/json", Body: []byte(body)},
	}
}

func TestPublisher(t *testing.T) {
	ctx := context.Background()

	t.Run("publish without a channel fails with ErrNotConnected", func(t *testing.T) {
		publisher := rabbitmq.NewPublisher(rabbitmq.WithPublisherLogger(quietLogger))
		assert.False(t, publisher.Ready())

		err := publisher.Publish(ctx, message("inventory.stock.changed", `{}`))
		assert.ErrorIs(t, err, rabbitmq.ErrNotConnected)
	})

	t.Run("publishes and waits for confirmation", func(t *testing.T) {
		broker, ch := declaredBroker(t)
		publisher := rabbitmq.NewPublisher(rabbitmq.WithPublisherLogger(quietLogger))
		require.NoError(t, publisher.Attach(ch))
		assert.True(t, publisher.Ready())

		require.NoError(t, publisher.Publish(ctx, message("inventory.stock.changed", `{"n":1}`)))

		msgs := broker.Messages("stock-service")
		require.Len(t, msgs, 1)
		assert.JSONEq(t, `{"n":1}`, string(msgs[0].Body))
	})

	t.Run("batch preserves order across confirm chunks", func(t *testing.T) {
		broker, ch := declaredBroker(t)
		publisher := rabbitmq.NewPublisher(rabbitmq.WithPublisherLogger(quietLogger))
		require.NoError(t, publisher.Attach(ch))

		batch := make([]rabbitmq.OutboundMessage, 300)
		for i := range batch {
			batch[i] = message("inventory.stock.changed", fmt.Sprintf(`{"n":%d}`, i))
		}
		require.NoError(t, publisher.PublishBatch(ctx, batch))

		msgs := broker.Messages("stock-service")
		require.Len(t, msgs, 300)
		for i, m := range msgs {
			assert.Equal(t, fmt.Sprintf(`{"n":%d}`, i), string(m.Body))
		}
	})

	t.Run("negative confirmation fails the publish", func(t *testing.T) {
		broker, ch := declaredBroker(t)
		publisher := rabbitmq.NewPublisher(rabbitmq.WithPublisherLogger(quietLogger))
		require.NoError(t, publisher.Attach(ch))

		broker.NackPublishes(1)
		err := publisher.Publish(ctx, message("inventory.stock.changed", `{}`))
		assert.ErrorIs(t, err, rabbitmq.ErrPublishNotConfirmed)

		var pubErr *rabbitmq.PublishError
		require.ErrorAs(t, err, &pubErr)
		assert.Equal(t, "inventory.events", pubErr.Exchange)
		assert.True(t, pubErr.IsRetryable())
	})

	t.Run("channel failure surfaces as PublishError", func(t *testing.T) {
		broker, ch := declaredBroker(t)
		publisher := rabbitmq.NewPublisher(rabbitmq.WithPublisherLogger(quietLogger))
		require.NoError(t, publisher.Attach(ch))

		broker.FailPublishes(1)
		err := publisher.Publish(ctx, message("inventory.stock.changed", `{}`))
		assert.ErrorIs(t, err, amqp.ErrClosed)
	})

	t.Run("closed channel ends the wait for confirmation", func(t *testing.T) {
		_, ch := declaredBroker(t)
		publisher := rabbitmq.NewPublisher(rabbitmq.WithPublisherLogger(quietLogger), rabbitmq.WithConfirmTimeout(time.Second))
		require.NoError(t, publisher.Attach(ch))

		require.NoError(t, ch.Close())
		err := publisher.Publish(ctx, message("inventory.stock.changed", `{}`))
		assert.Error(t, err)

		assert.Same(t, ch, publisher.Detach())
		assert.False(t, publisher.Ready())
	})
}

func TestOutbox(t *testing.T) {
	t.Run("drains in push order across exchanges", func(t *testing.T) {
		outbox := rabbitmq.NewOutbox(10)
		outbox.Push(rabbitmq.OutboundMessage{Exchange: "a", RoutingKey: "1"})
		outbox.Push(rabbitmq.OutboundMessage{Exchange: "b", RoutingKey: "2"})
		outbox.Push(rabbitmq.OutboundMessage{Exchange: "a", RoutingKey: "3"})

		var keys []string
		for _, m := range outbox.PeekN(10) {
			keys = append(keys, m.RoutingKey)
		}
		assert.Equal(t, []string{"1", "2", "3"}, keys)

		head := outbox.PeekN(1)
		require.Len(t, head, 1)
		assert.Equal(t, "1", head[0].RoutingKey)

		outbox.Remove(head[0])
		head = outbox.PeekN(1)
		require.Len(t, head, 1)
		assert.Equal(t, "2", head[0].RoutingKey)
		assert.Equal(t, 2, outbox.Len())
	})

	t.Run("evicts the oldest entry of a full exchange", func(t *testing.T) {
		outbox := rabbitmq.NewOutbox(2)
		assert.False(t, outbox.Push(rabbitmq.OutboundMessage{Exchange: "a", RoutingKey: "1"}))
		assert.False(t, outbox.Push(rabbitmq.OutboundMessage{Exchange: "a", RoutingKey: "2"}))
		assert.False(t, outbox.Push(rabbitmq.OutboundMessage{Exchange: "b", RoutingKey: "x"}))
		assert.True(t, outbox.Push(rabbitmq.OutboundMessage{Exchange: "a", RoutingKey: "3"}))

		assert.Equal(t, uint64(1), outbox.Overflowed())
		assert.Equal(t, 3, outbox.Len())

		var keys []string
		for _, m := range outbox.PeekN(10) {
			keys = append(keys, m.RoutingKey)
		}
		assert.Equal(t, []string{"2", "x", "3"}, keys)
	})

	t.Run("removing an evicted entry is ignored", func(t *testing.T) {
		outbox := rabbitmq.NewOutbox(1)
		outbox.Push(rabbitmq.OutboundMessage{Exchange: "a", RoutingKey: "old"})
		stale := outbox.PeekN(1)
		require.Len(t, stale, 1)
		outbox.Push(rabbitmq.OutboundMessage{Exchange: "a", RoutingKey: "new"})

		outbox.Remove(stale[0])
		head := outbox.PeekN(1)
		require.Len(t, head, 1)
		assert.Equal(t, "new", head[0].RoutingKey)
	})

	t.Run("empty outbox", func(t *testing.T) {
		outbox := rabbitmq.NewOutbox(0)
		assert.Empty(t, outbox.PeekN(5))
		assert.Zero(t, outbox.Len())
	})
}
