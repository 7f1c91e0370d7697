package rabbitmq_test

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-agents/internal/rabbitmq"
	"github.com/glimte/mmate-agents/internal/rabbitmq/rabbitmqtest"
)

func openBinding(t *testing.T, broker *rabbitmqtest.Broker) (*rabbitmq.Binding, rabbitmq.Connection) {
	t.Helper()
	conn, err := broker.Dial("amqp://localhost")
	require.NoError(t, err)
	ch, err := conn.Channel()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return rabbitmq.NewBinding(ch), conn
}

func receive(t *testing.T, deliveries <-chan amqp.Delivery) amqp.Delivery {
	t.Helper()
	select {
	case d, ok := <-deliveries:
		require.True(t, ok, "delivery stream closed")
		return d
	case <-time.After(time.Second):
		t.Fatal("no delivery received")
		return amqp.Delivery{}
	}
}

func TestBindingPublishConsume(t *testing.T) {
	broker := rabbitmqtest.New()
	b, _ := openBinding(t, broker)
	ctx := context.Background()

	require.NoError(t, b.DeclareDurableQueue("work", nil))
	deliveries, err := b.Consume("work", rabbitmq.ManualAck)
	require.NoError(t, err)

	err = b.Publish(ctx, "work", []byte("hello"), rabbitmq.PublishOptions{
		ReplyTo:       "amq.gen-1",
		CorrelationID: "token-1",
		MessageID:     "token-1",
		Persistent:    true,
		Headers:       amqp.Table{"x-test": "yes"},
	})
	require.NoError(t, err)

	d := receive(t, deliveries)
	assert.Equal(t, []byte("hello"), d.Body)
	assert.Equal(t, "amq.gen-1", d.ReplyTo)
	assert.Equal(t, "token-1", d.CorrelationId)
	assert.Equal(t, "token-1", d.MessageId)
	assert.Equal(t, "text/plain", d.ContentType)
	assert.Equal(t, amqp.Persistent, d.DeliveryMode)
	assert.Equal(t, "yes", d.Headers["x-test"])
	assert.False(t, d.Timestamp.IsZero())

	assert.Equal(t, 1, broker.Unacked("work"))
	require.NoError(t, d.Ack(false))
	assert.Equal(t, 0, broker.Unacked("work"))
}

func TestBindingPublishUnroutable(t *testing.T) {
	broker := rabbitmqtest.New()
	b, _ := openBinding(t, broker)

	err := b.Publish(context.Background(), "no-such-queue", []byte("lost"), rabbitmq.PublishOptions{})
	assert.NoError(t, err, "unroutable messages are dropped by the broker, not rejected")
	assert.False(t, broker.QueueExists("no-such-queue"))
}

func TestBindingExclusiveQueue(t *testing.T) {
	broker := rabbitmqtest.New()
	b, conn := openBinding(t, broker)

	name, err := b.DeclareExclusiveQueue()
	require.NoError(t, err)
	assert.NotEmpty(t, name)
	assert.True(t, broker.QueueExists(name))

	other, err := b.DeclareExclusiveQueue()
	require.NoError(t, err)
	assert.NotEqual(t, name, other)

	require.NoError(t, conn.Close())
	assert.False(t, broker.QueueExists(name), "exclusive queue is deleted with its connection")
	assert.False(t, broker.QueueExists(other))
}

func TestBindingPrefetch(t *testing.T) {
	broker := rabbitmqtest.New()
	b, _ := openBinding(t, broker)
	ctx := context.Background()

	require.NoError(t, b.DeclareDurableQueue("work", nil))
	require.NoError(t, b.SetPrefetch(1))
	for _, body := range []string{"one", "two"} {
		require.NoError(t, b.Publish(ctx, "work", []byte(body), rabbitmq.PublishOptions{}))
	}

	deliveries, err := b.Consume("work", rabbitmq.ManualAck)
	require.NoError(t, err)

	first := receive(t, deliveries)
	assert.Equal(t, "one", string(first.Body))

	select {
	case d := <-deliveries:
		t.Fatalf("received %q while first delivery is unacknowledged", d.Body)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, first.Ack(false))
	second := receive(t, deliveries)
	assert.Equal(t, "two", string(second.Body))
}

func TestBindingNackRequeues(t *testing.T) {
	broker := rabbitmqtest.New()
	b, _ := openBinding(t, broker)

	require.NoError(t, b.DeclareDurableQueue("work", nil))
	require.NoError(t, b.SetPrefetch(1))
	require.NoError(t, b.Publish(context.Background(), "work", []byte("retry me"), rabbitmq.PublishOptions{}))

	deliveries, err := b.Consume("work", rabbitmq.ManualAck)
	require.NoError(t, err)

	d := receive(t, deliveries)
	assert.False(t, d.Redelivered)
	require.NoError(t, d.Nack(false, true))

	again := receive(t, deliveries)
	assert.Equal(t, "retry me", string(again.Body))
	assert.True(t, again.Redelivered)
}

func TestBindingClosedChannel(t *testing.T) {
	broker := rabbitmqtest.New()
	b, conn := openBinding(t, broker)
	require.NoError(t, conn.Close())

	err := b.Publish(context.Background(), "work", []byte("x"), rabbitmq.PublishOptions{})
	require.Error(t, err)
	assert.True(t, rabbitmq.IsTransportError(err))
	assert.ErrorIs(t, err, rabbitmq.ErrChannelClosed)

	_, err = b.Consume("work", rabbitmq.AutoAck)
	assert.ErrorIs(t, err, rabbitmq.ErrChannelClosed)

	_, err = b.DeclareExclusiveQueue()
	assert.ErrorIs(t, err, rabbitmq.ErrChannelClosed)

	assert.ErrorIs(t, b.SetPrefetch(1), rabbitmq.ErrChannelClosed)
	assert.NoError(t, b.Close())

	var nilBinding *rabbitmq.Binding
	assert.ErrorIs(t, nilBinding.DeclareDurableQueue("work", nil), rabbitmq.ErrChannelClosed)
}

func TestBindingConsumeMissingQueue(t *testing.T) {
	broker := rabbitmqtest.New()
	b, _ := openBinding(t, broker)

	_, err := b.Consume("missing", rabbitmq.ManualAck)
	require.Error(t, err)
	var transportErr *rabbitmq.TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, "consume", transportErr.Op)
	assert.Equal(t, "missing", transportErr.Queue)
	assert.Contains(t, err.Error(), "NOT_FOUND")
}

func TestAckModeString(t *testing.T) {
	assert.Equal(t, "manual", rabbitmq.ManualAck.String())
	assert.Equal(t, "auto", rabbitmq.AutoAck.String())
	assert.Equal(t, "unknown", rabbitmq.AckMode(7).String())
}

func TestWorkQueueDeclare(t *testing.T) {
	t.Run("plain queue", func(t *testing.T) {
		broker := rabbitmqtest.New()
		b, _ := openBinding(t, broker)

		q := rabbitmq.WorkQueue{Name: rabbitmq.QueueLanguageAgent}
		require.NoError(t, q.Declare(b))
		assert.True(t, broker.QueueExists(rabbitmq.QueueLanguageAgent))
		assert.False(t, broker.QueueExists(q.DeadLetterQueue()))
	})

	t.Run("dead-letter routing", func(t *testing.T) {
		broker := rabbitmqtest.New()
		b, _ := openBinding(t, broker)

		q := rabbitmq.WorkQueue{Name: rabbitmq.QueueOrchestrator, DeadLetter: true}
		require.NoError(t, q.Declare(b))
		assert.Equal(t, "orchestrator.dlq", q.DeadLetterQueue())
		assert.True(t, broker.QueueExists("orchestrator.dlq"))

		require.NoError(t, b.Publish(context.Background(), q.Name, []byte("poison"), rabbitmq.PublishOptions{}))
		deliveries, err := b.Consume(q.Name, rabbitmq.ManualAck)
		require.NoError(t, err)

		d := receive(t, deliveries)
		require.NoError(t, d.Reject(false))

		assert.Equal(t, 0, broker.QueueDepth(q.Name))
		dead, ok := broker.Get("orchestrator.dlq")
		require.True(t, ok)
		assert.Equal(t, "poison", string(dead.Body))
		assert.Equal(t, "rejected", dead.Headers["x-first-death-reason"])
	})

	t.Run("redeclare is idempotent", func(t *testing.T) {
		broker := rabbitmqtest.New()
		b, _ := openBinding(t, broker)

		q := rabbitmq.WorkQueue{Name: rabbitmq.QueueBFF, DeadLetter: true}
		require.NoError(t, q.Declare(b))
		require.NoError(t, q.Declare(b))
	})

	t.Run("name required", func(t *testing.T) {
		broker := rabbitmqtest.New()
		b, _ := openBinding(t, broker)

		err := rabbitmq.WorkQueue{}.Declare(b)
		assert.ErrorIs(t, err, rabbitmq.ErrInvalidConfiguration)
	})
}

func TestWellKnownQueues(t *testing.T) {
	queues := rabbitmq.WellKnownQueues()
	assert.Len(t, queues, 8)
	assert.Contains(t, queues, "orchestrator")
	assert.Contains(t, queues, "diagram-generator")
}
