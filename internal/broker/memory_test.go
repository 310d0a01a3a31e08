package broker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtlprog/caseflow/internal/broker"
)

const exchange = "case.events.exchange"

func declare(t *testing.T, b broker.Broker, bindings ...broker.Binding) {
	t.Helper()
	for _, binding := range bindings {
		require.NoError(t, b.Declare(context.Background(), binding))
	}
}

func subscribe(t *testing.T, b broker.Broker, queue string) broker.Subscription {
	t.Helper()
	sub, err := b.Subscribe(context.Background(), queue, broker.SubscribeOptions{
		Consumer:  "test",
		BatchSize: 10,
		Block:     10 * time.Millisecond,
	})
	require.NoError(t, err)
	return sub
}

func TestMemoryBroker_FanOut(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemoryBroker(nil)
	declare(t, b,
		broker.Binding{Queue: "audit.q", Exchange: exchange, Pattern: "case.status.changed"},
		broker.Binding{Queue: "notify.q", Exchange: exchange, Pattern: "case.#"},
		broker.Binding{Queue: "lifecycle.q", Exchange: exchange, Pattern: "case.*"},
	)

	err := b.Publish(ctx, broker.Message{
		Exchange:   exchange,
		RoutingKey: "case.status.changed",
		Payload:    []byte(`{"caseId":"1"}`),
		Headers:    map[string]string{"X-Trace-Id": "t-1"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, b.Ready("audit.q"))
	assert.Equal(t, 1, b.Ready("notify.q"))
	assert.Equal(t, 0, b.Ready("lifecycle.q"))

	deliveries, err := subscribe(t, b, "audit.q").Fetch(ctx)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, 1, deliveries[0].Attempt)
	assert.Equal(t, "t-1", deliveries[0].Message.Header("X-Trace-Id"))
	assert.JSONEq(t, `{"caseId":"1"}`, string(deliveries[0].Message.Payload))
}

func TestMemoryBroker_OneCopyPerQueue(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemoryBroker(nil)
	declare(t, b,
		broker.Binding{Queue: "q", Exchange: exchange, Pattern: "case.#"},
		broker.Binding{Queue: "q", Exchange: exchange, Pattern: "case.created"},
	)

	require.NoError(t, b.Publish(ctx, broker.Message{Exchange: exchange, RoutingKey: "case.created"}))
	assert.Equal(t, 1, b.Ready("q"))
}

func TestMemoryBroker_Unroutable(t *testing.T) {
	b := broker.NewMemoryBroker(nil)
	declare(t, b, broker.Binding{Queue: "q", Exchange: exchange, Pattern: "case.created"})

	err := b.Publish(context.Background(), broker.Message{Exchange: exchange, RoutingKey: "case.assigned"})
	require.ErrorIs(t, err, broker.ErrUnroutable)
	assert.Empty(t, b.Published())
}

func TestMemoryBroker_DeclareIdempotent(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemoryBroker(nil)
	binding := broker.Binding{Queue: "q", Exchange: exchange, Pattern: "case.created"}
	declare(t, b, binding, binding, binding)

	require.NoError(t, b.Publish(ctx, broker.Message{Exchange: exchange, RoutingKey: "case.created"}))
	assert.Equal(t, 1, b.Ready("q"))
}

func TestMemoryBroker_SettleDeliveries(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemoryBroker(nil)
	declare(t, b, broker.Binding{Queue: "q", Exchange: exchange, Pattern: "#"})
	sub := subscribe(t, b, "q")

	for range 3 {
		require.NoError(t, b.Publish(ctx, broker.Message{Exchange: exchange, RoutingKey: "case.created"}))
	}

	deliveries, err := sub.Fetch(ctx)
	require.NoError(t, err)
	require.Len(t, deliveries, 3)
	assert.Equal(t, 3, b.InFlight("q"))

	require.NoError(t, sub.Ack(ctx, deliveries[0]))
	require.NoError(t, sub.Requeue(ctx, deliveries[1], "db down"))
	require.NoError(t, sub.DeadLetter(ctx, deliveries[2], "bad payload"))

	assert.Equal(t, 0, b.InFlight("q"))
	assert.Equal(t, 1, b.Ready("q"))

	requeued, err := sub.Fetch(ctx)
	require.NoError(t, err)
	require.Len(t, requeued, 1)
	assert.Equal(t, 2, requeued[0].Attempt)
	assert.Equal(t, "db down", requeued[0].Message.Header(broker.HeaderLastError))

	dead := b.DeadLetters("q")
	require.Len(t, dead, 1)
	assert.Equal(t, "bad payload", dead[0].Message.Header(broker.HeaderDeadLetterReason))

	require.Error(t, sub.Ack(ctx, deliveries[0]), "double ack")
}

func TestMemoryBroker_FetchEmptyReturnsAfterBlock(t *testing.T) {
	b := broker.NewMemoryBroker(nil)
	sub := subscribe(t, b, "q")

	deliveries, err := sub.Fetch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, deliveries)
}

func TestMemoryBroker_FetchWakesOnPublish(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemoryBroker(nil)
	declare(t, b, broker.Binding{Queue: "q", Exchange: exchange, Pattern: "#"})
	sub, err := b.Subscribe(ctx, "q", broker.SubscribeOptions{Block: 5 * time.Second})
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = b.Publish(ctx, broker.Message{Exchange: exchange, RoutingKey: "case.created"})
	}()

	deliveries, err := sub.Fetch(ctx)
	require.NoError(t, err)
	assert.Len(t, deliveries, 1)
}

func TestMemoryBroker_FetchHonorsContext(t *testing.T) {
	b := broker.NewMemoryBroker(nil)
	sub, err := b.Subscribe(context.Background(), "q", broker.SubscribeOptions{Block: time.Minute})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = sub.Fetch(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestMemoryBroker_Reclaim(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemoryBroker(nil)
	declare(t, b, broker.Binding{Queue: "q", Exchange: exchange, Pattern: "#"})
	sub := subscribe(t, b, "q")

	require.NoError(t, b.Publish(ctx, broker.Message{Exchange: exchange, RoutingKey: "case.created"}))
	fetched, err := sub.Fetch(ctx)
	require.NoError(t, err)
	require.Len(t, fetched, 1)

	fresh, err := sub.Reclaim(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, fresh)

	stale, err := sub.Reclaim(ctx, 0)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, fetched[0].ID, stale[0].ID)

	require.NoError(t, sub.Ack(ctx, stale[0]))
	assert.Equal(t, 0, b.InFlight("q"))
}
