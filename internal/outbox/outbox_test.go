package outbox_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtlprog/caseflow/internal/broker"
	"github.com/mtlprog/caseflow/internal/domain"
	"github.com/mtlprog/caseflow/internal/events"
	"github.com/mtlprog/caseflow/internal/memstore"
	"github.com/mtlprog/caseflow/internal/outbox"
	"github.com/mtlprog/caseflow/internal/store"
	"github.com/mtlprog/caseflow/internal/tracing"
)

const traceID = "6f1c2a4e-8b1d-4c55-9d0e-6b7f3e2a9c10"

func newBroker(t *testing.T) *broker.MemoryBroker {
	t.Helper()
	b := broker.NewMemoryBroker(nil)
	require.NoError(t, events.DeclareTopology(context.Background(), b, events.ConsumerAudit))
	return b
}

func enqueue(t *testing.T, db store.Database) *domain.OutboxMessage {
	t.Helper()
	msg := &domain.OutboxMessage{
		AggregateID:   "case-1",
		EventType:     domain.EventTypeCaseStatusChanged,
		Exchange:      events.CaseExchange,
		RoutingKey:    events.RoutingKeyCaseStatusChanged,
		Payload:       []byte(`{"caseId":"case-1"}`),
		CorrelationID: traceID,
	}
	require.NoError(t, db.Stores().Outbox().Enqueue(context.Background(), msg))
	return msg
}

func pending(t *testing.T, db store.Database) []*domain.OutboxMessage {
	t.Helper()
	msgs, err := db.Stores().Outbox().LockPending(context.Background(), 100)
	require.NoError(t, err)
	return msgs
}

func TestPublishAfterCommit(t *testing.T) {
	ctx := context.Background()
	db := memstore.New(nil)
	b := newBroker(t)
	msg := enqueue(t, db)

	require.NoError(t, outbox.NewPublisher(db, b, nil).PublishAfterCommit(ctx, msg))

	published := b.Published()
	require.Len(t, published, 1)
	assert.Equal(t, traceID, published[0].Header(tracing.HeaderName))
	assert.Equal(t, msg.ID, published[0].Header(broker.HeaderMessageID))
	assert.JSONEq(t, `{"caseId":"case-1"}`, string(published[0].Payload))
	assert.True(t, msg.IsPublished())
	assert.Empty(t, pending(t, db))
}

func TestPublishAfterCommit_AlreadyPublished(t *testing.T) {
	ctx := context.Background()
	db := memstore.New(nil)
	b := newBroker(t)
	msg := enqueue(t, db)
	pub := outbox.NewPublisher(db, b, nil)

	require.NoError(t, pub.PublishAfterCommit(ctx, msg))
	require.NoError(t, pub.PublishAfterCommit(ctx, msg))
	assert.Len(t, b.Published(), 1)
}

func TestPublishAfterCommit_BrokerFailure(t *testing.T) {
	ctx := context.Background()
	db := memstore.New(nil)
	msg := enqueue(t, db)
	down := broker.PublisherFunc(func(context.Context, broker.Message) error {
		return errors.New("connection refused")
	})

	err := outbox.NewPublisher(db, down, nil).PublishAfterCommit(ctx, msg)
	require.Error(t, err)
	assert.False(t, msg.IsPublished())

	rows := pending(t, db)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].Attempts)
	assert.Equal(t, "connection refused", *rows[0].LastError)
}

func TestPublishAfterCommit_UnroutableStaysPending(t *testing.T) {
	ctx := context.Background()
	db := memstore.New(nil)
	msg := enqueue(t, db)

	err := outbox.NewPublisher(db, broker.NewMemoryBroker(nil), nil).PublishAfterCommit(ctx, msg)
	require.ErrorIs(t, err, broker.ErrUnroutable)
	assert.Len(t, pending(t, db), 1)
}

func TestRelay_RunOnceRetriesFailures(t *testing.T) {
	ctx := context.Background()
	db := memstore.New(nil)
	b := newBroker(t)
	first := enqueue(t, db)
	for range 2 {
		enqueue(t, db)
	}

	var up atomic.Bool
	flaky := broker.PublisherFunc(func(ctx context.Context, msg broker.Message) error {
		if !up.Load() {
			return errors.New("broker unavailable")
		}
		return b.Publish(ctx, msg)
	})
	relay := outbox.NewRelay(db, flaky, outbox.RelayConfig{BatchSize: 2}, nil)

	for range 2 {
		n, err := relay.RunOnce(ctx)
		require.ErrorIs(t, err, outbox.ErrNoProgress)
		assert.ErrorContains(t, err, "broker unavailable")
		assert.Zero(t, n)
	}
	rows := pending(t, db)
	require.Len(t, rows, 3)
	for _, row := range rows {
		assert.Positive(t, row.Attempts, "every row is tried before any is retried")
	}
	assert.Equal(t, first.ID, rows[2].ID, "the most attempted row goes last")
	assert.Equal(t, 2, rows[2].Attempts)

	up.Store(true)
	n, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Empty(t, pending(t, db))
	assert.Len(t, b.Published(), 3)
}

func TestRelay_RunOncePartialBatch(t *testing.T) {
	ctx := context.Background()
	db := memstore.New(nil)
	b := newBroker(t)
	enqueue(t, db)
	unroutable := &domain.OutboxMessage{
		AggregateID:   "case-2",
		EventType:     domain.EventTypeCaseStatusChanged,
		Exchange:      "retired.exchange",
		RoutingKey:    events.RoutingKeyCaseStatusChanged,
		Payload:       []byte(`{"caseId":"case-2"}`),
		CorrelationID: traceID,
	}
	require.NoError(t, db.Stores().Outbox().Enqueue(ctx, unroutable))

	n, err := outbox.NewRelay(db, b, outbox.RelayConfig{BatchSize: 10}, nil).RunOnce(ctx)
	require.NoError(t, err, "a batch that published something made progress")
	assert.Equal(t, 1, n)
	assert.Len(t, pending(t, db), 1)
}

func TestRelay_FailingMessagesDoNotStarveOthers(t *testing.T) {
	ctx := context.Background()
	db := memstore.New(nil)
	b := newBroker(t)
	for range 2 {
		require.NoError(t, db.Stores().Outbox().Enqueue(ctx, &domain.OutboxMessage{
			AggregateID:   "case-0",
			EventType:     domain.EventTypeCaseStatusChanged,
			Exchange:      "retired.exchange",
			RoutingKey:    events.RoutingKeyCaseStatusChanged,
			Payload:       []byte(`{"caseId":"case-0"}`),
			CorrelationID: traceID,
		}))
	}
	good := enqueue(t, db)
	relay := outbox.NewRelay(db, b, outbox.RelayConfig{BatchSize: 2}, nil)

	_, err := relay.RunOnce(ctx)
	require.ErrorIs(t, err, outbox.ErrNoProgress)
	require.ErrorIs(t, err, broker.ErrUnroutable)

	n, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	published := b.Published()
	require.Len(t, published, 1)
	assert.Equal(t, good.ID, published[0].Header(broker.HeaderMessageID))
	assert.Len(t, pending(t, db), 2)
}

func TestRelay_RunBacksOffWhileBrokerIsDown(t *testing.T) {
	db := memstore.New(nil)
	enqueue(t, db)
	enqueue(t, db)

	var attempts atomic.Int32
	down := broker.PublisherFunc(func(context.Context, broker.Message) error {
		attempts.Add(1)
		return errors.New("broker unavailable")
	})
	clk := testclock.NewClock(time.Now())
	relay := outbox.NewRelay(db, down, outbox.RelayConfig{
		Interval:   time.Second,
		BatchSize:  2,
		MaxBackoff: 4 * time.Second,
	}, clk)

	done := make(chan error, 1)
	go func() { done <- relay.Run(context.Background()) }()

	// The first wait is the interval; after that it doubles per failed cycle up to MaxBackoff.
	waits := []time.Duration{time.Second, time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}
	for i, wait := range waits {
		before := attempts.Load()

		require.NoError(t, clk.WaitAdvance(wait-time.Millisecond, time.Second, 1))
		assert.Never(t, func() bool { return attempts.Load() != before }, 20*time.Millisecond, time.Millisecond,
			"cycle %d ran before its wait elapsed", i+1)

		require.NoError(t, clk.WaitAdvance(time.Millisecond, time.Second, 1))
		want := int32(2 * (i + 1))
		require.Eventually(t, func() bool { return attempts.Load() == want }, time.Second, time.Millisecond,
			"cycle %d", i+1)
	}

	relay.Stop()
	require.NoError(t, <-done)
	assert.Equal(t, int32(2*len(waits)), attempts.Load())
	for _, row := range pending(t, db) {
		assert.Equal(t, len(waits), row.Attempts)
	}
}

func TestRelay_RunOnceStoreFailure(t *testing.T) {
	db := memstore.New(nil)
	db.FailNext("outbox.LockPending", errors.New("db down"), 1)

	_, err := outbox.NewRelay(db, newBroker(t), outbox.RelayConfig{}, nil).RunOnce(context.Background())
	require.Error(t, err)
}

func TestRelay_RunAndStop(t *testing.T) {
	db := memstore.New(nil)
	b := newBroker(t)
	relay := outbox.NewRelay(db, b, outbox.RelayConfig{Interval: 5 * time.Millisecond}, nil)

	done := make(chan error, 1)
	go func() { done <- relay.Run(context.Background()) }()

	enqueue(t, db)
	assert.Eventually(t, func() bool { return len(b.Published()) == 1 }, time.Second, 5*time.Millisecond)

	relay.Stop()
	require.NoError(t, <-done)
	assert.NotPanics(t, relay.Stop)
}

func TestRelay_StopWithoutRun(t *testing.T) {
	relay := outbox.NewRelay(memstore.New(nil), newBroker(t), outbox.RelayConfig{}, nil)

	stopped := make(chan struct{})
	go func() {
		relay.Stop()
		relay.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a relay that never ran")
	}
}
