// Package outbox gets events written to the outbox table onto the broker.
// Publisher sends one message right after the transaction that wrote it has
// committed; Relay sweeps up whatever is still pending.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/juju/clock"

	"github.com/mtlprog/caseflow/internal/broker"
	"github.com/mtlprog/caseflow/internal/domain"
	"github.com/mtlprog/caseflow/internal/store"
	"github.com/mtlprog/caseflow/internal/tracing"
)

// Publisher publishes committed outbox messages.
type Publisher struct {
	db     store.Database
	broker broker.Publisher
	clock  clock.Clock
}

// NewPublisher creates a Publisher. A nil clock means the wall clock.
func NewPublisher(db store.Database, pub broker.Publisher, clk clock.Clock) *Publisher {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Publisher{db: db, broker: pub, clock: clk}
}

// ToBrokerMessage builds the broker message for an outbox row. The correlation id
// travels only in the trace header.
func ToBrokerMessage(m *domain.OutboxMessage) broker.Message {
	return broker.Message{
		Exchange:   m.Exchange,
		RoutingKey: m.RoutingKey,
		Payload:    m.Payload,
		Headers: map[string]string{
			tracing.HeaderName:     m.CorrelationID,
			broker.HeaderMessageID: m.ID,
		},
	}
}

// PublishAfterCommit publishes msg, which must already be committed. It must never be
// called from inside the transaction that wrote msg.
//
// A publish failure is recorded on the row and returned; the row stays pending for
// the relay. A message already taken by the relay is skipped.
func (p *Publisher) PublishAfterCommit(ctx context.Context, msg *domain.OutboxMessage) error {
	ctx = tracing.WithCorrelationID(ctx, msg.CorrelationID)

	var publishErr error
	err := p.db.WithTx(ctx, func(s store.Stores) error {
		locked, err := s.Outbox().LockByID(ctx, msg.ID)
		if err != nil {
			return err
		}
		publishErr = publish(ctx, s, p.broker, locked, p.clock)
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrOutboxNotPending) {
			slog.DebugContext(ctx, "outbox message already handled", "outbox_id", msg.ID)
			return nil
		}
		return fmt.Errorf("publish outbox message %s: %w", msg.ID, err)
	}
	if publishErr != nil {
		return fmt.Errorf("publish outbox message %s: %w", msg.ID, publishErr)
	}

	now := p.clock.Now().UTC()
	msg.PublishedAt = &now
	return nil
}

// publish sends one locked message and records the outcome in the same transaction.
// The returned error is the broker error; bookkeeping errors are only logged so the
// caller's transaction still commits what it can.
func publish(ctx context.Context, s store.Stores, pub broker.Publisher, m *domain.OutboxMessage, clk clock.Clock) error {
	if err := pub.Publish(ctx, ToBrokerMessage(m)); err != nil {
		slog.WarnContext(ctx, "outbox publish failed, message stays pending",
			"outbox_id", m.ID,
			"event_type", m.EventType,
			"attempts", m.Attempts+1,
			"error", err)
		if markErr := s.Outbox().MarkFailed(ctx, m.ID, err.Error()); markErr != nil {
			slog.ErrorContext(ctx, "failed to record outbox publish failure", "outbox_id", m.ID, "error", markErr)
		}
		return err
	}

	if err := s.Outbox().MarkPublished(ctx, m.ID, clk.Now().UTC()); err != nil {
		// The message is on the broker; the relay will send it again and consumers dedup it.
		slog.ErrorContext(ctx, "failed to mark outbox message published", "outbox_id", m.ID, "error", err)
		return nil
	}

	slog.InfoContext(ctx, "outbox message published",
		"outbox_id", m.ID,
		"event_type", m.EventType,
		"routing_key", m.RoutingKey)
	return nil
}

func logCtx(ctx context.Context, correlationID string) context.Context {
	return tracing.WithCorrelationID(ctx, correlationID)
}
