// Package consumer applies broker deliveries to a service's store exactly once.
//
// Every delivery is claimed in the dedup table under (consumer, correlation id,
// event type) in the same transaction that applies its effect, so a redelivered
// event commits nothing and is simply acked.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"

	"github.com/mtlprog/caseflow/internal/broker"
	"github.com/mtlprog/caseflow/internal/domain"
	"github.com/mtlprog/caseflow/internal/events"
	"github.com/mtlprog/caseflow/internal/logger"
	"github.com/mtlprog/caseflow/internal/store"
	"github.com/mtlprog/caseflow/internal/tracing"
)

// Event is a decoded delivery handed to a Handler.
type Event struct {
	Type          domain.EventType
	Payload       []byte
	CorrelationID string
}

// Handler applies the effect of one event using stores bound to the dedup transaction.
// Returning an error wrapping domain.ErrMalformedEvent dead-letters the delivery at once.
type Handler interface {
	Apply(ctx context.Context, s store.Stores, ev Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, s store.Stores, ev Event) error

func (f HandlerFunc) Apply(ctx context.Context, s store.Stores, ev Event) error {
	return f(ctx, s, ev)
}

// Outcome is how a delivery was settled.
type Outcome int

const (
	OutcomeProcessed Outcome = iota + 1
	OutcomeDuplicate
	OutcomeRequeued
	OutcomeDeadLettered
	// OutcomeUnsettled means settling failed; the broker will hand the delivery out again.
	OutcomeUnsettled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeProcessed:
		return "processed"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeRequeued:
		return "requeued"
	case OutcomeDeadLettered:
		return "dead_lettered"
	case OutcomeUnsettled:
		return "unsettled"
	default:
		return "unknown"
	}
}

// Config holds the delivery and retry policy.
type Config struct {
	// MaxDeliveries is the attempt at which a failing delivery is dead-lettered instead of requeued.
	MaxDeliveries int
	// HandlerAttempts bounds the local retries of one delivery before it is requeued.
	HandlerAttempts int
	HandlerDelay    time.Duration
	HandlerMaxDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = 5
	}
	if c.HandlerAttempts <= 0 {
		c.HandlerAttempts = 3
	}
	if c.HandlerDelay <= 0 {
		c.HandlerDelay = 100 * time.Millisecond
	}
	if c.HandlerMaxDelay < c.HandlerDelay {
		c.HandlerMaxDelay = c.HandlerDelay
	}
	return c
}

// Consumer dispatches deliveries to the handler registered for their event type.
type Consumer struct {
	name     string
	db       store.Database
	handlers map[domain.EventType]Handler
	cfg      Config
	clock    clock.Clock
}

// New creates a Consumer named name; the name scopes its dedup records. A nil clock means the wall clock.
func New(name string, db store.Database, cfg Config, clk clock.Clock) *Consumer {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Consumer{
		name:     name,
		db:       db,
		handlers: make(map[domain.EventType]Handler),
		cfg:      cfg.withDefaults(),
		clock:    clk,
	}
}

// Name returns the consumer name.
func (c *Consumer) Name() string {
	return c.name
}

// Register sets the handler for eventType, replacing any previous one.
func (c *Consumer) Register(eventType domain.EventType, h Handler) {
	c.handlers[eventType] = h
}

// correlationID reads the trace header of d. Without a valid one it falls back to an
// id derived from the message id, so redeliveries still dedup, and only then mints one.
func (c *Consumer) correlationID(ctx context.Context, d broker.Delivery) string {
	header := d.Message.Header(tracing.HeaderName)
	id, traced := tracing.Resolve(header)
	if traced {
		return id
	}
	if messageID := d.Message.Header(broker.HeaderMessageID); messageID != "" {
		id = tracing.FromMessageID(messageID)
		slog.WarnContext(ctx, "delivery has no valid trace id, derived one from the message id",
			"header", header,
			"message_id", messageID,
			"correlation_id", id)
		return id
	}
	slog.WarnContext(ctx, "delivery has no valid trace id, minted a new one",
		"header", header,
		"correlation_id", id)
	return id
}

// Handle processes one delivery and settles it on sub.
func (c *Consumer) Handle(ctx context.Context, sub broker.Subscription, d broker.Delivery) Outcome {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		MessageID: logger.Ptr(d.ID),
		Queue:     logger.Ptr(d.Queue),
	})

	correlationID := c.correlationID(ctx, d)
	ctx = tracing.WithCorrelationID(ctx, correlationID)

	eventType, ok := events.EventTypeOf(d.Message.RoutingKey)
	if !ok {
		return c.deadLetter(ctx, sub, d, fmt.Sprintf("unknown routing key %q", d.Message.RoutingKey))
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{EventType: logger.Ptr(string(eventType))})

	h, ok := c.handlers[eventType]
	if !ok {
		return c.deadLetter(ctx, sub, d, fmt.Sprintf("no handler for event type %s", eventType))
	}

	ev := Event{Type: eventType, Payload: d.Message.Payload, CorrelationID: correlationID}
	err := c.apply(ctx, h, ev)
	switch {
	case err == nil:
		if !c.ack(ctx, sub, d) {
			return OutcomeUnsettled
		}
		slog.InfoContext(ctx, "event processed", "attempt", d.Attempt)
		return OutcomeProcessed

	case errors.Is(err, domain.ErrDuplicateEvent):
		if !c.ack(ctx, sub, d) {
			return OutcomeUnsettled
		}
		slog.InfoContext(ctx, "duplicate event skipped", "attempt", d.Attempt)
		return OutcomeDuplicate

	case errors.Is(err, domain.ErrMalformedEvent):
		return c.deadLetter(ctx, sub, d, err.Error())

	default:
		return c.fail(ctx, sub, d, err)
	}
}

// fail requeues d, or dead-letters it once it has been delivered MaxDeliveries times.
func (c *Consumer) fail(ctx context.Context, sub broker.Subscription, d broker.Delivery, err error) Outcome {
	if d.Attempt >= c.cfg.MaxDeliveries {
		slog.ErrorContext(ctx, "max deliveries reached",
			"attempt", d.Attempt,
			"error", err)
		return c.deadLetter(ctx, sub, d, err.Error())
	}

	slog.WarnContext(ctx, "requeuing failed delivery",
		"attempt", d.Attempt,
		"error", err)
	if rqErr := sub.Requeue(ctx, d, err.Error()); rqErr != nil {
		slog.ErrorContext(ctx, "failed to requeue delivery", "error", rqErr)
		return OutcomeUnsettled
	}
	return OutcomeRequeued
}

// apply claims ev and runs h in one transaction, retrying transient failures locally.
func (c *Consumer) apply(ctx context.Context, h Handler, ev Event) error {
	key := domain.DedupKey{Consumer: c.name, CorrelationID: ev.CorrelationID, EventType: ev.Type}

	var lastErr error
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			lastErr = c.db.WithTx(ctx, func(s store.Stores) error {
				claimed, err := s.Dedup().Claim(ctx, key, c.clock.Now().UTC())
				if err != nil {
					return fmt.Errorf("claim event: %w", err)
				}
				if !claimed {
					return domain.ErrDuplicateEvent
				}
				return h.Apply(ctx, s, ev)
			})
			return lastErr
		},
		IsFatalError: func(err error) bool {
			return errors.Is(err, domain.ErrDuplicateEvent) || errors.Is(err, domain.ErrMalformedEvent)
		},
		NotifyFunc: func(err error, attempt int) {
			slog.DebugContext(ctx, "event apply failed, retrying", "attempt", attempt, "error", err)
		},
		Attempts:    c.cfg.HandlerAttempts,
		Delay:       c.cfg.HandlerDelay,
		MaxDelay:    c.cfg.HandlerMaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       c.clock,
		Stop:        ctx.Done(),
	})
	if err == nil {
		return nil
	}
	if lastErr == nil {
		return fmt.Errorf("%w: %w", domain.ErrTransient, err)
	}
	if errors.Is(lastErr, domain.ErrDuplicateEvent) || errors.Is(lastErr, domain.ErrMalformedEvent) {
		return lastErr
	}
	return fmt.Errorf("%w: %w", domain.ErrTransient, lastErr)
}

func (c *Consumer) ack(ctx context.Context, sub broker.Subscription, d broker.Delivery) bool {
	if err := sub.Ack(ctx, d); err != nil {
		// The effect is committed; a redelivery will be seen as a duplicate.
		slog.WarnContext(ctx, "failed to ack delivery", "error", err)
		return false
	}
	return true
}

func (c *Consumer) deadLetter(ctx context.Context, sub broker.Subscription, d broker.Delivery, reason string) Outcome {
	slog.ErrorContext(ctx, "sending delivery to dead-letter queue",
		"routing_key", d.Message.RoutingKey,
		"attempt", d.Attempt,
		"reason", reason)
	if err := sub.DeadLetter(ctx, d, reason); err != nil {
		slog.ErrorContext(ctx, "failed to dead-letter delivery", "error", err)
		return OutcomeUnsettled
	}
	return OutcomeDeadLettered
}
