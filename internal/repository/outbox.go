package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/mtlprog/caseflow/internal/domain"
)

var outboxColumns = []string{
	"id", "aggregate_id", "event_type", "exchange", "routing_key", "payload",
	"correlation_id", "attempts", "last_error", "created_at", "published_at",
}

// OutboxRepository handles database operations for the transactional outbox.
type OutboxRepository struct {
	db DBTX
}

// NewOutboxRepository creates a new OutboxRepository.
func NewOutboxRepository(db DBTX) *OutboxRepository {
	return &OutboxRepository{db: db}
}

func scanOutboxMessage(row pgx.Row) (*domain.OutboxMessage, error) {
	var m domain.OutboxMessage
	err := row.Scan(
		&m.ID,
		&m.AggregateID,
		&m.EventType,
		&m.Exchange,
		&m.RoutingKey,
		&m.Payload,
		&m.CorrelationID,
		&m.Attempts,
		&m.LastError,
		&m.CreatedAt,
		&m.PublishedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Enqueue stores a message to be published and fills in ID and CreatedAt.
func (r *OutboxRepository) Enqueue(ctx context.Context, msg *domain.OutboxMessage) error {
	query, args, err := psql.
		Insert("outbox_messages").
		Columns("aggregate_id", "event_type", "exchange", "routing_key", "payload", "correlation_id").
		Values(msg.AggregateID, msg.EventType, msg.Exchange, msg.RoutingKey, msg.Payload, msg.CorrelationID).
		Suffix("RETURNING id, created_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("build Enqueue query: %w", err)
	}

	if err := r.db.QueryRow(ctx, query, args...).Scan(&msg.ID, &msg.CreatedAt); err != nil {
		return fmt.Errorf("enqueue outbox message: %w", err)
	}

	return nil
}

// LockPending locks up to limit unpublished messages, least attempted first, then oldest.
func (r *OutboxRepository) LockPending(ctx context.Context, limit uint64) ([]*domain.OutboxMessage, error) {
	query, args, err := psql.
		Select(outboxColumns...).
		From("outbox_messages").
		Where(sq.Eq{"published_at": nil}).
		OrderBy("attempts ASC", "created_at ASC").
		Limit(limit).
		Suffix("FOR UPDATE SKIP LOCKED").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build LockPending query: %w", err)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending outbox messages: %w", err)
	}
	defer rows.Close()

	var messages []*domain.OutboxMessage
	for rows.Next() {
		m, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return messages, nil
}

// LockByID locks one unpublished message.
// Returns ErrOutboxNotPending if it is published or locked by another transaction.
func (r *OutboxRepository) LockByID(ctx context.Context, id string) (*domain.OutboxMessage, error) {
	query, args, err := psql.
		Select(outboxColumns...).
		From("outbox_messages").
		Where(sq.Eq{"id": id, "published_at": nil}).
		Suffix("FOR UPDATE SKIP LOCKED").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build LockByID query: %w", err)
	}

	m, err := scanOutboxMessage(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrOutboxNotPending, id)
		}
		return nil, fmt.Errorf("lock outbox message: %w", err)
	}
	return m, nil
}

// MarkPublished records that the message reached the broker.
func (r *OutboxRepository) MarkPublished(ctx context.Context, id string, at time.Time) error {
	query, args, err := psql.
		Update("outbox_messages").
		Set("published_at", at).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build MarkPublished query: %w", err)
	}

	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("mark outbox message published: %w", err)
	}
	return nil
}

// MarkFailed counts a failed publish attempt and keeps the message pending.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id string, reason string) error {
	query, args, err := psql.
		Update("outbox_messages").
		Set("attempts", sq.Expr("attempts + 1")).
		Set("last_error", reason).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build MarkFailed query: %w", err)
	}

	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("mark outbox message failed: %w", err)
	}
	return nil
}

// CountPending returns the number of unpublished messages.
func (r *OutboxRepository) CountPending(ctx context.Context) (int, error) {
	query, args, err := psql.
		Select("COUNT(*)").
		From("outbox_messages").
		Where(sq.Eq{"published_at": nil}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build CountPending query: %w", err)
	}

	var n int
	if err := r.db.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending outbox messages: %w", err)
	}
	return n, nil
}
