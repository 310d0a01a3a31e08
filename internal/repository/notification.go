package repository

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/mtlprog/caseflow/internal/domain"
)

// NotificationRepository handles database operations for notifications.
type NotificationRepository struct {
	db DBTX
}

// NewNotificationRepository creates a new NotificationRepository.
func NewNotificationRepository(db DBTX) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create stores a notification and fills in ID and CreatedAt.
func (r *NotificationRepository) Create(ctx context.Context, n *domain.Notification) error {
	query, args, err := psql.
		Insert("notifications").
		Columns("recipient", "channel", "subject", "body", "event_type", "correlation_id").
		Values(n.Recipient, n.Channel, n.Subject, n.Body, n.EventType, n.CorrelationID).
		Suffix("RETURNING id, created_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}

	if err := r.db.QueryRow(ctx, query, args...).Scan(&n.ID, &n.CreatedAt); err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

// ListByRecipient retrieves the notifications sent to one recipient, newest first.
func (r *NotificationRepository) ListByRecipient(ctx context.Context, recipient string) ([]*domain.Notification, error) {
	query, args, err := psql.
		Select("id", "recipient", "channel", "subject", "body", "event_type", "correlation_id", "created_at").
		From("notifications").
		Where(sq.Eq{"recipient": recipient}).
		OrderBy("created_at DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	notifications := []*domain.Notification{}
	for rows.Next() {
		var n domain.Notification
		err := rows.Scan(&n.ID, &n.Recipient, &n.Channel, &n.Subject, &n.Body, &n.EventType, &n.CorrelationID, &n.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return notifications, nil
}
