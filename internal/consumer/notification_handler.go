package consumer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/juju/clock"

	"github.com/mtlprog/caseflow/internal/domain"
	"github.com/mtlprog/caseflow/internal/events"
	"github.com/mtlprog/caseflow/internal/store"
)

// NotificationHandler records and logs a notification for case status changes and
// new user registrations.
type NotificationHandler struct{}

// NewNotificationConsumer creates the notification service consumer.
func NewNotificationConsumer(db store.Database, cfg Config, clk clock.Clock) *Consumer {
	c := New(events.ConsumerNotification, db, cfg, clk)
	h := NotificationHandler{}
	c.Register(domain.EventTypeCaseStatusChanged, h)
	c.Register(domain.EventTypeUserRegistered, h)
	return c
}

func (NotificationHandler) Apply(ctx context.Context, s store.Stores, ev Event) error {
	n, err := notification(ev)
	if err != nil {
		return err
	}
	n.Channel = domain.ChannelLog
	n.EventType = ev.Type
	n.CorrelationID = ev.CorrelationID

	if err := s.Notifications().Create(ctx, n); err != nil {
		return fmt.Errorf("create notification: %w", err)
	}

	slog.InfoContext(ctx, "notification sent",
		"recipient", n.Recipient,
		"channel", n.Channel,
		"subject", n.Subject,
		"body", n.Body)
	return nil
}

func notification(ev Event) (*domain.Notification, error) {
	switch ev.Type {
	case domain.EventTypeCaseStatusChanged:
		e, err := events.Decode[events.CaseStatusChanged](ev.Payload)
		if err != nil {
			return nil, err
		}
		changedAt := e.ChangedAt.UTC().Format("2006-01-02 15:04 MST")
		if e.ApplicantID == "" {
			return &domain.Notification{
				Recipient: e.ChangedBy,
				Subject:   fmt.Sprintf("Case %s is now %s", e.CaseID, e.NewStatus),
				Body: fmt.Sprintf("You changed the status of case %s from %s to %s on %s.",
					e.CaseID, e.OldStatus, e.NewStatus, changedAt),
			}, nil
		}
		return &domain.Notification{
			Recipient: e.ApplicantID,
			Subject:   fmt.Sprintf("Case %s is now %s", e.CaseID, e.NewStatus),
			Body: fmt.Sprintf("Your case %s changed status from %s to %s on %s.",
				e.CaseID, e.OldStatus, e.NewStatus, changedAt),
		}, nil

	case domain.EventTypeUserRegistered:
		e, err := events.Decode[events.UserRegistered](ev.Payload)
		if err != nil {
			return nil, err
		}
		recipient := e.Email
		if recipient == "" {
			recipient = e.UserID
		}
		return &domain.Notification{
			Recipient: recipient,
			Subject:   "Welcome",
			Body:      fmt.Sprintf("Your account %s has been registered.", e.UserID),
		}, nil
	}

	return nil, fmt.Errorf("%w: no notification for %s", domain.ErrMalformedEvent, ev.Type)
}
