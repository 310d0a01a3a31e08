package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/juju/clock"

	"github.com/mtlprog/caseflow/internal/domain"
	"github.com/mtlprog/caseflow/internal/events"
	"github.com/mtlprog/caseflow/internal/logger"
	"github.com/mtlprog/caseflow/internal/store"
	"github.com/mtlprog/caseflow/internal/tracing"
)

// AfterCommitPublisher publishes an outbox message once its transaction has committed.
type AfterCommitPublisher interface {
	PublishAfterCommit(ctx context.Context, msg *domain.OutboxMessage) error
}

// CaseService coordinates case operations and status transitions.
type CaseService struct {
	db        store.Database
	publisher AfterCommitPublisher
	clock     clock.Clock
}

// NewCaseService creates a new CaseService. A nil clock means the wall clock.
func NewCaseService(db store.Database, publisher AfterCommitPublisher, clk clock.Clock) *CaseService {
	if clk == nil {
		clk = clock.WallClock
	}
	return &CaseService{db: db, publisher: publisher, clock: clk}
}

// CreateCaseInput holds the fields of a new case.
type CreateCaseInput struct {
	CaseNumber  string
	ApplicantID string
	// Draft opens the case in DRAFT instead of SUBMITTED.
	Draft bool
}

// newOutboxMessage builds the outbox row for an event raised by the case service.
func newOutboxMessage(eventType domain.EventType, aggregateID, correlationID string, payload any) (*domain.OutboxMessage, error) {
	exchange, routingKey, ok := events.RouteOf(eventType)
	if !ok {
		return nil, fmt.Errorf("no route for event type %s", eventType)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}

	return &domain.OutboxMessage{
		AggregateID:   aggregateID,
		EventType:     eventType,
		Exchange:      exchange,
		RoutingKey:    routingKey,
		Payload:       body,
		CorrelationID: correlationID,
	}, nil
}

// publish hands a committed outbox message to the publisher. Failures are logged only:
// the state change is committed and the relay will deliver the message later.
func (s *CaseService) publish(ctx context.Context, msg *domain.OutboxMessage) {
	if err := s.publisher.PublishAfterCommit(ctx, msg); err != nil {
		slog.WarnContext(ctx, "event publish deferred to outbox relay",
			"event_type", msg.EventType,
			"outbox_id", msg.ID,
			"error", err)
	}
}

// CreateCase opens a new case with a unique case number.
func (s *CaseService) CreateCase(ctx context.Context, in CreateCaseInput, actor domain.Actor) (*domain.Case, error) {
	in.CaseNumber = strings.TrimSpace(in.CaseNumber)
	in.ApplicantID = strings.TrimSpace(in.ApplicantID)

	if actor.ID == "" {
		return nil, domain.ErrMissingActor
	}
	if in.CaseNumber == "" {
		return nil, domain.ErrInvalidCaseNumber
	}
	if in.ApplicantID == "" {
		return nil, domain.ErrInvalidApplicant
	}

	ctx, correlationID := tracing.Ensure(ctx)

	status := domain.CaseStatusSubmitted
	if in.Draft {
		status = domain.CaseStatusDraft
	}

	c := &domain.Case{
		CaseNumber:  in.CaseNumber,
		ApplicantID: in.ApplicantID,
		Status:      status,
		CreatedBy:   actor.ID,
	}

	var msg *domain.OutboxMessage
	err := s.db.WithTx(ctx, func(st store.Stores) error {
		exists, err := st.Cases().ExistsByCaseNumber(ctx, c.CaseNumber)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s", domain.ErrCaseAlreadyExists, c.CaseNumber)
		}

		if err := st.Cases().Create(ctx, c); err != nil {
			return err
		}

		msg, err = newOutboxMessage(domain.EventTypeCaseCreated, c.ID, correlationID, events.CaseCreated{
			CaseID:      c.ID,
			CaseNumber:  c.CaseNumber,
			ApplicantID: c.ApplicantID,
			Status:      c.Status,
			CreatedBy:   c.CreatedBy,
			CreatedAt:   c.CreatedAt.UTC(),
		})
		if err != nil {
			return err
		}
		return st.Outbox().Enqueue(ctx, msg)
	})
	if err != nil {
		return nil, err
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{CaseID: &c.ID})
	slog.InfoContext(ctx, "case created",
		"case_number", c.CaseNumber,
		"status", c.Status,
		"actor_id", actor.ID)

	s.publish(ctx, msg)
	return c, nil
}

// GetCase returns a case by ID.
func (s *CaseService) GetCase(ctx context.Context, caseID string) (*domain.Case, error) {
	return s.db.Stores().Cases().GetByID(ctx, caseID)
}

// History returns the status history of a case, oldest first.
func (s *CaseService) History(ctx context.Context, caseID string) ([]*domain.CaseStatusHistory, error) {
	stores := s.db.Stores()
	if _, err := stores.Cases().GetByID(ctx, caseID); err != nil {
		return nil, err
	}
	return stores.History().ListByCase(ctx, caseID)
}

// AssignToMe assigns an unassigned, open case to the calling officer.
func (s *CaseService) AssignToMe(ctx context.Context, caseID string, actor domain.Actor) (*domain.Case, error) {
	if actor.ID == "" {
		return nil, domain.ErrMissingActor
	}

	ctx, correlationID := tracing.Ensure(ctx)
	ctx = logger.WithLogFields(ctx, logger.LogFields{CaseID: &caseID})

	var (
		c   *domain.Case
		msg *domain.OutboxMessage
	)
	err := s.db.WithTx(ctx, func(st store.Stores) error {
		var err error
		c, err = st.Cases().GetByIDForUpdate(ctx, caseID)
		if err != nil {
			return err
		}

		if err := c.AssignTo(actor.ID, s.clock.Now().UTC()); err != nil {
			return err
		}

		if err := st.Cases().Assign(ctx, c); err != nil {
			return err
		}

		msg, err = newOutboxMessage(domain.EventTypeCaseAssigned, c.ID, correlationID, events.CaseAssigned{
			CaseID:     c.ID,
			OfficerID:  actor.ID,
			AssignedAt: *c.AssignedAt,
		})
		if err != nil {
			return err
		}
		return st.Outbox().Enqueue(ctx, msg)
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "case assigned", "officer_id", actor.ID)

	s.publish(ctx, msg)
	return c, nil
}

// TransitionStatus moves a case to a new status on behalf of actor.
//
// The case row is locked, the change is validated and written together with its
// history entry and outbox row in one transaction. The event is published only
// after that transaction commits, so a rolled-back change never reaches consumers.
func (s *CaseService) TransitionStatus(
	ctx context.Context,
	caseID string,
	newStatus domain.CaseStatus,
	actor domain.Actor,
) (*domain.StatusTransitionEvent, error) {
	if actor.ID == "" {
		return nil, domain.ErrMissingActor
	}

	ctx, correlationID := tracing.Ensure(ctx)
	ctx = logger.WithLogFields(ctx, logger.LogFields{CaseID: &caseID})

	var (
		event *domain.StatusTransitionEvent
		msg   *domain.OutboxMessage
	)
	err := s.db.WithTx(ctx, func(st store.Stores) error {
		c, err := st.Cases().GetByIDForUpdate(ctx, caseID)
		if err != nil {
			return err
		}

		oldStatus := c.Status
		event, err = c.Transition(newStatus, actor, s.clock.Now().UTC(), correlationID)
		if err != nil {
			return err
		}

		if err := st.Cases().UpdateStatus(ctx, c, oldStatus); err != nil {
			return err
		}

		if err := st.History().Create(ctx, domain.NewCaseStatusHistory(event)); err != nil {
			return fmt.Errorf("create status history: %w", err)
		}

		msg, err = newOutboxMessage(domain.EventTypeCaseStatusChanged, c.ID, correlationID, events.NewCaseStatusChanged(event))
		if err != nil {
			return err
		}
		if err := st.Outbox().Enqueue(ctx, msg); err != nil {
			return fmt.Errorf("enqueue status event: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "case status changed",
		"old_status", event.OldStatus,
		"new_status", event.NewStatus,
		"actor_id", actor.ID)

	s.publish(ctx, msg)
	return event, nil
}
