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

// AuditHandler stores one audit record per event.
type AuditHandler struct{}

// NewAuditConsumer creates the audit service consumer with AuditHandler registered
// for every event type the audit queues carry.
func NewAuditConsumer(db store.Database, cfg Config, clk clock.Clock) *Consumer {
	c := New(events.ConsumerAudit, db, cfg, clk)
	h := AuditHandler{}
	for _, t := range []domain.EventType{
		domain.EventTypeCaseStatusChanged,
		domain.EventTypeCaseCreated,
		domain.EventTypeCaseAssigned,
		domain.EventTypeUserRegistered,
		domain.EventTypeUserPromoted,
		domain.EventTypeAccountLocked,
	} {
		c.Register(t, h)
	}
	return c
}

func (AuditHandler) Apply(ctx context.Context, s store.Stores, ev Event) error {
	rec, err := auditRecord(ev)
	if err != nil {
		return err
	}
	rec.EventType = ev.Type
	rec.Category = domain.CategoryOf(ev.Type)
	rec.CorrelationID = ev.CorrelationID

	if err := s.Audit().Create(ctx, rec); err != nil {
		return fmt.Errorf("create audit record: %w", err)
	}

	attrs := []any{
		"severity", rec.Severity,
		"category", rec.Category,
		"actor_id", rec.ActorID,
		"target_type", rec.TargetType,
		"target_id", rec.TargetID,
	}
	if rec.Severity == domain.SeverityHigh {
		slog.ErrorContext(ctx, "high severity event audited", attrs...)
		return nil
	}
	slog.InfoContext(ctx, "event audited", attrs...)
	return nil
}

func auditRecord(ev Event) (*domain.AuditRecord, error) {
	switch ev.Type {
	case domain.EventTypeCaseStatusChanged:
		e, err := events.Decode[events.CaseStatusChanged](ev.Payload)
		if err != nil {
			return nil, err
		}
		return &domain.AuditRecord{
			Severity:      domain.ClassifySeverity(ev.Type, e.NewStatus),
			SourceService: domain.SourceCaseService,
			ActorID:       e.ChangedBy,
			TargetType:    domain.TargetTypeCase,
			TargetID:      e.CaseID,
			CaseID:        &e.CaseID,
			OldStatus:     &e.OldStatus,
			NewStatus:     &e.NewStatus,
			OccurredAt:    e.ChangedAt,
		}, nil

	case domain.EventTypeCaseCreated:
		e, err := events.Decode[events.CaseCreated](ev.Payload)
		if err != nil {
			return nil, err
		}
		return &domain.AuditRecord{
			Severity:      domain.ClassifySeverity(ev.Type, e.Status),
			SourceService: domain.SourceCaseService,
			ActorID:       e.CreatedBy,
			TargetType:    domain.TargetTypeCase,
			TargetID:      e.CaseID,
			CaseID:        &e.CaseID,
			NewStatus:     &e.Status,
			OccurredAt:    e.CreatedAt,
		}, nil

	case domain.EventTypeCaseAssigned:
		e, err := events.Decode[events.CaseAssigned](ev.Payload)
		if err != nil {
			return nil, err
		}
		return &domain.AuditRecord{
			Severity:      domain.ClassifySeverity(ev.Type, ""),
			SourceService: domain.SourceCaseService,
			ActorID:       e.OfficerID,
			TargetType:    domain.TargetTypeCase,
			TargetID:      e.CaseID,
			CaseID:        &e.CaseID,
			OccurredAt:    e.AssignedAt,
		}, nil

	case domain.EventTypeUserRegistered:
		e, err := events.Decode[events.UserRegistered](ev.Payload)
		if err != nil {
			return nil, err
		}
		return &domain.AuditRecord{
			Severity:      domain.ClassifySeverity(ev.Type, ""),
			SourceService: domain.SourceAuthService,
			ActorID:       e.UserID,
			TargetType:    domain.TargetTypeUser,
			TargetID:      e.UserID,
			OccurredAt:    e.RegisteredAt,
		}, nil

	case domain.EventTypeUserPromoted:
		e, err := events.Decode[events.UserPromoted](ev.Payload)
		if err != nil {
			return nil, err
		}
		actor := e.ActorID
		if actor == "" {
			actor = domain.SystemActorID
		}
		return &domain.AuditRecord{
			Severity:      domain.ClassifySeverity(ev.Type, ""),
			SourceService: domain.SourceAuthService,
			ActorID:       actor,
			TargetType:    domain.TargetTypeUser,
			TargetID:      e.TargetUserID,
			OccurredAt:    e.OccurredAt,
		}, nil

	case domain.EventTypeAccountLocked:
		e, err := events.Decode[events.AccountLocked](ev.Payload)
		if err != nil {
			return nil, err
		}
		return &domain.AuditRecord{
			Severity:      domain.ClassifySeverity(ev.Type, ""),
			SourceService: domain.SourceAuthService,
			ActorID:       domain.SystemActorID,
			TargetType:    domain.TargetTypeUser,
			TargetID:      e.UserID,
			OccurredAt:    e.LockUntil,
		}, nil
	}

	return nil, fmt.Errorf("%w: audit has no mapping for %s", domain.ErrMalformedEvent, ev.Type)
}
