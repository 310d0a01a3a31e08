// Package events defines the messages exchanged between services: their JSON
// payloads, the exchanges and routing keys they travel on, and the queues
// each consuming service binds.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mtlprog/caseflow/internal/domain"
)

// Exchanges.
const (
	CaseExchange = "case.events.exchange"
	AuthExchange = "auth.events.exchange"
)

// Routing keys.
const (
	RoutingKeyCaseStatusChanged = "case.status.changed"
	RoutingKeyCaseCreated       = "case.created"
	RoutingKeyCaseAssigned      = "case.assigned"
	RoutingKeyUserRegistered    = "auth.user.registered"
	RoutingKeyUserPromoted      = "auth.user.promoted"
	RoutingKeyAccountLocked     = "auth.account.locked"
)

var routingKeys = map[string]domain.EventType{
	RoutingKeyCaseStatusChanged: domain.EventTypeCaseStatusChanged,
	RoutingKeyCaseCreated:       domain.EventTypeCaseCreated,
	RoutingKeyCaseAssigned:      domain.EventTypeCaseAssigned,
	RoutingKeyUserRegistered:    domain.EventTypeUserRegistered,
	RoutingKeyUserPromoted:      domain.EventTypeUserPromoted,
	RoutingKeyAccountLocked:     domain.EventTypeAccountLocked,
}

// EventTypeOf returns the event type carried on a routing key.
func EventTypeOf(routingKey string) (domain.EventType, bool) {
	t, ok := routingKeys[routingKey]
	return t, ok
}

// RouteOf returns the exchange and routing key an event type is published with.
func RouteOf(eventType domain.EventType) (exchange, routingKey string, ok bool) {
	for key, t := range routingKeys {
		if t != eventType {
			continue
		}
		if t == domain.EventTypeUserRegistered || t == domain.EventTypeUserPromoted || t == domain.EventTypeAccountLocked {
			return AuthExchange, key, true
		}
		return CaseExchange, key, true
	}
	return "", "", false
}

// CaseStatusChanged is published after every committed case transition.
type CaseStatusChanged struct {
	CaseID    string            `json:"caseId"`
	OldStatus domain.CaseStatus `json:"oldStatus"`
	NewStatus domain.CaseStatus `json:"newStatus"`
	ChangedAt time.Time         `json:"changedAt"`
	ChangedBy string            `json:"changedBy"`
	// ApplicantID is absent in events from producers that predate it.
	ApplicantID string `json:"applicantId,omitempty"`
}

// NewCaseStatusChanged builds the payload for a transition event.
func NewCaseStatusChanged(e *domain.StatusTransitionEvent) CaseStatusChanged {
	return CaseStatusChanged{
		CaseID:      e.CaseID,
		OldStatus:   e.OldStatus,
		NewStatus:   e.NewStatus,
		ChangedAt:   e.OccurredAt.UTC(),
		ChangedBy:   e.ActorID,
		ApplicantID: e.ApplicantID,
	}
}

func (e CaseStatusChanged) validate() error {
	if e.CaseID == "" {
		return fmt.Errorf("caseId is required")
	}
	if !e.OldStatus.IsValid() || !e.NewStatus.IsValid() {
		return fmt.Errorf("unknown status %q -> %q", e.OldStatus, e.NewStatus)
	}
	if e.ChangedBy == "" {
		return fmt.Errorf("changedBy is required")
	}
	return nil
}

// CaseCreated is published when a case is opened.
type CaseCreated struct {
	CaseID      string            `json:"caseId"`
	CaseNumber  string            `json:"caseNumber"`
	ApplicantID string            `json:"applicantId"`
	Status      domain.CaseStatus `json:"status"`
	CreatedBy   string            `json:"createdBy"`
	CreatedAt   time.Time         `json:"createdAt"`
}

func (e CaseCreated) validate() error {
	if e.CaseID == "" || e.CaseNumber == "" {
		return fmt.Errorf("caseId and caseNumber are required")
	}
	return nil
}

// CaseAssigned is published when an officer takes a case.
type CaseAssigned struct {
	CaseID     string    `json:"caseId"`
	OfficerID  string    `json:"officerId"`
	AssignedAt time.Time `json:"assignedAt"`
}

func (e CaseAssigned) validate() error {
	if e.CaseID == "" || e.OfficerID == "" {
		return fmt.Errorf("caseId and officerId are required")
	}
	return nil
}

// UserRegistered is published by the auth service.
type UserRegistered struct {
	UserID       string    `json:"userId"`
	Email        string    `json:"email"`
	RegisteredAt time.Time `json:"registeredAt"`
}

func (e UserRegistered) validate() error {
	if e.UserID == "" {
		return fmt.Errorf("userId is required")
	}
	return nil
}

// UserPromoted is published by the auth service.
type UserPromoted struct {
	ActorID      string    `json:"actorId"`
	TargetUserID string    `json:"targetUserId"`
	OccurredAt   time.Time `json:"occurredAt"`
}

func (e UserPromoted) validate() error {
	if e.TargetUserID == "" {
		return fmt.Errorf("targetUserId is required")
	}
	return nil
}

// AccountLocked is published by the auth service.
type AccountLocked struct {
	UserID    string    `json:"userId"`
	LockUntil time.Time `json:"lockUntil"`
	Reason    string    `json:"reason"`
}

func (e AccountLocked) validate() error {
	if e.UserID == "" {
		return fmt.Errorf("userId is required")
	}
	return nil
}

type validator interface {
	validate() error
}

// Decode unmarshals payload into v and checks required fields.
// Any failure wraps domain.ErrMalformedEvent.
func Decode[T validator](payload []byte) (T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err)
	}
	if err := v.validate(); err != nil {
		return v, fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err)
	}
	return v, nil
}
