package domain

import "time"

// EventType identifies a logical event kind. Together with a correlation id it forms the dedup key.
type EventType string

const (
	EventTypeCaseStatusChanged EventType = "CASE_STATUS_CHANGED"
	EventTypeCaseCreated       EventType = "CASE_CREATED"
	EventTypeCaseAssigned      EventType = "CASE_ASSIGNED"
	EventTypeUserRegistered    EventType = "USER_REGISTERED"
	EventTypeUserPromoted      EventType = "USER_PROMOTED"
	EventTypeAccountLocked     EventType = "ACCOUNT_LOCKED"
)

// StatusTransitionEvent is the canonical fact describing one case transition.
// It is created by Case.Transition and never modified afterwards.
type StatusTransitionEvent struct {
	CaseID        string
	ApplicantID   string
	OldStatus     CaseStatus
	NewStatus     CaseStatus
	OccurredAt    time.Time
	ActorID       string
	CorrelationID string
}

// CaseStatusHistory is an append-only record of a status change.
type CaseStatusHistory struct {
	ID            string
	CaseID        string
	OldStatus     CaseStatus
	NewStatus     CaseStatus
	ChangedBy     string
	ChangedAt     time.Time
	CorrelationID string
}

// NewCaseStatusHistory builds the history row for a transition event.
func NewCaseStatusHistory(event *StatusTransitionEvent) *CaseStatusHistory {
	return &CaseStatusHistory{
		CaseID:        event.CaseID,
		OldStatus:     event.OldStatus,
		NewStatus:     event.NewStatus,
		ChangedBy:     event.ActorID,
		ChangedAt:     event.OccurredAt,
		CorrelationID: event.CorrelationID,
	}
}

// IsSystemChange returns true if the change was not made by a person.
func (h *CaseStatusHistory) IsSystemChange() bool {
	return h.ChangedBy == SystemActorID
}
