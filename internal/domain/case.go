package domain

import (
	"fmt"
	"time"
)

// CaseStatus represents the status of a case in the workflow.
type CaseStatus string

const (
	CaseStatusDraft           CaseStatus = "DRAFT"
	CaseStatusSubmitted       CaseStatus = "SUBMITTED"
	CaseStatusInReview        CaseStatus = "IN_REVIEW"
	CaseStatusDecisionPending CaseStatus = "DECISION_PENDING"
	CaseStatusApproved        CaseStatus = "APPROVED"
	CaseStatusRejected        CaseStatus = "REJECTED"
	CaseStatusClosed          CaseStatus = "CLOSED"
)

// AllCaseStatuses lists every status in workflow order.
var AllCaseStatuses = []CaseStatus{
	CaseStatusDraft,
	CaseStatusSubmitted,
	CaseStatusInReview,
	CaseStatusDecisionPending,
	CaseStatusApproved,
	CaseStatusRejected,
	CaseStatusClosed,
}

// IsTerminal returns true if the status is terminal (no transitions allowed).
func (s CaseStatus) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// IsValid checks if the status is one of the allowed values.
func (s CaseStatus) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

// SystemActorID is recorded as the actor of changes not triggered by a person.
const SystemActorID = "SYSTEM"

// Actor is the already-authenticated identity requesting a case operation.
type Actor struct {
	ID         string
	Privileged bool
}

// Case is the aggregate whose status moves through the workflow.
type Case struct {
	ID                string
	CaseNumber        string
	ApplicantID       string
	Status            CaseStatus
	AssignedOfficerID *string
	AssignedAt        *time.Time
	CreatedBy         string
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IsAssignedTo checks if the case is assigned to the given officer.
func (c *Case) IsAssignedTo(actorID string) bool {
	return c.AssignedOfficerID != nil && *c.AssignedOfficerID == actorID
}

// CanBeChangedBy reports whether the actor may move this case.
// Privileged actors may act on any case, everyone else only on cases assigned to them.
func (c *Case) CanBeChangedBy(actor Actor) bool {
	return actor.Privileged || c.IsAssignedTo(actor.ID)
}

// Transition moves the case to the requested status and returns the event describing the change.
// Authorization is checked before legality, so an unauthorized actor always gets ErrPermissionDenied.
// The event is not published here.
func (c *Case) Transition(to CaseStatus, actor Actor, at time.Time, correlationID string) (*StatusTransitionEvent, error) {
	if !to.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, to)
	}

	if !c.CanBeChangedBy(actor) {
		return nil, fmt.Errorf("%w: actor %s is not assigned to case %s", ErrPermissionDenied, actor.ID, c.ID)
	}

	if !IsAllowed(c.Status, to) {
		return nil, fmt.Errorf("%w: case %s cannot transition %s -> %s", ErrInvalidTransition, c.ID, c.Status, to)
	}

	from := c.Status
	c.Status = to
	c.UpdatedAt = at

	return &StatusTransitionEvent{
		CaseID:        c.ID,
		ApplicantID:   c.ApplicantID,
		OldStatus:     from,
		NewStatus:     to,
		OccurredAt:    at,
		ActorID:       actor.ID,
		CorrelationID: correlationID,
	}, nil
}

// AssignTo assigns the case to an officer.
func (c *Case) AssignTo(officerID string, at time.Time) error {
	if c.Status.IsTerminal() {
		return fmt.Errorf("%w: case %s is %s", ErrInvalidTransition, c.ID, c.Status)
	}
	if c.AssignedOfficerID != nil {
		return fmt.Errorf("%w: case %s already assigned to %s", ErrCaseAlreadyAssigned, c.ID, *c.AssignedOfficerID)
	}

	c.AssignedOfficerID = &officerID
	c.AssignedAt = &at
	c.UpdatedAt = at
	return nil
}
