package domain

import "errors"

// Domain-specific errors for business logic validation.
var (
	// Case errors
	ErrCaseNotFound        = errors.New("case not found")
	ErrCaseAlreadyExists   = errors.New("case with the same case number already exists")
	ErrCaseAlreadyAssigned = errors.New("case already assigned")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrConcurrentUpdate    = errors.New("case was modified concurrently")

	// Permission errors
	ErrPermissionDenied = errors.New("permission denied")
	ErrMissingActor     = errors.New("actor identity is required")

	// Messaging errors
	ErrDuplicateEvent   = errors.New("event already processed")
	ErrMalformedEvent   = errors.New("malformed event")
	ErrTransient        = errors.New("transient infrastructure error")
	ErrOutboxNotPending = errors.New("outbox message is not pending")

	// Validation errors
	ErrInvalidStatus     = errors.New("invalid case status")
	ErrInvalidCaseNumber = errors.New("case number is required")
	ErrInvalidApplicant  = errors.New("applicant is required")
)
