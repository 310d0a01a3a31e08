package domain

import "time"

// Severity represents the classification of an audited event.
type Severity string

const (
	SeverityInfo   Severity = "INFO"
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// IsValid reports whether s is a known severity.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh:
		return true
	}
	return false
}

// Category groups audit records by the kind of subject they describe.
type Category string

const (
	CategoryCase Category = "CASE"
	CategoryUser Category = "USER"
)

// Target types recorded on audit entries.
const (
	TargetTypeCase = "CASE"
	TargetTypeUser = "USER"
)

// Source services recorded on audit entries.
const (
	SourceCaseService = "case-service"
	SourceAuthService = "auth-service"
)

// AuditRecord is the audit service's durable copy of one received event.
type AuditRecord struct {
	ID            string
	EventType     EventType
	Severity      Severity
	Category      Category
	SourceService string
	ActorID       string
	TargetType    string
	TargetID      string
	CaseID        *string
	OldStatus     *CaseStatus
	NewStatus     *CaseStatus
	OccurredAt    time.Time
	CorrelationID string
	RecordedAt    time.Time
}

// ClassifySeverity determines the severity of an event from its type and, for
// status changes, the status the case moved to.
func ClassifySeverity(eventType EventType, newStatus CaseStatus) Severity {
	switch eventType {
	case EventTypeCaseStatusChanged:
		switch newStatus {
		case CaseStatusRejected:
			return SeverityHigh
		case CaseStatusApproved:
			return SeverityMedium
		default:
			return SeverityLow
		}
	case EventTypeAccountLocked:
		return SeverityHigh
	case EventTypeUserPromoted:
		return SeverityMedium
	case EventTypeCaseAssigned:
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// CategoryOf returns the audit category for an event type.
func CategoryOf(eventType EventType) Category {
	switch eventType {
	case EventTypeUserRegistered, EventTypeUserPromoted, EventTypeAccountLocked:
		return CategoryUser
	default:
		return CategoryCase
	}
}

// AuditEventCount holds the number of audit records of one type.
type AuditEventCount struct {
	EventType EventType
	Count     int
}
