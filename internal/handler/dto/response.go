package dto

import (
	"time"

	"github.com/mtlprog/caseflow/internal/domain"
)

// CaseResponse represents a case.
type CaseResponse struct {
	ID                 string     `json:"id"`
	CaseNumber         string     `json:"case_number"`
	ApplicantID        string     `json:"applicant_id"`
	Status             string     `json:"status"`
	AssignedOfficerID  *string    `json:"assigned_officer_id"`
	AssignedAt         *time.Time `json:"assigned_at"`
	CreatedBy          string     `json:"created_by"`
	Version            int64      `json:"version"`
	AllowedTransitions []string   `json:"allowed_transitions"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// ToCaseResponse converts a domain case.
func ToCaseResponse(c *domain.Case) CaseResponse {
	return CaseResponse{
		ID:                 c.ID,
		CaseNumber:         c.CaseNumber,
		ApplicantID:        c.ApplicantID,
		Status:             string(c.Status),
		AssignedOfficerID:  c.AssignedOfficerID,
		AssignedAt:         c.AssignedAt,
		CreatedBy:          c.CreatedBy,
		Version:            c.Version,
		AllowedTransitions: StatusStrings(domain.AllowedTargets(c.Status)),
		CreatedAt:          c.CreatedAt,
		UpdatedAt:          c.UpdatedAt,
	}
}

// StatusTransitionResponse is returned by PATCH /cases/:id/status.
type StatusTransitionResponse struct {
	CaseID        string    `json:"case_id"`
	OldStatus     string    `json:"old_status"`
	NewStatus     string    `json:"new_status"`
	ChangedBy     string    `json:"changed_by"`
	ChangedAt     time.Time `json:"changed_at"`
	CorrelationID string    `json:"correlation_id"`
}

// ToStatusTransitionResponse converts a transition event.
func ToStatusTransitionResponse(e *domain.StatusTransitionEvent) StatusTransitionResponse {
	return StatusTransitionResponse{
		CaseID:        e.CaseID,
		OldStatus:     string(e.OldStatus),
		NewStatus:     string(e.NewStatus),
		ChangedBy:     e.ActorID,
		ChangedAt:     e.OccurredAt,
		CorrelationID: e.CorrelationID,
	}
}

// HistoryEntryResponse represents one status history row.
type HistoryEntryResponse struct {
	ID            string    `json:"id"`
	OldStatus     string    `json:"old_status"`
	NewStatus     string    `json:"new_status"`
	ChangedBy     string    `json:"changed_by"`
	ChangedAt     time.Time `json:"changed_at"`
	CorrelationID string    `json:"correlation_id"`
	System        bool      `json:"system"`
}

// HistoryResponse represents the response for GET /cases/:id/history.
type HistoryResponse struct {
	CaseID  string                 `json:"case_id"`
	Entries []HistoryEntryResponse `json:"entries"`
}

// ToHistoryResponse converts history rows.
func ToHistoryResponse(caseID string, rows []*domain.CaseStatusHistory) HistoryResponse {
	entries := make([]HistoryEntryResponse, 0, len(rows))
	for _, h := range rows {
		entries = append(entries, HistoryEntryResponse{
			ID:            h.ID,
			OldStatus:     string(h.OldStatus),
			NewStatus:     string(h.NewStatus),
			ChangedBy:     h.ChangedBy,
			ChangedAt:     h.ChangedAt,
			CorrelationID: h.CorrelationID,
			System:        h.IsSystemChange(),
		})
	}
	return HistoryResponse{CaseID: caseID, Entries: entries}
}

// AuditRecordResponse represents one audit record.
type AuditRecordResponse struct {
	ID            string    `json:"id"`
	EventType     string    `json:"event_type"`
	Severity      string    `json:"severity"`
	Category      string    `json:"category"`
	SourceService string    `json:"source_service"`
	ActorID       string    `json:"actor_id"`
	TargetType    string    `json:"target_type"`
	TargetID      string    `json:"target_id"`
	CaseID        *string   `json:"case_id"`
	OldStatus     *string   `json:"old_status"`
	NewStatus     *string   `json:"new_status"`
	OccurredAt    time.Time `json:"occurred_at"`
	CorrelationID string    `json:"correlation_id"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// AuditListResponse wraps a list of audit records.
type AuditListResponse struct {
	Records []AuditRecordResponse `json:"records"`
}

// ToAuditListResponse converts audit records.
func ToAuditListResponse(records []*domain.AuditRecord) AuditListResponse {
	out := make([]AuditRecordResponse, 0, len(records))
	for _, r := range records {
		out = append(out, AuditRecordResponse{
			ID:            r.ID,
			EventType:     string(r.EventType),
			Severity:      string(r.Severity),
			Category:      string(r.Category),
			SourceService: r.SourceService,
			ActorID:       r.ActorID,
			TargetType:    r.TargetType,
			TargetID:      r.TargetID,
			CaseID:        r.CaseID,
			OldStatus:     statusPtr(r.OldStatus),
			NewStatus:     statusPtr(r.NewStatus),
			OccurredAt:    r.OccurredAt,
			CorrelationID: r.CorrelationID,
			RecordedAt:    r.RecordedAt,
		})
	}
	return AuditListResponse{Records: out}
}

// AuditStatsResponse represents the response for GET /audit/stats.
type AuditStatsResponse struct {
	From   time.Time      `json:"from"`
	To     time.Time      `json:"to"`
	Total  int            `json:"total"`
	ByType map[string]int `json:"by_type"`
}

// ToAuditStatsResponse converts event counts.
func ToAuditStatsResponse(from, to time.Time, counts []domain.AuditEventCount) AuditStatsResponse {
	resp := AuditStatsResponse{From: from, To: to, ByType: make(map[string]int, len(counts))}
	for _, c := range counts {
		resp.ByType[string(c.EventType)] = c.Count
		resp.Total += c.Count
	}
	return resp
}

// StatusStrings converts statuses to their string form.
func StatusStrings(statuses []domain.CaseStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}

func statusPtr(s *domain.CaseStatus) *string {
	if s == nil {
		return nil
	}
	v := string(*s)
	return &v
}
