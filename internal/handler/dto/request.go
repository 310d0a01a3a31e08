package dto

// CreateCaseRequest represents the request body for POST /cases.
type CreateCaseRequest struct {
	CaseNumber  string `json:"case_number"`
	ApplicantID string `json:"applicant_id,omitempty"`
	Draft       bool   `json:"draft,omitempty"`
}

// TransitionStatusRequest represents the request body for PATCH /cases/:id/status.
type TransitionStatusRequest struct {
	Status string `json:"status"`
}
