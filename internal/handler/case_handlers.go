package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mtlprog/caseflow/internal/domain"
	"github.com/mtlprog/caseflow/internal/handler/dto"
	"github.com/mtlprog/caseflow/internal/middleware"
	"github.com/mtlprog/caseflow/internal/service"
)

// handleCreateCase opens a new case. Applicants file their own cases; officers and
// admins may file on behalf of an applicant.
func (h *Handler) handleCreateCase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	identity, err := middleware.IdentityFromContext(ctx)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	var req dto.CreateCaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid request body")
		return
	}

	applicant := identity.ID
	if req.ApplicantID != "" && req.ApplicantID != identity.ID {
		if !identity.HasRole(middleware.RoleOfficer, middleware.RoleAdmin) {
			respondError(w, http.StatusForbidden, "INSUFFICIENT_ACCESS", "only officers may file cases for another applicant")
			return
		}
		applicant = req.ApplicantID
	}

	c, err := h.cases.CreateCase(ctx, service.CreateCaseInput{
		CaseNumber:  req.CaseNumber,
		ApplicantID: applicant,
		Draft:       req.Draft,
	}, identity.Actor())
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, dto.ToCaseResponse(c))
}

// handleGetCase returns one case.
func (h *Handler) handleGetCase(w http.ResponseWriter, r *http.Request) {
	caseID, ok := extractUUID(w, r, "id")
	if !ok {
		return
	}

	c, err := h.cases.GetCase(r.Context(), caseID)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, dto.ToCaseResponse(c))
}

// handleGetHistory returns the status history of a case.
func (h *Handler) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	caseID, ok := extractUUID(w, r, "id")
	if !ok {
		return
	}

	rows, err := h.cases.History(r.Context(), caseID)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, dto.ToHistoryResponse(caseID, rows))
}

// handleAssignToMe assigns the case to the calling officer.
func (h *Handler) handleAssignToMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	identity, err := middleware.IdentityFromContext(ctx)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	caseID, ok := extractUUID(w, r, "id")
	if !ok {
		return
	}

	c, err := h.cases.AssignToMe(ctx, caseID, identity.Actor())
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, dto.ToCaseResponse(c))
}

// handleTransitionStatus moves a case to a new status.
func (h *Handler) handleTransitionStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	identity, err := middleware.IdentityFromContext(ctx)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	caseID, ok := extractUUID(w, r, "id")
	if !ok {
		return
	}

	var req dto.TransitionStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid request body")
		return
	}
	if req.Status == "" {
		respondError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "status is required")
		return
	}

	event, err := h.cases.TransitionStatus(ctx, caseID, domain.CaseStatus(req.Status), identity.Actor())
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			h.respondInvalidTransition(w, r, caseID, err)
			return
		}
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, dto.ToStatusTransitionResponse(event))
}

// respondInvalidTransition writes the 409 together with the statuses the case can move to now.
func (h *Handler) respondInvalidTransition(w http.ResponseWriter, r *http.Request, caseID string, cause error) {
	status, code, message := dto.MapDomainError(cause)
	resp := dto.NewErrorResponse(code, message)

	if c, err := h.cases.GetCase(r.Context(), caseID); err == nil {
		resp.Error.AllowedTransitions = dto.StatusStrings(domain.AllowedTargets(c.Status))
	}

	respondJSON(w, status, resp)
}
