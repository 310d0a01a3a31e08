package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/juju/clock"

	"github.com/mtlprog/caseflow/internal/domain"
	"github.com/mtlprog/caseflow/internal/handler/dto"
	"github.com/mtlprog/caseflow/internal/middleware"
	"github.com/mtlprog/caseflow/internal/store"
)

// AuditHandler serves the audit service's read API.
type AuditHandler struct {
	db    store.Database
	clock clock.Clock
}

// NewAuditHandler creates an AuditHandler. A nil clock means the wall clock.
func NewAuditHandler(db store.Database, clk clock.Clock) *AuditHandler {
	if clk == nil {
		clk = clock.WallClock
	}
	return &AuditHandler{db: db, clock: clk}
}

// RegisterRoutes registers the audit routes. Only officers and admins may read the audit trail.
func (h *AuditHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", healthz(h.db))

	staff := func(next http.HandlerFunc) http.Handler {
		return middleware.Actor(middleware.RequireRole(middleware.RoleOfficer, middleware.RoleAdmin)(next))
	}

	mux.Handle("GET /api/v1/audit/cases/{id}", staff(h.handleByCase))
	mux.Handle("GET /api/v1/audit/traces/{id}", staff(h.handleByTrace))
	mux.Handle("GET /api/v1/audit/actors/{id}", staff(h.handleByActor))
	mux.Handle("GET /api/v1/audit/stats", staff(h.handleStats))
}

// handleByCase lists the audit trail of one case.
func (h *AuditHandler) handleByCase(w http.ResponseWriter, r *http.Request) {
	caseID, ok := extractUUID(w, r, "id")
	if !ok {
		return
	}

	records, err := h.db.Stores().Audit().ListByCase(r.Context(), caseID)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, dto.ToAuditListResponse(records))
}

// handleByTrace lists every audited event of one logical action.
func (h *AuditHandler) handleByTrace(w http.ResponseWriter, r *http.Request) {
	traceID, ok := extractUUID(w, r, "id")
	if !ok {
		return
	}

	records, err := h.db.Stores().Audit().ListByCorrelationID(r.Context(), traceID)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, dto.ToAuditListResponse(records))
}

// handleByActor lists what one actor did. The optional severity query parameter narrows
// the list to one severity.
func (h *AuditHandler) handleByActor(w http.ResponseWriter, r *http.Request) {
	actorID := r.PathValue("id")
	if actorID == "" {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "actor id is required")
		return
	}

	severity := domain.Severity(strings.ToUpper(r.URL.Query().Get("severity")))
	if severity != "" && !severity.IsValid() {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "severity must be one of INFO, LOW, MEDIUM, HIGH")
		return
	}

	records, err := h.db.Stores().Audit().ListByActor(r.Context(), actorID, severity)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, dto.ToAuditListResponse(records))
}

// handleStats counts audited events by type. from and to are RFC 3339 timestamps;
// the period defaults to the last seven days.
func (h *AuditHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	to := h.clock.Now().UTC()
	if raw := query.Get("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "to must be an RFC 3339 timestamp")
			return
		}
		to = parsed
	}

	from := to.AddDate(0, 0, -7)
	if raw := query.Get("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "from must be an RFC 3339 timestamp")
			return
		}
		from = parsed
	}

	if !from.Before(to) {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "from must be before to")
		return
	}

	counts, err := h.db.Stores().Audit().CountByEventType(r.Context(), from, to)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, dto.ToAuditStatsResponse(from, to, counts))
}
