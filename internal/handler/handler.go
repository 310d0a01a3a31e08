package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/mtlprog/caseflow/internal/handler/dto"
	"github.com/mtlprog/caseflow/internal/middleware"
	"github.com/mtlprog/caseflow/internal/service"
	"github.com/mtlprog/caseflow/internal/store"
)

// Handler serves the case service API.
type Handler struct {
	db    store.Database
	cases *service.CaseService
}

// New creates a new Handler instance with all dependencies.
func New(db store.Database, cases *service.CaseService) *Handler {
	return &Handler{
		db:    db,
		cases: cases,
	}
}

// RegisterRoutes registers all HTTP routes.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", healthz(h.db))

	officer := middleware.RequireRole(middleware.RoleOfficer, middleware.RoleAdmin)

	mux.Handle("POST /api/v1/cases", middleware.Actor(http.HandlerFunc(h.handleCreateCase)))
	mux.Handle("GET /api/v1/cases/{id}", middleware.Actor(http.HandlerFunc(h.handleGetCase)))
	mux.Handle("GET /api/v1/cases/{id}/history", middleware.Actor(http.HandlerFunc(h.handleGetHistory)))
	mux.Handle("POST /api/v1/cases/{id}/assign", middleware.Actor(officer(http.HandlerFunc(h.handleAssignToMe))))
	mux.Handle("PATCH /api/v1/cases/{id}/status", middleware.Actor(http.HandlerFunc(h.handleTransitionStatus)))
}

// healthz returns 200 OK if the database is reachable.
func healthz(db store.Database) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if err := db.Ping(ctx); err != nil {
			slog.ErrorContext(ctx, "database health check failed", "error", err)
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
	}
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// respondError writes a standard error response.
func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, dto.NewErrorResponse(code, message))
}

// respondDomainError maps err with dto.MapDomainError and writes it.
func respondDomainError(w http.ResponseWriter, err error) {
	status, code, message := dto.MapDomainError(err)
	respondError(w, status, code, message)
}

// extractUUID extracts and validates a UUID path parameter.
// Returns (id, true) if valid, ("", false) if invalid (error already sent to client).
func extractUUID(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	id := r.PathValue(name)
	if id == "" {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", name+" is required")
		return "", false
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", name+" must be a valid UUID")
		return "", false
	}

	return parsed.String(), true
}
