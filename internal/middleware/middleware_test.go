package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtlprog/caseflow/internal/domain"
	"github.com/mtlprog/caseflow/internal/tracing"
)

func TestTrace(t *testing.T) {
	const valid = "6f1c2a4e-8b1d-4c55-9d0e-6b7f3e2a9c10"

	tests := []struct {
		name   string
		header string
		keep   bool
	}{
		{name: "valid header is kept", header: valid, keep: true},
		{name: "uppercase header is normalized", header: "6F1C2A4E-8B1D-4C55-9D0E-6B7F3E2A9C10", keep: true},
		{name: "missing header is minted", header: ""},
		{name: "malformed header is replaced", header: "not-a-trace"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := Trace(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = tracing.CorrelationID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(tracing.HeaderName, tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.NotEmpty(t, seen)
			assert.Equal(t, seen, rec.Header().Get(tracing.HeaderName))
			if tt.keep {
				assert.Equal(t, valid, seen)
			} else {
				_, ok := tracing.Resolve(seen)
				assert.True(t, ok)
				assert.NotEqual(t, tt.header, seen)
			}
		})
	}
}

func TestActor(t *testing.T) {
	var got Identity
	h := Actor(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error
		got, err = IdentityFromContext(r.Context())
		require.NoError(t, err)
	}))

	t.Run("missing actor is rejected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("roles are parsed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(HeaderActorID, "user-1")
		req.Header.Set(HeaderActorRole, "officer, ROLE_ADMIN")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "user-1", got.ID)
		assert.Equal(t, []string{RoleOfficer, RoleAdmin}, got.Roles)
		assert.Equal(t, domain.Actor{ID: "user-1", Privileged: true}, got.Actor())
	})

	t.Run("officer is not privileged", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(HeaderActorID, "officer-1")
		req.Header.Set(HeaderActorRole, RoleOfficer)
		h.ServeHTTP(httptest.NewRecorder(), req)
		assert.False(t, got.Actor().Privileged)
	})
}

func TestRequireRole(t *testing.T) {
	h := Actor(RequireRole(RoleOfficer, RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	tests := []struct {
		role string
		want int
	}{
		{role: RoleOfficer, want: http.StatusNoContent},
		{role: RoleAdmin, want: http.StatusNoContent},
		{role: RoleUser, want: http.StatusForbidden},
		{role: "", want: http.StatusForbidden},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set(HeaderActorID, "someone")
		req.Header.Set(HeaderActorRole, tt.role)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, tt.want, rec.Code, "role %q", tt.role)
	}
}

func TestIdentityFromContext_Missing(t *testing.T) {
	_, err := IdentityFromContext(httptest.NewRequest(http.MethodGet, "/", nil).Context())
	assert.ErrorIs(t, err, domain.ErrMissingActor)
}
