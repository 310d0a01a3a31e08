package middleware

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/mtlprog/caseflow/internal/domain"
)

type contextKey string

const contextKeyIdentity contextKey = "identity"

// Headers set by the gateway after it has authenticated the caller.
const (
	HeaderActorID   = "X-Actor-Id"
	HeaderActorRole = "X-Actor-Role"
)

// Roles.
const (
	RoleUser    = "USER"
	RoleOfficer = "OFFICER"
	RoleAdmin   = "ADMIN"
)

// Identity is the caller as described by the gateway headers.
type Identity struct {
	ID    string
	Roles []string
}

// HasRole reports whether the identity holds any of roles.
func (i Identity) HasRole(roles ...string) bool {
	for _, r := range roles {
		if slices.Contains(i.Roles, r) {
			return true
		}
	}
	return false
}

// Actor returns the domain actor. Admins may change any case.
func (i Identity) Actor() domain.Actor {
	return domain.Actor{ID: i.ID, Privileged: i.HasRole(RoleAdmin)}
}

// Actor reads the caller identity from the gateway headers. Requests without an
// actor id are rejected with 401. X-Actor-Role may list several comma-separated roles.
func Actor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderActorID))
		if id == "" {
			http.Error(w, "missing actor identity", http.StatusUnauthorized)
			return
		}

		identity := Identity{ID: id, Roles: parseRoles(r.Header.Get(HeaderActorRole))}
		ctx := context.WithValue(r.Context(), contextKeyIdentity, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole rejects, with 403, callers holding none of roles. It must run after Actor.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := IdentityFromContext(r.Context())
			if err != nil {
				http.Error(w, "missing actor identity", http.StatusUnauthorized)
				return
			}
			if !identity.HasRole(roles...) {
				http.Error(w, "insufficient role", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IdentityFromContext retrieves the caller identity set by Actor.
func IdentityFromContext(ctx context.Context) (Identity, error) {
	identity, ok := ctx.Value(contextKeyIdentity).(Identity)
	if !ok || identity.ID == "" {
		return Identity{}, domain.ErrMissingActor
	}
	return identity, nil
}

func parseRoles(header string) []string {
	var roles []string
	for _, r := range strings.Split(header, ",") {
		r = strings.ToUpper(strings.TrimSpace(r))
		r = strings.TrimPrefix(r, "ROLE_")
		if r != "" {
			roles = append(roles, r)
		}
	}
	return roles
}
