package middleware

import (
	"log/slog"
	"net/http"

	"github.com/mtlprog/caseflow/internal/tracing"
)

// Trace puts the request's correlation id into the context and echoes it in the
// response. A missing or malformed X-Trace-Id header gets a fresh id.
func Trace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(tracing.HeaderName)
		id, ok := tracing.Resolve(raw)

		ctx := tracing.WithCorrelationID(r.Context(), id)
		if !ok && raw != "" {
			slog.WarnContext(ctx, "ignoring malformed trace header", "header", raw)
		}

		w.Header().Set(tracing.HeaderName, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
