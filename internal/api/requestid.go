package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type traceIDCtxKey struct{}

// RequestIDMiddleware stamps every inbound request with a fresh trace id,
// minted the same way spacatty-configuratix generates entity ids
// (uuid.New()), and stashes it in the request context so LoggingMiddleware
// and the response header both refer to the same request.
func RequestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := uuid.New().String()
			w.Header().Set("X-Trace-Id", traceID)
			ctx := context.WithValue(r.Context(), traceIDCtxKey{}, traceID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// traceIDFromContext reads the trace id RequestIDMiddleware stashed in ctx,
// or "" if the middleware never ran (e.g. a direct unit-test call).
func traceIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(traceIDCtxKey{}).(string)
	return id
}
