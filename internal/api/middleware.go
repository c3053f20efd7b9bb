package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"github.com/opensafely-core/job-runner/internal/observability"
	"strings"
	"time"
)

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			slog.InfoContext(r.Context(), "HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.statusCode,
				"duration", time.Since(start),
				"trace_id", traceIDFromContext(r.Context()),
			)
		})
	}
}

// MetricsMiddleware records HTTP request metrics (latency, traffic, errors).
func MetricsMiddleware(metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start).Seconds()
			metrics.RecordHTTPRequest(r.Context(), r.Method, r.URL.Path, wrapped.statusCode, duration)
		})
	}
}

// RecoveryMiddleware recovers from panics
func RecoveryMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					slog.ErrorContext(r.Context(), "Panic recovered", "error", err)
					http.Error(w, "Internal server error", http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// ContentTypeMiddleware ensures JSON content type for API requests
func ContentTypeMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Check content type for POST/PUT requests
			if r.Method == http.MethodPost || r.Method == http.MethodPut {
				contentType := r.Header.Get("Content-Type")
				if contentType != "" && contentType != "application/json" {
					http.Error(w, "Content-Type must be application/json", http.StatusUnsupportedMediaType)
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// CORSMiddleware adds CORS headers
func CORSMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// backendCtxKey carries the backend a validated bearer token is scoped
// to, set by BackendTokenMiddleware/ClientTokenMiddleware and read by the
// handlers to enforce the token-scope-vs-path/body check ("403 if
// the token's backend scope does not match the {backend} path segment").
type backendCtxKey struct{}

// tokenBackend reads the authenticated backend scope out of ctx.
func tokenBackend(ctx context.Context) string {
	backend, _ := ctx.Value(backendCtxKey{}).(string)
	return backend
}

// bearerToken extracts the token from a "Bearer <token>" Authorization
// header, or "" if the header is absent or malformed.
func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// resolveToken looks up which backend, if any, owns token within tokens,
// using constant-time comparison against every candidate so the lookup
// itself cannot be used to time-probe which tokens are valid.
func resolveToken(tokens map[string]string, token string) (string, bool) {
	if token == "" {
		return "", false
	}
	for backend, want := range tokens {
		if want == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(want)) == 1 {
			return backend, true
		}
	}
	return "", false
}

// BackendTokenMiddleware authenticates the Task API: a missing or
// unrecognized bearer token is 401; a token recognized for a different
// backend than the `{backend}` path segment is 403.
func BackendTokenMiddleware(tokens map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			backend, ok := resolveToken(tokens, bearerToken(r))
			if !ok {
				http.Error(w, "missing or invalid bearer token", http.StatusUnauthorized)
				return
			}
			if pathBackend := r.PathValue("backend"); pathBackend != "" && pathBackend != backend {
				http.Error(w, "token is not scoped to this backend", http.StatusForbidden)
				return
			}
			ctx := context.WithValue(r.Context(), backendCtxKey{}, backend)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientTokenMiddleware authenticates the RAP API with the job-server's
// separate per-backend client-token list. The resolved backend is
// stashed in the request context; handlers that accept a backend in the
// request body or a query parameter check it against tokenBackend and
// return 403 on mismatch.
func ClientTokenMiddleware(tokens map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			backend, ok := resolveToken(tokens, bearerToken(r))
			if !ok {
				http.Error(w, "missing or invalid bearer token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), backendCtxKey{}, backend)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
