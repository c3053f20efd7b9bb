package api

import (
	"net/http"

	"github.com/opensafely-core/job-runner/internal/controller"
	"github.com/opensafely-core/job-runner/internal/health"
	"github.com/opensafely-core/job-runner/internal/observability"
)

// RouterConfig holds the dependencies the Controller's HTTP surface needs:
// the Task API (backend-facing) and the RAP API (job-server-facing) both
// live behind the same process, authenticated by two independent
// per-backend token sets.
type RouterConfig struct {
	Scheduler     *controller.Scheduler
	RAP           *controller.RAPService
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	TaskAPITokens map[string]string // backend -> Task API bearer token
	ClientTokens  map[string]string // backend -> RAP API client token
}

// NewRouter builds the Controller's HTTP handler: liveness/readiness,
// the per-backend Task API, and the job-server-facing RAP API, each
// wrapped in the standard logging/metrics/recovery middleware chain.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Scheduler, cfg.RAP, cfg.HealthChecker)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	taskAuth := BackendTokenMiddleware(cfg.TaskAPITokens)
	mux.Handle("GET /{backend}/tasks/", taskAuth(http.HandlerFunc(handler.ListTasks)))
	mux.Handle("POST /{backend}/task/update/", taskAuth(http.HandlerFunc(handler.UpdateTask)))

	clientAuth := ClientTokenMiddleware(cfg.ClientTokens)
	mux.Handle("POST /rap/create/", clientAuth(http.HandlerFunc(handler.RAPCreate)))
	mux.Handle("POST /rap/cancel/", clientAuth(http.HandlerFunc(handler.RAPCancel)))
	mux.Handle("GET /rap/status/", clientAuth(http.HandlerFunc(handler.RAPStatus)))
	mux.Handle("GET /backend/status/", clientAuth(http.HandlerFunc(handler.BackendStatus)))

	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RequestIDMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
