package api

import (
	"net/http"

	"coordinator/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Handler *Handler
	Metrics *observability.Metrics
	APIKey  string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := cfg.Handler

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	auth := AuthMiddleware(cfg.APIKey)
	route := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, auth(fn))
	}
	route("GET /v1/queues", handler.ListQueues)
	route("GET /v1/queues/{queue}/ws", handler.ServeSocket)
	route("GET /v1/queues/{queue}/status", handler.Status)
	route("POST /v1/queues/{queue}/jobs", handler.SubmitJob)
	route("GET /v1/queues/{queue}/jobs", handler.ListJobs)
	route("GET /v1/queues/{queue}/jobs/{jobId}", handler.GetJob)
	route("DELETE /v1/queues/{queue}/jobs/{jobId}", handler.CancelJob)
	route("POST /v1/queues/{queue}/jobs/{jobId}/resubmit", handler.ResubmitJob)
	route("DELETE /v1/queues/{queue}/cache/{jobId}", handler.ClearCache)

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
