package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seis-sod/sod-stack/common/logging"
	"github.com/seis-sod/sod-stack/common/middleware"
)

// NewRouter registers the sod API on a ServeMux and wraps it with request
// ids, access logging and CORS. gatherer serves /metrics.
func NewRouter(h *Handler, gatherer prometheus.Gatherer, cors []string, logger *logging.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.Health)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /api/v1/stats", h.Stats)
	mux.HandleFunc("GET /api/v1/requests", h.ListRequests)
	mux.HandleFunc("POST /api/v1/requests", h.SubmitRequest)
	mux.HandleFunc("GET /api/v1/requests/{id}", h.GetRequest)
	mux.HandleFunc("POST /api/v1/requests/{id}/cancel", h.CancelRequest)

	var handler http.Handler = mux
	handler = middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: cors,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", middleware.RequestIDHeader},
	})(handler)
	handler = middleware.AccessLog(logger)(handler)
	return middleware.RequestID(handler)
}
