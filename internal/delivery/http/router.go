// Package http assembles the HTTP surface: the sync websocket route, the
// health endpoint, and the shared middleware chain.
package http

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// Router handles HTTP routing
type Router struct {
	sync    http.Handler
	healthy func() bool
	logger  *zap.Logger
}

// NewRouter creates a new HTTP router. healthy reports whether the fabric
// connection is usable.
func NewRouter(sync http.Handler, healthy func() bool, logger *zap.Logger) *Router {
	return &Router{
		sync:    sync,
		healthy: healthy,
		logger:  logger,
	}
}

// Setup sets up the HTTP routes
func (r *Router) Setup() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /documents/{docID}/sync", r.sync)
	mux.HandleFunc("GET /healthz", r.handleHealth)

	return ApplyMiddleware(mux,
		RecoveryMiddleware(r.logger),
		LoggingMiddleware(r.logger))
}

// handleHealth reports process health. A lost fabric connection degrades the
// instance to local-only fan-out, which orchestration should rotate out.
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	status := "ok"
	code := http.StatusOK
	if !r.healthy() {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}
