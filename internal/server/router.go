package server

import (
	"net/http"
	"strings"
)

// PipelineHTTP defines the minimal surface the router needs from the runtime
// pipeline: the gateway itself plus its operational endpoints.
type PipelineHTTP interface {
	http.Handler
	ServeHealth(http.ResponseWriter, *http.Request)
	ServeMetadataRefresh(http.ResponseWriter, *http.Request)
}

const (
	routeGateway         = "gateway"
	routeHealth          = "healthz"
	routeMetrics         = "metrics"
	routeMetadataRefresh = "metadata_refresh"
)

// NewPipelineHandler reserves /healthz, /metrics and /admin/metadata/refresh
// and hands every other path to the gateway pipeline. metrics may be nil.
func NewPipelineHandler(p PipelineHTTP, metrics http.Handler) http.Handler {
	if p == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "pipeline unavailable", http.StatusServiceUnavailable)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch parseRoute(r.URL.Path) {
		case routeHealth:
			if !allowMethods(w, r, http.MethodGet, http.MethodHead) {
				return
			}
			p.ServeHealth(w, r)
		case routeMetrics:
			if metrics == nil {
				http.NotFound(w, r)
				return
			}
			metrics.ServeHTTP(w, r)
		case routeMetadataRefresh:
			if !allowMethods(w, r, http.MethodPost) {
				return
			}
			p.ServeMetadataRefresh(w, r)
		default:
			p.ServeHTTP(w, r)
		}
	})
}

func parseRoute(path string) string {
	trimmed := strings.TrimSuffix(path, "/")
	switch strings.ToLower(trimmed) {
	case "/healthz", "/health":
		return routeHealth
	case "/metrics":
		return routeMetrics
	case "/admin/metadata/refresh":
		return routeMetadataRefresh
	default:
		return routeGateway
	}
}

func allowMethods(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}
