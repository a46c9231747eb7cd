// Package app assembles the HTTP surface and process-level wiring.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/matchcut/export-orchestrator/internal/adapter/httpserver"
	"github.com/matchcut/export-orchestrator/internal/adapter/observability"
	"github.com/matchcut/export-orchestrator/internal/config"
)

// ParseOrigins splits a comma-separated origin list, trimming spaces. Empty
// input allows all origins.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
// The WebSocket and download routes sit outside the timeout handler: both are
// long-lived and the timeout wrapper breaks hijacking.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Group(func(api chi.Router) {
		api.Use(httpserver.TimeoutMiddleware(cfg.HTTPWriteTimeout))

		// Rate limit mutating endpoints and bound submit body size.
		api.Group(func(wr chi.Router) {
			wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
			wr.Use(middleware.RequestSize(cfg.MaxSubmitBodyKB << 10))
			wr.Post("/exports", srv.SubmitHandler())
			wr.Delete("/exports/{id}", srv.CancelHandler())
		})

		api.Get("/exports/active", srv.ActiveHandler())
		api.Get("/exports/{id}", srv.GetHandler())
		api.Get("/projects/{ref}/exports", srv.ProjectExportsHandler())

		api.Get("/healthz", srv.HealthzHandler())
		api.Get("/readyz", srv.ReadyzHandler())
		api.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			promhttp.Handler().ServeHTTP(w, r)
		})
	})

	r.Get("/exports/{id}/download", srv.DownloadHandler())
	r.Get("/ws/exports/{id}", srv.ProgressWSHandler())

	return otelhttp.NewHandler(httpserver.SecurityHeaders(r), "export-api")
}
