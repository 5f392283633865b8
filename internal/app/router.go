// Package app wires the HTTP surface and startup helpers.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/aicarpool/gateway/internal/adapter/httpserver"
	"github.com/aicarpool/gateway/internal/adapter/observability"
	"github.com/aicarpool/gateway/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" { return []string{"*"} }
	if s == "*" { return []string{"*"} }
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" { out = append(out, p) }
	}
	if len(out) == 0 { return []string{"*"} }
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
// admin may be nil; the management plane mounts only when a token is set.
func BuildRouter(cfg config.Config, srv *httpserver.Server, admin *httpserver.Admin) http.Handler {
	r := chi.NewRouter()
	// Security & instrumentation middleware
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(cfg.RouteDeadline + 10*time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{
			"X-Request-Id",
			"X-Gateway-Account",
			"X-Gateway-Remaining-Quota",
			"X-Gateway-Rate-Reset",
		},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Forwarding endpoint. Health scrapes stay out of the performance
	// monitor's API metrics, so the perf middleware sits on this group only.
	r.Group(func(gr chi.Router) {
		gr.Use(httpserver.PerfEvents(srv.Perf))
		gr.Post("/v1/chat/completions", srv.ChatCompletions())
	})

	// Health and metrics
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	r.Get("/readyz", srv.ReadyzHandler())

	// Management plane
	if cfg.AdminEnabled() && admin != nil {
		admin.Mount(r)
	}

	return httpserver.SecurityHeaders(r)
}
