// jobhub is a distributed job queue and worker orchestration service.
// Copyright (C) 2026 jobhub contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package httpapi implements the submission API from spec.md §6: POST
// /jobs, GET /jobs/{id}, POST /jobs/{id}/cancel, the SSE and legacy
// WebSocket progress routes (mounted from internal/eventbridge), the
// webhook subscription admin routes, and the Prometheus metrics endpoint.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"jobhub/internal/broker"
	"jobhub/internal/eventbridge"
	"jobhub/internal/httpapi/middleware"
	"jobhub/internal/metrics"
	"jobhub/internal/webhook"
)

// Config wires the router to its dependencies. All fields except AdminAuth
// are required; a nil AdminAuth disables authentication on the webhook
// admin routes (JOBHUB_ADMIN_TOKEN_HASH unset).
type Config struct {
	Broker       *broker.Broker
	Bridge       *eventbridge.Hub
	WebhookStore *webhook.Store
	Logger       *slog.Logger
	RateLimitRPM int
	CORSOrigins  []string
	AdminAuth    *BearerAuth
}

// NewRouter builds the chi router serving the jobhub-api process.
func NewRouter(cfg Config) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(middleware.SecurityHeaders(middleware.DefaultSecurityHeadersConfig()))

	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	rl := middleware.NewRateLimiter(middleware.DefaultRateLimitConfig(cfg.RateLimitRPM))
	r.Use(rl.Middleware)

	h := &jobsHandler{broker: cfg.Broker, log: cfg.Logger}

	r.Route("/jobs", func(jr chi.Router) {
		jr.Post("/", h.submit)
		jr.Get("/{id}", h.get)
		jr.Post("/{id}/cancel", h.cancel)
		jr.Get("/{id}/progress", cfg.Bridge.ServeSSE)
	})

	r.Get("/ws", cfg.Bridge.ServeWS)
	r.Get("/metrics", metrics.Handler().ServeHTTP)
	r.Get("/healthz", healthz)

	wh := &webhookHandler{store: cfg.WebhookStore, log: cfg.Logger}
	r.Route("/webhooks", func(wr chi.Router) {
		if cfg.AdminAuth != nil {
			wr.Use(cfg.AdminAuth.Middleware)
		}
		wr.Post("/", wh.create)
		wr.Get("/", wh.list)
		wr.Get("/{id}", wh.get)
		wr.Delete("/{id}", wh.delete)
	})

	return r
}

func healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
