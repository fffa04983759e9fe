// Package server implements the HTTP transport layer for the Warden broker.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	gateway "github.com/eugener/warden/internal"
	"github.com/eugener/warden/internal/accounting"
	"github.com/eugener/warden/internal/app"
	"github.com/eugener/warden/internal/auth"
	"github.com/eugener/warden/internal/router"
	"github.com/eugener/warden/internal/security"
	"github.com/eugener/warden/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth           *auth.Manager
	Broker         *app.Broker
	Accounting     *accounting.Engine
	Router         *router.Router
	Scanner        *security.Scanner
	Metrics        *telemetry.Metrics // nil = no metrics middleware
	MetricsHandler http.Handler       // nil = no /metrics endpoint
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)
	LoginRPS       float64            // per client IP; default 1
	LoginBurst     int                // default 5
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{
		deps:  deps,
		login: newLoginLimiter(deps.LoginRPS, deps.LoginBurst),
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.traceContext)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}
	r.Post("/auth/login", s.handleLogin)

	// Client-facing API, OpenAI wire format
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/v1/chat/completions", s.handleChatCompletion)
		r.Get("/v1/models", s.handleListModels)
	})

	// Management API
	r.Route("/api", func(r chi.Router) {
		r.Use(s.authenticate)

		r.With(s.require(gateway.PermAPIKeyCreate)).Post("/keys", s.handleCreateKey)
		r.With(s.require(gateway.PermAPIKeyRead)).Get("/keys", s.handleListKeys)
		r.Delete("/keys/{id}", s.handleRevokeKey)

		r.With(s.require(gateway.PermUserCreate)).Post("/users", s.handleCreateUser)
		r.With(s.require(gateway.PermUserRead)).Get("/users", s.handleListUsers)
		r.Get("/users/{id}", s.handleGetUser)

		r.Get("/quota/{credential}", s.handleGetQuota)
		r.Put("/quota/{credential}", s.handleSetQuota)
		r.Post("/quota/{credential}/reset", s.handleResetQuota)

		r.With(s.require(gateway.PermAnalyticsRead)).Get("/usage", s.handleUsage)
		r.With(s.requireAny(gateway.PermSystemMonitor, gateway.PermAnalyticsSystem)).Get("/routing/stats", s.handleRoutingStats)

		r.With(s.require(gateway.PermAnalyticsSecurity)).Get("/security/stats", s.handleSecurityStats)
		r.With(s.require(gateway.PermSecurityAudit)).Get("/security/log", s.handleSecurityLog)
		r.With(s.require(gateway.PermSecurityConfig)).Put("/security/policy", s.handleSetPolicy)
		r.With(s.require(gateway.PermSecurityConfig)).Post("/security/patterns", s.handleAddPattern)

		r.With(s.require(gateway.PermLLMModels)).Get("/rates", s.handleListRates)
		r.With(s.require(gateway.PermLLMConfig)).Put("/rates", s.handleSetRate)

		r.With(s.require(gateway.PermAnalyticsSystem)).Get("/access/stats", s.handleAccessStats)
	})

	return r
}

type server struct {
	deps  Deps
	login *loginLimiter
}
