// Package server implements the HTTP transport layer for the Heimdall gateway:
// the proxied data plane, the admin plane, and the system endpoints.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	gateway "github.com/skralg/heimdall/internal"
	"github.com/skralg/heimdall/internal/app"
	"github.com/skralg/heimdall/internal/storage"
	"github.com/skralg/heimdall/internal/telemetry"
)

// Authenticator resolves data-plane credentials to a caller identity.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*gateway.KeyIdentity, error)
}

// AdminAuthenticator admits or denies admin-plane requests.
type AdminAuthenticator interface {
	Authenticate(r *http.Request) error
}

// Recorder accepts completed request logs for asynchronous persistence.
// Implementations must not block the caller.
type Recorder interface {
	Record(*gateway.RequestLog)
}

// ReadyChecker reports whether a subsystem is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth           Authenticator
	Admin          AdminAuthenticator
	Keys           *app.KeyManager
	Catalog        *app.Catalog
	Router         *app.Router
	Logs           storage.LogStore
	Usage          Recorder
	Upstream       *http.Client       // nil = default client
	Metrics        *telemetry.Metrics // nil = no metrics middleware
	MetricsHandler http.Handler       // nil = no /metrics route

	ReadyChecks     []ReadyChecker
	AllowedOrigins  []string // nil = "*"
	LogRequestBody  bool
	LogResponseBody bool
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}
	if s.deps.Upstream == nil {
		s.deps.Upstream = &http.Client{}
	}

	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}))

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// Data plane (user-key auth)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/v1/chat/completions", s.handleChatCompletion)
	})

	// Admin plane (admin-key auth)
	r.Route("/admin", func(r chi.Router) {
		r.Use(s.adminAuth)

		r.Post("/keys", s.handleCreateKey)
		r.Get("/keys", s.handleListKeys)
		r.Post("/keys/{id}/rotate", s.handleRotateKey)
		r.Put("/keys/{id}", s.handleUpdateKey)
		r.Delete("/keys/{id}", s.handleDeleteKey)

		r.Post("/providers", s.handleCreateProvider)
		r.Get("/providers", s.handleListProviders)
		r.Put("/providers/{id}", s.handleUpdateProvider)
		r.Delete("/providers/{id}", s.handleDeleteProvider)

		r.Post("/models", s.handleCreateModel)
		r.Get("/models", s.handleListModels)
		r.Put("/models/{id}", s.handleUpdateModel)
		r.Delete("/models/{id}", s.handleDeleteModel)

		r.Get("/logs", s.handleListLogs)
	})

	return r
}

type server struct {
	deps Deps
}
