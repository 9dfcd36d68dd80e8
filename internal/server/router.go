// Package server is the inbound HTTP surface: the chi router, the session middleware, the auth,
// account, proxy and secret handlers, and the mapping from domain errors to status codes.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"portal-gateway/backend/internal/app"
	"portal-gateway/backend/internal/health"
	"portal-gateway/backend/internal/session/domain"
)

// ReadHeaderTimeout bounds how long a client may take to send request headers.
const ReadHeaderTimeout = 10 * time.Second

// Options configures the router.
type Options struct {
	CookieSecure bool
	// MaxBodyBytes caps inbound proxy and secret bodies; zero means 10 MiB.
	MaxBodyBytes int64
	// Health serves /healthz and /readyz when set.
	Health *health.Handler
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Logger  zerolog.Logger
}

// NewRouter returns the gateway's HTTP handler.
func NewRouter(a *app.App, opts Options) http.Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 10 << 20
	}
	log := opts.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		requestLogger(log),
		middleware.Recoverer,
	)

	if opts.Health != nil {
		r.Get("/healthz", opts.Health.Live)
		r.Get("/readyz", opts.Health.Ready)
	}
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	auth := &authRoutes{app: a, secure: opts.CookieSecure, log: log}
	account := &accountRoutes{app: a, log: log}
	fwd := &proxyRoutes{app: a, maxBody: opts.MaxBodyBytes, log: log}
	sec := &secretRoutes{app: a, maxBody: opts.MaxBodyBytes, log: log}

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", auth.login)

		r.Group(func(r chi.Router) {
			r.Use(RequireSession(a, log))
			r.Post("/auth/logout", auth.logout)
			r.Post("/auth/logout_all", auth.logoutAll)
			r.Get("/auth/whoami", account.whoami)
			r.Get("/auth/me", account.me)
			r.Get("/runners", account.runners)
			r.Handle("/proxy/*", http.HandlerFunc(fwd.forward))
			r.Mount("/secrets", sec.router())
		})
	})

	return otelhttp.NewHandler(r, "gateway")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sessionOf returns the session RequireSession stored, writing a 401 when there is none.
func sessionOf(w http.ResponseWriter, r *http.Request) (*domain.Session, bool) {
	sess, ok := SessionFrom(r.Context())
	if !ok {
		http.Error(w, unauthorizedMessage, http.StatusUnauthorized)
	}
	return sess, ok
}
