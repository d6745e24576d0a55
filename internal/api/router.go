package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kiranshivaraju/atsgateway/internal/api/handler"
	mw "github.com/kiranshivaraju/atsgateway/internal/api/middleware"
	"github.com/kiranshivaraju/atsgateway/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	RateLimit *mw.RateLimit
	// TrustProxy takes the client address from X-Forwarded-For and
	// X-Real-IP. Only enable it behind a proxy that overwrites them.
	TrustProxy bool

	ScoreHandler  http.HandlerFunc
	StatusHandler http.HandlerFunc
	ReadyHandler  http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	if deps.TrustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusNotFound, "Route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, "Method not allowed", nil)
	})

	// Probes
	r.Get("/health", handler.Health)
	r.Get("/ready", orNotImplemented(deps.ReadyHandler))

	r.Route("/api/v1/ats", func(r chi.Router) {
		r.Get("/versions", handler.Versions)

		r.With(deps.RateLimit.Limit).Post("/score", orNotImplemented(deps.ScoreHandler))
		r.Get("/score/", handler.MissingRequestID)
		r.Get("/score/{requestID}", orNotImplemented(deps.StatusHandler))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "Endpoint not yet implemented", nil)
	}
}
