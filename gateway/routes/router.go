package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"agrilend/gateway/middleware"
)

// ScopeGroup binds one mounted route group to the scope its callers must
// hold and the rate-limit bucket it draws from.
type ScopeGroup struct {
	RequiredScope string
	RateLimitKey  string
}

type Config struct {
	Handlers      *Handlers
	Investor      ScopeGroup
	Borrower      ScopeGroup
	Admin         ScopeGroup
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
}

// New assembles the gateway router: public pool stats, scoped investor,
// borrower, and admin groups, plus health and metrics endpoints.
func New(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS))

	obs := cfg.Observability

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mount := func(prefix, name string, group ScopeGroup, fn func(chi.Router)) {
		r.Route(prefix, func(sr chi.Router) {
			if cfg.RateLimiter != nil && group.RateLimitKey != "" {
				sr.Use(cfg.RateLimiter.Middleware(group.RateLimitKey))
			}
			if cfg.Authenticator != nil && group.RequiredScope != "" {
				sr.Use(cfg.Authenticator.Middleware(group.RequiredScope))
			}
			if obs != nil {
				sr.Use(obs.Middleware(name))
			}
			fn(sr)
		})
	}

	r.Route("/v1", func(v1 chi.Router) {
		if obs != nil {
			v1.With(obs.Middleware("public")).Get("/pool/stats", cfg.Handlers.poolStats)
		} else {
			v1.Get("/pool/stats", cfg.Handlers.poolStats)
		}
	})
	mount("/v1/investor", "investor", cfg.Investor, cfg.Handlers.mountInvestor)
	mount("/v1/loans", "borrower", cfg.Borrower, cfg.Handlers.mountBorrower)
	mount("/v1/admin", "admin", cfg.Admin, cfg.Handlers.mountAdmin)

	if obs != nil {
		r.Handle("/metrics", obs.MetricsHandler())
	}
	return r
}
