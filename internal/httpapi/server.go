package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"edunexus.org/internal/auth"
	"edunexus.org/internal/obs"
	"edunexus.org/internal/tenant"
)

// ReadyProbe checks readiness, usually by pinging the database.
type ReadyProbe struct {
	Ping func(ctx context.Context) error
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Ping == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return rp.Ping(ctx)
}

// Options wires the API to the auth core.
type Options struct {
	Auth       *auth.Authenticator
	Access     *tenant.AccessController
	Principals auth.PrincipalStore
	// Binder is nil for the in-memory store; tenant routes then run unbound.
	Binder *tenant.Binder
	Ready  ReadyProbe

	Version        string
	Dev            bool
	MetricsEnabled bool
	MaxBodyBytes   int64
	CORSOrigins    []string

	RateRPS   float64
	RateBurst int
	AuthRPS   float64
	AuthBurst int
}

// API is the HTTP layer.
type API struct {
	auth       *auth.Authenticator
	access     *tenant.AccessController
	principals auth.PrincipalStore
	binder     *tenant.Binder
	ready      ReadyProbe

	version     string
	dev         bool
	metrics     bool
	maxBody     int64
	corsOrigins []string

	limiter     *RateLimiter
	authLimiter *RateLimiter
}

func New(opts Options) *API {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.RateRPS <= 0 {
		opts.RateRPS, opts.RateBurst = 20, 40
	}
	if opts.AuthRPS <= 0 {
		opts.AuthRPS, opts.AuthBurst = 0.5, 5
	}
	return &API{
		auth:        opts.Auth,
		access:      opts.Access,
		principals:  opts.Principals,
		binder:      opts.Binder,
		ready:       opts.Ready,
		version:     opts.Version,
		dev:         opts.Dev,
		metrics:     opts.MetricsEnabled,
		maxBody:     opts.MaxBodyBytes,
		corsOrigins: opts.CORSOrigins,
		limiter:     NewRateLimiter(opts.RateRPS, opts.RateBurst),
		authLimiter: NewRateLimiter(opts.AuthRPS, opts.AuthBurst),
	}
}

// RunJanitors prunes idle rate-limit buckets until ctx is done.
func (a *API) RunJanitors(ctx context.Context) {
	go a.limiter.Run(ctx)
	a.authLimiter.Run(ctx)
}

// Handler builds the router.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID, LoggingJSON, Recover, obs.Instrument, SecurityHeaders,
		CORS(a.corsOrigins), MaxBodyBytes(a.maxBody))
	r.NotFound(notFound)
	r.MethodNotAllowed(methodNotAllowed)

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	if a.metrics {
		r.Handle("/metrics", obs.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(a.limiter.Middleware)

		r.With(a.authLimiter.Middleware).Post("/auth/login", a.handleLogin)
		r.With(a.authLimiter.Middleware).Post("/auth/refresh", a.handleRefresh)

		r.Group(func(r chi.Router) {
			r.Use(a.authenticate)

			r.Post("/auth/logout", a.handleLogout)
			r.Post("/auth/logout-all", a.handleLogoutAll)
			r.Get("/auth/me", a.handleMe)

			r.Get("/tenants/context", a.handleGetContext)
			r.Put("/tenants/context", a.handleSwitchContext)

			r.With(a.bindTenant(tenant.LevelRead), requirePermission(auth.PermPrincipalsRead)).
				Get("/tenant/principals", a.handleListMembers)

			r.Route("/admin/tenant-access", func(r chi.Router) {
				r.Use(requirePermission(auth.PermTenantAccessManage))
				r.Post("/", a.handleGrantAccess)
				r.Delete("/", a.handleRevokeAccess)
				r.Get("/{principalID}", a.handleListGrants)
			})
		})
	})
	return r
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "edunexus-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		obs.Logger().Warn("readiness check failed", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}
