package cmd

import (
	"context"
	"errors"
	"fmt"

	"edunexus.org/internal/audit"
	"edunexus.org/internal/auth"
	"edunexus.org/internal/config"
	"edunexus.org/internal/migrate"
	"edunexus.org/internal/obs"
	"edunexus.org/internal/store/memory"
	"edunexus.org/internal/store/pg"
	"edunexus.org/internal/tenant"
	"edunexus.org/migrations"
)

// backend is what both store implementations provide besides the principal and
// session views.
type backend interface {
	audit.Store
	tenant.GrantStore
	tenant.ActiveTenantStore
	tenant.TenantStore
}

type stores struct {
	backend    backend
	principals auth.PrincipalStore
	sessions   auth.SessionStore
	// pg is nil for the memory store.
	pg *pg.Store
}

func (s *stores) Close() error {
	if s.pg == nil {
		return nil
	}
	return s.pg.Close()
}

func openStores(ctx context.Context, c *config.Config) (*stores, error) {
	switch c.Database.Store {
	case config.StoreMemory:
		obs.Logger().Warn("using the in-memory store; data is lost on exit and tenant routes run unbound")
		st := memory.New()
		return &stores{backend: st, principals: st.Principals(), sessions: st.Sessions()}, nil
	case config.StorePostgres:
		st, err := openPostgres(ctx, c)
		if err != nil {
			return nil, err
		}
		return &stores{backend: st, principals: st.Principals(), sessions: st.Sessions(), pg: st}, nil
	}
	return nil, fmt.Errorf("unknown store %q", c.Database.Store)
}

func openPostgres(ctx context.Context, c *config.Config) (*pg.Store, error) {
	if c.Database.URL == "" {
		return nil, errors.New("database.url is required (env: EDUNEXUS_DATABASE_URL)")
	}
	st, err := pg.Open(c.Database.URL, pg.PoolConfig{
		MaxOpenConns:     c.Database.MaxOpenConns,
		MaxIdleConns:     c.Database.MaxIdleConns,
		ConnMaxLifetime:  c.Database.ConnMaxLifetime,
		ConnMaxIdleTime:  c.Database.ConnMaxIdleTime,
		StatementTimeout: c.Database.StoreTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := st.Ping(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return st, nil
}

func newMigrator(st *pg.Store) *migrate.Manager {
	return migrate.NewManager(st.DB(), migrations.FS, migrations.Dir, migrations.SeedsDir)
}

type core struct {
	registry *auth.Registry
	recorder *audit.Recorder
	guard    *auth.LockoutGuard
	sessions *auth.SessionManager
	authn    *auth.Authenticator
	access   *tenant.AccessController
}

// newCore wires the registry, token service, lockout guard, session manager and access
// controller over st. Admin commands that never sign tokens pass a nil token config.
func newCore(c *config.Config, st *stores, tokenCfg *auth.TokenConfig) (*core, error) {
	reg, err := auth.DefaultRegistry()
	if err != nil {
		return nil, err
	}
	out := &core{registry: reg}
	out.recorder = audit.NewRecorder(st.backend, audit.WithTimeout(c.Tenant.AuditTimeout))
	out.guard = auth.NewLockoutGuard(st.principals, out.recorder,
		auth.WithLockThreshold(c.Auth.LockThreshold),
		auth.WithLockDuration(c.Auth.LockDuration),
	)
	out.access = tenant.NewAccessController(reg, st.backend, st.backend, st.backend, out.recorder)
	if tokenCfg == nil {
		return out, nil
	}

	tokens, err := auth.NewTokenService(*tokenCfg)
	if err != nil {
		return nil, err
	}
	out.sessions = auth.NewSessionManager(st.sessions, st.principals, tokens, out.guard, out.recorder,
		auth.WithRetention(c.Auth.SessionRetention))
	out.authn = auth.NewAuthenticator(st.principals, reg, tokens, out.sessions, out.guard)
	return out, nil
}

func tokenConfig(c *config.Config) *auth.TokenConfig {
	return &auth.TokenConfig{
		AccessSecret:  c.Auth.AccessSecret,
		RefreshSecret: c.Auth.RefreshSecret,
		Issuer:        c.Auth.Issuer,
		Audience:      c.Auth.Audience,
		AccessTTL:     c.Auth.AccessTTL,
		RefreshTTL:    c.Auth.RefreshTTL,
	}
}
