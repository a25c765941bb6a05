package pg

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"edunexus.org/internal/audit"
	"edunexus.org/internal/auth"
	"edunexus.org/internal/tenant"
)

const defaultTimeout = 3 * time.Second

// Store is the Postgres backend for every store interface. Tenant and audit stores are
// implemented on Store itself; principals and sessions have their own views because the
// method sets overlap.
type Store struct {
	db      *sql.DB
	timeout time.Duration
}

var (
	_ tenant.GrantStore        = (*Store)(nil)
	_ tenant.ActiveTenantStore = (*Store)(nil)
	_ tenant.TenantStore       = (*Store)(nil)
	_ audit.Store              = (*Store)(nil)
	_ auth.PrincipalStore      = (*Principals)(nil)
	_ auth.SessionStore        = (*Sessions)(nil)
)

// PoolConfig tunes the connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// StatementTimeout bounds every store call.
	StatementTimeout time.Duration
}

// Open connects through the pgx stdlib driver.
func Open(dsn string, cfg PoolConfig) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 50
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 25
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 15 * time.Minute
	}
	if cfg.ConnMaxIdleTime <= 0 {
		cfg.ConnMaxIdleTime = 5 * time.Minute
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	return New(db, cfg.StatementTimeout), nil
}

// New wraps an existing pool. A non-positive timeout uses the default.
func New(db *sql.DB, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Store{db: db, timeout: timeout}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping checks connectivity for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return classify("ping", s.db.PingContext(ctx))
}

// Principals returns the principal view.
func (s *Store) Principals() *Principals { return &Principals{s: s} }

// Sessions returns the session view.
func (s *Store) Sessions() *Sessions { return &Sessions{s: s} }

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}
