package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"edunexus.org/internal/auth"
	"edunexus.org/internal/obs"
)

const defaultBindTimeout = 3 * time.Second

const setContextSQL = `select set_config('app.tenant_id', $1, true), set_config('app.principal_id', $2, true), set_config('app.role', $3, true)`

// Pool hands out dedicated connections. *sql.DB satisfies it.
type Pool interface {
	Conn(ctx context.Context) (*sql.Conn, error)
}

// Scope is the tenant context bound for one request.
type Scope struct {
	PrincipalID string
	Role        auth.Role
	TenantID    string
}

// Binder checks out one connection per request, opens a transaction on it and sets the
// tenant and principal as transaction-local settings. Every tenant-scoped query of the
// request must go through the returned Bound.
type Binder struct {
	pool    Pool
	timeout time.Duration
}

// BinderOption configures Binder.
type BinderOption func(*Binder)

// WithBindTimeout bounds connection checkout and context setup.
func WithBindTimeout(d time.Duration) BinderOption {
	return func(b *Binder) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// NewBinder builds a binder over pool.
func NewBinder(pool Pool, opts ...BinderOption) *Binder {
	b := &Binder{pool: pool, timeout: defaultBindTimeout}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Bind checks out and prepares the request transaction. The caller owns the result and
// must call Release exactly once; further calls are no-ops.
func (b *Binder) Bind(ctx context.Context, scope Scope) (*Bound, error) {
	if scope.PrincipalID == "" || scope.TenantID == "" {
		return nil, fmt.Errorf("%w: incomplete tenant scope", auth.ErrTenantIsolation)
	}
	cctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	conn, err := b.pool.Conn(cctx)
	if err != nil {
		return nil, auth.Unavailable("checkout tenant connection", err)
	}
	// the transaction lives as long as the request, not the checkout deadline
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		_ = conn.Close()
		return nil, auth.Unavailable("begin tenant tx", err)
	}
	if _, err := tx.ExecContext(cctx, setContextSQL, scope.TenantID, scope.PrincipalID, string(scope.Role)); err != nil {
		_ = tx.Rollback()
		_ = conn.Close()
		return nil, auth.Unavailable("set tenant context", err)
	}
	return &Bound{
		conn:  conn,
		tx:    tx,
		scope: scope,
		done:  obs.TenantBindStarted(),
	}, nil
}

// Run binds scope, calls fn and releases on every exit path, panics included. The bound
// transaction commits when fn returns nil and rolls back otherwise.
func (b *Binder) Run(ctx context.Context, scope Scope, fn func(ctx context.Context, bd *Bound) error) (err error) {
	bd, err := b.Bind(ctx, scope)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = bd.Release(fmt.Errorf("panic: %v", r))
			panic(r)
		}
		if rerr := bd.Release(err); err == nil {
			err = rerr
		}
	}()
	return fn(ContextWithBound(ctx, bd), bd)
}

// Bound is the request-owned transaction carrying the tenant context.
type Bound struct {
	conn  *sql.Conn
	tx    *sql.Tx
	scope Scope
	done  func()

	once       sync.Once
	releaseErr error
	released   bool
	mu         sync.Mutex
}

// TenantID returns the bound tenant. Queries pass it explicitly as well.
func (b *Bound) TenantID() string { return b.scope.TenantID }

// PrincipalID returns the bound principal.
func (b *Bound) PrincipalID() string { return b.scope.PrincipalID }

// Scope returns the bound scope.
func (b *Bound) Scope() Scope { return b.scope }

// QueryContext runs query on the bound transaction.
func (b *Bound) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	return b.tx.QueryContext(ctx, query, args...)
}

// QueryRowContext runs query on the bound transaction. After Release the returned row
// reports the release error from Scan.
func (b *Bound) QueryRowContext(ctx context.Context, query string, args ...any) *Row {
	if err := b.check(); err != nil {
		return &Row{err: err}
	}
	return &Row{row: b.tx.QueryRowContext(ctx, query, args...)}
}

// Row is a single-row result of a bound query.
type Row struct {
	row *sql.Row
	err error
}

// Scan copies the row into dest, as sql.Row.Scan does.
func (r *Row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return r.row.Scan(dest...)
}

// Err reports a query error without scanning.
func (r *Row) Err() error {
	if r.err != nil {
		return r.err
	}
	return r.row.Err()
}

// ExecContext runs query on the bound transaction.
func (b *Bound) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	return b.tx.ExecContext(ctx, query, args...)
}

// Setting reads a transaction-local setting such as app.tenant_id.
func (b *Bound) Setting(ctx context.Context, key string) (string, error) {
	var v sql.NullString
	if err := b.QueryRowContext(ctx, `select current_setting($1, true)`, key).Scan(&v); err != nil {
		return "", err
	}
	return v.String, nil
}

func (b *Bound) check() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return fmt.Errorf("%w: tenant context already released", auth.ErrStoreUnavailable)
	}
	return nil
}

// Release commits when err is nil and rolls back otherwise, then returns the connection
// to the pool. Only the first call has an effect; later calls return its result.
func (b *Bound) Release(err error) error {
	b.once.Do(func() {
		b.mu.Lock()
		b.released = true
		b.mu.Unlock()

		var txErr error
		if err == nil {
			txErr = b.tx.Commit()
		} else if rerr := b.tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			txErr = rerr
		}
		if cerr := b.conn.Close(); cerr != nil && txErr == nil && !errors.Is(cerr, sql.ErrConnDone) {
			txErr = cerr
		}
		b.done()
		if txErr != nil {
			b.releaseErr = auth.Unavailable("release tenant tx", txErr)
		}
	})
	return b.releaseErr
}

type boundContextKey struct{}

// ContextWithBound attaches bd to ctx.
func ContextWithBound(ctx context.Context, bd *Bound) context.Context {
	return context.WithValue(ctx, boundContextKey{}, bd)
}

// BoundFromContext returns the request's bound tenant transaction.
func BoundFromContext(ctx context.Context) (*Bound, bool) {
	if ctx == nil {
		return nil, false
	}
	bd, ok := ctx.Value(boundContextKey{}).(*Bound)
	return bd, ok && bd != nil
}
