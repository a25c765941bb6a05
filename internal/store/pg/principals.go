package pg

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"edunexus.org/internal/auth"
)

// Principals is the auth.PrincipalStore view of Store.
type Principals struct{ s *Store }

const principalColumns = `id, tenant_id, email, password_hash, role, status,
	failed_attempt_count, locked_until, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrincipal(row rowScanner) (*auth.Principal, error) {
	var (
		p      auth.Principal
		tenant sql.NullString
		locked sql.NullTime
		role   string
		status string
	)
	if err := row.Scan(&p.ID, &tenant, &p.Email, &p.PasswordHash, &role, &status,
		&p.FailedAttempts, &locked, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.TenantID = tenant.String
	p.Role = auth.Role(role)
	p.Status = auth.Status(status)
	if locked.Valid {
		p.LockedUntil = locked.Time
	}
	return &p, nil
}

func (r *Principals) Create(ctx context.Context, p *auth.Principal) error {
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	row := r.s.db.QueryRowContext(ctx, `
		insert into principals (id, tenant_id, email, password_hash, role, status)
		values ($1, $2, $3, $4, $5, $6)
		returning created_at, updated_at
	`, p.ID, nullIfEmpty(p.TenantID), strings.ToLower(p.Email), p.PasswordHash, string(p.Role), string(p.Status))
	if err := row.Scan(&p.CreatedAt, &p.UpdatedAt); err != nil {
		return classify("create principal", err)
	}
	p.Email = strings.ToLower(p.Email)
	return nil
}

func (r *Principals) Find(ctx context.Context, id string) (*auth.Principal, error) {
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	p, err := scanPrincipal(r.s.db.QueryRowContext(ctx,
		`select `+principalColumns+` from principals where id = $1`, id))
	if err != nil {
		return nil, classify("find principal", err)
	}
	return p, nil
}

func (r *Principals) FindByEmail(ctx context.Context, email string) (*auth.Principal, error) {
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	p, err := scanPrincipal(r.s.db.QueryRowContext(ctx,
		`select `+principalColumns+` from principals where email = $1`, strings.ToLower(email)))
	if err != nil {
		return nil, classify("find principal by email", err)
	}
	return p, nil
}

func (r *Principals) ListByTenant(ctx context.Context, tenantID string) ([]*auth.Principal, error) {
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	rows, err := r.s.db.QueryContext(ctx,
		`select `+principalColumns+` from principals where tenant_id = $1 order by email`, tenantID)
	if err != nil {
		return nil, classify("list principals", err)
	}
	defer rows.Close()

	var out []*auth.Principal
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, classify("list principals", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list principals", err)
	}
	return out, nil
}

func (r *Principals) UpdateStatus(ctx context.Context, id string, status auth.Status) error {
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	res, err := r.s.db.ExecContext(ctx,
		`update principals set status = $2, updated_at = now() where id = $1`, id, string(status))
	return requireOne("update principal status", res, err)
}

// RecordFailure increments the counter in one statement so concurrent failures are
// never lost.
func (r *Principals) RecordFailure(ctx context.Context, id string, threshold int, lockUntil time.Time) (int, time.Time, error) {
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	var (
		count  int
		locked sql.NullTime
	)
	err := r.s.db.QueryRowContext(ctx, `
		update principals
		set failed_attempt_count = failed_attempt_count + 1,
		    locked_until = case when failed_attempt_count + 1 >= $2 then $3 else locked_until end,
		    updated_at = now()
		where id = $1
		returning failed_attempt_count, locked_until
	`, id, threshold, lockUntil).Scan(&count, &locked)
	if err != nil {
		return 0, time.Time{}, classify("record failure", err)
	}
	if !locked.Valid {
		return count, time.Time{}, nil
	}
	return count, locked.Time, nil
}

func (r *Principals) ResetFailures(ctx context.Context, id string) error {
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	res, err := r.s.db.ExecContext(ctx, `
		update principals
		set failed_attempt_count = 0, locked_until = null, updated_at = now()
		where id = $1
	`, id)
	return requireOne("reset failures", res, err)
}

func (r *Principals) ClearExpiredLock(ctx context.Context, id string, now time.Time) (bool, error) {
	ctx, cancel := r.s.withTimeout(ctx)
	defer cancel()
	res, err := r.s.db.ExecContext(ctx, `
		update principals
		set failed_attempt_count = 0, locked_until = null, updated_at = now()
		where id = $1 and locked_until is not null and locked_until <= $2
	`, id, now)
	if err != nil {
		return false, classify("clear expired lock", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify("clear expired lock", err)
	}
	return n > 0, nil
}

func requireOne(op string, res sql.Result, err error) error {
	if err != nil {
		return classify(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(op, err)
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func nullIfEmpty(s string) sql.NullString {
	if strings.TrimSpace(s) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
