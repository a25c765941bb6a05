package pg

import (
	"context"
	"database/sql"
	"time"

	"edunexus.org/internal/tenant"
)

func (s *Store) CreateTenant(ctx context.Context, t *tenant.Tenant) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	status := t.Status
	if status == "" {
		status = tenant.TenantActive
	}
	_, err := s.db.ExecContext(ctx, `
		insert into tenants (id, name, slug, status)
		values ($1, $2, $3, $4)
	`, t.ID, t.Name, nullIfEmpty(t.Slug), status)
	if err != nil {
		return classify("create tenant", err)
	}
	t.Status = status
	return nil
}

func (s *Store) FindTenant(ctx context.Context, id string) (*tenant.Tenant, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var (
		t    tenant.Tenant
		slug sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`select id, name, slug, status from tenants where id = $1`, id).
		Scan(&t.ID, &t.Name, &slug, &t.Status)
	if err != nil {
		return nil, classify("find tenant", err)
	}
	t.Slug = slug.String
	return &t, nil
}

// UpsertGrant inserts or replaces the access record for (principal, tenant).
func (s *Store) UpsertGrant(ctx context.Context, g *tenant.Grant) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		insert into tenant_access (principal_id, tenant_id, access_level, granted_at, granted_by)
		values ($1, $2, $3, $4, $5)
		on conflict (principal_id, tenant_id)
		do update set access_level = excluded.access_level,
		              granted_at = excluded.granted_at,
		              granted_by = excluded.granted_by
	`, g.PrincipalID, g.TenantID, string(g.Level), g.GrantedAt, nullIfEmpty(g.GrantedBy))
	return classify("upsert grant", err)
}

func (s *Store) DeleteGrant(ctx context.Context, principalID, tenantID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx,
		`delete from tenant_access where principal_id = $1 and tenant_id = $2`, principalID, tenantID)
	return requireOne("delete grant", res, err)
}

func scanGrant(row rowScanner) (tenant.Grant, error) {
	var (
		g     tenant.Grant
		level string
		by    sql.NullString
	)
	if err := row.Scan(&g.PrincipalID, &g.TenantID, &level, &g.GrantedAt, &by); err != nil {
		return tenant.Grant{}, err
	}
	g.Level = tenant.Level(level)
	g.GrantedBy = by.String
	return g, nil
}

func (s *Store) FindGrant(ctx context.Context, principalID, tenantID string) (*tenant.Grant, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	g, err := scanGrant(s.db.QueryRowContext(ctx, `
		select principal_id, tenant_id, access_level, granted_at, granted_by
		from tenant_access
		where principal_id = $1 and tenant_id = $2
	`, principalID, tenantID))
	if err != nil {
		return nil, classify("find grant", err)
	}
	return &g, nil
}

func (s *Store) ListGrants(ctx context.Context, principalID string) ([]tenant.Grant, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		select principal_id, tenant_id, access_level, granted_at, granted_by
		from tenant_access
		where principal_id = $1
		order by tenant_id
	`, principalID)
	if err != nil {
		return nil, classify("list grants", err)
	}
	defer rows.Close()

	var out []tenant.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, classify("list grants", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list grants", err)
	}
	return out, nil
}

// GetActiveTenant returns auth.ErrNotFound when the principal never switched context.
func (s *Store) GetActiveTenant(ctx context.Context, principalID string) (string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var id string
	err := s.db.QueryRowContext(ctx,
		`select tenant_id from principal_active_tenant where principal_id = $1`, principalID).Scan(&id)
	if err != nil {
		return "", classify("get active tenant", err)
	}
	return id, nil
}

func (s *Store) SetActiveTenant(ctx context.Context, principalID, tenantID string, at time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		insert into principal_active_tenant (principal_id, tenant_id, updated_at)
		values ($1, $2, $3)
		on conflict (principal_id)
		do update set tenant_id = excluded.tenant_id, updated_at = excluded.updated_at
	`, principalID, tenantID, at)
	return classify("set active tenant", err)
}
