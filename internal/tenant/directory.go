package tenant

import (
	"context"

	"edunexus.org/internal/auth"
)

// Member is a principal as seen inside its tenant.
type Member struct {
	ID     string
	Email  string
	Role   auth.Role
	Status auth.Status
}

// ListMembers reads the principals of the bound tenant through bd. The tenant id is passed
// explicitly as well as enforced by row-level security on the bound transaction.
func ListMembers(ctx context.Context, bd *Bound) ([]Member, error) {
	rows, err := bd.QueryContext(ctx, `
		select id, email, role, status
		from principals
		where tenant_id = $1
		order by email
	`, bd.TenantID())
	if err != nil {
		return nil, auth.Unavailable("list members", err)
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		var (
			m            Member
			role, status string
		)
		if err := rows.Scan(&m.ID, &m.Email, &role, &status); err != nil {
			return nil, auth.Unavailable("scan member", err)
		}
		m.Role = auth.Role(role)
		m.Status = auth.Status(status)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, auth.Unavailable("list members", err)
	}
	return out, nil
}
