package pg

import (
	"context"
	"encoding/json"
	"fmt"

	"edunexus.org/internal/audit"
)

// Append writes one row to the append-only audit_events table.
func (s *Store) Append(ctx context.Context, ev *audit.Event) error {
	meta := []byte("{}")
	if len(ev.Metadata) > 0 {
		b, err := json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("marshal audit metadata: %w", err)
		}
		meta = b
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		insert into audit_events (id, event_type, principal_id, tenant_id, attempted_tenant_id,
		                          actual_tenant_id, ip_address, user_agent, occurred_at, metadata)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, ev.ID, ev.Type, nullIfEmpty(ev.PrincipalID), nullIfEmpty(ev.TenantID),
		nullIfEmpty(ev.AttemptedTenantID), nullIfEmpty(ev.ActualTenantID),
		nullIfEmpty(ev.IP), nullIfEmpty(ev.UserAgent), ev.OccurredAt, meta)
	return classify("append audit event", err)
}
