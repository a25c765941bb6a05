package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"edunexus.org/internal/audit"
	"edunexus.org/internal/auth"
)

// Level is the access level of a tenant grant. read < write < admin.
type Level string

const (
	LevelRead  Level = "read"
	LevelWrite Level = "write"
	LevelAdmin Level = "admin"
)

func (l Level) rank() int {
	switch l {
	case LevelRead:
		return 1
	case LevelWrite:
		return 2
	case LevelAdmin:
		return 3
	}
	return 0
}

// Valid reports whether l is a known level.
func (l Level) Valid() bool { return l.rank() > 0 }

// Covers reports whether l grants at least required.
func (l Level) Covers(required Level) bool {
	return l.Valid() && l.rank() >= required.rank()
}

// ParseLevel parses a level name.
func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToLower(strings.TrimSpace(s)))
	if !l.Valid() {
		return "", fmt.Errorf("%w: unknown access level %q", auth.ErrInvalidInput, s)
	}
	return l, nil
}

// Grant is a TenantAccessRecord: explicit access of a principal to a tenant.
type Grant struct {
	PrincipalID string
	TenantID    string
	Level       Level
	GrantedAt   time.Time
	GrantedBy   string
}

// Tenant is a data partition.
type Tenant struct {
	ID     string
	Name   string
	Slug   string
	Status string
}

// TenantActive is the only status that accepts traffic.
const TenantActive = "active"

// GrantStore persists tenant access records.
type GrantStore interface {
	UpsertGrant(ctx context.Context, g *Grant) error
	DeleteGrant(ctx context.Context, principalID, tenantID string) error
	FindGrant(ctx context.Context, principalID, tenantID string) (*Grant, error)
	ListGrants(ctx context.Context, principalID string) ([]Grant, error)
}

// ActiveTenantStore persists the sticky last-selected tenant.
type ActiveTenantStore interface {
	GetActiveTenant(ctx context.Context, principalID string) (string, error)
	SetActiveTenant(ctx context.Context, principalID, tenantID string, at time.Time) error
}

// TenantStore reads the tenant registry.
type TenantStore interface {
	CreateTenant(ctx context.Context, t *Tenant) error
	FindTenant(ctx context.Context, id string) (*Tenant, error)
}

// AccessRequest asks whether Principal may act in TargetTenantID at Level.
type AccessRequest struct {
	Principal      *auth.Principal
	TargetTenantID string
	Level          Level
	IP             string
	UserAgent      string
}

// AccessController decides cross-tenant access and audits every denial.
type AccessController struct {
	registry *auth.Registry
	grants   GrantStore
	active   ActiveTenantStore
	tenants  TenantStore
	auditor  auth.Auditor
	now      func() time.Time
}

// AccessOption configures AccessController.
type AccessOption func(*AccessController)

// WithAccessClock overrides the time source.
func WithAccessClock(fn func() time.Time) AccessOption {
	return func(c *AccessController) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewAccessController wires the controller. Audit writes go through auditor, which
// must not share the request transaction so a rollback cannot drop them.
func NewAccessController(registry *auth.Registry, grants GrantStore, active ActiveTenantStore, tenants TenantStore, auditor auth.Auditor, opts ...AccessOption) *AccessController {
	c := &AccessController{
		registry: registry,
		grants:   grants,
		active:   active,
		tenants:  tenants,
		auditor:  auditor,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Authorize allows or denies req. A denial is audited before ErrTenantIsolation is returned.
func (c *AccessController) Authorize(ctx context.Context, req AccessRequest) error {
	p := req.Principal
	if p == nil {
		return auth.ErrAuthentication
	}
	level := req.Level
	if level == "" {
		level = LevelRead
	}
	target := strings.TrimSpace(req.TargetTenantID)
	if target == "" {
		return fmt.Errorf("%w: tenant is required", auth.ErrInvalidInput)
	}

	allowed, reason, err := c.decide(ctx, p, target, level)
	if err != nil {
		return err
	}
	if allowed {
		return nil
	}
	c.deny(ctx, req, target, reason)
	return auth.ErrTenantIsolation
}

func (c *AccessController) decide(ctx context.Context, p *auth.Principal, target string, level Level) (bool, string, error) {
	t, err := c.tenants.FindTenant(ctx, target)
	switch {
	case errors.Is(err, auth.ErrNotFound):
		return false, "unknown_tenant", nil
	case err != nil:
		return false, "", auth.Unavailable("find tenant", err)
	case t.Status != TenantActive:
		return false, "tenant_inactive", nil
	}

	if c.registry.IsPlatformWide(p.Role) {
		return true, "", nil
	}
	if p.TenantID != "" && target == p.TenantID {
		return true, "", nil
	}
	if !c.registry.IsMultiTenantEligible(p.Role) {
		return false, "not_home_tenant", nil
	}
	g, err := c.grants.FindGrant(ctx, p.ID, target)
	switch {
	case errors.Is(err, auth.ErrNotFound):
		return false, "no_grant", nil
	case err != nil:
		return false, "", auth.Unavailable("find grant", err)
	case !g.Level.Covers(level):
		return false, "insufficient_level", nil
	}
	return true, "", nil
}

func (c *AccessController) deny(ctx context.Context, req AccessRequest, target, reason string) {
	if c.auditor == nil {
		return
	}
	_ = c.auditor.Record(ctx, audit.Event{
		Type:              audit.UnauthorizedTenantAccess,
		PrincipalID:       req.Principal.ID,
		TenantID:          req.Principal.TenantID,
		AttemptedTenantID: target,
		ActualTenantID:    req.Principal.TenantID,
		IP:                req.IP,
		UserAgent:         req.UserAgent,
		OccurredAt:        c.now().UTC(),
		Metadata: map[string]string{
			"reason": reason,
			"role":   string(req.Principal.Role),
			"level":  string(req.Level),
		},
	})
}

// ActiveContext returns the sticky tenant of p, falling back to the home tenant when none
// is stored or the stored one is no longer reachable. Platform-wide principals without a
// selection get "".
func (c *AccessController) ActiveContext(ctx context.Context, p *auth.Principal) (string, error) {
	sticky, err := c.active.GetActiveTenant(ctx, p.ID)
	switch {
	case errors.Is(err, auth.ErrNotFound):
		return p.TenantID, nil
	case err != nil:
		return "", auth.Unavailable("get active tenant", err)
	}
	if sticky == "" || sticky == p.TenantID {
		return p.TenantID, nil
	}
	ok, _, err := c.decide(ctx, p, sticky, LevelRead)
	if err != nil {
		return "", err
	}
	if !ok {
		return p.TenantID, nil
	}
	return sticky, nil
}

// SwitchRequest moves Principal to TenantID.
type SwitchRequest struct {
	Principal *auth.Principal
	TenantID  string
	IP        string
	UserAgent string
}

// SwitchContext re-authorizes the new tenant, persists it and audits the switch. It
// returns the previous tenant.
func (c *AccessController) SwitchContext(ctx context.Context, req SwitchRequest) (string, error) {
	prev, err := c.ActiveContext(ctx, req.Principal)
	if err != nil {
		return "", err
	}
	if err := c.Authorize(ctx, AccessRequest{
		Principal:      req.Principal,
		TargetTenantID: req.TenantID,
		Level:          LevelRead,
		IP:             req.IP,
		UserAgent:      req.UserAgent,
	}); err != nil {
		return "", err
	}
	if err := c.active.SetActiveTenant(ctx, req.Principal.ID, req.TenantID, c.now().UTC()); err != nil {
		return "", auth.Unavailable("set active tenant", err)
	}
	if c.auditor != nil {
		_ = c.auditor.Record(ctx, audit.Event{
			Type:        audit.ContextSwitch,
			PrincipalID: req.Principal.ID,
			TenantID:    req.TenantID,
			IP:          req.IP,
			UserAgent:   req.UserAgent,
			OccurredAt:  c.now().UTC(),
			Metadata: map[string]string{
				"previous_tenant_id": prev,
				"new_tenant_id":      req.TenantID,
			},
		})
	}
	return prev, nil
}

// Resolve picks the acting tenant for a request: requested when non-empty, otherwise the
// active context. The result is authorized at level.
func (c *AccessController) Resolve(ctx context.Context, p *auth.Principal, requested string, level Level, ip, userAgent string) (string, error) {
	target := strings.TrimSpace(requested)
	if target == "" {
		active, err := c.ActiveContext(ctx, p)
		if err != nil {
			return "", err
		}
		if active == "" {
			return "", fmt.Errorf("%w: tenant selection required", auth.ErrInvalidInput)
		}
		target = active
	}
	if err := c.Authorize(ctx, AccessRequest{
		Principal:      p,
		TargetTenantID: target,
		Level:          level,
		IP:             ip,
		UserAgent:      userAgent,
	}); err != nil {
		return "", err
	}
	return target, nil
}

// GrantAccess records access of grantee to tenantID at level. Only multi-tenant-eligible
// roles can hold grants.
func (c *AccessController) GrantAccess(ctx context.Context, grantee *auth.Principal, tenantID string, level Level, grantedBy string) (*Grant, error) {
	if !level.Valid() {
		return nil, fmt.Errorf("%w: unknown access level %q", auth.ErrInvalidInput, level)
	}
	if !c.registry.IsMultiTenantEligible(grantee.Role) {
		return nil, fmt.Errorf("%w: role %q cannot hold tenant grants", auth.ErrInvalidInput, grantee.Role)
	}
	if strings.TrimSpace(tenantID) == "" {
		return nil, fmt.Errorf("%w: tenant is required", auth.ErrInvalidInput)
	}
	t, err := c.tenants.FindTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return nil, err
		}
		return nil, auth.Unavailable("find tenant", err)
	}
	g := &Grant{
		PrincipalID: grantee.ID,
		TenantID:    t.ID,
		Level:       level,
		GrantedAt:   c.now().UTC(),
		GrantedBy:   grantedBy,
	}
	if err := c.grants.UpsertGrant(ctx, g); err != nil {
		return nil, auth.Unavailable("upsert grant", err)
	}
	if c.auditor != nil {
		_ = c.auditor.Record(ctx, audit.Event{
			Type:        audit.TenantAccessGranted,
			PrincipalID: grantee.ID,
			TenantID:    t.ID,
			OccurredAt:  g.GrantedAt,
			Metadata:    map[string]string{"level": string(level), "granted_by": grantedBy},
		})
	}
	return g, nil
}

// RevokeAccess deletes the grant of principalID on tenantID.
func (c *AccessController) RevokeAccess(ctx context.Context, principalID, tenantID, revokedBy string) error {
	if err := c.grants.DeleteGrant(ctx, principalID, tenantID); err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return err
		}
		return auth.Unavailable("delete grant", err)
	}
	if c.auditor != nil {
		_ = c.auditor.Record(ctx, audit.Event{
			Type:        audit.TenantAccessRevoked,
			PrincipalID: principalID,
			TenantID:    tenantID,
			OccurredAt:  c.now().UTC(),
			Metadata:    map[string]string{"revoked_by": revokedBy},
		})
	}
	return nil
}

// ListGrants returns the grants of principalID.
func (c *AccessController) ListGrants(ctx context.Context, principalID string) ([]Grant, error) {
	gs, err := c.grants.ListGrants(ctx, principalID)
	if err != nil {
		return nil, auth.Unavailable("list grants", err)
	}
	return gs, nil
}
