package auth

import (
	"errors"
	"fmt"
	"slices"
	"sort"
)

// Role names a static access grant.
type Role string

const (
	RoleSuperAdmin      Role = "super_admin"
	RolePlatformSupport Role = "platform_support"
	RoleDirector        Role = "director"
	RoleSchoolAdmin     Role = "school_admin"
	RoleTeacher         Role = "teacher"
	RoleAccountant      Role = "accountant"
	RoleHRManager       Role = "hr_manager"
	RoleParent          Role = "parent"
	RoleStudent         Role = "student"
)

// Roles lists every declared role. The registry must cover each of them.
var Roles = []Role{
	RoleSuperAdmin,
	RolePlatformSupport,
	RoleDirector,
	RoleSchoolAdmin,
	RoleTeacher,
	RoleAccountant,
	RoleHRManager,
	RoleParent,
	RoleStudent,
}

// AppScope identifies a client application.
type AppScope string

const (
	ScopeAdminPortal  AppScope = "admin_portal"
	ScopeSchoolPortal AppScope = "school_portal"
	ScopeParentPortal AppScope = "parent_portal"
	ScopeMobile       AppScope = "mobile"
)

// AccessGrant is the static definition of one role.
type AccessGrant struct {
	Role                Role
	Permissions         []string
	DashboardAccess     bool
	AppScopes           []AppScope
	MultiTenantEligible bool
	PlatformWide        bool
	Blocked             bool
}

// PermissionSet is an immutable set of permission keys.
type PermissionSet map[string]struct{}

// Has reports whether key is in the set.
func (s PermissionSet) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// Slice returns the keys sorted.
func (s PermissionSet) Slice() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type roleEntry struct {
	grant  AccessGrant
	perms  PermissionSet
	scopes map[AppScope]struct{}
}

// Registry answers role questions. It is built once at boot and never mutated.
type Registry struct {
	entries map[Role]roleEntry
}

// NewRegistry validates grants and builds the registry. Every role in Roles must have
// exactly one entry.
func NewRegistry(grants []AccessGrant) (*Registry, error) {
	known := make(map[Role]struct{}, len(Roles))
	for _, r := range Roles {
		known[r] = struct{}{}
	}

	entries := make(map[Role]roleEntry, len(grants))
	var errs []error
	for _, g := range grants {
		if _, ok := known[g.Role]; !ok {
			errs = append(errs, fmt.Errorf("unknown role %q", g.Role))
			continue
		}
		if _, dup := entries[g.Role]; dup {
			errs = append(errs, fmt.Errorf("duplicate entry for role %q", g.Role))
			continue
		}
		if g.PlatformWide && g.Blocked {
			errs = append(errs, fmt.Errorf("role %q cannot be both platform-wide and blocked", g.Role))
		}
		if g.DashboardAccess && len(g.AppScopes) == 0 {
			errs = append(errs, fmt.Errorf("role %q has dashboard access but no app scopes", g.Role))
		}
		e := roleEntry{
			grant:  g,
			perms:  make(PermissionSet, len(g.Permissions)),
			scopes: make(map[AppScope]struct{}, len(g.AppScopes)),
		}
		for _, p := range g.Permissions {
			e.perms[p] = struct{}{}
		}
		for _, sc := range g.AppScopes {
			e.scopes[sc] = struct{}{}
		}
		e.grant.Permissions = slices.Clone(g.Permissions)
		e.grant.AppScopes = slices.Clone(g.AppScopes)
		entries[g.Role] = e
	}
	for _, r := range Roles {
		if _, ok := entries[r]; !ok {
			errs = append(errs, fmt.Errorf("missing entry for role %q", r))
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("auth: invalid role registry: %w", errors.Join(errs...))
	}
	return &Registry{entries: entries}, nil
}

// DefaultRegistry builds the registry from DefaultGrants.
func DefaultRegistry() (*Registry, error) {
	return NewRegistry(DefaultGrants())
}

// Known reports whether role has an entry.
func (r *Registry) Known(role Role) bool {
	_, ok := r.entries[role]
	return ok
}

// Permissions returns the permission set of role; unknown roles get an empty set.
func (r *Registry) Permissions(role Role) PermissionSet {
	e, ok := r.entries[role]
	if !ok {
		return PermissionSet{}
	}
	return e.perms
}

// HasDashboardAccess reports whether role may open the dashboard of scope.
func (r *Registry) HasDashboardAccess(role Role, scope AppScope) bool {
	e, ok := r.entries[role]
	if !ok || e.grant.Blocked || !e.grant.DashboardAccess {
		return false
	}
	_, ok = e.scopes[scope]
	return ok
}

// IsMultiTenantEligible reports whether role may hold grants on extra tenants.
func (r *Registry) IsMultiTenantEligible(role Role) bool {
	e, ok := r.entries[role]
	return ok && e.grant.MultiTenantEligible
}

// IsPlatformWide reports whether role bypasses tenant checks.
func (r *Registry) IsPlatformWide(role Role) bool {
	e, ok := r.entries[role]
	return ok && e.grant.PlatformWide
}

// IsBlockedRole reports whether role must never reach business logic. Unknown roles are blocked.
func (r *Registry) IsBlockedRole(role Role) bool {
	e, ok := r.entries[role]
	return !ok || e.grant.Blocked
}

// Grant returns a copy of the definition of role.
func (r *Registry) Grant(role Role) (AccessGrant, bool) {
	e, ok := r.entries[role]
	if !ok {
		return AccessGrant{}, false
	}
	g := e.grant
	g.Permissions = slices.Clone(g.Permissions)
	g.AppScopes = slices.Clone(g.AppScopes)
	return g, true
}
