// Package memory provides in-process implementations of every store interface. It backs
// tests and the dev profile of serve when no database is configured.
package memory

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"edunexus.org/internal/audit"
	"edunexus.org/internal/auth"
	"edunexus.org/internal/tenant"
)

// Store holds all state under one mutex.
type Store struct {
	mu         sync.Mutex
	principals map[string]*auth.Principal
	sessions   map[string]*auth.Session
	grants     map[grantKey]*tenant.Grant
	active     map[string]string
	tenants    map[string]*tenant.Tenant
	events     []audit.Event
	failAudit  error
}

type grantKey struct{ principal, tenant string }

var (
	_ tenant.GrantStore        = (*Store)(nil)
	_ tenant.ActiveTenantStore = (*Store)(nil)
	_ tenant.TenantStore       = (*Store)(nil)
	_ audit.Store              = (*Store)(nil)
	_ auth.PrincipalStore      = (*Principals)(nil)
	_ auth.SessionStore        = (*Sessions)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{
		principals: map[string]*auth.Principal{},
		sessions:   map[string]*auth.Session{},
		grants:     map[grantKey]*tenant.Grant{},
		active:     map[string]string{},
		tenants:    map[string]*tenant.Tenant{},
	}
}

// Principals returns the principal view.
func (s *Store) Principals() *Principals { return &Principals{s: s} }

// Sessions returns the session view.
func (s *Store) Sessions() *Sessions { return &Sessions{s: s} }

// FailAudit makes Append return err until called again with nil.
func (s *Store) FailAudit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAudit = err
}

// Events returns a copy of the appended audit events.
func (s *Store) Events() []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events)
}

// Append implements audit.Store.
func (s *Store) Append(ctx context.Context, ev *audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAudit != nil {
		return s.failAudit
	}
	s.events = append(s.events, *ev)
	return nil
}

// CreateTenant implements tenant.TenantStore.
func (s *Store) CreateTenant(ctx context.Context, t *tenant.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[t.ID]; ok {
		return auth.ErrConflict
	}
	cp := *t
	if cp.Status == "" {
		cp.Status = tenant.TenantActive
	}
	s.tenants[t.ID] = &cp
	return nil
}

// FindTenant implements tenant.TenantStore.
func (s *Store) FindTenant(ctx context.Context, id string) (*tenant.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// UpsertGrant implements tenant.GrantStore.
func (s *Store) UpsertGrant(ctx context.Context, g *tenant.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.principals[g.PrincipalID]; !ok {
		return auth.ErrNotFound
	}
	cp := *g
	s.grants[grantKey{g.PrincipalID, g.TenantID}] = &cp
	return nil
}

// DeleteGrant implements tenant.GrantStore.
func (s *Store) DeleteGrant(ctx context.Context, principalID, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := grantKey{principalID, tenantID}
	if _, ok := s.grants[k]; !ok {
		return auth.ErrNotFound
	}
	delete(s.grants, k)
	return nil
}

// FindGrant implements tenant.GrantStore.
func (s *Store) FindGrant(ctx context.Context, principalID, tenantID string) (*tenant.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[grantKey{principalID, tenantID}]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *g
	return &cp, nil
}

// ListGrants implements tenant.GrantStore.
func (s *Store) ListGrants(ctx context.Context, principalID string) ([]tenant.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []tenant.Grant
	for k, g := range s.grants {
		if k.principal == principalID {
			out = append(out, *g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

// GetActiveTenant implements tenant.ActiveTenantStore.
func (s *Store) GetActiveTenant(ctx context.Context, principalID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.active[principalID]
	if !ok {
		return "", auth.ErrNotFound
	}
	return t, nil
}

// SetActiveTenant implements tenant.ActiveTenantStore.
func (s *Store) SetActiveTenant(ctx context.Context, principalID, tenantID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[principalID] = tenantID
	return nil
}

// Principals implements auth.PrincipalStore.
type Principals struct{ s *Store }

func (p *Principals) Create(ctx context.Context, pr *auth.Principal) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	email := strings.ToLower(pr.Email)
	for _, existing := range p.s.principals {
		if existing.ID == pr.ID || existing.Email == email {
			return auth.ErrConflict
		}
	}
	cp := *pr
	cp.Email = email
	p.s.principals[pr.ID] = &cp
	return nil
}

func (p *Principals) Find(ctx context.Context, id string) (*auth.Principal, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	pr, ok := p.s.principals[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *pr
	return &cp, nil
}

func (p *Principals) FindByEmail(ctx context.Context, email string) (*auth.Principal, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	email = strings.ToLower(strings.TrimSpace(email))
	for _, pr := range p.s.principals {
		if pr.Email == email {
			cp := *pr
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (p *Principals) ListByTenant(ctx context.Context, tenantID string) ([]*auth.Principal, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	var out []*auth.Principal
	for _, pr := range p.s.principals {
		if pr.TenantID == tenantID {
			cp := *pr
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (p *Principals) UpdateStatus(ctx context.Context, id string, status auth.Status) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	pr, ok := p.s.principals[id]
	if !ok {
		return auth.ErrNotFound
	}
	pr.Status = status
	pr.UpdatedAt = time.Now().UTC()
	return nil
}

func (p *Principals) RecordFailure(ctx context.Context, id string, threshold int, lockUntil time.Time) (int, time.Time, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	pr, ok := p.s.principals[id]
	if !ok {
		return 0, time.Time{}, auth.ErrNotFound
	}
	pr.FailedAttempts++
	if pr.FailedAttempts >= threshold {
		pr.LockedUntil = lockUntil
	}
	return pr.FailedAttempts, pr.LockedUntil, nil
}

func (p *Principals) ResetFailures(ctx context.Context, id string) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	pr, ok := p.s.principals[id]
	if !ok {
		return auth.ErrNotFound
	}
	pr.FailedAttempts = 0
	pr.LockedUntil = time.Time{}
	return nil
}

func (p *Principals) ClearExpiredLock(ctx context.Context, id string, now time.Time) (bool, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	pr, ok := p.s.principals[id]
	if !ok {
		return false, auth.ErrNotFound
	}
	if pr.LockedUntil.IsZero() || pr.LockedUntil.After(now) {
		return false, nil
	}
	pr.FailedAttempts = 0
	pr.LockedUntil = time.Time{}
	return true, nil
}

// Sessions implements auth.SessionStore.
type Sessions struct{ s *Store }

func (ss *Sessions) Create(ctx context.Context, sess *auth.Session) error {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	if _, ok := ss.s.sessions[sess.ID]; ok {
		return auth.ErrConflict
	}
	cp := *sess
	ss.s.sessions[sess.ID] = &cp
	return nil
}

func (ss *Sessions) Find(ctx context.Context, id string) (*auth.Session, error) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	sess, ok := ss.s.sessions[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (ss *Sessions) Rotate(ctx context.Context, req auth.RotateRequest) error {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	old, ok := ss.s.sessions[req.OldID]
	if !ok || old.TokenHash != req.OldHash || old.Revoked || !req.Now.Before(old.ExpiresAt) {
		return auth.ErrNotClaimed
	}
	if _, dup := ss.s.sessions[req.Next.ID]; dup {
		return auth.ErrConflict
	}
	old.Revoked = true
	old.RevokedAt = req.Now
	old.ReplacedBy = req.Next.ID
	cp := *req.Next
	ss.s.sessions[cp.ID] = &cp
	return nil
}

func (ss *Sessions) Revoke(ctx context.Context, id string, at time.Time) error {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	sess, ok := ss.s.sessions[id]
	if !ok {
		return auth.ErrNotFound
	}
	if !sess.Revoked {
		sess.Revoked = true
		sess.RevokedAt = at
	}
	return nil
}

func (ss *Sessions) RevokeAll(ctx context.Context, principalID string, at time.Time) (int64, error) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	var n int64
	for _, sess := range ss.s.sessions {
		if sess.PrincipalID == principalID && !sess.Revoked {
			sess.Revoked = true
			sess.RevokedAt = at
			n++
		}
	}
	return n, nil
}

func (ss *Sessions) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	var n int64
	for id, sess := range ss.s.sessions {
		if sess.ExpiresAt.Before(cutoff) || (sess.Revoked && sess.RevokedAt.Before(cutoff)) {
			delete(ss.s.sessions, id)
			n++
		}
	}
	return n, nil
}
