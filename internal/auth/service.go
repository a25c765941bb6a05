package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"edunexus.org/internal/obs"
)

// LoginRequest carries credentials presented at login.
type LoginRequest struct {
	Email      string
	Password   string
	DeviceInfo string
}

// LoginResult is returned by a successful login.
type LoginResult struct {
	Principal *Principal
	Tokens    TokenPair
}

// Authenticator orchestrates login, per-request authentication, refresh and logout.
type Authenticator struct {
	principals PrincipalStore
	registry   *Registry
	tokens     *TokenService
	sessions   *SessionManager
	guard      *LockoutGuard
}

// NewAuthenticator wires the collaborators built at boot.
func NewAuthenticator(principals PrincipalStore, registry *Registry, tokens *TokenService, sessions *SessionManager, guard *LockoutGuard) *Authenticator {
	return &Authenticator{
		principals: principals,
		registry:   registry,
		tokens:     tokens,
		sessions:   sessions,
		guard:      guard,
	}
}

// Registry exposes the role registry.
func (a *Authenticator) Registry() *Registry { return a.registry }

// Sessions exposes the session manager.
func (a *Authenticator) Sessions() *SessionManager { return a.sessions }

var (
	dummyHashOnce sync.Once
	dummyHash     string
)

// equalizeTiming burns a bcrypt comparison for unknown emails.
func equalizeTiming(password string) {
	dummyHashOnce.Do(func() {
		dummyHash, _ = HashPassword("edunexus-timing-equalizer")
	})
	if dummyHash != "" {
		_ = VerifyPassword(dummyHash, password)
	}
}

// Login checks credentials against the lockout state machine and starts a session.
func (a *Authenticator) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	res, err := a.login(ctx, req)
	obs.AuthEvent("login", outcome(err))
	return res, err
}

func (a *Authenticator) login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.Password == "" {
		return nil, ErrInvalidCredentials
	}
	p, err := a.principals.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			equalizeTiming(req.Password)
			return nil, ErrInvalidCredentials
		}
		return nil, Unavailable("find principal", err)
	}
	if err := a.guard.CheckLocked(ctx, p); err != nil {
		return nil, err
	}
	if err := VerifyPassword(p.PasswordHash, req.Password); err != nil {
		return nil, a.guard.OnFailure(ctx, p)
	}
	if p.Status != StatusActive {
		return nil, ErrAccountInactive
	}
	if a.registry.IsBlockedRole(p.Role) {
		return nil, ErrBlockedRole
	}
	if err := a.guard.OnSuccess(ctx, p); err != nil {
		return nil, err
	}
	pair, err := a.sessions.Start(ctx, p, req.DeviceInfo)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Principal: p, Tokens: pair}, nil
}

// Authenticate verifies an access token and re-reads the principal. The claims are only a
// cache: status, lock state and role come from the store.
func (a *Authenticator) Authenticate(ctx context.Context, tok AccessToken) (*Principal, error) {
	p, err := a.authenticate(ctx, tok)
	obs.AuthEvent("authenticate", outcome(err))
	return p, err
}

func (a *Authenticator) authenticate(ctx context.Context, tok AccessToken) (*Principal, error) {
	claims, err := a.tokens.VerifyAccess(tok)
	if err != nil {
		return nil, err
	}
	p, err := a.principals.Find(ctx, claims.PrincipalID())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrSessionInvalid
		}
		return nil, Unavailable("find principal", err)
	}
	if p.Status != StatusActive {
		return nil, ErrAccountInactive
	}
	if st := a.guard.State(p); st.Locked {
		return nil, &LockedError{Until: st.Until.UTC().Format(time.RFC3339)}
	}
	if a.registry.IsBlockedRole(p.Role) {
		return nil, ErrBlockedRole
	}
	return p, nil
}

// Identity builds the handler-facing identity for p acting in tenantID.
func (a *Authenticator) Identity(p *Principal, tenantID string) RequestIdentity {
	return RequestIdentity{
		PrincipalID:  p.ID,
		Role:         p.Role,
		TenantID:     tenantID,
		HomeTenantID: p.TenantID,
		Permissions:  a.registry.Permissions(p.Role),
	}
}

// Refresh rotates a refresh token.
func (a *Authenticator) Refresh(ctx context.Context, tok RefreshToken, deviceInfo string) (TokenPair, error) {
	pair, err := a.sessions.Rotate(ctx, tok, deviceInfo)
	obs.AuthEvent("refresh", outcome(err))
	return pair, err
}

// Logout revokes the session behind tok. principalID must own it.
func (a *Authenticator) Logout(ctx context.Context, principalID string, tok RefreshToken) error {
	claims, err := a.tokens.VerifyRefresh(tok)
	if err != nil {
		return err
	}
	if claims.PrincipalID() != principalID {
		return fmt.Errorf("%w: session belongs to another principal", ErrAuthorization)
	}
	if err := a.sessions.Revoke(ctx, claims.SessionID()); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// LogoutAll revokes every session of principalID.
func (a *Authenticator) LogoutAll(ctx context.Context, principalID string) (int64, error) {
	return a.sessions.RevokeAll(ctx, principalID)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrTokenReuse):
		return "reuse"
	case errors.Is(err, ErrAccountLocked):
		return "locked"
	case errors.Is(err, ErrStoreUnavailable):
		return "unavailable"
	default:
		return "failure"
	}
}
