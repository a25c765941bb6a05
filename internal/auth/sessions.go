package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"edunexus.org/internal/audit"
	"edunexus.org/internal/ids"
)

// SessionManager owns the refresh-token lifecycle: creation, one-shot rotation with reuse
// detection, revocation and the retention sweep.
type SessionManager struct {
	store      SessionStore
	principals PrincipalStore
	tokens     *TokenService
	guard      *LockoutGuard
	auditor    Auditor
	retention  time.Duration
	now        func() time.Time
}

// SessionOption configures SessionManager.
type SessionOption func(*SessionManager)

// WithRetention sets how long expired or revoked rows are kept before the sweep deletes them.
// Revoked rows must outlive their refresh token for reuse detection to keep working.
func WithRetention(d time.Duration) SessionOption {
	return func(m *SessionManager) {
		if d > 0 {
			m.retention = d
		}
	}
}

// WithSessionClock overrides the time source.
func WithSessionClock(fn func() time.Time) SessionOption {
	return func(m *SessionManager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewSessionManager wires the session lifecycle. auditor may be nil.
func NewSessionManager(store SessionStore, principals PrincipalStore, tokens *TokenService, guard *LockoutGuard, auditor Auditor, opts ...SessionOption) *SessionManager {
	m := &SessionManager{
		store:      store,
		principals: principals,
		tokens:     tokens,
		guard:      guard,
		auditor:    auditor,
		retention:  tokens.RefreshTTL(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create persists the session identified by the jti of refresh and returns its id.
func (m *SessionManager) Create(ctx context.Context, principalID string, refresh RefreshToken, deviceInfo string) (string, error) {
	claims, err := m.tokens.VerifyRefresh(refresh)
	if err != nil {
		return "", err
	}
	if claims.PrincipalID() != principalID {
		return "", fmt.Errorf("%w: refresh token subject mismatch", ErrInvalidInput)
	}
	s := &Session{
		ID:          claims.SessionID(),
		PrincipalID: principalID,
		TokenHash:   HashToken(refresh),
		DeviceInfo:  deviceInfo,
		IssuedAt:    m.now().UTC(),
		ExpiresAt:   claims.ExpiresAt.Time.UTC(),
	}
	if err := m.store.Create(ctx, s); err != nil {
		return "", Unavailable("create session", err)
	}
	return s.ID, nil
}

// Start issues a token pair for p and persists its session.
func (m *SessionManager) Start(ctx context.Context, p *Principal, deviceInfo string) (TokenPair, error) {
	pair, err := m.tokens.Issue(ctx, p, ids.New())
	if err != nil {
		return TokenPair{}, err
	}
	if _, err := m.Create(ctx, p.ID, pair.RefreshToken, deviceInfo); err != nil {
		return TokenPair{}, err
	}
	return pair, nil
}

// Rotate redeems old for a new pair. The old row can be claimed exactly once; redeeming a
// row that was already rotated returns ErrTokenReuse and revokes every session of the
// principal.
func (m *SessionManager) Rotate(ctx context.Context, old RefreshToken, deviceInfo string) (TokenPair, error) {
	claims, err := m.tokens.VerifyRefresh(old)
	if err != nil {
		return TokenPair{}, err
	}
	p, err := m.principals.Find(ctx, claims.PrincipalID())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, ErrSessionInvalid
		}
		return TokenPair{}, Unavailable("find principal", err)
	}
	if p.Status != StatusActive {
		return TokenPair{}, ErrAccountInactive
	}
	if m.guard != nil {
		if err := m.guard.CheckLocked(ctx, p); err != nil {
			return TokenPair{}, err
		}
	}

	now := m.now().UTC()
	nextID := ids.New()
	pair, err := m.tokens.Issue(ctx, p, nextID)
	if err != nil {
		return TokenPair{}, err
	}
	next := &Session{
		ID:          nextID,
		PrincipalID: p.ID,
		TokenHash:   HashToken(pair.RefreshToken),
		DeviceInfo:  deviceInfo,
		IssuedAt:    now,
		ExpiresAt:   now.Add(m.tokens.RefreshTTL()),
	}
	err = m.store.Rotate(ctx, RotateRequest{
		OldID:   claims.SessionID(),
		OldHash: HashToken(old),
		Now:     now,
		Next:    next,
	})
	if err == nil {
		return pair, nil
	}
	if !errors.Is(err, ErrNotClaimed) {
		return TokenPair{}, Unavailable("rotate session", err)
	}
	return TokenPair{}, m.classifyUnclaimed(ctx, claims.SessionID(), HashToken(old), p, now)
}

// classifyUnclaimed explains why the conditional claim matched nothing.
func (m *SessionManager) classifyUnclaimed(ctx context.Context, id, hash string, p *Principal, now time.Time) error {
	s, err := m.store.Find(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrSessionInvalid
		}
		return Unavailable("find session", err)
	}
	if s.TokenHash != hash || s.PrincipalID != p.ID {
		return ErrSessionInvalid
	}
	if s.ReplacedBy != "" {
		return m.onReuse(ctx, s, p, now)
	}
	if s.Revoked {
		return ErrSessionInvalid
	}
	if !now.Before(s.ExpiresAt) {
		return tokenError(TokenExpired, errors.New("session expired"))
	}
	return ErrSessionInvalid
}

func (m *SessionManager) onReuse(ctx context.Context, s *Session, p *Principal, now time.Time) error {
	// revocation must land even if the caller went away
	ctx = context.WithoutCancel(ctx)
	n, err := m.store.RevokeAll(ctx, p.ID, now)
	if m.auditor != nil {
		meta := map[string]string{
			"session_id":       s.ID,
			"replaced_by":      s.ReplacedBy,
			"revoked_sessions": strconv.FormatInt(n, 10),
		}
		if err != nil {
			meta["revoke_error"] = err.Error()
		}
		_ = m.auditor.Record(ctx, audit.Event{
			Type:        audit.TokenReuseDetected,
			PrincipalID: p.ID,
			TenantID:    p.TenantID,
			Metadata:    meta,
		})
	}
	if err != nil {
		return errors.Join(ErrTokenReuse, Unavailable("revoke all", err))
	}
	return ErrTokenReuse
}

// Revoke revokes one session.
func (m *SessionManager) Revoke(ctx context.Context, sessionID string) error {
	if err := m.store.Revoke(ctx, sessionID, m.now().UTC()); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return Unavailable("revoke session", err)
	}
	return nil
}

// RevokeAll revokes every active session of principalID and returns how many changed.
func (m *SessionManager) RevokeAll(ctx context.Context, principalID string) (int64, error) {
	n, err := m.store.RevokeAll(ctx, principalID, m.now().UTC())
	if err != nil {
		return 0, Unavailable("revoke all sessions", err)
	}
	return n, nil
}

// SweepExpired deletes rows that expired or were revoked more than the retention window
// before now. Running it again with nothing new to delete returns 0.
func (m *SessionManager) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	n, err := m.store.DeleteExpired(ctx, now.UTC().Add(-m.retention))
	if err != nil {
		return 0, Unavailable("sweep sessions", err)
	}
	return n, nil
}
