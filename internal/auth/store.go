package auth

import (
	"context"
	"errors"
	"time"

	"edunexus.org/internal/audit"
)

// ErrNotClaimed is returned by SessionStore.Rotate when the conditional claim matched no row.
var ErrNotClaimed = errors.New("auth: session not claimed")

// PrincipalStore persists principals and their lockout counters.
type PrincipalStore interface {
	Create(ctx context.Context, p *Principal) error
	Find(ctx context.Context, id string) (*Principal, error)
	FindByEmail(ctx context.Context, email string) (*Principal, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*Principal, error)
	UpdateStatus(ctx context.Context, id string, status Status) error
	// RecordFailure increments the failed counter in one statement and sets lockedUntil
	// when the new count reaches threshold. It returns the new count and lock expiry.
	RecordFailure(ctx context.Context, id string, threshold int, lockUntil time.Time) (int, time.Time, error)
	ResetFailures(ctx context.Context, id string) error
	// ClearExpiredLock resets the counter only if the lock expired at or before now.
	ClearExpiredLock(ctx context.Context, id string, now time.Time) (bool, error)
}

// RotateRequest describes the atomic claim of Old and the insert of Next.
type RotateRequest struct {
	OldID   string
	OldHash string
	Now     time.Time
	Next    *Session
}

// SessionStore persists refresh-token sessions.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	Find(ctx context.Context, id string) (*Session, error)
	// Rotate marks the old session revoked and replaced, and inserts the replacement, in
	// one transaction. It returns ErrNotClaimed if the old row was not active.
	Rotate(ctx context.Context, req RotateRequest) error
	Revoke(ctx context.Context, id string, at time.Time) error
	RevokeAll(ctx context.Context, principalID string, at time.Time) (int64, error)
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// Auditor records security incidents. Implementations handle their own fallback.
type Auditor interface {
	Record(ctx context.Context, ev audit.Event) error
}
