package auth

import (
	"context"
	"strconv"
	"time"

	"edunexus.org/internal/audit"
)

const (
	defaultLockThreshold = 5
	defaultLockDuration  = 15 * time.Minute
)

// LockState is the lockout state of a principal at a point in time.
type LockState struct {
	Locked bool
	Count  int
	Until  time.Time
}

// LockoutGuard implements the Unlocked(count) -> Locked(until) state machine on the
// principal row. Unlocking is lazy: an expired lock is cleared the next time it is checked.
type LockoutGuard struct {
	store     PrincipalStore
	auditor   Auditor
	threshold int
	duration  time.Duration
	now       func() time.Time
}

// LockoutOption configures LockoutGuard.
type LockoutOption func(*LockoutGuard)

// WithLockThreshold sets the number of failures that locks the account.
func WithLockThreshold(n int) LockoutOption {
	return func(g *LockoutGuard) {
		if n > 0 {
			g.threshold = n
		}
	}
}

// WithLockDuration sets how long a lock lasts.
func WithLockDuration(d time.Duration) LockoutOption {
	return func(g *LockoutGuard) {
		if d > 0 {
			g.duration = d
		}
	}
}

// WithLockoutClock overrides the time source.
func WithLockoutClock(fn func() time.Time) LockoutOption {
	return func(g *LockoutGuard) {
		if fn != nil {
			g.now = fn
		}
	}
}

// NewLockoutGuard builds a guard over store. auditor may be nil.
func NewLockoutGuard(store PrincipalStore, auditor Auditor, opts ...LockoutOption) *LockoutGuard {
	g := &LockoutGuard{
		store:     store,
		auditor:   auditor,
		threshold: defaultLockThreshold,
		duration:  defaultLockDuration,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// State reports the lock state of p as of now without mutating anything.
func (g *LockoutGuard) State(p *Principal) LockState {
	now := g.now()
	if !p.LockedUntil.IsZero() && now.Before(p.LockedUntil) {
		return LockState{Locked: true, Count: p.FailedAttempts, Until: p.LockedUntil}
	}
	return LockState{Count: p.FailedAttempts}
}

// CheckLocked rejects a locked principal. An expired lock is cleared in the store and on p.
func (g *LockoutGuard) CheckLocked(ctx context.Context, p *Principal) error {
	if p.LockedUntil.IsZero() {
		return nil
	}
	now := g.now()
	if now.Before(p.LockedUntil) {
		return &LockedError{Until: p.LockedUntil.UTC().Format(time.RFC3339)}
	}
	if _, err := g.store.ClearExpiredLock(ctx, p.ID, now); err != nil {
		return Unavailable("clear lock", err)
	}
	p.FailedAttempts = 0
	p.LockedUntil = time.Time{}
	return nil
}

// OnSuccess resets the failure counter.
func (g *LockoutGuard) OnSuccess(ctx context.Context, p *Principal) error {
	if p.FailedAttempts == 0 && p.LockedUntil.IsZero() {
		return nil
	}
	if err := g.store.ResetFailures(ctx, p.ID); err != nil {
		return Unavailable("reset failures", err)
	}
	p.FailedAttempts = 0
	p.LockedUntil = time.Time{}
	return nil
}

// OnFailure records a failed attempt. It returns a *LockedError when the attempt reached
// the threshold and ErrInvalidCredentials otherwise.
func (g *LockoutGuard) OnFailure(ctx context.Context, p *Principal) error {
	now := g.now()
	count, until, err := g.store.RecordFailure(ctx, p.ID, g.threshold, now.Add(g.duration))
	if err != nil {
		return Unavailable("record failure", err)
	}
	p.FailedAttempts = count
	p.LockedUntil = until
	if until.IsZero() || !now.Before(until) {
		return ErrInvalidCredentials
	}
	if count == g.threshold && g.auditor != nil {
		_ = g.auditor.Record(ctx, audit.Event{
			Type:        audit.AccountLocked,
			PrincipalID: p.ID,
			TenantID:    p.TenantID,
			Metadata: map[string]string{
				"failed_attempts": strconv.Itoa(count),
				"locked_until":    until.UTC().Format(time.RFC3339),
			},
		})
	}
	return &LockedError{Until: until.UTC().Format(time.RFC3339)}
}
