package auth

import (
	"context"
	"time"

	"edunexus.org/internal/obs"
)

// Sweeper runs SessionManager.SweepExpired on a fixed interval. It is storage hygiene
// only; lock expiry never depends on it.
type Sweeper struct {
	sessions *SessionManager
	interval time.Duration
}

// NewSweeper builds a sweeper. A non-positive interval defaults to one hour.
func NewSweeper(sessions *SessionManager, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{sessions: sessions, interval: interval}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.sweepOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	n, err := s.sessions.SweepExpired(ctx, s.sessions.now())
	if err != nil {
		obs.Logger().Warn("session sweep failed", "err", err)
		return
	}
	obs.SessionsSwept(n)
	if n > 0 {
		obs.Logger().Info("sessions swept", "deleted", n)
	}
}
