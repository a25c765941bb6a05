package auth_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"edunexus.org/internal/audit"
	"edunexus.org/internal/auth"
	"edunexus.org/internal/store/memory"
)

const (
	testAccessSecret  = "access-secret-0123456789abcdef0123456789"
	testRefreshSecret = "refresh-secret-0123456789abcdef012345678"
	testPassword      = "correct horse battery"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	store    *memory.Store
	clock    *testClock
	registry *auth.Registry
	tokens   *auth.TokenService
	guard    *auth.LockoutGuard
	sessions *auth.SessionManager
	authn    *auth.Authenticator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: memory.New(), clock: newTestClock()}

	reg, err := auth.DefaultRegistry()
	if err != nil {
		t.Fatalf("DefaultRegistry: %v", err)
	}
	f.registry = reg

	f.tokens, err = auth.NewTokenService(auth.TokenConfig{
		AccessSecret:  testAccessSecret,
		RefreshSecret: testRefreshSecret,
		Issuer:        "edunexus-test",
		Audience:      "edunexus-test-api",
	}, auth.WithTokenClock(f.clock.Now))
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}

	recorder := audit.NewRecorder(f.store, audit.WithClock(f.clock.Now))
	principals := f.store.Principals()
	f.guard = auth.NewLockoutGuard(principals, recorder, auth.WithLockoutClock(f.clock.Now))
	f.sessions = auth.NewSessionManager(f.store.Sessions(), principals, f.tokens, f.guard, recorder, auth.WithSessionClock(f.clock.Now))
	f.authn = auth.NewAuthenticator(principals, reg, f.tokens, f.sessions, f.guard)
	return f
}

func (f *fixture) provision(t *testing.T, email string, role auth.Role, tenantID string) *auth.Principal {
	t.Helper()
	p, err := auth.Provision(context.Background(), f.store.Principals(), f.registry, auth.NewPrincipal{
		Email:    email,
		Password: testPassword,
		Role:     role,
		TenantID: tenantID,
	})
	if err != nil {
		t.Fatalf("Provision(%s): %v", email, err)
	}
	return p
}

func (f *fixture) eventsOfType(typ string) []audit.Event {
	var out []audit.Event
	for _, ev := range f.store.Events() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (f *fixture) login(t *testing.T, email string) *auth.LoginResult {
	t.Helper()
	res, err := f.authn.Login(context.Background(), auth.LoginRequest{Email: email, Password: testPassword, DeviceInfo: "test"})
	if err != nil {
		t.Fatalf("Login(%s): %v", email, err)
	}
	return res
}

// tamper flips one character of the signature segment.
func tamper(tok string) string {
	i := strings.LastIndexByte(tok, '.')
	b := []byte(tok)
	if b[i+1] == 'A' {
		b[i+1] = 'B'
	} else {
		b[i+1] = 'A'
	}
	return string(b)
}
