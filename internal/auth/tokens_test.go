package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"edunexus.org/internal/auth"
)

func TestIssueVerifyRoundTrip(t *testing.T) {
	f := newFixture(t)
	p := &auth.Principal{ID: "p-1", TenantID: "s1", Role: auth.RoleTeacher, Status: auth.StatusActive}

	pair, err := f.tokens.Issue(context.Background(), p, "sess-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if pair.ExpiresIn != 15*time.Minute {
		t.Fatalf("unexpected expires in: %v", pair.ExpiresIn)
	}

	claims, err := f.tokens.VerifyAccess(pair.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccess: %v", err)
	}
	if claims.PrincipalID() != "p-1" || claims.Role != auth.RoleTeacher || claims.Tenant() != "s1" {
		t.Fatalf("claims do not match principal: %+v", claims)
	}
	if claims.Status != auth.StatusActive || claims.TokenType != auth.KindAccess {
		t.Fatalf("unexpected status/type: %+v", claims)
	}
	if claims.Issuer != "edunexus-test" || len(claims.Audience) != 1 || claims.Audience[0] != "edunexus-test-api" {
		t.Fatalf("unexpected iss/aud: %+v", claims.RegisteredClaims)
	}

	rc, err := f.tokens.VerifyRefresh(pair.RefreshToken)
	if err != nil {
		t.Fatalf("VerifyRefresh: %v", err)
	}
	if rc.PrincipalID() != "p-1" || rc.SessionID() != "sess-1" || rc.TokenType != auth.KindRefresh {
		t.Fatalf("unexpected refresh claims: %+v", rc)
	}
}

func TestPlatformPrincipalHasNullTenant(t *testing.T) {
	f := newFixture(t)
	p := &auth.Principal{ID: "root", Role: auth.RoleSuperAdmin, Status: auth.StatusActive}
	pair, err := f.tokens.Issue(context.Background(), p, "sess")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := f.tokens.VerifyAccess(pair.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccess: %v", err)
	}
	if claims.TenantID != nil {
		t.Fatalf("expected null tenant, got %q", *claims.TenantID)
	}
}

func assertTokenKind(t *testing.T, err error, kind auth.TokenErrorKind) {
	t.Helper()
	var te *auth.TokenError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TokenError, got %T %v", err, err)
	}
	if te.Kind != kind {
		t.Fatalf("expected kind %s, got %s", kind, te.Kind)
	}
	if !errors.Is(err, auth.ErrAuthentication) {
		t.Fatalf("token errors must wrap ErrAuthentication: %v", err)
	}
}

func TestTokenClassesAreNotInterchangeable(t *testing.T) {
	f := newFixture(t)
	p := &auth.Principal{ID: "p-1", TenantID: "s1", Role: auth.RoleTeacher, Status: auth.StatusActive}
	pair, err := f.tokens.Issue(context.Background(), p, "sess-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	_, err = f.tokens.VerifyAccess(auth.AccessToken(pair.RefreshToken))
	assertTokenKind(t, err, auth.TokenWrongType)
	if !errors.Is(err, auth.ErrTokenWrongType) {
		t.Fatalf("expected ErrTokenWrongType, got %v", err)
	}

	_, err = f.tokens.VerifyRefresh(auth.RefreshToken(pair.AccessToken))
	assertTokenKind(t, err, auth.TokenWrongType)
}

func TestVerifyFailureKinds(t *testing.T) {
	f := newFixture(t)
	p := &auth.Principal{ID: "p-1", TenantID: "s1", Role: auth.RoleTeacher, Status: auth.StatusActive}
	pair, err := f.tokens.Issue(context.Background(), p, "sess-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	t.Run("malformed", func(t *testing.T) {
		_, err := f.tokens.VerifyAccess("not-a-jwt")
		assertTokenKind(t, err, auth.TokenMalformed)
		_, err = f.tokens.VerifyAccess("")
		assertTokenKind(t, err, auth.TokenMalformed)
	})

	t.Run("invalid signature", func(t *testing.T) {
		_, err := f.tokens.VerifyAccess(auth.AccessToken(tamper(string(pair.AccessToken))))
		assertTokenKind(t, err, auth.TokenInvalidSignature)
	})

	t.Run("foreign secret", func(t *testing.T) {
		other, err := auth.NewTokenService(auth.TokenConfig{
			AccessSecret:  "another-access-secret-0123456789abcdef",
			RefreshSecret: "another-refresh-secret-0123456789abcdef",
			Issuer:        "edunexus-test",
			Audience:      "edunexus-test-api",
		})
		if err != nil {
			t.Fatalf("NewTokenService: %v", err)
		}
		forged, err := other.Issue(context.Background(), p, "sess-x")
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		_, err = f.tokens.VerifyAccess(forged.AccessToken)
		assertTokenKind(t, err, auth.TokenInvalidSignature)
	})

	t.Run("expired", func(t *testing.T) {
		f.clock.Advance(16 * time.Minute)
		_, err := f.tokens.VerifyAccess(pair.AccessToken)
		assertTokenKind(t, err, auth.TokenExpired)
		if !errors.Is(err, auth.ErrTokenExpired) {
			t.Fatalf("expected ErrTokenExpired, got %v", err)
		}
		if _, err := f.tokens.VerifyRefresh(pair.RefreshToken); err != nil {
			t.Fatalf("refresh token should outlive access token: %v", err)
		}
	})
}

func TestNewTokenServiceRejectsWeakSecrets(t *testing.T) {
	if _, err := auth.NewTokenService(auth.TokenConfig{AccessSecret: "short", RefreshSecret: testRefreshSecret}); err == nil {
		t.Fatal("expected error for short secret")
	}
	if _, err := auth.NewTokenService(auth.TokenConfig{AccessSecret: testAccessSecret, RefreshSecret: testAccessSecret}); err == nil {
		t.Fatal("expected error for shared secret")
	}
}

func TestIssueHonoursCancelledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.tokens.Issue(ctx, &auth.Principal{ID: "p"}, "s")
	if !errors.Is(err, auth.ErrStoreUnavailable) {
		t.Fatalf("expected retryable failure, got %v", err)
	}
}
