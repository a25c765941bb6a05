package auth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 24 * time.Hour * 14
	minSecretLen      = 32
)

// AccessToken is a signed short-lived bearer token.
type AccessToken string

// RefreshToken is a signed long-lived token redeemable once for a new pair.
type RefreshToken string

// TokenKind is the token_type claim.
type TokenKind string

const (
	KindAccess  TokenKind = "access"
	KindRefresh TokenKind = "refresh"
)

// TokenPair is returned by Issue.
type TokenPair struct {
	AccessToken  AccessToken
	RefreshToken RefreshToken
	ExpiresIn    time.Duration
}

// AccessClaims are the verified contents of an AccessToken.
type AccessClaims struct {
	Role      Role      `json:"role"`
	TenantID  *string   `json:"tenant_id"`
	Status    Status    `json:"status"`
	TokenType TokenKind `json:"token_type"`
	jwt.RegisteredClaims
}

// PrincipalID returns the subject.
func (c *AccessClaims) PrincipalID() string { return c.Subject }

// Tenant returns the embedded tenant id or "" for platform-wide principals.
func (c *AccessClaims) Tenant() string {
	if c.TenantID == nil {
		return ""
	}
	return *c.TenantID
}

// RefreshClaims are the verified contents of a RefreshToken. The jti is the session id.
type RefreshClaims struct {
	TokenType TokenKind `json:"token_type"`
	jwt.RegisteredClaims
}

// PrincipalID returns the subject.
func (c *RefreshClaims) PrincipalID() string { return c.Subject }

// SessionID returns the jti.
func (c *RefreshClaims) SessionID() string { return c.ID }

type tokenTypeProbe struct {
	TokenType TokenKind `json:"token_type"`
	jwt.RegisteredClaims
}

// TokenConfig holds the signing material and lifetimes.
type TokenConfig struct {
	AccessSecret  string
	RefreshSecret string
	Issuer        string
	Audience      string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

// TokenService issues and verifies HS256 tokens with a distinct secret per token class.
type TokenService struct {
	accessKey  []byte
	refreshKey []byte
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// TokenOption configures TokenService.
type TokenOption func(*TokenService)

// WithTokenClock overrides the time source.
func WithTokenClock(fn func() time.Time) TokenOption {
	return func(s *TokenService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewTokenService validates cfg and builds the service.
func NewTokenService(cfg TokenConfig, opts ...TokenOption) (*TokenService, error) {
	access := []byte(strings.TrimSpace(cfg.AccessSecret))
	refresh := []byte(strings.TrimSpace(cfg.RefreshSecret))
	if len(access) < minSecretLen || len(refresh) < minSecretLen {
		return nil, fmt.Errorf("auth: token secrets must be at least %d bytes", minSecretLen)
	}
	if bytes.Equal(access, refresh) {
		return nil, errors.New("auth: access and refresh secrets must differ")
	}
	s := &TokenService{
		accessKey:  access,
		refreshKey: refresh,
		issuer:     strings.TrimSpace(cfg.Issuer),
		audience:   strings.TrimSpace(cfg.Audience),
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		now:        time.Now,
	}
	if s.issuer == "" {
		s.issuer = "edunexus"
	}
	if s.audience == "" {
		s.audience = "edunexus-api"
	}
	if s.accessTTL <= 0 {
		s.accessTTL = defaultAccessTTL
	}
	if s.refreshTTL <= 0 {
		s.refreshTTL = defaultRefreshTTL
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AccessTTL returns the access token lifetime.
func (s *TokenService) AccessTTL() time.Duration { return s.accessTTL }

// RefreshTTL returns the refresh token lifetime.
func (s *TokenService) RefreshTTL() time.Duration { return s.refreshTTL }

// Issue signs a new pair for p. sessionID becomes the refresh token jti.
func (s *TokenService) Issue(ctx context.Context, p *Principal, sessionID string) (TokenPair, error) {
	if err := ctx.Err(); err != nil {
		return TokenPair{}, Unavailable("sign", err)
	}
	if p == nil || p.ID == "" || sessionID == "" {
		return TokenPair{}, fmt.Errorf("%w: principal and session id are required", ErrInvalidInput)
	}
	now := s.now().UTC().Truncate(time.Second)

	var tenant *string
	if p.TenantID != "" {
		t := p.TenantID
		tenant = &t
	}
	access := AccessClaims{
		Role:      p.Role,
		TenantID:  tenant,
		Status:    p.Status,
		TokenType: KindAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   p.ID,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
			ID:        uuid.NewString(),
		},
	}
	accessStr, err := jwt.NewWithClaims(jwt.SigningMethodHS256, access).SignedString(s.accessKey)
	if err != nil {
		return TokenPair{}, fmt.Errorf("auth: sign access token: %w", err)
	}

	refresh := RefreshClaims{
		TokenType: KindRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.refreshTTL)),
			ID:        sessionID,
		},
	}
	refreshStr, err := jwt.NewWithClaims(jwt.SigningMethodHS256, refresh).SignedString(s.refreshKey)
	if err != nil {
		return TokenPair{}, fmt.Errorf("auth: sign refresh token: %w", err)
	}

	return TokenPair{
		AccessToken:  AccessToken(accessStr),
		RefreshToken: RefreshToken(refreshStr),
		ExpiresIn:    s.accessTTL,
	}, nil
}

// VerifyAccess validates an access token and returns its claims.
func (s *TokenService) VerifyAccess(tok AccessToken) (*AccessClaims, error) {
	if err := s.checkKind(string(tok), KindAccess); err != nil {
		return nil, err
	}
	claims := &AccessClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if _, err := parser.ParseWithClaims(string(tok), claims, s.keyFunc(s.accessKey)); err != nil {
		return nil, classifyJWTError(err)
	}
	if claims.Subject == "" {
		return nil, tokenError(TokenMalformed, errors.New("missing subject"))
	}
	return claims, nil
}

// VerifyRefresh validates a refresh token and returns its claims.
func (s *TokenService) VerifyRefresh(tok RefreshToken) (*RefreshClaims, error) {
	if err := s.checkKind(string(tok), KindRefresh); err != nil {
		return nil, err
	}
	claims := &RefreshClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if _, err := parser.ParseWithClaims(string(tok), claims, s.keyFunc(s.refreshKey)); err != nil {
		return nil, classifyJWTError(err)
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, tokenError(TokenMalformed, errors.New("missing subject or jti"))
	}
	return claims, nil
}

// checkKind rejects a token of the other class before any signature work, so a refresh
// token presented as an access token reports WrongTokenType rather than a bad signature.
func (s *TokenService) checkKind(raw string, want TokenKind) error {
	if strings.TrimSpace(raw) == "" {
		return tokenError(TokenMalformed, errors.New("empty token"))
	}
	probe := &tokenTypeProbe{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, probe); err != nil {
		return tokenError(TokenMalformed, err)
	}
	if probe.TokenType != want {
		return tokenError(TokenWrongType, fmt.Errorf("got %q, want %q", probe.TokenType, want))
	}
	return nil
}

func (s *TokenService) keyFunc(key []byte) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return key, nil
	}
}

func classifyJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return tokenError(TokenExpired, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return tokenError(TokenInvalidSignature, err)
	default:
		return tokenError(TokenMalformed, err)
	}
}

// HashToken returns the hex SHA-256 of a refresh token as stored at rest.
func HashToken(tok RefreshToken) string {
	sum := sha256.Sum256([]byte(tok))
	return hex.EncodeToString(sum[:])
}
