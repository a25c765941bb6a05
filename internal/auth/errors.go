package auth

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the auth, tenant and store layers.
var (
	// ErrAuthentication covers missing, invalid or expired credentials.
	ErrAuthentication = errors.New("auth: authentication failed")
	// ErrAuthorization is returned for a valid identity lacking rights.
	ErrAuthorization = errors.New("auth: insufficient permissions")
	// ErrAccountLocked is returned while a principal is inside its lock window.
	ErrAccountLocked = errors.New("auth: account locked")
	// ErrTenantIsolation is returned when a request targets a tenant the principal cannot reach.
	ErrTenantIsolation = errors.New("auth: tenant access denied")
	// ErrStoreUnavailable marks infrastructure failures; callers may retry.
	ErrStoreUnavailable = errors.New("auth: store unavailable")
	// ErrTokenReuse is returned when an already rotated refresh token is redeemed again.
	ErrTokenReuse = errors.New("auth: refresh token reuse detected")
)

// Refinements. Each one also matches its taxonomy parent with errors.Is.
var (
	ErrInvalidCredentials = fmt.Errorf("%w: invalid credentials", ErrAuthentication)
	ErrAccountInactive    = fmt.Errorf("%w: account inactive", ErrAuthentication)
	ErrSessionInvalid     = fmt.Errorf("%w: session invalid", ErrAuthentication)
	ErrBlockedRole        = fmt.Errorf("%w: role may not access the platform", ErrAuthorization)
	ErrNotFound           = errors.New("auth: not found")
	ErrInvalidInput       = errors.New("auth: invalid input")
	ErrConflict           = errors.New("auth: conflict")
)

// TokenErrorKind classifies token verification failures.
type TokenErrorKind int

const (
	TokenMalformed TokenErrorKind = iota + 1
	TokenExpired
	TokenInvalidSignature
	TokenWrongType
)

func (k TokenErrorKind) String() string {
	switch k {
	case TokenMalformed:
		return "malformed"
	case TokenExpired:
		return "expired"
	case TokenInvalidSignature:
		return "invalid_signature"
	case TokenWrongType:
		return "wrong_token_type"
	default:
		return "unknown"
	}
}

// Sentinels matching each TokenErrorKind.
var (
	ErrTokenMalformed        = errors.New("auth: token malformed")
	ErrTokenExpired          = errors.New("auth: token expired")
	ErrTokenInvalidSignature = errors.New("auth: token signature invalid")
	ErrTokenWrongType        = errors.New("auth: wrong token type")
)

// TokenError is returned by VerifyAccess and VerifyRefresh.
type TokenError struct {
	Kind TokenErrorKind
	Err  error
}

func (e *TokenError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: token %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("auth: token %s", e.Kind)
}

// Unwrap exposes the kind sentinel, ErrAuthentication and the cause.
func (e *TokenError) Unwrap() []error {
	errs := []error{ErrAuthentication}
	switch e.Kind {
	case TokenMalformed:
		errs = append(errs, ErrTokenMalformed)
	case TokenExpired:
		errs = append(errs, ErrTokenExpired)
	case TokenInvalidSignature:
		errs = append(errs, ErrTokenInvalidSignature)
	case TokenWrongType:
		errs = append(errs, ErrTokenWrongType)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func tokenError(kind TokenErrorKind, err error) error {
	return &TokenError{Kind: kind, Err: err}
}

// LockedError carries the lock expiry so transports can emit Retry-After.
type LockedError struct {
	Until string
}

func (e *LockedError) Error() string { return "auth: account locked until " + e.Until }

func (e *LockedError) Unwrap() error { return ErrAccountLocked }

// Unavailable wraps err as a retryable infrastructure failure.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
