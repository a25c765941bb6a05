package auth

import "time"

// Status is the lifecycle state of a principal.
type Status string

const (
	StatusActive      Status = "active"
	StatusDeactivated Status = "deactivated"
	StatusPending     Status = "pending"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusDeactivated, StatusPending:
		return true
	}
	return false
}

// Principal is an authenticated actor. TenantID is empty for platform-wide roles.
type Principal struct {
	ID             string
	TenantID       string
	Email          string
	PasswordHash   string
	Role           Role
	Status         Status
	FailedAttempts int
	LockedUntil    time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Session is a persisted refresh-token grant for one login/device.
type Session struct {
	ID          string
	PrincipalID string
	TokenHash   string
	DeviceInfo  string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Revoked     bool
	RevokedAt   time.Time
	// ReplacedBy is set when the session was superseded by rotation.
	ReplacedBy string
}

// RequestIdentity is the only identity object business handlers receive.
type RequestIdentity struct {
	PrincipalID  string
	Role         Role
	TenantID     string
	HomeTenantID string
	Permissions  PermissionSet
}

// Can reports whether the identity holds permission key.
func (id RequestIdentity) Can(key string) bool {
	return id.Permissions.Has(key)
}
