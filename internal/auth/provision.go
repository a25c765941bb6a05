package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"edunexus.org/internal/ids"
)

// NewPrincipal is the input of Provision.
type NewPrincipal struct {
	Email    string
	Password string
	Role     Role
	TenantID string
	Status   Status
}

// Provision validates np against the registry and persists a new principal.
// Platform-wide roles have no home tenant; every other role requires one.
func Provision(ctx context.Context, store PrincipalStore, registry *Registry, np NewPrincipal) (*Principal, error) {
	email := strings.ToLower(strings.TrimSpace(np.Email))
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, fmt.Errorf("%w: invalid email", ErrInvalidInput)
	}
	if len(np.Password) < minPasswordLen {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLen)
	}
	if !registry.Known(np.Role) {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, np.Role)
	}
	tenant := strings.TrimSpace(np.TenantID)
	switch {
	case registry.IsPlatformWide(np.Role) && tenant != "":
		return nil, fmt.Errorf("%w: platform-wide role %q cannot have a home tenant", ErrInvalidInput, np.Role)
	case !registry.IsPlatformWide(np.Role) && tenant == "":
		return nil, fmt.Errorf("%w: role %q requires a home tenant", ErrInvalidInput, np.Role)
	}
	status := np.Status
	if status == "" {
		status = StatusActive
	}
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	hash, err := HashPassword(np.Password)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	p := &Principal{
		ID:           ids.New(),
		TenantID:     tenant,
		Email:        email,
		PasswordHash: hash,
		Role:         np.Role,
		Status:       status,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := store.Create(ctx, p); err != nil {
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrInvalidInput) {
			return nil, err
		}
		return nil, Unavailable("create principal", err)
	}
	return p, nil
}
