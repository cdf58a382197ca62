package record

import (
	"time"

	"github.com/google/uuid"

	"github.com/dataguardlabs/dataguard/internal/domain/errors"
)

// Permission is a single capability a grant can convey.
type Permission string

const (
	PermissionRead   Permission = "read"
	PermissionWrite  Permission = "write"
	PermissionDelete Permission = "delete"
	PermissionShare  Permission = "share"
)

// Valid reports whether p is a known permission.
func (p Permission) Valid() bool {
	switch p {
	case PermissionRead, PermissionWrite, PermissionDelete, PermissionShare:
		return true
	}
	return false
}

// AccessGrant is a time-bounded, permission-scoped authorization for a
// non-owner actor. Grants are evaluated independently; an expired grant
// is inert but is kept until revoked.
type AccessGrant struct {
	ID          uuid.UUID    `json:"id"`
	GranteeID   string       `json:"grantee_id"`
	Permissions []Permission `json:"permissions"`
	GrantedBy   string       `json:"granted_by"`
	GrantedAt   time.Time    `json:"granted_at"`
	ExpiresAt   *time.Time   `json:"expires_at,omitempty"`
}

// NewAccessGrant validates and builds a grant. An empty or unknown
// permission set is rejected rather than silently narrowed.
func NewAccessGrant(granteeID string, permissions []Permission, grantedBy string, expiresAt *time.Time) (AccessGrant, error) {
	if granteeID == "" {
		return AccessGrant{}, errors.NewValidationError("MISSING_GRANTEE_ID", "grantee ID is required")
	}
	if grantedBy == "" {
		return AccessGrant{}, errors.NewValidationError("MISSING_GRANTED_BY", "granting actor is required")
	}
	if len(permissions) == 0 {
		return AccessGrant{}, errors.NewValidationError("EMPTY_PERMISSIONS", "at least one permission is required")
	}
	for _, p := range permissions {
		if !p.Valid() {
			return AccessGrant{}, errors.NewValidationError("INVALID_PERMISSION",
				"unknown permission "+string(p))
		}
	}

	return AccessGrant{
		ID:          uuid.New(),
		GranteeID:   granteeID,
		Permissions: append([]Permission(nil), permissions...),
		GrantedBy:   grantedBy,
		GrantedAt:   time.Now().UTC(),
		ExpiresAt:   expiresAt,
	}, nil
}

// Expired reports whether the grant is past its expiry at now.
// A grant without ExpiresAt never expires.
func (g AccessGrant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && !now.Before(*g.ExpiresAt)
}

// Allows reports whether the grant's permission set contains p.
func (g AccessGrant) Allows(p Permission) bool {
	for _, have := range g.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

func (g AccessGrant) clone() AccessGrant {
	out := g
	out.Permissions = append([]Permission(nil), g.Permissions...)
	if g.ExpiresAt != nil {
		t := *g.ExpiresAt
		out.ExpiresAt = &t
	}
	return out
}
