// ABOUTME: Authenticated identity carried through request handlers
// ABOUTME: Provides WithIdentity/FromContext for propagating auth info via context

package auth

import (
	"context"
)

// Role is what a caller is allowed to do.
type Role string

const (
	RoleAgent     Role = "agent"     // human support agent: read, lock, reply, acknowledge
	RoleAdmin     Role = "admin"     // agent powers plus unlock override and archive, across organizations
	RoleChannel   Role = "channel"   // channel adapter: ensure conversations, submit customer messages
	RoleResponder Role = "responder" // external responder posting ai messages and classifications
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAgent, RoleAdmin, RoleChannel, RoleResponder:
		return true
	}
	return false
}

// Identity is the authenticated caller.
type Identity struct {
	Subject        string // agent id, adapter name or responder name
	Role           Role
	OrganizationID string // empty only for admins, who see every organization
}

// IsAdmin returns true if the caller has the admin role.
func (i *Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// HasRole reports whether the caller holds one of roles. Admins hold all of them.
func (i *Identity) HasRole(roles ...Role) bool {
	if i.IsAdmin() {
		return true
	}
	for _, r := range roles {
		if i.Role == r {
			return true
		}
	}
	return false
}

// CanAccess reports whether the caller may see records of organizationID.
func (i *Identity) CanAccess(organizationID string) bool {
	if i.IsAdmin() && i.OrganizationID == "" {
		return true
	}
	return i.OrganizationID == organizationID
}

type identityKey struct{}

// WithIdentity returns a new context with id attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the Identity from the context, returning nil if not present.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}
