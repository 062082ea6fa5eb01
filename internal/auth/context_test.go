// ABOUTME: Unit tests for the identity carried in request contexts
// ABOUTME: Tests role checks, organization scoping, and context propagation helpers

package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentity_HasRole(t *testing.T) {
	agent := &Identity{Subject: "a", Role: RoleAgent, OrganizationID: "org-1"}
	admin := &Identity{Subject: "root", Role: RoleAdmin}

	assert.True(t, agent.HasRole(RoleAgent, RoleChannel))
	assert.False(t, agent.HasRole(RoleChannel))
	assert.True(t, admin.HasRole(RoleChannel), "admins hold every role")
	assert.False(t, agent.IsAdmin())
}

func TestIdentity_CanAccess(t *testing.T) {
	tests := []struct {
		name string
		id   Identity
		org  string
		want bool
	}{
		{"same org", Identity{Role: RoleAgent, OrganizationID: "org-1"}, "org-1", true},
		{"other org", Identity{Role: RoleAgent, OrganizationID: "org-1"}, "org-2", false},
		{"global admin", Identity{Role: RoleAdmin}, "org-2", true},
		{"org-scoped admin", Identity{Role: RoleAdmin, OrganizationID: "org-1"}, "org-2", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.id.CanAccess(tt.org))
		})
	}
}

func TestRole_Valid(t *testing.T) {
	for _, r := range []Role{RoleAgent, RoleAdmin, RoleChannel, RoleResponder} {
		assert.True(t, r.Valid(), r)
	}
	assert.False(t, Role("owner").Valid())
}

func TestFromContext(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))

	id := &Identity{Subject: "agent-1", Role: RoleAgent, OrganizationID: "org-1"}
	ctx := WithIdentity(context.Background(), id)
	assert.Same(t, id, FromContext(ctx))
}
