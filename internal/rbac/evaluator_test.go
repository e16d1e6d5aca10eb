package rbac

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ankader/backoffice/internal/shared"
)

func TestRequirePermissionSuperUserBypassesEmptyMatrix(t *testing.T) {
	eval := NewEvaluator(nil)
	acar := &Principal{ID: 1, Role: RoleSuperUser, IsActive: true, Permissions: Permissions{}}

	for _, resource := range []string{"members", "events", "budget", "admin", "anything"} {
		for _, action := range []string{"read", "write", "delete", "publish"} {
			assert.NoError(t, eval.RequirePermission(acar, resource, action), "%s/%s", resource, action)
		}
	}
}

func TestRequirePermissionAdminDeleteDenied(t *testing.T) {
	eval := NewEvaluator(nil)

	explicit := &Principal{ID: 2, Role: RoleAdmin, Permissions: Permissions{
		"events": {"read": true, "write": true, "delete": false},
	}}
	err := eval.RequirePermission(explicit, "events", "delete")
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrForbidden)

	missing := &Principal{ID: 3, Role: RoleAdmin, Permissions: Permissions{
		"events": {"read": true},
	}}
	err = eval.RequirePermission(missing, "events", "delete")
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrForbidden)
}

func TestRequirePermissionMissingResourceIsForbidden(t *testing.T) {
	eval := NewEvaluator(nil)
	mod := &Principal{ID: 4, Role: RoleModerator, Permissions: Permissions{
		"members": {"read": true},
	}}

	err := eval.RequirePermission(mod, "budget", "read")
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrForbidden)
	assert.NotErrorIs(t, err, shared.ErrUnauthorized)

	nilMatrix := &Principal{ID: 5, Role: RoleModerator}
	assert.ErrorIs(t, eval.RequirePermission(nilMatrix, "budget", "read"), shared.ErrForbidden)
}

func TestRequirePermissionGranted(t *testing.T) {
	eval := NewEvaluator(nil)
	admin := &Principal{ID: 6, Role: RoleAdmin, Permissions: DefaultPermissions()}

	assert.NoError(t, eval.RequirePermission(admin, shared.ResourceMembers, shared.ActionWrite))
	assert.ErrorIs(t, eval.RequirePermission(admin, shared.ResourceMembers, shared.ActionDelete), shared.ErrForbidden)
	assert.ErrorIs(t, eval.RequirePermission(admin, shared.ResourceAdmin, shared.ActionRead), shared.ErrForbidden)
}

func TestRequireAuthenticated(t *testing.T) {
	eval := NewEvaluator(nil)
	assert.ErrorIs(t, eval.RequireAuthenticated(nil), shared.ErrUnauthorized)
	assert.ErrorIs(t, eval.RequirePermission(nil, "members", "read"), shared.ErrUnauthorized)
	assert.ErrorIs(t, eval.RequireRole(nil, RoleAdmin), shared.ErrUnauthorized)
	assert.NoError(t, eval.RequireAuthenticated(&Principal{ID: 1}))
}

func TestRequireRoleIsExact(t *testing.T) {
	eval := NewEvaluator(nil)
	acar := &Principal{ID: 1, Role: RoleSuperUser}
	admin := &Principal{ID: 2, Role: RoleAdmin}
	mod := &Principal{ID: 3, Role: RoleModerator}

	assert.ErrorIs(t, eval.RequireRole(acar, RoleAdmin), shared.ErrForbidden, "superuser is not implied")
	assert.NoError(t, eval.RequireRole(admin, RoleAdmin, RoleModerator))

	assert.NoError(t, eval.RequireAdmin(acar))
	assert.NoError(t, eval.RequireAdmin(admin))
	assert.ErrorIs(t, eval.RequireAdmin(mod), shared.ErrForbidden)

	assert.NoError(t, eval.RequireSuperuser(acar))
	assert.ErrorIs(t, eval.RequireSuperuser(admin), shared.ErrForbidden)
}

func TestRequireAPIKey(t *testing.T) {
	eval := NewEvaluator([]string{"ankader-api-key-2024", " development-key ", ""})

	assert.NoError(t, eval.RequireAPIKey("ankader-api-key-2024"))
	assert.NoError(t, eval.RequireAPIKey("development-key"))
	assert.ErrorIs(t, eval.RequireAPIKey(""), shared.ErrUnauthorized)
	assert.ErrorIs(t, eval.RequireAPIKey("development"), shared.ErrUnauthorized)
	assert.ErrorIs(t, eval.RequireAPIKey("development-key-extra"), shared.ErrUnauthorized)

	empty := NewEvaluator(nil)
	assert.ErrorIs(t, empty.RequireAPIKey("anything"), shared.ErrUnauthorized)
}

func TestEffectivePermissions(t *testing.T) {
	eval := NewEvaluator(nil)

	acar := eval.EffectivePermissions(&Principal{Role: RoleSuperUser})
	for _, resource := range shared.CoreResources() {
		for _, action := range shared.CoreActions() {
			assert.True(t, acar[resource][action])
		}
	}

	mod := eval.EffectivePermissions(&Principal{Role: RoleModerator, Permissions: Permissions{"events": {"read": true}}})
	assert.True(t, mod["events"]["read"])
	assert.False(t, mod["events"]["write"])
	assert.False(t, mod["budget"]["read"])
}

func TestParseRole(t *testing.T) {
	role, ok := ParseRole("ACAR")
	assert.True(t, ok)
	assert.Equal(t, RoleSuperUser, role)

	_, ok = ParseRole("acar")
	assert.False(t, ok)
	_, ok = ParseRole("owner")
	assert.False(t, ok)
}

func TestPrincipalContext(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, PrincipalFromContext(ctx))

	p := &Principal{ID: 9}
	ctx = ContextWithPrincipal(ctx, p)
	assert.Same(t, p, PrincipalFromContext(ctx))
}
