package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bountyline/internal/domain"
	"bountyline/internal/repo"
)

func TestRoleChangesRequireAdmin(t *testing.T) {
	env := newTestEnv(t)

	requireKind(t, env.Engine.GrantRole(env.Ctx, funder, "arb-2", domain.RoleArbitrator), domain.KindAuthorization)
	requireKind(t, env.Engine.GrantRole(env.Ctx, domain.Actor{}, "arb-2", domain.RoleArbitrator), domain.KindAuthentication)
	requireKind(t, env.Engine.GrantRole(env.Ctx, admin, "arb-2", "funder"), domain.KindValidation)
	requireKind(t, env.Engine.GrantRole(env.Ctx, admin, " ", domain.RoleArbitrator), domain.KindValidation)

	require.NoError(t, env.Engine.GrantRole(env.Ctx, admin, "arb-2", domain.RoleArbitrator))
	roles, err := env.Engine.Repo.ActorRoles(env.Ctx, "arb-2")
	require.NoError(t, err)
	assert.Equal(t, []string{domain.RoleArbitrator}, roles)

	// granting twice is a no-op
	require.NoError(t, env.Engine.GrantRole(env.Ctx, admin, "arb-2", domain.RoleArbitrator))

	require.NoError(t, env.Engine.RevokeRole(env.Ctx, admin, "arb-2", domain.RoleArbitrator))
	roles, err = env.Engine.Repo.ActorRoles(env.Ctx, "arb-2")
	require.NoError(t, err)
	assert.Empty(t, roles)

	requireKind(t, env.Engine.RevokeRole(env.Ctx, admin, admin.ID, domain.RoleAdmin), domain.KindValidation)

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{Limit: 10})
	require.NoError(t, err)
	var types []string
	for _, ev := range evts {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{"rbac.role_revoked", "rbac.role_granted", "rbac.role_granted"}, types)
}

func TestAPIKeyOwnership(t *testing.T) {
	env := newTestEnv(t)

	key, secret, err := env.Engine.CreateAPIKey(env.Ctx, funder, "", "ci")
	require.NoError(t, err)
	assert.Equal(t, funderID, key.ActorID)
	assert.Contains(t, secret, "bl_")
	assert.NotEqual(t, secret, key.KeyHash)

	stored, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(secret))
	require.NoError(t, err)
	assert.Equal(t, key.ID, stored.ID)

	_, _, err = env.Engine.CreateAPIKey(env.Ctx, funder, labOwnerID, "")
	requireKind(t, err, domain.KindAuthorization)
	_, _, err = env.Engine.CreateAPIKey(env.Ctx, admin, labOwnerID, "lab")
	require.NoError(t, err)

	own, err := env.Engine.ListAPIKeys(env.Ctx, funder, funderID)
	require.NoError(t, err)
	assert.Len(t, own, 1)
	_, err = env.Engine.ListAPIKeys(env.Ctx, funder, "")
	requireKind(t, err, domain.KindAuthorization)
	all, err := env.Engine.ListAPIKeys(env.Ctx, admin, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	requireKind(t, env.Engine.DeleteAPIKey(env.Ctx, funder, key.ID), domain.KindAuthorization)
	require.NoError(t, env.Engine.DeleteAPIKey(env.Ctx, admin, key.ID))
	requireKind(t, env.Engine.DeleteAPIKey(env.Ctx, admin, key.ID), domain.KindNotFound)
}
