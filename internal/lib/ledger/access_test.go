package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenesisAdminRequired(t *testing.T) {
	_, err := New(context.Background(), DefaultConfig())
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestGrantAndRevokeRoles(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	ctx := context.Background()
	a := l.Access

	assert.True(t, a.HasRole(admin, RoleAdmin))
	assert.False(t, a.HasRole(alice, RoleMinter))

	assert.ErrorIs(t, a.GrantRole(ctx, alice, alice, RoleAdmin), ErrUnauthorized)
	assert.ErrorIs(t, a.GrantRole(ctx, admin, alice, Role(9)), ErrInvalidRole)
	assert.ErrorIs(t, a.GrantRole(ctx, admin, "", RoleMinter), ErrInvalidIdentity)

	require.NoError(t, a.GrantRole(ctx, admin, alice, RoleMinter))
	require.NoError(t, a.GrantRole(ctx, admin, alice, RoleMinter))
	require.NoError(t, a.GrantRole(ctx, admin, alice, RoleRedeemer))
	assert.Equal(t, "minter,redeemer", a.RolesOf(alice).String())
	assert.Equal(t, []Identity{alice, minter}, a.Members(RoleMinter))

	require.NoError(t, a.RevokeRole(ctx, admin, alice, RoleMinter))
	require.NoError(t, a.RevokeRole(ctx, admin, alice, RoleMinter))
	assert.False(t, a.HasRole(alice, RoleMinter))
	assert.True(t, a.HasRole(alice, RoleRedeemer))

	assert.NoError(t, a.Require(alice, RoleRedeemer))
	err := a.Require(alice, RoleAdmin)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, 403, HTTPStatus(err))
}

func TestLastAdminCannotBeRemoved(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	ctx := context.Background()
	a := l.Access

	assert.ErrorIs(t, a.RevokeRole(ctx, admin, admin, RoleAdmin), ErrLastAdmin)

	require.NoError(t, a.GrantRole(ctx, admin, bob, RoleAdmin))
	require.NoError(t, a.RevokeRole(ctx, bob, admin, RoleAdmin))
	assert.False(t, a.HasRole(admin, RoleAdmin))
	assert.ErrorIs(t, a.GrantRole(ctx, admin, alice, RoleMinter), ErrUnauthorized)
	assert.ErrorIs(t, a.RevokeRole(ctx, bob, bob, RoleAdmin), ErrLastAdmin)
	assert.Equal(t, []Identity{bob}, a.Members(RoleAdmin))
}

func TestBlocklist(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	ctx := context.Background()
	a := l.Access

	var events []Event
	l.Bus.Subscribe(EventBlocklistUpdated, func(e Event) { events = append(events, e) })

	assert.ErrorIs(t, a.Block(ctx, alice, bob), ErrUnauthorized)
	require.NoError(t, a.Block(ctx, admin, bob))
	require.NoError(t, a.Block(ctx, admin, bob))
	assert.True(t, a.IsBlocked(bob))
	assert.Equal(t, []Identity{bob}, a.Blocked())

	require.NoError(t, a.Unblock(ctx, admin, bob))
	assert.False(t, a.IsBlocked(bob))
	assert.Len(t, events, 2)
}

func TestParseRole(t *testing.T) {
	role, err := ParseRole("Redeemer")
	require.NoError(t, err)
	assert.Equal(t, RoleRedeemer, role)

	_, err = ParseRole("root")
	assert.ErrorIs(t, err, ErrInvalidRole)
}
