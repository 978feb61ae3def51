package authz

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBootstrapSeedsDefaultRoles(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, Bootstrap(context.Background(), store))

	for _, id := range []string{RoleSuperAdmin, RoleAdmin, RoleUser, RoleViewer} {
		_, err := store.GetRole(context.Background(), id)
		require.NoError(t, err, "missing seeded role %s", id)
	}

	admin, err := store.GetRole(context.Background(), RoleAdmin)
	require.NoError(t, err)
	require.Contains(t, admin.Inherits, RoleUser)
}

func TestBootstrapPreservesExistingRole(t *testing.T) {
	store := NewMemoryStore()
	custom := Role{ID: RoleViewer, Name: "Customised Viewer"}
	require.NoError(t, store.SaveRole(context.Background(), custom))

	require.NoError(t, Bootstrap(context.Background(), store))

	viewer, err := store.GetRole(context.Background(), RoleViewer)
	require.NoError(t, err)
	require.Equal(t, "Customised Viewer", viewer.Name)
}

func TestBootstrapIdempotent(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, Bootstrap(context.Background(), store))
	require.NoError(t, Bootstrap(context.Background(), store))

	roles, err := store.ListRoles(context.Background())
	require.NoError(t, err)
	require.Len(t, roles, 4)
}
