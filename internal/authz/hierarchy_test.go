package authz

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func seedGroupTree(t *testing.T, store *MemoryStore, groups ...PermissionGroup) {
	t.Helper()
	for _, group := range groups {
		require.NoError(t, store.SaveGroup(context.Background(), group))
	}
}

func TestCompletePermissionsLeafOverridesAncestor(t *testing.T) {
	store := NewMemoryStore()
	seedGroupTree(t, store,
		PermissionGroup{ID: "root", OrganizationID: "org", IsActive: true, Permissions: []Permission{
			{Resource: "report", Action: "read", Priority: 10},
			{Resource: "query", Action: "read", Priority: 10},
		}},
		PermissionGroup{ID: "team", OrganizationID: "org", ParentGroupID: "root", IsActive: true, Permissions: []Permission{
			{Resource: "report", Action: "read", Priority: 90},
		}},
	)
	hierarchy := NewHierarchy(store, nil)

	perms, err := hierarchy.CompletePermissions(context.Background(), "team")
	require.NoError(t, err)
	require.Len(t, perms, 2)
	for _, perm := range perms {
		if perm.Key() == "report:read" {
			require.Equal(t, 90, perm.Priority, "ancestor grant shadowed the leaf's")
		}
	}
}

func TestCompletePermissionsSkipsInactiveAncestor(t *testing.T) {
	store := NewMemoryStore()
	seedGroupTree(t, store,
		PermissionGroup{ID: "root", OrganizationID: "org", IsActive: false, Permissions: []Permission{
			{Resource: "query", Action: "write", Priority: 10},
		}},
		PermissionGroup{ID: "team", OrganizationID: "org", ParentGroupID: "root", IsActive: true, Permissions: []Permission{
			{Resource: "report", Action: "read", Priority: 50},
		}},
	)
	hierarchy := NewHierarchy(store, nil)

	perms, err := hierarchy.CompletePermissions(context.Background(), "team")
	require.NoError(t, err)
	require.Len(t, perms, 1)
	require.Equal(t, "report:read", perms[0].Key())
}

func TestCompletePermissionsDegradesOnCycle(t *testing.T) {
	store := NewMemoryStore()
	seedGroupTree(t, store,
		PermissionGroup{ID: "a", OrganizationID: "org", ParentGroupID: "b", IsActive: true, Permissions: []Permission{
			{Resource: "x", Action: "read"},
		}},
		PermissionGroup{ID: "b", OrganizationID: "org", ParentGroupID: "a", IsActive: true, Permissions: []Permission{
			{Resource: "y", Action: "read"},
		}},
	)
	hierarchy := NewHierarchy(store, nil)

	perms, err := hierarchy.CompletePermissions(context.Background(), "a")
	require.NoError(t, err)
	require.Len(t, perms, 2)
}

func TestCompletePermissionsDegradesOnMissingParent(t *testing.T) {
	store := NewMemoryStore()
	seedGroupTree(t, store,
		PermissionGroup{ID: "lonely", OrganizationID: "org", ParentGroupID: "gone", IsActive: true, Permissions: []Permission{
			{Resource: "report", Action: "read"},
		}},
	)
	hierarchy := NewHierarchy(store, nil)

	perms, err := hierarchy.CompletePermissions(context.Background(), "lonely")
	require.NoError(t, err)
	require.Len(t, perms, 1)
}

func TestCompletePermissionsUnknownGroup(t *testing.T) {
	hierarchy := NewHierarchy(NewMemoryStore(), nil)
	_, err := hierarchy.CompletePermissions(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTreeBucketsOrphansAsRoots(t *testing.T) {
	store := NewMemoryStore()
	seedGroupTree(t, store,
		PermissionGroup{ID: "root", OrganizationID: "org", IsActive: true},
		PermissionGroup{ID: "child", OrganizationID: "org", ParentGroupID: "root", IsActive: true},
		PermissionGroup{ID: "orphan", OrganizationID: "org", ParentGroupID: "missing", IsActive: true},
		PermissionGroup{ID: "other-org", OrganizationID: "elsewhere", IsActive: true},
	)
	hierarchy := NewHierarchy(store, nil)

	nodes, err := hierarchy.Tree(context.Background(), "org")
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	require.Equal(t, "orphan", nodes[0].Group.ID)
	require.Equal(t, "root", nodes[1].Group.ID)
	require.Len(t, nodes[1].Children, 1)
	require.Equal(t, "child", nodes[1].Children[0].Group.ID)
}

func TestTreeInactiveParentPromotesChild(t *testing.T) {
	store := NewMemoryStore()
	seedGroupTree(t, store,
		PermissionGroup{ID: "dead", OrganizationID: "org", IsActive: false},
		PermissionGroup{ID: "survivor", OrganizationID: "org", ParentGroupID: "dead", IsActive: true},
	)
	hierarchy := NewHierarchy(store, nil)

	nodes, err := hierarchy.Tree(context.Background(), "org")
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	for _, node := range nodes {
		require.Empty(t, node.Children)
	}
}
