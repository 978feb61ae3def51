package authz

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func seedRoleGraph(t *testing.T, store *MemoryStore, roles ...Role) {
	t.Helper()
	for _, role := range roles {
		require.NoError(t, store.SaveRole(context.Background(), role))
	}
}

func TestResolveIncludesInheritedPermissions(t *testing.T) {
	store := NewMemoryStore()
	seedRoleGraph(t, store,
		Role{ID: "viewer", Permissions: []Permission{{Resource: "report", Action: "read", Priority: 10}}},
		Role{ID: "editor", Permissions: []Permission{{Resource: "report", Action: "write", Priority: 50}}, Inherits: []string{"viewer"}},
	)
	resolver := NewResolver(store, nil)

	editor, err := store.GetRole(context.Background(), "editor")
	require.NoError(t, err)
	perms := resolver.Resolve(context.Background(), []Role{editor})

	keys := make(map[string]bool, len(perms))
	for _, perm := range perms {
		keys[perm.Key()] = true
	}
	require.True(t, keys["report:write"])
	require.True(t, keys["report:read"], "inherited permission missing from closure")
}

func TestResolveDiamondVisitsSharedAncestorOnce(t *testing.T) {
	store := NewMemoryStore()
	seedRoleGraph(t, store,
		Role{ID: "base", Permissions: []Permission{{Resource: "query", Action: "read", Priority: 10}}},
		Role{ID: "left", Inherits: []string{"base"}},
		Role{ID: "right", Inherits: []string{"base"}},
		Role{ID: "top", Inherits: []string{"left", "right"}},
	)
	resolver := NewResolver(store, nil)

	top, err := store.GetRole(context.Background(), "top")
	require.NoError(t, err)
	perms := resolver.Resolve(context.Background(), []Role{top})

	count := 0
	for _, perm := range perms {
		if perm.Key() == "query:read" {
			count++
		}
	}
	require.Equal(t, 1, count, "shared ancestor permissions duplicated")
}

func TestResolveTerminatesOnCycle(t *testing.T) {
	store := NewMemoryStore()
	seedRoleGraph(t, store,
		Role{ID: "a", Permissions: []Permission{{Resource: "x", Action: "read"}}, Inherits: []string{"b"}},
		Role{ID: "b", Permissions: []Permission{{Resource: "y", Action: "read"}}, Inherits: []string{"a"}},
	)
	resolver := NewResolver(store, nil)

	a, err := store.GetRole(context.Background(), "a")
	require.NoError(t, err)
	perms := resolver.Resolve(context.Background(), []Role{a})
	require.Len(t, perms, 2)
}

func TestResolveSkipsDanglingEdge(t *testing.T) {
	store := NewMemoryStore()
	seedRoleGraph(t, store,
		Role{ID: "orphaned", Permissions: []Permission{{Resource: "q", Action: "read"}}, Inherits: []string{"gone"}},
	)
	resolver := NewResolver(store, nil)

	role, err := store.GetRole(context.Background(), "orphaned")
	require.NoError(t, err)
	perms := resolver.Resolve(context.Background(), []Role{role})
	require.Len(t, perms, 1)
}

func TestReachable(t *testing.T) {
	store := NewMemoryStore()
	seedRoleGraph(t, store,
		Role{ID: "c", Inherits: []string{"b"}},
		Role{ID: "b", Inherits: []string{"a"}},
		Role{ID: "a"},
	)
	resolver := NewResolver(store, nil)

	reachable, err := resolver.Reachable(context.Background(), "c", "a")
	require.NoError(t, err)
	require.True(t, reachable)

	reachable, err = resolver.Reachable(context.Background(), "a", "c")
	require.NoError(t, err)
	require.False(t, reachable)

	reachable, err = resolver.Reachable(context.Background(), "a", "a")
	require.NoError(t, err)
	require.True(t, reachable)
}
