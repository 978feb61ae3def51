package authz

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/dapforge/authcore/internal/audit"
)

// recordingAuditor keeps events in memory for assertions.
type recordingAuditor struct {
	events []audit.Event
}

func (r *recordingAuditor) Record(_ context.Context, event audit.Event) error {
	r.events = append(r.events, event)
	return nil
}

func (r *recordingAuditor) outcomes(action string) []string {
	var out []string
	for _, event := range r.events {
		if event.Action == action {
			out = append(out, event.Outcome)
		}
	}
	return out
}

func newTestService(t *testing.T, store Store, opts ...ServiceOption) *Service {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewService(store, NewDecisionCache(client), nil, opts...)
}

func TestCreateRole(t *testing.T) {
	store := NewMemoryStore()
	svc := newTestService(t, store)

	role, err := svc.CreateRole(context.Background(), "tester", CreateRoleInput{
		ID:   "editor",
		Name: "Editor",
		Permissions: []Permission{
			{Resource: "doc", Action: "write", Priority: 50},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "editor", role.ID)

	_, err = svc.CreateRole(context.Background(), "tester", CreateRoleInput{ID: "editor", Name: "Editor"})
	require.ErrorIs(t, err, ErrDuplicate)
}

func TestCreateRoleRejectsMissingName(t *testing.T) {
	svc := newTestService(t, NewMemoryStore())
	_, err := svc.CreateRole(context.Background(), "tester", CreateRoleInput{ID: "x"})
	require.Error(t, err)
}

func TestCreateRoleRejectsSelfInheritance(t *testing.T) {
	svc := newTestService(t, NewMemoryStore())
	_, err := svc.CreateRole(context.Background(), "tester", CreateRoleInput{
		ID: "loop", Name: "Loop", Inherits: []string{"loop"},
	})
	require.ErrorIs(t, err, ErrCircularInheritance)
}

func TestCreateRoleRejectsUnknownInheritanceTarget(t *testing.T) {
	svc := newTestService(t, NewMemoryStore())
	_, err := svc.CreateRole(context.Background(), "tester", CreateRoleInput{
		ID: "child", Name: "Child", Inherits: []string{"ghost"},
	})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAddInheritanceRejectsCycleAndLeavesGraphUnchanged(t *testing.T) {
	store := NewMemoryStore()
	seedRoleGraph(t, store,
		Role{ID: "a", Inherits: []string{"b"}},
		Role{ID: "b", Inherits: []string{"c"}},
		Role{ID: "c"},
	)
	auditor := &recordingAuditor{}
	svc := newTestService(t, store, WithServiceAuditor(auditor))

	err := svc.AddInheritance(context.Background(), "tester", "c", "a")
	require.ErrorIs(t, err, ErrCircularInheritance)

	c, err := store.GetRole(context.Background(), "c")
	require.NoError(t, err)
	require.Empty(t, c.Inherits, "rejected edge must not be stored")
	require.Equal(t, []string{audit.OutcomeRejected}, auditor.outcomes("authz.role.inherit"))
}

func TestAddInheritanceIdempotent(t *testing.T) {
	store := NewMemoryStore()
	seedRoleGraph(t, store, Role{ID: "a"}, Role{ID: "b"})
	svc := newTestService(t, store)

	require.NoError(t, svc.AddInheritance(context.Background(), "tester", "a", "b"))
	require.NoError(t, svc.AddInheritance(context.Background(), "tester", "a", "b"))

	a, err := store.GetRole(context.Background(), "a")
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, a.Inherits)
}

func TestDeleteRoleInUse(t *testing.T) {
	store := NewMemoryStore()
	seedRoleGraph(t, store,
		Role{ID: "base"},
		Role{ID: "derived", Inherits: []string{"base"}},
	)
	svc := newTestService(t, store)

	err := svc.DeleteRole(context.Background(), "tester", "base")
	require.ErrorIs(t, err, ErrRoleInUse)

	require.NoError(t, svc.DeleteRole(context.Background(), "tester", "derived"))
	require.NoError(t, svc.DeleteRole(context.Background(), "tester", "base"))
}

func TestCreateGroupValidatesParent(t *testing.T) {
	store := NewMemoryStore()
	svc := newTestService(t, store)

	_, err := svc.CreateGroup(context.Background(), "tester", CreateGroupInput{
		ID: "root", Name: "Root", OrganizationID: "org-1",
	})
	require.NoError(t, err)

	_, err = svc.CreateGroup(context.Background(), "tester", CreateGroupInput{
		ID: "child", Name: "Child", OrganizationID: "org-2", ParentGroupID: "root",
	})
	require.ErrorIs(t, err, ErrCrossOrganization)

	_, err = svc.CreateGroup(context.Background(), "tester", CreateGroupInput{
		ID: "selfish", Name: "Selfish", OrganizationID: "org-1", ParentGroupID: "selfish",
	})
	require.ErrorIs(t, err, ErrCircularParenting)
}

func TestSetGroupParentRejectsCycle(t *testing.T) {
	store := NewMemoryStore()
	seedGroupTree(t, store,
		PermissionGroup{ID: "a", OrganizationID: "org", IsActive: true},
		PermissionGroup{ID: "b", OrganizationID: "org", ParentGroupID: "a", IsActive: true},
	)
	svc := newTestService(t, store)

	err := svc.SetGroupParent(context.Background(), "tester", "a", "b")
	require.ErrorIs(t, err, ErrCircularParenting)

	a, err := store.GetGroup(context.Background(), "a")
	require.NoError(t, err)
	require.Empty(t, a.ParentGroupID)
}

func TestSetGroupParentRejectsInactiveParent(t *testing.T) {
	store := NewMemoryStore()
	seedGroupTree(t, store,
		PermissionGroup{ID: "dead", OrganizationID: "org", IsActive: false},
		PermissionGroup{ID: "g", OrganizationID: "org", IsActive: true},
	)
	svc := newTestService(t, store)
	require.Error(t, svc.SetGroupParent(context.Background(), "tester", "g", "dead"))
}

func TestDeleteGroupRejections(t *testing.T) {
	store := NewMemoryStore()
	seedGroupTree(t, store,
		PermissionGroup{ID: "parent", OrganizationID: "org", IsActive: true},
		PermissionGroup{ID: "child", OrganizationID: "org", ParentGroupID: "parent", IsActive: true},
	)
	require.NoError(t, store.AssignGroup(context.Background(), UserGroup{UserID: "u1", GroupID: "child", AssignedAt: time.Now()}))
	svc := newTestService(t, store)

	require.ErrorIs(t, svc.DeleteGroup(context.Background(), "tester", "parent"), ErrGroupHasChildren)
	require.ErrorIs(t, svc.DeleteGroup(context.Background(), "tester", "child"), ErrGroupHasAssignedUsers)

	require.NoError(t, svc.UnassignGroup(context.Background(), "tester", "u1", "child"))
	require.NoError(t, svc.DeleteGroup(context.Background(), "tester", "child"))
	require.NoError(t, svc.DeleteGroup(context.Background(), "tester", "parent"))
}

func TestDeactivateGroupKeepsRow(t *testing.T) {
	store := NewMemoryStore()
	seedGroupTree(t, store, PermissionGroup{ID: "g", OrganizationID: "org", IsActive: true})
	svc := newTestService(t, store)

	require.NoError(t, svc.DeactivateGroup(context.Background(), "tester", "g"))
	group, err := store.GetGroup(context.Background(), "g")
	require.NoError(t, err)
	require.False(t, group.IsActive)
}

func TestAssignRoleRegistersPrincipal(t *testing.T) {
	store := NewMemoryStore()
	seedRoleGraph(t, store, Role{ID: "viewer"})
	svc := newTestService(t, store)

	require.NoError(t, svc.AssignRole(context.Background(), "tester", "new-user", "viewer"))
	roles, err := store.GetUserRoles(context.Background(), "new-user")
	require.NoError(t, err)
	require.Equal(t, []string{"viewer"}, roles)

	require.ErrorIs(t, svc.AssignRole(context.Background(), "tester", "new-user", "ghost"), ErrNotFound)
}

func TestSaveRuleValidatesType(t *testing.T) {
	svc := newTestService(t, NewMemoryStore())
	require.ErrorIs(t, svc.SaveRule(context.Background(), "tester", Rule{ID: "r", Type: "weather"}), ErrInvalidRule)
	require.NoError(t, svc.SaveRule(context.Background(), "tester", Rule{
		ID: "r", Type: RuleTypeTime, IsActive: true, Time: &TimeRule{Start: "09:00", End: "17:00"},
	}))
}

func TestMutationInvalidatesCachedDecisions(t *testing.T) {
	store := NewMemoryStore()
	seedRoleGraph(t, store, Role{ID: "starter"})
	assignUser(t, store, "u1", "starter")

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := NewDecisionCache(client)
	engine := NewEngine(store, cache, nil)
	svc := NewService(store, cache, nil)

	decision, err := engine.Check(context.Background(), "u1", "doc", "read", nil)
	require.NoError(t, err)
	require.Equal(t, ReasonNoPermission, decision.Reason)

	require.NoError(t, svc.AddRolePermission(context.Background(), "tester", "starter", Permission{
		Resource: "doc", Action: "read", Priority: 50,
	}))

	decision, err = engine.Check(context.Background(), "u1", "doc", "read", nil)
	require.NoError(t, err)
	require.True(t, decision.Allowed, "stale decision served after role mutation")
}

func TestMutationInvalidatesInheritingRoleHolders(t *testing.T) {
	store := NewMemoryStore()
	seedRoleGraph(t, store,
		Role{ID: "base"},
		Role{ID: "derived", Inherits: []string{"base"}},
	)
	assignUser(t, store, "u1", "derived")

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := NewDecisionCache(client)
	engine := NewEngine(store, cache, nil)
	svc := NewService(store, cache, nil)

	decision, err := engine.Check(context.Background(), "u1", "doc", "read", nil)
	require.NoError(t, err)
	require.Equal(t, ReasonNoPermission, decision.Reason)

	// Mutating the ancestor must reach holders of the descendant.
	require.NoError(t, svc.AddRolePermission(context.Background(), "tester", "base", Permission{
		Resource: "doc", Action: "read", Priority: 50,
	}))

	decision, err = engine.Check(context.Background(), "u1", "doc", "read", nil)
	require.NoError(t, err)
	require.True(t, decision.Allowed)
}

func TestMutationsEmitAuditEvents(t *testing.T) {
	store := NewMemoryStore()
	auditor := &recordingAuditor{}
	svc := newTestService(t, store, WithServiceAuditor(auditor))

	_, err := svc.CreateRole(context.Background(), "alice", CreateRoleInput{ID: "r1", Name: "R1"})
	require.NoError(t, err)
	require.Equal(t, []string{audit.OutcomeApplied}, auditor.outcomes("authz.role.create"))
	require.Equal(t, "alice", auditor.events[0].Actor)
}
