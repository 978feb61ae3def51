package authz

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is a complete in-memory Store. It backs unit tests and
// no-database development runs; production wiring swaps in the
// Postgres Repository behind the same interface.
type MemoryStore struct {
	mu     sync.RWMutex
	roles  map[string]Role
	groups map[string]PermissionGroup
	rules  map[string]Rule
	users  map[string]struct{}

	userRoles  map[string]map[string]UserRole
	userGroups map[string]map[string]UserGroup
	userPerms  map[string][]Permission
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		roles:      make(map[string]Role),
		groups:     make(map[string]PermissionGroup),
		rules:      make(map[string]Rule),
		users:      make(map[string]struct{}),
		userRoles:  make(map[string]map[string]UserRole),
		userGroups: make(map[string]map[string]UserGroup),
		userPerms:  make(map[string][]Permission),
	}
}

// GetRole fetches a role by ID.
func (s *MemoryStore) GetRole(_ context.Context, id string) (Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	role, ok := s.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	return cloneRole(role), nil
}

// ListRoles returns all roles ordered by ID.
func (s *MemoryStore) ListRoles(_ context.Context) ([]Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	roles := make([]Role, 0, len(s.roles))
	for _, role := range s.roles {
		roles = append(roles, cloneRole(role))
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].ID < roles[j].ID })
	return roles, nil
}

// SaveRole upserts a role.
func (s *MemoryStore) SaveRole(_ context.Context, role Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[role.ID] = cloneRole(role)
	return nil
}

// DeleteRole removes a role.
func (s *MemoryStore) DeleteRole(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[id]; !ok {
		return ErrNotFound
	}
	delete(s.roles, id)
	return nil
}

// GetGroup fetches a group by ID.
func (s *MemoryStore) GetGroup(_ context.Context, id string) (PermissionGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	group, ok := s.groups[id]
	if !ok {
		return PermissionGroup{}, ErrNotFound
	}
	return cloneGroup(group), nil
}

// ListGroups returns all groups in the organization ordered by ID.
func (s *MemoryStore) ListGroups(_ context.Context, organizationID string) ([]PermissionGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var groups []PermissionGroup
	for _, group := range s.groups {
		if group.OrganizationID == organizationID {
			groups = append(groups, cloneGroup(group))
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })
	return groups, nil
}

// SaveGroup upserts a group.
func (s *MemoryStore) SaveGroup(_ context.Context, group PermissionGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[group.ID] = cloneGroup(group)
	return nil
}

// DeleteGroup removes a group.
func (s *MemoryStore) DeleteGroup(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[id]; !ok {
		return ErrNotFound
	}
	delete(s.groups, id)
	return nil
}

// ListGroupChildren returns groups whose parent is parentID.
func (s *MemoryStore) ListGroupChildren(_ context.Context, parentID string) ([]PermissionGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var children []PermissionGroup
	for _, group := range s.groups {
		if group.ParentGroupID == parentID {
			children = append(children, cloneGroup(group))
		}
	}
	sort.Slice(children, func(i, j int) bool { return children[i].ID < children[j].ID })
	return children, nil
}

// ListGroupMembers returns user IDs directly assigned to the group.
func (s *MemoryStore) ListGroupMembers(_ context.Context, groupID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var members []string
	for userID, groups := range s.userGroups {
		if _, ok := groups[groupID]; ok {
			members = append(members, userID)
		}
	}
	sort.Strings(members)
	return members, nil
}

// EnsureUser registers a principal.
func (s *MemoryStore) EnsureUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = struct{}{}
	return nil
}

// GetUserRoles returns role IDs assigned to the user, or
// ErrUserNotFound for an unregistered principal.
func (s *MemoryStore) GetUserRoles(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.users[userID]; !ok {
		return nil, ErrUserNotFound
	}
	var ids []string
	for roleID := range s.userRoles[userID] {
		ids = append(ids, roleID)
	}
	sort.Strings(ids)
	return ids, nil
}

// GetUserGroups returns group IDs assigned to the user.
func (s *MemoryStore) GetUserGroups(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.users[userID]; !ok {
		return nil, ErrUserNotFound
	}
	var ids []string
	for groupID := range s.userGroups[userID] {
		ids = append(ids, groupID)
	}
	sort.Strings(ids)
	return ids, nil
}

// GetUserPermissions returns permissions granted directly to the user.
func (s *MemoryStore) GetUserPermissions(_ context.Context, userID string) ([]Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	perms := make([]Permission, len(s.userPerms[userID]))
	copy(perms, s.userPerms[userID])
	return perms, nil
}

// GrantUserPermission attaches a directly-assigned permission.
func (s *MemoryStore) GrantUserPermission(_ context.Context, userID string, perm Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = struct{}{}
	s.userPerms[userID] = append(s.userPerms[userID], perm)
	return nil
}

// ListRoleHolders returns user IDs holding the role directly.
func (s *MemoryStore) ListRoleHolders(_ context.Context, roleID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var holders []string
	for userID, roles := range s.userRoles {
		if _, ok := roles[roleID]; ok {
			holders = append(holders, userID)
		}
	}
	sort.Strings(holders)
	return holders, nil
}

// AssignRole links a user to a role. Idempotent.
func (s *MemoryStore) AssignRole(_ context.Context, assignment UserRole) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[assignment.UserID] = struct{}{}
	if s.userRoles[assignment.UserID] == nil {
		s.userRoles[assignment.UserID] = make(map[string]UserRole)
	}
	s.userRoles[assignment.UserID][assignment.RoleID] = assignment
	return nil
}

// UnassignRole removes a user-role link.
func (s *MemoryStore) UnassignRole(_ context.Context, userID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.userRoles[userID], roleID)
	return nil
}

// AssignGroup links a user to a group. Idempotent.
func (s *MemoryStore) AssignGroup(_ context.Context, assignment UserGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[assignment.UserID] = struct{}{}
	if s.userGroups[assignment.UserID] == nil {
		s.userGroups[assignment.UserID] = make(map[string]UserGroup)
	}
	s.userGroups[assignment.UserID][assignment.GroupID] = assignment
	return nil
}

// UnassignGroup removes a user-group link.
func (s *MemoryStore) UnassignGroup(_ context.Context, userID, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.userGroups[userID], groupID)
	return nil
}

// GetRules fetches rules by ID, skipping missing ones.
func (s *MemoryStore) GetRules(_ context.Context, ids []string) ([]Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rules []Rule
	for _, id := range ids {
		if rule, ok := s.rules[id]; ok {
			rules = append(rules, rule)
		}
	}
	return rules, nil
}

// SaveRule upserts a dynamic rule.
func (s *MemoryStore) SaveRule(_ context.Context, rule Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rule.ID] = rule
	return nil
}

func cloneRole(role Role) Role {
	out := role
	out.Permissions = make([]Permission, len(role.Permissions))
	copy(out.Permissions, role.Permissions)
	out.Inherits = make([]string, len(role.Inherits))
	copy(out.Inherits, role.Inherits)
	return out
}

func cloneGroup(group PermissionGroup) PermissionGroup {
	out := group
	out.Permissions = make([]Permission, len(group.Permissions))
	copy(out.Permissions, group.Permissions)
	return out
}
