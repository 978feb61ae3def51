package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/dapforge/authcore/internal/audit"
)

// Service owns administrative mutations: role and group CRUD,
// inheritance edges, assignments, dynamic rules. Mutations are
// low-frequency; a single mutex serialises every graph edit so the
// acyclicity check and the edge insertion form one atomic step. Cache
// invalidation runs synchronously as part of each mutation; an
// invalidation failure is logged, never propagated.
type Service struct {
	store    Store
	cache    *DecisionCache
	resolver *Resolver
	auditor  audit.Recorder
	logger   *slog.Logger
	validate *validator.Validate
	clock    func() time.Time

	mu sync.Mutex
}

// ServiceOption customises a Service.
type ServiceOption func(*Service)

// WithServiceAuditor sets the audit sink for mutations.
func WithServiceAuditor(auditor audit.Recorder) ServiceOption {
	return func(s *Service) { s.auditor = auditor }
}

// WithServiceClock injects the time source for assignment timestamps.
func WithServiceClock(clock func() time.Time) ServiceOption {
	return func(s *Service) { s.clock = clock }
}

// NewService constructs the admin service.
func NewService(store Store, cache *DecisionCache, logger *slog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		store:    store,
		cache:    cache,
		resolver: NewResolver(store, logger),
		auditor:  audit.NopRecorder{},
		logger:   logger,
		validate: validator.New(),
		clock:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRoleInput carries the fields for a new role.
type CreateRoleInput struct {
	ID          string `validate:"omitempty,excludesall= "`
	Name        string `validate:"required"`
	Description string
	Permissions []Permission
	Inherits    []string
}

// CreateGroupInput carries the fields for a new permission group.
type CreateGroupInput struct {
	ID             string `validate:"omitempty,excludesall= "`
	Name           string `validate:"required"`
	OrganizationID string `validate:"required"`
	ParentGroupID  string
	Permissions    []Permission
}

// CreateRole registers a new role. Inheritance targets must exist; the
// new edge set is rejected if it would close a cycle.
func (s *Service) CreateRole(ctx context.Context, actor string, input CreateRoleInput) (Role, error) {
	if err := s.validate.Struct(input); err != nil {
		return Role{}, fmt.Errorf("authz: invalid role input: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := strings.TrimSpace(input.ID)
	if id == "" {
		id = uuid.NewString()
	}
	if _, err := s.store.GetRole(ctx, id); err == nil {
		return Role{}, ErrDuplicate
	} else if !errors.Is(err, ErrNotFound) {
		return Role{}, err
	}
	for _, parentID := range input.Inherits {
		if parentID == id {
			s.audit(ctx, actor, "authz.role.create", id, audit.OutcomeRejected)
			return Role{}, ErrCircularInheritance
		}
		if _, err := s.store.GetRole(ctx, parentID); err != nil {
			return Role{}, fmt.Errorf("authz: inheritance target %s: %w", parentID, err)
		}
	}
	now := s.clock()
	role := Role{
		ID:          id,
		Name:        strings.TrimSpace(input.Name),
		Description: strings.TrimSpace(input.Description),
		Permissions: input.Permissions,
		Inherits:    input.Inherits,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.SaveRole(ctx, role); err != nil {
		return Role{}, err
	}
	s.audit(ctx, actor, "authz.role.create", id, audit.OutcomeApplied)
	return role, nil
}

// UpdateRoleMeta changes a role's name and description.
func (s *Service) UpdateRoleMeta(ctx context.Context, actor, roleID, name, description string) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, errors.New("authz: role name required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return Role{}, err
	}
	role.Name = name
	role.Description = strings.TrimSpace(description)
	role.UpdatedAt = s.clock()
	if err := s.store.SaveRole(ctx, role); err != nil {
		return Role{}, err
	}
	s.audit(ctx, actor, "authz.role.update", roleID, audit.OutcomeApplied)
	return role, nil
}

// DeleteRole removes a role. Rejected with ErrRoleInUse while another
// role still inherits it.
func (s *Service) DeleteRole(ctx context.Context, actor, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.store.GetRole(ctx, roleID); err != nil {
		return err
	}
	roles, err := s.store.ListRoles(ctx)
	if err != nil {
		return err
	}
	for _, role := range roles {
		for _, parentID := range role.Inherits {
			if parentID == roleID {
				s.audit(ctx, actor, "authz.role.delete", roleID, audit.OutcomeRejected)
				return fmt.Errorf("%w: inherited by %s", ErrRoleInUse, role.ID)
			}
		}
	}
	if err := s.store.DeleteRole(ctx, roleID); err != nil {
		return err
	}
	s.invalidateRole(ctx, roleID)
	s.audit(ctx, actor, "authz.role.delete", roleID, audit.OutcomeApplied)
	return nil
}

// AddRolePermission attaches a permission to a role.
func (s *Service) AddRolePermission(ctx context.Context, actor, roleID string, perm Permission) error {
	if perm.Resource == "" || perm.Action == "" {
		return errors.New("authz: permission requires resource and action")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	role.Permissions = append(role.Permissions, perm)
	role.UpdatedAt = s.clock()
	if err := s.store.SaveRole(ctx, role); err != nil {
		return err
	}
	s.invalidateRole(ctx, roleID)
	s.audit(ctx, actor, "authz.role.permission.add", roleID+"/"+perm.Key(), audit.OutcomeApplied)
	return nil
}

// RemoveRolePermission detaches every grant with the given key from the
// role.
func (s *Service) RemoveRolePermission(ctx context.Context, actor, roleID, resource, action string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	kept := role.Permissions[:0]
	for _, perm := range role.Permissions {
		if perm.Resource == resource && perm.Action == action {
			continue
		}
		kept = append(kept, perm)
	}
	role.Permissions = kept
	role.UpdatedAt = s.clock()
	if err := s.store.SaveRole(ctx, role); err != nil {
		return err
	}
	s.invalidateRole(ctx, roleID)
	s.audit(ctx, actor, "authz.role.permission.remove", roleID+"/"+resource+":"+action, audit.OutcomeApplied)
	return nil
}

// AddInheritance adds the edge "roleID inherits parentID". The forward
// reachability check and the insertion happen under one lock, so no two
// concurrent edits can both pass their cycle check against a state the
// other is changing.
func (s *Service) AddInheritance(ctx context.Context, actor, roleID, parentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if _, err := s.store.GetRole(ctx, parentID); err != nil {
		return fmt.Errorf("authz: inheritance target %s: %w", parentID, err)
	}
	// If roleID is already reachable from parentID, the new edge would
	// close a cycle.
	reachable, err := s.resolver.Reachable(ctx, parentID, roleID)
	if err != nil {
		return err
	}
	if reachable || roleID == parentID {
		s.audit(ctx, actor, "authz.role.inherit", roleID+"->"+parentID, audit.OutcomeRejected)
		return ErrCircularInheritance
	}
	for _, existing := range role.Inherits {
		if existing == parentID {
			return nil
		}
	}
	role.Inherits = append(role.Inherits, parentID)
	role.UpdatedAt = s.clock()
	if err := s.store.SaveRole(ctx, role); err != nil {
		return err
	}
	s.invalidateRole(ctx, roleID)
	s.audit(ctx, actor, "authz.role.inherit", roleID+"->"+parentID, audit.OutcomeApplied)
	return nil
}

// RemoveInheritance drops the edge "roleID inherits parentID".
func (s *Service) RemoveInheritance(ctx context.Context, actor, roleID, parentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	kept := role.Inherits[:0]
	for _, existing := range role.Inherits {
		if existing != parentID {
			kept = append(kept, existing)
		}
	}
	role.Inherits = kept
	role.UpdatedAt = s.clock()
	if err := s.store.SaveRole(ctx, role); err != nil {
		return err
	}
	s.invalidateRole(ctx, roleID)
	s.audit(ctx, actor, "authz.role.uninherit", roleID+"->"+parentID, audit.OutcomeApplied)
	return nil
}

// CreateGroup registers a new permission group. The parent, when set,
// must exist, be active and belong to the same organization.
func (s *Service) CreateGroup(ctx context.Context, actor string, input CreateGroupInput) (PermissionGroup, error) {
	if err := s.validate.Struct(input); err != nil {
		return PermissionGroup{}, fmt.Errorf("authz: invalid group input: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := strings.TrimSpace(input.ID)
	if id == "" {
		id = uuid.NewString()
	}
	if _, err := s.store.GetGroup(ctx, id); err == nil {
		return PermissionGroup{}, ErrDuplicate
	} else if !errors.Is(err, ErrNotFound) {
		return PermissionGroup{}, err
	}
	if input.ParentGroupID != "" {
		if err := s.checkParent(ctx, id, input.ParentGroupID, input.OrganizationID); err != nil {
			s.audit(ctx, actor, "authz.group.create", id, audit.OutcomeRejected)
			return PermissionGroup{}, err
		}
	}
	now := s.clock()
	group := PermissionGroup{
		ID:             id,
		Name:           strings.TrimSpace(input.Name),
		OrganizationID: input.OrganizationID,
		ParentGroupID:  input.ParentGroupID,
		Permissions:    input.Permissions,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.SaveGroup(ctx, group); err != nil {
		return PermissionGroup{}, err
	}
	s.audit(ctx, actor, "authz.group.create", id, audit.OutcomeApplied)
	return group, nil
}

// UpdateGroupPermissions replaces a group's own permission set.
func (s *Service) UpdateGroupPermissions(ctx context.Context, actor, groupID string, perms []Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	group, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	group.Permissions = perms
	group.UpdatedAt = s.clock()
	if err := s.store.SaveGroup(ctx, group); err != nil {
		return err
	}
	s.invalidateGroup(ctx, groupID)
	s.audit(ctx, actor, "authz.group.permissions", groupID, audit.OutcomeApplied)
	return nil
}

// SetGroupParent re-points a group's parent. Same atomicity discipline
// as role inheritance: reachability check plus write under one lock.
func (s *Service) SetGroupParent(ctx context.Context, actor, groupID, parentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	group, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if parentID != "" {
		if err := s.checkParent(ctx, groupID, parentID, group.OrganizationID); err != nil {
			s.audit(ctx, actor, "authz.group.reparent", groupID+"->"+parentID, audit.OutcomeRejected)
			return err
		}
	}
	group.ParentGroupID = parentID
	group.UpdatedAt = s.clock()
	if err := s.store.SaveGroup(ctx, group); err != nil {
		return err
	}
	s.invalidateGroup(ctx, groupID)
	s.audit(ctx, actor, "authz.group.reparent", groupID+"->"+parentID, audit.OutcomeApplied)
	return nil
}

// DeactivateGroup soft-deletes a group; its permissions stop granting
// but children and assignments stay intact.
func (s *Service) DeactivateGroup(ctx context.Context, actor, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	group, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	group.IsActive = false
	group.UpdatedAt = s.clock()
	if err := s.store.SaveGroup(ctx, group); err != nil {
		return err
	}
	s.invalidateGroup(ctx, groupID)
	s.audit(ctx, actor, "authz.group.deactivate", groupID, audit.OutcomeApplied)
	return nil
}

// DeleteGroup hard-deletes a group. Rejected while child groups or user
// assignments still reference it; callers should deactivate instead.
func (s *Service) DeleteGroup(ctx context.Context, actor, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.store.GetGroup(ctx, groupID); err != nil {
		return err
	}
	children, err := s.store.ListGroupChildren(ctx, groupID)
	if err != nil {
		return err
	}
	if len(children) > 0 {
		s.audit(ctx, actor, "authz.group.delete", groupID, audit.OutcomeRejected)
		return ErrGroupHasChildren
	}
	members, err := s.store.ListGroupMembers(ctx, groupID)
	if err != nil {
		return err
	}
	if len(members) > 0 {
		s.audit(ctx, actor, "authz.group.delete", groupID, audit.OutcomeRejected)
		return ErrGroupHasAssignedUsers
	}
	if err := s.store.DeleteGroup(ctx, groupID); err != nil {
		return err
	}
	s.invalidateGroup(ctx, groupID)
	s.audit(ctx, actor, "authz.group.delete", groupID, audit.OutcomeApplied)
	return nil
}

// AssignRole links a user to a role and invalidates the user's cached
// decisions.
func (s *Service) AssignRole(ctx context.Context, actor, userID, roleID string) error {
	if _, err := s.store.GetRole(ctx, roleID); err != nil {
		return err
	}
	if err := s.store.EnsureUser(ctx, userID); err != nil {
		return err
	}
	if err := s.store.AssignRole(ctx, UserRole{UserID: userID, RoleID: roleID, AssignedAt: s.clock()}); err != nil {
		return err
	}
	s.invalidateUser(ctx, userID)
	s.audit(ctx, actor, "authz.user.role.assign", userID+"/"+roleID, audit.OutcomeApplied)
	return nil
}

// UnassignRole removes a user-role link.
func (s *Service) UnassignRole(ctx context.Context, actor, userID, roleID string) error {
	if err := s.store.UnassignRole(ctx, userID, roleID); err != nil {
		return err
	}
	s.invalidateUser(ctx, userID)
	s.audit(ctx, actor, "authz.user.role.unassign", userID+"/"+roleID, audit.OutcomeApplied)
	return nil
}

// AssignGroup links a user to a group.
func (s *Service) AssignGroup(ctx context.Context, actor, userID, groupID string) error {
	if _, err := s.store.GetGroup(ctx, groupID); err != nil {
		return err
	}
	if err := s.store.EnsureUser(ctx, userID); err != nil {
		return err
	}
	assignment := UserGroup{UserID: userID, GroupID: groupID, AssignedBy: actor, AssignedAt: s.clock()}
	if err := s.store.AssignGroup(ctx, assignment); err != nil {
		return err
	}
	s.invalidateUser(ctx, userID)
	s.audit(ctx, actor, "authz.user.group.assign", userID+"/"+groupID, audit.OutcomeApplied)
	return nil
}

// UnassignGroup removes a user-group link.
func (s *Service) UnassignGroup(ctx context.Context, actor, userID, groupID string) error {
	if err := s.store.UnassignGroup(ctx, userID, groupID); err != nil {
		return err
	}
	s.invalidateUser(ctx, userID)
	s.audit(ctx, actor, "authz.user.group.unassign", userID+"/"+groupID, audit.OutcomeApplied)
	return nil
}

// SaveRule upserts a dynamic access rule.
func (s *Service) SaveRule(ctx context.Context, actor string, rule Rule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	switch rule.Type {
	case RuleTypeTime, RuleTypeLocation, RuleTypeDevice:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidRule, rule.Type)
	}
	if err := s.store.SaveRule(ctx, rule); err != nil {
		return err
	}
	// Rules are referenced from conditions of arbitrary grants; targeted
	// invalidation is not computable, so drop everything.
	s.invalidateAll(ctx)
	s.audit(ctx, actor, "authz.rule.save", rule.ID, audit.OutcomeApplied)
	return nil
}

// checkParent validates a prospective parent for groupID.
func (s *Service) checkParent(ctx context.Context, groupID, parentID, organizationID string) error {
	if parentID == groupID {
		return ErrCircularParenting
	}
	parent, err := s.store.GetGroup(ctx, parentID)
	if err != nil {
		return fmt.Errorf("authz: parent group %s: %w", parentID, err)
	}
	if !parent.IsActive {
		return fmt.Errorf("authz: parent group %s is inactive", parentID)
	}
	if parent.OrganizationID != organizationID {
		return ErrCrossOrganization
	}
	// Walk up from the prospective parent; reaching groupID means the
	// new edge would close a cycle.
	visited := map[string]struct{}{parentID: {}}
	current := parent
	for current.ParentGroupID != "" {
		if current.ParentGroupID == groupID {
			return ErrCircularParenting
		}
		if _, seen := visited[current.ParentGroupID]; seen {
			return ErrCircularParenting
		}
		visited[current.ParentGroupID] = struct{}{}
		next, err := s.store.GetGroup(ctx, current.ParentGroupID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		current = next
	}
	return nil
}

// invalidateRole drops cached decisions for every user holding the role
// directly or through a role that inherits it.
func (s *Service) invalidateRole(ctx context.Context, roleID string) {
	affected := map[string]struct{}{roleID: {}}
	if roles, err := s.store.ListRoles(ctx); err == nil {
		// Reverse closure: keep absorbing roles that inherit any
		// affected role until the set stops growing.
		for changed := true; changed; {
			changed = false
			for _, role := range roles {
				if _, done := affected[role.ID]; done {
					continue
				}
				for _, parentID := range role.Inherits {
					if _, hit := affected[parentID]; hit {
						affected[role.ID] = struct{}{}
						changed = true
						break
					}
				}
			}
		}
	} else {
		s.warn("list roles for invalidation", err)
		s.invalidateAll(ctx)
		return
	}
	for id := range affected {
		holders, err := s.store.ListRoleHolders(ctx, id)
		if err != nil {
			s.warn("list role holders", err)
			s.invalidateAll(ctx)
			return
		}
		for _, userID := range holders {
			s.invalidateUser(ctx, userID)
		}
	}
}

// invalidateGroup drops cached decisions for members of the group and
// of every descendant group.
func (s *Service) invalidateGroup(ctx context.Context, groupID string) {
	visited := make(map[string]struct{})
	queue := []string{groupID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, seen := visited[id]; seen {
			continue
		}
		visited[id] = struct{}{}
		members, err := s.store.ListGroupMembers(ctx, id)
		if err != nil {
			s.warn("list group members", err)
			s.invalidateAll(ctx)
			return
		}
		for _, userID := range members {
			s.invalidateUser(ctx, userID)
		}
		children, err := s.store.ListGroupChildren(ctx, id)
		if err != nil {
			s.warn("list group children", err)
			s.invalidateAll(ctx)
			return
		}
		for _, child := range children {
			queue = append(queue, child.ID)
		}
	}
}

func (s *Service) invalidateUser(ctx context.Context, userID string) {
	if err := s.cache.InvalidateUser(ctx, userID); err != nil {
		s.warn("invalidate user cache", err)
	}
}

func (s *Service) invalidateAll(ctx context.Context) {
	if err := s.cache.InvalidateAll(ctx); err != nil {
		s.warn("invalidate cache", err)
	}
}

func (s *Service) audit(ctx context.Context, actor, action, target, outcome string) {
	if s.auditor == nil {
		return
	}
	if err := s.auditor.Record(ctx, audit.NewEvent(actor, action, target, outcome)); err != nil {
		s.warn("record audit event", err)
	}
}

func (s *Service) warn(msg string, err error) {
	if s.logger != nil {
		s.logger.Warn(msg, slog.Any("error", err))
	}
}
