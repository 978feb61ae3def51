package authz

import "errors"

var (
	// ErrNotFound indicates the requested role or group does not exist.
	ErrNotFound = errors.New("authz: not found")
	// ErrUserNotFound indicates the principal is unknown to the store.
	ErrUserNotFound = errors.New("authz: user not found")
	// ErrDuplicate indicates a role or group with the same ID exists.
	ErrDuplicate = errors.New("authz: already exists")
	// ErrCircularInheritance rejects a role inheritance edge that would
	// close a cycle. The graph is left unchanged.
	ErrCircularInheritance = errors.New("authz: circular inheritance")
	// ErrCircularParenting rejects a group parent that would close a
	// cycle in the group tree.
	ErrCircularParenting = errors.New("authz: circular parenting")
	// ErrRoleInUse rejects deleting a role still listed as an
	// inheritance target by another role.
	ErrRoleInUse = errors.New("authz: role in use")
	// ErrGroupHasChildren rejects hard-deleting a group with child
	// groups; soft-delete instead.
	ErrGroupHasChildren = errors.New("authz: group has children")
	// ErrGroupHasAssignedUsers rejects hard-deleting a group with user
	// assignments; soft-delete instead.
	ErrGroupHasAssignedUsers = errors.New("authz: group has assigned users")
	// ErrCrossOrganization rejects parenting a group under a group from
	// another organization.
	ErrCrossOrganization = errors.New("authz: cross-organization parent")
	// ErrInvalidRule rejects saving a dynamic rule with an unknown type.
	ErrInvalidRule = errors.New("authz: invalid rule")
	// ErrCacheUnavailable is internal; the engine falls back to direct
	// computation and never surfaces it to callers.
	ErrCacheUnavailable = errors.New("authz: cache unavailable")
)
