package authz

import "time"

// Wildcard matches any resource or action in a permission slot.
const Wildcard = "*"

// Permission is an atomic grant of (resource, action) with optional
// conditions. It is immutable once constructed; Conditions and Priority
// may differ between owners of the same (resource, action) key.
type Permission struct {
	Resource   string         `json:"resource"`
	Action     string         `json:"action"`
	Conditions map[string]any `json:"conditions,omitempty"`
	Priority   int            `json:"priority"`
}

// Key returns the identity key of the permission within its owner.
func (p Permission) Key() string {
	return p.Resource + ":" + p.Action
}

// Matches reports whether the permission covers the requested resource
// and action, honouring wildcards on either slot.
func (p Permission) Matches(resource, action string) bool {
	if p.Resource != Wildcard && p.Resource != resource {
		return false
	}
	if p.Action != Wildcard && p.Action != action {
		return false
	}
	return true
}

// Conditional reports whether the grant carries any conditions.
func (p Permission) Conditional() bool {
	return len(p.Conditions) > 0
}

// Role is a named permission set plus the roles it inherits from. The
// inherits relation over role IDs must stay acyclic; mutations enforce
// this before an edge is accepted.
type Role struct {
	ID          string
	Name        string
	Description string
	Permissions []Permission
	Inherits    []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PermissionGroup is an organization-scoped node in a group tree. A
// group carries its own permission set and inherits the rest from its
// ancestors. Groups are soft-deleted (IsActive=false) while children or
// user assignments still reference them.
type PermissionGroup struct {
	ID             string
	Name           string
	OrganizationID string
	ParentGroupID  string
	Permissions    []Permission
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// GroupNode is a group with its resolved children, used for the
// organization-wide hierarchy view.
type GroupNode struct {
	Group    PermissionGroup `json:"group"`
	Children []*GroupNode    `json:"children,omitempty"`
}

// UserRole links a user to a role.
type UserRole struct {
	UserID     string
	RoleID     string
	AssignedAt time.Time
}

// UserGroup links a user to a permission group.
type UserGroup struct {
	UserID     string
	GroupID    string
	AssignedBy string
	AssignedAt time.Time
}

// Reason classifies the outcome of a permission check.
type Reason string

const (
	// ReasonGranted means an unconditional grant matched.
	ReasonGranted Reason = "PERMISSION_GRANTED"
	// ReasonConditionalGranted means a conditional grant matched and its
	// conditions were satisfied by the request context.
	ReasonConditionalGranted Reason = "CONDITIONAL_PERMISSION_GRANTED"
	// ReasonNoPermission means no grant covers the (resource, action).
	ReasonNoPermission Reason = "NO_PERMISSION"
	// ReasonConditionsNotMet means grants matched but every one failed
	// its conditions against the request context.
	ReasonConditionsNotMet Reason = "CONDITIONS_NOT_MET"
	// ReasonUserNotFound means the principal is unknown; treated as a
	// deny so batch results stay uniform.
	ReasonUserNotFound Reason = "USER_NOT_FOUND"
	// ReasonCheckError marks an operation that failed unexpectedly
	// inside a batch; it never aborts the batch.
	ReasonCheckError Reason = "CHECK_ERROR"
)

// Decision is the result of a permission check. Decisions are values,
// never errors; denial outcomes compose without exception-driven
// control flow. Cached transiently, never persisted.
type Decision struct {
	Allowed bool        `json:"allowed"`
	Reason  Reason      `json:"reason"`
	Matched *Permission `json:"matched,omitempty"`
}

// Context carries session-derived request attributes supplied by the
// identity layer (user id, organization, client IP, device
// fingerprint, resource ownership). The engine trusts these values and
// does not re-authenticate them.
type Context map[string]any

// Well-known context keys.
const (
	CtxUserID             = "userId"
	CtxResourceOwnerID    = "resourceOwnerId"
	CtxOrganizationID     = "organizationId"
	CtxUserOrganizationID = "userOrganizationId"
	CtxClientIP           = "clientIp"
	CtxDeviceFingerprint  = "deviceFingerprint"
	CtxCountry            = "country"
	CtxRegion             = "region"
	CtxCity               = "city"
)

// String returns the context value for key when it is a string.
func (c Context) String(key string) string {
	if c == nil {
		return ""
	}
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

// Operation is a single entry in a batch pre-check.
type Operation struct {
	Resource string  `json:"resource"`
	Action   string  `json:"action"`
	Context  Context `json:"context,omitempty"`
}

// Key identifies the operation inside a batch result map. The context
// hash is folded in so two operations on the same resource and action
// with different contexts keep distinct result entries.
func (o Operation) Key() string {
	key := o.Resource + ":" + o.Action
	if len(o.Context) > 0 {
		key += "#" + HashContext(o.Context)
	}
	return key
}
