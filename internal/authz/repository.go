package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dapforge/authcore/internal/platform/db"
)

// Store is the persistence port for the engine and the admin service.
// The Postgres Repository and the in-memory store both implement it;
// resolvers only ever see this interface.
type Store interface {
	RuleSource

	GetRole(ctx context.Context, id string) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	SaveRole(ctx context.Context, role Role) error
	DeleteRole(ctx context.Context, id string) error

	GetGroup(ctx context.Context, id string) (PermissionGroup, error)
	ListGroups(ctx context.Context, organizationID string) ([]PermissionGroup, error)
	SaveGroup(ctx context.Context, group PermissionGroup) error
	DeleteGroup(ctx context.Context, id string) error
	ListGroupChildren(ctx context.Context, parentID string) ([]PermissionGroup, error)
	ListGroupMembers(ctx context.Context, groupID string) ([]string, error)

	EnsureUser(ctx context.Context, userID string) error
	GetUserRoles(ctx context.Context, userID string) ([]string, error)
	GetUserGroups(ctx context.Context, userID string) ([]string, error)
	GetUserPermissions(ctx context.Context, userID string) ([]Permission, error)
	ListRoleHolders(ctx context.Context, roleID string) ([]string, error)

	AssignRole(ctx context.Context, assignment UserRole) error
	UnassignRole(ctx context.Context, userID, roleID string) error
	AssignGroup(ctx context.Context, assignment UserGroup) error
	UnassignGroup(ctx context.Context, userID, groupID string) error

	SaveRule(ctx context.Context, rule Rule) error
}

// Repository provides PostgreSQL backed persistence. Permissions and
// rule payloads are stored as JSONB documents; inheritance edges as a
// text array on the role row.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetRole fetches a role by ID.
func (r *Repository) GetRole(ctx context.Context, id string) (Role, error) {
	row := r.pool.QueryRow(ctx, `SELECT id, name, description, permissions, inherits, created_at, updated_at FROM roles WHERE id = $1`, id)
	role, err := scanRole(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrNotFound
		}
		return Role{}, err
	}
	return role, nil
}

// ListRoles returns all roles ordered by ID.
func (r *Repository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, description, permissions, inherits, created_at, updated_at FROM roles ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// SaveRole upserts the full role document.
func (r *Repository) SaveRole(ctx context.Context, role Role) error {
	perms, err := json.Marshal(role.Permissions)
	if err != nil {
		return fmt.Errorf("authz: marshal permissions: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO roles (id, name, description, permissions, inherits, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			permissions = EXCLUDED.permissions,
			inherits = EXCLUDED.inherits,
			updated_at = EXCLUDED.updated_at`,
		role.ID, role.Name, role.Description, perms, role.Inherits, role.CreatedAt, role.UpdatedAt)
	return mapPgError(err)
}

// DeleteRole removes a role row. Referential checks live in the admin
// service, not here.
func (r *Repository) DeleteRole(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SeedRoles inserts the given roles in one transaction, skipping IDs
// that already exist. Used by bootstrap.
func (r *Repository) SeedRoles(ctx context.Context, roles []Role) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		for _, role := range roles {
			perms, err := json.Marshal(role.Permissions)
			if err != nil {
				return fmt.Errorf("authz: marshal permissions: %w", err)
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO roles (id, name, description, permissions, inherits, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (id) DO NOTHING`,
				role.ID, role.Name, role.Description, perms, role.Inherits, role.CreatedAt, role.UpdatedAt)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// GetGroup fetches a permission group by ID.
func (r *Repository) GetGroup(ctx context.Context, id string) (PermissionGroup, error) {
	row := r.pool.QueryRow(ctx, `SELECT id, name, organization_id, COALESCE(parent_group_id, ''), permissions, is_active, created_at, updated_at FROM permission_groups WHERE id = $1`, id)
	group, err := scanGroup(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PermissionGroup{}, ErrNotFound
		}
		return PermissionGroup{}, err
	}
	return group, nil
}

// ListGroups returns all groups for the organization ordered by ID.
func (r *Repository) ListGroups(ctx context.Context, organizationID string) ([]PermissionGroup, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, organization_id, COALESCE(parent_group_id, ''), permissions, is_active, created_at, updated_at FROM permission_groups WHERE organization_id = $1 ORDER BY id`, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectGroups(rows)
}

// SaveGroup upserts the full group document.
func (r *Repository) SaveGroup(ctx context.Context, group PermissionGroup) error {
	perms, err := json.Marshal(group.Permissions)
	if err != nil {
		return fmt.Errorf("authz: marshal permissions: %w", err)
	}
	var parent any
	if group.ParentGroupID != "" {
		parent = group.ParentGroupID
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO permission_groups (id, name, organization_id, parent_group_id, permissions, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			organization_id = EXCLUDED.organization_id,
			parent_group_id = EXCLUDED.parent_group_id,
			permissions = EXCLUDED.permissions,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at`,
		group.ID, group.Name, group.OrganizationID, parent, perms, group.IsActive, group.CreatedAt, group.UpdatedAt)
	return mapPgError(err)
}

// DeleteGroup removes a group row.
func (r *Repository) DeleteGroup(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM permission_groups WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListGroupChildren returns groups whose parent is parentID.
func (r *Repository) ListGroupChildren(ctx context.Context, parentID string) ([]PermissionGroup, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, organization_id, COALESCE(parent_group_id, ''), permissions, is_active, created_at, updated_at FROM permission_groups WHERE parent_group_id = $1 ORDER BY id`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectGroups(rows)
}

// ListGroupMembers returns user IDs directly assigned to the group.
func (r *Repository) ListGroupMembers(ctx context.Context, groupID string) ([]string, error) {
	return r.stringColumn(ctx, `SELECT user_id FROM user_groups WHERE group_id = $1 ORDER BY user_id`, groupID)
}

// EnsureUser registers a principal if not already present.
func (r *Repository) EnsureUser(ctx context.Context, userID string) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO principals (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, userID)
	return err
}

// GetUserRoles returns role IDs assigned to the user. Unknown
// principals yield ErrUserNotFound so checks degrade to a uniform deny.
func (r *Repository) GetUserRoles(ctx context.Context, userID string) ([]string, error) {
	if err := r.checkUser(ctx, userID); err != nil {
		return nil, err
	}
	return r.stringColumn(ctx, `SELECT role_id FROM user_roles WHERE user_id = $1 ORDER BY role_id`, userID)
}

// GetUserGroups returns group IDs assigned to the user.
func (r *Repository) GetUserGroups(ctx context.Context, userID string) ([]string, error) {
	if err := r.checkUser(ctx, userID); err != nil {
		return nil, err
	}
	return r.stringColumn(ctx, `SELECT group_id FROM user_groups WHERE user_id = $1 ORDER BY group_id`, userID)
}

// GetUserPermissions returns permissions granted directly to the user,
// outside any role or group.
func (r *Repository) GetUserPermissions(ctx context.Context, userID string) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `SELECT permission FROM user_permissions WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var perm Permission
		if err := json.Unmarshal(raw, &perm); err != nil {
			return nil, fmt.Errorf("authz: unmarshal permission: %w", err)
		}
		perms = append(perms, perm)
	}
	return perms, rows.Err()
}

// ListRoleHolders returns user IDs holding the role directly.
func (r *Repository) ListRoleHolders(ctx context.Context, roleID string) ([]string, error) {
	return r.stringColumn(ctx, `SELECT user_id FROM user_roles WHERE role_id = $1 ORDER BY user_id`, roleID)
}

// AssignRole links a user to a role. Idempotent.
func (r *Repository) AssignRole(ctx context.Context, assignment UserRole) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO user_roles (user_id, role_id, assigned_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, role_id) DO NOTHING`,
		assignment.UserID, assignment.RoleID, assignment.AssignedAt)
	return mapPgError(err)
}

// UnassignRole removes a user-role link.
func (r *Repository) UnassignRole(ctx context.Context, userID, roleID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2`, userID, roleID)
	return err
}

// AssignGroup links a user to a group. Idempotent.
func (r *Repository) AssignGroup(ctx context.Context, assignment UserGroup) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO user_groups (user_id, group_id, assigned_by, assigned_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, group_id) DO NOTHING`,
		assignment.UserID, assignment.GroupID, assignment.AssignedBy, assignment.AssignedAt)
	return mapPgError(err)
}

// UnassignGroup removes a user-group link.
func (r *Repository) UnassignGroup(ctx context.Context, userID, groupID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM user_groups WHERE user_id = $1 AND group_id = $2`, userID, groupID)
	return err
}

// GetRules fetches dynamic rules by ID. Missing IDs are skipped.
func (r *Repository) GetRules(ctx context.Context, ids []string) ([]Rule, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT payload FROM access_rules WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rules []Rule
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rule Rule
		if err := json.Unmarshal(raw, &rule); err != nil {
			return nil, fmt.Errorf("authz: unmarshal rule: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// SaveRule upserts a dynamic rule document.
func (r *Repository) SaveRule(ctx context.Context, rule Rule) error {
	payload, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("authz: marshal rule: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO access_rules (id, payload)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload`,
		rule.ID, payload)
	return err
}

func (r *Repository) checkUser(ctx context.Context, userID string) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM principals WHERE id = $1)`, userID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrUserNotFound
	}
	return nil
}

func (r *Repository) stringColumn(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRole(row rowScanner) (Role, error) {
	var role Role
	var perms []byte
	if err := row.Scan(&role.ID, &role.Name, &role.Description, &perms, &role.Inherits, &role.CreatedAt, &role.UpdatedAt); err != nil {
		return Role{}, err
	}
	if len(perms) > 0 {
		if err := json.Unmarshal(perms, &role.Permissions); err != nil {
			return Role{}, fmt.Errorf("authz: unmarshal permissions: %w", err)
		}
	}
	return role, nil
}

func scanGroup(row rowScanner) (PermissionGroup, error) {
	var group PermissionGroup
	var perms []byte
	if err := row.Scan(&group.ID, &group.Name, &group.OrganizationID, &group.ParentGroupID, &perms, &group.IsActive, &group.CreatedAt, &group.UpdatedAt); err != nil {
		return PermissionGroup{}, err
	}
	if len(perms) > 0 {
		if err := json.Unmarshal(perms, &group.Permissions); err != nil {
			return PermissionGroup{}, fmt.Errorf("authz: unmarshal permissions: %w", err)
		}
	}
	return group, nil
}

func collectGroups(rows pgx.Rows) ([]PermissionGroup, error) {
	var groups []PermissionGroup
	for rows.Next() {
		group, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}
	return groups, rows.Err()
}

func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ErrDuplicate
		case "23503":
			return ErrNotFound
		}
	}
	return err
}
