package authz

import (
	"context"
	"errors"
	"time"
)

// Predefined role IDs seeded at system bootstrap.
const (
	RoleSuperAdmin = "super-admin"
	RoleAdmin      = "admin"
	RoleUser       = "user"
	RoleViewer     = "viewer"
)

// DefaultRoles returns the predefined role set. super-admin holds the
// unconditional wildcard; admin manages users and content inside its
// organization; user works with its own queries and reports; viewer is
// read-only.
func DefaultRoles(now time.Time) []Role {
	return []Role{
		{
			ID:          RoleSuperAdmin,
			Name:        "Super Administrator",
			Description: "Unrestricted access to every resource.",
			Permissions: []Permission{
				{Resource: Wildcard, Action: Wildcard, Priority: 100},
			},
			CreatedAt: now,
			UpdatedAt: now,
		},
		{
			ID:          RoleAdmin,
			Name:        "Administrator",
			Description: "Manages users, roles and content within the organization.",
			Permissions: []Permission{
				{Resource: "user", Action: "manage", Conditions: map[string]any{"organization_only": true}, Priority: 80},
				{Resource: "query", Action: Wildcard, Conditions: map[string]any{"organization_only": true}, Priority: 80},
				{Resource: "report", Action: Wildcard, Conditions: map[string]any{"organization_only": true}, Priority: 80},
				{Resource: "system", Action: "read", Priority: 80},
			},
			Inherits:  []string{RoleUser},
			CreatedAt: now,
			UpdatedAt: now,
		},
		{
			ID:          RoleUser,
			Name:        "User",
			Description: "Creates queries and reports; edits only its own.",
			Permissions: []Permission{
				{Resource: "query", Action: "read", Priority: 50},
				{Resource: "query", Action: "write", Conditions: map[string]any{"own_only": true}, Priority: 50},
				{Resource: "report", Action: "read", Priority: 50},
				{Resource: "report", Action: "write", Conditions: map[string]any{"own_only": true}, Priority: 50},
				{Resource: "report", Action: "delete", Conditions: map[string]any{"own_only": true}, Priority: 50},
			},
			Inherits:  []string{RoleViewer},
			CreatedAt: now,
			UpdatedAt: now,
		},
		{
			ID:          RoleViewer,
			Name:        "Viewer",
			Description: "Read-only access to queries and reports.",
			Permissions: []Permission{
				{Resource: "query", Action: "read", Priority: 10},
				{Resource: "report", Action: "read", Priority: 10},
			},
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
}

// roleSeeder is implemented by stores that can insert a role batch
// atomically.
type roleSeeder interface {
	SeedRoles(ctx context.Context, roles []Role) error
}

// Bootstrap seeds the predefined roles into the store, leaving existing
// roles with the same IDs untouched.
func Bootstrap(ctx context.Context, store Store) error {
	roles := DefaultRoles(time.Now().UTC())
	if seeder, ok := store.(roleSeeder); ok {
		return seeder.SeedRoles(ctx, roles)
	}
	for _, role := range roles {
		_, err := store.GetRole(ctx, role.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := store.SaveRole(ctx, role); err != nil {
			return err
		}
	}
	return nil
}
