package authz

import (
	"context"
	"errors"
	"log/slog"
)

// RoleSource supplies roles to the inheritance resolver.
type RoleSource interface {
	GetRole(ctx context.Context, id string) (Role, error)
}

// Resolver computes the transitive closure of permissions over the role
// inheritance graph.
type Resolver struct {
	roles  RoleSource
	logger *slog.Logger
}

// NewResolver constructs a resolver over the given role source.
func NewResolver(roles RoleSource, logger *slog.Logger) *Resolver {
	return &Resolver{roles: roles, logger: logger}
}

// Resolve accumulates the permissions of the given roles and every role
// reachable through inheritance. A single visited set spans the whole
// traversal, so diamond-shaped inheritance is walked once and a cycle
// that slipped past mutation-time checks short-circuits instead of
// looping. Traversal is iterative; inheritance depth never touches the
// call stack.
func (r *Resolver) Resolve(ctx context.Context, roles []Role) []Permission {
	visited := make(map[string]struct{}, len(roles))
	var perms []Permission
	var stack []Role
	for i := len(roles) - 1; i >= 0; i-- {
		stack = append(stack, roles[i])
	}
	for len(stack) > 0 {
		role := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := visited[role.ID]; seen {
			continue
		}
		visited[role.ID] = struct{}{}
		perms = append(perms, role.Permissions...)
		for i := len(role.Inherits) - 1; i >= 0; i-- {
			parentID := role.Inherits[i]
			if _, seen := visited[parentID]; seen {
				continue
			}
			parent, err := r.roles.GetRole(ctx, parentID)
			if err != nil {
				// A dangling inheritance edge degrades the closure, it
				// does not fail the check.
				if r.logger != nil && !errors.Is(err, ErrNotFound) {
					r.logger.Warn("load inherited role",
						slog.String("role", role.ID),
						slog.String("parent", parentID),
						slog.Any("error", err))
				}
				continue
			}
			stack = append(stack, parent)
		}
	}
	return perms
}

// Reachable reports whether target is reachable from start by following
// inheritance edges forward. Used before accepting a new edge
// "A inherits B": if A is reachable from B the edge would close a
// cycle.
func (r *Resolver) Reachable(ctx context.Context, startID, targetID string) (bool, error) {
	if startID == targetID {
		return true, nil
	}
	visited := map[string]struct{}{startID: {}}
	queue := []string{startID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		role, err := r.roles.GetRole(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return false, err
		}
		for _, parentID := range role.Inherits {
			if parentID == targetID {
				return true, nil
			}
			if _, seen := visited[parentID]; seen {
				continue
			}
			visited[parentID] = struct{}{}
			queue = append(queue, parentID)
		}
	}
	return false, nil
}
