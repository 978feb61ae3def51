package authz

import (
	"context"
	"errors"
	"log/slog"
	"sort"
)

// GroupSource supplies permission groups to the hierarchy walker.
type GroupSource interface {
	GetGroup(ctx context.Context, id string) (PermissionGroup, error)
	ListGroups(ctx context.Context, organizationID string) ([]PermissionGroup, error)
}

// Hierarchy resolves permission-group trees: the upward permission walk
// for one group and the organization-wide forest view.
type Hierarchy struct {
	groups GroupSource
	logger *slog.Logger
}

// NewHierarchy constructs a hierarchy resolver.
func NewHierarchy(groups GroupSource, logger *slog.Logger) *Hierarchy {
	return &Hierarchy{groups: groups, logger: logger}
}

// CompletePermissions walks from the group to the root of its tree,
// accumulating each ancestor's permissions. When an ancestor defines
// the same (resource, action) key as a descendant, the descendant wins:
// insertion is leaf-first and an already-present key is never
// overwritten. A cycle or an unloadable ancestor degrades the walk —
// the permissions gathered so far are returned, nothing is thrown.
func (h *Hierarchy) CompletePermissions(ctx context.Context, groupID string) ([]Permission, error) {
	group, err := h.groups.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	visited := map[string]struct{}{group.ID: {}}
	var perms []Permission
	current := group
	for {
		if current.IsActive {
			for _, perm := range current.Permissions {
				if _, dup := seen[perm.Key()]; dup {
					continue
				}
				seen[perm.Key()] = struct{}{}
				perms = append(perms, perm)
			}
		}
		if current.ParentGroupID == "" {
			return perms, nil
		}
		if _, looped := visited[current.ParentGroupID]; looped {
			if h.logger != nil {
				h.logger.Warn("group hierarchy cycle detected",
					slog.String("group", groupID),
					slog.String("at", current.ID))
			}
			return perms, nil
		}
		parent, err := h.groups.GetGroup(ctx, current.ParentGroupID)
		if err != nil {
			if !errors.Is(err, ErrNotFound) && h.logger != nil {
				h.logger.Warn("load parent group",
					slog.String("group", current.ID),
					slog.String("parent", current.ParentGroupID),
					slog.Any("error", err))
			}
			return perms, nil
		}
		visited[parent.ID] = struct{}{}
		current = parent
	}
}

// Tree builds the organization-wide group forest from the flat group
// list. A group whose declared parent is missing or inactive becomes a
// root; that is defined behaviour for display, not an error.
func (h *Hierarchy) Tree(ctx context.Context, organizationID string) ([]*GroupNode, error) {
	groups, err := h.groups.ListGroups(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]PermissionGroup, len(groups))
	for _, group := range groups {
		byID[group.ID] = group
	}
	children := make(map[string][]PermissionGroup)
	var roots []PermissionGroup
	for _, group := range groups {
		parent, ok := byID[group.ParentGroupID]
		if group.ParentGroupID == "" || !ok || !parent.IsActive {
			roots = append(roots, group)
			continue
		}
		children[group.ParentGroupID] = append(children[group.ParentGroupID], group)
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].ID < roots[j].ID })

	visited := make(map[string]struct{}, len(groups))
	nodes := make([]*GroupNode, 0, len(roots))
	for _, root := range roots {
		nodes = append(nodes, h.attach(root, children, visited))
	}
	return nodes, nil
}

func (h *Hierarchy) attach(group PermissionGroup, children map[string][]PermissionGroup, visited map[string]struct{}) *GroupNode {
	visited[group.ID] = struct{}{}
	node := &GroupNode{Group: group}
	kids := children[group.ID]
	sort.Slice(kids, func(i, j int) bool { return kids[i].ID < kids[j].ID })
	for _, child := range kids {
		if _, looped := visited[child.ID]; looped {
			if h.logger != nil {
				h.logger.Warn("group tree cycle detected", slog.String("group", child.ID))
			}
			continue
		}
		node.Children = append(node.Children, h.attach(child, children, visited))
	}
	return node
}
