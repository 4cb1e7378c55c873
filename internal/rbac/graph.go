package rbac

import (
	"context"

	"github.com/authforge/auth-service/internal/errdefs"
	"github.com/authforge/auth-service/internal/store"
)

// ValidateParent rejects a parent assignment that would close a cycle in the
// role hierarchy. It walks upward from the proposed parent; encountering the
// role itself means the assignment would make the role its own ancestor.
func ValidateParent(ctx context.Context, roles store.RoleRepository, roleID string, parentID *string) error {
	if parentID == nil {
		return nil
	}
	if *parentID == roleID {
		return errdefs.RoleCycle(roleID)
	}

	visited := make(map[string]struct{})
	current := *parentID
	for {
		if current == roleID {
			return errdefs.RoleCycle(roleID)
		}
		if _, ok := visited[current]; ok {
			// Pre-existing cycle above the proposed parent; refuse to
			// attach to it.
			return errdefs.RoleCycle(current)
		}
		visited[current] = struct{}{}

		parent, err := roles.GetByID(ctx, current)
		if err != nil {
			return err
		}
		if parent.ParentID == nil {
			return nil
		}
		current = *parent.ParentID
	}
}

// ValidateDelete rejects deleting a role that is a system role, still has
// child roles, or is still assigned to users.
func ValidateDelete(ctx context.Context, st store.Store, role *store.Role) error {
	if role.IsSystem {
		return errdefs.Validation("system roles cannot be deleted").WithDetail("role", role.Name)
	}

	children, err := st.Roles().Children(ctx, role.ID)
	if err != nil {
		return err
	}
	if len(children) > 0 {
		return errdefs.RoleInUse(role.Name).WithDetail("children", len(children))
	}

	assigned, err := st.Users().CountByRole(ctx, role.ID)
	if err != nil {
		return err
	}
	if assigned > 0 {
		return errdefs.RoleInUse(role.Name).WithDetail("assigned_users", assigned)
	}
	return nil
}
