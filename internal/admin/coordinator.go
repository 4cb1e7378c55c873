// Package admin implements the management surface: user, role, and
// permission CRUD, guarded by the service's own RBAC evaluator.
package admin

import (
	"context"
	"regexp"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/authforge/auth-service/internal/audit"
	"github.com/authforge/auth-service/internal/errdefs"
	"github.com/authforge/auth-service/internal/password"
	"github.com/authforge/auth-service/internal/rbac"
	"github.com/authforge/auth-service/internal/store"
	"github.com/authforge/auth-service/internal/token"
)

// Permission names the management surface checks against itself.
const (
	PermUsersRead   = "users:read"
	PermUsersWrite  = "users:write"
	PermRolesRead   = "roles:read"
	PermRolesWrite  = "roles:write"
	PermPermsRead   = "permissions:read"
	PermPermsWrite  = "permissions:write"
)

var emailRegex = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// UserWithRoles bundles a user with their resolved role records.
type UserWithRoles struct {
	User  *store.User
	Roles []*store.Role
}

// Coordinator executes admin operations after checking the actor's own
// permissions. Reading or updating your own account needs no grant.
type Coordinator struct {
	store     store.Store
	vault     *password.Vault
	evaluator *rbac.Evaluator
	cache     *rbac.Cache
	tokens    *token.Service
	audit     *audit.Logger
	logger    *zap.Logger
}

// New creates a Coordinator.
func New(st store.Store, vault *password.Vault, evaluator *rbac.Evaluator, cache *rbac.Cache, tokens *token.Service, auditLog *audit.Logger, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		store:     st,
		vault:     vault,
		evaluator: evaluator,
		cache:     cache,
		tokens:    tokens,
		audit:     auditLog,
		logger:    logger,
	}
}

// --- users ---

// CreateUser registers a new account with the given roles.
func (c *Coordinator) CreateUser(ctx context.Context, actorID, email, plaintext string, roleIDs []string) (*UserWithRoles, error) {
	if err := c.evaluator.Require(ctx, actorID, PermUsersWrite); err != nil {
		return nil, err
	}
	if !emailRegex.MatchString(email) {
		return nil, errdefs.Validation("invalid email address").WithDetail("email", email)
	}
	if err := password.ValidatePolicy(plaintext); err != nil {
		return nil, err
	}

	hash, err := c.vault.Hash(plaintext)
	if err != nil {
		return nil, err
	}

	user := &store.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		IsActive:     true,
		RoleIDs:      roleIDs,
	}

	err = c.store.Do(ctx, func(ctx context.Context) error {
		if err := c.requireRoles(ctx, roleIDs); err != nil {
			return err
		}
		return c.store.Users().Create(ctx, user)
	})
	if err != nil {
		return nil, err
	}

	c.record(ctx, audit.EventUserCreated, actorID, user.ID, map[string]interface{}{"email": email})
	return c.withRoles(ctx, user)
}

// GetUser returns a user. Any user may read their own record.
func (c *Coordinator) GetUser(ctx context.Context, actorID, userID string) (*UserWithRoles, error) {
	if actorID != userID {
		if err := c.evaluator.Require(ctx, actorID, PermUsersRead); err != nil {
			return nil, err
		}
	}
	user, err := c.store.Users().GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return c.withRoles(ctx, user)
}

// ListUsers pages through all accounts.
func (c *Coordinator) ListUsers(ctx context.Context, actorID string, p store.Pagination) ([]*UserWithRoles, int, error) {
	if err := c.evaluator.Require(ctx, actorID, PermUsersRead); err != nil {
		return nil, 0, err
	}
	users, total, err := c.store.Users().List(ctx, p)
	if err != nil {
		return nil, 0, err
	}
	out := make([]*UserWithRoles, 0, len(users))
	for _, u := range users {
		uw, err := c.withRoles(ctx, u)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, uw)
	}
	return out, total, nil
}

// UserUpdate holds mutable user fields; nil means leave unchanged.
type UserUpdate struct {
	Email    *string
	IsActive *bool
}

// UpdateUser modifies account fields. Deactivating an account also revokes
// its refresh tokens so it cannot keep rotating.
func (c *Coordinator) UpdateUser(ctx context.Context, actorID, userID string, update UserUpdate) (*UserWithRoles, error) {
	if err := c.evaluator.Require(ctx, actorID, PermUsersWrite); err != nil {
		return nil, err
	}

	var user *store.User
	err := c.store.Do(ctx, func(ctx context.Context) error {
		var err error
		user, err = c.store.Users().GetByID(ctx, userID)
		if err != nil {
			return err
		}
		if update.Email != nil {
			if !emailRegex.MatchString(*update.Email) {
				return errdefs.Validation("invalid email address").WithDetail("email", *update.Email)
			}
			user.Email = *update.Email
		}
		if update.IsActive != nil {
			user.IsActive = *update.IsActive
		}
		return c.store.Users().Update(ctx, user)
	})
	if err != nil {
		return nil, err
	}

	if update.IsActive != nil && !*update.IsActive {
		if _, err := c.tokens.RevokeAllRefresh(ctx, userID); err != nil {
			c.logger.Error("Failed to revoke tokens for deactivated user", zap.Error(err))
		}
	}

	c.record(ctx, audit.EventUserUpdated, actorID, userID, nil)
	return c.withRoles(ctx, user)
}

// DeleteUser removes the account, its sessions, and its live tokens.
func (c *Coordinator) DeleteUser(ctx context.Context, actorID, userID string) error {
	if err := c.evaluator.Require(ctx, actorID, PermUsersWrite); err != nil {
		return err
	}
	if actorID == userID {
		return errdefs.Validation("cannot delete your own account")
	}

	err := c.store.Do(ctx, func(ctx context.Context) error {
		if err := c.store.Sessions().DeleteByUser(ctx, userID); err != nil {
			return err
		}
		return c.store.Users().Delete(ctx, userID)
	})
	if err != nil {
		return err
	}

	if _, err := c.tokens.RevokeAllRefresh(ctx, userID); err != nil {
		c.logger.Error("Failed to revoke tokens for deleted user", zap.Error(err))
	}
	c.record(ctx, audit.EventUserDeleted, actorID, userID, nil)
	return nil
}

// AssignRoles replaces the user's role set.
func (c *Coordinator) AssignRoles(ctx context.Context, actorID, userID string, roleIDs []string) (*UserWithRoles, error) {
	if err := c.evaluator.Require(ctx, actorID, PermUsersWrite); err != nil {
		return nil, err
	}

	err := c.store.Do(ctx, func(ctx context.Context) error {
		if _, err := c.store.Users().GetByID(ctx, userID); err != nil {
			return err
		}
		if err := c.requireRoles(ctx, roleIDs); err != nil {
			return err
		}
		return c.store.Users().SetRoles(ctx, userID, roleIDs)
	})
	if err != nil {
		return nil, err
	}

	c.record(ctx, audit.EventRolesAssigned, actorID, userID, map[string]interface{}{"role_ids": roleIDs})
	user, err := c.store.Users().GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return c.withRoles(ctx, user)
}

// --- roles ---

// CreateRole adds a role, optionally inheriting from a parent.
func (c *Coordinator) CreateRole(ctx context.Context, actorID, name, description string, parentID *string, permissionIDs []string) (*store.Role, error) {
	if err := c.evaluator.Require(ctx, actorID, PermRolesWrite); err != nil {
		return nil, err
	}
	if err := rbac.ValidateRoleName(name); err != nil {
		return nil, err
	}

	role := &store.Role{
		ID:            uuid.NewString(),
		Name:          name,
		Description:   description,
		ParentID:      parentID,
		PermissionIDs: permissionIDs,
	}

	err := c.store.Do(ctx, func(ctx context.Context) error {
		if parentID != nil {
			if _, err := c.store.Roles().GetByID(ctx, *parentID); err != nil {
				return err
			}
		}
		if err := c.requirePermissions(ctx, permissionIDs); err != nil {
			return err
		}
		return c.store.Roles().Create(ctx, role)
	})
	if err != nil {
		return nil, err
	}

	c.refreshHierarchy(ctx)
	c.record(ctx, audit.EventRoleCreated, actorID, role.ID, map[string]interface{}{"name": name})
	return role, nil
}

// GetRole returns one role.
func (c *Coordinator) GetRole(ctx context.Context, actorID, roleID string) (*store.Role, error) {
	if err := c.evaluator.Require(ctx, actorID, PermRolesRead); err != nil {
		return nil, err
	}
	return c.store.Roles().GetByID(ctx, roleID)
}

// ListRoles pages through all roles.
func (c *Coordinator) ListRoles(ctx context.Context, actorID string, p store.Pagination) ([]*store.Role, int, error) {
	if err := c.evaluator.Require(ctx, actorID, PermRolesRead); err != nil {
		return nil, 0, err
	}
	return c.store.Roles().List(ctx, p)
}

// RoleUpdate holds mutable role fields; nil means leave unchanged. SetParent
// distinguishes "change parent to nil" from "leave parent alone".
type RoleUpdate struct {
	Description *string
	ParentID    *string
	SetParent   bool
}

// UpdateRole changes a role's description or parent. Parent changes run the
// cycle check and invalidate the affected subtree.
func (c *Coordinator) UpdateRole(ctx context.Context, actorID, roleID string, update RoleUpdate) (*store.Role, error) {
	if err := c.evaluator.Require(ctx, actorID, PermRolesWrite); err != nil {
		return nil, err
	}

	var role *store.Role
	err := c.store.Do(ctx, func(ctx context.Context) error {
		var err error
		role, err = c.store.Roles().GetByID(ctx, roleID)
		if err != nil {
			return err
		}
		if update.Description != nil {
			role.Description = *update.Description
		}
		if update.SetParent {
			if err := rbac.ValidateParent(ctx, c.store.Roles(), roleID, update.ParentID); err != nil {
				return err
			}
			role.ParentID = update.ParentID
		}
		return c.store.Roles().Update(ctx, role)
	})
	if err != nil {
		return nil, err
	}

	c.invalidateRole(ctx, roleID)
	c.refreshHierarchy(ctx)
	c.record(ctx, audit.EventRoleUpdated, actorID, roleID, nil)
	return role, nil
}

// DeleteRole removes a role that has no children and no assigned users.
func (c *Coordinator) DeleteRole(ctx context.Context, actorID, roleID string) error {
	if err := c.evaluator.Require(ctx, actorID, PermRolesWrite); err != nil {
		return err
	}

	err := c.store.Do(ctx, func(ctx context.Context) error {
		role, err := c.store.Roles().GetByID(ctx, roleID)
		if err != nil {
			return err
		}
		if err := rbac.ValidateDelete(ctx, c.store, role); err != nil {
			return err
		}
		return c.store.Roles().Delete(ctx, roleID)
	})
	if err != nil {
		return err
	}

	c.invalidateRole(ctx, roleID)
	c.refreshHierarchy(ctx)
	c.record(ctx, audit.EventRoleDeleted, actorID, roleID, nil)
	return nil
}

// AttachPermission grants a permission to a role.
func (c *Coordinator) AttachPermission(ctx context.Context, actorID, roleID, permissionID string) error {
	if err := c.evaluator.Require(ctx, actorID, PermRolesWrite); err != nil {
		return err
	}

	err := c.store.Do(ctx, func(ctx context.Context) error {
		if _, err := c.store.Roles().GetByID(ctx, roleID); err != nil {
			return err
		}
		if _, err := c.store.Permissions().GetByID(ctx, permissionID); err != nil {
			return err
		}
		return c.store.Roles().AttachPermission(ctx, roleID, permissionID)
	})
	if err != nil {
		return err
	}

	c.invalidateRole(ctx, roleID)
	c.record(ctx, audit.EventPermissionChange, actorID, roleID, map[string]interface{}{
		"permission_id": permissionID, "op": "attach",
	})
	return nil
}

// DetachPermission removes a grant from a role.
func (c *Coordinator) DetachPermission(ctx context.Context, actorID, roleID, permissionID string) error {
	if err := c.evaluator.Require(ctx, actorID, PermRolesWrite); err != nil {
		return err
	}
	if err := c.store.Roles().DetachPermission(ctx, roleID, permissionID); err != nil {
		return err
	}

	c.invalidateRole(ctx, roleID)
	c.record(ctx, audit.EventPermissionChange, actorID, roleID, map[string]interface{}{
		"permission_id": permissionID, "op": "detach",
	})
	return nil
}

// --- permissions ---

// CreatePermission adds a scope:action capability to the catalog.
func (c *Coordinator) CreatePermission(ctx context.Context, actorID, name, description string) (*store.Permission, error) {
	if err := c.evaluator.Require(ctx, actorID, PermPermsWrite); err != nil {
		return nil, err
	}
	if err := rbac.ValidatePermissionName(name); err != nil {
		return nil, err
	}

	perm := &store.Permission{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
	}
	if err := c.store.Permissions().Create(ctx, perm); err != nil {
		return nil, err
	}
	return perm, nil
}

// GetPermission returns one catalog entry.
func (c *Coordinator) GetPermission(ctx context.Context, actorID, permissionID string) (*store.Permission, error) {
	if err := c.evaluator.Require(ctx, actorID, PermPermsRead); err != nil {
		return nil, err
	}
	return c.store.Permissions().GetByID(ctx, permissionID)
}

// UpdatePermission edits a capability's description. The name is immutable;
// renaming would silently re-scope every role holding the permission.
func (c *Coordinator) UpdatePermission(ctx context.Context, actorID, permissionID, description string) (*store.Permission, error) {
	if err := c.evaluator.Require(ctx, actorID, PermPermsWrite); err != nil {
		return nil, err
	}

	perm, err := c.store.Permissions().GetByID(ctx, permissionID)
	if err != nil {
		return nil, err
	}
	perm.Description = description
	if err := c.store.Permissions().Update(ctx, perm); err != nil {
		return nil, err
	}
	return perm, nil
}

// ListPermissions pages through the catalog.
func (c *Coordinator) ListPermissions(ctx context.Context, actorID string, p store.Pagination) ([]*store.Permission, int, error) {
	if err := c.evaluator.Require(ctx, actorID, PermPermsRead); err != nil {
		return nil, 0, err
	}
	return c.store.Permissions().List(ctx, p)
}

// DeletePermission removes a capability. Any role's expansion may have
// included it, so the whole cache is flushed.
func (c *Coordinator) DeletePermission(ctx context.Context, actorID, permissionID string) error {
	if err := c.evaluator.Require(ctx, actorID, PermPermsWrite); err != nil {
		return err
	}
	if err := c.store.Permissions().Delete(ctx, permissionID); err != nil {
		return err
	}
	if err := c.cache.InvalidateAll(ctx); err != nil {
		c.logger.Warn("Permission cache flush failed", zap.Error(err))
	}
	return nil
}

// --- helpers ---

func (c *Coordinator) withRoles(ctx context.Context, user *store.User) (*UserWithRoles, error) {
	roles := make([]*store.Role, 0, len(user.RoleIDs))
	for _, id := range user.RoleIDs {
		role, err := c.store.Roles().GetByID(ctx, id)
		if err != nil {
			if errdefs.IsCode(err, errdefs.CodeNotFound) {
				continue
			}
			return nil, err
		}
		roles = append(roles, role)
	}
	return &UserWithRoles{User: user, Roles: roles}, nil
}

func (c *Coordinator) requireRoles(ctx context.Context, roleIDs []string) error {
	for _, id := range roleIDs {
		if _, err := c.store.Roles().GetByID(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) requirePermissions(ctx context.Context, permissionIDs []string) error {
	for _, id := range permissionIDs {
		if _, err := c.store.Permissions().GetByID(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) invalidateRole(ctx context.Context, roleID string) {
	if err := c.cache.InvalidateSubtree(ctx, roleID); err != nil {
		c.logger.Warn("Permission cache invalidation failed", zap.Error(err))
	}
}

// refreshHierarchy rebuilds the descendant index after parentage changes.
func (c *Coordinator) refreshHierarchy(ctx context.Context) {
	roles, err := c.store.Roles().All(ctx)
	if err != nil {
		c.logger.Error("Failed to rebuild role hierarchy index", zap.Error(err))
		return
	}
	c.cache.RebuildIndex(roles)
}

func (c *Coordinator) record(ctx context.Context, eventType audit.EventType, actorID, subjectID string, detail map[string]interface{}) {
	if c.audit == nil {
		return
	}
	c.audit.Record(ctx, &audit.Event{
		EventType: eventType,
		ActorID:   actorID,
		SubjectID: subjectID,
		Detail:    detail,
	})
}
