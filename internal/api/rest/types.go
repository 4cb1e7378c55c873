package rest

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/authforge/auth-service/internal/admin"
	"github.com/authforge/auth-service/internal/errdefs"
	"github.com/authforge/auth-service/internal/store"
)

// LoginRequest is the POST /auth/login body.
type LoginRequest struct {
	Email        string `json:"email" binding:"required"`
	Password     string `json:"password" binding:"required"`
	MFACode      string `json:"mfa_code"`
	RecoveryCode string `json:"recovery_code"`
}

// RefreshRequest is the POST /auth/refresh body.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// LogoutRequest is the POST /auth/logout body.
type LogoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// MFAVerifyRequest is the POST /auth/mfa/verify body.
type MFAVerifyRequest struct {
	Code string `json:"code" binding:"required"`
}

// ChangePasswordRequest is the POST /auth/password/change body.
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" binding:"required"`
	NewPassword     string `json:"new_password" binding:"required"`
}

// CreateUserRequest is the POST /users body.
type CreateUserRequest struct {
	Email    string   `json:"email" binding:"required"`
	Password string   `json:"password" binding:"required"`
	RoleIDs  []string `json:"role_ids"`
}

// UpdateUserRequest is the PATCH /users/:id body.
type UpdateUserRequest struct {
	Email    *string `json:"email"`
	IsActive *bool   `json:"is_active"`
}

// AssignRolesRequest is the PUT /users/:id/roles body.
type AssignRolesRequest struct {
	RoleIDs []string `json:"role_ids" binding:"required"`
}

// CreateRoleRequest is the POST /roles body.
type CreateRoleRequest struct {
	Name          string   `json:"name" binding:"required"`
	Description   string   `json:"description"`
	ParentID      *string  `json:"parent_id"`
	PermissionIDs []string `json:"permission_ids"`
}

// UpdateRoleRequest is the PATCH /roles/:id body. Setting clear_parent
// detaches the role from its parent; otherwise parent_id, when present,
// becomes the new parent.
type UpdateRoleRequest struct {
	Description *string `json:"description"`
	ParentID    *string `json:"parent_id"`
	ClearParent bool    `json:"clear_parent"`
}

// CreatePermissionRequest is the POST /permissions body.
type CreatePermissionRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

// UpdatePermissionRequest is the PATCH /permissions/:id body. Only the
// description is mutable.
type UpdatePermissionRequest struct {
	Description *string `json:"description" binding:"required"`
}

// RoleResponse is the wire shape of a role.
type RoleResponse struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	ParentID      *string   `json:"parent_id,omitempty"`
	IsSystem      bool      `json:"is_system"`
	PermissionIDs []string  `json:"permission_ids"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// UserResponse is the wire shape of a user, roles nested in full.
type UserResponse struct {
	ID            string         `json:"id"`
	Email         string         `json:"email"`
	IsActive      bool           `json:"is_active"`
	MFAEnabled    bool           `json:"mfa_enabled"`
	Roles         []RoleResponse `json:"roles"`
	PasswordSetAt time.Time      `json:"password_set_at"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// PermissionResponse is the wire shape of a permission.
type PermissionResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// MFASetupResponse returns enrollment material; shown exactly once.
type MFASetupResponse struct {
	Secret          string   `json:"secret"`
	ProvisioningURI string   `json:"provisioning_uri"`
	RecoveryCodes   []string `json:"recovery_codes"`
}

// ListMeta carries pagination info on list responses.
type ListMeta struct {
	Total  int `json:"total"`
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func toRoleResponse(r *store.Role) RoleResponse {
	perms := r.PermissionIDs
	if perms == nil {
		perms = []string{}
	}
	return RoleResponse{
		ID:            r.ID,
		Name:          r.Name,
		Description:   r.Description,
		ParentID:      r.ParentID,
		IsSystem:      r.IsSystem,
		PermissionIDs: perms,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

func toUserResponse(uw *admin.UserWithRoles) UserResponse {
	roles := make([]RoleResponse, 0, len(uw.Roles))
	for _, r := range uw.Roles {
		roles = append(roles, toRoleResponse(r))
	}
	return UserResponse{
		ID:            uw.User.ID,
		Email:         uw.User.Email,
		IsActive:      uw.User.IsActive,
		MFAEnabled:    uw.User.MFAEnabled,
		Roles:         roles,
		PasswordSetAt: uw.User.PasswordSetAt,
		CreatedAt:     uw.User.CreatedAt,
		UpdatedAt:     uw.User.UpdatedAt,
	}
}

func toPermissionResponse(p *store.Permission) PermissionResponse {
	return PermissionResponse{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		CreatedAt:   p.CreatedAt,
	}
}

// writeError maps a taxonomy error to its HTTP shape. Lockouts and rate
// limits also emit Retry-After.
func writeError(c *gin.Context, err error) {
	var typed *errdefs.Error
	if !errors.As(err, &typed) {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   string(errdefs.CodeInternal),
			Message: "internal error",
		})
		return
	}

	if typed.Code == errdefs.CodeAccountLocked || typed.Code == errdefs.CodeRateLimited {
		if secs, ok := typed.Details["retry_after_seconds"].(int); ok {
			c.Header("Retry-After", strconv.Itoa(secs))
		}
	}
	c.JSON(typed.Status, ErrorResponse{
		Error:   string(typed.Code),
		Message: typed.Message,
		Details: typed.Details,
	})
}
