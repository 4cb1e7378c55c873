package rest

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/authforge/auth-service/internal/admin"
	"github.com/authforge/auth-service/internal/errdefs"
	"github.com/authforge/auth-service/internal/store"
)

func pagination(c *gin.Context) store.Pagination {
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	return store.Pagination{Offset: offset, Limit: limit}.Normalize()
}

// --- users ---

func (s *Server) handleCreateUser(c *gin.Context) {
	var req CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errdefs.Validation("email and password are required"))
		return
	}

	actor := claimsFrom(c)
	user, err := s.admin.CreateUser(c.Request.Context(), actor.Subject, req.Email, req.Password, req.RoleIDs)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toUserResponse(user))
}

func (s *Server) handleGetUser(c *gin.Context) {
	actor := claimsFrom(c)
	user, err := s.admin.GetUser(c.Request.Context(), actor.Subject, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toUserResponse(user))
}

func (s *Server) handleListUsers(c *gin.Context) {
	actor := claimsFrom(c)
	p := pagination(c)
	users, total, err := s.admin.ListUsers(c.Request.Context(), actor.Subject, p)
	if err != nil {
		writeError(c, err)
		return
	}

	out := make([]UserResponse, 0, len(users))
	for _, u := range users {
		out = append(out, toUserResponse(u))
	}
	c.JSON(http.StatusOK, gin.H{
		"users": out,
		"meta":  ListMeta{Total: total, Offset: p.Offset, Limit: p.Limit},
	})
}

func (s *Server) handleUpdateUser(c *gin.Context) {
	var req UpdateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errdefs.Validation("invalid request body"))
		return
	}

	actor := claimsFrom(c)
	user, err := s.admin.UpdateUser(c.Request.Context(), actor.Subject, c.Param("id"), admin.UserUpdate{
		Email:    req.Email,
		IsActive: req.IsActive,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toUserResponse(user))
}

func (s *Server) handleDeleteUser(c *gin.Context) {
	actor := claimsFrom(c)
	if err := s.admin.DeleteUser(c.Request.Context(), actor.Subject, c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleAssignRoles(c *gin.Context) {
	var req AssignRolesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errdefs.Validation("role_ids is required"))
		return
	}

	actor := claimsFrom(c)
	user, err := s.admin.AssignRoles(c.Request.Context(), actor.Subject, c.Param("id"), req.RoleIDs)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toUserResponse(user))
}

// --- roles ---

func (s *Server) handleCreateRole(c *gin.Context) {
	var req CreateRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errdefs.Validation("name is required"))
		return
	}

	actor := claimsFrom(c)
	role, err := s.admin.CreateRole(c.Request.Context(), actor.Subject, req.Name,
		req.Description, req.ParentID, req.PermissionIDs)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toRoleResponse(role))
}

func (s *Server) handleGetRole(c *gin.Context) {
	actor := claimsFrom(c)
	role, err := s.admin.GetRole(c.Request.Context(), actor.Subject, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toRoleResponse(role))
}

func (s *Server) handleListRoles(c *gin.Context) {
	actor := claimsFrom(c)
	p := pagination(c)
	roles, total, err := s.admin.ListRoles(c.Request.Context(), actor.Subject, p)
	if err != nil {
		writeError(c, err)
		return
	}

	out := make([]RoleResponse, 0, len(roles))
	for _, r := range roles {
		out = append(out, toRoleResponse(r))
	}
	c.JSON(http.StatusOK, gin.H{
		"roles": out,
		"meta":  ListMeta{Total: total, Offset: p.Offset, Limit: p.Limit},
	})
}

func (s *Server) handleUpdateRole(c *gin.Context) {
	var req UpdateRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errdefs.Validation("invalid request body"))
		return
	}

	update := admin.RoleUpdate{Description: req.Description}
	if req.ClearParent {
		update.SetParent = true
	} else if req.ParentID != nil {
		update.SetParent = true
		update.ParentID = req.ParentID
	}

	actor := claimsFrom(c)
	role, err := s.admin.UpdateRole(c.Request.Context(), actor.Subject, c.Param("id"), update)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toRoleResponse(role))
}

func (s *Server) handleDeleteRole(c *gin.Context) {
	actor := claimsFrom(c)
	if err := s.admin.DeleteRole(c.Request.Context(), actor.Subject, c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleAttachPermission(c *gin.Context) {
	actor := claimsFrom(c)
	err := s.admin.AttachPermission(c.Request.Context(), actor.Subject,
		c.Param("id"), c.Param("permissionId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleDetachPermission(c *gin.Context) {
	actor := claimsFrom(c)
	err := s.admin.DetachPermission(c.Request.Context(), actor.Subject,
		c.Param("id"), c.Param("permissionId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- permissions ---

func (s *Server) handleCreatePermission(c *gin.Context) {
	var req CreatePermissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errdefs.Validation("name is required"))
		return
	}

	actor := claimsFrom(c)
	perm, err := s.admin.CreatePermission(c.Request.Context(), actor.Subject, req.Name, req.Description)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toPermissionResponse(perm))
}

func (s *Server) handleGetPermission(c *gin.Context) {
	actor := claimsFrom(c)
	perm, err := s.admin.GetPermission(c.Request.Context(), actor.Subject, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toPermissionResponse(perm))
}

func (s *Server) handleUpdatePermission(c *gin.Context) {
	var req UpdatePermissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errdefs.Validation("description is required"))
		return
	}

	actor := claimsFrom(c)
	perm, err := s.admin.UpdatePermission(c.Request.Context(), actor.Subject, c.Param("id"), *req.Description)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toPermissionResponse(perm))
}

func (s *Server) handleListPermissions(c *gin.Context) {
	actor := claimsFrom(c)
	p := pagination(c)
	perms, total, err := s.admin.ListPermissions(c.Request.Context(), actor.Subject, p)
	if err != nil {
		writeError(c, err)
		return
	}

	out := make([]PermissionResponse, 0, len(perms))
	for _, perm := range perms {
		out = append(out, toPermissionResponse(perm))
	}
	c.JSON(http.StatusOK, gin.H{
		"permissions": out,
		"meta":        ListMeta{Total: total, Offset: p.Offset, Limit: p.Limit},
	})
}

func (s *Server) handleDeletePermission(c *gin.Context) {
	actor := claimsFrom(c)
	if err := s.admin.DeletePermission(c.Request.Context(), actor.Subject, c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
