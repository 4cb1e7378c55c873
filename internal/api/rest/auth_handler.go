package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/authforge/auth-service/internal/authflow"
	"github.com/authforge/auth-service/internal/errdefs"
)

// handleLogin runs the login sequence. 200 with a token pair on success,
// 202 when the account needs a second factor, 401 for bad credentials,
// 423 with Retry-After while locked out.
func (s *Server) handleLogin(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errdefs.Validation("email and password are required"))
		return
	}

	pair, err := s.flows.Login(c.Request.Context(), authflow.LoginRequest{
		Email:        req.Email,
		Password:     req.Password,
		MFACode:      req.MFACode,
		RecoveryCode: req.RecoveryCode,
		UserAgent:    c.Request.UserAgent(),
		SourceIP:     c.ClientIP(),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

// handleRefresh rotates a refresh token into a fresh pair.
func (s *Server) handleRefresh(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errdefs.Validation("refresh_token is required"))
		return
	}

	pair, err := s.flows.Refresh(c.Request.Context(), req.RefreshToken,
		c.Request.UserAgent(), c.ClientIP())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

// handleLogout revokes the presented access token (and refresh token, when
// supplied). 204 on success.
func (s *Server) handleLogout(c *gin.Context) {
	var req LogoutRequest
	_ = c.ShouldBindJSON(&req) // body is optional

	claims := claimsFrom(c)
	if err := s.flows.Logout(c.Request.Context(), claims, req.RefreshToken, c.ClientIP()); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleMFASetup returns the enrollment secret, provisioning URI, and
// recovery codes. The plaintext codes appear only in this response.
func (s *Server) handleMFASetup(c *gin.Context) {
	claims := claimsFrom(c)
	enrollment, err := s.flows.SetupMFA(c.Request.Context(), claims.Subject)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, MFASetupResponse{
		Secret:          enrollment.Secret,
		ProvisioningURI: enrollment.ProvisioningURI,
		RecoveryCodes:   enrollment.RecoveryCodes,
	})
}

// handleMFAVerify confirms the enrolled authenticator and enables MFA.
func (s *Server) handleMFAVerify(c *gin.Context) {
	var req MFAVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errdefs.Validation("code is required"))
		return
	}

	claims := claimsFrom(c)
	if err := s.flows.ActivateMFA(c.Request.Context(), claims.Subject, req.Code); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mfa_enabled": true})
}

// handleChangePassword swaps the credential and kills existing sessions.
func (s *Server) handleChangePassword(c *gin.Context) {
	var req ChangePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errdefs.Validation("current_password and new_password are required"))
		return
	}

	claims := claimsFrom(c)
	if err := s.flows.ChangePassword(c.Request.Context(), claims.Subject,
		req.CurrentPassword, req.NewPassword); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
