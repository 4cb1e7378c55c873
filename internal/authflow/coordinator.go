// Package authflow orchestrates the self-service authentication flows:
// login with lockout and MFA, token refresh with replay defense, logout,
// MFA enrollment, and password changes.
package authflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/authforge/auth-service/internal/audit"
	"github.com/authforge/auth-service/internal/errdefs"
	"github.com/authforge/auth-service/internal/metrics"
	"github.com/authforge/auth-service/internal/mfa"
	"github.com/authforge/auth-service/internal/password"
	"github.com/authforge/auth-service/internal/store"
	"github.com/authforge/auth-service/internal/token"
)

// Config contains coordinator dependencies and lockout tuning.
type Config struct {
	Store    store.Store
	Vault    *password.Vault
	MFA      *mfa.Engine
	Tokens   *token.Service
	Audit    *audit.Logger
	Metrics  metrics.Metrics
	Logger   *zap.Logger
	RoleName func(ctx context.Context, roleID string) (string, error)

	// AttemptLimit failed logins inside Lockout lock the account.
	AttemptLimit int
	Lockout      time.Duration
}

// Coordinator drives the authentication flows.
type Coordinator struct {
	store    store.Store
	vault    *password.Vault
	mfa      *mfa.Engine
	tokens   *token.Service
	audit    *audit.Logger
	metrics  metrics.Metrics
	logger   *zap.Logger
	roleName func(ctx context.Context, roleID string) (string, error)

	attemptLimit int
	lockout      time.Duration
}

// LoginRequest carries one login attempt.
type LoginRequest struct {
	Email    string
	Password string
	// MFACode is the TOTP code; empty on the first leg of an MFA login.
	MFACode string
	// RecoveryCode may be presented instead of a TOTP code.
	RecoveryCode string

	UserAgent string
	SourceIP  string
}

// New creates a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil || cfg.Vault == nil || cfg.Tokens == nil {
		return nil, errdefs.Validation("store, vault, and token service are required")
	}
	if cfg.AttemptLimit == 0 {
		cfg.AttemptLimit = 5
	}
	if cfg.Lockout == 0 {
		cfg.Lockout = 15 * time.Minute
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNoOp()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Coordinator{
		store:        cfg.Store,
		vault:        cfg.Vault,
		mfa:          cfg.MFA,
		tokens:       cfg.Tokens,
		audit:        cfg.Audit,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		roleName:     cfg.RoleName,
		attemptLimit: cfg.AttemptLimit,
		lockout:      cfg.Lockout,
	}, nil
}

// Login runs the full login sequence: lockout check, credential check, MFA
// check, then issuance. Unknown emails and wrong passwords produce the same
// error; only the failed-attempt bookkeeping differs (unknown emails have
// no counter to advance).
func (c *Coordinator) Login(ctx context.Context, req LoginRequest) (*token.Pair, error) {
	user, err := c.store.Users().GetByEmail(ctx, req.Email)
	if err != nil {
		if errdefs.IsCode(err, errdefs.CodeNotFound) {
			c.metrics.RecordLogin("invalid_credentials")
			return nil, errdefs.InvalidCredentials()
		}
		return nil, err
	}

	now := time.Now()
	if locked, retryAfter := c.isLocked(user, now); locked {
		c.metrics.RecordLogin("locked")
		c.record(ctx, audit.EventLoginLocked, user.ID, req.SourceIP, nil)
		return nil, errdefs.AccountLocked(retryAfter)
	}

	if !user.IsActive || !c.vault.Verify(req.Password, user.PasswordHash) {
		return nil, c.recordFailedAttempt(ctx, user, req.SourceIP, now)
	}

	if user.MFAEnabled {
		if err := c.checkSecondFactor(ctx, user, req); err != nil {
			return nil, err
		}
	}

	pair, err := c.issue(ctx, user, req)
	if err != nil {
		return nil, err
	}

	c.metrics.RecordLogin("success")
	c.record(ctx, audit.EventLoginSuccess, user.ID, req.SourceIP, nil)
	return pair, nil
}

// isLocked reports whether the lockout window is still open. An expired
// window does not reset the counter here; the next successful login or
// failed attempt rewrites it.
func (c *Coordinator) isLocked(user *store.User, now time.Time) (bool, time.Duration) {
	if user.FailedAttempts < c.attemptLimit || user.LastFailedAt == nil {
		return false, 0
	}
	elapsed := now.Sub(*user.LastFailedAt)
	if elapsed >= c.lockout {
		return false, 0
	}
	return true, c.lockout - elapsed
}

func (c *Coordinator) recordFailedAttempt(ctx context.Context, user *store.User, sourceIP string, now time.Time) error {
	err := c.store.Do(ctx, func(ctx context.Context) error {
		// Re-read inside the transaction so concurrent failures don't lose
		// counter increments.
		fresh, err := c.store.Users().GetByID(ctx, user.ID)
		if err != nil {
			return err
		}
		// A stale window starts a new counting run.
		if fresh.LastFailedAt != nil && now.Sub(*fresh.LastFailedAt) >= c.lockout {
			fresh.FailedAttempts = 0
		}
		fresh.FailedAttempts++
		fresh.LastFailedAt = &now
		if err := c.store.Users().Update(ctx, fresh); err != nil {
			return err
		}
		if fresh.FailedAttempts == c.attemptLimit {
			c.record(ctx, audit.EventLoginLocked, user.ID, sourceIP, map[string]interface{}{
				"attempts": fresh.FailedAttempts,
			})
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.metrics.RecordLogin("invalid_credentials")
	c.record(ctx, audit.EventLoginFailure, user.ID, sourceIP, nil)
	return errdefs.InvalidCredentials()
}

// checkSecondFactor accepts either a TOTP code or a single-use recovery
// code. An empty request for an MFA-enabled user yields MFARequired, the
// signal for the client to collect the second factor.
func (c *Coordinator) checkSecondFactor(ctx context.Context, user *store.User, req LoginRequest) error {
	switch {
	case req.RecoveryCode != "":
		return c.consumeRecoveryCode(ctx, user, req)
	case req.MFACode != "":
		if c.mfa == nil {
			return errdefs.MFANotConfigured()
		}
		if err := c.mfa.Verify(ctx, user.MFASecret, req.MFACode, user.ID); err != nil {
			c.metrics.RecordLogin("mfa_failed")
			c.record(ctx, audit.EventMFAFailure, user.ID, req.SourceIP, nil)
			return err
		}
		c.record(ctx, audit.EventMFASuccess, user.ID, req.SourceIP, nil)
		return nil
	default:
		c.metrics.RecordLogin("mfa_required")
		c.record(ctx, audit.EventMFAChallenge, user.ID, req.SourceIP, nil)
		return errdefs.MFARequired()
	}
}

func (c *Coordinator) consumeRecoveryCode(ctx context.Context, user *store.User, req LoginRequest) error {
	if c.mfa == nil {
		return errdefs.MFANotConfigured()
	}

	// Match against the transactional read, not the login-time snapshot: a
	// concurrent consumer may have already spent codes, shifting indexes.
	var remaining int
	err := c.store.Do(ctx, func(ctx context.Context) error {
		fresh, err := c.store.Users().GetByID(ctx, user.ID)
		if err != nil {
			return err
		}
		idx, err := c.mfa.VerifyRecoveryCode(ctx, req.RecoveryCode, fresh.RecoveryCodes, user.ID)
		if err != nil {
			return err
		}
		fresh.RecoveryCodes = append(fresh.RecoveryCodes[:idx], fresh.RecoveryCodes[idx+1:]...)
		remaining = len(fresh.RecoveryCodes)
		return c.store.Users().Update(ctx, fresh)
	})
	if err != nil {
		if errdefs.IsCode(err, errdefs.CodeInvalidMFACode) {
			c.metrics.RecordLogin("mfa_failed")
			c.record(ctx, audit.EventMFAFailure, user.ID, req.SourceIP, map[string]interface{}{
				"method": "recovery_code",
			})
		}
		return err
	}

	c.record(ctx, audit.EventRecoveryUsed, user.ID, req.SourceIP, map[string]interface{}{
		"remaining": remaining,
	})
	return nil
}

// issue resets the failure counter, rehashes the password if the configured
// cost went up, records a session, and mints the token pair. The store
// writes share one transaction.
func (c *Coordinator) issue(ctx context.Context, user *store.User, req LoginRequest) (*token.Pair, error) {
	roles, err := c.roleNames(ctx, user.RoleIDs)
	if err != nil {
		return nil, err
	}

	pair, err := c.tokens.IssuePair(ctx, user.ID, roles)
	if err != nil {
		return nil, err
	}
	refreshClaims, err := c.tokens.ValidateRefresh(ctx, pair.RefreshToken)
	if err != nil {
		return nil, err
	}

	err = c.store.Do(ctx, func(ctx context.Context) error {
		fresh, err := c.store.Users().GetByID(ctx, user.ID)
		if err != nil {
			return err
		}
		fresh.FailedAttempts = 0
		fresh.LastFailedAt = nil

		if upgrade, err := c.vault.NeedsUpgrade(fresh.PasswordHash); err == nil && upgrade {
			if rehashed, err := c.vault.Hash(req.Password); err == nil {
				fresh.PasswordHash = rehashed
				fresh.PasswordSetAt = time.Now()
				c.logger.Info("Password hash upgraded", zap.String("user_id", user.ID))
			}
		}
		if err := c.store.Users().Update(ctx, fresh); err != nil {
			return err
		}

		if _, err := c.store.Sessions().DeleteExpired(ctx, time.Now()); err != nil {
			return err
		}
		return c.store.Sessions().Create(ctx, &store.Session{
			ID:         uuid.NewString(),
			UserID:     user.ID,
			RefreshJTI: refreshClaims.ID,
			UserAgent:  req.UserAgent,
			IPAddress:  req.SourceIP,
			ExpiresAt:  refreshClaims.ExpiresAt.Time,
		})
	})
	if err != nil {
		return nil, err
	}

	c.metrics.RecordTokenIssued(token.TypeAccess)
	c.metrics.RecordTokenIssued(token.TypeRefresh)
	return pair, nil
}

// Refresh exchanges a live refresh token for a fresh pair. A token that
// fails the registry check was already consumed or revoked: that is treated
// as replay evidence, and every refresh token of the subject is revoked.
func (c *Coordinator) Refresh(ctx context.Context, rawRefresh, userAgent, sourceIP string) (*token.Pair, error) {
	claims, err := c.tokens.ValidateRefresh(ctx, rawRefresh)
	if err != nil {
		if errdefs.IsCode(err, errdefs.CodeTokenRevoked) {
			c.handleReplay(ctx, rawRefresh, sourceIP)
		}
		return nil, err
	}

	consumed, err := c.tokens.ConsumeRefresh(ctx, claims)
	if err != nil {
		return nil, err
	}
	if !consumed {
		// Lost the race against another rotation of the same token.
		c.handleReplayForSubject(ctx, claims.Subject, sourceIP)
		return nil, errdefs.TokenRevoked()
	}

	user, err := c.store.Users().GetByID(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, errdefs.InvalidCredentials()
	}

	pair, err := c.issue(ctx, user, LoginRequest{UserAgent: userAgent, SourceIP: sourceIP})
	if err != nil {
		return nil, err
	}
	if err := c.store.Sessions().DeleteByRefreshJTI(ctx, claims.ID); err != nil {
		c.logger.Warn("Stale session cleanup failed", zap.Error(err))
	}

	c.record(ctx, audit.EventTokenRefresh, user.ID, sourceIP, nil)
	return pair, nil
}

// handleReplay deals with a refresh token that is signed and unexpired but
// no longer registered. The token is parsed leniently to identify the
// subject; all of their refresh tokens are revoked.
func (c *Coordinator) handleReplay(ctx context.Context, rawRefresh, sourceIP string) {
	claims, err := c.tokens.PeekClaims(rawRefresh)
	if err != nil {
		return
	}
	c.handleReplayForSubject(ctx, claims.Subject, sourceIP)
}

func (c *Coordinator) handleReplayForSubject(ctx context.Context, subject, sourceIP string) {
	c.metrics.RecordRefreshReplay()
	if _, err := c.tokens.RevokeAllRefresh(ctx, subject); err != nil {
		c.logger.Error("Failed to revoke refresh tokens after replay", zap.Error(err))
	}
	if err := c.store.Sessions().DeleteByUser(ctx, subject); err != nil {
		c.logger.Warn("Failed to clear sessions after replay", zap.Error(err))
	}
	c.record(ctx, audit.EventTokenReplay, subject, sourceIP, nil)
}

// Logout revokes the presented access token and, when a refresh token is
// supplied, consumes it and removes its session.
func (c *Coordinator) Logout(ctx context.Context, access *token.Claims, rawRefresh, sourceIP string) error {
	if err := c.tokens.Revoke(ctx, access); err != nil {
		return err
	}

	if rawRefresh != "" {
		if claims, err := c.tokens.ValidateRefresh(ctx, rawRefresh); err == nil {
			if _, err := c.tokens.ConsumeRefresh(ctx, claims); err != nil {
				c.logger.Warn("Refresh consume on logout failed", zap.Error(err))
			}
			if err := c.store.Sessions().DeleteByRefreshJTI(ctx, claims.ID); err != nil {
				c.logger.Warn("Session cleanup on logout failed", zap.Error(err))
			}
		}
	}

	c.record(ctx, audit.EventTokenRevoked, access.Subject, sourceIP, nil)
	return nil
}

// SetupMFA generates a secret and recovery codes for the user. MFA stays
// disabled until ActivateMFA confirms the user's authenticator produces
// valid codes; re-running setup before activation replaces the material.
func (c *Coordinator) SetupMFA(ctx context.Context, userID string) (*mfa.Enrollment, error) {
	if c.mfa == nil {
		return nil, errdefs.MFANotConfigured()
	}
	user, err := c.store.Users().GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.MFAEnabled {
		return nil, errdefs.Validation("MFA is already enabled")
	}

	enrollment, err := c.mfa.GenerateEnrollment(user.Email)
	if err != nil {
		return nil, err
	}

	err = c.store.Do(ctx, func(ctx context.Context) error {
		fresh, err := c.store.Users().GetByID(ctx, userID)
		if err != nil {
			return err
		}
		fresh.MFASecret = enrollment.Secret
		fresh.RecoveryCodes = mfa.HashRecoveryCodes(enrollment.RecoveryCodes)
		return c.store.Users().Update(ctx, fresh)
	})
	if err != nil {
		return nil, err
	}
	return enrollment, nil
}

// ActivateMFA turns MFA on after the user proves the enrolled secret works.
func (c *Coordinator) ActivateMFA(ctx context.Context, userID, code string) error {
	if c.mfa == nil {
		return errdefs.MFANotConfigured()
	}
	user, err := c.store.Users().GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.MFASecret == "" {
		return errdefs.MFANotConfigured()
	}
	if err := c.mfa.Verify(ctx, user.MFASecret, code, userID); err != nil {
		return err
	}

	return c.store.Do(ctx, func(ctx context.Context) error {
		fresh, err := c.store.Users().GetByID(ctx, userID)
		if err != nil {
			return err
		}
		fresh.MFAEnabled = true
		return c.store.Users().Update(ctx, fresh)
	})
}

// ChangePassword verifies the current password, applies the strength policy
// to the new one, and revokes every outstanding refresh token so stolen
// sessions die with the old credential.
func (c *Coordinator) ChangePassword(ctx context.Context, userID, current, next string) error {
	user, err := c.store.Users().GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if !c.vault.Verify(current, user.PasswordHash) {
		return errdefs.InvalidCredentials()
	}
	if err := password.ValidatePolicy(next); err != nil {
		return err
	}

	hash, err := c.vault.Hash(next)
	if err != nil {
		return err
	}

	err = c.store.Do(ctx, func(ctx context.Context) error {
		fresh, err := c.store.Users().GetByID(ctx, userID)
		if err != nil {
			return err
		}
		fresh.PasswordHash = hash
		fresh.PasswordSetAt = time.Now()
		if err := c.store.Users().Update(ctx, fresh); err != nil {
			return err
		}
		return c.store.Sessions().DeleteByUser(ctx, userID)
	})
	if err != nil {
		return err
	}

	if _, err := c.tokens.RevokeAllRefresh(ctx, userID); err != nil {
		c.logger.Error("Failed to revoke refresh tokens after password change", zap.Error(err))
	}
	c.record(ctx, audit.EventPasswordReset, userID, "", nil)
	return nil
}

func (c *Coordinator) roleNames(ctx context.Context, roleIDs []string) ([]string, error) {
	if c.roleName == nil {
		return roleIDs, nil
	}
	names := make([]string, 0, len(roleIDs))
	for _, id := range roleIDs {
		name, err := c.roleName(ctx, id)
		if err != nil {
			if errdefs.IsCode(err, errdefs.CodeNotFound) {
				continue
			}
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

func (c *Coordinator) record(ctx context.Context, eventType audit.EventType, userID, sourceIP string, detail map[string]interface{}) {
	if c.audit == nil {
		return
	}
	c.audit.Record(ctx, &audit.Event{
		EventType: eventType,
		ActorID:   userID,
		SubjectID: userID,
		SourceIP:  sourceIP,
		Detail:    detail,
	})
}
