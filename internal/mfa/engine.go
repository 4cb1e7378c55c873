// Package mfa implements TOTP second-factor verification with per-principal
// attempt limiting and single-use recovery codes.
package mfa

import (
	"context"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/authforge/auth-service/internal/errdefs"
)

const (
	// SecretSize is the TOTP secret length in bytes (160 bits).
	SecretSize = 20

	attemptKeyPrefix = "mfa_attempts:"
)

// Config configures an Engine.
type Config struct {
	// Issuer labels provisioning URIs in authenticator apps.
	Issuer string
	// WindowSteps is how many 30s steps either side of now a code may drift.
	WindowSteps int
	// AttemptLimit is the failed-verification ceiling per principal.
	AttemptLimit int
	// Lockout is the TTL of the attempt counter.
	Lockout time.Duration

	Redis  *redis.Client
	Logger *zap.Logger
}

// Engine generates secrets and verifies time-windowed codes.
type Engine struct {
	issuer       string
	windowSteps  int
	attemptLimit int
	lockout      time.Duration
	redis        *redis.Client
	logger       *zap.Logger
}

// Enrollment is what a principal needs to finish MFA setup.
type Enrollment struct {
	Secret          string
	ProvisioningURI string
	RecoveryCodes   []string
}

// NewEngine creates an MFA engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Redis == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if cfg.WindowSteps == 0 {
		cfg.WindowSteps = 1
	}
	if cfg.AttemptLimit == 0 {
		cfg.AttemptLimit = 5
	}
	if cfg.Lockout == 0 {
		cfg.Lockout = 15 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Engine{
		issuer:       cfg.Issuer,
		windowSteps:  cfg.WindowSteps,
		attemptLimit: cfg.AttemptLimit,
		lockout:      cfg.Lockout,
		redis:        cfg.Redis,
		logger:       cfg.Logger,
	}, nil
}

// GenerateEnrollment produces a fresh base32 secret, its otpauth URI for the
// given account label, and a set of single-use recovery codes. The returned
// plaintext codes are shown to the user once; callers persist only their
// hashes (HashRecoveryCodes).
func (e *Engine) GenerateEnrollment(label string) (*Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.issuer,
		AccountName: label,
		SecretSize:  SecretSize,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("generate TOTP secret: %w", err)
	}

	codes, err := GenerateRecoveryCodes(RecoveryCodeCount)
	if err != nil {
		return nil, fmt.Errorf("generate recovery codes: %w", err)
	}

	return &Enrollment{
		Secret:          key.Secret(),
		ProvisioningURI: key.String(),
		RecoveryCodes:   codes,
	}, nil
}

// Verify checks code against the secret within ±WindowSteps time steps.
// Failed verifications increment a per-principal counter with the lockout
// TTL; once the counter reaches the limit every call fails with zero
// attempts left until the TTL expires. A successful verification resets
// the counter.
func (e *Engine) Verify(ctx context.Context, secret, code, principalID string) error {
	if secret == "" {
		return errdefs.MFANotConfigured()
	}

	attempts, err := e.attempts(ctx, principalID)
	if err != nil {
		// Attempt tracking is best-effort; a cache outage must not lock
		// everyone out of MFA.
		e.logger.Warn("MFA attempt counter unavailable", zap.Error(err))
	} else if attempts >= e.attemptLimit {
		return errdefs.InvalidMFACode(0)
	}

	ok, err := totp.ValidateCustom(code, secret, time.Now(), totp.ValidateOpts{
		Period:    30,
		Skew:      uint(e.windowSteps),
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil || !ok {
		left := e.recordFailure(ctx, principalID)
		return errdefs.InvalidMFACode(left)
	}

	e.resetAttempts(ctx, principalID)
	return nil
}

// VerifyRecoveryCode checks code against the stored hash list and returns
// the matched index. Failed guesses draw from the same per-principal
// attempt budget as Verify, so recovery codes cannot be brute-forced past
// the TOTP lockout; success resets the counter.
func (e *Engine) VerifyRecoveryCode(ctx context.Context, code string, hashes []string, principalID string) (int, error) {
	attempts, err := e.attempts(ctx, principalID)
	if err != nil {
		e.logger.Warn("MFA attempt counter unavailable", zap.Error(err))
	} else if attempts >= e.attemptLimit {
		return -1, errdefs.InvalidMFACode(0)
	}

	idx := MatchRecoveryCode(code, hashes)
	if idx < 0 {
		return -1, errdefs.InvalidMFACode(e.recordFailure(ctx, principalID))
	}

	e.resetAttempts(ctx, principalID)
	return idx, nil
}

// recordFailure bumps the counter and returns attempts remaining.
func (e *Engine) recordFailure(ctx context.Context, principalID string) int {
	key := attemptKeyPrefix + principalID
	pipe := e.redis.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, e.lockout)
	if _, err := pipe.Exec(ctx); err != nil {
		e.logger.Warn("Failed to record MFA attempt", zap.Error(err))
		return e.attemptLimit - 1
	}
	left := e.attemptLimit - int(incr.Val())
	if left < 0 {
		left = 0
	}
	return left
}

func (e *Engine) resetAttempts(ctx context.Context, principalID string) {
	if err := e.redis.Del(ctx, attemptKeyPrefix+principalID).Err(); err != nil {
		e.logger.Warn("Failed to reset MFA attempts", zap.Error(err))
	}
}

func (e *Engine) attempts(ctx context.Context, principalID string) (int, error) {
	n, err := e.redis.Get(ctx, attemptKeyPrefix+principalID).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}
