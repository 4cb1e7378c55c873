// Package config loads service configuration from the process environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every tunable the service reads at startup. Required settings
// with no value cause Load to fail; main treats that as fatal.
type Config struct {
	// Storage
	DatabaseURL string
	CacheURL    string

	// Signing material
	PrivateKeyPath string
	PublicKeyPath  string

	// Token identity and lifetimes
	Issuer     string
	Audience   string
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// Password hashing
	Pepper           string
	PasswordHashCost int

	// Login lockout
	LoginAttemptLimit int
	LoginLockout      time.Duration

	// MFA
	MFAWindowSteps  int
	MFAAttemptLimit int

	// Key rotation
	KeyRotationInterval time.Duration
	KeyGracePeriod      time.Duration

	// Environment name; "production" tightens validation.
	Environment string
}

// Load reads configuration from the environment, applying documented defaults.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		CacheURL:            os.Getenv("CACHE_URL"),
		PrivateKeyPath:      os.Getenv("JWT_PRIVATE_KEY_PATH"),
		PublicKeyPath:       os.Getenv("JWT_PUBLIC_KEY_PATH"),
		Issuer:              getEnv("ISSUER", "auth-service"),
		Audience:            getEnv("AUDIENCE", "auth-service-clients"),
		Pepper:              os.Getenv("PEPPER"),
		Environment:         getEnv("ENVIRONMENT", "development"),
		AccessTTL:           time.Duration(getEnvInt("ACCESS_TOKEN_TTL_SECONDS", 900)) * time.Second,
		RefreshTTL:          time.Duration(getEnvInt("REFRESH_TOKEN_TTL_SECONDS", 604800)) * time.Second,
		PasswordHashCost:    getEnvInt("PASSWORD_HASH_COST", 12),
		LoginAttemptLimit:   getEnvInt("LOGIN_ATTEMPT_LIMIT", 5),
		LoginLockout:        time.Duration(getEnvInt("LOGIN_LOCKOUT_SECONDS", 900)) * time.Second,
		MFAWindowSteps:      getEnvInt("MFA_WINDOW_STEPS", 1),
		MFAAttemptLimit:     getEnvInt("MFA_ATTEMPT_LIMIT", 5),
		KeyRotationInterval: time.Duration(getEnvInt("KEY_ROTATION_INTERVAL_DAYS", 90)) * 24 * time.Hour,
		KeyGracePeriod:      time.Duration(getEnvInt("KEY_GRACE_DAYS", 7)) * 24 * time.Hour,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the required settings. Missing key material or storage DSNs
// make the service refuse startup.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.CacheURL == "" {
		return fmt.Errorf("CACHE_URL is required")
	}
	if c.PrivateKeyPath == "" {
		return fmt.Errorf("JWT_PRIVATE_KEY_PATH is required")
	}
	if c.PublicKeyPath == "" {
		return fmt.Errorf("JWT_PUBLIC_KEY_PATH is required")
	}
	if c.IsProduction() && c.Pepper == "" {
		return fmt.Errorf("PEPPER is required in production")
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 {
		return fmt.Errorf("token lifetimes must be positive")
	}
	if c.PasswordHashCost < 10 || c.PasswordHashCost > 31 {
		return fmt.Errorf("PASSWORD_HASH_COST must be between 10 and 31")
	}
	if c.LoginAttemptLimit < 1 {
		return fmt.Errorf("LOGIN_ATTEMPT_LIMIT must be at least 1")
	}
	return nil
}

// IsProduction reports whether the environment is production.
func (c *Config) IsProduction() bool { return c.Environment == "production" }

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
