// Package main provides the entry point for the authentication server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/authforge/auth-service/internal/admin"
	"github.com/authforge/auth-service/internal/api/rest"
	"github.com/authforge/auth-service/internal/audit"
	"github.com/authforge/auth-service/internal/authflow"
	"github.com/authforge/auth-service/internal/config"
	"github.com/authforge/auth-service/internal/db"
	"github.com/authforge/auth-service/internal/errdefs"
	"github.com/authforge/auth-service/internal/keyring"
	"github.com/authforge/auth-service/internal/metrics"
	"github.com/authforge/auth-service/internal/mfa"
	"github.com/authforge/auth-service/internal/password"
	"github.com/authforge/auth-service/internal/ratelimit"
	"github.com/authforge/auth-service/internal/rbac"
	"github.com/authforge/auth-service/internal/store"
	"github.com/authforge/auth-service/internal/token"
)

// Version information (set at build time)
var (
	Version   = "dev"
	GitCommit = "unknown"
)

func main() {
	var (
		port            = flag.Int("port", 8080, "HTTP server port")
		logLevel        = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		logFormat       = flag.String("log-format", "json", "Log format (json, console)")
		auditFile       = flag.String("audit-file", "", "Audit log file (stdout when empty)")
		migrateOnly     = flag.Bool("migrate", false, "Run migrations and exit")
		bootstrapAdmin  = flag.Bool("bootstrap-admin", false, "Create the initial admin from ADMIN_EMAIL/ADMIN_PASSWORD and exit")
		watchKeys       = flag.Bool("watch-keys", true, "Reload signing keys when the PEM files change")
		showVersion     = flag.Bool("version", false, "Show version information")
		gracefulTimeout = flag.Duration("shutdown-timeout", 30*time.Second, "Graceful shutdown timeout")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("auth-server %s (%s)\n", Version, GitCommit)
		os.Exit(0)
	}

	logger, err := initLogger(*logLevel, *logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer conn.Close()

	migrator, err := db.NewMigrator(conn, logger)
	if err != nil {
		logger.Fatal("Failed to create migrator", zap.Error(err))
	}
	if err := migrator.Up(); err != nil {
		logger.Fatal("Migrations failed", zap.Error(err))
	}
	if *migrateOnly {
		logger.Info("Migrations complete")
		return
	}

	opts, err := redis.ParseURL(cfg.CacheURL)
	if err != nil {
		logger.Fatal("Invalid cache URL", zap.Error(err))
	}
	redisClient := redis.NewClient(opts)
	defer redisClient.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		cancel()
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	cancel()

	st := store.NewPostgres(conn, logger)
	vault, err := password.New(cfg.Pepper, cfg.PasswordHashCost)
	if err != nil {
		logger.Fatal("Failed to create password vault", zap.Error(err))
	}

	if *bootstrapAdmin {
		if err := bootstrap(st, vault, logger); err != nil {
			logger.Fatal("Bootstrap failed", zap.Error(err))
		}
		return
	}

	m := metrics.NewPrometheus("auth")

	auditWriter := audit.NewStdoutWriter()
	if *auditFile != "" {
		auditWriter, err = audit.NewFileWriter(*auditFile, 100, 30, 10)
		if err != nil {
			logger.Fatal("Failed to open audit log", zap.Error(err))
		}
	}
	auditLog := audit.NewLogger(audit.Config{Writer: auditWriter, Metrics: m, Logger: logger})
	defer auditLog.Close()

	keys, err := keyring.New(keyring.Config{
		PrivateKeyPath:   cfg.PrivateKeyPath,
		PublicKeyPath:    cfg.PublicKeyPath,
		RotationInterval: cfg.KeyRotationInterval,
		VerifyWindow:     cfg.RefreshTTL,
		GracePeriod:      cfg.KeyGracePeriod,
		OnRotate: func(kid string) {
			m.RecordKeyRotation()
			auditLog.Record(context.Background(), &audit.Event{
				EventType: audit.EventKeyRotated,
				Detail:    map[string]interface{}{"kid": kid},
			})
		},
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Failed to load signing keys", zap.Error(err))
	}

	tokens, err := token.NewService(token.Config{
		Keys:         keys,
		Issuer:       cfg.Issuer,
		Audience:     cfg.Audience,
		AccessTTL:    cfg.AccessTTL,
		RefreshTTL:   cfg.RefreshTTL,
		Denylist:     token.NewDenylist(redisClient),
		RefreshStore: token.NewRefreshStore(redisClient),
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal("Failed to create token service", zap.Error(err))
	}

	mfaEngine, err := mfa.NewEngine(mfa.Config{
		Issuer:       cfg.Issuer,
		WindowSteps:  cfg.MFAWindowSteps,
		AttemptLimit: cfg.MFAAttemptLimit,
		Lockout:      cfg.LoginLockout,
		Redis:        redisClient,
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal("Failed to create MFA engine", zap.Error(err))
	}

	permCache := rbac.NewCache(redisClient, 5*time.Minute, m, logger)
	evaluator := rbac.NewEvaluator(st, permCache, m, auditLog, logger)

	startCtx, startCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if roles, err := st.Roles().All(startCtx); err != nil {
		logger.Warn("Failed to prime role hierarchy index", zap.Error(err))
	} else {
		permCache.RebuildIndex(roles)
	}
	startCancel()

	flows, err := authflow.New(authflow.Config{
		Store:   st,
		Vault:   vault,
		MFA:     mfaEngine,
		Tokens:  tokens,
		Audit:   auditLog,
		Metrics: m,
		Logger:  logger,
		RoleName: func(ctx context.Context, roleID string) (string, error) {
			role, err := st.Roles().GetByID(ctx, roleID)
			if err != nil {
				return "", err
			}
			return role.Name, nil
		},
		AttemptLimit: cfg.LoginAttemptLimit,
		Lockout:      cfg.LoginLockout,
	})
	if err != nil {
		logger.Fatal("Failed to create auth coordinator", zap.Error(err))
	}

	adminCoord := admin.New(st, vault, evaluator, permCache, tokens, auditLog, logger)

	limiter := ratelimit.NewLimiter(redisClient, ratelimit.DefaultConfig())

	restCfg := rest.DefaultConfig()
	restCfg.Port = *port
	server, err := rest.New(restCfg, flows, adminCoord, tokens, keys, limiter, m, logger)
	if err != nil {
		logger.Fatal("Failed to create REST server", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	keys.StartRotation(ctx)
	if *watchKeys {
		if err := keys.WatchKeyFiles(ctx); err != nil {
			logger.Warn("Key file watching disabled", zap.Error(err))
		}
	}

	auditLog.Record(ctx, &audit.Event{EventType: audit.EventStartup})

	errChan := make(chan error, 1)
	go func() {
		logger.Info("Starting auth server",
			zap.String("version", Version),
			zap.Int("port", *port))
		errChan <- server.Start()
	}()

	select {
	case err := <-errChan:
		if err != nil {
			logger.Fatal("Server error", zap.Error(err))
		}
	case <-ctx.Done():
		logger.Info("Received shutdown signal")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), *gracefulTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Shutdown error", zap.Error(err))
		}
		auditLog.Record(context.Background(), &audit.Event{EventType: audit.EventShutdown})
	}

	logger.Info("Server stopped")
}

// bootstrap creates the first admin account from the environment. Password
// hashes cannot live in migrations, so the initial operator is seeded here.
func bootstrap(st store.Store, vault *password.Vault, logger *zap.Logger) error {
	email := os.Getenv("ADMIN_EMAIL")
	plaintext := os.Getenv("ADMIN_PASSWORD")
	if email == "" || plaintext == "" {
		return fmt.Errorf("ADMIN_EMAIL and ADMIN_PASSWORD are required")
	}
	if err := password.ValidatePolicy(plaintext); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := st.Users().GetByEmail(ctx, email); err == nil {
		return fmt.Errorf("user %s already exists", email)
	} else if !errdefs.IsCode(err, errdefs.CodeNotFound) {
		return err
	}

	adminRole, err := st.Roles().GetByName(ctx, "admin")
	if err != nil {
		return fmt.Errorf("seeded admin role missing: %w", err)
	}

	hash, err := vault.Hash(plaintext)
	if err != nil {
		return err
	}

	user := &store.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		IsActive:     true,
		RoleIDs:      []string{adminRole.ID},
	}
	if err := st.Users().Create(ctx, user); err != nil {
		return err
	}

	logger.Info("Bootstrap admin created", zap.String("email", email), zap.String("user_id", user.ID))
	return nil
}

// initLogger initializes the zap logger.
func initLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	return cfg.Build()
}
