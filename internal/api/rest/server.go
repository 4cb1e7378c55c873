// Package rest exposes the service over HTTP.
package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/authforge/auth-service/internal/admin"
	"github.com/authforge/auth-service/internal/authflow"
	"github.com/authforge/auth-service/internal/keyring"
	"github.com/authforge/auth-service/internal/metrics"
	"github.com/authforge/auth-service/internal/ratelimit"
	"github.com/authforge/auth-service/internal/token"
)

// Config configures the REST server.
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Port:         8080,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server wires the coordinators to HTTP routes.
type Server struct {
	config     Config
	router     *gin.Engine
	httpServer *http.Server

	flows   *authflow.Coordinator
	admin   *admin.Coordinator
	tokens  *token.Service
	keys    *keyring.KeyRing
	limiter *ratelimit.Limiter
	metrics metrics.Metrics
	logger  *zap.Logger
}

// New creates the REST server and registers all routes.
func New(cfg Config, flows *authflow.Coordinator, adminCoord *admin.Coordinator, tokens *token.Service, keys *keyring.KeyRing, limiter *ratelimit.Limiter, m metrics.Metrics, logger *zap.Logger) (*Server, error) {
	if flows == nil || adminCoord == nil || tokens == nil || keys == nil {
		return nil, fmt.Errorf("coordinators, token service, and key ring are required")
	}
	if m == nil {
		m = metrics.NewNoOp()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		config:  cfg,
		router:  gin.New(),
		flows:   flows,
		admin:   adminCoord,
		tokens:  tokens,
		keys:    keys,
		limiter: limiter,
		metrics: m,
		logger:  logger,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s, nil
}

func (s *Server) registerRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(s.metrics.HTTPHandler()))
	s.router.GET("/.well-known/jwks.json", s.handleJWKS)
	s.router.GET("/v1/jwks.json", s.handleJWKS)

	// Credential-bearing routes carry the tight rate budget.
	auth := s.router.Group("/v1/auth", s.rateLimitMiddleware("auth"))
	{
		auth.POST("/login", s.handleLogin)
		auth.POST("/refresh", s.handleRefresh)
	}

	authed := s.router.Group("/v1/auth", s.rateLimitMiddleware("auth"), s.authMiddleware())
	{
		authed.POST("/logout", s.handleLogout)
		authed.POST("/mfa/setup", s.handleMFASetup)
		authed.POST("/mfa/verify", s.handleMFAVerify)
		authed.POST("/password/change", s.handleChangePassword)
	}

	api := s.router.Group("/v1", s.rateLimitMiddleware("api"), s.authMiddleware())
	{
		users := api.Group("/users")
		users.POST("", s.handleCreateUser)
		users.GET("", s.handleListUsers)
		users.GET("/:id", s.handleGetUser)
		users.PATCH("/:id", s.handleUpdateUser)
		users.DELETE("/:id", s.handleDeleteUser)
		users.PUT("/:id/roles", s.handleAssignRoles)

		roles := api.Group("/roles")
		roles.POST("", s.handleCreateRole)
		roles.GET("", s.handleListRoles)
		roles.GET("/:id", s.handleGetRole)
		roles.PATCH("/:id", s.handleUpdateRole)
		roles.DELETE("/:id", s.handleDeleteRole)
		roles.PUT("/:id/permissions/:permissionId", s.handleAttachPermission)
		roles.DELETE("/:id/permissions/:permissionId", s.handleDetachPermission)

		perms := api.Group("/permissions")
		perms.POST("", s.handleCreatePermission)
		perms.GET("", s.handleListPermissions)
		perms.GET("/:id", s.handleGetPermission)
		perms.PATCH("/:id", s.handleUpdatePermission)
		perms.DELETE("/:id", s.handleDeletePermission)
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("Starting REST server", zap.Int("port", s.config.Port))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleJWKS(c *gin.Context) {
	c.JSON(http.StatusOK, s.keys.JWKS())
}
