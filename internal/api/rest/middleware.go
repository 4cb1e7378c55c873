package rest

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/authforge/auth-service/internal/audit"
	"github.com/authforge/auth-service/internal/errdefs"
	"github.com/authforge/auth-service/internal/token"
)

const (
	headerRequestID = "X-Request-ID"
	ctxClaimsKey    = "auth_claims"
)

// requestIDMiddleware echoes an incoming X-Request-ID or assigns one, and
// stamps it into the request context for audit correlation.
func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(headerRequestID, id)
		c.Request = c.Request.WithContext(audit.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

// loggingMiddleware logs one line per request.
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		s.logger.Info("Request handled",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", c.Writer.Header().Get(headerRequestID)),
			zap.String("client_ip", c.ClientIP()))
	}
}

// rateLimitMiddleware applies the token bucket per client IP. The class
// prefix chooses the budget: credential routes get the tight one.
func (s *Server) rateLimitMiddleware(class string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil {
			c.Next()
			return
		}

		key := class + ":" + c.ClientIP()
		allowed, retryAfter, err := s.limiter.Allow(c.Request.Context(), key)
		if err != nil {
			s.logger.Warn("Rate limit check failed", zap.Error(err))
			c.Next()
			return
		}
		if !allowed {
			s.metrics.RecordRateLimited(c.FullPath())
			writeError(c, errdefs.RateLimited(retryAfter))
			c.Abort()
			return
		}
		c.Next()
	}
}

// authMiddleware validates the bearer token and stores its claims.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c)
		if raw == "" {
			writeError(c, errdefs.InvalidToken("malformed"))
			c.Abort()
			return
		}

		start := time.Now()
		claims, err := s.tokens.ValidateAccess(c.Request.Context(), raw)
		if err != nil {
			s.metrics.RecordTokenValidation(validationResult(err), time.Since(start))
			writeError(c, err)
			c.Abort()
			return
		}
		s.metrics.RecordTokenValidation("ok", time.Since(start))

		c.Set(ctxClaimsKey, claims)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(header[len("Bearer "):])
}

func claimsFrom(c *gin.Context) *token.Claims {
	v, ok := c.Get(ctxClaimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*token.Claims)
	return claims
}

func validationResult(err error) string {
	switch {
	case errdefs.IsCode(err, errdefs.CodeTokenRevoked):
		return "revoked"
	case errdefs.IsCode(err, errdefs.CodeInvalidToken):
		return "invalid"
	default:
		return "error"
	}
}
