package rbac

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/authforge/auth-service/internal/audit"
	"github.com/authforge/auth-service/internal/errdefs"
	"github.com/authforge/auth-service/internal/metrics"
	"github.com/authforge/auth-service/internal/store"
)

// Evaluator answers permission checks by expanding the principal's roles
// through the inheritance chain, consulting the cache first.
type Evaluator struct {
	store   store.Store
	cache   *Cache
	metrics metrics.Metrics
	audit   *audit.Logger
	logger  *zap.Logger
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(st store.Store, cache *Cache, m metrics.Metrics, auditLog *audit.Logger, logger *zap.Logger) *Evaluator {
	if m == nil {
		m = metrics.NewNoOp()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{store: st, cache: cache, metrics: m, audit: auditLog, logger: logger}
}

// HasPermission reports whether the user holds the required permission.
// Inactive users hold nothing. The required permission must be concrete;
// wildcards live only in grants.
func (e *Evaluator) HasPermission(ctx context.Context, userID, required string) (bool, error) {
	start := time.Now()

	if err := ValidatePermissionName(required); err != nil {
		return false, err
	}
	if strings.Contains(required, "*") {
		return false, errdefs.Validation("required permission cannot contain wildcards").
			WithDetail("permission", required)
	}

	user, err := e.store.Users().GetByID(ctx, userID)
	if err != nil {
		return false, err
	}
	if !user.IsActive {
		e.recordDenial(ctx, userID, required, "inactive_user", start)
		return false, nil
	}

	for _, roleID := range user.RoleIDs {
		perms, err := e.expandRole(ctx, roleID)
		if err != nil {
			return false, err
		}
		if GrantedBy(perms, required) {
			e.metrics.RecordPermissionCheck("allow", time.Since(start))
			return true, nil
		}
	}

	e.recordDenial(ctx, userID, required, "not_granted", start)
	return false, nil
}

// Require is HasPermission that turns a denial into PermissionDenied.
func (e *Evaluator) Require(ctx context.Context, userID, required string) error {
	ok, err := e.HasPermission(ctx, userID, required)
	if err != nil {
		return err
	}
	if !ok {
		return errdefs.PermissionDenied(required)
	}
	return nil
}

// expandRole returns the role's full grant set including everything
// inherited from its ancestors. Cache failures degrade to a direct walk;
// an unreachable cache must not turn into denied requests.
func (e *Evaluator) expandRole(ctx context.Context, roleID string) (map[string]struct{}, error) {
	perms, hit, err := e.cache.Get(ctx, roleID)
	if err != nil {
		e.logger.Warn("Permission cache unavailable, walking hierarchy directly", zap.Error(err))
	} else if hit {
		return perms, nil
	}

	perms, walkErr := e.walkHierarchy(ctx, roleID)
	if walkErr != nil {
		return nil, walkErr
	}

	if err == nil {
		if putErr := e.cache.Put(ctx, roleID, perms); putErr != nil {
			e.logger.Warn("Permission cache write failed", zap.Error(putErr))
		}
	}
	return perms, nil
}

// walkHierarchy collects permission names for the role and all ancestors.
// Visited tracking bounds the walk even if stored data already contains a
// cycle.
func (e *Evaluator) walkHierarchy(ctx context.Context, roleID string) (map[string]struct{}, error) {
	perms := make(map[string]struct{})
	visited := make(map[string]struct{})

	current := roleID
	for current != "" {
		if _, ok := visited[current]; ok {
			e.logger.Error("Role hierarchy contains a cycle", zap.String("role_id", current))
			break
		}
		visited[current] = struct{}{}

		role, err := e.store.Roles().GetByID(ctx, current)
		if err != nil {
			if errdefs.IsCode(err, errdefs.CodeNotFound) {
				// A dangling assignment grants nothing.
				break
			}
			return nil, err
		}

		resolved, err := e.store.Permissions().GetByIDs(ctx, role.PermissionIDs)
		if err != nil {
			return nil, err
		}
		for _, p := range resolved {
			perms[p.Name] = struct{}{}
		}

		if role.ParentID == nil {
			break
		}
		current = *role.ParentID
	}
	return perms, nil
}

func (e *Evaluator) recordDenial(ctx context.Context, userID, required, reason string, start time.Time) {
	e.metrics.RecordPermissionCheck("deny", time.Since(start))
	if e.audit != nil {
		e.audit.Record(ctx, &audit.Event{
			EventType: audit.EventAccessDenied,
			ActorID:   userID,
			Detail: map[string]interface{}{
				"required_permission": required,
				"reason":              reason,
			},
		})
	}
}
