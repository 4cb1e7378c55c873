package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/authforge/auth-service/internal/metrics"
	"github.com/authforge/auth-service/internal/store"
)

const cacheKeyPrefix = "role_permissions:"

// Cache stores each role's fully expanded permission set in Redis, keyed by
// role ID with a short TTL. It also keeps an in-memory reverse index of the
// role hierarchy so that invalidating a role can take out every descendant
// whose expansion includes the changed role's grants.
type Cache struct {
	client  *redis.Client
	ttl     time.Duration
	metrics metrics.Metrics
	logger  *zap.Logger

	mu sync.RWMutex
	// descendants maps a role ID to all roles that transitively inherit
	// from it.
	descendants map[string][]string
}

// NewCache creates a permission cache with the given entry TTL
// (default 5 minutes).
func NewCache(client *redis.Client, ttl time.Duration, m metrics.Metrics, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if m == nil {
		m = metrics.NewNoOp()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		client:      client,
		ttl:         ttl,
		metrics:     m,
		logger:      logger,
		descendants: make(map[string][]string),
	}
}

// Get fetches the expanded set for a role. The second return is false on a
// cache miss.
func (c *Cache) Get(ctx context.Context, roleID string) (map[string]struct{}, bool, error) {
	data, err := c.client.Get(ctx, cacheKeyPrefix+roleID).Bytes()
	if err == redis.Nil {
		c.metrics.RecordCacheMiss()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("permission cache get: %w", err)
	}

	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		// A corrupt entry behaves like a miss; it will be overwritten.
		c.metrics.RecordCacheMiss()
		return nil, false, nil
	}
	c.metrics.RecordCacheHit()

	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set, true, nil
}

// Put stores the expanded set for a role.
func (c *Cache) Put(ctx context.Context, roleID string, perms map[string]struct{}) error {
	names := make([]string, 0, len(perms))
	for n := range perms {
		names = append(names, n)
	}
	data, err := json.Marshal(names)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, cacheKeyPrefix+roleID, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("permission cache put: %w", err)
	}
	return nil
}

// InvalidateSubtree evicts a role and every role that inherits from it.
// Called after any mutation to the role's permissions or parentage.
func (c *Cache) InvalidateSubtree(ctx context.Context, roleID string) error {
	c.mu.RLock()
	ids := append([]string{roleID}, c.descendants[roleID]...)
	c.mu.RUnlock()

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = cacheKeyPrefix + id
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("permission cache invalidate: %w", err)
	}
	c.logger.Debug("Permission cache invalidated", zap.Strings("roles", ids))
	return nil
}

// InvalidateAll evicts every cached expansion. Used when a permission is
// deleted, which may affect any role.
func (c *Cache) InvalidateAll(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, cacheKeyPrefix+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("permission cache scan: %w", err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("permission cache invalidate: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// RebuildIndex recomputes the descendant index from the full role table.
// Called at startup and after any parentage change.
func (c *Cache) RebuildIndex(roles []*store.Role) {
	children := make(map[string][]string)
	for _, r := range roles {
		if r.ParentID != nil {
			children[*r.ParentID] = append(children[*r.ParentID], r.ID)
		}
	}

	descendants := make(map[string][]string, len(roles))
	for _, r := range roles {
		seen := map[string]struct{}{r.ID: {}}
		queue := append([]string(nil), children[r.ID]...)
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			descendants[r.ID] = append(descendants[r.ID], id)
			queue = append(queue, children[id]...)
		}
	}

	c.mu.Lock()
	c.descendants = descendants
	c.mu.Unlock()
}
