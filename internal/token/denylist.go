package token

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Denylist records revoked access tokens by JTI. Entries live in Redis with a
// TTL matching the token's remaining lifetime, so the set stays bounded by the
// access TTL without a sweeper.
type Denylist struct {
	client *redis.Client
}

// NewDenylist creates a Denylist backed by the given Redis client.
func NewDenylist(client *redis.Client) *Denylist {
	return &Denylist{client: client}
}

// Revoke adds a JTI to the denylist until the token's own expiry. Already
// expired tokens need no entry.
func (d *Denylist) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}

	key := fmt.Sprintf("revoked:jwt:%s", jti)
	if err := d.client.Set(ctx, key, expiresAt.Unix(), ttl).Err(); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

// Contains reports whether a JTI has been revoked.
func (d *Denylist) Contains(ctx context.Context, jti string) (bool, error) {
	key := fmt.Sprintf("revoked:jwt:%s", jti)
	n, err := d.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check revocation status: %w", err)
	}
	return n > 0, nil
}

// RevokeBatch denylists multiple tokens in one round trip.
func (d *Denylist) RevokeBatch(ctx context.Context, tokens map[string]time.Time) error {
	if len(tokens) == 0 {
		return nil
	}

	pipe := d.client.Pipeline()
	for jti, expiresAt := range tokens {
		ttl := time.Until(expiresAt)
		if ttl <= 0 {
			continue
		}
		pipe.Set(ctx, fmt.Sprintf("revoked:jwt:%s", jti), expiresAt.Unix(), ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to revoke token batch: %w", err)
	}
	return nil
}
