package token

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RefreshStore is the registry of live refresh tokens. A refresh token is
// usable only while its JTI is registered; consuming it on rotation removes
// the entry, so a replayed token fails the registry lookup even though its
// signature and expiry are still good.
//
// A per-subject index makes revoke-all (logout everywhere, replay response)
// a single set walk.
type RefreshStore struct {
	client *redis.Client
}

// NewRefreshStore creates a RefreshStore backed by the given Redis client.
func NewRefreshStore(client *redis.Client) *RefreshStore {
	return &RefreshStore{client: client}
}

func refreshKey(jti string) string     { return fmt.Sprintf("refresh:jwt:%s", jti) }
func subjectKey(subject string) string { return fmt.Sprintf("refresh:subject:%s", subject) }

// Register records a freshly issued refresh token for its subject. Both the
// entry and the subject index expire with the token.
func (s *RefreshStore) Register(ctx context.Context, jti, subject string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return fmt.Errorf("refresh token already expired")
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, refreshKey(jti), subject, ttl)
	pipe.SAdd(ctx, subjectKey(subject), jti)
	pipe.Expire(ctx, subjectKey(subject), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to register refresh token: %w", err)
	}
	return nil
}

// IsLive reports whether the JTI is still registered.
func (s *RefreshStore) IsLive(ctx context.Context, jti string) (bool, error) {
	n, err := s.client.Exists(ctx, refreshKey(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check refresh registry: %w", err)
	}
	return n > 0, nil
}

// Consume removes a refresh token from the registry, returning whether it was
// live. Exactly one caller wins a concurrent consume; the loser sees false.
func (s *RefreshStore) Consume(ctx context.Context, jti, subject string) (bool, error) {
	removed, err := s.client.Del(ctx, refreshKey(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to consume refresh token: %w", err)
	}
	if err := s.client.SRem(ctx, subjectKey(subject), jti).Err(); err != nil {
		return false, fmt.Errorf("failed to update subject index: %w", err)
	}
	return removed > 0, nil
}

// RevokeAll drops every live refresh token of the subject and returns how
// many were removed.
func (s *RefreshStore) RevokeAll(ctx context.Context, subject string) (int, error) {
	jtis, err := s.client.SMembers(ctx, subjectKey(subject)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list subject tokens: %w", err)
	}
	if len(jtis) == 0 {
		return 0, nil
	}

	pipe := s.client.TxPipeline()
	for _, jti := range jtis {
		pipe.Del(ctx, refreshKey(jti))
	}
	pipe.Del(ctx, subjectKey(subject))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to revoke subject tokens: %w", err)
	}
	return len(jtis), nil
}
