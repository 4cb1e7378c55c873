package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authforge/auth-service/internal/errdefs"
	"github.com/authforge/auth-service/internal/keyring"
)

type serviceFixture struct {
	svc  *Service
	keys *keyring.KeyRing
	mr   *miniredis.Miniredis
}

func newServiceFixture(t *testing.T, mutate func(*Config)) *serviceFixture {
	t.Helper()

	dir := t.TempDir()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	privPath := filepath.Join(dir, "private.pem")
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}), 0o600))

	keys, err := keyring.New(keyring.Config{PrivateKeyPath: privPath, VerifyWindow: time.Hour})
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), DisableIndentity: true})
	t.Cleanup(func() { client.Close() })

	cfg := Config{
		Keys:         keys,
		Issuer:       "https://auth.test",
		Audience:     "authforge-api",
		AccessTTL:    15 * time.Minute,
		RefreshTTL:   time.Hour,
		Denylist:     NewDenylist(client),
		RefreshStore: NewRefreshStore(client),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := NewService(cfg)
	require.NoError(t, err)

	return &serviceFixture{svc: svc, keys: keys, mr: mr}
}

func TestNewServiceValidation(t *testing.T) {
	_, err := NewService(Config{})
	assert.Error(t, err)
}

func TestIssuePairAndValidate(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()

	pair, err := f.svc.IssuePair(ctx, "user-1", []string{"admin", "member"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer", pair.TokenType)
	assert.Equal(t, int64(900), pair.ExpiresIn)
	assert.NotEqual(t, pair.AccessToken, pair.RefreshToken)

	claims, err := f.svc.ValidateAccess(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, TypeAccess, claims.Type)
	assert.Equal(t, []string{"admin", "member"}, claims.Roles)

	refreshClaims, err := f.svc.ValidateRefresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", refreshClaims.Subject)
	assert.Equal(t, TypeRefresh, refreshClaims.Type)
	assert.Empty(t, refreshClaims.Roles, "refresh tokens carry no roles")
	assert.NotEqual(t, claims.ID, refreshClaims.ID)
}

func TestValidateRejectsWrongTokenType(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()

	pair, err := f.svc.IssuePair(ctx, "user-1", nil)
	require.NoError(t, err)

	_, err = f.svc.ValidateAccess(ctx, pair.RefreshToken)
	requireInvalidTokenReason(t, err, "wrong_type")

	_, err = f.svc.ValidateRefresh(ctx, pair.AccessToken)
	requireInvalidTokenReason(t, err, "wrong_type")
}

func TestValidateRejectsGarbage(t *testing.T) {
	f := newServiceFixture(t, nil)

	_, err := f.svc.ValidateAccess(context.Background(), "not.a.jwt")
	assert.True(t, errdefs.IsCode(err, errdefs.CodeInvalidToken))
}

func TestValidateRejectsExpiredAccess(t *testing.T) {
	f := newServiceFixture(t, func(cfg *Config) {
		cfg.AccessTTL = time.Nanosecond
	})

	pair, err := f.svc.IssuePair(context.Background(), "user-1", nil)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = f.svc.ValidateAccess(context.Background(), pair.AccessToken)
	requireInvalidTokenReason(t, err, "expired")
}

func TestValidateRejectsForeignSignature(t *testing.T) {
	f := newServiceFixture(t, nil)

	// A token signed by a key outside the ring, with the ring's active KID.
	kid, _, err := f.keys.CurrentSigner()
	require.NoError(t, err)
	foreign, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "https://auth.test",
			Audience:  jwt.ClaimStrings{"authforge-api"},
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        "forged",
		},
		Type: TypeAccess,
	})
	tok.Header["kid"] = kid
	raw, err := tok.SignedString(foreign)
	require.NoError(t, err)

	_, err = f.svc.ValidateAccess(context.Background(), raw)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeInvalidToken))
}

func TestValidateRejectsMissingKID(t *testing.T) {
	f := newServiceFixture(t, nil)

	foreign, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "https://auth.test",
			Audience:  jwt.ClaimStrings{"authforge-api"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Type: TypeAccess,
	})
	raw, err := tok.SignedString(foreign)
	require.NoError(t, err)

	_, err = f.svc.ValidateAccess(context.Background(), raw)
	requireInvalidTokenReason(t, err, "unknown_key")
}

func TestRevokeDenylistsAccessToken(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()

	pair, err := f.svc.IssuePair(ctx, "user-1", nil)
	require.NoError(t, err)
	claims, err := f.svc.ValidateAccess(ctx, pair.AccessToken)
	require.NoError(t, err)

	require.NoError(t, f.svc.Revoke(ctx, claims))

	_, err = f.svc.ValidateAccess(ctx, pair.AccessToken)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeTokenRevoked))
}

func TestConsumeRefreshIsSingleUse(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()

	pair, err := f.svc.IssuePair(ctx, "user-1", nil)
	require.NoError(t, err)
	claims, err := f.svc.ValidateRefresh(ctx, pair.RefreshToken)
	require.NoError(t, err)

	consumed, err := f.svc.ConsumeRefresh(ctx, claims)
	require.NoError(t, err)
	assert.True(t, consumed)

	// The signature is still good, but the registry no longer knows the JTI.
	_, err = f.svc.ValidateRefresh(ctx, pair.RefreshToken)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeTokenRevoked))

	consumed, err = f.svc.ConsumeRefresh(ctx, claims)
	require.NoError(t, err)
	assert.False(t, consumed)
}

func TestPeekClaimsIgnoresRegistry(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()

	pair, err := f.svc.IssuePair(ctx, "user-1", nil)
	require.NoError(t, err)
	claims, err := f.svc.ValidateRefresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	_, err = f.svc.ConsumeRefresh(ctx, claims)
	require.NoError(t, err)

	peeked, err := f.svc.PeekClaims(pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", peeked.Subject)
}

func TestRevokeAllRefresh(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()

	first, err := f.svc.IssuePair(ctx, "user-1", nil)
	require.NoError(t, err)
	second, err := f.svc.IssuePair(ctx, "user-1", nil)
	require.NoError(t, err)

	n, err := f.svc.RevokeAllRefresh(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, raw := range []string{first.RefreshToken, second.RefreshToken} {
		_, err := f.svc.ValidateRefresh(ctx, raw)
		assert.True(t, errdefs.IsCode(err, errdefs.CodeTokenRevoked))
	}
}

func TestRotationKeepsOldTokensValid(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()

	before, err := f.svc.IssuePair(ctx, "user-1", nil)
	require.NoError(t, err)

	_, err = f.keys.Rotate()
	require.NoError(t, err)

	// Old pair still verifies under the demoted key.
	_, err = f.svc.ValidateAccess(ctx, before.AccessToken)
	assert.NoError(t, err)
	_, err = f.svc.ValidateRefresh(ctx, before.RefreshToken)
	assert.NoError(t, err)

	// New pairs sign under the fresh key and verify too.
	after, err := f.svc.IssuePair(ctx, "user-1", nil)
	require.NoError(t, err)
	_, err = f.svc.ValidateAccess(ctx, after.AccessToken)
	assert.NoError(t, err)

	kidOf := func(raw string) string {
		tok, _, err := jwt.NewParser().ParseUnverified(raw, &Claims{})
		require.NoError(t, err)
		return tok.Header["kid"].(string)
	}
	assert.NotEqual(t, kidOf(before.AccessToken), kidOf(after.AccessToken))
}

func TestDenylistOutageFailsClosed(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()

	pair, err := f.svc.IssuePair(ctx, "user-1", nil)
	require.NoError(t, err)

	f.mr.Close()

	_, err = f.svc.ValidateAccess(ctx, pair.AccessToken)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeUnavailable))
}

func requireInvalidTokenReason(t *testing.T, err error, reason string) {
	t.Helper()
	require.Error(t, err)
	var typed *errdefs.Error
	require.ErrorAs(t, err, &typed)
	require.Equal(t, errdefs.CodeInvalidToken, typed.Code)
	assert.Equal(t, reason, typed.Details["reason"])
}
