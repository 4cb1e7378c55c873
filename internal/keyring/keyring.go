// Package keyring owns the asymmetric signing keys used for token issuance.
//
// Exactly one key signs at any moment; previously active keys remain
// verify-only until their retirement window plus a grace period has passed,
// so tokens minted under an old KID stay verifiable for their whole lifetime.
package keyring

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/authforge/auth-service/internal/errdefs"
)

const (
	// KeySize is the RSA modulus size in bits for generated keys.
	KeySize = 2048
	// Algorithm is the JWS algorithm all keys sign with.
	Algorithm = "RS256"
)

// KeyState describes where a key sits in its lifecycle.
type KeyState string

const (
	// StateSigning marks the single key currently used to sign.
	StateSigning KeyState = "active-signing"
	// StateVerifyOnly marks keys that still verify but no longer sign.
	StateVerifyOnly KeyState = "verify-only"
	// StateRetired marks keys past their retirement; pruned after grace.
	StateRetired KeyState = "retired"
)

// SigningKey is an RSA key pair plus its lifecycle timestamps.
type SigningKey struct {
	KID       string
	IssuedAt  time.Time
	ExpiresAt time.Time
	// RetiresAt is when the key stops verifying; zero while signing.
	RetiresAt time.Time

	private *rsa.PrivateKey
	public  *rsa.PublicKey
}

// State derives the lifecycle state at the given instant.
func (k *SigningKey) State(now time.Time) KeyState {
	if k.RetiresAt.IsZero() {
		return StateSigning
	}
	if now.Before(k.RetiresAt) {
		return StateVerifyOnly
	}
	return StateRetired
}

// Public returns the verification half of the key.
func (k *SigningKey) Public() *rsa.PublicKey { return k.public }

// Config configures a KeyRing.
type Config struct {
	// PrivateKeyPath / PublicKeyPath locate the bootstrap PEM pair. An
	// unreadable private key is fatal: New returns an error and the caller
	// must refuse startup.
	PrivateKeyPath string
	PublicKeyPath  string

	// RotationInterval is how long a key signs before scheduled rotation.
	RotationInterval time.Duration
	// VerifyWindow is how long a demoted key keeps verifying. It must cover
	// the longest-lived refresh token.
	VerifyWindow time.Duration
	// GracePeriod delays pruning after RetiresAt.
	GracePeriod time.Duration

	// OnRotate, when set, fires after every successful rotation.
	OnRotate func(kid string)

	Logger *zap.Logger
}

// KeyRing holds the ordered key collection. Safe for concurrent use.
type KeyRing struct {
	mu     sync.RWMutex
	keys   []*SigningKey // newest first; keys[0] is the signer
	cfg    Config
	logger *zap.Logger
}

// New builds a KeyRing from the configured PEM pair. The loaded key becomes
// the active signer.
func New(cfg Config) (*KeyRing, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.RotationInterval == 0 {
		cfg.RotationInterval = 90 * 24 * time.Hour
	}
	if cfg.VerifyWindow == 0 {
		cfg.VerifyWindow = 7 * 24 * time.Hour
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = 7 * 24 * time.Hour
	}

	kr := &KeyRing{cfg: cfg, logger: cfg.Logger}

	key, err := loadKeyPair(cfg.PrivateKeyPath, cfg.PublicKeyPath, cfg.RotationInterval)
	if err != nil {
		return nil, fmt.Errorf("load signing key: %w", err)
	}
	kr.keys = []*SigningKey{key}

	kr.logger.Info("Key ring initialized", zap.String("kid", key.KID))
	return kr, nil
}

// CurrentSigner returns the KID and private material of the active key.
func (kr *KeyRing) CurrentSigner() (string, *rsa.PrivateKey, error) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()

	if len(kr.keys) == 0 {
		return "", nil, errdefs.Security("no active signing key")
	}
	k := kr.keys[0]
	return k.KID, k.private, nil
}

// VerifierFor returns the public material for the given KID. Retired and
// unknown KIDs fail; callers surface this as a validation failure for the
// presented token only.
func (kr *KeyRing) VerifierFor(kid string) (*rsa.PublicKey, error) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()

	now := time.Now()
	for _, k := range kr.keys {
		if k.KID != kid {
			continue
		}
		if k.State(now) == StateRetired {
			return nil, errdefs.InvalidToken("unknown_key")
		}
		return k.public, nil
	}
	return nil, errdefs.InvalidToken("unknown_key")
}

// Rotate generates a fresh key, promotes it to active-signing, demotes the
// previous signer to verify-only, and prunes keys past retirement plus grace.
// The new key is published (visible in the JWKS) before the old key loses
// signing privilege, so in-flight tokens never become unverifiable.
func (kr *KeyRing) Rotate() (*SigningKey, error) {
	private, err := rsa.GenerateKey(rand.Reader, KeySize)
	if err != nil {
		return nil, fmt.Errorf("generate RSA key: %w", err)
	}

	now := time.Now()
	fresh := &SigningKey{
		KID:       uuid.NewString(),
		IssuedAt:  now,
		ExpiresAt: now.Add(kr.cfg.RotationInterval),
		private:   private,
		public:    &private.PublicKey,
	}

	kr.mu.Lock()
	defer kr.mu.Unlock()

	if len(kr.keys) > 0 {
		kr.keys[0].RetiresAt = now.Add(kr.cfg.VerifyWindow)
	}
	kr.keys = append([]*SigningKey{fresh}, kr.keys...)
	kr.pruneLocked(now)

	kr.logger.Info("Signing key rotated",
		zap.String("kid", fresh.KID),
		zap.Int("ring_size", len(kr.keys)))

	if kr.cfg.OnRotate != nil {
		kr.cfg.OnRotate(fresh.KID)
	}
	return fresh, nil
}

// Keys returns a snapshot of all non-retired keys, newest first.
func (kr *KeyRing) Keys() []*SigningKey {
	kr.mu.RLock()
	defer kr.mu.RUnlock()

	now := time.Now()
	out := make([]*SigningKey, 0, len(kr.keys))
	for _, k := range kr.keys {
		if k.State(now) != StateRetired {
			out = append(out, k)
		}
	}
	return out
}

// pruneLocked drops keys past RetiresAt + grace. Caller holds the lock.
func (kr *KeyRing) pruneLocked(now time.Time) {
	kept := kr.keys[:0]
	for _, k := range kr.keys {
		if !k.RetiresAt.IsZero() && now.After(k.RetiresAt.Add(kr.cfg.GracePeriod)) {
			kr.logger.Info("Pruned retired signing key", zap.String("kid", k.KID))
			continue
		}
		kept = append(kept, k)
	}
	kr.keys = kept
}

// StartRotation rotates on the configured interval until ctx is done.
func (kr *KeyRing) StartRotation(ctx context.Context) {
	ticker := time.NewTicker(kr.cfg.RotationInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := kr.Rotate(); err != nil {
					kr.logger.Error("Scheduled key rotation failed", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// loadKeyPair reads a PKCS#1/PKCS#8 private key and its public counterpart.
func loadKeyPair(privatePath, publicPath string, lifetime time.Duration) (*SigningKey, error) {
	privPEM, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, fmt.Errorf("read private key %s: %w", privatePath, err)
	}
	private, err := parsePrivateKey(privPEM)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", privatePath, err)
	}

	public := &private.PublicKey
	if publicPath != "" {
		pubPEM, err := os.ReadFile(publicPath)
		if err != nil {
			return nil, fmt.Errorf("read public key %s: %w", publicPath, err)
		}
		public, err = parsePublicKey(pubPEM)
		if err != nil {
			return nil, fmt.Errorf("parse public key %s: %w", publicPath, err)
		}
	}

	now := time.Now()
	return &SigningKey{
		KID:       uuid.NewString(),
		IssuedAt:  now,
		ExpiresAt: now.Add(lifetime),
		private:   private,
		public:    public,
	}, nil
}

func parsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return key, nil
}

func parsePublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return key, nil
}
