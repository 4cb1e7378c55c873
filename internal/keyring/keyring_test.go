package keyring

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestKeyPair generates an RSA pair and writes both PEM files into dir.
func writeTestKeyPair(t *testing.T, dir string) (privPath, pubPath string) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	privPath = filepath.Join(dir, "private.pem")
	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	require.NoError(t, os.WriteFile(privPath, privPEM, 0o600))

	pubPath = filepath.Join(dir, "public.pem")
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	require.NoError(t, os.WriteFile(pubPath, pubPEM, 0o600))

	return privPath, pubPath
}

func newTestRing(t *testing.T, cfg Config) *KeyRing {
	t.Helper()
	if cfg.PrivateKeyPath == "" {
		cfg.PrivateKeyPath, cfg.PublicKeyPath = writeTestKeyPair(t, t.TempDir())
	}
	kr, err := New(cfg)
	require.NoError(t, err)
	return kr
}

func TestNewLoadsBootstrapKey(t *testing.T) {
	kr := newTestRing(t, Config{})

	kid, private, err := kr.CurrentSigner()
	require.NoError(t, err)
	assert.NotEmpty(t, kid)
	assert.NotNil(t, private)

	pub, err := kr.VerifierFor(kid)
	require.NoError(t, err)
	assert.Equal(t, private.PublicKey.N, pub.N)
}

func TestNewFailsWithoutPrivateKey(t *testing.T) {
	_, err := New(Config{PrivateKeyPath: filepath.Join(t.TempDir(), "missing.pem")})
	assert.Error(t, err)
}

func TestNewFailsOnGarbagePEM(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a pem file"), 0o600))

	_, err := New(Config{PrivateKeyPath: path})
	assert.Error(t, err)
}

func TestRotatePromotesFreshKey(t *testing.T) {
	kr := newTestRing(t, Config{VerifyWindow: time.Hour})

	oldKID, _, err := kr.CurrentSigner()
	require.NoError(t, err)

	fresh, err := kr.Rotate()
	require.NoError(t, err)
	assert.NotEqual(t, oldKID, fresh.KID)

	newKID, _, err := kr.CurrentSigner()
	require.NoError(t, err)
	assert.Equal(t, fresh.KID, newKID)

	// The demoted key still verifies inside its window.
	_, err = kr.VerifierFor(oldKID)
	assert.NoError(t, err)

	keys := kr.Keys()
	require.Len(t, keys, 2)
	assert.Equal(t, StateSigning, keys[0].State(time.Now()))
	assert.Equal(t, StateVerifyOnly, keys[1].State(time.Now()))
}

func TestRetiredKeyStopsVerifying(t *testing.T) {
	kr := newTestRing(t, Config{VerifyWindow: time.Millisecond, GracePeriod: time.Hour})

	oldKID, _, err := kr.CurrentSigner()
	require.NoError(t, err)
	_, err = kr.Rotate()
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	_, err = kr.VerifierFor(oldKID)
	assert.Error(t, err)
	assert.NotContains(t, kidSet(kr.Keys()), oldKID, "retired keys leave the published set")
}

func TestRotatePrunesAfterGrace(t *testing.T) {
	kr := newTestRing(t, Config{VerifyWindow: time.Millisecond, GracePeriod: time.Millisecond})

	first, _, err := kr.CurrentSigner()
	require.NoError(t, err)
	_, err = kr.Rotate()
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	// The next rotation prunes the first key, now past retirement plus grace.
	_, err = kr.Rotate()
	require.NoError(t, err)

	kr.mu.RLock()
	defer kr.mu.RUnlock()
	for _, k := range kr.keys {
		assert.NotEqual(t, first, k.KID)
	}
}

func TestOnRotateHook(t *testing.T) {
	var rotated []string
	kr := newTestRing(t, Config{OnRotate: func(kid string) { rotated = append(rotated, kid) }})

	fresh, err := kr.Rotate()
	require.NoError(t, err)
	require.Len(t, rotated, 1)
	assert.Equal(t, fresh.KID, rotated[0])
}

func TestVerifierForUnknownKID(t *testing.T) {
	kr := newTestRing(t, Config{})
	_, err := kr.VerifierFor("no-such-kid")
	assert.Error(t, err)
}

func TestJWKSPublishesNonRetiredKeys(t *testing.T) {
	kr := newTestRing(t, Config{VerifyWindow: time.Hour})
	_, err := kr.Rotate()
	require.NoError(t, err)

	set := kr.JWKS()
	require.Len(t, set.Keys, 2)

	signerKID, _, err := kr.CurrentSigner()
	require.NoError(t, err)
	// Newest first: the active signer leads.
	assert.Equal(t, signerKID, set.Keys[0].Kid)

	for _, k := range set.Keys {
		assert.Equal(t, "RSA", k.Kty)
		assert.Equal(t, "sig", k.Use)
		assert.Equal(t, Algorithm, k.Alg)
		assert.NotEmpty(t, k.N)
		assert.NotEmpty(t, k.E)
	}
}

func kidSet(keys []*SigningKey) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.KID)
	}
	return out
}
