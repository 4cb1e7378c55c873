package keyring

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func currentKID(t *testing.T, kr *KeyRing) string {
	t.Helper()
	kid, _, err := kr.CurrentSigner()
	require.NoError(t, err)
	return kid
}

func TestReloadFromDiskPromotesNewKey(t *testing.T) {
	dir := t.TempDir()
	privPath, pubPath := writeTestKeyPair(t, dir)
	kr := newTestRing(t, Config{
		PrivateKeyPath: privPath,
		PublicKeyPath:  pubPath,
		VerifyWindow:   time.Hour,
	})
	oldKID := currentKID(t, kr)

	// An operator swaps in fresh key material under the same paths.
	writeTestKeyPair(t, dir)
	kr.reloadFromDisk()

	newKID := currentKID(t, kr)
	assert.NotEqual(t, oldKID, newKID)

	// The replaced key stays available for verification.
	_, err := kr.VerifierFor(oldKID)
	assert.NoError(t, err)
	assert.Len(t, kr.Keys(), 2)
}

func TestReloadFromDiskIgnoresNoopRewrite(t *testing.T) {
	dir := t.TempDir()
	privPath, pubPath := writeTestKeyPair(t, dir)
	kr := newTestRing(t, Config{PrivateKeyPath: privPath, PublicKeyPath: pubPath})
	kid := currentKID(t, kr)

	// Rewriting the same bytes fires a file event but changes nothing.
	data, err := os.ReadFile(privPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(privPath, data, 0o600))
	kr.reloadFromDisk()

	assert.Equal(t, kid, currentKID(t, kr))
	assert.Len(t, kr.Keys(), 1)
}

func TestReloadFromDiskKeepsRingOnBadMaterial(t *testing.T) {
	dir := t.TempDir()
	privPath, pubPath := writeTestKeyPair(t, dir)
	kr := newTestRing(t, Config{PrivateKeyPath: privPath, PublicKeyPath: pubPath})
	kid := currentKID(t, kr)

	require.NoError(t, os.WriteFile(privPath, []byte("not a pem"), 0o600))
	kr.reloadFromDisk()

	assert.Equal(t, kid, currentKID(t, kr))
	assert.Len(t, kr.Keys(), 1)
}

func TestWatchKeyFilesDetectsReplacement(t *testing.T) {
	dir := t.TempDir()
	privPath, pubPath := writeTestKeyPair(t, dir)
	kr := newTestRing(t, Config{
		PrivateKeyPath: privPath,
		PublicKeyPath:  pubPath,
		VerifyWindow:   time.Hour,
	})
	oldKID := currentKID(t, kr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, kr.WatchKeyFiles(ctx))

	writeTestKeyPair(t, dir)

	require.Eventually(t, func() bool {
		kid, _, err := kr.CurrentSigner()
		return err == nil && kid != oldKID
	}, 2*time.Second, 10*time.Millisecond)
}
