package keyring

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// WatchKeyFiles reloads the configured key pair when either PEM file changes
// on disk. An operator replacing the files (external rotation) promotes the
// new material to active-signing exactly as a scheduled Rotate would; the
// previous key is demoted to verify-only.
func (kr *KeyRing) WatchKeyFiles(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the parent directories; editors and secret mounts replace files
	// atomically, which surfaces as Create/Rename rather than Write.
	dirs := map[string]struct{}{
		filepath.Dir(kr.cfg.PrivateKeyPath): {},
	}
	if kr.cfg.PublicKeyPath != "" {
		dirs[filepath.Dir(kr.cfg.PublicKeyPath)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return err
		}
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != kr.cfg.PrivateKeyPath && event.Name != kr.cfg.PublicKeyPath {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				kr.reloadFromDisk()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				kr.logger.Warn("Key file watcher error", zap.Error(err))
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// reloadFromDisk promotes freshly written key material. Failures leave the
// current ring untouched; tokens keep signing under the existing key.
func (kr *KeyRing) reloadFromDisk() {
	key, err := loadKeyPair(kr.cfg.PrivateKeyPath, kr.cfg.PublicKeyPath, kr.cfg.RotationInterval)
	if err != nil {
		kr.logger.Error("Reload of signing key material failed", zap.Error(err))
		return
	}

	kr.mu.Lock()
	defer kr.mu.Unlock()

	// Same modulus means the file event was a no-op rewrite.
	if len(kr.keys) > 0 && kr.keys[0].public.N.Cmp(key.public.N) == 0 {
		return
	}
	if len(kr.keys) > 0 {
		kr.keys[0].RetiresAt = key.IssuedAt.Add(kr.cfg.VerifyWindow)
	}
	kr.keys = append([]*SigningKey{key}, kr.keys...)
	kr.pruneLocked(key.IssuedAt)

	kr.logger.Info("Signing key material reloaded from disk", zap.String("kid", key.KID))
}
