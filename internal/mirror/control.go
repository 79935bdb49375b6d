package mirror

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/pypimirror/internal/master"
)

const (
	lockFilename = ".lock"
)

// validateLockFilePath validates that a lock file path is safe for use.
// It prevents directory traversal attacks by ensuring the path is within the config directory.
func validateLockFilePath(lockFile, baseDir string) error {
	cleanLock := filepath.Clean(lockFile)
	cleanBase := filepath.Clean(baseDir)

	if strings.Contains(lockFile, "..") {
		return errors.New("unsafe lock file path (contains directory traversal): " + lockFile)
	}
	if filepath.Dir(cleanLock) != cleanBase {
		return errors.New("lock file path outside of base directory: " + lockFile)
	}
	return nil
}

// acquireLock opens (creating if needed) and locks the lock file of dir.
// The returned function unlocks, closes and removes it.
func acquireLock(dir string) (func(), error) {
	lockFile := filepath.Join(dir, lockFilename)
	if err := validateLockFilePath(lockFile, dir); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(lockFile, os.O_RDONLY|os.O_CREATE, 0644) // #nosec G304,G302 - lockFile path validated, 0644 standard for lock files
	if err != nil {
		return nil, err
	}
	fileLock := Flock{file}
	if err := fileLock.Lock(); err != nil {
		_ = file.Close()
		return nil, errors.Wrap(err, "another sync holds the mirror lock")
	}

	return func() {
		// remove while still holding the lock
		if err := os.Remove(lockFile); err != nil {
			slog.Warn("failed to remove lock file", "error", err, "path", lockFile)
		}
		if err := fileLock.Unlock(); err != nil {
			slog.Warn("failed to unlock file", "error", err)
		}
		if err := file.Close(); err != nil {
			slog.Warn("failed to close lock file", "error", err)
		}
	}, nil
}

// Run synchronizes the mirror described by config.
//
// The first thing to do is to acquire flock on the lock file. The index
// session lives from just after that until Sync returns. A run that
// leaves packages unsynchronized returns the result together with an
// error.
func Run(ctx context.Context, config *Config, userAgent string) (*SyncResult, error) {
	if err := config.Check(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(config.Dir, 0750); err != nil {
		return nil, err
	}

	unlock, err := acquireLock(config.Dir)
	if err != nil {
		return nil, err
	}
	defer unlock()

	storage, err := NewStorage(config.Dir)
	if err != nil {
		return nil, err
	}

	var verifier *Verifier
	if config.DownloadFiles && config.PGPKeyPath != "" {
		verifier, err = LoadVerifier(config.PGPKeyPath)
		if err != nil {
			return nil, err
		}
		slog.Info("verifying file signatures", "key_id", verifier.KeyID())
	}

	m, err := master.New(config.MasterOptions(userAgent))
	if err != nil {
		return nil, err
	}
	if err := m.Open(ctx); err != nil {
		return nil, err
	}
	defer func() {
		if err := m.Close(); err != nil {
			slog.Warn("failed to close index session", "error", err)
		}
	}()

	result, err := NewMirror(m, storage, config, verifier).Sync(ctx)
	if err != nil {
		return result, err
	}
	if !result.Complete() {
		return result, errors.Newf("%d packages failed to sync; serial stays at %d", len(result.Failed), result.Serial)
	}
	return result, nil
}
