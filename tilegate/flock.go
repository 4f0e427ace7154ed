package tilegate

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const lockSuffix = ".lock"

// lockPollInterval matches the backpressure delay used across the package.
const lockPollInterval = 25 * time.Millisecond

// acquireFileLock takes the sidecar lock for path, polling until timeout.
// The caller must invoke the returned release function.
func acquireFileLock(path string, timeout time.Duration) (func(), error) {
	lockPath := path + lockSuffix
	deadline := time.Now().Add(timeout)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			f.Close()
			return func() { os.Remove(lockPath) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("failed to create lock %s: %w", lockPath, err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s held for more than %s", ErrLockTimeout, lockPath, timeout)
		}
		time.Sleep(lockPollInterval)
	}
}

// CreateFileWithLock writes path atomically under the sidecar lock. Parent
// directories are created as needed. Readers never observe a partial file
// because the bytes land in a temp file renamed into place.
func CreateFileWithLock(path string, data []byte, timeout time.Duration) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	release, err := acquireFileLock(path, timeout)
	if err != nil {
		return err
	}
	defer release()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename %s: %w", tmp, err)
	}
	return nil
}

// RemoveFileWithLock deletes path under the sidecar lock. A missing file is
// not an error, matching delete semantics of the database backends.
func RemoveFileWithLock(path string, timeout time.Duration) error {
	release, err := acquireFileLock(path, timeout)
	if err != nil {
		return err
	}
	defer release()

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// RemoveStaleLocks sweeps lock files older than maxAge below root. Run at
// startup so locks orphaned by a crash do not block writers forever.
func RemoveStaleLocks(logger *log.Logger, root string, maxAge time.Duration) (int, error) {
	removed := 0
	cutoff := time.Now().Add(-maxAge)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, lockSuffix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err == nil {
				removed++
				logger.Printf("removed stale lock %s", path)
			}
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("failed to sweep locks under %s: %w", root, err)
	}
	return removed, nil
}
