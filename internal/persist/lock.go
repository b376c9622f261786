package persist

import (
	"fmt"
	"os"
	"strconv"
)

// LockPath returns the sibling lock-marker path for a persistence file,
// per spec.md §7.
func LockPath(persistPath string) string {
	return persistPath + ".lock"
}

// AcquireLock creates the lock-marker file for persistPath, failing if
// one already exists, so two daemon instances never interleave writes to
// the same persistence file. The returned release func removes the
// marker; call it when the daemon shuts down.
func AcquireLock(persistPath string) (release func() error, err error) {
	lockPath := LockPath(persistPath)

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			owner, readErr := os.ReadFile(lockPath)
			if readErr == nil {
				return nil, fmt.Errorf("persist: lock file %s already exists (owning pid %s); use --force to remove it", lockPath, owner)
			}
			return nil, fmt.Errorf("persist: lock file %s already exists; use --force to remove it", lockPath)
		}
		return nil, fmt.Errorf("persist: create lock file %s: %w", lockPath, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		_ = os.Remove(lockPath)
		return nil, fmt.Errorf("persist: write pid to lock file %s: %w", lockPath, err)
	}

	return func() error {
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("persist: remove lock file %s: %w", lockPath, err)
		}
		return nil
	}, nil
}

// ForceRemoveLock removes a stale lock-marker file for persistPath,
// backing the daemon's --force flag. It is not an error if no lock file
// exists.
func ForceRemoveLock(persistPath string) error {
	lockPath := LockPath(persistPath)
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("persist: force-remove lock file %s: %w", lockPath, err)
	}
	return nil
}
