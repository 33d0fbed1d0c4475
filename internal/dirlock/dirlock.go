// Package dirlock marks a storage directory as owned by one process
// through a lock file holding the owner's identifier.
package dirlock

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// FileName is the lock file created inside a locked directory.
const FileName = ".lock"

const unknownOwner = "unknown"

var ErrAlreadyLocked = errors.New("directory already locked")

// AlreadyLockedError reports the owner recorded in an existing lock file.
type AlreadyLockedError struct {
	Dir   string
	Owner string
}

func (e *AlreadyLockedError) Error() string {
	return fmt.Sprintf("%s is already locked by process %s", e.Dir, e.Owner)
}

func (e *AlreadyLockedError) Is(target error) bool {
	return target == ErrAlreadyLocked
}

// OwnerID identifies the current process as hostname:pid.
func OwnerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return host + ":" + strconv.Itoa(os.Getpid())
}

type Lock struct {
	dir    string
	owner  string
	logger *slog.Logger

	mu   sync.Mutex
	held bool
}

func New(dir, owner string, logger *slog.Logger) *Lock {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lock{dir: dir, owner: owner, logger: logger}
}

func (l *Lock) Dir() string   { return l.dir }
func (l *Lock) Path() string  { return filepath.Join(l.dir, FileName) }
func (l *Lock) Owner() string { return l.owner }

func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Acquire creates the lock file. Any existing lock file fails with
// *AlreadyLockedError, whether or not its owner is still alive.
func (l *Lock) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		return nil
	}

	path := l.Path()
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return &AlreadyLockedError{Dir: l.dir, Owner: readOwner(path)}
		}
		return fmt.Errorf("failed to create lock file %s: %w", path, err)
	}

	if _, err := file.WriteString(l.owner); err != nil {
		file.Close()
		os.Remove(path)
		return fmt.Errorf("failed to write lock file %s: %w", path, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(path)
		return fmt.Errorf("failed to sync lock file %s: %w", path, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to close lock file %s: %w", path, err)
	}

	l.held = true
	l.logger.Debug("Directory locked", "dir", l.dir, "owner", l.owner)
	return nil
}

// Release removes the lock file. A missing file, or one now recorded for
// another owner, is logged and left alone.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	path := l.Path()
	l.held = false

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		l.logger.Warn("Lock file already gone", "dir", l.dir)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read lock file %s: %w", path, err)
	}

	if owner := strings.TrimSpace(string(data)); owner != l.owner {
		l.logger.Warn("Lock file owned by another process, leaving it", "dir", l.dir, "owner", owner)
		return nil
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove lock file %s: %w", path, err)
	}

	l.logger.Debug("Directory unlocked", "dir", l.dir)
	return nil
}

func readOwner(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return unknownOwner
	}
	owner := strings.TrimSpace(string(data))
	if owner == "" {
		return unknownOwner
	}
	return owner
}
