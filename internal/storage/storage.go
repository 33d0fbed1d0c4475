// Package storage owns the incoming and processed directories: their
// locks, the worker pool shared by ingestion and relocation, and the
// relocation loop moving finished mail into place.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/pawciobiel/dyson/internal/config"
	"github.com/pawciobiel/dyson/internal/dirlock"
	"github.com/pawciobiel/dyson/internal/naming"
	"github.com/pawciobiel/dyson/internal/stats"
	"github.com/pawciobiel/dyson/internal/types"
	"github.com/pawciobiel/dyson/internal/worker"
)

var (
	ErrNotRunning     = errors.New("storage not running")
	ErrAlreadyRunning = errors.New("storage already running")
)

type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Storage struct {
	incomingDir   string
	processedDir  string
	mailSuffix    string
	partialSuffix string
	scanInterval  time.Duration

	scheme naming.Scheme
	stats  *stats.Statistics
	logger *slog.Logger
	owner  string

	// Lifecycle domain. Never held across file operations.
	lifecycleMu   sync.Mutex
	state         State
	incomingLock  *dirlock.Lock
	processedLock *dirlock.Lock
	pool          *worker.Pool
	relocator     *relocator

	// File domain: scan and move take the read side, clearing takes the write side.
	fileMu sync.RWMutex
}

// New builds a stopped storage. scheme decides processed paths.
func New(cfg *config.StorageConfig, scheme naming.Scheme, st *stats.Statistics, logger *slog.Logger) (*Storage, error) {
	if cfg.IncomingDir == "" || cfg.ProcessedDir == "" {
		return nil, fmt.Errorf("%w: storage directories must be set", config.ErrInvalidConfig)
	}
	if cfg.MailSuffix == "" || cfg.PartialSuffix == "" || cfg.MailSuffix == cfg.PartialSuffix {
		return nil, fmt.Errorf("%w: mail and partial suffixes must be set and differ", config.ErrInvalidConfig)
	}
	if scheme == nil {
		return nil, fmt.Errorf("%w: naming scheme is required", config.ErrInvalidConfig)
	}
	if st == nil {
		st = stats.New(logger)
	}
	if logger == nil {
		logger = slog.Default()
	}

	interval := cfg.ScanInterval
	if interval <= 0 {
		interval = time.Second
	}

	return &Storage{
		incomingDir:   cfg.IncomingDir,
		processedDir:  cfg.ProcessedDir,
		mailSuffix:    cfg.MailSuffix,
		partialSuffix: cfg.PartialSuffix,
		scanInterval:  interval,
		scheme:        scheme,
		stats:         st,
		logger:        logger.With("component", "storage"),
		owner:         dirlock.OwnerID(),
	}, nil
}

func (s *Storage) IncomingDir() string   { return s.incomingDir }
func (s *Storage) ProcessedDir() string  { return s.processedDir }
func (s *Storage) MailSuffix() string    { return s.mailSuffix }
func (s *Storage) PartialSuffix() string { return s.partialSuffix }

// Dir returns the directory playing role.
func (s *Storage) Dir(role types.DirRole) string {
	if role == types.DirRoleProcessed {
		return s.processedDir
	}
	return s.incomingDir
}

// Start locks both directories, then launches the worker pool and the
// relocation loop. ctx only scopes start-up; tasks outlive it.
func (s *Storage) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.state != StateStopped {
		return fmt.Errorf("%w: state %s", ErrAlreadyRunning, s.state)
	}
	s.state = StateStarting

	if err := s.start(ctx); err != nil {
		s.state = StateStopped
		return err
	}

	s.state = StateRunning
	s.logger.Info("Storage started",
		"incoming_dir", s.incomingDir,
		"processed_dir", s.processedDir,
		"owner", s.owner)
	return nil
}

func (s *Storage) start(ctx context.Context) error {
	for _, role := range types.StorageDirRoles() {
		if err := prepareDir(s.Dir(role)); err != nil {
			return fmt.Errorf("%s directory: %w", role, err)
		}
	}

	incomingLock := dirlock.New(s.incomingDir, s.owner, s.logger)
	if err := incomingLock.Acquire(); err != nil {
		return err
	}
	processedLock := dirlock.New(s.processedDir, s.owner, s.logger)
	if err := processedLock.Acquire(); err != nil {
		if relErr := incomingLock.Release(); relErr != nil {
			s.logger.Error("Failed to release incoming lock", "error", relErr)
		}
		return err
	}

	s.incomingLock = incomingLock
	s.processedLock = processedLock
	s.pool = worker.NewPool(context.WithoutCancel(ctx), s.logger.With("pool", "storage"))
	s.relocator = newRelocator(s)
	s.relocator.start()
	return nil
}

// Stop shuts the pool down, stops the relocation loop and releases both
// locks. Tasks already running are not waited for; see AwaitTermination.
func (s *Storage) Stop() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.state != StateRunning {
		s.logger.Info("Storage not running, nothing to stop", "state", s.state)
		return nil
	}
	s.state = StateStopping

	s.pool.Shutdown()
	s.relocator.stop()

	var errs []error
	for _, lock := range []*dirlock.Lock{s.incomingLock, s.processedLock} {
		if err := lock.Release(); err != nil {
			errs = append(errs, err)
		}
	}

	s.state = StateStopped
	s.logger.Info("Storage stopped", "active_tasks", s.pool.Active())
	return errors.Join(errs...)
}

// IsRunning is true only while both the pool and the relocation loop are alive.
func (s *Storage) IsRunning() bool {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	return s.state == StateRunning && s.pool.Alive() && s.relocator.running()
}

func (s *Storage) State() State {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	return s.state
}

// Submit runs task on the storage worker pool.
func (s *Storage) Submit(task worker.Task) error {
	s.lifecycleMu.Lock()
	pool, state := s.pool, s.state
	s.lifecycleMu.Unlock()

	if state != StateRunning {
		return ErrNotRunning
	}
	if err := pool.Submit(task); err != nil {
		return fmt.Errorf("%w: %w", ErrNotRunning, err)
	}
	return nil
}

// AwaitTermination waits up to timeout for tasks of the last run to
// finish after Stop. It reports whether they did.
func (s *Storage) AwaitTermination(timeout time.Duration) bool {
	s.lifecycleMu.Lock()
	pool := s.pool
	s.lifecycleMu.Unlock()

	if pool == nil {
		return true
	}
	return pool.AwaitTermination(timeout)
}

// ActiveTasks returns the number of tasks currently running.
func (s *Storage) ActiveTasks() int64 {
	s.lifecycleMu.Lock()
	pool := s.pool
	s.lifecycleMu.Unlock()

	if pool == nil {
		return 0
	}
	return pool.Active()
}

// IncomingMailFiles lists finished mail under the incoming directory,
// relative to it.
func (s *Storage) IncomingMailFiles() ([]string, error) {
	return listMailFiles(s.incomingDir, s.mailSuffix)
}

// ProcessedMailFiles lists relocated mail under the processed directory,
// relative to it.
func (s *Storage) ProcessedMailFiles() ([]string, error) {
	return listMailFiles(s.processedDir, s.mailSuffix)
}

func (s *Storage) ClearIncomingDir() error {
	return s.clear(types.DirRoleIncoming)
}

func (s *Storage) ClearProcessedDir() error {
	return s.clear(types.DirRoleProcessed)
}

func (s *Storage) clear(role types.DirRole) error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	dir := s.Dir(role)
	removed, err := clearDir(dir)
	if err != nil {
		return fmt.Errorf("failed to clear %s directory: %w", role, err)
	}
	s.logger.Info("Directory cleared", "role", role, "dir", dir, "removed", removed)
	return nil
}

// prepareDir creates dir if needed and checks it is a readable, writable directory.
func prepareDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}

	if _, err := os.ReadDir(dir); err != nil {
		return fmt.Errorf("%s is not readable: %w", dir, err)
	}

	check, err := os.CreateTemp(dir, ".writable-*")
	if err != nil {
		return fmt.Errorf("%s is not writable: %w", dir, err)
	}
	check.Close()
	return os.Remove(check.Name())
}
