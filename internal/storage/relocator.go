package storage

import (
	"bufio"
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/atomic"

	"github.com/pawciobiel/dyson/internal/types"
)

type relocatorState int32

const (
	relocatorNotStarted relocatorState = iota
	relocatorRunning
	relocatorStopRequested
	relocatorStopped
)

// relocator moves finished mail from the incoming to the processed
// directory. A single goroutine scans on every tick and whenever a new
// mail file shows up, so at most one scan is in flight.
type relocator struct {
	s      *Storage
	logger *slog.Logger

	state    atomic.Int32
	stopCh   chan struct{}
	done     chan struct{}
	trigger  chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func newRelocator(s *Storage) *relocator {
	return &relocator{
		s:        s,
		logger:   s.logger.With("subsystem", "relocator"),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		trigger:  make(chan struct{}, 1),
		inFlight: make(map[string]struct{}),
	}
}

func (r *relocator) start() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Warn("File watcher unavailable, relying on periodic scan", "error", err)
		watcher = nil
	} else if err := watcher.Add(r.s.incomingDir); err != nil {
		r.logger.Warn("Cannot watch incoming directory, relying on periodic scan", "dir", r.s.incomingDir, "error", err)
		watcher.Close()
		watcher = nil
	}

	r.state.Store(int32(relocatorRunning))
	go r.loop(watcher)
}

// stop requests the loop to exit and waits for its current scan to end.
// Relocation tasks already submitted keep running in the pool.
func (r *relocator) stop() {
	r.stopOnce.Do(func() {
		r.state.CompareAndSwap(int32(relocatorRunning), int32(relocatorStopRequested))
		close(r.stopCh)
	})
	<-r.done
}

func (r *relocator) running() bool {
	return relocatorState(r.state.Load()) == relocatorRunning
}

// wake schedules a scan unless one is already pending.
func (r *relocator) wake() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

func (r *relocator) loop(watcher *fsnotify.Watcher) {
	defer close(r.done)
	defer r.state.Store(int32(relocatorStopped))

	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	if watcher != nil {
		defer watcher.Close()
		events = watcher.Events
		watchErrs = watcher.Errors
	}

	ticker := time.NewTicker(r.s.scanInterval)
	defer ticker.Stop()

	r.logger.Debug("Relocation loop started", "interval", r.s.scanInterval, "watching", watcher != nil)
	r.scan()

	for {
		select {
		case <-r.stopCh:
			r.logger.Debug("Relocation loop stopped")
			return
		case <-ticker.C:
			r.scan()
		case <-r.trigger:
			r.scan()
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if event.Has(fsnotify.Create) && r.s.isMailFile(event.Name) {
				r.wake()
			}
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			r.logger.Warn("File watcher error", "error", err)
		}
	}
}

// scan submits one relocation task per finished mail not already in flight.
func (r *relocator) scan() {
	r.s.fileMu.RLock()
	defer r.s.fileMu.RUnlock()

	entries, err := os.ReadDir(r.s.incomingDir)
	if err != nil {
		r.logger.Error("Failed to scan incoming directory", "dir", r.s.incomingDir, "error", err)
		return
	}

	submitted := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !r.s.isMailFile(entry.Name()) {
			continue
		}
		path := filepath.Join(r.s.incomingDir, entry.Name())
		if !r.claim(path) {
			continue
		}

		err := r.s.pool.Submit(func(ctx context.Context) {
			defer r.release(path)
			r.relocate(path)
		})
		if err != nil {
			r.release(path)
			r.logger.Debug("Relocation not submitted", "file", path, "error", err)
			return
		}
		submitted++
	}

	if submitted > 0 {
		r.logger.Debug("Relocation tasks submitted", "count", submitted)
	}
}

func (r *relocator) claim(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.inFlight[path]; ok {
		return false
	}
	r.inFlight[path] = struct{}{}
	return true
}

func (r *relocator) release(path string) {
	r.mu.Lock()
	delete(r.inFlight, path)
	r.mu.Unlock()
}

// relocate moves one incoming file to the path the naming scheme gives
// it. On failure the source stays in place for the next scan.
func (r *relocator) relocate(source string) {
	r.s.fileMu.RLock()
	defer r.s.fileMu.RUnlock()

	file, err := os.Open(source)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			r.logger.Debug("Mail already relocated", "file", source)
			return
		}
		r.logger.Error("Failed to open mail for relocation", "file", source, "error", err)
		return
	}
	target, err := r.s.scheme.Path(r.s.processedDir, bufio.NewReader(file))
	file.Close()
	if err != nil {
		r.logger.Error("Failed to compute target path", "file", source, "error", err)
		return
	}

	if err := moveFile(source, target); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			r.logger.Debug("Mail already relocated", "file", source)
			return
		}
		r.logger.Error("Failed to relocate mail", "file", source, "target", target, "error", err)
		return
	}

	r.s.stats.Fire(types.MailProcessed)
	r.logger.Debug("Mail relocated", "file", source, "target", target)
}

func (s *Storage) isMailFile(name string) bool {
	return strings.HasSuffix(name, "."+s.mailSuffix)
}
