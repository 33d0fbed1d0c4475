package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/pawciobiel/dyson/internal/dirlock"
)

// ErrTargetExists is returned when a relocation target is already taken.
var ErrTargetExists = errors.New("relocation target already exists")

// listMailFiles walks dir and returns the paths, relative to dir, of
// regular files ending in "."+suffix, sorted.
func listMailFiles(dir, suffix string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir && errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if !d.Type().IsRegular() || !strings.HasSuffix(d.Name(), "."+suffix) {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}

// clearDir removes everything in dir except its lock file.
func clearDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	removed := 0
	var errs []error
	for _, entry := range entries {
		if entry.Name() == dirlock.FileName {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// moveFile moves source to target, creating target's parent
// directories. The target name is taken with a hard link, so an existing
// target is never replaced. Across filesystems the content is copied and
// the source removed afterwards.
func moveFile(source, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", filepath.Dir(target), err)
	}

	err := os.Link(source, target)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrExist):
		return fmt.Errorf("%w: %s", ErrTargetExists, target)
	case errors.Is(err, syscall.EXDEV):
		if err := copyFile(source, target); err != nil {
			return err
		}
	default:
		return err
	}

	if err := os.Remove(source); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("moved to %s but failed to remove %s: %w", target, source, err)
	}
	return nil
}

// copyFile writes source to a fresh temp file next to target, syncs it,
// and links it into place without replacing an existing target.
func copyFile(source, target string) error {
	srcFile, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("failed to open source file %s: %w", source, err)
	}
	defer srcFile.Close()

	tempFile := target + ".tmp"
	dstFile, err := os.OpenFile(tempFile, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("failed to create destination file %s: %w", tempFile, err)
	}
	defer func() {
		dstFile.Close()
		os.Remove(tempFile)
	}()

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		return fmt.Errorf("failed to copy mail content: %w", err)
	}
	if err := dstFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync file to disk: %w", err)
	}
	if err := dstFile.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Link(tempFile, target); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrTargetExists, target)
		}
		return fmt.Errorf("failed to link copied file: %w", err)
	}
	return nil
}
