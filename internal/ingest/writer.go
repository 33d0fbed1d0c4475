package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pawciobiel/dyson/internal/config"
)

const maxNameAttempts = 16

var ErrNoFreeName = errors.New("no free incoming file name")

// Writer persists a mail stream into the incoming directory. Data goes to
// <base>.<partial suffix> first; the finished file is published under
// <base>.<mail suffix> without ever replacing an existing mail.
type Writer struct {
	dir           string
	mailSuffix    string
	partialSuffix string
	bufferSize    int
	maxDiscrim    int
	logger        *slog.Logger

	now    func() time.Time
	remove func(name string) error
}

// NewWriter builds a writer for cfg.IncomingDir. maxConnections bounds
// the random part of generated names.
func NewWriter(cfg *config.StorageConfig, maxConnections int, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	if maxConnections <= 0 {
		maxConnections = 1
	}
	return &Writer{
		dir:           cfg.IncomingDir,
		mailSuffix:    cfg.MailSuffix,
		partialSuffix: cfg.PartialSuffix,
		bufferSize:    bufferSize,
		maxDiscrim:    maxConnections,
		logger:        logger.With("component", "writer"),
		now:           time.Now,
		remove:        os.Remove,
	}
}

func (w *Writer) Dir() string { return w.dir }

// Write streams r to disk and returns the finished path and byte count.
// On error the partial file is removed.
func (w *Writer) Write(ctx context.Context, r io.Reader) (string, int64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}

	partialPath, file, err := w.reserve()
	if err != nil {
		return "", 0, err
	}

	committed := false
	defer func() {
		file.Close()
		if !committed {
			os.Remove(partialPath)
		}
	}()

	buffered := bufio.NewWriterSize(file, w.bufferSize)
	written, err := io.Copy(buffered, r)
	if err != nil {
		return "", written, fmt.Errorf("failed to write mail data to %s: %w", partialPath, err)
	}
	if err := buffered.Flush(); err != nil {
		return "", written, fmt.Errorf("failed to flush %s: %w", partialPath, err)
	}
	if err := file.Sync(); err != nil {
		return "", written, fmt.Errorf("failed to sync file to disk: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", written, fmt.Errorf("failed to close file: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return "", written, err
	}

	finalPath, err := w.publish(partialPath)
	if err != nil {
		return "", written, err
	}
	committed = true
	return finalPath, written, nil
}

// reserve creates a new, empty partial file whose base name has no
// finished mail yet.
func (w *Writer) reserve() (string, *os.File, error) {
	for range maxNameAttempts {
		base := w.baseName()
		if w.exists(base + "." + w.mailSuffix) {
			continue
		}
		path := filepath.Join(w.dir, base+"."+w.partialSuffix)
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", nil, fmt.Errorf("failed to create partial file %s: %w", path, err)
		}
		return path, file, nil
	}
	return "", nil, fmt.Errorf("%w in %s", ErrNoFreeName, w.dir)
}

// publish hard-links the partial file to a free mail name and drops the
// partial name. A link never replaces an existing file.
func (w *Writer) publish(partialPath string) (string, error) {
	base := partialPath[:len(partialPath)-len(w.partialSuffix)-1]
	for range maxNameAttempts {
		finalPath := base + "." + w.mailSuffix
		err := os.Link(partialPath, finalPath)
		if err == nil {
			// published; a leftover partial name is never relocated
			if err := w.remove(partialPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
				w.logger.Warn("Failed to remove partial file after publishing",
					"partial", partialPath, "file", finalPath, "error", err)
			}
			return finalPath, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("failed to finalize %s: %w", partialPath, err)
		}
		base = filepath.Join(w.dir, w.baseName())
	}
	return "", fmt.Errorf("%w for %s", ErrNoFreeName, partialPath)
}

// baseName is <unix millis>_<random below max connections>.
func (w *Writer) baseName() string {
	return strconv.FormatInt(w.now().UnixMilli(), 10) + "_" + strconv.Itoa(rand.IntN(w.maxDiscrim))
}

func (w *Writer) exists(name string) bool {
	_, err := os.Lstat(filepath.Join(w.dir, name))
	return err == nil
}
