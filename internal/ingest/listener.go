// Package ingest turns a delivered (sender, recipient, data) tuple into a
// finished file in the incoming directory.
package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"

	"github.com/pawciobiel/dyson/internal/config"
	"github.com/pawciobiel/dyson/internal/stats"
	"github.com/pawciobiel/dyson/internal/types"
	"github.com/pawciobiel/dyson/internal/worker"
)

// Submitter runs a task asynchronously; *storage.Storage implements it.
type Submitter interface {
	Submit(task worker.Task) error
}

// Result is the outcome of one delivery.
type Result struct {
	Path      string
	Size      int64
	Discarded bool
	Err       error
}

type Listener struct {
	submitter Submitter
	writer    *Writer
	stats     *stats.Statistics
	discard   *regexp.Regexp
	logger    *slog.Logger
}

// NewListener compiles the discard pattern, if enabled, with whole-address matching.
func NewListener(submitter Submitter, writer *Writer, st *stats.Statistics, discard config.DiscardConfig, logger *slog.Logger) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}

	l := &Listener{
		submitter: submitter,
		writer:    writer,
		stats:     st,
		logger:    logger.With("component", "ingest"),
	}

	if discard.Enabled {
		re, err := regexp.Compile(`^(?:` + discard.Regex + `)$`)
		if err != nil {
			return nil, fmt.Errorf("%w: discard regex %q: %v", config.ErrInvalidConfig, discard.Regex, err)
		}
		l.discard = re
	}

	return l, nil
}

// Accept admits every envelope.
func (l *Listener) Accept(from, to string) bool {
	return true
}

// Discards reports whether mail for recipient is dropped.
func (l *Listener) Discards(recipient string) bool {
	return l.discard != nil && l.discard.MatchString(recipient)
}

// Deliver counts the mail as handled, drops it if the recipient matches
// the discard pattern, and otherwise queues the write. The returned
// channel yields exactly one Result; r must stay readable until then.
// Only a stopped pipeline makes Deliver itself fail.
func (l *Listener) Deliver(from, to string, r io.Reader) (<-chan Result, error) {
	l.stats.Fire(types.MailHandled)

	result := make(chan Result, 1)

	if l.Discards(to) {
		l.stats.Fire(types.MailDiscarded)
		l.logger.Debug("Mail discarded", "from", from, "to", to)
		result <- Result{Discarded: true}
		close(result)
		return result, nil
	}

	err := l.submitter.Submit(func(ctx context.Context) {
		defer close(result)

		path, size, err := l.writer.Write(ctx, r)
		if err != nil {
			l.logger.Error("Failed to store incoming mail", "from", from, "to", to, "dir", l.writer.Dir(), "error", err)
			result <- Result{Size: size, Err: err}
			return
		}

		l.stats.Fire(types.MailCameIn)
		l.logger.Debug("Mail stored", "from", from, "to", to, "file", path, "size", size)
		result <- Result{Path: path, Size: size}
	})
	if err != nil {
		l.logger.Warn("Mail rejected, storage not running", "from", from, "to", to, "error", err)
		return nil, err
	}

	return result, nil
}

// DeliverAndWait delivers and blocks for the outcome. ctx is only checked
// before delivery: once the write is queued it owns r, so the caller must
// not give the stream back before the write has finished with it.
func (l *Listener) DeliverAndWait(ctx context.Context, from, to string, r io.Reader) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	results, err := l.Deliver(from, to, r)
	if err != nil {
		return Result{}, err
	}
	res := <-results
	return res, res.Err
}
