// Package server wires statistics, storage, the ingest listener and the
// network front-ends into one runnable instance.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/pawciobiel/dyson/internal/config"
	"github.com/pawciobiel/dyson/internal/ingest"
	"github.com/pawciobiel/dyson/internal/naming"
	"github.com/pawciobiel/dyson/internal/smtpd"
	"github.com/pawciobiel/dyson/internal/stats"
	"github.com/pawciobiel/dyson/internal/storage"
	"github.com/pawciobiel/dyson/internal/web"
)

// ErrStopped is returned by Start after Stop; the front-ends are single use.
var ErrStopped = errors.New("server already stopped")

type Server struct {
	config *config.Config
	logger *slog.Logger

	stats    *stats.Statistics
	storage  *storage.Storage
	listener *ingest.Listener
	smtp     *smtpd.Server
	web      *web.Server

	// Cancels the context sessions wait for deliveries under
	cancelSession context.CancelFunc

	mu      sync.Mutex
	started bool
	stopped bool
}

// New builds every component from cfg without touching the filesystem or network.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	st := stats.New(logger)

	scheme, err := naming.NewRegistry().New(cfg.Storage.NamingScheme, naming.Options{
		Tokens:     cfg.Storage.NamingTokens,
		MailSuffix: cfg.Storage.MailSuffix,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}

	store, err := storage.New(&cfg.Storage, scheme, st, logger)
	if err != nil {
		return nil, err
	}

	writer := ingest.NewWriter(&cfg.Storage, cfg.SMTP.MaxConnections, logger)
	listener, err := ingest.NewListener(store, writer, st, cfg.SMTP.Discard, logger)
	if err != nil {
		return nil, err
	}

	sessionCtx, cancelSession := context.WithCancel(context.Background())
	backend := smtpd.NewBackend(sessionCtx, listener, &cfg.SMTP, logger.With("component", "smtpd"))

	s := &Server{
		config:        cfg,
		logger:        logger.With("component", "server"),
		stats:         st,
		storage:       store,
		listener:      listener,
		smtp:          smtpd.New(&cfg.SMTP, backend, logger),
		cancelSession: cancelSession,
	}

	if cfg.HTTP.Enabled {
		s.web, err = web.New(cfg, store, st, logger)
		if err != nil {
			cancelSession()
			return nil, err
		}
	}

	return s, nil
}

// Start brings up storage first so nothing is accepted before mail can be written.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return storage.ErrAlreadyRunning
	}

	if err := s.storage.Start(ctx); err != nil {
		return fmt.Errorf("failed to start storage: %w", err)
	}

	if err := s.smtp.Start(ctx); err != nil {
		s.stopped = true
		return errors.Join(fmt.Errorf("failed to start SMTP server: %w", err), s.storage.Stop())
	}

	if s.web != nil {
		if err := s.web.Start(ctx); err != nil {
			s.stopped = true
			return errors.Join(
				fmt.Errorf("failed to start HTTP server: %w", err),
				s.smtp.Stop(ctx),
				s.storage.Stop(),
			)
		}
	}

	s.started = true
	s.logger.Info("Dyson started",
		"incoming", s.storage.IncomingDir(),
		"processed", s.storage.ProcessedDir(),
		"smtp", s.smtp.Addr(),
	)
	return nil
}

// Stop closes the front-ends, stops storage and waits up to
// storage.shutdown_timeout for queued tasks. Stop on a stopped server is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.started = false
	s.stopped = true

	s.cancelSession()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.smtp.Stop(gctx) })
	if s.web != nil {
		g.Go(func() error { return s.web.Stop(gctx) })
	}
	listenersErr := g.Wait()

	storageErr := s.storage.Stop()
	if !s.storage.AwaitTermination(s.config.Storage.ShutdownTimeout) {
		s.logger.Warn("Storage tasks still running after shutdown timeout",
			"timeout", s.config.Storage.ShutdownTimeout,
			"active", s.storage.ActiveTasks(),
		)
	}

	s.logger.Info("Dyson stopped", "runtime", s.stats.RuntimeInformation())
	return errors.Join(listenersErr, storageErr)
}

func (s *Server) Storage() *storage.Storage {
	return s.storage
}

func (s *Server) Stats() *stats.Statistics {
	return s.stats
}

func (s *Server) Listener() *ingest.Listener {
	return s.listener
}

// SMTPAddr is the bound SMTP address, nil before Start.
func (s *Server) SMTPAddr() net.Addr {
	return s.smtp.Addr()
}

// HTTPAddr is the bound HTTP address, nil before Start or when disabled.
func (s *Server) HTTPAddr() net.Addr {
	if s.web == nil {
		return nil
	}
	return s.web.Addr()
}
