// Package smtpd is the SMTP front-end: it accepts mail over the wire and
// hands each (sender, recipient, data) tuple to the ingest listener.
package smtpd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/emersion/go-smtp"

	"github.com/pawciobiel/dyson/internal/config"
	"github.com/pawciobiel/dyson/internal/ingest"
	"github.com/pawciobiel/dyson/internal/storage"
	"github.com/pawciobiel/dyson/internal/worker"
)

// Deliverer is the ingest side of a session; *ingest.Listener implements it.
type Deliverer interface {
	Accept(from, to string) bool
	DeliverAndWait(ctx context.Context, from, to string, r io.Reader) (ingest.Result, error)
}

// Backend opens an unauthenticated session per connection.
type Backend struct {
	ctx       context.Context
	deliverer Deliverer
	config    *config.SMTPConfig
	logger    *slog.Logger
}

func NewBackend(ctx context.Context, deliverer Deliverer, cfg *config.SMTPConfig, logger *slog.Logger) *Backend {
	return &Backend{
		ctx:       ctx,
		deliverer: deliverer,
		config:    cfg,
		logger:    logger,
	}
}

func (b *Backend) Login(state *smtp.ConnectionState, username, password string) (smtp.Session, error) {
	return nil, smtp.ErrAuthUnsupported
}

func (b *Backend) AnonymousLogin(state *smtp.ConnectionState) (smtp.Session, error) {
	remote := "unknown"
	if state != nil && state.RemoteAddr != nil {
		remote = state.RemoteAddr.String()
	}
	return &Session{
		backend: b,
		logger:  b.logger.With("remote", remote),
	}, nil
}

type Session struct {
	backend *Backend
	logger  *slog.Logger
	from    string
	to      []string
}

func (s *Session) Mail(from string, opts smtp.MailOptions) error {
	if limit := s.backend.config.MaxMessageSize; limit > 0 && opts.Size > limit {
		return smtp.ErrDataTooLarge
	}
	s.from = from
	s.to = s.to[:0]
	return nil
}

func (s *Session) Rcpt(to string) error {
	if limit := s.backend.config.MaxRecipients; limit > 0 && len(s.to) >= limit {
		return &smtp.SMTPError{
			Code:         452,
			EnhancedCode: smtp.EnhancedCode{4, 5, 3},
			Message:      "Too many recipients",
		}
	}
	if !s.backend.deliverer.Accept(s.from, to) {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "Recipient rejected",
		}
	}
	s.to = append(s.to, to)
	return nil
}

// Data delivers the message once per recipient. With several recipients
// the data is read into memory first so each delivery gets its own copy.
func (s *Session) Data(r io.Reader) error {
	if len(s.to) == 0 {
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "No valid recipients",
		}
	}

	if len(s.to) == 1 {
		return s.deliver(s.to[0], r)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return s.mapError(err)
	}
	for _, to := range s.to {
		if err := s.deliver(to, bytes.NewReader(buf.Bytes())); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) deliver(to string, r io.Reader) error {
	res, err := s.backend.deliverer.DeliverAndWait(s.backend.ctx, s.from, to, r)
	if err != nil {
		s.logger.Warn("Delivery failed", "from", s.from, "to", to, "error", err)
		return s.mapError(err)
	}
	if res.Discarded {
		s.logger.Debug("Delivery discarded", "from", s.from, "to", to)
	}
	return nil
}

func (s *Session) mapError(err error) error {
	var smtpErr *smtp.SMTPError
	switch {
	case errors.Is(err, smtp.ErrDataTooLarge):
		return smtp.ErrDataTooLarge
	case errors.As(err, &smtpErr):
		return smtpErr
	case errors.Is(err, storage.ErrNotRunning), errors.Is(err, worker.ErrNotRunning),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &smtp.SMTPError{
			Code:         421,
			EnhancedCode: smtp.EnhancedCode{4, 3, 2},
			Message:      "Service shutting down",
		}
	default:
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Local error in processing",
		}
	}
}

func (s *Session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *Session) Logout() error {
	return nil
}
