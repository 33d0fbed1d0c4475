package smtpd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/emersion/go-smtp"
	"go.uber.org/atomic"

	"github.com/pawciobiel/dyson/internal/config"
)

type Server struct {
	config *config.SMTPConfig
	logger *slog.Logger
	smtp   *smtp.Server

	wg       sync.WaitGroup
	shutdown chan struct{}
	stopOnce sync.Once

	mu             sync.Mutex
	closed         bool
	tcpListener    net.Listener
	socketListener net.Listener
	conns          map[*trackedConn]struct{}

	// Shared by both listeners
	totalConnections atomic.Int64
}

func New(cfg *config.SMTPConfig, backend smtp.Backend, logger *slog.Logger) *Server {
	logger = logger.With("component", "smtpd")

	s := smtp.NewServer(backend)
	s.Domain = cfg.Hostname
	s.MaxMessageBytes = cfg.MaxMessageSize
	s.MaxRecipients = cfg.MaxRecipients
	s.ReadTimeout = cfg.ReadTimeout
	s.WriteTimeout = cfg.WriteTimeout
	s.AuthDisabled = true
	s.ErrorLog = slog.NewLogLogger(logger.Handler(), slog.LevelWarn)

	return &Server{
		config:   cfg,
		logger:   logger,
		smtp:     s,
		shutdown: make(chan struct{}),
		conns:    make(map[*trackedConn]struct{}),
	}
}

// Start listens on bind:port and, when configured, on the unix socket.
func (srv *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(srv.config.Bind, strconv.Itoa(srv.config.Port))

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv.mu.Lock()
	if srv.closed {
		srv.mu.Unlock()
		listener.Close()
		return net.ErrClosed
	}
	srv.tcpListener = listener
	srv.mu.Unlock()

	srv.serve(srv.limit(listener))
	srv.logger.Info("SMTP server started", "address", listener.Addr().String())

	if err := srv.startSocketListener(); err != nil {
		// serve loops exit once their listeners close
		if stopErr := srv.Stop(context.WithoutCancel(ctx)); stopErr != nil {
			srv.logger.Warn("Failed to clean up after start failure", "error", stopErr)
		}
		return err
	}
	return nil
}

func (srv *Server) serve(l net.Listener) {
	srv.wg.Go(func() {
		if err := srv.smtp.Serve(l); err != nil {
			select {
			case <-srv.shutdown:
			default:
				srv.logger.Error("SMTP listener stopped", "address", l.Addr().String(), "error", err)
			}
		}
	})
}

// Addr returns the TCP address the server listens on.
func (srv *Server) Addr() net.Addr {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.tcpListener == nil {
		return nil
	}
	return srv.tcpListener.Addr()
}

func (srv *Server) SocketPath() string {
	return srv.config.SocketPath
}

// Stop closes every listener and open connection, then waits for the
// serve loops to return or ctx to end.
func (srv *Server) Stop(ctx context.Context) error {
	var errs []error
	socketOpen := false
	srv.stopOnce.Do(func() {
		srv.logger.Info("Shutting down SMTP server")
		close(srv.shutdown)
		socketOpen, errs = srv.closeAll()
	})

	done := make(chan struct{})
	go func() {
		srv.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		srv.logger.Info("SMTP server stopped gracefully")
	case <-ctx.Done():
		srv.logger.Warn("SMTP server shutdown timeout")
		errs = append(errs, ctx.Err())
	}

	if path := srv.config.SocketPath; socketOpen && path != "" {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// closeAll closes the listeners and every tracked connection. go-smtp's own
// Close is not used: it reads its listener list without the lock Serve
// appends under.
func (srv *Server) closeAll() (socketOpen bool, errs []error) {
	srv.mu.Lock()
	srv.closed = true
	listeners := make([]net.Listener, 0, 2)
	if srv.tcpListener != nil {
		listeners = append(listeners, srv.tcpListener)
	}
	if srv.socketListener != nil {
		socketOpen = true
		listeners = append(listeners, srv.socketListener)
	}
	conns := make([]*trackedConn, 0, len(srv.conns))
	for c := range srv.conns {
		conns = append(conns, c)
	}
	srv.mu.Unlock()

	for _, l := range listeners {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	for _, c := range conns {
		c.Close()
	}
	return socketOpen, errs
}

// limit wraps l so connections beyond max_connections are closed on accept.
func (srv *Server) limit(l net.Listener) net.Listener {
	return &limitListener{Listener: l, srv: srv}
}

func (srv *Server) canAcceptConnection() bool {
	total := srv.totalConnections.Load()
	if total >= int64(srv.config.MaxConnections) {
		srv.logger.Warn("Connection rejected: max connections reached",
			"current", total, "max", srv.config.MaxConnections)
		return false
	}
	return true
}

// ActiveConnections returns the number of open connections.
func (srv *Server) ActiveConnections() int64 {
	return srv.totalConnections.Load()
}

type limitListener struct {
	net.Listener
	srv *Server
}

func (l *limitListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		if !l.srv.canAcceptConnection() {
			conn.Close()
			continue
		}
		tracked, err := l.srv.track(conn)
		if err != nil {
			return nil, err
		}
		l.srv.logConnection(conn)
		return tracked, nil
	}
}

func (srv *Server) track(conn net.Conn) (*trackedConn, error) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.closed {
		conn.Close()
		return nil, net.ErrClosed
	}
	c := &trackedConn{Conn: conn, srv: srv}
	srv.conns[c] = struct{}{}
	srv.totalConnections.Inc()
	return c, nil
}

type trackedConn struct {
	net.Conn
	srv  *Server
	once sync.Once
}

func (c *trackedConn) Close() error {
	c.once.Do(func() {
		c.srv.mu.Lock()
		delete(c.srv.conns, c)
		c.srv.mu.Unlock()
		c.srv.totalConnections.Dec()
	})
	return c.Conn.Close()
}
