package smtpd

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"syscall"
)

// startSocketListener serves SMTP on the configured unix socket.
func (srv *Server) startSocketListener() error {
	socketPath := srv.config.SocketPath
	if socketPath == "" {
		srv.logger.Debug("Unix domain socket disabled (no socket_path configured)")
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	// A stale socket from a previous run blocks Listen
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove existing socket file: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("failed to create Unix domain socket at %s: %w", socketPath, err)
	}

	// Any local user may submit mail
	if err := os.Chmod(socketPath, 0o666); err != nil {
		listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	srv.mu.Lock()
	if srv.closed {
		srv.mu.Unlock()
		listener.Close()
		return net.ErrClosed
	}
	srv.socketListener = listener
	srv.mu.Unlock()

	srv.serve(srv.limit(listener))
	srv.logger.Info("Unix domain socket listener started", "socket_path", socketPath)
	return nil
}

// SocketCredentials are the peer credentials of a unix socket client.
type SocketCredentials struct {
	UID int
	GID int
	PID int
}

func getSocketCredentials(conn net.Conn) (*SocketCredentials, error) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, fmt.Errorf("connection is not a Unix socket")
	}

	raw, err := unixConn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("failed to get raw connection: %w", err)
	}

	var ucred *syscall.Ucred
	var credErr error
	err = raw.Control(func(fd uintptr) {
		ucred, credErr = syscall.GetsockoptUcred(int(fd), syscall.SOL_SOCKET, syscall.SO_PEERCRED)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to access socket: %w", err)
	}
	if credErr != nil {
		return nil, fmt.Errorf("failed to get peer credentials: %w", credErr)
	}

	return &SocketCredentials{
		UID: int(ucred.Uid),
		GID: int(ucred.Gid),
		PID: int(ucred.Pid),
	}, nil
}

func (srv *Server) logConnection(conn net.Conn) {
	if _, ok := conn.(*net.UnixConn); !ok {
		srv.logger.Debug("New connection accepted", "remote", conn.RemoteAddr().String())
		return
	}

	creds, err := getSocketCredentials(conn)
	if err != nil {
		srv.logger.Debug("New socket connection accepted", "error", err)
		return
	}
	srv.logger.Debug("New socket connection accepted",
		"uid", creds.UID,
		"gid", creds.GID,
		"pid", creds.PID)
}
