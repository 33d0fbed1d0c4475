package smtpd

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pawciobiel/dyson/internal/config"
	"github.com/pawciobiel/dyson/internal/ingest"
	"github.com/pawciobiel/dyson/internal/logging"
	"github.com/pawciobiel/dyson/internal/storage"
)

func TestMain(m *testing.M) {
	logging.InitTestLogging()
	os.Exit(m.Run())
}

type delivery struct {
	from, to, data string
}

type fakeDeliverer struct {
	mu         sync.Mutex
	accepted   []string
	deliveries []delivery
	err        error
}

func (f *fakeDeliverer) Accept(from, to string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted = append(f.accepted, to)
	return true
}

func (f *fakeDeliverer) DeliverAndWait(ctx context.Context, from, to string, r io.Reader) (ingest.Result, error) {
	if f.err != nil {
		return ingest.Result{}, f.err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return ingest.Result{Err: err}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveries = append(f.deliveries, delivery{from: from, to: to, data: string(data)})
	return ingest.Result{Path: "/dev/null", Size: int64(len(data))}, nil
}

func (f *fakeDeliverer) snapshot() []delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delivery(nil), f.deliveries...)
}

func createSMTPTestConfig(t *testing.T) *config.SMTPConfig {
	t.Helper()
	cfg := config.DefaultConfig().SMTP
	cfg.Port = 0
	cfg.MaxMessageSize = 1024
	cfg.ReadTimeout = 5 * time.Second
	cfg.WriteTimeout = 5 * time.Second
	return &cfg
}

func startTestServer(t *testing.T, cfg *config.SMTPConfig, d Deliverer) *Server {
	t.Helper()
	logger := logging.InitTestLogging()
	srv := New(cfg, NewBackend(context.Background(), d, cfg, logger), logger)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	return srv
}

const testMessage = "From: a@example.org\r\nTo: b@example.net\r\nSubject: hi\r\n\r\nhello\r\n"

func TestServer_DeliversSingleRecipient(t *testing.T) {
	d := &fakeDeliverer{}
	srv := startTestServer(t, createSMTPTestConfig(t), d)

	err := smtp.SendMail(srv.Addr().String(), nil, "a@example.org", []string{"b@example.net"}, strings.NewReader(testMessage))
	require.NoError(t, err)

	got := d.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, delivery{from: "a@example.org", to: "b@example.net", data: testMessage}, got[0])
}

func TestServer_DeliversOncePerRecipient(t *testing.T) {
	d := &fakeDeliverer{}
	srv := startTestServer(t, createSMTPTestConfig(t), d)

	to := []string{"b@example.net", "c@example.net", "d@example.com"}
	err := smtp.SendMail(srv.Addr().String(), nil, "a@example.org", to, strings.NewReader(testMessage))
	require.NoError(t, err)

	got := d.snapshot()
	require.Len(t, got, 3)
	for i, rcpt := range to {
		assert.Equal(t, rcpt, got[i].to)
		assert.Equal(t, testMessage, got[i].data)
	}
	assert.Equal(t, to, d.accepted)
}

func TestServer_RejectsOversizedData(t *testing.T) {
	d := &fakeDeliverer{}
	srv := startTestServer(t, createSMTPTestConfig(t), d)

	big := testMessage + strings.Repeat("x", 4096) + "\r\n"
	err := smtp.SendMail(srv.Addr().String(), nil, "a@example.org", []string{"b@example.net"}, strings.NewReader(big))
	require.Error(t, err)

	var smtpErr *smtp.SMTPError
	require.True(t, errors.As(err, &smtpErr), "unexpected error %v", err)
	assert.Equal(t, 552, smtpErr.Code)
	assert.Empty(t, d.snapshot())
}

func TestServer_StoppedPipelineIsTemporaryFailure(t *testing.T) {
	d := &fakeDeliverer{err: storage.ErrNotRunning}
	srv := startTestServer(t, createSMTPTestConfig(t), d)

	err := smtp.SendMail(srv.Addr().String(), nil, "a@example.org", []string{"b@example.net"}, strings.NewReader(testMessage))
	var smtpErr *smtp.SMTPError
	require.True(t, errors.As(err, &smtpErr), "unexpected error %v", err)
	assert.Equal(t, 421, smtpErr.Code)
}

func TestServer_TooManyRecipients(t *testing.T) {
	cfg := createSMTPTestConfig(t)
	cfg.MaxRecipients = 2
	d := &fakeDeliverer{}
	srv := startTestServer(t, cfg, d)

	err := smtp.SendMail(srv.Addr().String(), nil, "a@example.org",
		[]string{"b@example.net", "c@example.net", "d@example.net"}, strings.NewReader(testMessage))
	require.Error(t, err)
	assert.Empty(t, d.snapshot())
}

func TestServer_MaxConnections(t *testing.T) {
	cfg := createSMTPTestConfig(t)
	cfg.MaxConnections = 1
	srv := startTestServer(t, cfg, &fakeDeliverer{})

	first, err := smtp.Dial(srv.Addr().String())
	require.NoError(t, err)
	defer first.Close()
	require.Eventually(t, func() bool { return srv.ActiveConnections() == 1 }, 5*time.Second, 10*time.Millisecond)

	second, err := smtp.Dial(srv.Addr().String())
	if err == nil {
		second.Close()
		t.Fatal("second connection should have been closed by the server")
	}

	require.NoError(t, first.Quit())
	require.Eventually(t, func() bool { return srv.ActiveConnections() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestServer_UnixSocket(t *testing.T) {
	cfg := createSMTPTestConfig(t)
	// keep the path short: unix socket paths are limited to ~100 bytes
	dir, err := os.MkdirTemp("", "dyson")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	cfg.SocketPath = filepath.Join(dir, "smtp.sock")

	d := &fakeDeliverer{}
	srv := startTestServer(t, cfg, d)
	assert.Equal(t, cfg.SocketPath, srv.SocketPath())

	info, err := os.Stat(cfg.SocketPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o666), info.Mode().Perm())

	conn, err := net.Dial("unix", cfg.SocketPath)
	require.NoError(t, err)
	client, err := smtp.NewClient(conn, "localhost")
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Hello("localhost"))
	require.NoError(t, client.Mail("a@example.org", nil))
	require.NoError(t, client.Rcpt("b@example.net"))
	w, err := client.Data()
	require.NoError(t, err)
	_, err = io.WriteString(w, testMessage)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, client.Quit())

	got := d.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, testMessage, got[0].data)
}

func TestServer_StopRemovesSocket(t *testing.T) {
	cfg := createSMTPTestConfig(t)
	dir, err := os.MkdirTemp("", "dyson")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	cfg.SocketPath = filepath.Join(dir, "smtp.sock")

	logger := logging.InitTestLogging()
	srv := New(cfg, NewBackend(context.Background(), &fakeDeliverer{}, cfg, logger), logger)
	require.NoError(t, srv.Start(context.Background()))
	require.FileExists(t, cfg.SocketPath)

	require.NoError(t, srv.Stop(context.Background()))
	assert.NoFileExists(t, cfg.SocketPath)

	// a second stop is harmless
	assert.NoError(t, srv.Stop(context.Background()))
}

func TestServer_SocketFailureReturnsPromptly(t *testing.T) {
	cfg := createSMTPTestConfig(t)
	notADir := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(notADir, nil, 0o644))
	cfg.SocketPath = filepath.Join(notADir, "smtp.sock")

	logger := logging.InitTestLogging()
	srv := New(cfg, NewBackend(context.Background(), &fakeDeliverer{}, cfg, logger), logger)

	errc := make(chan error, 1)
	go func() { errc <- srv.Start(context.Background()) }()

	select {
	case err := <-errc:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after the socket listener failed")
	}

	addr := srv.Addr()
	require.NotNil(t, addr)
	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	if err == nil {
		conn.Close()
		t.Fatal("TCP listener still accepting after a failed start")
	}
	assert.FileExists(t, notADir)
}

func TestServer_StopRightAfterStart(t *testing.T) {
	for range 20 {
		cfg := createSMTPTestConfig(t)
		logger := logging.InitTestLogging()
		srv := New(cfg, NewBackend(context.Background(), &fakeDeliverer{}, cfg, logger), logger)
		require.NoError(t, srv.Start(context.Background()))

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		require.NoError(t, srv.Stop(ctx))
		cancel()

		conn, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second)
		if err == nil {
			conn.Close()
			t.Fatal("listener still open after Stop")
		}
	}
}

func TestServer_StopClosesOpenSessions(t *testing.T) {
	cfg := createSMTPTestConfig(t)
	logger := logging.InitTestLogging()
	srv := New(cfg, NewBackend(context.Background(), &fakeDeliverer{}, cfg, logger), logger)
	require.NoError(t, srv.Start(context.Background()))

	client, err := smtp.Dial(srv.Addr().String())
	require.NoError(t, err)
	defer client.Close()
	require.Eventually(t, func() bool { return srv.ActiveConnections() == 1 }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	require.Eventually(t, func() bool { return srv.ActiveConnections() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Error(t, client.Noop())
}

func TestBackend_LoginUnsupported(t *testing.T) {
	b := NewBackend(context.Background(), &fakeDeliverer{}, createSMTPTestConfig(t), logging.InitTestLogging())
	_, err := b.Login(nil, "user", "pass")
	assert.ErrorIs(t, err, smtp.ErrAuthUnsupported)
}
