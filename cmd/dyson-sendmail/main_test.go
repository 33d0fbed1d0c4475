package main

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envelope struct {
	from string
	to   []string
	data string
}

type captureBackend struct {
	mu   sync.Mutex
	mail []envelope
}

func (b *captureBackend) Login(state *smtp.ConnectionState, username, password string) (smtp.Session, error) {
	return nil, smtp.ErrAuthUnsupported
}

func (b *captureBackend) AnonymousLogin(state *smtp.ConnectionState) (smtp.Session, error) {
	return &captureSession{backend: b}, nil
}

func (b *captureBackend) snapshot() []envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]envelope(nil), b.mail...)
}

type captureSession struct {
	backend *captureBackend
	env     envelope
}

func (s *captureSession) Mail(from string, opts smtp.MailOptions) error {
	s.env = envelope{from: from}
	return nil
}

func (s *captureSession) Rcpt(to string) error {
	s.env.to = append(s.env.to, to)
	return nil
}

func (s *captureSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.env.data = string(data)
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.backend.mail = append(s.backend.mail, s.env)
	return nil
}

func (s *captureSession) Reset()        {}
func (s *captureSession) Logout() error { return nil }

func startSocketServer(t *testing.T) (*captureBackend, string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "sendmail")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	path := filepath.Join(dir, "smtp.sock")
	l, err := net.Listen("unix", path)
	require.NoError(t, err)

	backend := &captureBackend{}
	server := smtp.NewServer(backend)
	server.Domain = "localhost"
	go server.Serve(l)
	t.Cleanup(func() { server.Close() })

	return backend, path
}

func execute(t *testing.T, stdin string, args ...string) error {
	t.Helper()
	cmd := newRootCmd(strings.NewReader(stdin))
	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	return cmd.Execute()
}

func TestSendmail_ExplicitRecipients(t *testing.T) {
	backend, socket := startSocketServer(t)

	msg := "Subject: hi\r\n\r\nHello World\r\n"
	err := execute(t, msg, "--socket", socket, "-f", "me@example.org", "a@example.net", "b@example.net")
	require.NoError(t, err)

	mail := backend.snapshot()
	require.Len(t, mail, 1)
	got := mail[0]
	assert.Equal(t, "me@example.org", got.from)
	assert.Equal(t, []string{"a@example.net", "b@example.net"}, got.to)
	assert.Equal(t, msg, got.data)
}

func TestSendmail_ReadRecipientsFromHeaders(t *testing.T) {
	backend, socket := startSocketServer(t)

	msg := "To: John <john@example.net>, jane@example.net\r\n" +
		"Cc: ops@example.net\r\n" +
		"Bcc: audit@example.net\r\n" +
		"Subject: report\r\n" +
		"\r\n" +
		"body\r\n"
	require.NoError(t, execute(t, msg, "--socket", socket, "-f", "me@example.org", "-t"))

	mail := backend.snapshot()
	require.Len(t, mail, 1)
	got := mail[0]
	assert.Equal(t, []string{"john@example.net", "jane@example.net", "ops@example.net", "audit@example.net"}, got.to)
	assert.NotContains(t, got.data, "Bcc")
	assert.NotContains(t, got.data, "audit@example.net")
	assert.Contains(t, got.data, "Subject: report\r\n")
	assert.True(t, strings.HasSuffix(got.data, "\r\n\r\nbody\r\n"), got.data)
}

func TestSendmail_NoRecipients(t *testing.T) {
	_, socket := startSocketServer(t)
	err := execute(t, "Subject: x\r\n\r\nbody\r\n", "--socket", socket)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no recipients")
}

func TestSendmail_SocketMissing(t *testing.T) {
	err := execute(t, "body\r\n", "--socket", filepath.Join(t.TempDir(), "missing.sock"), "a@example.net")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to socket")
}

func TestExtractRecipients_InvalidHeader(t *testing.T) {
	_, _, err := extractRecipients([]byte("To: <<broken\r\n\r\nbody\r\n"))
	assert.Error(t, err)
}

func TestExtractRecipients_DropsBcc(t *testing.T) {
	recipients, clean, err := extractRecipients([]byte("To: a@example.net\r\nBcc: b@example.net\r\n\r\nbody\r\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a@example.net", "b@example.net"}, recipients)
	assert.Equal(t, "To: a@example.net\r\n\r\nbody\r\n", string(clean))
}
