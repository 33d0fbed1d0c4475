package bomber

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-smtp"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultRecipient = "test@localhost"
	DefaultAddr      = "127.0.0.1:1025"

	// unixPrefix selects a unix socket target, e.g. unix:/run/dyson/smtp.sock
	unixPrefix = "unix:"
)

var ErrNoMessages = errors.New("messages must be >= 1")

type Config struct {
	Addr       string
	Hello      string
	From       string
	Recipients []string
	Subject    string
	Timeout    time.Duration
}

type Message struct {
	ID        int
	From      string
	To        string
	Subject   string
	Body      string
	Timestamp time.Time
}

type Stats struct {
	Total     atomic.Int64
	Success   atomic.Int64
	Errors    atomic.Int64
	StartTime atomic.Time
}

func (s *Stats) AddSuccess() { s.Success.Inc() }

func (s *Stats) AddError() { s.Errors.Inc() }

func (s *Stats) GetSuccess() int64 { return s.Success.Load() }

func (s *Stats) GetErrors() int64 { return s.Errors.Load() }

func (s *Stats) GetProcessed() int64 {
	return s.GetSuccess() + s.GetErrors()
}

func (s *Stats) Reset() {
	s.Success.Store(0)
	s.Errors.Store(0)
	s.StartTime.Store(time.Now())
}

// Elapsed is the time since the last Reset.
func (s *Stats) Elapsed() time.Duration {
	return time.Since(s.StartTime.Load())
}

type Client struct {
	config *Config
	logger *slog.Logger
	stats  *Stats
}

// New fills unset config fields with defaults and returns a client for it.
func New(config *Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	ValidateConfig(config)

	stats := &Stats{}
	stats.StartTime.Store(time.Now())

	return &Client{
		config: config,
		logger: logger.With("component", "bomber"),
		stats:  stats,
	}
}

func (c *Client) Stats() *Stats {
	return c.stats
}

func (c *Client) generateMessage(id int, customBody string) *Message {
	recipient := c.config.Recipients[id%len(c.config.Recipients)]

	body := customBody
	if body == "" {
		randBytes := make([]byte, 8)
		_, _ = rand.Read(randBytes)
		body = fmt.Sprintf("This is test message number %d.\r\nGenerated at: %s\r\nRandom data: %x\r\n",
			id, time.Now().Format(time.RFC3339), randBytes)
	}

	return &Message{
		ID:        id,
		From:      c.config.From,
		To:        recipient,
		Subject:   fmt.Sprintf("%s %d", c.config.Subject, id),
		Body:      body,
		Timestamp: time.Now(),
	}
}

// Render returns the RFC 5322 text sent for msg.
func (msg *Message) Render() string {
	var builder strings.Builder
	builder.Grow(len(msg.Subject) + len(msg.From) + len(msg.To) + len(msg.Body) + 200)

	builder.WriteString("Subject: ")
	builder.WriteString(msg.Subject)
	builder.WriteString("\r\nFrom: ")
	builder.WriteString(msg.From)
	builder.WriteString("\r\nTo: ")
	builder.WriteString(msg.To)
	builder.WriteString("\r\nDate: ")
	builder.WriteString(msg.Timestamp.Format(time.RFC1123Z))
	fmt.Fprintf(&builder, "\r\nMessage-ID: <bomber-%d-%d@dyson>\r\n\r\n", msg.ID, msg.Timestamp.UnixNano())
	builder.WriteString(msg.Body)

	return builder.String()
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.config.Timeout}
	if path, ok := strings.CutPrefix(c.config.Addr, unixPrefix); ok {
		return dialer.DialContext(ctx, "unix", path)
	}
	return dialer.DialContext(ctx, "tcp", c.config.Addr)
}

// SendMessage delivers msg over a fresh connection.
func (c *Client) SendMessage(ctx context.Context, msg *Message) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial for message %d failed: %w", msg.ID, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	// go-smtp does not watch the context, closing the conn unblocks it
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	client, err := smtp.NewClient(conn, "localhost")
	if err != nil {
		conn.Close()
		return fmt.Errorf("greeting for message %d failed: %w", msg.ID, err)
	}
	defer client.Close()

	if err := send(client, c.config.Hello, msg); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("timeout sending message %d: %w", msg.ID, ctx.Err())
		}
		return fmt.Errorf("send message %d failed: %w", msg.ID, err)
	}
	return nil
}

func send(client *smtp.Client, hello string, msg *Message) error {
	if err := client.Hello(hello); err != nil {
		return err
	}
	if err := client.Mail(msg.From, nil); err != nil {
		return err
	}
	if err := client.Rcpt(msg.To); err != nil {
		return err
	}

	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, msg.Render()); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	return client.Quit()
}

type SendOptions struct {
	Messages   int
	Workers    int
	CustomBody string
	// Delay pauses each worker between messages.
	Delay      time.Duration
	OnProgress func(processed, total int64, rate float64)
	OnMessage  func(msgID int, success bool, err error, duration time.Duration)
}

// SendMessages sends opts.Messages messages over at most opts.Workers
// concurrent connections. Individual failures are counted, not returned.
func (c *Client) SendMessages(ctx context.Context, opts SendOptions) error {
	if opts.Messages < 1 {
		return ErrNoMessages
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}

	c.stats.Reset()
	c.stats.Total.Store(int64(opts.Messages))

	mode := "sequential"
	if opts.Workers > 1 {
		mode = "concurrent"
	}

	c.logger.Info("Starting SMTP bombing",
		"messages", opts.Messages,
		"workers", opts.Workers,
		"mode", mode,
		"recipients", len(c.config.Recipients),
		"target", c.config.Addr,
	)

	if opts.OnProgress != nil {
		progressCtx, cancelProgress := context.WithCancel(ctx)
		progressDone := make(chan struct{})
		go func() {
			defer close(progressDone)
			c.reportProgress(progressCtx, int64(opts.Messages), opts.OnProgress)
		}()
		defer func() {
			cancelProgress()
			<-progressDone
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)

	for i := 1; i <= opts.Messages; i++ {
		if gctx.Err() != nil {
			break
		}
		msgID := i
		g.Go(func() error {
			msg := c.generateMessage(msgID, opts.CustomBody)

			start := time.Now()
			err := c.SendMessage(gctx, msg)
			duration := time.Since(start)

			success := err == nil
			if success {
				c.stats.AddSuccess()
			} else {
				c.stats.AddError()
			}

			if opts.OnMessage != nil {
				opts.OnMessage(msgID, success, err, duration)
			}

			if opts.Delay > 0 {
				select {
				case <-gctx.Done():
				case <-time.After(opts.Delay):
				}
			}
			return nil
		})
	}

	_ = g.Wait()
	return ctx.Err()
}

func (c *Client) reportProgress(ctx context.Context, total int64, onProgress func(processed, total int64, rate float64)) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			processed := c.stats.GetProcessed()
			if processed > 0 && processed < total {
				rate := float64(c.stats.GetSuccess()) / c.stats.Elapsed().Seconds()
				onProgress(processed, total, rate)
			}
		}
	}
}

func (c *Client) PrintStats(w io.Writer) {
	elapsed := c.stats.Elapsed()
	success := c.stats.GetSuccess()
	failed := c.stats.GetErrors()
	total := c.stats.Total.Load()

	percent := func(n int64) float64 {
		if total == 0 {
			return 0
		}
		return float64(n) / float64(total) * 100
	}

	fmt.Fprintf(w, "\n=== Bombing Results ===\n")
	fmt.Fprintf(w, "Total messages: %d\n", total)
	fmt.Fprintf(w, "Processed: %d\n", c.stats.GetProcessed())
	fmt.Fprintf(w, "Success: %d (%.1f%%)\n", success, percent(success))
	fmt.Fprintf(w, "Errors: %d (%.1f%%)\n", failed, percent(failed))
	fmt.Fprintf(w, "Duration: %.2f seconds\n", elapsed.Seconds())
	if success > 0 && elapsed.Seconds() > 0 {
		fmt.Fprintf(w, "Rate: %.1f messages/second\n", float64(success)/elapsed.Seconds())
	}
}

// ParseRecipients parses a comma-separated list of email addresses
func ParseRecipients(recipients string) []string {
	parts := strings.Split(recipients, ",")
	result := make([]string, 0, len(parts))

	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}

	if len(result) == 0 {
		return []string{DefaultRecipient}
	}
	return result
}

// ValidateConfig sets defaults for unset client configuration
func ValidateConfig(config *Config) {
	if config.Addr == "" {
		config.Addr = DefaultAddr
	}
	if config.Hello == "" {
		config.Hello = "localhost"
	}
	if config.From == "" {
		config.From = "sender@example.org"
	}
	if len(config.Recipients) == 0 {
		config.Recipients = []string{DefaultRecipient}
	}
	if config.Subject == "" {
		config.Subject = "Test Message"
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
}
