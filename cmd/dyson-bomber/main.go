package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pawciobiel/dyson/internal/bomber"
	"github.com/pawciobiel/dyson/internal/config"
	"github.com/pawciobiel/dyson/internal/logging"
)

type options struct {
	addr       string
	messages   int
	workers    int
	from       string
	recipients string
	subject    string
	timeout    time.Duration
	delay      time.Duration
	verbose    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "dyson-bomber",
		Short: "Send a burst of test mail to an SMTP server",
		Long: `dyson-bomber sends --messages messages over at most --workers concurrent
connections, cycling through the recipient list, and prints the results.
Use --addr unix:/path/to/socket for a unix socket listener.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.addr, "addr", "a", bomber.DefaultAddr, "SMTP server host:port or unix:path")
	flags.IntVarP(&opts.messages, "messages", "n", 10, "number of messages to send")
	flags.IntVarP(&opts.workers, "workers", "w", 1, "number of concurrent connections")
	flags.StringVar(&opts.from, "from", "sender@example.org", "sender address")
	flags.StringVar(&opts.recipients, "recipients", "", "comma-separated recipient addresses")
	flags.StringVar(&opts.subject, "subject", "Test Message", "subject prefix")
	flags.DurationVar(&opts.timeout, "timeout", 5*time.Second, "per message timeout")
	flags.DurationVar(&opts.delay, "delay", 0, "pause between messages of one worker")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log every message")

	return cmd
}

func run(cmd *cobra.Command, opts *options) error {
	level := "info"
	if opts.verbose {
		level = "debug"
	}
	logger := logging.SetupWriter(&config.LoggingConfig{Level: level, Format: "text"}, cmd.ErrOrStderr())

	client := bomber.New(&bomber.Config{
		Addr:       opts.addr,
		From:       opts.from,
		Recipients: bomber.ParseRecipients(opts.recipients),
		Subject:    opts.subject,
		Timeout:    opts.timeout,
	}, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := client.SendMessages(ctx, bomber.SendOptions{
		Messages: opts.messages,
		Workers:  opts.workers,
		Delay:    opts.delay,
		OnProgress: func(processed, total int64, rate float64) {
			logger.Info("Progress",
				"processed", processed,
				"total", total,
				"success", client.Stats().GetSuccess(),
				"errors", client.Stats().GetErrors(),
				"rate", fmt.Sprintf("%.1f msg/sec", rate),
			)
		},
		OnMessage: func(msgID int, success bool, err error, duration time.Duration) {
			if !success {
				logger.Warn("Message failed", "id", msgID, "error", err, "duration", duration)
				return
			}
			logger.Debug("Message sent", "id", msgID, "duration", duration)
		},
	})

	client.PrintStats(cmd.OutOrStdout())

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if failed := client.Stats().GetErrors(); failed > 0 {
		return fmt.Errorf("%d of %d messages failed", failed, opts.messages)
	}
	return nil
}
