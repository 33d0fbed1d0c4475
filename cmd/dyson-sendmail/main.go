// Command dyson-sendmail is a minimal sendmail(1) stand-in that hands a
// message on stdin to a local dyson instance over its unix socket.
package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
	"github.com/spf13/cobra"
)

const defaultSocketPath = "/var/run/dyson/smtp.sock"

type sendmailArgs struct {
	SocketPath string
	From       string
	To         []string
	ReadTo     bool
	Verbose    bool
	Timeout    time.Duration
}

func main() {
	if err := newRootCmd(os.Stdin).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(stdin io.Reader) *cobra.Command {
	args := &sendmailArgs{}

	cmd := &cobra.Command{
		Use:   "dyson-sendmail [flags] recipient...",
		Short: "Submit a message from stdin to dyson",
		Example: `  echo 'Hello World' | dyson-sendmail user@example.net
  dyson-sendmail -f sender@example.org -t < message.txt`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, recipients []string) error {
			args.To = append(args.To, recipients...)
			if args.From == "" {
				args.From = defaultSender()
			}
			return run(cmd, args, stdin)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&args.SocketPath, "socket", defaultSocketPath, "path to the dyson unix socket")
	flags.StringVarP(&args.From, "from", "f", "", "sender address")
	flags.BoolVarP(&args.ReadTo, "read-recipients", "t", false, "read recipients from the To, Cc and Bcc headers")
	flags.BoolVarP(&args.Verbose, "verbose", "v", false, "verbose output")
	flags.DurationVar(&args.Timeout, "timeout", 30*time.Second, "connection timeout")

	return cmd
}

func run(cmd *cobra.Command, args *sendmailArgs, stdin io.Reader) error {
	verbose := func(format string, a ...any) {
		if args.Verbose {
			fmt.Fprintf(cmd.ErrOrStderr(), "sendmail: "+format+"\n", a...)
		}
	}

	msg, err := io.ReadAll(stdin)
	if err != nil {
		return fmt.Errorf("error reading message: %w", err)
	}

	if args.ReadTo {
		recipients, clean, err := extractRecipients(msg)
		if err != nil {
			return err
		}
		args.To = append(args.To, recipients...)
		msg = clean
	}

	if len(args.To) == 0 {
		return fmt.Errorf("no recipients specified")
	}

	verbose("connecting to %s", args.SocketPath)
	if err := sendMessage(args, msg); err != nil {
		return fmt.Errorf("error sending message: %w", err)
	}
	verbose("message sent to %d recipient(s)", len(args.To))
	return nil
}

func defaultSender() string {
	user := os.Getenv("USER")
	if user == "" {
		user = "root"
	}
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "localhost"
	}
	return user + "@" + hostname
}

// extractRecipients collects To, Cc and Bcc addresses and strips the Bcc
// header. The body is passed through unchanged.
func extractRecipients(msg []byte) ([]string, []byte, error) {
	br := bufio.NewReader(bytes.NewReader(msg))
	header, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse message header: %w", err)
	}

	h := mail.Header{Header: message.Header{Header: header}}
	var recipients []string
	for _, key := range []string{"To", "Cc", "Bcc"} {
		addrs, err := h.AddressList(key)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid %s header: %w", key, err)
		}
		for _, addr := range addrs {
			recipients = append(recipients, addr.Address)
		}
	}
	h.Del("Bcc")

	var out bytes.Buffer
	if err := textproto.WriteHeader(&out, h.Header.Header); err != nil {
		return nil, nil, err
	}
	if _, err := io.Copy(&out, br); err != nil {
		return nil, nil, err
	}
	return recipients, out.Bytes(), nil
}

func sendMessage(args *sendmailArgs, msg []byte) error {
	conn, err := net.DialTimeout("unix", args.SocketPath, args.Timeout)
	if err != nil {
		return fmt.Errorf("failed to connect to socket %s: %w", args.SocketPath, err)
	}
	_ = conn.SetDeadline(time.Now().Add(args.Timeout))

	client, err := smtp.NewClient(conn, "localhost")
	if err != nil {
		conn.Close()
		return err
	}
	defer client.Close()

	if err := client.Hello("localhost"); err != nil {
		return err
	}
	if err := client.Mail(args.From, nil); err != nil {
		return fmt.Errorf("MAIL FROM failed: %w", err)
	}
	for _, recipient := range args.To {
		if err := client.Rcpt(recipient); err != nil {
			return fmt.Errorf("RCPT TO failed for %s: %w", recipient, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA command failed: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return fmt.Errorf("failed to send message data: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("message transmission failed: %w", err)
	}

	// Don't fail on QUIT response
	_ = client.Quit()
	return nil
}
