package naming

import (
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
)

const (
	FlexibleName = "flexible"

	// Placeholder for recipient tokens when the message has no To header.
	Unknown = "unknown"

	timestampLayout = "20060102T150405.000Z"
)

// Flexible builds paths from an ordered token list, one segment per token.
type Flexible struct {
	tokens         []Token
	suffix         string
	now            func() time.Time
	needsRecipient bool
}

func NewFlexible(opts Options) (*Flexible, error) {
	tokens, err := ParseTokens(opts.Tokens)
	if err != nil {
		return nil, err
	}
	if opts.MailSuffix == "" {
		return nil, fmt.Errorf("flexible naming scheme: mail suffix cannot be empty")
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	f := &Flexible{tokens: tokens, suffix: opts.MailSuffix, now: now}
	for _, t := range tokens {
		if t.needsRecipient() {
			f.needsRecipient = true
		}
	}
	return f, nil
}

func (f *Flexible) Tokens() []Token {
	return append([]Token(nil), f.tokens...)
}

func (f *Flexible) Path(parentDir string, r io.Reader) (string, error) {
	var name, domain string
	if f.needsRecipient {
		var err error
		if name, domain, err = firstRecipient(r); err != nil {
			return "", err
		}
	}

	now := f.now().UTC()
	segments := make([]string, 0, len(f.tokens)+1)
	segments = append(segments, parentDir)
	for _, t := range f.tokens {
		var segment string
		switch t {
		case TokenCurrentTimestamp:
			segment = now.Format(timestampLayout) + "_" + discriminator()
		case TokenCurrentTimeMillis:
			segment = strconv.FormatInt(now.UnixMilli(), 10)
		case TokenRecipientName:
			segment = name
		case TokenRecipientDomain:
			segment = domain
		}
		segments = append(segments, sanitize(segment))
	}

	return filepath.Join(segments...) + "." + f.suffix, nil
}

// firstRecipient returns the local part and domain of the first To address.
func firstRecipient(r io.Reader) (string, string, error) {
	entity, err := message.Read(r)
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	header := mail.Header{Header: entity.Header}
	if header.Get("To") == "" {
		return Unknown, Unknown, nil
	}

	addrs, err := header.AddressList("To")
	if err != nil {
		return "", "", fmt.Errorf("%w: To header: %v", ErrInvalidMessage, err)
	}
	if len(addrs) == 0 {
		return Unknown, Unknown, nil
	}

	addr := addrs[0].Address
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return addr, Unknown, nil
	}
	return addr[:at], addr[at+1:], nil
}

func discriminator() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")[:8]
}

// sanitize keeps a value usable as a single path segment.
func sanitize(segment string) string {
	segment = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, strings.TrimSpace(segment))

	switch segment {
	case "":
		return Unknown
	case ".", "..":
		return "_"
	}
	return segment
}
