package naming

import (
	"fmt"
	"strings"
)

// Token contributes one path segment.
type Token int

const (
	TokenCurrentTimestamp Token = iota + 1
	TokenCurrentTimeMillis
	TokenRecipientName
	TokenRecipientDomain
)

var tokenNames = map[Token]string{
	TokenCurrentTimestamp:  "CURRENT_TIMESTAMP",
	TokenCurrentTimeMillis: "CURRENT_TIME_MILLIS",
	TokenRecipientName:     "RECIPIENT_NAME",
	TokenRecipientDomain:   "RECIPIENT_DOMAIN",
}

func (t Token) String() string {
	if name, ok := tokenNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Token(%d)", int(t))
}

func (t Token) needsRecipient() bool {
	return t == TokenRecipientName || t == TokenRecipientDomain
}

// ParseToken accepts token names case-insensitively, with '-' for '_'.
func ParseToken(s string) (Token, error) {
	name := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	for token, tokenName := range tokenNames {
		if tokenName == name {
			return token, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownToken, s)
}

// ParseTokens parses an ordered token list. An empty list is an error.
func ParseTokens(names []string) ([]Token, error) {
	if len(names) == 0 {
		return nil, ErrNoTokens
	}
	tokens := make([]Token, 0, len(names))
	for _, name := range names {
		token, err := ParseToken(name)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, nil
}
