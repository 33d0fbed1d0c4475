// Package naming computes where a relocated mail is stored under the
// processed directory. Schemes are selected by name through a Registry.
package naming

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

var (
	ErrNoTokens       = errors.New("no naming tokens configured")
	ErrUnknownToken   = errors.New("unknown naming token")
	ErrUnknownScheme  = errors.New("unknown naming scheme")
	ErrInvalidMessage = errors.New("invalid message")
)

// Scheme maps a message to its storage path below parentDir.
// The returned path is parentDir joined with the scheme's segments and
// carries the configured mail suffix.
type Scheme interface {
	Path(parentDir string, r io.Reader) (string, error)
}

// Options configure a scheme at construction time.
type Options struct {
	Tokens     []string
	MailSuffix string
	Now        func() time.Time // Defaults to time.Now
}

// Factory builds a scheme from options.
type Factory func(opts Options) (Scheme, error)

// Registry maps configuration names to scheme factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry holding the built-in schemes.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(FlexibleName, func(opts Options) (Scheme, error) {
		return NewFlexible(opts)
	})
	return r
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// New builds the scheme registered under name.
func (r *Registry) New(name string, opts Options) (Scheme, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, name)
	}
	return factory(opts)
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
