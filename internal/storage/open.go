package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Config selects and configures a backend.
//
// When to use:
//   - Use Open with a database URL; build a Config directly only in tests.
//
// Edge cases:
//   - Scheme must match a registered backend.
//   - URL is passed through to the backend factory; parsing is backend-specific.
type Config struct {
	Scheme string
	URL    string
}

// Factory opens a Store for a backend.
type Factory func(ctx context.Context, cfg Config) (*Store, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers a backend under a URL scheme (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package, once per
//     scheme the backend accepts.
//
// Panics:
//   - If scheme is empty.
//   - If f is nil.
//   - If scheme is already registered. Ambiguous backend selection fails fast.
func Register(scheme string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if scheme == "" {
		panic("storage: Register called with empty scheme")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[scheme]; exists {
		panic(fmt.Sprintf("storage: factory already registered for scheme=%q", scheme))
	}
	factories[scheme] = f
}

// MemoryScheme is opened for an empty database URL.
const MemoryScheme = "sqlite"

// Open connects to databaseURL using the backend registered for its scheme.
// An empty URL opens a fresh in-memory store.
//
// Concurrency:
//   - Safe for concurrent use with Register.
//
// Errors:
//   - Unknown scheme, or whatever the backend factory returns.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	scheme := MemoryScheme
	if databaseURL != "" {
		s, _, ok := strings.Cut(databaseURL, ":")
		if !ok || s == "" {
			return nil, fmt.Errorf("storage: database url %q has no scheme", databaseURL)
		}
		scheme = strings.ToLower(s)
	}

	mu.RLock()
	f := factories[scheme]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("storage: unsupported database scheme=%s", scheme)
	}
	return f(ctx, Config{Scheme: scheme, URL: databaseURL})
}

// Schemes lists the registered schemes.
func Schemes() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	return out
}
