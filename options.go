package mcplink

import (
	"io"
	"log/slog"
	"time"

	"github.com/voxhive/mcplink/internal/transport"
	"github.com/voxhive/mcplink/internal/wire"
)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) {
		r.log = log
	}
}

// WithClientInfo sets the identity presented to servers during the
// handshake.
func WithClientInfo(name, version string) Option {
	return func(r *Registry) {
		r.clientInfo = wire.Implementation{Name: name, Version: version}
	}
}

// WithDefaultTimeout sets the request timeout applied to servers added
// without one of their own.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Registry) {
		r.defaultTimeout = d
	}
}

// WithStore attaches an encrypted configuration store. Server
// additions and removals are persisted through it, and LoadStored
// reads it back.
func WithStore(st *Store) Option {
	return func(r *Registry) {
		r.store = st
	}
}

// WithDialer replaces the transport constructor. Tests use this to
// substitute in-memory transports.
func WithDialer(dial transport.Dialer) Option {
	return func(r *Registry) {
		r.dial = dial
	}
}

// NopLogger returns a logger that discards everything.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
