// Package transport implements the three ways a tool server can be
// reached: a child process over stdio, HTTP POST with a server-sent
// event stream, and a websocket.
//
// Every transport delivers the same wire.Message frames; only framing
// and delivery differ. Peer-initiated closure surfaces on the error
// channel as errors.ErrPeerClosed (or a ProcessError for stdio), while
// a local Close drains quietly.
package transport

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/voxhive/mcplink/internal/config"
	"github.com/voxhive/mcplink/internal/wire"
)

// Transport is a symmetric request/response/notification channel to one
// remote endpoint.
type Transport interface {
	// Start acquires the underlying resource: spawns the process, opens
	// the event stream, or dials the socket.
	Start(ctx context.Context) error

	// ReadMessages returns channels for receiving frames and errors.
	// Both channels are closed when reading completes. A fatal transport
	// failure is delivered on the error channel before close.
	ReadMessages(ctx context.Context) (<-chan *wire.Message, <-chan error)

	// SendMessage sends one encoded frame. Safe for concurrent use.
	SendMessage(ctx context.Context, data []byte) error

	// Close releases the transport. Safe to call multiple times; for
	// process transports this terminates the child process.
	Close() error

	// IsReady reports whether the transport can currently send.
	IsReady() bool
}

// Dialer constructs a transport for a validated server config. The
// registry uses the default New; tests inject their own.
type Dialer func(log *slog.Logger, cfg *config.ServerConfig) (Transport, error)

// New builds the transport matching cfg.Kind.
func New(log *slog.Logger, cfg *config.ServerConfig) (Transport, error) {
	switch cfg.Kind {
	case config.KindStdio:
		return NewStdio(log, cfg), nil
	case config.KindSSE:
		return NewSSE(log, cfg), nil
	case config.KindWebSocket:
		return NewWebSocket(log, cfg), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Kind)
	}
}
