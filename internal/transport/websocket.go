package transport

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxhive/mcplink/internal/config"
	"github.com/voxhive/mcplink/internal/errors"
	"github.com/voxhive/mcplink/internal/wire"
)

// WebSocket reaches a server over a single bidirectional socket; both
// directions multiplex over it as text frames.
type WebSocket struct {
	log *slog.Logger
	cfg *config.ServerConfig

	mu      sync.Mutex // protects conn writes and lifecycle flags
	conn    *websocket.Conn
	closing bool
}

// Compile-time verification that WebSocket implements Transport.
var _ Transport = (*WebSocket)(nil)

// NewWebSocket creates a websocket transport for the given server config.
func NewWebSocket(log *slog.Logger, cfg *config.ServerConfig) *WebSocket {
	return &WebSocket{
		log: log.With("component", "ws_transport", "server", cfg.Name),
		cfg: cfg,
	}
}

// Start dials the configured URL. http(s) schemes are rewritten to ws(s).
func (t *WebSocket) Start(ctx context.Context) error {
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return &errors.TransportError{Kind: "websocket", Err: fmt.Errorf("parse url: %w", err)}
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	header := http.Header{}
	for k, v := range t.cfg.Headers {
		header.Set(k, v)
	}

	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.Timeout()}

	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("dial (status %d): %w", resp.StatusCode, err)
		}

		return &errors.TransportError{Kind: "websocket", Err: err}
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	t.log.Info("Websocket connected", "url", u.String())

	return nil
}

// ReadMessages reads frames off the socket. Peer-initiated closure is
// reported as a TransportError wrapping ErrPeerClosed; a local Close
// ends the loop quietly. The goroutine closes both channels on exit.
func (t *WebSocket) ReadMessages(ctx context.Context) (<-chan *wire.Message, <-chan error) {
	messages := make(chan *wire.Message)
	errs := make(chan error, 1)

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	go func() {
		defer close(messages)
		defer close(errs)
		defer t.log.Debug("Websocket read loop stopped")

		if conn == nil {
			errs <- errors.ErrNotConnected

			return
		}

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if t.isClosing() || ctx.Err() != nil {
					return
				}

				if websocket.IsCloseError(err,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway,
					websocket.CloseAbnormalClosure,
				) {
					t.log.Info("Peer closed websocket", "error", err)

					errs <- &errors.TransportError{
						Kind: "websocket",
						Err:  fmt.Errorf("%w: %w", errors.ErrPeerClosed, err),
					}

					return
				}

				t.log.Error("Websocket read failed", "error", err)

				errs <- &errors.TransportError{Kind: "websocket", Err: err}

				return
			}

			msg, err := wire.Decode(data)
			if err != nil {
				t.log.Debug("Skipping undecodable frame", "error", err, "frame", string(data))

				errs <- &errors.ProtocolError{Reason: "undecodable frame", Err: err}

				continue
			}

			select {
			case messages <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	return messages, errs
}

// SendMessage writes one frame as a text message. Safe for concurrent use.
func (t *WebSocket) SendMessage(ctx context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return errors.ErrNotConnected
	}

	if t.closing {
		return &errors.TransportError{Kind: "websocket", Err: errors.ErrConnClosed}
	}

	deadline := time.Now().Add(t.cfg.Timeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	_ = t.conn.SetWriteDeadline(deadline)

	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &errors.TransportError{Kind: "websocket", Err: fmt.Errorf("write frame: %w", err)}
	}

	return nil
}

// IsReady reports whether the socket is open.
func (t *WebSocket) IsReady() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.conn != nil && !t.closing
}

func (t *WebSocket) isClosing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.closing
}

// Close sends a close frame and tears the socket down. Safe to call
// multiple times.
func (t *WebSocket) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closing || t.conn == nil {
		t.closing = true

		return nil
	}

	t.closing = true

	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")

	if err := t.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil &&
		!stderrors.Is(err, websocket.ErrCloseSent) {
		t.log.Debug("Close frame not sent", "error", err)
	}

	return t.conn.Close()
}
