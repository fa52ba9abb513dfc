package transport

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/voxhive/mcplink/internal/config"
	"github.com/voxhive/mcplink/internal/errors"
	"github.com/voxhive/mcplink/internal/wire"
)

const (
	sseReconnectBaseDelay = 250 * time.Millisecond
	sseReconnectMaxDelay  = 2 * time.Second
)

// SSE reaches a server over HTTP: outbound frames are POSTed to the
// message endpoint the server announces on its event stream, inbound
// frames arrive as "message" events on that stream.
//
// A dropped stream is re-established (with Last-Event-ID replay) within
// the server's configured timeout; only when reconnection fails does the
// transport report a fatal error. The logical connection above is not
// torn down by a stream blip.
type SSE struct {
	log    *slog.Logger
	cfg    *config.ServerConfig
	client *http.Client
	base   *url.URL

	// streamCtx outlives Start's context: it governs the event stream
	// for the transport's whole lifetime.
	streamCtx    context.Context
	streamCancel context.CancelFunc

	mu       sync.Mutex
	endpoint *url.URL
	stream   io.ReadCloser
	closing  bool

	// Owned by the read goroutine (and Start, which precedes it).
	reader      *bufio.Reader
	lastEventID string
}

// Compile-time verification that SSE implements Transport.
var _ Transport = (*SSE)(nil)

// NewSSE creates an SSE transport for the given server config.
func NewSSE(log *slog.Logger, cfg *config.ServerConfig) *SSE {
	return &SSE{
		log:    log.With("component", "sse_transport", "server", cfg.Name),
		cfg:    cfg,
		client: &http.Client{}, // no client timeout: the GET is a long-lived stream
	}
}

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	name string
	data string
	id   string
}

// Start opens the event stream and waits for the server to announce its
// message endpoint, bounded by the configured timeout.
func (t *SSE) Start(ctx context.Context) error {
	base, err := url.Parse(t.cfg.URL)
	if err != nil {
		return &errors.TransportError{Kind: "sse", Err: fmt.Errorf("parse url: %w", err)}
	}

	t.base = base
	t.streamCtx, t.streamCancel = context.WithCancel(context.Background())

	if err := t.connectStream(); err != nil {
		t.streamCancel()

		return err
	}

	if err := t.awaitEndpoint(ctx); err != nil {
		_ = t.Close()

		return err
	}

	t.log.Info("Event stream established", "url", t.cfg.URL)

	return nil
}

// connectStream issues the GET that carries the event stream.
func (t *SSE) connectStream() error {
	req, err := http.NewRequestWithContext(t.streamCtx, http.MethodGet, t.cfg.URL, nil)
	if err != nil {
		return &errors.TransportError{Kind: "sse", Err: err}
	}

	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}

	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	if t.lastEventID != "" {
		req.Header.Set("Last-Event-ID", t.lastEventID)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return &errors.TransportError{Kind: "sse", Err: fmt.Errorf("open event stream: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()

		return &errors.TransportError{
			Kind: "sse",
			Err:  fmt.Errorf("event stream returned status %d", resp.StatusCode),
		}
	}

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()

		return &errors.TransportError{
			Kind: "sse",
			Err:  fmt.Errorf("event stream returned content-type %q", ct),
		}
	}

	t.mu.Lock()
	t.stream = resp.Body
	t.mu.Unlock()

	t.reader = bufio.NewReader(resp.Body)

	return nil
}

// awaitEndpoint reads events until the server announces the POST
// endpoint. Every fresh stream starts with one.
func (t *SSE) awaitEndpoint(ctx context.Context) error {
	type result struct {
		ev  *sseEvent
		err error
	}

	resultCh := make(chan result, 1)

	go func() {
		for {
			ev, err := t.readEvent()
			if err != nil {
				resultCh <- result{err: err}

				return
			}

			if ev.name == "endpoint" {
				resultCh <- result{ev: ev}

				return
			}
		}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return &errors.TransportError{
				Kind: "sse",
				Err:  fmt.Errorf("waiting for endpoint event: %w", res.err),
			}
		}

		return t.setEndpoint(res.ev.data)

	case <-time.After(t.cfg.Timeout()):
		t.streamCancel() // unblocks the reader goroutine

		return &errors.TransportError{
			Kind: "sse",
			Err:  fmt.Errorf("no endpoint event within %s: %w", t.cfg.Timeout(), errors.ErrRequestTimeout),
		}

	case <-ctx.Done():
		t.streamCancel()

		return ctx.Err()
	}
}

// setEndpoint resolves the announced endpoint against the stream URL.
func (t *SSE) setEndpoint(raw string) error {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return &errors.ProtocolError{Reason: fmt.Sprintf("bad endpoint %q", raw), Err: err}
	}

	resolved := t.base.ResolveReference(ref)

	t.mu.Lock()
	t.endpoint = resolved
	t.mu.Unlock()

	t.log.Debug("Message endpoint announced", "endpoint", resolved.String())

	return nil
}

// readEvent parses the next server-sent event off the stream.
func (t *SSE) readEvent() (*sseEvent, error) {
	ev := &sseEvent{}
	sawField := false

	var data []string

	for {
		line, err := t.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}

		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if !sawField {
				continue // stray blank line
			}

			ev.data = strings.Join(data, "\n")

			return ev, nil
		}

		if strings.HasPrefix(line, ":") {
			continue // comment/keepalive
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		sawField = true

		switch field {
		case "event":
			ev.name = value
		case "data":
			data = append(data, value)
		case "id":
			ev.id = value
		}
	}
}

// ReadMessages reads frames from "message" events. A dropped stream is
// retried with backoff until the configured timeout elapses; then a
// fatal TransportError is reported and the channels close.
func (t *SSE) ReadMessages(ctx context.Context) (<-chan *wire.Message, <-chan error) {
	messages := make(chan *wire.Message)
	errs := make(chan error, 1)

	go func() {
		defer close(messages)
		defer close(errs)
		defer t.log.Debug("SSE read loop stopped")

		for {
			ev, err := t.readEvent()
			if err != nil {
				if t.isClosing() || ctx.Err() != nil || t.streamCtx.Err() != nil {
					return
				}

				if stderrors.Is(err, io.EOF) {
					err = fmt.Errorf("%w: %w", errors.ErrPeerClosed, err)
				}

				t.log.Warn("Event stream dropped, reconnecting", "error", err)

				if rerr := t.reconnect(ctx); rerr != nil {
					if t.isClosing() || ctx.Err() != nil {
						return
					}

					errs <- rerr

					return
				}

				continue
			}

			if ev.id != "" {
				t.lastEventID = ev.id
			}

			switch ev.name {
			case "endpoint":
				if err := t.setEndpoint(ev.data); err != nil {
					errs <- err
				}

			case "message", "":
				msg, err := wire.Decode([]byte(ev.data))
				if err != nil {
					t.log.Debug("Skipping undecodable event", "error", err, "data", ev.data)

					errs <- &errors.ProtocolError{Reason: "undecodable frame", Err: err}

					continue
				}

				select {
				case messages <- msg:
				case <-ctx.Done():
					return
				case <-t.streamCtx.Done():
					return
				}

			default:
				t.log.Debug("Ignoring event", "event", ev.name)
			}
		}
	}()

	return messages, errs
}

// reconnect re-establishes the event stream within the configured
// timeout. Only the stream is retried; the logical connection stays up.
func (t *SSE) reconnect(ctx context.Context) error {
	deadline := time.Now().Add(t.cfg.Timeout())
	delay := sseReconnectBaseDelay

	for attempt := 1; ; attempt++ {
		if time.Now().After(deadline) {
			return &errors.TransportError{
				Kind: "sse",
				Err:  fmt.Errorf("event stream not re-established within %s", t.cfg.Timeout()),
			}
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		case <-t.streamCtx.Done():
			return t.streamCtx.Err()
		}

		t.log.Debug("Reconnecting event stream", "attempt", attempt)

		if err := t.connectStream(); err != nil {
			delay = min(delay*2, sseReconnectMaxDelay)

			continue
		}

		t.log.Info("Event stream re-established", "attempt", attempt)

		return nil
	}
}

// SendMessage POSTs one frame to the announced message endpoint.
func (t *SSE) SendMessage(ctx context.Context, data []byte) error {
	t.mu.Lock()
	endpoint := t.endpoint
	closing := t.closing
	t.mu.Unlock()

	if closing {
		return &errors.TransportError{Kind: "sse", Err: errors.ErrConnClosed}
	}

	if endpoint == nil {
		return errors.ErrNotConnected
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), strings.NewReader(string(data)))
	if err != nil {
		return &errors.TransportError{Kind: "sse", Err: err}
	}

	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return &errors.TransportError{Kind: "sse", Err: fmt.Errorf("post message: %w", err)}
	}

	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= http.StatusMultipleChoices {
		return &errors.TransportError{
			Kind: "sse",
			Err:  fmt.Errorf("message endpoint returned status %d", resp.StatusCode),
		}
	}

	return nil
}

// IsReady reports whether the endpoint is known and the transport open.
func (t *SSE) IsReady() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.endpoint != nil && !t.closing
}

func (t *SSE) isClosing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.closing
}

// Close tears down the event stream. Safe to call multiple times.
func (t *SSE) Close() error {
	t.mu.Lock()

	t.closing = true
	stream := t.stream
	t.stream = nil

	t.mu.Unlock()

	if t.streamCancel != nil {
		t.streamCancel()
	}

	if stream != nil {
		return stream.Close()
	}

	return nil
}
