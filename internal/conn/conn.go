// Package conn implements the per-server protocol session: the
// connection state machine, the handshake, and correlation of
// asynchronous responses to pending requests.
//
// One Conn owns one transport. Its read loop runs independently of
// every other server's, so a stall in one server never delays another.
// All waiting callers are failed immediately when the session leaves
// Ready; nothing is left hanging.
package conn

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/voxhive/mcplink/internal/config"
	"github.com/voxhive/mcplink/internal/errors"
	"github.com/voxhive/mcplink/internal/transport"
	"github.com/voxhive/mcplink/internal/wire"
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateReady
	StateFailed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Conn is the protocol session for one configured server.
//
// Lifecycle: Disconnected → Connecting → Handshaking → Ready, then
// Disconnected (local close) or Failed (transport/protocol failure).
// Failed is terminal until an explicit Connect call re-enters
// Connecting; there is no automatic background retry.
type Conn struct {
	log        *slog.Logger
	cfg        *config.ServerConfig
	dial       transport.Dialer
	clientInfo wire.Implementation

	mu          sync.Mutex
	state       State
	lastErr     error
	connectedAt time.Time
	tr          transport.Transport
	serverInfo  wire.Implementation
	done        chan struct{} // closed when the current session ends
	cancelRead  context.CancelFunc
	readerWg    *sync.WaitGroup

	pendingMu sync.Mutex
	pending   map[string]*pendingCall

	staleTools atomic.Bool
}

// pendingCall tracks an outgoing request awaiting its response.
type pendingCall struct {
	method   string
	response chan *wire.Message
}

// New creates a session for cfg. It starts Disconnected; call Connect.
func New(log *slog.Logger, cfg *config.ServerConfig, dial transport.Dialer, clientInfo wire.Implementation) *Conn {
	return &Conn{
		log:        log.With("component", "conn", "server", cfg.Name),
		cfg:        cfg,
		dial:       dial,
		clientInfo: clientInfo,
		state:      StateDisconnected,
		pending:    make(map[string]*pendingCall, 8),
	}
}

// Config returns the server config this session was built from.
func (c *Conn) Config() *config.ServerConfig {
	return c.cfg
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// LastError returns the error that most recently failed the session.
func (c *Conn) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lastErr
}

// ConnectedAt returns when the session last entered Ready.
func (c *Conn) ConnectedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connectedAt
}

// ServerInfo returns the identity the server reported in its handshake.
func (c *Conn) ServerInfo() wire.Implementation {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.serverInfo
}

// ToolsStale reports whether the server has announced a tool set change
// since the last discovery.
func (c *Conn) ToolsStale() bool {
	return c.staleTools.Load()
}

// Connect dials the transport and runs the handshake, bounded by the
// configured timeout. Valid from Disconnected or Failed; calling it on a
// live session returns ErrAlreadyConnected.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()

	switch c.state {
	case StateDisconnected, StateFailed:
		// proceed
	default:
		c.mu.Unlock()

		return errors.ErrAlreadyConnected
	}

	c.state = StateConnecting
	c.lastErr = nil

	// done identifies this session; every later transition checks it so
	// a Disconnect landing mid-connect is never silently overridden.
	done := make(chan struct{})
	c.done = done

	c.mu.Unlock()

	c.log.Info("Connecting", "kind", c.cfg.Kind)

	tr, err := c.dial(c.log, c.cfg)
	if err != nil {
		return c.fail(done, fmt.Errorf("dial: %w", err))
	}

	if err := tr.Start(ctx); err != nil {
		return c.fail(done, err)
	}

	// The read loop outlives Connect's context: it runs until the
	// session is torn down.
	readCtx, cancelRead := context.WithCancel(context.Background())
	messages, errs := tr.ReadMessages(readCtx)

	var wg sync.WaitGroup

	c.mu.Lock()

	if c.state != StateConnecting || c.done != done {
		// Disconnected (or superseded) while dialing; tear down the
		// freshly started transport instead of resurrecting the session.
		c.mu.Unlock()

		cancelRead()
		_ = tr.Close()

		return errors.ErrConnClosed
	}

	c.tr = tr
	c.cancelRead = cancelRead
	c.readerWg = &wg
	c.state = StateHandshaking
	c.mu.Unlock()

	wg.Add(1)

	go func() {
		defer wg.Done()

		c.readLoop(readCtx, done, messages, errs)
	}()

	if err := c.handshake(ctx); err != nil {
		return c.fail(done, err)
	}

	c.mu.Lock()

	if c.state != StateHandshaking || c.done != done {
		c.mu.Unlock()

		return errors.ErrConnClosed
	}

	c.state = StateReady
	c.connectedAt = time.Now()
	c.mu.Unlock()

	c.staleTools.Store(false)

	info := c.ServerInfo()
	c.log.Info("Session ready", "server_name", info.Name, "server_version", info.Version)

	return nil
}

// handshake sends initialize and waits for the capability response. A
// malformed or rejecting response is a ProtocolError; the session never
// reaches Ready past one.
func (c *Conn) handshake(ctx context.Context) error {
	params := wire.InitializeParams{
		ProtocolVersion: wire.ProtocolVersion,
		Capabilities:    wire.ClientCapabilities{},
		ClientInfo:      c.clientInfo,
	}

	raw, err := c.call(ctx, wire.MethodInitialize, params, c.cfg.Timeout())
	if err != nil {
		if rpcErr, ok := stderrors.AsType[*errors.RPCError](err); ok {
			return &errors.ProtocolError{
				Method: wire.MethodInitialize,
				Reason: fmt.Sprintf("server rejected handshake: %s", rpcErr.Message),
				Err:    rpcErr,
			}
		}

		return err
	}

	var result wire.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return &errors.ProtocolError{Method: wire.MethodInitialize, Reason: "malformed capability response", Err: err}
	}

	if result.ProtocolVersion == "" {
		return &errors.ProtocolError{Method: wire.MethodInitialize, Reason: "capability response missing protocolVersion"}
	}

	c.mu.Lock()
	c.serverInfo = result.ServerInfo
	c.mu.Unlock()

	// The initialized notification completes the handshake; it has no
	// response.
	note, err := wire.NewNotification(wire.MethodInitialized, nil)
	if err != nil {
		return err
	}

	data, err := wire.Encode(note)
	if err != nil {
		return err
	}

	if err := c.transportForSend().SendMessage(ctx, data); err != nil {
		return err
	}

	return nil
}

// Disconnect closes the session locally. This is the only user-triggered
// edge out of Ready. Safe to call in any state.
func (c *Conn) Disconnect() error {
	c.mu.Lock()

	if c.state == StateDisconnected {
		c.mu.Unlock()

		return nil
	}

	c.state = StateDisconnected
	c.connectedAt = time.Time{}
	tr := c.tr
	c.tr = nil
	cancelRead := c.cancelRead
	c.cancelRead = nil
	wg := c.readerWg
	c.readerWg = nil

	if c.done != nil {
		close(c.done)
		c.done = nil
	}

	c.mu.Unlock()

	c.failAllPending(errors.ErrConnClosed)

	var err error
	if tr != nil {
		err = tr.Close()
	}

	if cancelRead != nil {
		cancelRead()
	}

	if wg != nil {
		wg.Wait()
	}

	c.log.Info("Disconnected")

	return err
}

// fail moves the session identified by done to Failed, failing every
// waiting caller. A stale session (already torn down, or superseded by
// a newer Connect) is left alone.
func (c *Conn) fail(done chan struct{}, err error) error {
	c.mu.Lock()

	if c.done != done || c.state == StateDisconnected || c.state == StateFailed {
		c.mu.Unlock()

		return err
	}

	c.state = StateFailed
	c.lastErr = err
	c.connectedAt = time.Time{}
	tr := c.tr
	c.tr = nil
	cancelRead := c.cancelRead
	c.cancelRead = nil
	c.readerWg = nil

	if c.done != nil {
		close(c.done)
		c.done = nil
	}

	c.mu.Unlock()

	c.failAllPending(err)

	if tr != nil {
		_ = tr.Close()
	}

	if cancelRead != nil {
		cancelRead()
	}

	c.log.Warn("Session failed", "error", err)

	return err
}

// failAllPending resolves every outstanding request with err.
func (c *Conn) failAllPending(err error) {
	c.pendingMu.Lock()

	pending := c.pending
	c.pending = make(map[string]*pendingCall, 8)

	c.pendingMu.Unlock()

	// Waiters wake through the session's done channel and read the error
	// off LastError; the entries just need to go away.
	for id, p := range pending {
		c.log.Debug("Failing pending request", "request_id", id, "method", p.method, "error", err)
	}
}

// transportForSend snapshots the transport under the state lock.
func (c *Conn) transportForSend() transport.Transport {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.tr
}

// doneChan snapshots the current session's done channel.
func (c *Conn) doneChan() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.done
}

// call sends one request and waits for its correlated response, bounded
// by timeout. Out-of-order responses are fine: correlation is by id, not
// arrival order. Cancellation removes only the pending entry; the remote
// call may still complete and is then discarded.
func (c *Conn) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	requestID := ulid.Make().String()

	id := wire.StringID(requestID)

	req, err := wire.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	data, err := wire.Encode(req)
	if err != nil {
		return nil, err
	}

	responseChan := make(chan *wire.Message, 1)

	// Pending entries are keyed by the id's raw JSON text so correlation
	// is byte-exact against whatever the server echoes.
	key := id.Key()

	c.pendingMu.Lock()
	c.pending[key] = &pendingCall{method: method, response: responseChan}
	c.pendingMu.Unlock()

	removePending := func() {
		c.pendingMu.Lock()
		delete(c.pending, key)
		c.pendingMu.Unlock()
	}

	tr := c.transportForSend()
	if tr == nil {
		removePending()

		return nil, errors.ErrNotConnected
	}

	done := c.doneChan()

	c.log.Debug("Sending request", "request_id", requestID, "method", method)

	if err := tr.SendMessage(ctx, data); err != nil {
		removePending()

		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-responseChan:
		if resp.Error != nil {
			c.log.Debug("Request failed", "request_id", requestID, "method", method, "error", resp.Error.Message)

			return nil, &errors.RPCError{Method: method, Code: resp.Error.Code, Message: resp.Error.Message}
		}

		c.log.Debug("Request completed", "request_id", requestID, "method", method)

		return resp.Result, nil

	case <-done:
		removePending()

		if err := c.LastError(); err != nil {
			return nil, err
		}

		return nil, errors.ErrConnClosed

	case <-timer.C:
		removePending()

		c.log.Warn("Request timed out", "request_id", requestID, "method", method, "timeout", timeout)

		return nil, fmt.Errorf("%s: %w after %s", method, errors.ErrRequestTimeout, timeout)

	case <-ctx.Done():
		removePending()

		c.log.Debug("Request cancelled", "request_id", requestID, "method", method)

		return nil, ctx.Err()
	}
}

// readLoop routes frames from the transport until the session ends.
func (c *Conn) readLoop(ctx context.Context, done chan struct{}, messages <-chan *wire.Message, errs <-chan error) {
	defer c.log.Debug("Read loop stopped")

	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				c.fail(done, errors.ErrConnClosed)

				return
			}

			c.route(ctx, msg)

		case err, ok := <-errs:
			if !ok {
				c.fail(done, errors.ErrConnClosed)

				return
			}

			if err == nil {
				continue
			}

			if isFatal(err) {
				c.fail(done, err)

				return
			}

			// Undecodable frames are logged and skipped; the session
			// survives them.
			c.log.Warn("Transport reported recoverable error", "error", err)

		case <-ctx.Done():
			return
		}
	}
}

// isFatal reports whether a transport error ends the session.
// Undecodable frames (ProtocolError from the framing layer) are skipped;
// everything else tears the session down.
func isFatal(err error) bool {
	_, ok := stderrors.AsType[*errors.ProtocolError](err)

	return !ok
}

// route dispatches one inbound frame.
func (c *Conn) route(ctx context.Context, msg *wire.Message) {
	switch {
	case msg.IsResponse():
		c.resolve(msg)

	case msg.IsRequest():
		c.handleServerRequest(ctx, msg)

	case msg.IsNotification():
		c.handleNotification(msg)
	}
}

// resolve hands a response to the waiting caller, if any. Matching is
// on the id's raw JSON text, same as registration.
func (c *Conn) resolve(msg *wire.Message) {
	key := msg.ID.Key()

	c.pendingMu.Lock()

	p, exists := c.pending[key]
	if exists {
		delete(c.pending, key)
	}

	c.pendingMu.Unlock()

	if !exists {
		// Late reply for a cancelled or timed-out request; discard.
		c.log.Debug("Discarding unmatched response", "request_id", key)

		return
	}

	p.response <- msg
}

// handleServerRequest answers the few requests a server may send us.
// Ping gets an empty result; anything else is method-not-found.
func (c *Conn) handleServerRequest(ctx context.Context, msg *wire.Message) {
	var reply *wire.Message

	if msg.Method == wire.MethodPing {
		var err error

		reply, err = wire.NewResponse(msg.ID, struct{}{})
		if err != nil {
			return
		}
	} else {
		c.log.Debug("Rejecting server request", "method", msg.Method)

		reply = wire.NewErrorResponse(msg.ID, wire.CodeMethodNotFound, fmt.Sprintf("method %q not supported", msg.Method))
	}

	data, err := wire.Encode(reply)
	if err != nil {
		return
	}

	tr := c.transportForSend()
	if tr == nil {
		return
	}

	if err := tr.SendMessage(ctx, data); err != nil {
		c.log.Debug("Could not answer server request", "error", err)
	}
}

// handleNotification processes server notifications.
func (c *Conn) handleNotification(msg *wire.Message) {
	switch msg.Method {
	case wire.NotifyToolsChanged:
		c.log.Info("Server announced tool set change")
		c.staleTools.Store(true)

	default:
		c.log.Debug("Ignoring notification", "method", msg.Method)
	}
}

// requireReady gates the exported operations.
func (c *Conn) requireReady() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateReady {
		return fmt.Errorf("%w (state %s)", errors.ErrNotConnected, c.state)
	}

	return nil
}

// ListTools discovers the server's tools, following pagination until
// exhausted. Clears the stale-tools flag on success.
func (c *Conn) ListTools(ctx context.Context) ([]wire.Tool, error) {
	if err := c.requireReady(); err != nil {
		return nil, err
	}

	var (
		tools  []wire.Tool
		cursor string
	)

	for {
		raw, err := c.call(ctx, wire.MethodListTools, wire.ListToolsParams{Cursor: cursor}, c.cfg.Timeout())
		if err != nil {
			return nil, err
		}

		var page wire.ListToolsResult
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, &errors.ProtocolError{Method: wire.MethodListTools, Reason: "malformed tool list", Err: err}
		}

		tools = append(tools, page.Tools...)

		if page.NextCursor == "" {
			break
		}

		cursor = page.NextCursor
	}

	c.staleTools.Store(false)

	c.log.Debug("Discovered tools", "count", len(tools))

	return tools, nil
}

// CallTool invokes one tool. A server-side rejection surfaces as an
// RPCError; a tool-reported failure arrives in the result with IsError
// set and is mapped by the caller.
func (c *Conn) CallTool(ctx context.Context, name string, args map[string]any) (*wire.CallToolResult, error) {
	if err := c.requireReady(); err != nil {
		return nil, err
	}

	raw, err := c.call(ctx, wire.MethodCallTool, wire.CallToolParams{Name: name, Arguments: args}, c.cfg.Timeout())
	if err != nil {
		return nil, err
	}

	var result wire.CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &errors.ProtocolError{Method: wire.MethodCallTool, Reason: "malformed tool result", Err: err}
	}

	return &result, nil
}

// Ping round-trips a ping request. Used as a liveness probe.
func (c *Conn) Ping(ctx context.Context) error {
	if err := c.requireReady(); err != nil {
		return err
	}

	_, err := c.call(ctx, wire.MethodPing, struct{}{}, c.cfg.Timeout())

	return err
}
