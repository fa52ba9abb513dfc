package errors

import (
	"errors"
	"fmt"
)

// MCPLinkError is the base interface for all mcplink errors.
type MCPLinkError interface {
	error
	IsMCPLinkError() bool
}

// Compile-time verification that all error types implement MCPLinkError.
var (
	_ MCPLinkError = (*ConfigError)(nil)
	_ MCPLinkError = (*TransportError)(nil)
	_ MCPLinkError = (*ProcessError)(nil)
	_ MCPLinkError = (*ProtocolError)(nil)
	_ MCPLinkError = (*RPCError)(nil)
	_ MCPLinkError = (*ToolError)(nil)
	_ MCPLinkError = (*ValidationError)(nil)
	_ MCPLinkError = (*UnavailableError)(nil)
)

// Sentinel errors for commonly checked conditions.
var (
	// ErrRequestTimeout indicates a request timed out waiting for a response.
	// Surfaced distinctly from hard failures so callers can decide to retry.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrConnClosed indicates the connection was closed while a request was pending.
	ErrConnClosed = errors.New("connection closed")

	// ErrNotConnected indicates an operation requires a Ready connection.
	ErrNotConnected = errors.New("server not connected")

	// ErrAlreadyConnected indicates a connect was attempted on a live connection.
	ErrAlreadyConnected = errors.New("server already connected")

	// ErrPeerClosed indicates the remote endpoint closed the connection.
	// Distinct from a locally initiated close.
	ErrPeerClosed = errors.New("peer closed connection")

	// ErrServerExists indicates a server with the same name is already registered.
	ErrServerExists = errors.New("server already registered")

	// ErrServerNotFound indicates no server with the given name is registered.
	ErrServerNotFound = errors.New("server not found")

	// ErrToolNotFound indicates the named tool is not in the catalog.
	ErrToolNotFound = errors.New("tool not found")

	// ErrRegistryClosed indicates the registry has been closed and cannot be reused.
	ErrRegistryClosed = errors.New("registry closed")

	// ErrDecryptFailed indicates the config file could not be decrypted.
	// Wrong passphrase and a corrupt file are indistinguishable by design
	// of AES-GCM, so one sentinel covers both.
	ErrDecryptFailed = errors.New("config decryption failed")

	// ErrTemplateNotFound indicates no template with the given name exists.
	ErrTemplateNotFound = errors.New("template not found")
)

// ConfigError indicates an invalid or incomplete server configuration,
// or a configuration store failure (including decryption).
type ConfigError struct {
	Server string // server name, empty when not tied to one server
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Server != "" {
		return fmt.Sprintf("config %q: %s", e.Server, e.Reason)
	}

	return fmt.Sprintf("config: %s", e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// IsMCPLinkError implements MCPLinkError.
func (e *ConfigError) IsMCPLinkError() bool { return true }

// TransportError indicates a transport-level failure: a process that
// failed to start, a dropped socket, or a broken stream.
type TransportError struct {
	Kind string // "stdio", "sse" or "websocket"
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport: %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsMCPLinkError implements MCPLinkError.
func (e *TransportError) IsMCPLinkError() bool { return true }

// ProcessError indicates a server child process exited unexpectedly.
type ProcessError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProcessError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("server process %q exited (code %d): %s", e.Command, e.ExitCode, e.Stderr)
	}

	return fmt.Sprintf("server process %q exited (code %d): %v", e.Command, e.ExitCode, e.Err)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// IsMCPLinkError implements MCPLinkError.
func (e *ProcessError) IsMCPLinkError() bool { return true }

// ProtocolError indicates a malformed or rejecting protocol exchange:
// a bad handshake, an unparseable frame, or a version mismatch.
type ProtocolError struct {
	Method string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Method != "" {
		return fmt.Sprintf("protocol error in %s: %s", e.Method, e.Reason)
	}

	return fmt.Sprintf("protocol error: %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsMCPLinkError implements MCPLinkError.
func (e *ProtocolError) IsMCPLinkError() bool { return true }

// RPCError is an error object the server returned for a single request.
// Callers map it into the category matching their operation: a handshake
// rejection becomes a ProtocolError, a tool call rejection a ToolError.
type RPCError struct {
	Method  string
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("server rejected %s (code %d): %s", e.Method, e.Code, e.Message)
}

// IsMCPLinkError implements MCPLinkError.
func (e *RPCError) IsMCPLinkError() bool { return true }

// ToolError indicates the remote tool itself reported failure.
// The owning connection remains usable.
type ToolError struct {
	Server  string
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s:%s failed: %s", e.Server, e.Tool, e.Message)
}

// IsMCPLinkError implements MCPLinkError.
func (e *ToolError) IsMCPLinkError() bool { return true }

// ValidationError indicates the supplied arguments did not match the
// tool's parameter schema. Raised locally, before any network traffic.
type ValidationError struct {
	Server string
	Tool   string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %s:%s: %v", e.Server, e.Tool, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsMCPLinkError implements MCPLinkError.
func (e *ValidationError) IsMCPLinkError() bool { return true }

// UnavailableError indicates a tool cannot be invoked right now:
// it is disabled, unknown, or its owning server is not Ready.
type UnavailableError struct {
	Server string
	Tool   string
	Reason string
	Err    error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("tool %s:%s unavailable: %s", e.Server, e.Tool, e.Reason)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// IsMCPLinkError implements MCPLinkError.
func (e *UnavailableError) IsMCPLinkError() bool { return true }
