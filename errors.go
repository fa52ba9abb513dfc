package mcplink

import "github.com/voxhive/mcplink/internal/errors"

// Error is implemented by every error type this module produces.
type Error = errors.MCPLinkError

// Typed failures. Each carries enough structure for a caller to
// describe the failure without exposing protocol internals.
type (
	// ConfigError reports invalid or undecryptable configuration.
	ConfigError = errors.ConfigError
	// TransportError reports a failure in the byte channel to a server.
	TransportError = errors.TransportError
	// ProcessError reports a stdio child process that failed to start
	// or exited unexpectedly.
	ProcessError = errors.ProcessError
	// ProtocolError reports a malformed or rejecting peer.
	ProtocolError = errors.ProtocolError
	// RPCError is a structured error response from a server.
	RPCError = errors.RPCError
	// ToolError reports a failure from the remote tool itself.
	ToolError = errors.ToolError
	// ValidationError reports arguments rejected by the tool's schema
	// before any network traffic.
	ValidationError = errors.ValidationError
	// UnavailableError reports an invocation of a disabled tool or a
	// tool whose server is not ready.
	UnavailableError = errors.UnavailableError
)

// Sentinel errors for errors.Is matching.
var (
	ErrRequestTimeout   = errors.ErrRequestTimeout
	ErrConnClosed       = errors.ErrConnClosed
	ErrNotConnected     = errors.ErrNotConnected
	ErrAlreadyConnected = errors.ErrAlreadyConnected
	ErrPeerClosed       = errors.ErrPeerClosed
	ErrServerExists     = errors.ErrServerExists
	ErrServerNotFound   = errors.ErrServerNotFound
	ErrToolNotFound     = errors.ErrToolNotFound
	ErrRegistryClosed   = errors.ErrRegistryClosed
	ErrDecryptFailed    = errors.ErrDecryptFailed
	ErrTemplateNotFound = errors.ErrTemplateNotFound
)
