package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigError(t *testing.T) {
	err := &ConfigError{Server: "files", Reason: "command is required for stdio transport"}

	require.Equal(t, `config "files": command is required for stdio transport`, err.Error())
	require.True(t, err.IsMCPLinkError())
}

func TestConfigError_NoServer(t *testing.T) {
	root := errors.New("cipher: message authentication failed")
	err := &ConfigError{Reason: "decryption failed", Err: root}

	require.Equal(t, "config: decryption failed", err.Error())
	require.ErrorIs(t, err, root)
}

func TestTransportError(t *testing.T) {
	root := errors.New("connection refused")
	err := &TransportError{Kind: "websocket", Err: root}

	require.Equal(t, "websocket transport: connection refused", err.Error())
	require.ErrorIs(t, err, root)
	require.True(t, err.IsMCPLinkError())
}

func TestProcessError_WithStderr(t *testing.T) {
	err := &ProcessError{Command: "echo-server", ExitCode: 1, Stderr: "boom"}

	require.Equal(t, `server process "echo-server" exited (code 1): boom`, err.Error())
	require.NoError(t, err.Unwrap())
}

func TestProcessError_WithUnderlyingError(t *testing.T) {
	root := errors.New("signal: killed")
	err := &ProcessError{Command: "echo-server", ExitCode: -1, Err: root}

	require.Equal(t, `server process "echo-server" exited (code -1): signal: killed`, err.Error())
	require.ErrorIs(t, err, root)
}

func TestProtocolError(t *testing.T) {
	err := &ProtocolError{Method: "initialize", Reason: "missing protocolVersion"}

	require.Equal(t, "protocol error in initialize: missing protocolVersion", err.Error())
	require.True(t, err.IsMCPLinkError())
}

func TestRPCError(t *testing.T) {
	err := &RPCError{Method: "tools/call", Code: -32602, Message: "unknown tool"}

	require.Equal(t, "server rejected tools/call (code -32602): unknown tool", err.Error())
	require.True(t, err.IsMCPLinkError())
}

func TestToolError(t *testing.T) {
	err := &ToolError{Server: "files", Tool: "read_file", Message: "no such file"}

	require.Equal(t, "tool files:read_file failed: no such file", err.Error())
	require.True(t, err.IsMCPLinkError())
}

func TestValidationError(t *testing.T) {
	root := errors.New(`missing required property "path"`)
	err := &ValidationError{Server: "files", Tool: "read_file", Err: root}

	require.ErrorIs(t, err, root)
	require.Contains(t, err.Error(), "files:read_file")
}

func TestUnavailableError(t *testing.T) {
	err := &UnavailableError{Server: "files", Tool: "read_file", Reason: "tool disabled"}

	require.Equal(t, "tool files:read_file unavailable: tool disabled", err.Error())
	require.True(t, err.IsMCPLinkError())
}

func TestSentinelsAreDistinct(t *testing.T) {
	require.NotErrorIs(t, ErrRequestTimeout, ErrConnClosed)
	require.NotErrorIs(t, ErrDecryptFailed, ErrConnClosed)
}
