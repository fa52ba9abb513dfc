package mcplink

import (
	"encoding/json"
	"time"

	"github.com/voxhive/mcplink/internal/config"
	"github.com/voxhive/mcplink/internal/conn"
	"github.com/voxhive/mcplink/internal/template"
	"github.com/voxhive/mcplink/internal/wire"
)

// ServerConfig describes how to reach one tool server. Exactly the
// fields for its transport kind must be populated; Validate enforces
// this.
type ServerConfig = config.ServerConfig

// TransportKind selects how a server is reached.
type TransportKind = config.TransportKind

// Transport kinds.
const (
	KindStdio     = config.KindStdio
	KindSSE       = config.KindSSE
	KindWebSocket = config.KindWebSocket
)

// State is the lifecycle state of one server connection.
type State = conn.State

// Connection states.
const (
	StateDisconnected = conn.StateDisconnected
	StateConnecting   = conn.StateConnecting
	StateHandshaking  = conn.StateHandshaking
	StateReady        = conn.StateReady
	StateFailed       = conn.StateFailed
)

// Implementation identifies a protocol party in the handshake.
type Implementation = wire.Implementation

// ToolResult is the outcome of one tool invocation: content blocks
// plus an optional structured payload.
type ToolResult = wire.CallToolResult

// ContentBlock is one piece of tool output.
type ContentBlock = wire.ContentBlock

// Template is a shipped preset for a well-known server.
type Template = template.Template

// TemplateOverrides carries the user-supplied pieces merged into a
// preset at instantiation time.
type TemplateOverrides = template.Overrides

// ServerStatus is a point-in-time snapshot of one registered server.
type ServerStatus struct {
	Name        string
	Kind        TransportKind
	Enabled     bool
	State       State
	ConnectedAt time.Time
	LastError   string
	ToolCount   int
	ToolsStale  bool
}

// ToolInfo is a point-in-time snapshot of one catalog entry.
type ToolInfo struct {
	Server      string
	Name        string
	Qualified   string
	Description string
	InputSchema json.RawMessage
	Enabled     bool
}
