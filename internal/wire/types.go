package wire

import (
	"encoding/json"
	"strings"
)

// Implementation identifies one side of the handshake.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientCapabilities advertises what the client supports. Empty today;
// serialized as an object so servers can feature-detect.
type ClientCapabilities struct{}

// InitializeParams is the payload of the initialize request.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Implementation     `json:"clientInfo"`
}

// InitializeResult is the server's capability response to initialize.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      Implementation `json:"serverInfo"`
	Instructions    string         `json:"instructions,omitempty"`
}

// Tool is a tool descriptor as reported by a server. InputSchema is kept
// raw: the shape is defined by the remote server and interpreted by a
// generic validator at invocation time.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Meta        map[string]any  `json:"_meta,omitempty"`
}

// ListToolsParams is the payload of a tools/list request.
type ListToolsParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ListToolsResult is one page of a tools/list reply.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// CallToolParams is the payload of a tools/call request.
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ContentBlock is one entry of a tool result's content list.
type ContentBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Data     string          `json:"data,omitempty"`     // base64, for images/audio
	MimeType string          `json:"mimeType,omitempty"` // for images/audio
	Resource json.RawMessage `json:"resource,omitempty"` // embedded resources
}

// CallToolResult is the reply to a tools/call request. IsError marks a
// failure reported by the tool itself, as opposed to a protocol-level
// error response.
type CallToolResult struct {
	Content           []ContentBlock  `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
}

// Text concatenates the text content blocks of the result.
func (r *CallToolResult) Text() string {
	var sb strings.Builder

	for _, block := range r.Content {
		if block.Type != "text" {
			continue
		}

		if sb.Len() > 0 {
			sb.WriteString("\n")
		}

		sb.WriteString(block.Text)
	}

	return sb.String()
}
