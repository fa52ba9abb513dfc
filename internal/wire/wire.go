// Package wire defines the JSON-RPC 2.0 message framing shared by all
// transports, along with the MCP method names and payload types the
// client exchanges with tool servers.
//
// The same message shape travels over every transport; only framing and
// delivery differ. Requests carry a correlation id, notifications do not.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC version string carried by every message.
const Version = "2.0"

// ProtocolVersion is the MCP protocol revision this client speaks.
const ProtocolVersion = "2025-06-18"

// Method names used by the client.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodPing        = "ping"
	MethodListTools   = "tools/list"
	MethodCallTool    = "tools/call"

	// NotifyToolsChanged is sent by servers whose tool set changed.
	NotifyToolsChanged = "notifications/tools/list_changed"
)

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// ID is a request correlation id. The client always issues string ids;
// responses are matched on the id's raw JSON text, so correlation is
// byte-exact and independent of arrival order.
type ID struct {
	raw json.RawMessage
}

// StringID returns an ID carrying the given string.
func StringID(s string) ID {
	raw, _ := json.Marshal(s)

	return ID{raw: raw}
}

// IsZero reports whether the id is absent. Used by omitzero so
// notifications serialize without an id field.
func (id ID) IsZero() bool {
	return len(id.raw) == 0 || bytes.Equal(id.raw, []byte("null"))
}

// Key returns a stable map key for the id: the raw JSON text.
func (id ID) Key() string {
	return string(id.raw)
}

// String returns a human-readable form, unquoting string ids.
func (id ID) String() string {
	var s string
	if err := json.Unmarshal(id.raw, &s); err == nil {
		return s
	}

	return string(id.raw)
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.IsZero() {
		return []byte("null"), nil
	}

	return id.raw, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	id.raw = append(id.raw[:0], data...)

	return nil
}

// Error is the error object of a failed response.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Message is a single JSON-RPC frame: request, response, or notification.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id,omitzero"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// IsRequest reports whether the message is a request expecting a response.
func (m *Message) IsRequest() bool {
	return !m.ID.IsZero() && m.Method != ""
}

// IsNotification reports whether the message is a fire-and-forget notification.
func (m *Message) IsNotification() bool {
	return m.ID.IsZero() && m.Method != ""
}

// IsResponse reports whether the message answers an earlier request.
func (m *Message) IsResponse() bool {
	return !m.ID.IsZero() && m.Method == ""
}

// NewRequest builds a request frame, marshaling params.
// A nil params produces a request without a params field.
func NewRequest(id ID, method string, params any) (*Message, error) {
	msg := &Message{JSONRPC: Version, ID: id, Method: method}

	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}

		msg.Params = raw
	}

	return msg, nil
}

// NewNotification builds a notification frame (no id).
func NewNotification(method string, params any) (*Message, error) {
	msg := &Message{JSONRPC: Version, Method: method}

	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}

		msg.Params = raw
	}

	return msg, nil
}

// NewResponse builds a success response for the given request id.
func NewResponse(id ID, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}

	return &Message{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response for the given request id.
func NewErrorResponse(id ID, code int, message string) *Message {
	return &Message{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
}

// Decode parses one frame. It rejects frames that are not JSON objects
// or that carry neither a method nor an id.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	if msg.Method == "" && msg.ID.IsZero() {
		return nil, fmt.Errorf("decode frame: not a request, response, or notification")
	}

	return &msg, nil
}

// Encode serializes a frame.
func Encode(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	return data, nil
}
