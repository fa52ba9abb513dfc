package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecode_Response(t *testing.T) {
	msg, err := Decode([]byte(`{"jsonrpc":"2.0","id":"01ABC","result":{"ok":true}}`))
	require.NoError(t, err)

	require.True(t, msg.IsResponse())
	require.False(t, msg.IsRequest())
	require.False(t, msg.IsNotification())
	require.Equal(t, "01ABC", msg.ID.String())
	require.JSONEq(t, `{"ok":true}`, string(msg.Result))
}

func TestDecode_NumericIDCorrelatesByRawKey(t *testing.T) {
	// A request issued with a numeric id must correlate with a response
	// echoing the same number, regardless of formatting.
	resp, err := Decode([]byte(`{"jsonrpc":"2.0","id":42,"result":null}`))
	require.NoError(t, err)

	var echoed ID
	require.NoError(t, json.Unmarshal([]byte(`42`), &echoed))
	require.Equal(t, echoed.Key(), resp.ID.Key())
}

func TestDecode_Notification(t *testing.T) {
	msg, err := Decode([]byte(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`))
	require.NoError(t, err)

	require.True(t, msg.IsNotification())
	require.False(t, msg.IsResponse())
	require.Equal(t, NotifyToolsChanged, msg.Method)
}

func TestDecode_NullIDIsNotification(t *testing.T) {
	msg, err := Decode([]byte(`{"jsonrpc":"2.0","id":null,"method":"ping"}`))
	require.NoError(t, err)

	require.True(t, msg.IsNotification())
}

func TestDecode_Garbage(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	require.Error(t, err)

	_, err = Decode([]byte(`{"jsonrpc":"2.0"}`))
	require.Error(t, err)
}

func TestDecode_ErrorResponse(t *testing.T) {
	msg, err := Decode([]byte(`{"jsonrpc":"2.0","id":"x","error":{"code":-32601,"message":"method not found"}}`))
	require.NoError(t, err)

	require.True(t, msg.IsResponse())
	require.NotNil(t, msg.Error)
	require.Equal(t, CodeMethodNotFound, msg.Error.Code)
	require.Contains(t, msg.Error.Error(), "method not found")
}

func TestNewRequest_RoundTrip(t *testing.T) {
	req, err := NewRequest(StringID("req-1"), MethodCallTool, CallToolParams{
		Name:      "ping",
		Arguments: map[string]any{"count": 1},
	})
	require.NoError(t, err)

	data, err := Encode(req)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	require.True(t, decoded.IsRequest())
	require.Equal(t, req.ID.Key(), decoded.ID.Key())
	require.Equal(t, MethodCallTool, decoded.Method)
}

func TestNewNotification_OmitsID(t *testing.T) {
	n, err := NewNotification(MethodInitialized, nil)
	require.NoError(t, err)

	data, err := Encode(n)
	require.NoError(t, err)
	require.NotContains(t, string(data), `"id"`)
}

func TestNewErrorResponse(t *testing.T) {
	var id ID
	require.NoError(t, json.Unmarshal([]byte(`7`), &id))

	data, err := Encode(NewErrorResponse(id, CodeMethodNotFound, "nope"))
	require.NoError(t, err)
	require.JSONEq(t,
		`{"jsonrpc":"2.0","id":7,"error":{"code":-32601,"message":"nope"}}`,
		string(data),
	)
}

func TestCallToolResult_Text(t *testing.T) {
	res := &CallToolResult{Content: []ContentBlock{
		{Type: "text", Text: "first"},
		{Type: "image", Data: "aGk=", MimeType: "image/png"},
		{Type: "text", Text: "second"},
	}}

	require.Equal(t, "first\nsecond", res.Text())
}
