package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/voxhive/mcplink/internal/config"
	mcperrors "github.com/voxhive/mcplink/internal/errors"
	"github.com/voxhive/mcplink/internal/wire"
)

// sseTestServer is a minimal HTTP+SSE tool server endpoint: GET serves
// the event stream (announcing /messages), POST echoes each request back
// over the stream as a response frame.
type sseTestServer struct {
	t  *testing.T
	mu sync.Mutex

	// outbound event queue for the current stream
	events chan string

	connects    int
	dropAfter   int // drop the stream after this many connects (0 = never)
	sendEndoint bool
}

func newSSETestServer(t *testing.T) *sseTestServer {
	return &sseTestServer{t: t, events: make(chan string, 16), sendEndoint: true}
}

func (s *sseTestServer) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /events", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.connects++
		n := s.connects
		drop := s.dropAfter
		s.mu.Unlock()

		flusher, ok := w.(http.Flusher)
		require.True(s.t, ok)

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		if s.sendEndoint {
			fmt.Fprintf(w, "event: endpoint\ndata: /messages\n\n")
			flusher.Flush()
		}

		if drop > 0 && n <= drop {
			return // close the stream, client should reconnect
		}

		for {
			select {
			case ev := <-s.events:
				fmt.Fprint(w, ev)
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})

	mux.HandleFunc("POST /messages", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(s.t, err)

		msg, err := wire.Decode(body)
		require.NoError(s.t, err)

		resp, err := wire.NewResponse(msg.ID, map[string]any{"echo": msg.Method})
		require.NoError(s.t, err)

		data, err := json.Marshal(resp)
		require.NoError(s.t, err)

		s.events <- fmt.Sprintf("event: message\ndata: %s\n\n", data)

		w.WriteHeader(http.StatusAccepted)
	})

	return mux
}

func sseConfig(baseURL string) *config.ServerConfig {
	return &config.ServerConfig{
		Name:           "sse-test",
		Kind:           config.KindSSE,
		URL:            baseURL + "/events",
		TimeoutSeconds: 3,
		Enabled:        true,
	}
}

func TestSSE_RoundTrip(t *testing.T) {
	srv := newSSETestServer(t)
	ts := httptest.NewServer(srv.handler())

	t.Cleanup(ts.Close)

	ctx := context.Background()
	tr := NewSSE(testLogger(t), sseConfig(ts.URL))

	require.NoError(t, tr.Start(ctx))

	t.Cleanup(func() { _ = tr.Close() })
	require.True(t, tr.IsReady())

	messages, errs := tr.ReadMessages(ctx)

	req, err := wire.NewRequest(wire.StringID("r1"), wire.MethodPing, nil)
	require.NoError(t, err)

	data, err := wire.Encode(req)
	require.NoError(t, err)

	require.NoError(t, tr.SendMessage(ctx, data))

	select {
	case msg := <-messages:
		require.True(t, msg.IsResponse())
		require.Equal(t, "r1", msg.ID.String())
	case err := <-errs:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for response frame")
	}
}

func TestSSE_StreamReconnect(t *testing.T) {
	srv := newSSETestServer(t)
	srv.dropAfter = 1 // first stream dies right after the endpoint event

	ts := httptest.NewServer(srv.handler())

	t.Cleanup(ts.Close)

	ctx := context.Background()
	tr := NewSSE(testLogger(t), sseConfig(ts.URL))

	require.NoError(t, tr.Start(ctx))

	t.Cleanup(func() { _ = tr.Close() })

	messages, errs := tr.ReadMessages(ctx)

	// Give the transport a moment to lose the stream and reconnect,
	// then exercise the logical connection — it must have survived.
	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()

		return srv.connects >= 2
	}, 5*time.Second, 50*time.Millisecond, "stream was not re-established")

	req, err := wire.NewRequest(wire.StringID("r2"), wire.MethodPing, nil)
	require.NoError(t, err)

	data, err := wire.Encode(req)
	require.NoError(t, err)

	require.NoError(t, tr.SendMessage(ctx, data))

	select {
	case msg := <-messages:
		require.Equal(t, "r2", msg.ID.String())
	case err := <-errs:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out after reconnect")
	}
}

func TestSSE_NoEndpointEvent(t *testing.T) {
	srv := newSSETestServer(t)
	srv.sendEndoint = false

	ts := httptest.NewServer(srv.handler())

	t.Cleanup(ts.Close)

	cfg := sseConfig(ts.URL)
	cfg.TimeoutSeconds = 1

	tr := NewSSE(testLogger(t), cfg)

	err := tr.Start(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, mcperrors.ErrRequestTimeout)
}

func TestSSE_SendBeforeStart(t *testing.T) {
	tr := NewSSE(testLogger(t), sseConfig("http://127.0.0.1:0"))

	err := tr.SendMessage(context.Background(), []byte(`{}`))
	require.ErrorIs(t, err, mcperrors.ErrNotConnected)
}

func TestSSE_NonStreamResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	}))

	t.Cleanup(ts.Close)

	cfg := sseConfig(ts.URL)
	cfg.URL = ts.URL

	tr := NewSSE(testLogger(t), cfg)

	err := tr.Start(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "content-type")
}
