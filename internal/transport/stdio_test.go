package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/voxhive/mcplink/internal/config"
	mcperrors "github.com/voxhive/mcplink/internal/errors"
)

func stdioConfig(command string, args ...string) *config.ServerConfig {
	return &config.ServerConfig{
		Name:           "test",
		Kind:           config.KindStdio,
		Command:        command,
		Args:           args,
		TimeoutSeconds: 5,
		Enabled:        true,
	}
}

func TestStdio_ReadSingleFrame(t *testing.T) {
	ctx := context.Background()
	tr := NewStdio(testLogger(t), stdioConfig("echo", `{"jsonrpc":"2.0","id":"1","result":{}}`))

	require.NoError(t, tr.Start(ctx))

	t.Cleanup(func() { _ = tr.Close() })

	messages, errs := tr.ReadMessages(ctx)

	select {
	case msg := <-messages:
		require.NotNil(t, msg)
		require.True(t, msg.IsResponse())
		require.Equal(t, "1", msg.ID.String())
	case err := <-errs:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestStdio_NonexistentCommand(t *testing.T) {
	tr := NewStdio(testLogger(t), stdioConfig("definitely-not-a-real-binary-xyz"))

	err := tr.Start(context.Background())
	require.Error(t, err)

	var transportErr *mcperrors.TransportError
	require.ErrorAs(t, err, &transportErr)
	require.Equal(t, "stdio", transportErr.Kind)
}

func TestStdio_UnexpectedExit(t *testing.T) {
	ctx := context.Background()
	tr := NewStdio(testLogger(t), stdioConfig("sh", "-c", "echo boom >&2; exit 3"))

	require.NoError(t, tr.Start(ctx))

	t.Cleanup(func() { _ = tr.Close() })

	_, errs := tr.ReadMessages(ctx)

	var procErr *mcperrors.ProcessError

	deadline := time.After(5 * time.Second)

	for {
		select {
		case err, ok := <-errs:
			if !ok {
				t.Fatal("error channel closed without ProcessError")
			}

			if ok := errorAsProcess(err, &procErr); ok {
				require.Equal(t, 3, procErr.ExitCode)
				require.Contains(t, procErr.Stderr, "boom")

				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for ProcessError")
		}
	}
}

func TestStdio_SkipsGarbageLines(t *testing.T) {
	ctx := context.Background()
	tr := NewStdio(testLogger(t), stdioConfig(
		"sh", "-c", `echo 'not json'; echo '{"jsonrpc":"2.0","id":"ok","result":{}}'`,
	))

	require.NoError(t, tr.Start(ctx))

	t.Cleanup(func() { _ = tr.Close() })

	messages, errs := tr.ReadMessages(ctx)

	sawProtocolErr := false
	sawFrame := false
	deadline := time.After(5 * time.Second)

	for !(sawProtocolErr && sawFrame) {
		select {
		case msg, ok := <-messages:
			if !ok {
				t.Fatal("message channel closed early")
			}

			require.Equal(t, "ok", msg.ID.String())

			sawFrame = true
		case err := <-errs:
			var protoErr *mcperrors.ProtocolError
			if errorAsProtocol(err, &protoErr) {
				sawProtocolErr = true
			}
		case <-deadline:
			t.Fatal("timed out")
		}
	}
}

func TestStdio_CloseTerminatesProcess(t *testing.T) {
	ctx := context.Background()
	// Spawn the long-lived process directly: a shell wrapper may fork
	// rather than exec, and the orphaned grandchild would hold the pipes
	// open past Close.
	tr := NewStdio(testLogger(t), stdioConfig("sleep", "60"))

	require.NoError(t, tr.Start(ctx))
	require.True(t, tr.IsReady())

	messages, errs := tr.ReadMessages(ctx)

	require.NoError(t, tr.Close())
	require.False(t, tr.IsReady())

	// Shutdown is intentional: channels drain and close with no ProcessError.
	deadline := time.After(5 * time.Second)

	for {
		select {
		case _, ok := <-messages:
			if !ok {
				messages = nil
			}
		case err, ok := <-errs:
			if !ok {
				return
			}

			var procErr *mcperrors.ProcessError
			require.False(t, errorAsProcess(err, &procErr), "unexpected ProcessError during close: %v", err)
		case <-deadline:
			t.Fatal("channels did not close after Close")
		}
	}
}

func TestStdio_ProcessOutlivesStartContext(t *testing.T) {
	// The connect deadline bounds the handshake wait, not the process:
	// cancelling the context passed to Start must not kill the server.
	ctx, cancel := context.WithCancel(context.Background())
	tr := NewStdio(testLogger(t), stdioConfig("sleep", "60"))

	require.NoError(t, tr.Start(ctx))

	t.Cleanup(func() { _ = tr.Close() })

	messages, errs := tr.ReadMessages(context.Background())

	cancel()

	select {
	case err := <-errs:
		t.Fatalf("process died with the start context: %v", err)
	case <-time.After(500 * time.Millisecond):
	}

	require.True(t, tr.IsReady())

	// Only Close terminates the process.
	require.NoError(t, tr.Close())

	deadline := time.After(5 * time.Second)

	for {
		select {
		case _, ok := <-messages:
			if !ok {
				messages = nil
			}
		case _, ok := <-errs:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channels did not close after Close")
		}
	}
}

func TestStdio_SendBeforeStart(t *testing.T) {
	tr := NewStdio(testLogger(t), stdioConfig("echo"))

	err := tr.SendMessage(context.Background(), []byte(`{}`))
	require.ErrorIs(t, err, mcperrors.ErrNotConnected)
}

func TestStdio_SendAfterClose(t *testing.T) {
	ctx := context.Background()
	tr := NewStdio(testLogger(t), stdioConfig("sh", "-c", "sleep 60"))

	require.NoError(t, tr.Start(ctx))
	require.NoError(t, tr.Close())

	err := tr.SendMessage(ctx, []byte(`{}`))
	require.Error(t, err)
}
