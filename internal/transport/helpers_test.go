package transport

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	mcperrors "github.com/voxhive/mcplink/internal/errors"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	if testing.Verbose() {
		return slog.Default()
	}

	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func errorAsProcess(err error, target **mcperrors.ProcessError) bool {
	return errors.As(err, target)
}

func errorAsProtocol(err error, target **mcperrors.ProtocolError) bool {
	return errors.As(err, target)
}
