package transport

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/voxhive/mcplink/internal/config"
	"github.com/voxhive/mcplink/internal/errors"
	"github.com/voxhive/mcplink/internal/wire"
)

const (
	// maxScanTokenSize is the maximum buffer size for reading server output lines.
	maxScanTokenSize = 1024 * 1024 // 1MB
	// maxStderrBufferSize caps the retained stderr buffer. Reading continues
	// past the cap so the pipe never blocks the child, but the buffer stops
	// growing to bound memory usage.
	maxStderrBufferSize = 256 * 1024 // 256KB
)

// Stdio reaches a server by spawning a child process and exchanging
// newline-delimited JSON frames over its stdin/stdout. The process's
// lifetime is bound to the transport's: Close terminates it, and an
// unexpected exit is reported as a ProcessError on the error channel.
type Stdio struct {
	log         *slog.Logger
	cfg         *config.ServerConfig
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	stdout      io.ReadCloser
	stderr      io.ReadCloser
	mu          sync.Mutex // protects stdin writes and lifecycle flags
	closing     bool       // Close() was called (intentional shutdown)
	stdinClosed bool
}

// Compile-time verification that Stdio implements Transport.
var _ Transport = (*Stdio)(nil)

// NewStdio creates a stdio transport for the given server config.
// The process is not spawned until Start.
func NewStdio(log *slog.Logger, cfg *config.ServerConfig) *Stdio {
	return &Stdio{
		log: log.With("component", "stdio_transport", "server", cfg.Name),
		cfg: cfg,
	}
}

// Start spawns the configured command with the configured arguments,
// environment and working directory, and wires up its pipes.
//
// The process is deliberately not bound to ctx: its lifetime belongs to
// the transport, and Close is the only thing that terminates it. A
// caller's connect deadline expiring must not kill a healthy server.
//
// Credentials are passed through the environment map only; they never
// appear in the argument list.
func (t *Stdio) Start(_ context.Context) error {
	t.log.Info("Starting server process", "command", t.cfg.Command)

	//nolint:gosec // G204: launching a user-configured server command is the point
	cmd := exec.Command(t.cfg.Command, t.cfg.Args...)
	cmd.Dir = t.cfg.Cwd
	cmd.Env = buildEnv(t.cfg.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &errors.TransportError{Kind: "stdio", Err: fmt.Errorf("stdin pipe: %w", err)}
	}

	t.stdin = stdin

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &errors.TransportError{Kind: "stdio", Err: fmt.Errorf("stdout pipe: %w", err)}
	}

	t.stdout = stdout

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &errors.TransportError{Kind: "stdio", Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	t.stderr = stderr

	if err := cmd.Start(); err != nil {
		t.log.Error("Failed to start server process", "error", err)

		return &errors.TransportError{Kind: "stdio", Err: fmt.Errorf("start %q: %w", t.cfg.Command, err)}
	}

	t.cmd = cmd
	t.log.Info("Server process started", "pid", cmd.Process.Pid)

	return nil
}

// buildEnv merges the configured variables over the parent environment.
func buildEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}

	return env
}

// ReadMessages reads newline-delimited JSON frames from the process stdout.
//
// Undecodable lines are reported on the error channel and skipped; the
// stream keeps going. When stdout drains, the process is reaped: an
// unexpected non-zero exit is delivered as a ProcessError carrying the
// captured stderr, while an exit during Close is silent. The goroutine
// closes both channels when it stops.
func (t *Stdio) ReadMessages(ctx context.Context) (<-chan *wire.Message, <-chan error) {
	messages := make(chan *wire.Message)
	errs := make(chan error, 1)

	// Stderr is captured for error reporting; reads must finish before
	// Wait(). See https://pkg.go.dev/os/exec#Cmd.StderrPipe
	var stderrWg sync.WaitGroup

	var stderrBuffer strings.Builder

	var stderrMu sync.Mutex

	stderrWg.Go(func() {
		// Relies on process kill to close the pipe and unblock Scan.
		scanner := bufio.NewScanner(t.stderr)
		for scanner.Scan() {
			stderrMu.Lock()

			if stderrBuffer.Len() < maxStderrBufferSize {
				if stderrBuffer.Len() > 0 {
					stderrBuffer.WriteString("\n")
				}

				stderrBuffer.WriteString(scanner.Text())
			}

			stderrMu.Unlock()
		}
	})

	go func() {
		defer close(messages)
		defer close(errs)
		defer t.log.Debug("Stdio read loop stopped")

		scanner := bufio.NewScanner(t.stdout)
		buf := make([]byte, maxScanTokenSize)
		scanner.Buffer(buf, maxScanTokenSize)

		for scanner.Scan() {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()

				return
			default:
			}

			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}

			msg, err := wire.Decode(line)
			if err != nil {
				t.log.Debug("Skipping undecodable frame", "error", err, "line", string(line))

				errs <- &errors.ProtocolError{Reason: "undecodable frame", Err: err}

				continue
			}

			select {
			case messages <- msg:
			case <-ctx.Done():
				errs <- ctx.Err()

				return
			}
		}

		if err := scanner.Err(); err != nil {
			t.log.Error("Scanner error reading server stdout", "error", err)

			errs <- &errors.TransportError{Kind: "stdio", Err: fmt.Errorf("read stdout: %w", err)}
		}

		stderrWg.Wait()

		if err := t.cmd.Wait(); err != nil {
			t.mu.Lock()
			isClosing := t.closing
			t.mu.Unlock()

			if isClosing {
				t.log.Debug("Server process terminated during shutdown")

				return
			}

			stderrMu.Lock()
			stderrOutput := stderrBuffer.String()
			stderrMu.Unlock()

			exitCode := -1

			if exitErr, ok := stderrors.AsType[*exec.ExitError](err); ok {
				exitCode = exitErr.ExitCode()
			}

			t.log.Error("Server process exited unexpectedly", "exit_code", exitCode, "stderr", stderrOutput)

			errs <- &errors.ProcessError{
				Command:  t.cfg.Command,
				ExitCode: exitCode,
				Stderr:   stderrOutput,
				Err:      err,
			}
		} else {
			t.log.Debug("Server process exited cleanly")
		}
	}()

	return messages, errs
}

// SendMessage writes one frame to the process stdin, appending the frame
// delimiter. Safe for concurrent use; respects context cancellation even
// during a blocked write.
func (t *Stdio) SendMessage(ctx context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stdin == nil {
		return errors.ErrNotConnected
	}

	if t.stdinClosed {
		return &errors.TransportError{Kind: "stdio", Err: errors.ErrConnClosed}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	// Copy before appending the delimiter so a caller's spare capacity
	// is never mutated.
	if len(data) == 0 || data[len(data)-1] != '\n' {
		framed := make([]byte, len(data)+1)
		copy(framed, data)
		framed[len(data)] = '\n'
		data = framed
	}

	// Write in a goroutine so cancellation can unblock the caller.
	done := make(chan error, 1)

	go func() {
		_, err := t.stdin.Write(data)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return &errors.TransportError{Kind: "stdio", Err: fmt.Errorf("write to stdin: %w", err)}
		}

		return nil

	case <-ctx.Done():
		// Closing stdin unblocks the pending Write (safe since Go 1.9).
		t.log.Debug("Context cancelled during write, closing stdin")

		if t.stdin != nil {
			_ = t.stdin.Close()
			t.stdinClosed = true
		}

		select {
		case <-done:
		case <-time.After(time.Second):
			t.log.Warn("Write goroutine did not exit after stdin close")
		}

		return ctx.Err()
	}
}

// IsReady reports whether the process is running with stdin open.
func (t *Stdio) IsReady() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.cmd != nil && t.cmd.Process != nil && t.stdin != nil && !t.stdinClosed && !t.closing
}

// Close terminates the server process with SIGKILL. Safe to call
// multiple times or on an already-dead process; the read loop treats the
// resulting exit as intentional.
func (t *Stdio) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closing = true
	t.stdinClosed = true

	if t.cmd != nil && t.cmd.Process != nil {
		t.log.Debug("Killing server process", "pid", t.cmd.Process.Pid)

		if err := t.cmd.Process.Kill(); err != nil && !stderrors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("kill server process (pid %d): %w", t.cmd.Process.Pid, err)
		}
	}

	return nil
}
