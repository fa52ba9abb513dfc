// Package config provides server configuration types for the mcplink client.
package config

import (
	"fmt"
	"maps"
	"net/url"
	"slices"
	"time"

	"github.com/voxhive/mcplink/internal/errors"
)

// DefaultTimeout applies when a server config does not set one.
const DefaultTimeout = 30 * time.Second

// TransportKind selects how a server is reached.
type TransportKind string

const (
	// KindStdio spawns a child process and speaks over its pipes.
	KindStdio TransportKind = "stdio"
	// KindSSE posts requests over HTTP and receives over a server-sent
	// event stream.
	KindSSE TransportKind = "sse"
	// KindWebSocket multiplexes both directions over one socket.
	KindWebSocket TransportKind = "websocket"
)

// ServerConfig describes one tool server. Exactly the fields required by
// Kind may be populated; Validate enforces this before any use.
//
// Credentials for stdio servers travel in Env, never in Args, so secrets
// do not appear in process listings.
type ServerConfig struct {
	Name string        `json:"name"`
	Kind TransportKind `json:"kind"`

	// Stdio fields.
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`

	// Network fields (sse, websocket).
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	TimeoutSeconds int  `json:"timeoutSeconds,omitempty"`
	Enabled        bool `json:"enabled"`
}

// Timeout returns the configured request timeout, or DefaultTimeout.
func (c *ServerConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return DefaultTimeout
	}

	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Validate checks that the config is complete for its transport kind and
// carries no fields belonging to another kind.
func (c *ServerConfig) Validate() error {
	if c.Name == "" {
		return &errors.ConfigError{Reason: "server name is required"}
	}

	if c.TimeoutSeconds < 0 {
		return c.invalid("timeoutSeconds must not be negative")
	}

	switch c.Kind {
	case KindStdio:
		if c.Command == "" {
			return c.invalid("command is required for stdio transport")
		}

		if c.URL != "" || len(c.Headers) > 0 {
			return c.invalid("url and headers are not valid for stdio transport")
		}

	case KindSSE, KindWebSocket:
		if c.URL == "" {
			return c.invalid(fmt.Sprintf("url is required for %s transport", c.Kind))
		}

		if err := c.validateURL(); err != nil {
			return err
		}

		if c.Command != "" || len(c.Args) > 0 || len(c.Env) > 0 || c.Cwd != "" {
			return c.invalid(fmt.Sprintf("command, args, env and cwd are not valid for %s transport", c.Kind))
		}

	case "":
		return c.invalid("transport kind is required")

	default:
		return c.invalid(fmt.Sprintf("unknown transport kind %q", c.Kind))
	}

	return nil
}

func (c *ServerConfig) validateURL() error {
	u, err := url.Parse(c.URL)
	if err != nil {
		return &errors.ConfigError{Server: c.Name, Reason: "invalid url", Err: err}
	}

	switch c.Kind {
	case KindSSE:
		if u.Scheme != "http" && u.Scheme != "https" {
			return c.invalid(fmt.Sprintf("sse url must be http or https, got %q", u.Scheme))
		}

	case KindWebSocket:
		switch u.Scheme {
		case "ws", "wss", "http", "https":
			// http(s) is accepted and rewritten to ws(s) at dial time.
		default:
			return c.invalid(fmt.Sprintf("websocket url must be ws, wss, http or https, got %q", u.Scheme))
		}
	}

	return nil
}

func (c *ServerConfig) invalid(reason string) error {
	return &errors.ConfigError{Server: c.Name, Reason: reason}
}

// Clone returns a deep copy.
func (c *ServerConfig) Clone() *ServerConfig {
	cp := *c
	cp.Args = slices.Clone(c.Args)
	cp.Env = maps.Clone(c.Env)
	cp.Headers = maps.Clone(c.Headers)

	return &cp
}

const redacted = "[redacted]"

// Redacted returns a copy safe for logging: env and header values are
// replaced, since both routinely carry credentials.
func (c *ServerConfig) Redacted() *ServerConfig {
	cp := c.Clone()

	for k := range cp.Env {
		cp.Env[k] = redacted
	}

	for k := range cp.Headers {
		cp.Headers[k] = redacted
	}

	return cp
}
