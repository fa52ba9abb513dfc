package mcplink

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/voxhive/mcplink/internal/catalog"
	"github.com/voxhive/mcplink/internal/conn"
	"github.com/voxhive/mcplink/internal/errors"
)

// Invoke calls one tool by its qualified "server:tool" name. Arguments
// are validated against the tool's declared schema before anything
// touches the network; a disabled tool or a server that is not ready
// fails immediately with an UnavailableError. A failure reported by
// the remote tool comes back as a ToolError, and the connection stays
// ready.
func (r *Registry) Invoke(ctx context.Context, qualified string, args map[string]any) (*ToolResult, error) {
	d, err := r.catalog.Lookup(qualified)
	if err != nil {
		return nil, err
	}

	if !d.Enabled() {
		return nil, &errors.UnavailableError{Server: d.Server, Tool: d.Name, Reason: "tool is disabled"}
	}

	c, err := r.lookup(d.Server)
	if err != nil {
		return nil, err
	}

	if state := c.State(); state != conn.StateReady {
		return nil, &errors.UnavailableError{
			Server: d.Server,
			Tool:   d.Name,
			Reason: "server is " + state.String(),
			Err:    c.LastError(),
		}
	}

	if err := d.ValidateArgs(args); err != nil {
		return nil, err
	}

	result, err := c.CallTool(ctx, d.Name, args)
	if err != nil {
		if rpcErr, ok := stderrors.AsType[*errors.RPCError](err); ok {
			// The server rejected this call; the session is intact.
			return nil, &errors.ToolError{Server: d.Server, Tool: d.Name, Message: rpcErr.Message}
		}

		return nil, err
	}

	if result.IsError {
		return nil, &errors.ToolError{Server: d.Server, Tool: d.Name, Message: result.Text()}
	}

	return result, nil
}

// AgentTool is one catalog entry packaged as a callable operation for
// the assistant's agent: a qualified name, a human description, the
// raw parameter schema, and a bound Call.
type AgentTool struct {
	Name        string
	Description string
	InputSchema json.RawMessage

	registry *Registry
}

// Call invokes the tool with the given arguments.
func (t *AgentTool) Call(ctx context.Context, args map[string]any) (*ToolResult, error) {
	return t.registry.Invoke(ctx, t.Name, args)
}

// AgentTools returns a callable handle for every enabled tool in the
// catalog, sorted by qualified name.
func (r *Registry) AgentTools() []*AgentTool {
	var out []*AgentTool

	for _, d := range r.catalog.All() {
		if !d.Enabled() {
			continue
		}

		out = append(out, &AgentTool{
			Name:        d.Qualified(),
			Description: d.Description,
			InputSchema: d.InputSchema,
			registry:    r,
		})
	}

	return out
}

// SplitQualified splits a "server:tool" name into its parts.
func SplitQualified(qualified string) (server, tool string, err error) {
	return catalog.SplitQualified(qualified)
}
