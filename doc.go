// Package mcplink is a client for servers speaking the Model Context
// Protocol. It connects a voice assistant's tool-calling agent to
// external tool servers over child-process stdio, HTTP+SSE, or
// WebSocket transports, discovers the tools each server exposes, and
// presents them as uniformly shaped callable operations with local
// argument validation.
//
// The entry point is the Registry, which owns all server connections:
//
//	reg := mcplink.NewRegistry(
//		mcplink.WithLogger(logger),
//		mcplink.WithStore(st),
//	)
//	defer reg.Close()
//
//	if err := reg.AddServer(cfg); err != nil { ... }
//	if err := reg.Connect(ctx, cfg.Name); err != nil { ... }
//
//	res, err := reg.Invoke(ctx, "files:read_file", map[string]any{
//		"path": "notes.md",
//	})
//
// Server definitions are persisted encrypted at rest through the Store,
// and presets for well-known servers are available from Templates.
package mcplink
