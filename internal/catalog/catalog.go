// Package catalog maintains the aggregated tool catalog across all
// connected servers. Tools are addressed by qualified name
// ("server:tool") so identically named tools on different servers never
// collide, and per-tool enable state is tracked here rather than on the
// connection so it survives reconnects and rediscovery.
package catalog

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/voxhive/mcplink/internal/errors"
	"github.com/voxhive/mcplink/internal/wire"
)

// Separator joins the server name and tool name in a qualified name.
const Separator = ":"

// Qualify builds the qualified name for a tool on a server.
func Qualify(server, tool string) string {
	return server + Separator + tool
}

// SplitQualified splits a qualified name into its server and tool
// parts. The first separator wins, so tool names may themselves contain
// the separator character.
func SplitQualified(qualified string) (server, tool string, err error) {
	server, tool, ok := strings.Cut(qualified, Separator)
	if !ok || server == "" || tool == "" {
		return "", "", fmt.Errorf("%w: malformed qualified name %q", errors.ErrToolNotFound, qualified)
	}

	return server, tool, nil
}

// Descriptor is one catalog entry. The input schema is kept in raw form
// and compiled on first validation; compilation failures are surfaced
// on every ValidateArgs call rather than dropping the tool.
type Descriptor struct {
	Server      string
	Name        string
	Description string
	InputSchema json.RawMessage
	Meta        map[string]any

	// enabled is atomic: SetEnabled toggles it while readers hold a
	// *Descriptor from an earlier All or Lookup.
	enabled atomic.Bool

	compileOnce sync.Once
	resolved    *jsonschema.Resolved
	compileErr  error
}

// Qualified returns the catalog-wide name of the tool.
func (d *Descriptor) Qualified() string {
	return Qualify(d.Server, d.Name)
}

// Enabled reports whether the tool may be invoked.
func (d *Descriptor) Enabled() bool {
	return d.enabled.Load()
}

func (d *Descriptor) compile() {
	if len(d.InputSchema) == 0 {
		return
	}

	var schema jsonschema.Schema
	if err := json.Unmarshal(d.InputSchema, &schema); err != nil {
		d.compileErr = fmt.Errorf("parse input schema: %w", err)

		return
	}

	resolved, err := schema.Resolve(nil)
	if err != nil {
		d.compileErr = fmt.Errorf("resolve input schema: %w", err)

		return
	}

	d.resolved = resolved
}

// ValidateArgs checks the given arguments against the tool's declared
// input schema. A tool without a schema accepts any arguments.
func (d *Descriptor) ValidateArgs(args map[string]any) error {
	d.compileOnce.Do(d.compile)

	if d.compileErr != nil {
		return &errors.ValidationError{Server: d.Server, Tool: d.Name, Err: d.compileErr}
	}

	if d.resolved == nil {
		return nil
	}

	if args == nil {
		args = map[string]any{}
	}

	if err := d.resolved.Validate(args); err != nil {
		return &errors.ValidationError{Server: d.Server, Tool: d.Name, Err: err}
	}

	return nil
}

// Catalog is the thread-safe aggregate of tool descriptors across
// servers. Refreshing one server never disturbs another server's
// entries.
type Catalog struct {
	mu       sync.RWMutex
	byName   map[string]*Descriptor // qualified name -> descriptor
	disabled map[string]struct{}    // qualified names, survives refresh
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{
		byName:   make(map[string]*Descriptor),
		disabled: make(map[string]struct{}),
	}
}

// ReplaceServer atomically swaps the catalog entries for one server
// with freshly discovered tools. Within a batch a duplicate tool name
// replaces the earlier occurrence. Disable marks keyed by qualified
// name are reapplied to the new entries.
func (c *Catalog) ReplaceServer(server string, tools []wire.Tool) {
	fresh := make(map[string]*Descriptor, len(tools))

	for _, tool := range tools {
		if tool.Name == "" {
			continue
		}

		d := &Descriptor{
			Server:      server,
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
			Meta:        tool.Meta,
		}
		fresh[d.Qualified()] = d
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for qualified, d := range c.byName {
		if d.Server == server {
			delete(c.byName, qualified)
		}
	}

	for qualified, d := range fresh {
		_, off := c.disabled[qualified]
		d.enabled.Store(!off)
		c.byName[qualified] = d
	}
}

// DropServer removes all entries for a server, e.g. on disconnect or
// server removal. Disable marks are kept so a later reconnect restores
// the same enablement.
func (c *Catalog) DropServer(server string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for qualified, d := range c.byName {
		if d.Server == server {
			delete(c.byName, qualified)
		}
	}
}

// Forget drops a server's entries and its remembered disable marks.
// Used when a server is removed from configuration for good.
func (c *Catalog) Forget(server string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for qualified, d := range c.byName {
		if d.Server == server {
			delete(c.byName, qualified)
		}
	}

	prefix := server + Separator
	for qualified := range c.disabled {
		if strings.HasPrefix(qualified, prefix) {
			delete(c.disabled, qualified)
		}
	}
}

// Lookup returns the descriptor for a qualified name.
func (c *Catalog) Lookup(qualified string) (*Descriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d, ok := c.byName[qualified]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrToolNotFound, qualified)
	}

	return d, nil
}

// All returns every descriptor, sorted by qualified name.
func (c *Catalog) All() []*Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Descriptor, 0, len(c.byName))
	for _, d := range c.byName {
		out = append(out, d)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Qualified() < out[j].Qualified()
	})

	return out
}

// Server returns the descriptors for one server, sorted by name.
func (c *Catalog) Server(server string) []*Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*Descriptor

	for _, d := range c.byName {
		if d.Server == server {
			out = append(out, d)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})

	return out
}

// SetEnabled toggles a tool. The mark is remembered by qualified name,
// so a disabled tool stays disabled across refreshes and reconnects.
func (c *Catalog) SetEnabled(qualified string, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.byName[qualified]
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrToolNotFound, qualified)
	}

	d.enabled.Store(enabled)

	if enabled {
		delete(c.disabled, qualified)
	} else {
		c.disabled[qualified] = struct{}{}
	}

	return nil
}
