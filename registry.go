package mcplink

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxhive/mcplink/internal/catalog"
	"github.com/voxhive/mcplink/internal/config"
	"github.com/voxhive/mcplink/internal/conn"
	"github.com/voxhive/mcplink/internal/errors"
	"github.com/voxhive/mcplink/internal/transport"
	"github.com/voxhive/mcplink/internal/wire"
)

// Registry owns all server connections and the aggregated tool
// catalog. It is safe for concurrent use; each connection's I/O runs
// independently, so one server stalling never blocks operations
// against another.
type Registry struct {
	log            *slog.Logger
	clientInfo     wire.Implementation
	dial           transport.Dialer
	store          *Store
	catalog        *catalog.Catalog
	defaultTimeout time.Duration

	mu     sync.RWMutex
	conns  map[string]*conn.Conn
	closed bool

	// storeMu serializes add/remove persistence. It is separate from mu
	// so the key derivation work of an encrypted save never stalls
	// lookups or invocations.
	storeMu sync.Mutex
	stored  map[string]*config.ServerConfig // decrypted cache, nil until first use
}

// NewRegistry creates an empty registry. Use LoadStored to populate it
// from an attached store.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		log:        NopLogger(),
		clientInfo: wire.Implementation{Name: "mcplink", Version: "1.0.0"},
		dial:       transport.New,
		catalog:    catalog.New(),
		conns:      make(map[string]*conn.Conn),
	}

	for _, opt := range opts {
		opt(r)
	}

	r.log = r.log.With("component", "registry")

	return r
}

// LoadStored reads every server definition from the attached store and
// registers it. Already-registered names are skipped. Returns the
// number of servers added.
func (r *Registry) LoadStored() (int, error) {
	if r.store == nil {
		return 0, &errors.ConfigError{Reason: "no configuration store attached"}
	}

	r.storeMu.Lock()

	servers, err := r.storedSet()
	if err != nil {
		r.storeMu.Unlock()

		return 0, err
	}
	r.storeMu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, errors.ErrRegistryClosed
	}

	added := 0

	for name, cfg := range servers {
		if _, ok := r.conns[name]; ok {
			continue
		}

		r.conns[name] = conn.New(r.log, cfg, r.dial, r.clientInfo)
		added++
	}

	r.log.Info("configuration loaded", "servers", added)

	return added, nil
}

// storedSet returns the decrypted server set, loading and caching it on
// first use. Caller holds storeMu.
func (r *Registry) storedSet() (map[string]*config.ServerConfig, error) {
	if r.stored == nil {
		servers, err := r.store.Load()
		if err != nil {
			return nil, err
		}

		r.stored = servers
	}

	return r.stored, nil
}

// AddServer validates and registers a new server definition. With a
// store attached the full set is persisted before the server becomes
// visible.
func (r *Registry) AddServer(cfg *ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	cfg = cfg.Clone()
	if cfg.TimeoutSeconds == 0 && r.defaultTimeout > 0 {
		cfg.TimeoutSeconds = int(r.defaultTimeout / time.Second)
	}

	// storeMu serializes adds/removes, so the existence check below stays
	// valid across the persist step without holding r.mu through the
	// encryption work.
	r.storeMu.Lock()
	defer r.storeMu.Unlock()

	r.mu.RLock()

	if r.closed {
		r.mu.RUnlock()

		return errors.ErrRegistryClosed
	}

	if _, ok := r.conns[cfg.Name]; ok {
		r.mu.RUnlock()

		return fmt.Errorf("%w: %s", errors.ErrServerExists, cfg.Name)
	}
	r.mu.RUnlock()

	if err := r.persist(func(servers map[string]*config.ServerConfig) {
		servers[cfg.Name] = cfg
	}); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.ErrRegistryClosed
	}

	r.conns[cfg.Name] = conn.New(r.log, cfg, r.dial, r.clientInfo)

	r.log.Info("server added", "server", cfg.Name, "kind", cfg.Kind)

	return nil
}

// RemoveServer disconnects and deletes a server, its catalog entries,
// and its remembered tool enablement.
func (r *Registry) RemoveServer(name string) error {
	r.storeMu.Lock()
	defer r.storeMu.Unlock()

	r.mu.RLock()

	c, ok := r.conns[name]
	if !ok {
		r.mu.RUnlock()

		return fmt.Errorf("%w: %s", errors.ErrServerNotFound, name)
	}
	r.mu.RUnlock()

	if err := r.persist(func(servers map[string]*config.ServerConfig) {
		delete(servers, name)
	}); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.conns, name)
	r.mu.Unlock()

	if err := c.Disconnect(); err != nil {
		r.log.Warn("disconnect during removal failed", "server", name, "error", err)
	}

	r.catalog.Forget(name)

	r.log.Info("server removed", "server", name)

	return nil
}

// persist applies mutate to a copy of the stored server set, saves it,
// and commits the copy to the cache only when the save succeeds. A nil
// store makes this a no-op so the registry also works purely in memory.
// Caller holds storeMu; r.mu must NOT be held here, the key derivation
// is expensive.
func (r *Registry) persist(mutate func(map[string]*config.ServerConfig)) error {
	if r.store == nil {
		return nil
	}

	current, err := r.storedSet()
	if err != nil {
		return err
	}

	next := make(map[string]*config.ServerConfig, len(current)+1)
	for name, cfg := range current {
		next[name] = cfg
	}

	mutate(next)

	if err := r.store.Save(next); err != nil {
		return err
	}

	r.stored = next

	return nil
}

func (r *Registry) lookup(name string) (*conn.Conn, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, errors.ErrRegistryClosed
	}

	c, ok := r.conns[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrServerNotFound, name)
	}

	return c, nil
}

// Connect establishes the connection to one server and runs tool
// discovery. Discovery failure is logged but does not fail the
// connection; the server stays ready with an empty tool set.
func (r *Registry) Connect(ctx context.Context, name string) error {
	c, err := r.lookup(name)
	if err != nil {
		return err
	}

	if err := c.Connect(ctx); err != nil {
		return err
	}

	r.discover(ctx, c)

	return nil
}

// discover refreshes the catalog for a connected server.
func (r *Registry) discover(ctx context.Context, c *conn.Conn) {
	name := c.Config().Name

	tools, err := c.ListTools(ctx)
	if err != nil {
		r.log.Warn("tool discovery failed", "server", name, "error", err)
		r.catalog.ReplaceServer(name, nil)

		return
	}

	r.catalog.ReplaceServer(name, tools)

	r.log.Info("tools discovered", "server", name, "count", len(tools))
}

// ConnectAll connects every enabled registered server concurrently.
// Each server connects independently; the first error is returned
// after all attempts finish.
func (r *Registry) ConnectAll(ctx context.Context) error {
	r.mu.RLock()

	if r.closed {
		r.mu.RUnlock()

		return errors.ErrRegistryClosed
	}

	conns := make([]*conn.Conn, 0, len(r.conns))
	for _, c := range r.conns {
		if c.Config().Enabled {
			conns = append(conns, c)
		}
	}
	r.mu.RUnlock()

	// A plain group: one server failing to connect must not cancel the
	// others mid-handshake.
	var g errgroup.Group

	for _, c := range conns {
		g.Go(func() error {
			if err := c.Connect(ctx); err != nil {
				return fmt.Errorf("connect %s: %w", c.Config().Name, err)
			}

			r.discover(ctx, c)

			return nil
		})
	}

	return g.Wait()
}

// Disconnect cleanly shuts down one server's connection and drops its
// catalog entries. Tool enablement is remembered for a reconnect.
func (r *Registry) Disconnect(name string) error {
	c, err := r.lookup(name)
	if err != nil {
		return err
	}

	if err := c.Disconnect(); err != nil {
		return err
	}

	r.catalog.DropServer(name)

	return nil
}

// RefreshTools re-runs discovery for a ready server without
// reconnecting.
func (r *Registry) RefreshTools(ctx context.Context, name string) error {
	c, err := r.lookup(name)
	if err != nil {
		return err
	}

	tools, err := c.ListTools(ctx)
	if err != nil {
		return err
	}

	r.catalog.ReplaceServer(name, tools)

	return nil
}

// TestServer dials and handshakes a candidate configuration without
// registering it, then tears the connection down. Used by management
// UIs to verify a config before saving it.
func (r *Registry) TestServer(ctx context.Context, cfg *ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	probe := conn.New(r.log, cfg.Clone(), r.dial, r.clientInfo)

	if err := probe.Connect(ctx); err != nil {
		return err
	}

	defer func() {
		if err := probe.Disconnect(); err != nil {
			r.log.Warn("probe disconnect failed", "server", cfg.Name, "error", err)
		}
	}()

	return probe.Ping(ctx)
}

// Servers returns a status snapshot for every registered server,
// sorted by name.
func (r *Registry) Servers() []ServerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ServerStatus, 0, len(r.conns))

	for name, c := range r.conns {
		cfg := c.Config()

		status := ServerStatus{
			Name:        name,
			Kind:        cfg.Kind,
			Enabled:     cfg.Enabled,
			State:       c.State(),
			ConnectedAt: c.ConnectedAt(),
			ToolCount:   len(r.catalog.Server(name)),
			ToolsStale:  c.ToolsStale(),
		}
		if err := c.LastError(); err != nil {
			status.LastError = err.Error()
		}

		out = append(out, status)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})

	return out
}

// Tools returns the full namespaced catalog, sorted by qualified name.
func (r *Registry) Tools() []ToolInfo {
	descriptors := r.catalog.All()

	out := make([]ToolInfo, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, ToolInfo{
			Server:      d.Server,
			Name:        d.Name,
			Qualified:   d.Qualified(),
			Description: d.Description,
			InputSchema: d.InputSchema,
			Enabled:     d.Enabled(),
		})
	}

	return out
}

// SetToolEnabled toggles one tool by qualified name. Disabled tools
// fail invocation immediately and the mark survives reconnects.
func (r *Registry) SetToolEnabled(qualified string, enabled bool) error {
	return r.catalog.SetEnabled(qualified, enabled)
}

// Close disconnects every server and marks the registry unusable.
func (r *Registry) Close() error {
	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()

		return nil
	}

	r.closed = true

	conns := make([]*conn.Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	var firstErr error

	for _, c := range conns {
		if err := c.Disconnect(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
