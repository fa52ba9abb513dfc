// Package template ships a read-only catalog of preset server
// definitions for well-known MCP servers. A preset is a ServerConfig
// skeleton with declared placeholders and required secrets; the user
// supplies those at instantiation time and gets back a validated
// configuration ready for the store.
package template

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/voxhive/mcplink/internal/config"
	"github.com/voxhive/mcplink/internal/errors"
)

//go:embed templates.toml
var templatesTOML []byte

// Template is one preset entry from the shipped catalog.
type Template struct {
	Name         string   `toml:"-"`
	Description  string   `toml:"description"`
	Kind         string   `toml:"kind"`
	Command      string   `toml:"command"`
	Args         []string `toml:"args"`
	URL          string   `toml:"url"`
	RequiredEnv  []string `toml:"required_env"`
	Placeholders []string `toml:"placeholders"`
}

// Overrides carries the user-supplied pieces merged into a preset.
type Overrides struct {
	// Name becomes the server name of the resulting configuration.
	Name string

	// Values fills the preset's declared placeholders, e.g. the
	// filesystem root directory.
	Values map[string]string

	// Env supplies environment variables, including every secret the
	// preset lists under required_env. Secrets travel in the process
	// environment only, never on the command line.
	Env map[string]string

	// Headers supplies extra HTTP headers for url-based presets.
	Headers map[string]string

	TimeoutSeconds int
}

var loadCatalog = sync.OnceValues(func() (map[string]*Template, error) {
	var raw map[string]*Template
	if err := toml.Unmarshal(templatesTOML, &raw); err != nil {
		return nil, fmt.Errorf("parse embedded template catalog: %w", err)
	}

	for name, tmpl := range raw {
		tmpl.Name = name
	}

	return raw, nil
})

// List returns every preset, sorted by name.
func List() ([]*Template, error) {
	catalog, err := loadCatalog()
	if err != nil {
		return nil, err
	}

	out := make([]*Template, 0, len(catalog))
	for _, tmpl := range catalog {
		out = append(out, tmpl)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})

	return out, nil
}

// Get returns the preset with the given name.
func Get(name string) (*Template, error) {
	catalog, err := loadCatalog()
	if err != nil {
		return nil, err
	}

	tmpl, ok := catalog[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrTemplateNotFound, name)
	}

	return tmpl, nil
}

// Instantiate merges overrides into the named preset and returns a
// server configuration that has passed the same validation as a manual
// entry. Missing placeholder values or required secrets fail before
// anything is persisted.
func Instantiate(name string, ov Overrides) (*config.ServerConfig, error) {
	tmpl, err := Get(name)
	if err != nil {
		return nil, err
	}

	if ov.Name == "" {
		return nil, &errors.ConfigError{Reason: fmt.Sprintf("template %s: server name is required", name)}
	}

	for _, key := range tmpl.Placeholders {
		if _, ok := ov.Values[key]; !ok {
			return nil, &errors.ConfigError{
				Server: ov.Name,
				Reason: fmt.Sprintf("template %s: missing value for placeholder %q", name, key),
			}
		}
	}

	for _, key := range tmpl.RequiredEnv {
		if ov.Env[key] == "" {
			return nil, &errors.ConfigError{
				Server: ov.Name,
				Reason: fmt.Sprintf("template %s: missing required secret %s", name, key),
			}
		}
	}

	args := make([]string, len(tmpl.Args))
	for i, arg := range tmpl.Args {
		args[i] = expand(arg, ov.Values)
	}

	cfg := &config.ServerConfig{
		Name:           ov.Name,
		Kind:           config.TransportKind(tmpl.Kind),
		Command:        tmpl.Command,
		Args:           args,
		URL:            expand(tmpl.URL, ov.Values),
		TimeoutSeconds: ov.TimeoutSeconds,
		Enabled:        true,
	}

	if len(ov.Env) > 0 {
		cfg.Env = make(map[string]string, len(ov.Env))
		for k, v := range ov.Env {
			cfg.Env[k] = v
		}
	}

	if len(ov.Headers) > 0 {
		cfg.Headers = make(map[string]string, len(ov.Headers))
		for k, v := range ov.Headers {
			cfg.Headers[k] = v
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// expand substitutes {{key}} markers with their override values.
func expand(s string, values map[string]string) string {
	for key, value := range values {
		s = strings.ReplaceAll(s, "{{"+key+"}}", value)
	}

	return s
}
