package mcplink

import "github.com/voxhive/mcplink/internal/template"

// Templates lists the shipped server presets, sorted by name.
func Templates() ([]*Template, error) {
	return template.List()
}

// Instantiate merges overrides into the named preset and returns a
// validated server configuration ready for AddServer.
func Instantiate(name string, overrides TemplateOverrides) (*ServerConfig, error) {
	return template.Instantiate(name, overrides)
}
