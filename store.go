package mcplink

import (
	"log/slog"

	"github.com/voxhive/mcplink/internal/store"
)

// Store persists server configurations encrypted at rest. See
// NewStore.
type Store = store.Store

// NewStore opens (or prepares to create) the encrypted configuration
// file at path, sealed under the given passphrase. A nil logger
// disables logging.
func NewStore(log *slog.Logger, path, passphrase string) *Store {
	if log == nil {
		log = NopLogger()
	}

	return store.New(log, path, passphrase)
}
