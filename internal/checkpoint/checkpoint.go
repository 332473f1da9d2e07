// Package checkpoint persists and restores the replay service's tables and
// chunk store. The service treats the checkpointer as a black box; the
// pebble-backed implementation below is what the server binary wires in.
package checkpoint

import (
	"errors"

	"github.com/rzbill/replay/internal/chunkstore"
	"github.com/rzbill/replay/internal/table"
)

// ErrNoCheckpoint reports that no checkpoint exists at the configured
// location. At startup this is recoverable: the service falls through to the
// fallback checkpoint, then to an empty state.
var ErrNoCheckpoint = errors.New("checkpoint: no checkpoint found")

// IsNotFound reports whether err means a missing checkpoint.
func IsNotFound(err error) bool { return errors.Is(err, ErrNoCheckpoint) }

// Checkpointer saves and loads service state.
type Checkpointer interface {
	// LoadLatest restores the most recent checkpoint into the chunk store
	// and the given tables. Returns an ErrNoCheckpoint-wrapped error when no
	// checkpoint exists.
	LoadLatest(store *chunkstore.Store, tables []table.Table) error

	// LoadFallback restores the configured fallback checkpoint, used to seed
	// a fresh service from another experiment's state.
	LoadFallback(store *chunkstore.Store, tables []table.Table) error

	// Save writes a new checkpoint of the given tables and returns its path,
	// pruning all but the newest keep checkpoints.
	Save(tables []table.Table, keep int) (string, error)

	DebugString() string
}
