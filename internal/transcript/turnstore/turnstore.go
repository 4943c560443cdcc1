// Package turnstore persists finalised conversation turns.
//
// Two [Store] implementations are provided: [Memory] for tests and for running
// without a database, and [Postgres] backed by a pgx connection pool. The
// [Writer] decouples the session from the store so that a slow or failing
// database never stalls the live conversation.
package turnstore

import (
	"context"
	"errors"

	"github.com/MrWong99/aptrium/internal/transcript"
)

// ErrClosed is returned by a store after Close.
var ErrClosed = errors.New("turnstore: closed")

// Store records turns keyed by session ID and turn index. Saving a turn whose
// key already exists replaces it.
type Store interface {
	// SaveTurn records turn under sessionID.
	SaveTurn(ctx context.Context, sessionID string, turn transcript.Turn) error

	// Turns returns the turns of sessionID ordered by index.
	Turns(ctx context.Context, sessionID string) ([]transcript.Turn, error)

	// Close releases the store's resources.
	Close() error
}
