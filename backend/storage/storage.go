package storage

import (
	"context"

	"golang.org/x/xerrors"
)

// ErrNotFound is returned when a document has no snapshot.
var ErrNotFound = xerrors.New("not found")

// Update is one entry of a document's update log.
type Update struct {
	// Marker is strictly increasing within a document.
	Marker uint64
	Data   []byte
}

// Store is the durable storage collaborator. Per document it keeps one
// current snapshot and an append-only update log.
type Store interface {
	// LoadSnapshot returns the current snapshot, or ErrNotFound.
	LoadSnapshot(ctx context.Context, docID string) ([]byte, error)

	// LoadUpdates returns the log entries with a marker greater than after,
	// in marker order.
	LoadUpdates(ctx context.Context, docID string, after uint64) ([]Update, error)

	// AppendUpdate appends an entry to the log and returns its marker.
	AppendUpdate(ctx context.Context, docID string, data []byte) (uint64, error)

	// SaveSnapshot replaces the current snapshot and truncates the log
	// entries whose marker is at most marker.
	SaveSnapshot(ctx context.Context, docID string, data []byte, marker uint64) error

	// Close releases the store.
	Close() error
}
