package badger

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"sync/atomic"

	"Node-sync/backend/storage"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"golang.org/x/xerrors"
)

// Key layout, document IDs are hex encoded so prefixes never overlap:
//
//	snap/<doc>          current snapshot
//	seq/<doc>           last update marker, 8 bytes big endian
//	log/<doc>/<marker>  update log entry, marker 8 bytes big endian
const (
	snapshotPrefix = "snap/"
	markerPrefix   = "seq/"
	logPrefix      = "log/"
)

// truncateBatch bounds the deletions of one transaction.
const truncateBatch = 1000

// ErrClosed is returned by operations on a closed store.
var ErrClosed = xerrors.New("badger store closed")

// Config configures a badger store.
type Config struct {
	// Path is the data directory. Ignored when InMemory is set.
	Path        string
	InMemory    bool
	SyncWrites  bool
	Compression bool
}

// Open opens a badger-backed store.
func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.SyncWrites = cfg.SyncWrites
	if cfg.Compression {
		opts.Compression = options.Snappy
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, xerrors.Errorf("failed to open badger at %q: %w", cfg.Path, err)
	}

	return &Store{db: db}, nil
}

// Store keeps snapshots and update logs in badger.
//
// - implements storage.Store
type Store struct {
	db     *badger.DB
	closed atomic.Bool
}

// LoadSnapshot implements storage.Store
func (s *Store) LoadSnapshot(_ context.Context, docID string) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey(docID))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, xerrors.Errorf("failed to load snapshot of %s: %w", docID, err)
	}
	return data, nil
}

// LoadUpdates implements storage.Store
func (s *Store) LoadUpdates(_ context.Context, docID string, after uint64) ([]storage.Update, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var updates []storage.Update
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		opts.Prefix = logDocPrefix(docID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(logKey(docID, after+1)); it.Valid(); it.Next() {
			item := it.Item()
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			updates = append(updates, storage.Update{Marker: markerOf(item.Key()), Data: data})
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("failed to load updates of %s: %w", docID, err)
	}
	return updates, nil
}

// AppendUpdate implements storage.Store
func (s *Store) AppendUpdate(_ context.Context, docID string, data []byte) (uint64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	var marker uint64
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(markerKey(docID))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			marker = 0
		case err != nil:
			return err
		default:
			err = item.Value(func(val []byte) error {
				if len(val) != 8 {
					return xerrors.Errorf("invalid marker record of %d bytes", len(val))
				}
				marker = binary.BigEndian.Uint64(val)
				return nil
			})
			if err != nil {
				return err
			}
		}

		marker++
		if err := txn.Set(markerKey(docID), encodeMarker(marker)); err != nil {
			return err
		}
		return txn.Set(logKey(docID, marker), data)
	})
	if err != nil {
		return 0, xerrors.Errorf("failed to append update to %s: %w", docID, err)
	}
	return marker, nil
}

// SaveSnapshot implements storage.Store
func (s *Store) SaveSnapshot(_ context.Context, docID string, data []byte, marker uint64) error {
	if s.closed.Load() {
		return ErrClosed
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapshotKey(docID), data)
	})
	if err != nil {
		return xerrors.Errorf("failed to save snapshot of %s: %w", docID, err)
	}

	// the snapshot is durable, superseded entries can go
	for {
		var keys [][]byte
		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = logDocPrefix(docID)
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Rewind(); it.Valid() && len(keys) < truncateBatch; it.Next() {
				key := it.Item().KeyCopy(nil)
				if markerOf(key) > marker {
					break
				}
				keys = append(keys, key)
			}
			return nil
		})
		if err != nil {
			return xerrors.Errorf("failed to list superseded updates of %s: %w", docID, err)
		}
		if len(keys) == 0 {
			return nil
		}

		err = s.db.Update(func(txn *badger.Txn) error {
			for _, key := range keys {
				if err := txn.Delete(key); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return xerrors.Errorf("failed to truncate updates of %s: %w", docID, err)
		}
	}
}

// Close implements storage.Store
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func docKey(docID string) string {
	return hex.EncodeToString([]byte(docID))
}

func snapshotKey(docID string) []byte {
	return []byte(snapshotPrefix + docKey(docID))
}

func markerKey(docID string) []byte {
	return []byte(markerPrefix + docKey(docID))
}

func logDocPrefix(docID string) []byte {
	return []byte(logPrefix + docKey(docID) + "/")
}

func logKey(docID string, marker uint64) []byte {
	return append(logDocPrefix(docID), encodeMarker(marker)...)
}

func markerOf(key []byte) uint64 {
	if len(key) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(key[len(key)-8:])
}

func encodeMarker(marker uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, marker)
	return buf
}
