package memory

import (
	"context"
	"sync"

	"Node-sync/backend/storage"

	"golang.org/x/xerrors"
)

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{
		docs: make(map[string]*document),
	}
}

// Store keeps documents in memory. Stored bytes are copied in and out.
//
// - implements storage.Store
type Store struct {
	mu       sync.Mutex
	docs     map[string]*document
	writeErr error
	closed   bool
}

type document struct {
	snapshot []byte
	updates  []storage.Update
	next     uint64
}

// InjectWriteError makes every following write fail with err until it is
// called again with nil.
func (s *Store) InjectWriteError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.writeErr = err
}

// CorruptSnapshot overwrites the stored snapshot of a document.
func (s *Store) CorruptSnapshot(docID string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.doc(docID).snapshot = clone(data)
}

// UpdateCount returns the number of log entries of a document.
func (s *Store) UpdateCount(docID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.doc(docID).updates)
}

// LoadSnapshot implements storage.Store
func (s *Store) LoadSnapshot(_ context.Context, docID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[docID]
	if !ok || doc.snapshot == nil {
		return nil, storage.ErrNotFound
	}
	return clone(doc.snapshot), nil
}

// LoadUpdates implements storage.Store
func (s *Store) LoadUpdates(_ context.Context, docID string, after uint64) ([]storage.Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[docID]
	if !ok {
		return nil, nil
	}

	var updates []storage.Update
	for _, u := range doc.updates {
		if u.Marker > after {
			updates = append(updates, storage.Update{Marker: u.Marker, Data: clone(u.Data)})
		}
	}
	return updates, nil
}

// AppendUpdate implements storage.Store
func (s *Store) AppendUpdate(_ context.Context, docID string, data []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writable(); err != nil {
		return 0, err
	}

	doc := s.doc(docID)
	doc.next++
	doc.updates = append(doc.updates, storage.Update{Marker: doc.next, Data: clone(data)})
	return doc.next, nil
}

// SaveSnapshot implements storage.Store
func (s *Store) SaveSnapshot(_ context.Context, docID string, data []byte, marker uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writable(); err != nil {
		return err
	}

	doc := s.doc(docID)
	doc.snapshot = clone(data)

	kept := doc.updates[:0]
	for _, u := range doc.updates {
		if u.Marker > marker {
			kept = append(kept, u)
		}
	}
	doc.updates = kept
	return nil
}

// Close implements storage.Store
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

func (s *Store) writable() error {
	if s.closed {
		return xerrors.New("store closed")
	}
	return s.writeErr
}

func (s *Store) doc(docID string) *document {
	doc, ok := s.docs[docID]
	if !ok {
		doc = &document{}
		s.docs[docID] = doc
	}
	return doc
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append(make([]byte, 0, len(b)), b...)
}
