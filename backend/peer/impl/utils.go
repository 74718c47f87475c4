package impl

import (
	"sync"

	"Node-sync/backend/crdt"
	"Node-sync/backend/types"

	"golang.org/x/exp/slices"
	"golang.org/x/xerrors"
)

// Set represents a collection of unique elements. It is not safe for
// concurrent use.
type Set[T comparable] struct {
	data map[T]struct{}
}

// NewSet creates and returns a new empty set.
func NewSet[T comparable]() *Set[T] {
	return &Set[T]{data: make(map[T]struct{})}
}

// Add adds an element to the set.
func (s *Set[T]) Add(value T) {
	s.data[value] = struct{}{}
}

// Remove removes an element from the set.
func (s *Set[T]) Remove(value T) {
	delete(s.data, value)
}

// Contains checks if an element is in the set.
func (s *Set[T]) Contains(value T) bool {
	_, exists := s.data[value]
	return exists
}

// Size returns the number of elements in the set.
func (s *Set[T]) Size() int {
	return len(s.data)
}

// Values returns all elements in the set as a slice.
func (s *Set[T]) Values() []T {
	keys := make([]T, 0, len(s.data))
	for key := range s.data {
		keys = append(keys, key)
	}
	return keys
}

// SessionSet holds the sessions attached to one document.
type SessionSet struct {
	mu   sync.RWMutex
	sess *Set[*session]
}

func newSessionSet() *SessionSet {
	return &SessionSet{sess: NewSet[*session]()}
}

// Add registers a session.
func (s *SessionSet) Add(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sess.Add(sess)
}

// Remove unregisters a session and reports whether it was registered.
func (s *SessionSet) Remove(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.sess.Contains(sess) {
		return false
	}
	s.sess.Remove(sess)
	return true
}

// Values returns the registered sessions.
func (s *SessionSet) Values() []*session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sess.Values()
}

// Size returns the number of registered sessions.
func (s *SessionSet) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sess.Size()
}

// DocumentTable holds the resident documents of a node. Its mutex also
// guards the reference counts and eviction timers of the documents.
type DocumentTable struct {
	mu   sync.Mutex
	docs map[string]*document
	// evicting holds, per document removed from docs, a channel closed once
	// its buffered operations are written.
	evicting map[string]chan struct{}
}

func newDocumentTable() *DocumentTable {
	return &DocumentTable{
		docs:     make(map[string]*document),
		evicting: make(map[string]chan struct{}),
	}
}

// Get returns the resident document, if any.
func (t *DocumentTable) Get(docID string) (*document, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	doc, ok := t.docs[docID]
	return doc, ok
}

// Values returns the resident documents, sorted by id.
func (t *DocumentTable) Values() []*document {
	t.mu.Lock()
	defer t.mu.Unlock()

	docs := make([]*document, 0, len(t.docs))
	for _, doc := range t.docs {
		docs = append(docs, doc)
	}
	slices.SortFunc(docs, func(a, b *document) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		default:
			return 0
		}
	})
	return docs
}

// Len returns the number of resident documents.
func (t *DocumentTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.docs)
}

// mergeOperations applies operations from other replicas in replica and
// sequence order. It returns the operations that were new. Operations that
// cannot be applied are skipped; the first gap error, or else the first
// other error, is returned.
func mergeOperations(r *crdt.Replica, ops []types.Operation) ([]types.Operation, error) {
	sorted := slices.Clone(ops)
	slices.SortStableFunc(sorted, func(a, b types.Operation) int {
		return a.ID.Compare(b.ID)
	})

	var applied []types.Operation
	var gapErr, otherErr error

	vector := r.StateVector()
	for _, op := range sorted {
		if vector.Covers(op.ID) {
			continue
		}

		err := r.ApplyRemote(op)
		switch {
		case err == nil:
			vector[op.ID.Replica] = op.ID.Seq
			applied = append(applied, op)
		case xerrors.Is(err, types.ErrUnknownReplicaGap):
			if gapErr == nil {
				gapErr = err
			}
		default:
			if otherErr == nil {
				otherErr = err
			}
		}
	}

	if gapErr != nil {
		return applied, gapErr
	}
	return applied, otherErr
}
