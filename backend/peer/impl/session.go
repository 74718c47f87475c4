package impl

import (
	"context"
	"sync"

	"Node-sync/backend/crdt"
	"Node-sync/backend/metrics"
	"Node-sync/backend/peer"
	"Node-sync/backend/types"

	"github.com/rs/xid"
	"golang.org/x/xerrors"
)

// session is one connection attached to a document.
//
// - implements peer.Session
type session struct {
	id   string
	node *node
	doc  *document

	outbound      chan types.Message
	presenceReady chan struct{}

	mu     sync.Mutex
	info   peer.SessionInfo
	acked  types.StateVector
	synced bool

	presenceMu    sync.Mutex
	presence      map[string]types.PresenceMessage
	presenceOrder []string

	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error
}

func newSession(n *node, doc *document, info peer.SessionInfo) *session {
	return &session{
		id:            xid.New().String(),
		node:          n,
		doc:           doc,
		outbound:      make(chan types.Message, n.conf.OutboundQueueSize),
		presenceReady: make(chan struct{}, 1),
		info:          info,
		acked:         make(types.StateVector),
		presence:      make(map[string]types.PresenceMessage),
		done:          make(chan struct{}),
	}
}

// ID implements peer.Session
func (s *session) ID() string {
	return s.id
}

// DocumentID implements peer.Session
func (s *session) DocumentID() string {
	return s.doc.id
}

// Info implements peer.Session
func (s *session) Info() peer.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Sync implements peer.Session
func (s *session) Sync(ctx context.Context, vector types.StateVector) error {
	if s.closed() {
		return types.ErrSessionClosed
	}

	err := s.doc.do(ctx, func(r *crdt.Replica) {
		s.mu.Lock()
		s.acked.Merge(vector)
		s.mu.Unlock()

		s.enqueue(types.SyncStep2Message{Operations: r.Diff(vector)})
		s.enqueue(types.SyncStep1Message{Vector: r.StateVector()})

		s.mu.Lock()
		s.synced = true
		s.mu.Unlock()
	})
	if err != nil {
		return xerrors.Errorf("failed to sync session %s: %w", s.id, err)
	}

	return s.Err()
}

// Apply implements peer.Session
func (s *session) Apply(ctx context.Context, ops []types.Operation) error {
	if s.closed() {
		return types.ErrSessionClosed
	}
	if s.Info().Mode != peer.WriteAccess {
		return xerrors.Errorf("session %s is read-only: %w", s.id, types.ErrUnauthorized)
	}

	var result applyResult
	err := s.doc.do(ctx, func(r *crdt.Replica) {
		result = s.node.applyClient(s, r, ops)
	})
	if err != nil {
		return xerrors.Errorf("failed to apply operations: %w", err)
	}

	s.node.publishOperations(s.doc, result.published)

	if result.gapErr != nil {
		return xerrors.Errorf("resync requested: %w", result.gapErr)
	}
	if result.err != nil {
		return result.err
	}
	return nil
}

// SetPresence implements peer.Session
func (s *session) SetPresence(payload []byte) {
	if s.closed() {
		return
	}

	msg := types.PresenceMessage{Origin: s.id, Payload: append([]byte(nil), payload...)}
	s.node.BroadcastLocal(s.doc.id, msg, s)
	s.node.publishPresence(s.doc, msg)
}

// Outbound implements peer.Session
func (s *session) Outbound() <-chan types.Message {
	return s.outbound
}

// PresenceReady implements peer.Session
func (s *session) PresenceReady() <-chan struct{} {
	return s.presenceReady
}

// TakePresence implements peer.Session
func (s *session) TakePresence() []types.PresenceMessage {
	s.presenceMu.Lock()
	defer s.presenceMu.Unlock()

	msgs := make([]types.PresenceMessage, 0, len(s.presenceOrder))
	for _, origin := range s.presenceOrder {
		msgs = append(msgs, s.presence[origin])
	}

	s.presence = make(map[string]types.PresenceMessage)
	s.presenceOrder = nil
	return msgs
}

// Acknowledged implements peer.Session
func (s *session) Acknowledged() types.StateVector {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acked.Clone()
}

// Done implements peer.Session
func (s *session) Done() <-chan struct{} {
	return s.done
}

// Err implements peer.Session
func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// deliver queues a broadcast message. Presence is coalesced per origin;
// other messages go through the bounded queue.
func (s *session) deliver(msg types.Message) {
	presence, ok := msg.(types.PresenceMessage)
	if ok {
		s.offerPresence(presence)
		return
	}

	s.mu.Lock()
	synced := s.synced
	s.mu.Unlock()

	// messages merged before the handshake are part of the sync diff
	if !synced {
		return
	}
	s.enqueue(msg)
}

// enqueue adds a message to the outbound queue without blocking. A full
// queue closes the session.
func (s *session) enqueue(msg types.Message) {
	if s.closed() {
		return
	}

	select {
	case s.outbound <- msg:
	default:
		metrics.BackpressureDisconnects.Inc()
		s.node.log.Warn().Str("session", s.id).Str("document", s.doc.id).
			Msgf("outbound queue full after %d messages, closing session", cap(s.outbound))
		s.close(types.ErrBackpressureExceeded)
		return
	}

	var ops []types.Operation
	switch m := msg.(type) {
	case types.UpdateMessage:
		ops = m.Operations
	case types.SyncStep2Message:
		ops = m.Operations
	}

	s.mu.Lock()
	for _, op := range ops {
		if op.ID.Seq > s.acked[op.ID.Replica] {
			s.acked[op.ID.Replica] = op.ID.Seq
		}
	}
	s.mu.Unlock()
}

func (s *session) offerPresence(msg types.PresenceMessage) {
	if s.closed() || msg.Origin == s.id {
		return
	}

	s.presenceMu.Lock()
	_, exists := s.presence[msg.Origin]
	if !exists {
		s.presenceOrder = append(s.presenceOrder, msg.Origin)
	}
	s.presence[msg.Origin] = msg
	s.presenceMu.Unlock()

	select {
	case s.presenceReady <- struct{}{}:
	default:
	}
}

func (s *session) setMode(mode peer.AccessMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info.Mode = mode
}

func (s *session) close(err error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()
		close(s.done)
	})
}

func (s *session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
