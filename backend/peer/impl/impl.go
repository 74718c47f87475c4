package impl

import (
	"context"
	"sync"
	"time"

	"Node-sync/backend/logging"
	"Node-sync/backend/metrics"
	"Node-sync/backend/peer"
	"Node-sync/backend/storage/memory"
	"Node-sync/backend/types"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

// stopTimeout bounds the final flushes when the node stops.
const stopTimeout = 10 * time.Second

// NewPeer creates a new peer. Zero configuration fields take their default
// value.
func NewPeer(conf peer.Configuration) peer.Peer {
	def := peer.DefaultConfiguration()
	if conf.ReplicaID == "" {
		conf.ReplicaID = types.ReplicaID(xid.New().String())
	}
	if conf.Store == nil {
		conf.Store = memory.NewStore()
	}
	if conf.OutboundQueueSize <= 0 {
		conf.OutboundQueueSize = def.OutboundQueueSize
	}
	if conf.EvictionGrace <= 0 {
		conf.EvictionGrace = def.EvictionGrace
	}
	if conf.FlushDebounce <= 0 {
		conf.FlushDebounce = def.FlushDebounce
	}
	if conf.StorageBackoff.Factor == 0 {
		conf.StorageBackoff = def.StorageBackoff
	}

	logger := logging.New("peer").With().Str("replica", string(conf.ReplicaID)).Logger()
	loggerFabric := logging.New("fabric").With().Str("replica", string(conf.ReplicaID)).Logger()
	loggerPersistence := logging.New("persistence").With().Str("replica", string(conf.ReplicaID)).Logger()

	ctx, cancel := context.WithCancel(context.Background())

	node := node{
		conf:           conf,
		ctx:            ctx,
		cancel:         cancel,
		log:            logger,
		logFabric:      loggerFabric,
		logPersistence: loggerPersistence,
		documents:      newDocumentTable(),
		persistence:    newPersistence(conf.Store, conf.StorageBackoff, loggerPersistence),
	}

	return &node
}

// node implements a synchronization server process
//
// - implements peer.Peer
type node struct {
	conf           peer.Configuration
	ctx            context.Context    // canceled on Stop
	cancel         context.CancelFunc // to cancel the background goroutines
	log            zerolog.Logger
	logFabric      zerolog.Logger
	logPersistence zerolog.Logger
	documents      *DocumentTable
	persistence    *persistence
	wg             sync.WaitGroup
	stopOnce       sync.Once
}

// Start implements peer.Service
func (n *node) Start() error {
	if n.ctx.Err() != nil {
		return xerrors.New("peer already stopped")
	}

	if n.conf.Fabric != nil {
		n.conf.Fabric.OnReconnect(n.FabricReconnected)
	}

	if n.conf.CompactionInterval > 0 {
		n.wg.Add(1)
		go n.CompactionTicker()
	}

	n.log.Info().Msg("peer started")
	return nil
}

// Stop implements peer.Service
func (n *node) Stop() error {
	var err error

	n.stopOnce.Do(func() {
		n.cancel()
		n.wg.Wait()

		n.documents.mu.Lock()
		docs := make([]*document, 0, len(n.documents.docs))
		for _, doc := range n.documents.docs {
			if doc.evictTimer != nil {
				doc.evictTimer.Stop()
				doc.evictTimer = nil
			}
			docs = append(docs, doc)
		}
		n.documents.docs = make(map[string]*document)
		n.documents.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()

		for _, doc := range docs {
			<-doc.ready
			if doc.loadErr != nil {
				continue
			}

			flushErr := n.shutdownDocument(ctx, doc)
			if flushErr != nil && err == nil {
				err = flushErr
			}
		}

		n.log.Info().Msg("peer stopped")
	})

	return err
}

// CompactionTicker compacts every resident document periodically.
func (n *node) CompactionTicker() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.conf.CompactionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			n.log.Info().Msg("stopping compaction")
			return
		case <-ticker.C:
			for _, doc := range n.documents.Values() {
				if !doc.loaded() {
					continue
				}
				err := n.compact(n.ctx, doc)
				if err != nil && n.ctx.Err() == nil {
					n.logPersistence.Warn().Err(err).Str("document", doc.id).Msg("scheduled compaction failed")
				}
			}
		}
	}
}

// Attach implements peer.SessionManager
func (n *node) Attach(ctx context.Context, docID string, info peer.SessionInfo) (peer.Session, error) {
	doc, err := n.acquire(ctx, docID)
	if err != nil {
		return nil, err
	}

	s := newSession(n, doc, info)
	doc.sessions.Add(s)
	metrics.SessionsActive.Inc()

	n.log.Info().Str("document", docID).Str("session", s.id).Str("user", info.UserID).
		Msgf("session attached with %s access", info.Mode)
	return s, nil
}

// Detach implements peer.SessionManager
func (n *node) Detach(ps peer.Session) {
	s, ok := ps.(*session)
	if !ok {
		return
	}

	s.close(types.ErrSessionClosed)
	if !s.doc.sessions.Remove(s) {
		return
	}
	metrics.SessionsActive.Dec()

	// an empty presence tells the others the session left
	left := types.PresenceMessage{Origin: s.id}
	n.broadcast(s.doc, left, s)
	n.publishPresence(s.doc, left)

	n.log.Info().Str("document", s.doc.id).Str("session", s.id).Msg("session detached")
	n.release(s.doc)
}

// BroadcastLocal implements peer.SessionManager
func (n *node) BroadcastLocal(docID string, msg types.Message, exclude peer.Session) {
	doc, ok := n.documents.Get(docID)
	if !ok {
		return
	}

	var excluded *session
	if exclude != nil {
		excluded, _ = exclude.(*session)
	}
	n.broadcast(doc, msg, excluded)
}

func (n *node) broadcast(doc *document, msg types.Message, exclude *session) {
	for _, s := range doc.sessions.Values() {
		if s == exclude {
			continue
		}
		s.deliver(msg)
	}
}

// acquire returns the resident document, loading it when needed, and holds
// a reference on it until release. Concurrent callers share one load.
func (n *node) acquire(ctx context.Context, docID string) (*document, error) {
	if n.ctx.Err() != nil {
		return nil, xerrors.Errorf("peer stopped: %w", types.ErrDocumentUnavailable)
	}

	t := n.documents
	t.mu.Lock()
	doc, resident := t.docs[docID]
	for !resident {
		// an evicted document is loaded again only after its last flush
		done, evicting := t.evicting[docID]
		if !evicting {
			break
		}
		t.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		t.mu.Lock()
		doc, resident = t.docs[docID]
	}
	if !resident {
		doc = newDocument(docID, n.conf.ResyncInterval)
		t.docs[docID] = doc
	}
	doc.refs++
	doc.evictGen++
	if doc.evictTimer != nil {
		doc.evictTimer.Stop()
		doc.evictTimer = nil
	}
	t.mu.Unlock()

	if !resident {
		n.loadDocument(doc)
	}

	select {
	case <-doc.ready:
	case <-ctx.Done():
		n.release(doc)
		return nil, ctx.Err()
	}

	if doc.loadErr != nil {
		n.release(doc)
		return nil, doc.loadErr
	}
	return doc, nil
}

// release drops a reference. Dropping the last one flushes the document and
// arms its eviction timer.
func (n *node) release(doc *document) {
	t := n.documents
	t.mu.Lock()
	doc.refs--
	last := doc.refs == 0 && t.docs[doc.id] == doc
	if last {
		doc.evictGen++
		gen := doc.evictGen
		doc.evictTimer = time.AfterFunc(n.conf.EvictionGrace, func() {
			n.evict(doc, gen)
		})
	}
	t.mu.Unlock()

	if last && doc.loaded() {
		go n.flushInBackground(doc)
	}
}

func (n *node) loadDocument(doc *document) {
	defer close(doc.ready)

	replica, marker, rebuilt, err := n.persistence.load(n.ctx, doc.id, n.conf.ReplicaID)
	if err != nil {
		n.logPersistence.Error().Err(err).Str("document", doc.id).Msg("failed to load document")
		doc.loadErr = err

		n.documents.mu.Lock()
		if n.documents.docs[doc.id] == doc {
			delete(n.documents.docs, doc.id)
		}
		n.documents.mu.Unlock()
		return
	}

	doc.persist.merged = marker
	doc.start(replica)
	metrics.DocumentsResident.Inc()

	n.logPersistence.Info().Str("document", doc.id).
		Msgf("loaded %d operations up to marker %d", replica.Len(), marker)

	if n.conf.Fabric != nil {
		sub, err := n.conf.Fabric.Subscribe(n.ctx, doc.id, func(e types.Envelope) {
			n.EnvelopeCallback(doc, e)
		})
		if err != nil {
			n.logFabric.Warn().Err(err).Str("document", doc.id).Msg("failed to subscribe, serving this process only")
		} else {
			doc.setSubscription(sub)
			go n.requestResync(doc, "load", true)
		}
	}

	if rebuilt {
		go func() {
			err := n.compact(n.ctx, doc)
			if err != nil {
				n.logPersistence.Warn().Err(err).Str("document", doc.id).Msg("failed to rewrite snapshot")
			}
		}()
	}
}

// evict unloads a document whose grace period expired. A document that
// cannot be compacted stays resident and is retried later.
func (n *node) evict(doc *document, gen uint64) {
	<-doc.ready
	if !n.evictable(doc, gen) {
		return
	}

	err := n.compact(n.ctx, doc)
	if err != nil {
		if n.ctx.Err() != nil {
			return
		}
		n.logPersistence.Warn().Err(err).Str("document", doc.id).Msg("eviction postponed")

		t := n.documents
		t.mu.Lock()
		if doc.evictGen == gen && doc.refs == 0 && t.docs[doc.id] == doc {
			doc.evictGen++
			next := doc.evictGen
			doc.evictTimer = time.AfterFunc(n.conf.EvictionGrace, func() {
				n.evict(doc, next)
			})
		}
		t.mu.Unlock()
		return
	}

	n.remove(doc, gen)
}

// remove takes an unreferenced document out of the table and writes what it
// still buffers. Attaching to the document meanwhile waits for the write.
func (n *node) remove(doc *document, gen uint64) {
	t := n.documents
	t.mu.Lock()
	if doc.evictGen != gen || doc.refs > 0 || t.docs[doc.id] != doc {
		t.mu.Unlock()
		return
	}
	delete(t.docs, doc.id)
	if doc.evictTimer != nil {
		doc.evictTimer.Stop()
		doc.evictTimer = nil
	}
	done := make(chan struct{})
	t.evicting[doc.id] = done
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.evicting, doc.id)
		t.mu.Unlock()
		close(done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	err := n.shutdownDocument(ctx, doc)
	if err != nil {
		n.logPersistence.Error().Err(err).Str("document", doc.id).Msg("operations lost on eviction")
	}

	n.log.Info().Str("document", doc.id).Msg("document evicted")
}

func (n *node) evictable(doc *document, gen uint64) bool {
	t := n.documents
	t.mu.Lock()
	defer t.mu.Unlock()

	return doc.evictGen == gen && doc.refs == 0 && t.docs[doc.id] == doc && doc.loaded()
}

// shutdownDocument stops a document removed from the table and writes what
// it still buffers.
func (n *node) shutdownDocument(ctx context.Context, doc *document) error {
	err := doc.unsubscribe()
	if err != nil {
		n.logFabric.Warn().Err(err).Str("document", doc.id).Msg("failed to unsubscribe")
	}

	for _, s := range doc.sessions.Values() {
		s.close(types.ErrSessionClosed)
		if doc.sessions.Remove(s) {
			metrics.SessionsActive.Dec()
		}
	}

	doc.stop()
	metrics.DocumentsResident.Dec()

	return n.flush(ctx, doc)
}
