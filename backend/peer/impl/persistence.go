package impl

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"Node-sync/backend/codec"
	"Node-sync/backend/crdt"
	"Node-sync/backend/metrics"
	"Node-sync/backend/peer"
	"Node-sync/backend/storage"
	"Node-sync/backend/types"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/xerrors"
)

// documentPersistence is the persistence state of one document.
type documentPersistence struct {
	mu      sync.Mutex
	pending []types.Operation
	timer   *time.Timer

	// flushMu serializes flushes and compactions of the document so that
	// log entries follow merge order. It guards the fields below.
	flushMu sync.Mutex
	// merged is the highest log marker whose entries the replica holds.
	merged   uint64
	lastHash string
}

func newDocumentPersistence() *documentPersistence {
	return &documentPersistence{}
}

// Pending returns the number of operations not yet written.
func (p *documentPersistence) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// persistence wraps the store with retries and a circuit breaker.
type persistence struct {
	store    storage.Store
	log      zerolog.Logger
	breaker  *gobreaker.CircuitBreaker[any]
	backoff  peer.Backoff
	degraded atomic.Bool
}

func newPersistence(store storage.Store, conf peer.Backoff, log zerolog.Logger) *persistence {
	p := &persistence{
		store:   store,
		log:     log,
		backoff: conf,
	}

	p.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "storage",
		MaxRequests: 1,
		Timeout:     p.retryInterval(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > uint32(conf.Retry)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || xerrors.Is(err, storage.ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Msgf("storage circuit breaker %s -> %s", from, to)
		},
	})

	return p
}

// retryInterval is the last delay of the backoff, used to retry flushes
// once the retries are exhausted.
func (p *persistence) retryInterval() time.Duration {
	d := p.backoff.Initial
	for i := uint(0); i < p.backoff.Retry; i++ {
		d *= time.Duration(max(p.backoff.Factor, 1))
	}
	return max(d, time.Millisecond)
}

// retry runs fn through the circuit breaker with exponential backoff.
// storage.ErrNotFound is not retried.
func (p *persistence) retry(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.backoff.Initial
	b.Multiplier = float64(max(p.backoff.Factor, 1))
	b.MaxInterval = p.retryInterval()
	b.MaxElapsedTime = 0
	b.Reset()

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.backoff.Retry)), ctx)

	return backoff.Retry(func() error {
		_, err := p.breaker.Execute(func() (any, error) {
			return nil, fn()
		})
		if xerrors.Is(err, storage.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func (p *persistence) setDegraded(err error) {
	if !p.degraded.Swap(true) {
		p.log.Warn().Err(err).Msg("storage unavailable, serving documents from memory only")
	}
	metrics.PersistenceDegraded.Set(1)
}

func (p *persistence) setHealthy() {
	if p.degraded.Swap(false) {
		p.log.Info().Msg("storage recovered")
	}
	metrics.PersistenceDegraded.Set(0)
}

// load rebuilds a document from its snapshot and update log. A corrupt
// snapshot falls back to the full log. It returns the replica, the highest
// log marker it covers and whether it had to be rebuilt.
func (p *persistence) load(ctx context.Context, docID string, replicaID types.ReplicaID) (*crdt.Replica, uint64, bool, error) {
	start := time.Now()

	replica, marker, err := p.restore(ctx, docID, replicaID)
	if err == nil {
		metrics.LoadDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())
		return replica, marker, false, nil
	}

	if !xerrors.Is(err, types.ErrCorruptSnapshot) {
		metrics.LoadDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return nil, 0, false, xerrors.Errorf("failed to load %s (%v): %w", docID, err, types.ErrDocumentUnavailable)
	}

	p.log.Warn().Err(err).Str("document", docID).Msg("rebuilding document from its update log")

	replica, marker, err = p.rebuild(ctx, docID, replicaID)
	if err != nil {
		metrics.LoadDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return nil, 0, false, xerrors.Errorf("failed to rebuild %s (%v): %w", docID, err, types.ErrDocumentUnavailable)
	}

	metrics.LoadDuration.WithLabelValues("rebuilt").Observe(time.Since(start).Seconds())
	return replica, marker, true, nil
}

func (p *persistence) restore(ctx context.Context, docID string, replicaID types.ReplicaID) (*crdt.Replica, uint64, error) {
	replica := crdt.NewReplica(replicaID)

	snapshot, found, err := p.readSnapshot(ctx, docID)
	if err != nil {
		return nil, 0, err
	}

	var marker uint64
	if found {
		err = replica.Restore(snapshot.Operations)
		if err != nil {
			return nil, 0, corrupt(docID, err)
		}
		if !replica.StateVector().Equal(snapshot.Vector) {
			return nil, 0, corrupt(docID, xerrors.Errorf("vector %s does not match operations %s",
				snapshot.Vector, replica.StateVector()))
		}
		marker = snapshot.Marker
	}

	ops, last, err := p.readLog(ctx, docID, marker)
	if err != nil {
		return nil, 0, err
	}

	_, err = mergeOperations(replica, ops)
	if err != nil {
		return nil, 0, corrupt(docID, err)
	}

	return replica, max(marker, last), nil
}

func (p *persistence) rebuild(ctx context.Context, docID string, replicaID types.ReplicaID) (*crdt.Replica, uint64, error) {
	replica := crdt.NewReplica(replicaID)

	ops, last, err := p.readLog(ctx, docID, 0)
	if err != nil {
		return nil, 0, err
	}
	if len(ops) == 0 {
		return nil, 0, xerrors.Errorf("update log of %s is empty", docID)
	}

	_, err = mergeOperations(replica, ops)
	if err != nil {
		return nil, 0, xerrors.Errorf("update log of %s is incomplete: %w", docID, err)
	}

	return replica, last, nil
}

// readSnapshot returns the decoded snapshot and whether one exists.
func (p *persistence) readSnapshot(ctx context.Context, docID string) (codec.Snapshot, bool, error) {
	var data []byte
	err := p.retry(ctx, func() error {
		var err error
		data, err = p.store.LoadSnapshot(ctx, docID)
		return err
	})
	if xerrors.Is(err, storage.ErrNotFound) {
		return codec.Snapshot{}, false, nil
	}
	if err != nil {
		return codec.Snapshot{}, false, xerrors.Errorf("failed to read snapshot: %w", err)
	}

	snapshot, err := codec.DecodeSnapshot(data)
	if err != nil {
		return codec.Snapshot{}, false, corrupt(docID, err)
	}
	return snapshot, true, nil
}

// readLog returns the operations of the log entries after the marker and
// the last marker read.
func (p *persistence) readLog(ctx context.Context, docID string, after uint64) ([]types.Operation, uint64, error) {
	var updates []storage.Update
	err := p.retry(ctx, func() error {
		var err error
		updates, err = p.store.LoadUpdates(ctx, docID, after)
		return err
	})
	if err != nil {
		return nil, 0, xerrors.Errorf("failed to read update log: %w", err)
	}

	var ops []types.Operation
	last := after
	for _, update := range updates {
		decoded, err := codec.DecodeOperations(update.Data)
		if err != nil {
			return nil, 0, corrupt(docID, xerrors.Errorf("log entry %d: %w", update.Marker, err))
		}
		ops = append(ops, decoded...)
		last = max(last, update.Marker)
	}
	return ops, last, nil
}

// readStored returns every stored operation of the document.
func (p *persistence) readStored(ctx context.Context, docID string) ([]types.Operation, uint64, error) {
	snapshot, _, err := p.readSnapshot(ctx, docID)
	if err != nil {
		return nil, 0, err
	}

	ops, last, err := p.readLog(ctx, docID, snapshot.Marker)
	if err != nil {
		return nil, 0, err
	}
	return append(snapshot.Operations, ops...), max(snapshot.Marker, last), nil
}

func corrupt(docID string, err error) error {
	return xerrors.Errorf("snapshot of %s (%v): %w", docID, err, types.ErrCorruptSnapshot)
}

// verifySnapshot checks that encoded snapshot bytes restore to the vector.
func verifySnapshot(data []byte, vector types.StateVector) error {
	decoded, err := codec.DecodeSnapshot(data)
	if err != nil {
		return err
	}

	scratch := crdt.NewReplica("")
	err = scratch.Restore(decoded.Operations)
	if err != nil {
		return err
	}
	if !scratch.StateVector().Equal(vector) {
		return xerrors.Errorf("restored vector %s, want %s", scratch.StateVector(), vector)
	}
	return nil
}

// persistOperations buffers merged operations for the next debounced flush.
// It runs on the document actor, so the buffer follows merge order.
func (n *node) persistOperations(doc *document, ops []types.Operation) {
	if len(ops) == 0 {
		return
	}

	p := doc.persist
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending = append(p.pending, ops...)
	if p.timer == nil {
		p.timer = time.AfterFunc(n.conf.FlushDebounce, func() {
			n.flushInBackground(doc)
		})
	}
}

func (n *node) flushInBackground(doc *document) {
	if n.ctx.Err() != nil {
		return
	}

	err := n.flush(n.ctx, doc)
	if err != nil {
		n.logPersistence.Debug().Err(err).Str("document", doc.id).Msg("flush failed")
	}
}

// flush writes the buffered operations of the document as one log entry.
func (n *node) flush(ctx context.Context, doc *document) error {
	doc.persist.flushMu.Lock()
	defer doc.persist.flushMu.Unlock()

	return n.flushLocked(ctx, doc)
}

func (n *node) flushLocked(ctx context.Context, doc *document) error {
	p := doc.persist

	p.mu.Lock()
	batch := p.pending
	p.pending = nil
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	data := codec.EncodeOperations(batch)
	err := n.persistence.retry(ctx, func() error {
		_, err := n.persistence.store.AppendUpdate(ctx, doc.id, data)
		return err
	})
	if err != nil {
		metrics.PersistenceFlushes.WithLabelValues("error").Inc()

		// keep the batch ahead of what was merged meanwhile
		p.mu.Lock()
		p.pending = append(batch, p.pending...)
		if p.timer == nil && n.ctx.Err() == nil {
			p.timer = time.AfterFunc(2*n.persistence.retryInterval(), func() {
				n.flushInBackground(doc)
			})
		}
		p.mu.Unlock()

		n.persistence.setDegraded(err)
		return xerrors.Errorf("failed to flush %d operations of %s: %w", len(batch), doc.id, err)
	}

	metrics.PersistenceFlushes.WithLabelValues("ok").Inc()
	n.persistence.setHealthy()
	n.logPersistence.Debug().Str("document", doc.id).Msgf("flushed %d operations", len(batch))
	return nil
}

// compact writes a snapshot of the document and truncates the log it
// covers. Log entries written by other processes are merged first so that
// truncation never drops operations the snapshot lacks.
func (n *node) compact(ctx context.Context, doc *document) error {
	start := time.Now()
	result := "error"
	defer func() {
		metrics.CompactionDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	}()

	p := doc.persist
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	err := n.flushLocked(ctx, doc)
	if err != nil {
		return err
	}

	ops, last, err := n.persistence.readLog(ctx, doc.id, p.merged)
	if err != nil {
		return xerrors.Errorf("failed to compact %s: %w", doc.id, err)
	}

	var snapshot codec.Snapshot
	var mergeErr error
	err = doc.do(ctx, func(r *crdt.Replica) {
		var applied []types.Operation
		applied, mergeErr = mergeOperations(r, ops)
		if len(applied) > 0 {
			metrics.OperationsApplied.WithLabelValues("storage").Add(float64(len(applied)))
			n.broadcast(doc, types.UpdateMessage{Operations: applied}, nil)
		}
		snapshot.Vector = r.StateVector()
		snapshot.Operations = r.Operations()
	})
	if err != nil {
		return xerrors.Errorf("failed to copy %s: %w", doc.id, err)
	}
	if mergeErr != nil {
		return xerrors.Errorf("update log of %s cannot be merged: %w", doc.id, mergeErr)
	}

	marker := max(p.merged, last)
	snapshot.Marker = marker

	hash := codec.ContentHash(append(codec.EncodeStateVector(snapshot.Vector), codec.EncodeOperations(snapshot.Operations)...))
	if hash == p.lastHash && marker == p.merged {
		result = "unchanged"
		return nil
	}

	data := codec.EncodeSnapshot(snapshot)
	err = verifySnapshot(data, snapshot.Vector)
	if err != nil {
		return xerrors.Errorf("snapshot of %s does not verify (%v): %w", doc.id, err, types.ErrCorruptSnapshot)
	}

	err = n.persistence.retry(ctx, func() error {
		return n.persistence.store.SaveSnapshot(ctx, doc.id, data, marker)
	})
	if err != nil {
		return xerrors.Errorf("failed to save snapshot of %s: %w", doc.id, err)
	}

	p.merged = marker
	p.lastHash = hash
	result = "written"

	stored, _, err := n.persistence.readSnapshot(ctx, doc.id)
	if err != nil || !stored.Vector.Equal(snapshot.Vector) {
		// force a rewrite on the next compaction
		p.lastHash = ""
		n.logPersistence.Error().Err(err).Str("document", doc.id).Msg("snapshot read-back mismatch")
	}

	n.logPersistence.Info().Str("document", doc.id).
		Msgf("compacted %d operations up to marker %d", len(snapshot.Operations), marker)
	return nil
}

// mergeStored merges every stored operation of the document into its
// replica. Operations already held are ignored.
func (n *node) mergeStored(ctx context.Context, doc *document) error {
	ops, _, err := n.persistence.readStored(ctx, doc.id)
	if err != nil {
		return err
	}

	var mergeErr error
	err = doc.do(ctx, func(r *crdt.Replica) {
		var applied []types.Operation
		applied, mergeErr = mergeOperations(r, ops)
		if len(applied) > 0 {
			metrics.OperationsApplied.WithLabelValues("storage").Add(float64(len(applied)))
			n.broadcast(doc, types.UpdateMessage{Operations: applied}, nil)
		}
	})
	if err != nil {
		return err
	}
	return mergeErr
}
