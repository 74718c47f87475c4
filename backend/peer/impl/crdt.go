package impl

import (
	"context"

	"Node-sync/backend/crdt"
	"Node-sync/backend/metrics"
	"Node-sync/backend/peer"
	"Node-sync/backend/types"

	"golang.org/x/xerrors"
)

// applyResult is what merging a client batch produced.
type applyResult struct {
	// published holds the new operations to relay to other processes.
	published []types.Operation
	gapErr    error
	err       error
}

// applyClient merges operations sent by a session. It runs on the document
// actor. Operations with a zero sequence number are intents: they are issued
// by the server replica and echoed to the sender so it learns their id.
func (n *node) applyClient(s *session, r *crdt.Replica, ops []types.Operation) applyResult {
	var res applyResult
	var applied, echoed []types.Operation

	vector := r.StateVector()
	for _, op := range ops {
		if op.ID.Seq == 0 {
			if op.Body == nil {
				res.err = firstError(res.err, xerrors.Errorf("%w: intent without body", types.ErrInvalidOperation))
				continue
			}
			local, err := r.ApplyLocal(op.Body)
			if err != nil {
				res.err = firstError(res.err, err)
				continue
			}
			vector[local.ID.Replica] = local.ID.Seq
			applied = append(applied, local)
			echoed = append(echoed, local)
			continue
		}

		if vector.Covers(op.ID) {
			continue
		}

		err := r.ApplyRemote(op)
		switch {
		case err == nil:
			vector[op.ID.Replica] = op.ID.Seq
			applied = append(applied, op)
		case xerrors.Is(err, types.ErrUnknownReplicaGap):
			res.gapErr = firstError(res.gapErr, err)
		default:
			res.err = firstError(res.err, err)
		}
	}

	if len(applied) > 0 {
		metrics.OperationsApplied.WithLabelValues("client").Add(float64(len(applied)))
		n.persistOperations(s.doc, applied)
		n.broadcast(s.doc, types.UpdateMessage{Operations: applied}, s)
	}
	if len(echoed) > 0 {
		s.enqueue(types.UpdateMessage{Operations: echoed})
	}
	if res.gapErr != nil {
		metrics.ReplicaGaps.WithLabelValues("client").Inc()
		metrics.ResyncRequests.WithLabelValues("client").Inc()
		s.enqueue(types.SyncStep1Message{Vector: r.StateVector()})
	}

	res.published = applied
	return res
}

func firstError(current, err error) error {
	if current != nil {
		return current
	}
	return err
}

// ReplicaID implements peer.CRDT
func (n *node) ReplicaID() types.ReplicaID {
	return n.conf.ReplicaID
}

// Edit implements peer.CRDT
func (n *node) Edit(ctx context.Context, docID string, bodies ...types.OpBody) ([]types.Operation, error) {
	doc, err := n.acquire(ctx, docID)
	if err != nil {
		return nil, err
	}
	defer n.release(doc)

	var ops []types.Operation
	var editErr error
	err = doc.do(ctx, func(r *crdt.Replica) {
		for i, body := range bodies {
			op, err := r.ApplyLocal(body)
			if err != nil {
				editErr = xerrors.Errorf("failed to apply %s at %d: %w", body.Name(), i, err)
				break
			}
			ops = append(ops, op)
		}

		if len(ops) > 0 {
			metrics.OperationsApplied.WithLabelValues("local").Add(float64(len(ops)))
			n.persistOperations(doc, ops)
			n.broadcast(doc, types.UpdateMessage{Operations: ops}, nil)
		}
	})
	if err != nil {
		return nil, xerrors.Errorf("failed to edit %s: %w", docID, err)
	}

	n.publishOperations(doc, ops)
	return ops, editErr
}

// Materialize implements peer.CRDT
func (n *node) Materialize(ctx context.Context, docID string) (types.Tree, error) {
	doc, err := n.acquire(ctx, docID)
	if err != nil {
		return types.Tree{}, err
	}
	defer n.release(doc)

	var tree types.Tree
	err = doc.do(ctx, func(r *crdt.Replica) {
		tree = r.Materialize()
	})
	if err != nil {
		return types.Tree{}, xerrors.Errorf("failed to materialize %s: %w", docID, err)
	}
	return tree, nil
}

// StateVector implements peer.CRDT
func (n *node) StateVector(ctx context.Context, docID string) (types.StateVector, error) {
	doc, err := n.acquire(ctx, docID)
	if err != nil {
		return nil, err
	}
	defer n.release(doc)

	var vector types.StateVector
	err = doc.do(ctx, func(r *crdt.Replica) {
		vector = r.StateVector()
	})
	if err != nil {
		return nil, xerrors.Errorf("failed to read vector of %s: %w", docID, err)
	}
	return vector, nil
}

// Compact implements peer.CRDT
func (n *node) Compact(ctx context.Context, docID string) error {
	doc, err := n.acquire(ctx, docID)
	if err != nil {
		return err
	}
	defer n.release(doc)

	return n.compact(ctx, doc)
}

// PermissionsChanged implements peer.CRDT
func (n *node) PermissionsChanged(ctx context.Context, docID, userID string) error {
	if n.conf.Authorizer == nil {
		return nil
	}

	doc, ok := n.documents.Get(docID)
	if !ok {
		return nil
	}

	for _, s := range doc.sessions.Values() {
		info := s.Info()
		if info.UserID != userID {
			continue
		}

		canRead, err := n.conf.Authorizer.CanAccess(ctx, userID, docID, peer.ReadAccess)
		if err != nil {
			return xerrors.Errorf("failed to authorize %s on %s: %w", userID, docID, err)
		}
		if !canRead {
			n.log.Info().Str("document", docID).Str("session", s.id).Msg("access revoked")
			s.close(types.ErrUnauthorized)
			continue
		}

		if info.Mode != peer.WriteAccess {
			continue
		}

		canWrite, err := n.conf.Authorizer.CanAccess(ctx, userID, docID, peer.WriteAccess)
		if err != nil {
			return xerrors.Errorf("failed to authorize %s on %s: %w", userID, docID, err)
		}
		if !canWrite {
			n.log.Info().Str("document", docID).Str("session", s.id).Msg("write access revoked")
			s.setMode(peer.ReadAccess)
		}
	}

	return nil
}

// Degraded implements peer.CRDT
func (n *node) Degraded() bool {
	return n.persistence.degraded.Load()
}
