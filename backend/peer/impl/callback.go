package impl

import (
	"Node-sync/backend/codec"
	"Node-sync/backend/crdt"
	"Node-sync/backend/metrics"
	"Node-sync/backend/types"

	"golang.org/x/xerrors"
)

// EnvelopeCallback dispatches an envelope published by another process on
// the document's channel.
func (n *node) EnvelopeCallback(doc *document, e types.Envelope) {
	var err error

	switch e.Kind {
	case types.EnvelopeUpdate:
		err = n.UpdateEnvelopeCallback(doc, e)
	case types.EnvelopePresence:
		err = n.PresenceEnvelopeCallback(doc, e)
	case types.EnvelopeSyncRequest:
		err = n.SyncRequestEnvelopeCallback(doc, e)
	default:
		n.logFabric.Debug().Msgf("ignoring %s", e)
		return
	}

	if err != nil && !xerrors.Is(err, errDocumentStopped) {
		n.logFabric.Warn().Err(err).Str("document", doc.id).Str("from", e.Origin).Msgf("failed to handle %s", e.Kind)
	}
}

// UpdateEnvelopeCallback merges operations relayed by another process.
func (n *node) UpdateEnvelopeCallback(doc *document, e types.Envelope) error {
	ops, err := codec.DecodeOperations(e.Payload)
	if err != nil {
		return xerrors.Errorf("failed to decode update: %w", err)
	}

	var mergeErr error
	err = doc.do(n.ctx, func(r *crdt.Replica) {
		var applied []types.Operation
		applied, mergeErr = mergeOperations(r, ops)
		if len(applied) == 0 {
			return
		}

		metrics.OperationsApplied.WithLabelValues("fabric").Add(float64(len(applied)))
		n.persistOperations(doc, applied)
		n.broadcast(doc, types.UpdateMessage{Operations: applied}, nil)
	})
	if err != nil {
		return err
	}

	if xerrors.Is(mergeErr, types.ErrUnknownReplicaGap) {
		metrics.ReplicaGaps.WithLabelValues("fabric").Inc()
		n.logFabric.Debug().Err(mergeErr).Str("document", doc.id).Msg("gap in relayed operations")
		n.requestResync(doc, "gap", false)
		return nil
	}
	return mergeErr
}

// PresenceEnvelopeCallback forwards the presence of a session attached to
// another process.
func (n *node) PresenceEnvelopeCallback(doc *document, e types.Envelope) error {
	msg, err := codec.DecodeMessage(e.Payload)
	if err != nil {
		return xerrors.Errorf("failed to decode presence: %w", err)
	}

	presence, ok := msg.(types.PresenceMessage)
	if !ok {
		return xerrors.Errorf("%w: presence envelope holds %s", types.ErrMalformedPayload, msg.Name())
	}

	n.broadcast(doc, presence, nil)
	return nil
}

// SyncRequestEnvelopeCallback answers a state vector with the operations it
// lacks, and asks back when the requester knows operations this process
// does not.
func (n *node) SyncRequestEnvelopeCallback(doc *document, e types.Envelope) error {
	vector, err := codec.DecodeStateVector(e.Payload)
	if err != nil {
		return xerrors.Errorf("failed to decode sync request: %w", err)
	}

	var diff []types.Operation
	behind := false
	err = doc.do(n.ctx, func(r *crdt.Replica) {
		diff = r.Diff(vector)
		behind = !r.StateVector().Dominates(vector)
	})
	if err != nil {
		return err
	}

	n.publishOperations(doc, diff)

	if behind {
		n.requestResync(doc, "behind", false)
	}
	return nil
}

// FabricReconnected re-synchronizes every resident document after the
// fabric lost envelopes: stored operations are merged and a sync request is
// published.
func (n *node) FabricReconnected() {
	n.logFabric.Info().Msg("fabric reconnected, resynchronizing resident documents")

	for _, doc := range n.documents.Values() {
		if !doc.loaded() {
			continue
		}

		err := n.mergeStored(n.ctx, doc)
		if err != nil && !xerrors.Is(err, errDocumentStopped) {
			n.logFabric.Warn().Err(err).Str("document", doc.id).Msg("failed to merge stored operations")
		}

		n.requestResync(doc, "reconnect", true)
	}
}

// requestResync publishes the document's vector so that other processes
// send what it lacks. Requests are rate limited per document unless forced.
func (n *node) requestResync(doc *document, reason string, force bool) {
	if n.conf.Fabric == nil {
		return
	}
	if !force && !doc.resync.Allow() {
		return
	}

	var vector types.StateVector
	err := doc.do(n.ctx, func(r *crdt.Replica) {
		vector = r.StateVector()
	})
	if err != nil {
		return
	}

	metrics.ResyncRequests.WithLabelValues(reason).Inc()
	n.publish(doc, types.Envelope{
		Kind:    types.EnvelopeSyncRequest,
		Payload: codec.EncodeStateVector(vector),
	})
}

// publishOperations relays operations to the other processes.
func (n *node) publishOperations(doc *document, ops []types.Operation) {
	if len(ops) == 0 {
		return
	}

	n.publish(doc, types.Envelope{
		Kind:    types.EnvelopeUpdate,
		Payload: codec.EncodeOperations(ops),
	})
}

// publishPresence relays a presence message to the other processes.
func (n *node) publishPresence(doc *document, msg types.PresenceMessage) {
	frame, err := codec.EncodeFrame(msg)
	if err != nil {
		n.logFabric.Error().Err(err).Msg("failed to encode presence")
		return
	}

	n.publish(doc, types.Envelope{
		Kind:    types.EnvelopePresence,
		Payload: frame,
	})
}

func (n *node) publish(doc *document, e types.Envelope) {
	if n.conf.Fabric == nil {
		return
	}

	err := n.conf.Fabric.Publish(n.ctx, doc.id, e)
	if err != nil {
		// missed envelopes are recovered by the resync after reconnecting
		n.logFabric.Warn().Err(err).Str("document", doc.id).Msgf("failed to publish %s", e.Kind)
	}
}
