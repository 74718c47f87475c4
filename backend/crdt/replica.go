// Package crdt implements the replicated state of one document.
//
// A document is a list of blocks; every block holds a list of nested blocks
// and a list of text elements. Each list is kept as an insertion tree: a node
// inserted "after" another one becomes its child, siblings are ordered by
// Lamport clock descending, so an insertion made after seeing a sibling lands
// in front of it, then by replica ID ascending for concurrent insertions, and
// the visible order of the list is the pre-order walk of the tree. Since the tree only depends on
// the set of operations, every replica that knows the same operations
// materializes the same document.
package crdt

import (
	"golang.org/x/exp/slices"
	"golang.org/x/xerrors"

	"Node-sync/backend/types"
)

type nodeKind uint8

const (
	sentinelNode nodeKind = iota
	blockNode
	textNode
)

type node struct {
	id      types.OpID
	lamport uint64
	kind    nodeKind
	// container is the sentinel of the list the node belongs to. A nil
	// container marks a node whose references were invalid: it is tracked
	// so dependents can integrate but it is never visible.
	container *node
	children  []*node
	deleted   bool

	blockType types.BlockTypeName
	value     string
	blocks    *node
	text      *node
}

type register struct {
	value   string
	lamport uint64
	replica types.ReplicaID
}

// wins reports whether a write at (lamport, replica) replaces the register.
func (reg register) wins(lamport uint64, replica types.ReplicaID) bool {
	if lamport != reg.lamport {
		return lamport > reg.lamport
	}
	return replica < reg.replica
}

// Replica is the replicated state of one document. It is not safe for
// concurrent use: a single owner serializes every call.
type Replica struct {
	id      types.ReplicaID
	vector  types.StateVector
	log     map[types.ReplicaID][]types.Operation
	lamport uint64

	root    *node
	nodes   map[types.OpID]*node
	deleted map[types.OpID]struct{}
	attrs   map[types.OpID]map[string]register
	// pending holds integrated-later operations keyed by the missing
	// operation they reference.
	pending      map[types.OpID][]types.Operation
	pendingCount int
}

// NewReplica returns an empty document state whose local operations are
// issued by the given replica.
func NewReplica(id types.ReplicaID) *Replica {
	return &Replica{
		id:      id,
		vector:  make(types.StateVector),
		log:     make(map[types.ReplicaID][]types.Operation),
		root:    &node{kind: sentinelNode},
		nodes:   make(map[types.OpID]*node),
		deleted: make(map[types.OpID]struct{}),
		attrs:   make(map[types.OpID]map[string]register),
		pending: make(map[types.OpID][]types.Operation),
	}
}

// ID returns the replica issuing local operations.
func (r *Replica) ID() types.ReplicaID {
	return r.id
}

// StateVector returns a copy of the current state vector.
func (r *Replica) StateVector() types.StateVector {
	return r.vector.Clone()
}

// Len returns the number of operations held.
func (r *Replica) Len() int {
	n := 0
	for _, ops := range r.log {
		n += len(ops)
	}
	return n
}

// Pending returns the number of operations waiting for a dependency from
// another replica.
func (r *Replica) Pending() int {
	return r.pendingCount
}

// ApplyLocal issues a new operation from the local replica, applies it and
// returns it. Bodies referencing unknown blocks or elements are rejected.
func (r *Replica) ApplyLocal(body types.OpBody) (types.Operation, error) {
	err := r.validateLocal(body)
	if err != nil {
		return types.Operation{}, err
	}

	op := types.Operation{
		ID:      types.OpID{Replica: r.id, Seq: r.vector[r.id] + 1},
		Lamport: r.lamport + 1,
		Body:    body,
	}
	r.record(op)
	r.integrate(op)
	return op, nil
}

// ApplyRemote merges an operation from any replica. Known operations are
// ignored. An operation that does not directly follow the last known one of
// its replica is rejected with a *types.GapError and nothing changes.
func (r *Replica) ApplyRemote(op types.Operation) error {
	if op.ID.Replica == "" || op.ID.Seq == 0 || op.Body == nil {
		return xerrors.Errorf("%w: incomplete operation %s", types.ErrInvalidOperation, op)
	}

	last := r.vector[op.ID.Replica]
	if op.ID.Seq <= last {
		return nil
	}
	if op.ID.Seq != last+1 {
		return &types.GapError{Op: op.ID, Expected: last + 1}
	}

	r.record(op)
	r.integrate(op)
	return nil
}

// Restore merges a set of operations in any order, sorting them by replica
// and sequence number first.
func (r *Replica) Restore(ops []types.Operation) error {
	sorted := slices.Clone(ops)
	slices.SortFunc(sorted, func(a, b types.Operation) int {
		return a.ID.Compare(b.ID)
	})
	for _, op := range sorted {
		err := r.ApplyRemote(op)
		if err != nil {
			return err
		}
	}
	return nil
}

// Diff returns every operation the peer vector does not reflect, ordered by
// replica then sequence number.
func (r *Replica) Diff(peer types.StateVector) []types.Operation {
	var ops []types.Operation
	for _, replica := range r.vector.Replicas() {
		known := peer[replica]
		all := r.log[replica]
		if known < uint64(len(all)) {
			ops = append(ops, all[known:]...)
		}
	}
	return ops
}

// Operations returns a copy of every operation held, in Diff order.
func (r *Replica) Operations() []types.Operation {
	return r.Diff(nil)
}

func (r *Replica) record(op types.Operation) {
	r.vector[op.ID.Replica] = op.ID.Seq
	r.log[op.ID.Replica] = append(r.log[op.ID.Replica], op)
	if op.Lamport > r.lamport {
		r.lamport = op.Lamport
	}
}

// integrate applies the operation to the tree, or parks it until the
// operation it references arrives.
func (r *Replica) integrate(op types.Operation) {
	queue := []types.Operation{op}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		missing, ok := r.apply(next)
		if !ok {
			r.pending[missing] = append(r.pending[missing], next)
			r.pendingCount++
			continue
		}

		waiting := r.pending[next.ID]
		if len(waiting) > 0 {
			delete(r.pending, next.ID)
			r.pendingCount -= len(waiting)
			queue = append(queue, waiting...)
		}
	}
}

// apply mutates the tree. It returns false and the missing reference when
// the operation cannot be integrated yet.
func (r *Replica) apply(op types.Operation) (types.OpID, bool) {
	switch body := op.Body.(type) {
	case types.InsertBlock:
		container := r.root
		if !body.Parent.IsZero() {
			parent, ok := r.nodes[body.Parent]
			if !ok {
				return body.Parent, false
			}
			container = parent.blocks
		}
		anchor, ok := r.anchor(container, body.After)
		if !ok {
			return body.After, false
		}
		n := &node{
			id:        op.ID,
			lamport:   op.Lamport,
			kind:      blockNode,
			blockType: body.BlockType,
			blocks:    &node{kind: sentinelNode},
			text:      &node{kind: sentinelNode},
		}
		r.insert(container, anchor, n)

	case types.InsertText:
		block, ok := r.nodes[body.Block]
		if !ok {
			return body.Block, false
		}
		container := block.text
		anchor, ok := r.anchor(container, body.After)
		if !ok {
			return body.After, false
		}
		n := &node{id: op.ID, lamport: op.Lamport, kind: textNode, value: body.Value}
		r.insert(container, anchor, n)

	case types.Delete:
		r.deleted[body.Target] = struct{}{}
		if target, ok := r.nodes[body.Target]; ok {
			target.deleted = true
		}

	case types.SetAttribute:
		regs, ok := r.attrs[body.Target]
		if !ok {
			regs = make(map[string]register)
			r.attrs[body.Target] = regs
		}
		current, ok := regs[body.Key]
		if !ok || current.wins(op.Lamport, op.ID.Replica) {
			regs[body.Key] = register{value: body.Value, lamport: op.Lamport, replica: op.ID.Replica}
		}

	case types.Opaque:
		// kept in the log only
	}
	return types.OpID{}, true
}

// anchor resolves the node an insertion hangs from. Nodes of another list
// fall back to the head of the container.
func (r *Replica) anchor(container *node, after types.OpID) (*node, bool) {
	if container == nil {
		// the insertion itself targets an invalid list; it stays detached
		return nil, true
	}
	if after.IsZero() {
		return container, true
	}
	n, ok := r.nodes[after]
	if !ok {
		return nil, false
	}
	if n.container != container {
		return container, true
	}
	return n, true
}

// insert registers n and links it under anchor, keeping siblings ordered.
func (r *Replica) insert(container, anchor *node, n *node) {
	r.nodes[n.id] = n
	if _, ok := r.deleted[n.id]; ok {
		n.deleted = true
	}
	if container == nil {
		return
	}

	n.container = container
	i, _ := slices.BinarySearchFunc(anchor.children, n, siblingOrder)
	anchor.children = slices.Insert(anchor.children, i, n)
}

// siblingOrder orders nodes inserted after the same anchor. A node's Lamport
// clock exceeds that of every sibling its replica had seen, so the latest
// insertion comes first. Concurrent insertions with the same clock keep the
// lower replica ID first.
func siblingOrder(a, b *node) int {
	switch {
	case a.lamport > b.lamport:
		return -1
	case a.lamport < b.lamport:
		return 1
	case a.id.Replica < b.id.Replica:
		return -1
	case a.id.Replica > b.id.Replica:
		return 1
	case a.id.Seq > b.id.Seq:
		return -1
	case a.id.Seq < b.id.Seq:
		return 1
	}
	return 0
}

func (r *Replica) validateLocal(body types.OpBody) error {
	invalid := func(format string, args ...interface{}) error {
		return xerrors.Errorf("%w: "+format, append([]interface{}{types.ErrInvalidOperation}, args...)...)
	}

	switch body := body.(type) {
	case types.InsertBlock:
		if !body.Parent.IsZero() && !r.isBlock(body.Parent) {
			return invalid("unknown parent block %s", body.Parent)
		}
		if !body.After.IsZero() {
			after, ok := r.nodes[body.After]
			if !ok || after.kind != blockNode {
				return invalid("unknown block %s", body.After)
			}
		}
	case types.InsertText:
		if !r.isBlock(body.Block) {
			return invalid("unknown block %s", body.Block)
		}
		if !body.After.IsZero() {
			after, ok := r.nodes[body.After]
			if !ok || after.container != r.nodes[body.Block].text {
				return invalid("unknown text element %s in block %s", body.After, body.Block)
			}
		}
	case types.Delete:
	case types.SetAttribute:
		if _, ok := r.nodes[body.Target]; !ok {
			return invalid("unknown target %s", body.Target)
		}
		if body.Key == "" {
			return invalid("empty attribute key")
		}
	case types.Opaque:
		return invalid("opaque operations cannot be issued locally")
	default:
		return invalid("missing body")
	}
	return nil
}

func (r *Replica) isBlock(id types.OpID) bool {
	n, ok := r.nodes[id]
	return ok && n.kind == blockNode
}
