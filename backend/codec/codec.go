// Package codec implements the binary encoding of operations, state vectors,
// protocol frames, fabric envelopes and persisted records.
//
// Every encoding is deterministic: the same value always yields the same
// bytes. Integers are varints and strings/byte strings are length-prefixed.
package codec

import (
	"unicode/utf8"

	"Node-sync/backend/types"

	"golang.org/x/xerrors"
	"google.golang.org/protobuf/encoding/protowire"
)

// EncodeOperations encodes a batch of operations.
func EncodeOperations(ops []types.Operation) []byte {
	buf := protowire.AppendVarint(nil, uint64(len(ops)))
	for _, op := range ops {
		buf = appendOperation(buf, op)
	}
	return buf
}

// DecodeOperations decodes a batch encoded by EncodeOperations.
func DecodeOperations(buf []byte) ([]types.Operation, error) {
	d := decoder{buf: buf}
	ops := d.operations()
	if err := d.finish(); err != nil {
		return nil, err
	}
	return ops, nil
}

// EncodeStateVector encodes a state vector, entries sorted by replica. Zero
// entries are omitted.
func EncodeStateVector(v types.StateVector) []byte {
	replicas := v.Replicas()
	n := 0
	for _, r := range replicas {
		if v[r] > 0 {
			n++
		}
	}
	buf := protowire.AppendVarint(nil, uint64(n))
	for _, r := range replicas {
		if v[r] == 0 {
			continue
		}
		buf = protowire.AppendString(buf, string(r))
		buf = protowire.AppendVarint(buf, v[r])
	}
	return buf
}

// DecodeStateVector decodes a vector encoded by EncodeStateVector. Entries
// must be in strictly ascending replica order.
func DecodeStateVector(buf []byte) (types.StateVector, error) {
	d := decoder{buf: buf}
	v := d.stateVector()
	if err := d.finish(); err != nil {
		return nil, err
	}
	return v, nil
}

func appendOperation(b []byte, op types.Operation) []byte {
	var kind types.OpKind
	if op.Body != nil {
		kind = op.Body.Kind()
	}
	b = appendOpID(b, op.ID)
	b = protowire.AppendVarint(b, op.Lamport)
	b = protowire.AppendVarint(b, uint64(kind))
	return protowire.AppendBytes(b, encodeBody(op.Body))
}

func appendOpID(b []byte, id types.OpID) []byte {
	b = protowire.AppendString(b, string(id.Replica))
	return protowire.AppendVarint(b, id.Seq)
}

func encodeBody(body types.OpBody) []byte {
	var b []byte
	switch body := body.(type) {
	case types.InsertBlock:
		b = appendOpID(b, body.Parent)
		b = appendOpID(b, body.After)
		b = protowire.AppendString(b, string(body.BlockType))
	case types.InsertText:
		b = appendOpID(b, body.Block)
		b = appendOpID(b, body.After)
		b = protowire.AppendString(b, body.Value)
	case types.Delete:
		b = appendOpID(b, body.Target)
	case types.SetAttribute:
		b = appendOpID(b, body.Target)
		b = protowire.AppendString(b, body.Key)
		b = protowire.AppendString(b, body.Value)
	case types.Opaque:
		b = append(b, body.Payload...)
	}
	return b
}

// decoder consumes a buffer front to back. The first failure is sticky:
// later reads return zero values and finish reports the error.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) fail(what string) {
	if d.err == nil {
		d.err = xerrors.Errorf("%w: %s", types.ErrMalformedPayload, what)
	}
	d.buf = nil
}

func (d *decoder) finish() error {
	if d.err != nil {
		return d.err
	}
	if len(d.buf) != 0 {
		return xerrors.Errorf("%w: %d trailing bytes", types.ErrMalformedPayload, len(d.buf))
	}
	return nil
}

func (d *decoder) varint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := protowire.ConsumeVarint(d.buf)
	if n < 0 {
		d.fail("bad varint")
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

func (d *decoder) bytes() []byte {
	if d.err != nil {
		return nil
	}
	v, n := protowire.ConsumeBytes(d.buf)
	if n < 0 {
		d.fail("bad length prefix")
		return nil
	}
	d.buf = d.buf[n:]
	return v
}

func (d *decoder) string() string {
	v := d.bytes()
	if d.err != nil {
		return ""
	}
	if !utf8.Valid(v) {
		d.fail("invalid utf-8 string")
		return ""
	}
	return string(v)
}

// count reads an element count and bounds it by the remaining input, since
// every element takes at least one byte.
func (d *decoder) count() int {
	n := d.varint()
	if d.err != nil {
		return 0
	}
	if n > uint64(len(d.buf)) {
		d.fail("count exceeds payload")
		return 0
	}
	return int(n)
}

func (d *decoder) opID() types.OpID {
	replica := d.string()
	seq := d.varint()
	if d.err != nil {
		return types.OpID{}
	}
	if (replica == "") != (seq == 0) {
		d.fail("half-empty operation id")
		return types.OpID{}
	}
	return types.OpID{Replica: types.ReplicaID(replica), Seq: seq}
}

func (d *decoder) stateVector() types.StateVector {
	n := d.count()
	v := make(types.StateVector, n)
	var prev string
	for i := 0; i < n && d.err == nil; i++ {
		replica := d.string()
		seq := d.varint()
		if d.err != nil {
			break
		}
		if replica == "" || seq == 0 {
			d.fail("empty state vector entry")
			break
		}
		if i > 0 && replica <= prev {
			d.fail("state vector entries out of order")
			break
		}
		prev = replica
		v[types.ReplicaID(replica)] = seq
	}
	if d.err != nil {
		return nil
	}
	return v
}

func (d *decoder) operations() []types.Operation {
	n := d.count()
	ops := make([]types.Operation, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		op := d.operation()
		if d.err == nil {
			ops = append(ops, op)
		}
	}
	if d.err != nil {
		return nil
	}
	return ops
}

func (d *decoder) operation() types.Operation {
	id := d.opID()
	lamport := d.varint()
	kind := types.OpKind(d.varint())
	raw := d.bytes()
	if d.err != nil {
		return types.Operation{}
	}
	if id.IsZero() {
		d.fail("operation without id")
		return types.Operation{}
	}

	body, err := decodeBody(kind, raw)
	if err != nil {
		d.err = err
		d.buf = nil
		return types.Operation{}
	}
	return types.Operation{ID: id, Lamport: lamport, Body: body}
}

func decodeBody(kind types.OpKind, raw []byte) (types.OpBody, error) {
	d := decoder{buf: raw}
	var body types.OpBody

	switch kind {
	case types.InsertBlockKind:
		parent := d.opID()
		after := d.opID()
		blockType := d.string()
		body = types.InsertBlock{Parent: parent, After: after, BlockType: types.BlockTypeName(blockType)}
	case types.InsertTextKind:
		block := d.opID()
		after := d.opID()
		value := d.string()
		if d.err == nil && block.IsZero() {
			d.fail("text insert without block")
		}
		body = types.InsertText{Block: block, After: after, Value: value}
	case types.DeleteKind:
		body = types.Delete{Target: d.opID()}
	case types.SetAttributeKind:
		target := d.opID()
		key := d.string()
		value := d.string()
		body = types.SetAttribute{Target: target, Key: key, Value: value}
	default:
		payload := append([]byte(nil), raw...)
		d.buf = nil
		body = types.Opaque{Tag: kind, Payload: payload}
	}

	if err := d.finish(); err != nil {
		return nil, err
	}
	return body, nil
}
