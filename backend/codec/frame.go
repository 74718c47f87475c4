package codec

import (
	"Node-sync/backend/types"

	"golang.org/x/xerrors"
	"google.golang.org/protobuf/encoding/protowire"
)

// MaxFrameSize bounds the declared length of a single frame.
const MaxFrameSize = 16 << 20

// EncodeFrame encodes a protocol message as one length-prefixed frame.
func EncodeFrame(msg types.Message) ([]byte, error) {
	var payload []byte

	switch m := msg.(type) {
	case types.SyncStep1Message:
		payload = EncodeStateVector(m.Vector)
	case types.SyncStep2Message:
		payload = EncodeOperations(m.Operations)
	case types.UpdateMessage:
		payload = EncodeOperations(m.Operations)
	case types.PresenceMessage:
		payload = protowire.AppendString(nil, m.Origin)
		payload = protowire.AppendBytes(payload, m.Payload)
	case types.CloseMessage:
		payload = protowire.AppendString(nil, m.Reason)
	case types.UnknownMessage:
		payload = m.Payload
	default:
		return nil, xerrors.Errorf("unsupported message type %T", msg)
	}

	body := protowire.AppendVarint(nil, uint64(msg.Kind()))
	body = append(body, payload...)
	return protowire.AppendBytes(nil, body), nil
}

// DecodeFrame decodes the first frame of buf and returns the message and the
// number of bytes it used. Unknown message kinds decode to UnknownMessage.
func DecodeFrame(buf []byte) (types.Message, int, error) {
	size, n := protowire.ConsumeVarint(buf)
	if n < 0 {
		return nil, 0, xerrors.Errorf("%w: bad frame length", types.ErrMalformedPayload)
	}
	if size > MaxFrameSize {
		return nil, 0, xerrors.Errorf("%w: frame of %d bytes exceeds limit", types.ErrMalformedPayload, size)
	}
	if uint64(len(buf)-n) < size {
		return nil, 0, xerrors.Errorf("%w: truncated frame", types.ErrMalformedPayload)
	}
	body := buf[n : n+int(size)]

	d := decoder{buf: body}
	kind := types.MessageKind(d.varint())
	if d.err != nil {
		return nil, 0, d.err
	}

	var msg types.Message
	switch kind {
	case types.SyncStep1Kind:
		msg = types.SyncStep1Message{Vector: d.stateVector()}
	case types.SyncStep2Kind:
		msg = types.SyncStep2Message{Operations: d.operations()}
	case types.UpdateKind:
		msg = types.UpdateMessage{Operations: d.operations()}
	case types.PresenceKind:
		origin := d.string()
		payload := d.bytes()
		msg = types.PresenceMessage{Origin: origin, Payload: append([]byte(nil), payload...)}
	case types.CloseKind:
		msg = types.CloseMessage{Reason: d.string()}
	default:
		msg = types.UnknownMessage{Tag: kind, Payload: append([]byte(nil), d.buf...)}
		d.buf = nil
	}

	if err := d.finish(); err != nil {
		return nil, 0, err
	}
	return msg, n + int(size), nil
}

// DecodeMessage decodes a buffer holding exactly one frame.
func DecodeMessage(buf []byte) (types.Message, error) {
	msg, n, err := DecodeFrame(buf)
	if err != nil {
		return nil, err
	}
	if n != len(buf) {
		return nil, xerrors.Errorf("%w: %d bytes after frame", types.ErrMalformedPayload, len(buf)-n)
	}
	return msg, nil
}

// EncodeEnvelope encodes a fabric envelope.
func EncodeEnvelope(e types.Envelope) []byte {
	b := protowire.AppendString(nil, e.Origin)
	b = protowire.AppendVarint(b, uint64(e.Kind))
	b = protowire.AppendString(b, e.Document)
	return protowire.AppendBytes(b, e.Payload)
}

// DecodeEnvelope decodes an envelope encoded by EncodeEnvelope.
func DecodeEnvelope(buf []byte) (types.Envelope, error) {
	d := decoder{buf: buf}
	e := types.Envelope{
		Origin:   d.string(),
		Kind:     types.EnvelopeKind(d.varint()),
		Document: d.string(),
	}
	e.Payload = append([]byte(nil), d.bytes()...)
	if err := d.finish(); err != nil {
		return types.Envelope{}, err
	}
	return e, nil
}
