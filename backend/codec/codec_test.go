package codec

import (
	"errors"
	"testing"

	"Node-sync/backend/types"

	"github.com/stretchr/testify/require"
)

func sampleOps() []types.Operation {
	block := types.OpID{Replica: "a", Seq: 1}
	return []types.Operation{
		{ID: block, Lamport: 1, Body: types.InsertBlock{BlockType: types.ParagraphBlockType}},
		{ID: types.OpID{Replica: "a", Seq: 2}, Lamport: 2, Body: types.InsertText{Block: block, Value: "h"}},
		{ID: types.OpID{Replica: "b", Seq: 1}, Lamport: 3, Body: types.InsertText{
			Block: block, After: types.OpID{Replica: "a", Seq: 2}, Value: "é"}},
		{ID: types.OpID{Replica: "b", Seq: 2}, Lamport: 4, Body: types.SetAttribute{
			Target: block, Key: types.AttrTextColor, Value: "red"}},
		{ID: types.OpID{Replica: "b", Seq: 3}, Lamport: 5, Body: types.Delete{Target: types.OpID{Replica: "a", Seq: 2}}},
	}
}

func Test_Codec_Operations_Round_Trip(t *testing.T) {
	ops := sampleOps()

	buf := EncodeOperations(ops)
	decoded, err := DecodeOperations(buf)
	require.NoError(t, err)
	require.Equal(t, ops, decoded)
}

func Test_Codec_Deterministic(t *testing.T) {
	require.Equal(t, EncodeOperations(sampleOps()), EncodeOperations(sampleOps()))

	// map iteration order must not leak into the bytes
	v := types.StateVector{"zeta": 3, "alpha": 9, "mid": 1}
	first := EncodeStateVector(v)
	for i := 0; i < 20; i++ {
		require.Equal(t, first, EncodeStateVector(v.Clone()))
	}
}

func Test_Codec_State_Vector_Round_Trip(t *testing.T) {
	v := types.StateVector{"a": 4, "b": 1, "c": 1 << 40}

	decoded, err := DecodeStateVector(EncodeStateVector(v))
	require.NoError(t, err)
	require.Equal(t, v, decoded)

	empty, err := DecodeStateVector(EncodeStateVector(types.StateVector{"x": 0}))
	require.NoError(t, err)
	require.Len(t, empty, 0)
}

func Test_Codec_Truncated_Input(t *testing.T) {
	buf := EncodeOperations(sampleOps())

	for i := 0; i < len(buf); i++ {
		_, err := DecodeOperations(buf[:i])
		require.Error(t, err, "prefix of length %d", i)
		require.True(t, errors.Is(err, types.ErrMalformedPayload))
	}
}

func Test_Codec_Trailing_Bytes(t *testing.T) {
	buf := append(EncodeOperations(sampleOps()), 0x00)

	_, err := DecodeOperations(buf)
	require.ErrorIs(t, err, types.ErrMalformedPayload)
}

func Test_Codec_Out_Of_Order_Vector(t *testing.T) {
	// count=2, "b":1, "a":1
	buf := []byte{2, 1, 'b', 1, 1, 'a', 1}

	_, err := DecodeStateVector(buf)
	require.ErrorIs(t, err, types.ErrMalformedPayload)
}

func Test_Codec_Bad_Length_Prefix(t *testing.T) {
	// one operation whose replica id claims 100 bytes
	buf := []byte{1, 100, 'a'}

	_, err := DecodeOperations(buf)
	require.ErrorIs(t, err, types.ErrMalformedPayload)
}

func Test_Codec_Unknown_Kind_Is_Preserved(t *testing.T) {
	ops := []types.Operation{
		{ID: types.OpID{Replica: "future", Seq: 1}, Lamport: 7, Body: types.Opaque{Tag: 42, Payload: []byte{1, 2, 3}}},
	}
	buf := EncodeOperations(ops)

	decoded, err := DecodeOperations(buf)
	require.NoError(t, err)
	require.Equal(t, ops, decoded)
	require.Equal(t, buf, EncodeOperations(decoded))
}

func Test_Codec_Frames(t *testing.T) {
	msgs := []types.Message{
		types.SyncStep1Message{Vector: types.StateVector{"a": 2}},
		types.SyncStep2Message{Operations: sampleOps()},
		types.UpdateMessage{Operations: sampleOps()[:1]},
		types.PresenceMessage{Origin: "s1", Payload: []byte(`{"cursor":3}`)},
		types.CloseMessage{Reason: "bye"},
	}

	var stream []byte
	for _, msg := range msgs {
		frame, err := EncodeFrame(msg)
		require.NoError(t, err)

		decoded, err := DecodeMessage(frame)
		require.NoError(t, err)
		require.Equal(t, msg, decoded)

		stream = append(stream, frame...)
	}

	// frames can be read back to back from one buffer
	for _, msg := range msgs {
		decoded, n, err := DecodeFrame(stream)
		require.NoError(t, err)
		require.Equal(t, msg, decoded)
		stream = stream[n:]
	}
	require.Len(t, stream, 0)
}

func Test_Codec_Unknown_Message_Kind(t *testing.T) {
	frame, err := EncodeFrame(types.UnknownMessage{Tag: 99, Payload: []byte("hi")})
	require.NoError(t, err)

	msg, err := DecodeMessage(frame)
	require.NoError(t, err)
	require.Equal(t, types.UnknownMessage{Tag: 99, Payload: []byte("hi")}, msg)
}

func Test_Codec_Truncated_Frame(t *testing.T) {
	frame, err := EncodeFrame(types.UpdateMessage{Operations: sampleOps()})
	require.NoError(t, err)

	_, err = DecodeMessage(frame[:len(frame)-1])
	require.ErrorIs(t, err, types.ErrMalformedPayload)
}

func Test_Codec_Envelope_Round_Trip(t *testing.T) {
	e := types.Envelope{Origin: "p1", Kind: types.EnvelopeUpdate, Document: "doc", Payload: EncodeOperations(sampleOps())}

	decoded, err := DecodeEnvelope(EncodeEnvelope(e))
	require.NoError(t, err)
	require.Equal(t, e, decoded)
}

func Test_Codec_Snapshot_Round_Trip(t *testing.T) {
	s := Snapshot{Vector: types.StateVector{"a": 2, "b": 3}, Operations: sampleOps(), Marker: 12}

	buf := EncodeSnapshot(s)
	decoded, err := DecodeSnapshot(buf)
	require.NoError(t, err)
	require.Equal(t, s, decoded)
	require.Equal(t, ContentHash(buf), ContentHash(EncodeSnapshot(decoded)))

	_, err = DecodeSnapshot(buf[:len(buf)-2])
	require.ErrorIs(t, err, types.ErrMalformedPayload)
}
