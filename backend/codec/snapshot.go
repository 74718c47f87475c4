package codec

import (
	"crypto/sha256"
	"encoding/hex"

	"Node-sync/backend/types"

	"golang.org/x/xerrors"
	"google.golang.org/protobuf/encoding/protowire"
)

const snapshotVersion = 1

// Snapshot is the persisted form of a document state: every retained
// operation, the state vector they produce and the update log marker up to
// which the log is covered.
type Snapshot struct {
	Vector     types.StateVector
	Operations []types.Operation
	Marker     uint64
}

// EncodeSnapshot encodes a snapshot. Operations are expected in replica then
// sequence order so that equal states encode to equal bytes.
func EncodeSnapshot(s Snapshot) []byte {
	b := protowire.AppendVarint(nil, snapshotVersion)
	b = protowire.AppendVarint(b, s.Marker)
	b = protowire.AppendBytes(b, EncodeStateVector(s.Vector))
	return protowire.AppendBytes(b, EncodeOperations(s.Operations))
}

// DecodeSnapshot decodes a snapshot encoded by EncodeSnapshot.
func DecodeSnapshot(buf []byte) (Snapshot, error) {
	d := decoder{buf: buf}
	version := d.varint()
	marker := d.varint()
	rawVector := d.bytes()
	rawOps := d.bytes()
	if err := d.finish(); err != nil {
		return Snapshot{}, err
	}
	if version != snapshotVersion {
		return Snapshot{}, xerrors.Errorf("%w: unsupported snapshot version %d", types.ErrMalformedPayload, version)
	}

	vector, err := DecodeStateVector(rawVector)
	if err != nil {
		return Snapshot{}, xerrors.Errorf("failed to decode snapshot vector: %w", err)
	}
	ops, err := DecodeOperations(rawOps)
	if err != nil {
		return Snapshot{}, xerrors.Errorf("failed to decode snapshot operations: %w", err)
	}

	return Snapshot{Vector: vector, Operations: ops, Marker: marker}, nil
}

// ContentHash returns the hex SHA-256 of an encoded value.
func ContentHash(buf []byte) string {
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}
