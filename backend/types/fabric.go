package types

import "fmt"

// EnvelopeKind tags what a fabric envelope carries.
type EnvelopeKind uint64

const (
	// EnvelopeUpdate carries an encoded operation batch.
	EnvelopeUpdate EnvelopeKind = 1
	// EnvelopePresence carries an encoded presence message.
	EnvelopePresence EnvelopeKind = 2
	// EnvelopeSyncRequest carries an encoded state vector. Peers answer with
	// an EnvelopeUpdate holding their diff.
	EnvelopeSyncRequest EnvelopeKind = 3
)

// Envelope is the unit published on the broadcast fabric. Origin is the
// process that published it and is used for loop prevention.
type Envelope struct {
	Origin   string
	Kind     EnvelopeKind
	Document DocumentID
	Payload  []byte
}

// String implements fmt.Stringer.
func (e Envelope) String() string {
	return fmt.Sprintf("envelope{%s doc=%s origin=%s %d bytes}", e.Kind, e.Document, e.Origin, len(e.Payload))
}

// String implements fmt.Stringer.
func (k EnvelopeKind) String() string {
	switch k {
	case EnvelopeUpdate:
		return "update"
	case EnvelopePresence:
		return "presence"
	case EnvelopeSyncRequest:
		return "sync_request"
	default:
		return fmt.Sprintf("kind%d", uint64(k))
	}
}
