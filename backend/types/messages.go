package types

import (
	"fmt"
)

// MessageKind is the wire tag of a protocol message.
type MessageKind uint64

const (
	SyncStep1Kind MessageKind = 0
	SyncStep2Kind MessageKind = 1
	UpdateKind    MessageKind = 2
	PresenceKind  MessageKind = 3
	CloseKind     MessageKind = 4
)

// Message defines the type of message that can be exchanged on a client
// connection.
type Message interface {
	NewEmpty() Message
	Kind() MessageKind
	Name() string
	String() string
}

// SyncStep1Message carries the sender's state vector and asks the receiver
// for the operations it is missing.
//
// - implements types.Message
type SyncStep1Message struct {
	Vector StateVector
}

// SyncStep2Message answers a SyncStep1Message with the missing operations.
//
// - implements types.Message
type SyncStep2Message struct {
	Operations []Operation
}

// UpdateMessage carries live operations.
//
// - implements types.Message
type UpdateMessage struct {
	Operations []Operation
}

// PresenceMessage carries ephemeral presence state (cursor, user, color).
// Origin is set by the server to the session the payload belongs to.
//
// - implements types.Message
type PresenceMessage struct {
	Origin  string
	Payload []byte
}

// CloseMessage is sent before closing a connection.
//
// - implements types.Message
type CloseMessage struct {
	Reason string
}

// UnknownMessage is a message of a kind this build does not know. It is
// ignored by receivers.
//
// - implements types.Message
type UnknownMessage struct {
	Tag     MessageKind
	Payload []byte
}

// NewEmpty implements types.Message.
func (SyncStep1Message) NewEmpty() Message { return &SyncStep1Message{} }

// Kind implements types.Message.
func (SyncStep1Message) Kind() MessageKind { return SyncStep1Kind }

// Name implements types.Message.
func (SyncStep1Message) Name() string { return "syncstep1" }

// String implements types.Message.
func (m SyncStep1Message) String() string { return fmt.Sprintf("syncstep1{%s}", m.Vector) }

// NewEmpty implements types.Message.
func (SyncStep2Message) NewEmpty() Message { return &SyncStep2Message{} }

// Kind implements types.Message.
func (SyncStep2Message) Kind() MessageKind { return SyncStep2Kind }

// Name implements types.Message.
func (SyncStep2Message) Name() string { return "syncstep2" }

// String implements types.Message.
func (m SyncStep2Message) String() string {
	return fmt.Sprintf("syncstep2{%d operations}", len(m.Operations))
}

// NewEmpty implements types.Message.
func (UpdateMessage) NewEmpty() Message { return &UpdateMessage{} }

// Kind implements types.Message.
func (UpdateMessage) Kind() MessageKind { return UpdateKind }

// Name implements types.Message.
func (UpdateMessage) Name() string { return "update" }

// String implements types.Message.
func (m UpdateMessage) String() string {
	return fmt.Sprintf("update{%d operations}", len(m.Operations))
}

// NewEmpty implements types.Message.
func (PresenceMessage) NewEmpty() Message { return &PresenceMessage{} }

// Kind implements types.Message.
func (PresenceMessage) Kind() MessageKind { return PresenceKind }

// Name implements types.Message.
func (PresenceMessage) Name() string { return "presence" }

// String implements types.Message.
func (m PresenceMessage) String() string {
	return fmt.Sprintf("presence{%s %d bytes}", m.Origin, len(m.Payload))
}

// NewEmpty implements types.Message.
func (CloseMessage) NewEmpty() Message { return &CloseMessage{} }

// Kind implements types.Message.
func (CloseMessage) Kind() MessageKind { return CloseKind }

// Name implements types.Message.
func (CloseMessage) Name() string { return "close" }

// String implements types.Message.
func (m CloseMessage) String() string { return fmt.Sprintf("close{%s}", m.Reason) }

// NewEmpty implements types.Message.
func (UnknownMessage) NewEmpty() Message { return &UnknownMessage{} }

// Kind implements types.Message.
func (m UnknownMessage) Kind() MessageKind { return m.Tag }

// Name implements types.Message.
func (UnknownMessage) Name() string { return "unknown" }

// String implements types.Message.
func (m UnknownMessage) String() string { return fmt.Sprintf("unknown{kind %d}", m.Tag) }
