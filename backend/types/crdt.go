package types

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"golang.org/x/xerrors"
)

// -----------------------------------------------------------------------------
// OpID

// IsZero reports whether the id is the head anchor.
func (id OpID) IsZero() bool {
	return id.Seq == 0 && id.Replica == ""
}

// String returns the "seq@replica" form of the id.
func (id OpID) String() string {
	if id.IsZero() {
		return ""
	}
	return strconv.FormatUint(id.Seq, 10) + "@" + string(id.Replica)
}

// ParseOpID parses the "seq@replica" form. The empty string is the zero id.
func ParseOpID(s string) (OpID, error) {
	if s == "" {
		return OpID{}, nil
	}
	seq, replica, found := strings.Cut(s, "@")
	if !found || replica == "" {
		return OpID{}, xerrors.Errorf("invalid operation id %q", s)
	}
	n, err := strconv.ParseUint(seq, 10, 64)
	if err != nil || n == 0 {
		return OpID{}, xerrors.Errorf("invalid operation id %q", s)
	}
	return OpID{Replica: ReplicaID(replica), Seq: n}, nil
}

// Compare orders ids by replica then sequence number.
func (id OpID) Compare(other OpID) int {
	switch {
	case id.Replica < other.Replica:
		return -1
	case id.Replica > other.Replica:
		return 1
	case id.Seq < other.Seq:
		return -1
	case id.Seq > other.Seq:
		return 1
	}
	return 0
}

// -----------------------------------------------------------------------------
// Operation bodies

// Kind implements types.OpBody.
func (InsertBlock) Kind() OpKind { return InsertBlockKind }

// Name implements types.OpBody.
func (InsertBlock) Name() string { return "insertblock" }

func (InsertBlock) sealed() {}

// Kind implements types.OpBody.
func (InsertText) Kind() OpKind { return InsertTextKind }

// Name implements types.OpBody.
func (InsertText) Name() string { return "inserttext" }

func (InsertText) sealed() {}

// Kind implements types.OpBody.
func (Delete) Kind() OpKind { return DeleteKind }

// Name implements types.OpBody.
func (Delete) Name() string { return "delete" }

func (Delete) sealed() {}

// Kind implements types.OpBody.
func (SetAttribute) Kind() OpKind { return SetAttributeKind }

// Name implements types.OpBody.
func (SetAttribute) Name() string { return "setattribute" }

func (SetAttribute) sealed() {}

// Kind implements types.OpBody.
func (o Opaque) Kind() OpKind { return o.Tag }

// Name implements types.OpBody.
func (o Opaque) Name() string { return "opaque" + strconv.FormatUint(uint64(o.Tag), 10) }

func (Opaque) sealed() {}

// String returns a short description of the operation.
func (op Operation) String() string {
	name := "nil"
	if op.Body != nil {
		name = op.Body.Name()
	}
	return fmt.Sprintf("%s{%s L%d}", name, op.ID, op.Lamport)
}

// -----------------------------------------------------------------------------
// Tree

// ToJson renders the tree as JSON.
func (t Tree) ToJson() (string, error) {
	blocks := t.Blocks
	if blocks == nil {
		blocks = []Block{}
	}
	buf, err := json.Marshal(blocks)
	if err != nil {
		return "", xerrors.Errorf("failed to marshal tree: %w", err)
	}
	return string(buf), nil
}

// Text returns the visible text of the tree, one line per block in document
// order (children after their parent).
func (t Tree) Text() string {
	var sb strings.Builder
	var walk func(blocks []Block)
	walk = func(blocks []Block) {
		for _, b := range blocks {
			for _, span := range b.Content {
				sb.WriteString(span.Text)
			}
			sb.WriteByte('\n')
			walk(b.Children)
		}
	}
	walk(t.Blocks)
	return sb.String()
}
