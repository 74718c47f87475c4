package types

// DocumentID identifies a document.
type DocumentID = string

// ReplicaID identifies one editing participant. Replica IDs are totally
// ordered byte-wise; the lower ID wins ties between concurrent inserts.
type ReplicaID string

// OpID is the identity of an operation: the replica that created it and its
// per-replica sequence number. Sequence numbers start at 1, so the zero OpID
// never names an operation and is used as the "head" anchor.
type OpID struct {
	Replica ReplicaID
	Seq     uint64
}

// OpKind is the wire tag of an operation body.
type OpKind uint64

const (
	InsertBlockKind  OpKind = 1
	InsertTextKind   OpKind = 2
	DeleteKind       OpKind = 3
	SetAttributeKind OpKind = 4
)

// Operation is the smallest mutation unit. Operations are immutable once
// created.
type Operation struct {
	ID OpID
	// Lamport is the operation's position in the causal total order. It is
	// assigned by the replica that created the operation.
	Lamport uint64
	Body    OpBody
}

// OpBody is the closed set of operation bodies: InsertBlock, InsertText,
// Delete, SetAttribute and Opaque.
type OpBody interface {
	Kind() OpKind
	Name() string

	sealed()
}

// InsertBlock creates a block in the child list of Parent (the zero OpID is
// the document root), right after the sibling After (the zero OpID is the
// head of that list).
//
// - implements types.OpBody
type InsertBlock struct {
	Parent    OpID
	After     OpID
	BlockType BlockTypeName
}

// InsertText inserts one text element into Block, right after the element
// After (the zero OpID is the start of the block).
//
// - implements types.OpBody
type InsertText struct {
	Block OpID
	After OpID
	Value string
}

// Delete tombstones a block or a text element.
//
// - implements types.OpBody
type Delete struct {
	Target OpID
}

// SetAttribute sets an attribute on a block or a text element. An empty
// Value removes the attribute.
//
// - implements types.OpBody
type SetAttribute struct {
	Target OpID
	Key    string
	Value  string
}

// Opaque holds an operation of a kind this build does not know. It is kept,
// counted in state vectors and re-encoded unchanged.
//
// - implements types.OpBody
type Opaque struct {
	Tag     OpKind
	Payload []byte
}

type BlockTypeName string

const (
	ParagraphBlockType    BlockTypeName = "paragraph"
	HeadingBlockType      BlockTypeName = "heading"
	BulletedListBlockType BlockTypeName = "bulleted_list"
	NumberedListBlockType BlockTypeName = "numbered_list"
	ImageBlockType        BlockTypeName = "image"
	TableBlockType        BlockTypeName = "table"
)

// Well-known attribute keys. Any other key is accepted and carried as is.
const (
	AttrBold            = "bold"
	AttrItalic          = "italic"
	AttrUnderline       = "underline"
	AttrStrikethrough   = "strikethrough"
	AttrTextColor       = "textColor"
	AttrBackgroundColor = "backgroundColor"
	AttrTextAlignment   = "textAlignment"
	AttrLevel           = "level"
)

// -------------------------------------------------------------------
// Materialized view

// Tree is the materialized view of a document: its visible top-level blocks
// in document order.
type Tree struct {
	Blocks []Block `json:"blocks"`
}

// Block is a visible block of the materialized tree.
type Block struct {
	ID       string            `json:"id"`
	Type     BlockTypeName     `json:"type"`
	Attrs    map[string]string `json:"props"`
	Content  []Span            `json:"content"`
	Children []Block           `json:"children"`
}

// Span is a run of consecutive visible text elements sharing the same
// attributes.
type Span struct {
	IDs   []string          `json:"charIds"`
	Text  string            `json:"text"`
	Attrs map[string]string `json:"styles"`
}
