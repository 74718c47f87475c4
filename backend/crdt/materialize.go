package crdt

import (
	"maps"

	"Node-sync/backend/types"
)

// Materialize builds the visible document tree.
func (r *Replica) Materialize() types.Tree {
	return types.Tree{Blocks: r.blocksOf(r.root)}
}

func (r *Replica) blocksOf(sentinel *node) []types.Block {
	blocks := make([]types.Block, 0)
	walk(sentinel, func(n *node) {
		if n.deleted {
			return
		}
		blocks = append(blocks, types.Block{
			ID:       n.id.String(),
			Type:     n.blockType,
			Attrs:    r.attributes(n.id),
			Content:  r.spansOf(n.text),
			Children: r.blocksOf(n.blocks),
		})
	})
	return blocks
}

// spansOf groups the visible text of a block into runs of equal attributes.
func (r *Replica) spansOf(sentinel *node) []types.Span {
	spans := make([]types.Span, 0)
	walk(sentinel, func(n *node) {
		if n.deleted {
			return
		}
		attrs := r.attributes(n.id)
		last := len(spans) - 1
		if last >= 0 && maps.Equal(spans[last].Attrs, attrs) {
			spans[last].IDs = append(spans[last].IDs, n.id.String())
			spans[last].Text += n.value
			return
		}
		spans = append(spans, types.Span{
			IDs:   []string{n.id.String()},
			Text:  n.value,
			Attrs: attrs,
		})
	})
	return spans
}

func (r *Replica) attributes(id types.OpID) map[string]string {
	attrs := make(map[string]string)
	for key, reg := range r.attrs[id] {
		if reg.value != "" {
			attrs[key] = reg.value
		}
	}
	return attrs
}

// walk visits the nodes of a list in document order: the pre-order walk of
// the insertion tree hanging from the sentinel. It is iterative because
// sequential typing builds chains as deep as the text is long.
func walk(sentinel *node, visit func(*node)) {
	stack := make([]*node, 0, len(sentinel.children))
	push := func(children []*node) {
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}

	push(sentinel.children)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		visit(n)
		push(n.children)
	}
}
