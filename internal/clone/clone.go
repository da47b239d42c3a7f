// Package clone holds the single deep-copy routine shared by the three
// places names as legitimate cloning sites: tag-instance
// expansion (internal/tagproc), and per-iteration body cloning in
// <foreach>/<while> (internal/template). Centralizing it here means all
// three sites share one "no recursion aliases any input object"
// guarantee instead of three independent copies of the
// same recursion.
package clone

import (
	"github.com/the-ox-studio/oxdef/api"
)

// Block deep-clones a block and everything reachable from it, assigning
// fresh NodeIDs throughout via ids.
func Block(b *api.Block, ids *api.IDAllocator) *api.Block {
	return b.Clone(ids).(*api.Block)
}

// Nodes deep-clones a node slice in place order, fresh NodeIDs throughout.
func Nodes(ns []api.Node, ids *api.IDAllocator) []api.Node {
	if ns == nil {
		return nil
	}
	cp := make([]api.Node, len(ns))
	for i, n := range ns {
		cp[i] = n.Clone(ids)
	}
	return cp
}

// Value deep-clones a single property value (Literal, Array, or
// Expression — the three Value kinds names explicitly).
func Value(v api.Value, ids *api.IDAllocator) api.Value {
	if v == nil {
		return nil
	}
	return v.Clone()
}
