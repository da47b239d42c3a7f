// Package walk is the tree walker utility: depth-first
// traversal in three orderings, a filter predicate, per-node control
// values, and a maintained parent chain. Both the macro cursor API
// (internal/macro) and the data-source discovery walk (internal/datasource)
// build on it.
package walk

import "github.com/the-ox-studio/oxdef/api"

// Control is the per-node return value a Visitor may give to steer
// traversal.
type Control int

const (
	// Continue descends into children (pre-order) or keeps walking
	// siblings (post-order/breadth-first).
	Continue Control = iota
	// Skip does not descend into this node's children, but continues
	// the walk elsewhere.
	Skip
	// Stop ends the entire traversal immediately.
	Stop
)

// Order selects traversal discipline.
type Order int

const (
	PreOrder Order = iota
	PostOrder
	BreadthFirst
)

// Visitor is invoked once per visited node, with its parent (nil at the
// root) and the chain of ancestors from nearest to farthest.
type Visitor func(node api.Node, parent api.Node, ancestors []api.Node) Control

// Filter decides whether a node is visited at all; nil means visit
// everything.
type Filter func(node api.Node, parent api.Node) bool

// children returns the node's direct child nodes in document order, the
// same set enumerates for discovery: a Block's Children, and
// every template-construct's body/branches.
func children(n api.Node) []api.Node {
	switch v := n.(type) {
	case *api.Block:
		return v.Children
	case *api.IfNode:
		out := append([]api.Node{}, v.Then...)
		for _, ei := range v.ElseIfs {
			out = append(out, ei.Body...)
		}
		out = append(out, v.Else...)
		return out
	case *api.ForeachNode:
		return v.Body
	case *api.WhileNode:
		return v.Body
	case *api.OnDataNode:
		out := append([]api.Node{}, v.OnSuccess...)
		out = append(out, v.OnError...)
		return out
	default:
		return nil
	}
}

// Walk traverses roots in the given order, calling visit on each node
// that passes filter (or every node, if filter is nil).
func Walk(roots []api.Node, order Order, filter Filter, visit Visitor) {
	switch order {
	case BreadthFirst:
		walkBreadthFirst(roots, filter, visit)
	case PostOrder:
		for _, r := range roots {
			if walkPost(r, nil, nil, filter, visit) == Stop {
				return
			}
		}
	default:
		for _, r := range roots {
			if walkPre(r, nil, nil, filter, visit) == Stop {
				return
			}
		}
	}
}

func walkPre(n api.Node, parent api.Node, ancestors []api.Node, filter Filter, visit Visitor) Control {
	ctrl := Continue
	if filter == nil || filter(n, parent) {
		ctrl = visit(n, parent, ancestors)
	}
	if ctrl == Stop {
		return Stop
	}
	if ctrl == Skip {
		return Continue
	}
	childAncestors := append([]api.Node{n}, ancestors...)
	for _, c := range children(n) {
		if walkPre(c, n, childAncestors, filter, visit) == Stop {
			return Stop
		}
	}
	return Continue
}

func walkPost(n api.Node, parent api.Node, ancestors []api.Node, filter Filter, visit Visitor) Control {
	childAncestors := append([]api.Node{n}, ancestors...)
	for _, c := range children(n) {
		if walkPost(c, n, childAncestors, filter, visit) == Stop {
			return Stop
		}
	}
	if filter == nil || filter(n, parent) {
		return visit(n, parent, ancestors)
	}
	return Continue
}

type queueItem struct {
	node api.Node
	parent api.Node
	ancestors []api.Node
}

func walkBreadthFirst(roots []api.Node, filter Filter, visit Visitor) {
	var queue []queueItem
	for _, r := range roots {
		queue = append(queue, queueItem{node: r})
	}
	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]
		ctrl := Continue
		if filter == nil || filter(it.node, it.parent) {
			ctrl = visit(it.node, it.parent, it.ancestors)
		}
		if ctrl == Stop {
			return
		}
		if ctrl == Skip {
			continue
		}
		childAncestors := append([]api.Node{it.node}, it.ancestors...)
		for _, c := range children(it.node) {
			queue = append(queue, queueItem{node: c, parent: it.node, ancestors: childAncestors})
		}
	}
}

// FindNode returns the first node (pre-order) for which predicate holds.
func FindNode(roots []api.Node, predicate func(api.Node, api.Node) bool) api.Node {
	var found api.Node
	Walk(roots, PreOrder, nil, func(n, parent api.Node, _ []api.Node) Control {
		if predicate(n, parent) {
			found = n
			return Stop
		}
		return Continue
	})
	return found
}

// FindAll returns every node (pre-order) for which predicate holds.
func FindAll(roots []api.Node, predicate func(api.Node, api.Node) bool) []api.Node {
	var out []api.Node
	Walk(roots, PreOrder, nil, func(n, parent api.Node, _ []api.Node) Control {
		if predicate(n, parent) {
			out = append(out, n)
		}
		return Continue
	})
	return out
}

// FindByTag returns every Block still carrying a tag with the given name.
func FindByTag(roots []api.Node, name string) []api.Node {
	return FindAll(roots, func(n, _ api.Node) bool {
		b, ok := n.(*api.Block)
		if !ok {
			return false
		}
		for _, t := range b.Tags {
			if t.Name == name {
				return true
			}
		}
		return false
	})
}

// FindByProperty returns every Block carrying a property with the given
// name.
func FindByProperty(roots []api.Node, name string) []api.Node {
	return FindAll(roots, func(n, _ api.Node) bool {
		b, ok := n.(*api.Block)
		if !ok || b.Properties == nil {
			return false
		}
		_, present := b.Properties.Get(name)
		return present
	})
}

// Ancestors returns the chain of ancestors (nearest first) for target,
// or nil if target is not reachable from roots.
func Ancestors(roots []api.Node, target api.Node) []api.Node {
	var chain []api.Node
	Walk(roots, PreOrder, nil, func(n, parent api.Node, ancestors []api.Node) Control {
		if n == target {
			chain = ancestors
			return Stop
		}
		return Continue
	})
	return chain
}
