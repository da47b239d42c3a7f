// Package datasource is the Data-Source Processor (component F): it
// discovers every <on-data> node, validates its source name
// against the transaction, computes a dependency-level execution plan,
// and runs each level with a settle-all fetch policy.
package datasource

import (
	"context"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/the-ox-studio/oxdef/api"
	"github.com/the-ox-studio/oxdef/internal/txn"
)

// discovered is one <on-data> node plus the parent source name it is
// nested under, if any (an OnDataNode inside another's OnSuccess).
type discovered struct {
	node *api.OnDataNode
	parent string // "" if top-level
}

// Plan is the computed execution schedule: sources grouped by level, 0
// first.
type Plan struct {
	levels [][]string
	nodes map[string]*api.OnDataNode
}

// Discover walks document.Templates and document.Blocks (and every
// nested template-construct body) to find every <on-data>, tracking
// parent→child nesting for dependency-level computation.
func Discover(doc *api.Document) []discovered {
	var out []discovered
	var visit func(nodes []api.Node, parentSource string)
	visit = func(nodes []api.Node, parentSource string) {
		for _, n := range nodes {
			switch v := n.(type) {
			case *api.OnDataNode:
				out = append(out, discovered{node: v, parent: parentSource})
				visit(v.OnSuccess, v.SourceName)
				visit(v.OnError, parentSource)
			case *api.Block:
				visit(v.Children, parentSource)
			case *api.IfNode:
				visit(v.Then, parentSource)
				for _, ei := range v.ElseIfs {
					visit(ei.Body, parentSource)
				}
				visit(v.Else, parentSource)
			case *api.ForeachNode:
				visit(v.Body, parentSource)
			case *api.WhileNode:
				visit(v.Body, parentSource)
			}
		}
	}
	visit(blocksToNodes(doc.Blocks), "")
	visit(doc.Templates, "")
	return out
}

func blocksToNodes(blocks []*api.Block) []api.Node {
	out := make([]api.Node, len(blocks))
	for i, b := range blocks {
		out[i] = b
	}
	return out
}

// BuildPlan validates every discovered source against t and computes its
// dependency level: 0 if it has no parent source,
// otherwise 1 + max(parent levels). A cycle in the nesting chain raises
// CircularDataSourceDependency.
func BuildPlan(discoveries []discovered, t *txn.Transaction) (*Plan, api.Diagnostics) {
	nodes := make(map[string]*api.OnDataNode, len(discoveries))
	parentOf := make(map[string]string, len(discoveries))
	var diags api.Diagnostics

	for _, d := range discoveries {
		name := d.node.SourceName
		if !t.HasDataSource(name) {
			diags = append(diags, api.NewDiagnostic(api.KindUndefinedDataSource, d.node.Loc, "undefined data source "+name))
			continue
		}
		nodes[name] = d.node
		if d.parent != "" {
			parentOf[name] = d.parent
		}
	}
	if diags.HasErrors() {
		return nil, diags
	}

	levelOf := make(map[string]int, len(nodes))
	// visiting tracks the in-progress recursion chain; order preserves the
	// visit order so a reported cycle is reproducible across runs instead
	// of depending on Go's randomized map iteration.
	var levelFor func(name string, visiting map[string]bool, order []string) (int, *api.Diagnostic)
	levelFor = func(name string, visiting map[string]bool, order []string) (int, *api.Diagnostic) {
		if lvl, ok := levelOf[name]; ok {
			return lvl, nil
		}
		if visiting[name] {
			return 0, api.NewDiagnostic(api.KindCircularDataSourceDependency, nodes[name].Loc, "circular data-source dependency").
				WithDetail(strings.Join(append(order, name), " → "))
		}
		parent, hasParent := parentOf[name]
		if !hasParent {
			levelOf[name] = 0
			return 0, nil
		}
		nextVisiting := make(map[string]bool, len(visiting)+1)
		for k := range visiting {
			nextVisiting[k] = true
		}
		nextVisiting[name] = true
		nextOrder := make([]string, len(order), len(order)+1)
		copy(nextOrder, order)
		nextOrder = append(nextOrder, name)
		pLevel, d := levelFor(parent, nextVisiting, nextOrder)
		if d != nil {
			return 0, d
		}
		lvl := pLevel + 1
		levelOf[name] = lvl
		return lvl, nil
	}

	for name := range nodes {
		if _, d := levelFor(name, map[string]bool{}, nil); d != nil {
			diags = append(diags, d)
		}
	}
	if diags.HasErrors() {
		return nil, diags
	}

	maxLevel := 0
	for _, lvl := range levelOf {
		if lvl > maxLevel {
			maxLevel = lvl
		}
	}
	byLevel := make([][]string, maxLevel+1)
	for name, lvl := range levelOf {
		byLevel[lvl] = append(byLevel[lvl], name)
	}
	return &Plan{levels: byLevel, nodes: nodes}, nil
}

// Execute runs the plan level by level, each level's sources fetched
// concurrently via errgroup in settle-all mode: a source's failure is
// captured into the transaction's per-source error cache and never
// cancels its level-mates.
func Execute(ctx context.Context, plan *Plan, t *txn.Transaction) {
	for _, names := range plan.levels {
		if len(names) == 0 {
			continue
		}
		g, gctx := errgroup.WithContext(ctx)
		for _, name := range names {
			name := name
			g.Go(func() error {
				_, _ = t.Fetch(gctx, name)
				return nil
			})
		}
		_ = g.Wait()
	}
}
