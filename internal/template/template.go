// Package template is the Template Expander (component H): it walks
// document.templates and document.blocks, expanding every
// <set>/<if>/<foreach>/<while>/<on-data> construct and firing the
// onWalk macro hook per block, leaving a flat tree of Blocks and
// FreeText nodes with $-free properties already evaluated (resolving
// $-bearing ones is the two-pass resolver's job, not this package's).
package template

import (
	"github.com/the-ox-studio/oxdef/api"
	"github.com/the-ox-studio/oxdef/internal/clone"
	"github.com/the-ox-studio/oxdef/internal/eval"
	"github.com/the-ox-studio/oxdef/internal/macro"
	"github.com/the-ox-studio/oxdef/internal/txn"
)

// InjectFunc resolves a nested <inject "path"> to the already-expanded
// node list it should splice in; the project layer (component K) owns
// the actual file loading and recursive preprocessing, so this package
// only needs the callback shape.
type InjectFunc func(path string, loc api.Location) ([]api.Node, api.Diagnostics)

// Expander runs the expansion pass against one transaction.
type Expander struct {
	Txn *txn.Transaction
	Macro *macro.System
	Ids *api.IDAllocator
	Cfg api.Config
	Inject InjectFunc

	// errDollar is non-nil only while expanding an <on-error> body,
	// where $error must resolve eagerly: the binding is gone by the
	// time the two-pass resolver runs over the flattened tree.
	errDollar eval.DollarHandler
}

func New(t *txn.Transaction, m *macro.System, ids *api.IDAllocator, cfg api.Config, inject InjectFunc) *Expander {
	return &Expander{Txn: t, Macro: m, Ids: ids, Cfg: cfg, Inject: inject}
}

// Expand runs the top-level iteration: every document.blocks and
// document.templates entry expands independently, each getting a fresh
// manually-processed set.
func (e *Expander) Expand(doc *api.Document) ([]api.Node, api.Diagnostics) {
	var diags api.Diagnostics
	var out []api.Node

	for _, b := range doc.Blocks {
		e.Macro.ResetForTopLevelExpansion()
		nodes, d := e.expandNode(b, nil)
		diags = append(diags, d...)
		out = append(out, nodes...)
	}
	for _, n := range doc.Templates {
		e.Macro.ResetForTopLevelExpansion()
		nodes, d := e.expandNode(n, nil)
		diags = append(diags, d...)
		out = append(out, nodes...)
	}
	return out, diags
}

func (e *Expander) expandNodes(nodes []api.Node, parent api.Node) ([]api.Node, api.Diagnostics) {
	var diags api.Diagnostics
	var out []api.Node
	for _, n := range nodes {
		nodes, d := e.expandNode(n, parent)
		diags = append(diags, d...)
		out = append(out, nodes...)
	}
	return out, diags
}

func (e *Expander) expandNode(n api.Node, parent api.Node) ([]api.Node, api.Diagnostics) {
	switch v := n.(type) {
	case *api.Block:
		return e.expandBlock(v, parent)
	case *api.SetNode:
		return e.expandSet(v)
	case *api.IfNode:
		return e.expandIf(v, parent)
	case *api.ForeachNode:
		return e.expandForeach(v, parent)
	case *api.WhileNode:
		return e.expandWhile(v, parent)
	case *api.OnDataNode:
		return e.expandOnData(v, parent)
	case *api.InjectNode:
		if e.Inject == nil {
			return nil, nil
		}
		return e.Inject(v.Path, v.Loc)
	case *api.FreeTextNode:
		return []api.Node{v}, nil
	case *api.ImportNode:
		// Imports only ever appear in document.Imports, never nested
		// in a body; reached only if a future grammar change allows it.
		return nil, nil
	default:
		return []api.Node{n}, nil
	}
}

// resolveValue evaluates v if it's an unresolved Expression. Dollar
// references have no meaning during expansion (the block registry they
// resolve against doesn't exist until the resolver's pass 1 runs), so a
// $ reaching the evaluator here raises UnresolvedReference, except
// inside an <on-error> body, where e.errDollar resolves $error.
func (e *Expander) resolveValue(v api.Value) (api.Value, *api.Diagnostic) {
	expr, ok := v.(*api.Expression)
	if !ok {
		return v, nil
	}
	if expr.HasDollar() && e.errDollar != nil {
		return eval.Eval(expr.Tokens, expr.Loc, e.Txn, e.errDollar)
	}
	return eval.Eval(expr.Tokens, expr.Loc, e.Txn, nil)
}

// evaluateProperties evaluates every $-free Expression property in
// place, leaving Expressions that contain $ deferred to the resolver
// unless e.errDollar is installed (inside an <on-error> body, where
// $error must be resolved now, not on pass 2).
func (e *Expander) evaluateProperties(b *api.Block) api.Diagnostics {
	var diags api.Diagnostics
	if b.Properties == nil {
		return diags
	}
	for pair := b.Properties.Oldest(); pair != nil; pair = pair.Next() {
		expr, ok := pair.Value.(*api.Expression)
		if !ok {
			continue
		}
		if expr.HasDollar() && e.errDollar == nil {
			continue
		}
		v, err := eval.Eval(expr.Tokens, expr.Loc, e.Txn, e.errDollar)
		if err != nil {
			diags = append(diags, err)
			continue
		}
		b.Properties.Set(pair.Key, v)
	}
	return diags
}

// expandBlock evaluates b's own $-free properties, fires onWalk (if
// present), then auto-processes every child not already manually
// processed via the cursor, preserving original child order and
// splicing each child's expansion result in place.
func (e *Expander) expandBlock(b *api.Block, parent api.Node) ([]api.Node, api.Diagnostics) {
	diags := e.evaluateProperties(b)

	manualResults := make(map[api.NodeID][]api.Node)
	invoke := func(child, childParent api.Node) error {
		nodes, d := e.expandNode(child, childParent)
		diags = append(diags, d...)
		manualResults[child.NodeID()] = nodes
		return nil
	}
	if merr := e.Macro.RunOnWalk(b, parent, invoke); merr != nil {
		diags = append(diags, merr)
		return []api.Node{b}, diags
	}

	var newChildren []api.Node
	for _, child := range b.Children {
		if e.Macro.IsManuallyProcessed(child) {
			newChildren = append(newChildren, manualResults[child.NodeID()]...)
			continue
		}
		nodes, d := e.expandNode(child, b)
		diags = append(diags, d...)
		newChildren = append(newChildren, nodes...)
	}
	b.Children = newChildren
	return []api.Node{b}, diags
}

// expandSet evaluates the value and assigns it to the named variable,
// emitting no nodes.
func (e *Expander) expandSet(n *api.SetNode) ([]api.Node, api.Diagnostics) {
	v, err := e.resolveValue(n.Value)
	if err != nil {
		return nil, api.Diagnostics{err}
	}
	e.Txn.SetVariable(n.Name, v)
	return nil, nil
}

// expandIf evaluates the primary condition, then each elseif in order,
// falling back to else; the chosen branch's body expands in place of
// the construct.
func (e *Expander) expandIf(n *api.IfNode, parent api.Node) ([]api.Node, api.Diagnostics) {
	v, err := e.resolveValue(n.Condition)
	if err != nil {
		return nil, api.Diagnostics{err}
	}
	if eval.ToBool(v) {
		return e.expandNodes(n.Then, parent)
	}
	for _, ei := range n.ElseIfs {
		v, err := e.resolveValue(ei.Condition)
		if err != nil {
			return nil, api.Diagnostics{err}
		}
		if eval.ToBool(v) {
			return e.expandNodes(ei.Body, parent)
		}
	}
	return e.expandNodes(n.Else, parent)
}

// expandForeach binds item (and index, if requested) for each element
// of the named collection variable, cloning the body fresh per
// iteration so NodeIDs stay unique, then restores whatever bindings
// existed before the loop.
func (e *Expander) expandForeach(n *api.ForeachNode, parent api.Node) ([]api.Node, api.Diagnostics) {
	var diags api.Diagnostics
	coll, ok := e.Txn.GetVariable(n.Collection)
	arr, isArr := coll.(*api.Array)
	if !ok || !isArr {
		diags = append(diags, api.NewDiagnostic(api.KindInvalidForeachCollection, n.Loc, "foreach collection "+n.Collection+" is not an array"))
		return nil, diags
	}

	prevItem, hadItem := e.Txn.GetVariable(n.Item)
	var prevIndex api.Value
	var hadIndex bool
	if n.HasIndex {
		prevIndex, hadIndex = e.Txn.GetVariable(n.Index)
	}

	var out []api.Node
	for i, el := range arr.Elements {
		e.Txn.SetVariable(n.Item, el)
		if n.HasIndex {
			e.Txn.SetVariable(n.Index, api.NewNumberLiteral(float64(i), n.Loc))
		}
		body := clone.Nodes(n.Body, e.Ids)
		nodes, d := e.expandNodes(body, parent)
		diags = append(diags, d...)
		out = append(out, nodes...)
	}

	if hadItem {
		e.Txn.SetVariable(n.Item, prevItem)
	} else {
		e.Txn.DeleteVariable(n.Item)
	}
	if n.HasIndex {
		if hadIndex {
			e.Txn.SetVariable(n.Index, prevIndex)
		} else {
			e.Txn.DeleteVariable(n.Index)
		}
	}
	return out, diags
}

// expandWhile re-evaluates condition before each iteration, cloning the
// body fresh each time, and fails with MaxIterationsExceeded past the
// configured cap.
func (e *Expander) expandWhile(n *api.WhileNode, parent api.Node) ([]api.Node, api.Diagnostics) {
	var diags api.Diagnostics
	var out []api.Node
	max := e.Cfg.MaxWhileIterations
	for i := 0; ; i++ {
		if i >= max {
			diags = append(diags, api.NewDiagnostic(api.KindMaxIterationsExceeded, n.Loc, "while loop exceeded the maximum iteration count"))
			return out, diags
		}
		v, err := e.resolveValue(n.Condition)
		if err != nil {
			diags = append(diags, err)
			return out, diags
		}
		if !eval.ToBool(v) {
			return out, diags
		}
		body := clone.Nodes(n.Body, e.Ids)
		nodes, d := e.expandNodes(body, parent)
		diags = append(diags, d...)
		out = append(out, nodes...)
	}
}

// expandOnData requires the named source to have already run (the
// data-source processor schedules every discovered source ahead of
// template expansion); it binds the fetched payload under the source
// name for a success branch, restoring whatever binding existed before,
// or installs errDollar so an error branch can resolve $error.message
// and $error.code.
func (e *Expander) expandOnData(n *api.OnDataNode, parent api.Node) ([]api.Node, api.Diagnostics) {
	if !e.Txn.WasExecuted(n.SourceName) {
		return nil, api.Diagnostics{
			api.NewDiagnostic(api.KindDataSourceNotExecuted, n.Loc, "data source "+n.SourceName+" was never executed"),
		}
	}

	if e.Txn.IsSuccessful(n.SourceName) {
		raw, _ := e.Txn.GetData(n.SourceName)
		prev, had := e.Txn.GetVariable(n.SourceName)
		e.Txn.SetVariable(n.SourceName, api.ToValue(raw, n.Loc))
		out, diags := e.expandNodes(n.OnSuccess, parent)
		if had {
			e.Txn.SetVariable(n.SourceName, prev)
		} else {
			e.Txn.DeleteVariable(n.SourceName)
		}
		return out, diags
	}

	diag, _ := e.Txn.GetError(n.SourceName)

	prevDollar := e.errDollar
	e.errDollar = &errorDollarHandler{diag: diag}
	out, diags := e.expandNodes(n.OnError, parent)
	e.errDollar = prevDollar

	return out, diags
}

// errorDollarHandler resolves $error.message and $error.code against
// the fetch diagnostic that triggered an <on-error> branch. Installed
// only for the duration of that branch's expansion (see expandOnData);
// any other $-reference is out of scope here and reports
// KindInvalidReference, leaving $this/$parent/$Name to the resolver.
type errorDollarHandler struct {
	diag *api.Diagnostic
}

func (h *errorDollarHandler) ResolveDollar(toks []api.Token, loc api.Location) (api.Value, int, *api.Diagnostic) {
	pos := 0
	if pos >= len(toks) || toks[pos].Kind != api.TokenDollar {
		return nil, 0, api.NewDiagnostic(api.KindInvalidReference, loc, "expected '$' to start reference")
	}
	pos++
	if pos >= len(toks) || toks[pos].Kind != api.TokenIdent || toks[pos].Value != "error" {
		return nil, 0, api.NewDiagnostic(api.KindInvalidReference, loc, "only $error is available inside an on-error body")
	}
	pos++
	if pos >= len(toks) || toks[pos].Kind != api.TokenDot {
		return nil, 0, api.NewDiagnostic(api.KindExpectedPropertyName, loc, "expected '.' after $error")
	}
	pos++
	if pos >= len(toks) || toks[pos].Kind != api.TokenIdent {
		return nil, 0, api.NewDiagnostic(api.KindExpectedPropertyName, loc, "expected a property name after $error.")
	}
	field := toks[pos].Value
	loc = toks[pos].Loc
	pos++

	switch field {
	case "message":
		if h.diag == nil {
			return api.NewStringLiteral("", loc), pos, nil
		}
		return api.NewStringLiteral(h.diag.Summary, loc), pos, nil
	case "code":
		if h.diag == nil {
			return api.NewStringLiteral("", loc), pos, nil
		}
		return api.NewStringLiteral(string(h.diag.Kind), loc), pos, nil
	default:
		return nil, 0, api.NewDiagnostic(api.KindPropertyNotFound, loc, "no property "+field+" on $error")
	}
}
