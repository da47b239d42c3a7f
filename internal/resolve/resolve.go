// Package resolve is the Two-Pass Reference Resolver (component I): pass
// one walks the fully template-expanded tree to build a block registry
// (parent, index among siblings, children, siblings, literal properties);
// pass two installs a DollarHandler over internal/eval that consults the
// registry to resolve $this, $parent, and $BlockId references, including
// .parent/.children chains and [index] array access.
package resolve

import (
	"github.com/the-ox-studio/oxdef/api"
	"github.com/the-ox-studio/oxdef/internal/eval"
)

// Entry is one block's registry record.
type Entry struct {
	Block *api.Block
	Parent *Entry
	IndexInParent int
	Children []*Entry
	Siblings []*Entry
	LiteralProperties map[string]api.Value
}

// Registry is the pass-1 product: every block reachable from the
// top-level roots, keyed by its *api.Block identity.
type Registry struct {
	entries map[*api.Block]*Entry
	roots []*Entry
}

// BuildRegistry walks roots in document order, creating one Entry per
// Block. FreeText nodes carry no properties or id and are not registered.
func BuildRegistry(roots []api.Node) *Registry {
	reg := &Registry{entries: make(map[*api.Block]*Entry)}
	reg.roots = reg.walkLevel(roots, nil)
	return reg
}

func (r *Registry) walkLevel(nodes []api.Node, parent *Entry) []*Entry {
	var level []*Entry
	for i, n := range nodes {
		b, ok := n.(*api.Block)
		if !ok {
			continue
		}
		e := &Entry{Block: b, Parent: parent, IndexInParent: i, LiteralProperties: literalProperties(b)}
		r.entries[b] = e
		level = append(level, e)
	}
	for _, e := range level {
		e.Siblings = siblingsOf(e, level)
		e.Children = r.walkLevel(e.Block.Children, e)
	}
	return level
}

func siblingsOf(self *Entry, level []*Entry) []*Entry {
	out := make([]*Entry, 0, len(level)-1)
	for _, e := range level {
		if e != self {
			out = append(out, e)
		}
	}
	return out
}

func literalProperties(b *api.Block) map[string]api.Value {
	out := make(map[string]api.Value)
	for pair := b.Properties.Oldest(); pair != nil; pair = pair.Next() {
		if _, isExpr := pair.Value.(*api.Expression); isExpr {
			continue
		}
		out[pair.Key] = pair.Value
	}
	return out
}

// EntryFor looks up the registry entry for a block, if any.
func (r *Registry) EntryFor(b *api.Block) (*Entry, bool) {
	e, ok := r.entries[b]
	return e, ok
}

func (r *Registry) findNamed(siblingsLevel []*Entry, name string) (*Entry, bool) {
	for _, e := range siblingsLevel {
		if e.Block.ID == name {
			return e, true
		}
	}
	return nil, false
}

// levelOf returns the full sibling level (including self) a named lookup
// searches: the parent's children, or the registry's roots at top level.
func (r *Registry) levelOf(e *Entry) []*Entry {
	if e.Parent != nil {
		return e.Parent.Children
	}
	return r.roots
}

// ref is the chain-walking state: either a block reference, a children
// array (a list of block references, addressable but not yet a terminal
// Value), or a terminal resolved Value.
type ref struct {
	entry *Entry
	childList []*Entry
	value api.Value
}

// Handler is the pass-2 DollarHandler: one fresh instance per block being
// evaluated, closing over that block's registry entry and the variable
// scope expressions may reference inside an index sub-expression.
type Handler struct {
	Registry *Registry
	Current *Entry
	Scope api.VarReader
}

// NewHandler builds the pass-2 dollar handler for the block currently
// being evaluated.
func NewHandler(reg *Registry, current *Entry, scope api.VarReader) *Handler {
	return &Handler{Registry: reg, Current: current, Scope: scope}
}

func (h *Handler) ResolveDollar(toks []api.Token, loc api.Location) (api.Value, int, *api.Diagnostic) {
	pos := 0
	cur := func() api.Token {
		if pos >= len(toks) {
			return api.Token{Kind: api.TokenEOF, Loc: loc}
		}
		return toks[pos]
	}
	advance := func() api.Token {
		t := cur()
		if pos < len(toks) {
			pos++
		}
		return t
	}

	if cur().Kind != api.TokenDollar {
		return nil, 0, api.NewDiagnostic(api.KindInvalidReference, loc, "expected '$' to start reference")
	}
	advance()

	if cur().Kind != api.TokenIdent {
		return nil, 0, api.NewDiagnostic(api.KindInvalidReference, loc, "expected identifier after '$'")
	}
	name := advance()

	var state ref
	switch {
	case name.Value == "this":
		state = ref{entry: h.Current}
	case name.Value == "parent":
		if h.Current.Parent == nil {
			return nil, 0, api.NewDiagnostic(api.KindNoParentBlock, name.Loc, "block has no parent")
		}
		state = ref{entry: h.Current.Parent}
	case isUpper(name.Value):
		e, ok := h.Registry.findNamed(h.Registry.levelOf(h.Current), name.Value)
		if !ok {
			return nil, 0, api.NewDiagnostic(api.KindBlockNotFound, name.Loc, "no block named "+name.Value)
		}
		state = ref{entry: e}
	default:
		return nil, 0, api.NewDiagnostic(api.KindInvalidReference, name.Loc, "invalid reference $"+name.Value)
	}

	for {
		switch cur().Kind {
		case api.TokenDot:
			advance()
			if cur().Kind != api.TokenIdent {
				return nil, 0, api.NewDiagnostic(api.KindExpectedPropertyName, cur().Loc, "expected property name after '.'")
			}
			field := advance()
			var d *api.Diagnostic
			state, d = h.stepDot(state, field)
			if d != nil {
				return nil, 0, d
			}
		case api.TokenLBracket:
			advance()
			start := pos
			depth := 1
			for depth > 0 {
				switch cur().Kind {
				case api.TokenLBracket, api.TokenLParen, api.TokenLBrace:
					depth++
				case api.TokenRBracket, api.TokenRParen, api.TokenRBrace:
					depth--
					if depth == 0 {
						break
					}
				case api.TokenEOF:
					return nil, 0, api.NewDiagnostic(api.KindInvalidReference, cur().Loc, "unterminated index expression")
				}
				if depth == 0 {
					break
				}
				advance()
			}
			subtoks := toks[start:pos]
			if cur().Kind != api.TokenRBracket {
				return nil, 0, api.NewDiagnostic(api.KindInvalidReference, cur().Loc, "expected ']'")
			}
			closeLoc := advance().Loc
			idxVal, d := eval.Eval(subtoks, closeLoc, h.Scope, h)
			if d != nil {
				return nil, 0, d
			}
			var stepErr *api.Diagnostic
			state, stepErr = h.stepIndex(state, idxVal, closeLoc)
			if stepErr != nil {
				return nil, 0, stepErr
			}
		default:
			goto done
		}
	}
done:

	if state.value == nil {
		return nil, 0, api.NewDiagnostic(api.KindIncompleteReference, loc, "reference does not resolve to a value")
	}
	return state.value, pos, nil
}

func (h *Handler) stepDot(state ref, field api.Token) (ref, *api.Diagnostic) {
	switch {
	case state.entry != nil:
		switch field.Value {
		case "parent":
			if state.entry.Parent == nil {
				return ref{}, api.NewDiagnostic(api.KindNoParentBlock, field.Loc, "block has no parent")
			}
			return ref{entry: state.entry.Parent}, nil
		case "children":
			return ref{childList: state.entry.Children}, nil
		default:
			v, ok := state.entry.LiteralProperties[field.Value]
			if !ok {
				return ref{}, api.NewDiagnostic(api.KindPropertyNotFound, field.Loc, "no property "+field.Value)
			}
			return ref{value: v}, nil
		}
	default:
		return ref{}, api.NewDiagnostic(api.KindPropertyNotFound, field.Loc, "no property "+field.Value)
	}
}

func (h *Handler) stepIndex(state ref, idxVal api.Value, loc api.Location) (ref, *api.Diagnostic) {
	idx, ok := indexOf(idxVal)
	if !ok {
		return ref{}, api.NewDiagnostic(api.KindInvalidIndexAccess, loc, "index must be a number")
	}
	switch {
	case state.childList != nil:
		if idx < 0 || idx >= len(state.childList) {
			return ref{}, api.NewDiagnostic(api.KindInvalidIndexAccess, loc, "child index out of range")
		}
		return ref{entry: state.childList[idx]}, nil
	case state.value != nil:
		arr, ok := state.value.(*api.Array)
		if !ok {
			return ref{}, api.NewDiagnostic(api.KindInvalidIndexAccess, loc, "value is not indexable")
		}
		if idx < 0 || idx >= len(arr.Elements) {
			return ref{}, api.NewDiagnostic(api.KindInvalidIndexAccess, loc, "index out of range")
		}
		return ref{value: arr.Elements[idx]}, nil
	default:
		return ref{}, api.NewDiagnostic(api.KindInvalidIndexAccess, loc, "block reference is not indexable")
	}
}

func indexOf(v api.Value) (int, bool) {
	lit, ok := v.(*api.Literal)
	if !ok || lit.Kind != api.LiteralNumber {
		return 0, false
	}
	return int(lit.Num), true
}

func isUpper(s string) bool {
	if s == "" {
		return false
	}
	c := s[0]
	return c >= 'A' && c <= 'Z'
}

// Resolve runs both passes over roots: pass 1 builds the registry, pass 2
// re-evaluates every Expression property (the ones the template expander
// deferred because they carried a $ reference) via a fresh per-block
// Handler.
func Resolve(roots []api.Node, scope api.VarReader) api.Diagnostics {
	reg := BuildRegistry(roots)
	var diags api.Diagnostics
	var visit func(nodes []api.Node)
	visit = func(nodes []api.Node) {
		for _, n := range nodes {
			b, ok := n.(*api.Block)
			if !ok {
				continue
			}
			entry, _ := reg.EntryFor(b)
			handler := NewHandler(reg, entry, scope)
			for pair := b.Properties.Oldest(); pair != nil; pair = pair.Next() {
				expr, isExpr := pair.Value.(*api.Expression)
				if !isExpr {
					continue
				}
				v, d := eval.Eval(expr.Tokens, expr.Loc, scope, handler)
				if d != nil {
					diags = append(diags, d)
					continue
				}
				b.Properties.Set(pair.Key, v)
				entry.LiteralProperties[pair.Key] = v
			}
			visit(b.Children)
		}
	}
	visit(roots)
	return diags
}
