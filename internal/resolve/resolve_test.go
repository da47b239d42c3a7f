package resolve

import (
	"testing"

	"github.com/the-ox-studio/oxdef/api"
	"github.com/the-ox-studio/oxdef/internal/parser"
)

type fakeScope map[string]api.Value

func (s fakeScope) GetVariable(name string) (api.Value, bool) {
	v, ok := s[name]
	return v, ok
}

func parseRoots(t *testing.T, src string) []api.Node {
	t.Helper()
	doc, err := parser.ParseDocument("test.ox", []byte(src), api.NewIDAllocator())
	if err != nil {
		t.Fatalf("unexpected parse error: %s", err.Msg)
	}
	roots := make([]api.Node, len(doc.Blocks))
	for i, b := range doc.Blocks {
		roots[i] = b
	}
	return roots
}

func numberProp(t *testing.T, b *api.Block, name string) float64 {
	t.Helper()
	v, ok := b.Properties.Get(name)
	if !ok {
		t.Fatalf("block %s missing property %s", b.ID, name)
	}
	lit, ok := v.(*api.Literal)
	if !ok || lit.Kind != api.LiteralNumber {
		t.Fatalf("property %s = %+v, want number literal", name, v)
	}
	return lit.Num
}

func TestResolveDollarParentAccess(t *testing.T) {
	roots := parseRoots(t, `[Base(x: 10) [Item(total: ($parent.x + 5))]]`)
	diags := Resolve(roots, fakeScope{})
	if diags.HasErrors() {
		t.Fatalf("unexpected diagnostics: %v", diags)
	}
	base := roots[0].(*api.Block)
	item := base.Children[0].(*api.Block)
	if got := numberProp(t, item, "total"); got != 15 {
		t.Errorf("total = %v, want 15", got)
	}
}

func TestResolveDollarNamedSiblingAccess(t *testing.T) {
	roots := parseRoots(t, `[Base(x: 10)]
[Item(total: ($Base.x + 5))]`)
	diags := Resolve(roots, fakeScope{})
	if diags.HasErrors() {
		t.Fatalf("unexpected diagnostics: %v", diags)
	}
	item := roots[1].(*api.Block)
	if got := numberProp(t, item, "total"); got != 15 {
		t.Errorf("total = %v, want 15", got)
	}
}

func TestResolveDollarThisAccess(t *testing.T) {
	roots := parseRoots(t, `[Item(x: 4, doubled: ($this.x * 2))]`)
	diags := Resolve(roots, fakeScope{})
	if diags.HasErrors() {
		t.Fatalf("unexpected diagnostics: %v", diags)
	}
	item := roots[0].(*api.Block)
	if got := numberProp(t, item, "doubled"); got != 8 {
		t.Errorf("doubled = %v, want 8", got)
	}
}

func TestResolveDollarChildrenIndexAccess(t *testing.T) {
	roots := parseRoots(t, `[Base(sum: ($this.children[0].v + $this.children[1].v)) [A(v: 1)] [B(v: 2)]]`)
	diags := Resolve(roots, fakeScope{})
	if diags.HasErrors() {
		t.Fatalf("unexpected diagnostics: %v", diags)
	}
	base := roots[0].(*api.Block)
	if got := numberProp(t, base, "sum"); got != 3 {
		t.Errorf("sum = %v, want 3", got)
	}
}

func TestResolveParentOfRootErrors(t *testing.T) {
	roots := parseRoots(t, `[Item(bad: ($parent.x))]`)
	diags := Resolve(roots, fakeScope{})
	if !diags.HasErrors() {
		t.Fatal("expected a NoParentBlock diagnostic for a root block's $parent")
	}
	if diags[0].Kind != api.KindNoParentBlock {
		t.Errorf("kind = %v, want KindNoParentBlock", diags[0].Kind)
	}
}

func TestResolveUndefinedNamedBlockErrors(t *testing.T) {
	roots := parseRoots(t, `[Item(bad: ($Missing.x))]`)
	diags := Resolve(roots, fakeScope{})
	if !diags.HasErrors() {
		t.Fatal("expected a BlockNotFound diagnostic")
	}
	if diags[0].Kind != api.KindBlockNotFound {
		t.Errorf("kind = %v, want KindBlockNotFound", diags[0].Kind)
	}
}

func TestResolveUndefinedPropertyErrors(t *testing.T) {
	roots := parseRoots(t, `[Item(bad: ($this.missing))]`)
	diags := Resolve(roots, fakeScope{})
	if !diags.HasErrors() {
		t.Fatal("expected a PropertyNotFound diagnostic")
	}
	if diags[0].Kind != api.KindPropertyNotFound {
		t.Errorf("kind = %v, want KindPropertyNotFound", diags[0].Kind)
	}
}
