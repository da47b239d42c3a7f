package ox

import (
	"context"
	"errors"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"

	"github.com/the-ox-studio/oxdef/api"
)

func propRaw(t *testing.T, b *api.Block, name string) any {
	t.Helper()
	v, ok := b.Properties.Get(name)
	if !ok {
		t.Fatalf("block %s missing property %s", b.ID, name)
	}
	lit, ok := v.(*api.Literal)
	if !ok {
		t.Fatalf("property %s = %+v, not a literal", name, v)
	}
	return lit.Raw()
}

func TestPreprocessSimpleBlock(t *testing.T) {
	doc, diags := Preprocess(context.Background(), []byte(`[Widget(name: "gizmo", count: (2 + 3))]`), "test.ox", api.Host{}, api.DefaultConfig())
	if diags.HasErrors() {
		t.Fatalf("unexpected diagnostics: %v", diags)
	}
	if len(doc.Blocks) != 1 {
		t.Fatalf("blocks = %d, want 1", len(doc.Blocks))
	}
	if got := propRaw(t, doc.Blocks[0], "count"); got != float64(5) {
		t.Errorf("count = %v, want 5", got)
	}
}

func TestPreprocessTagDefinitionAndCompositionFlow(t *testing.T) {
	src := `@base [(kind: "widget")]
#base [Thing(name: "override")]`
	doc, diags := Preprocess(context.Background(), []byte(src), "test.ox", api.Host{}, api.DefaultConfig())
	if diags.HasErrors() {
		t.Fatalf("unexpected diagnostics: %v", diags)
	}
	if len(doc.Blocks) != 1 {
		t.Fatalf("blocks = %d, want 1 (definition dropped)", len(doc.Blocks))
	}
	thing := doc.Blocks[0]
	if got := propRaw(t, thing, "name"); got != "override" {
		t.Errorf("name = %v, want override", got)
	}
	if got := propRaw(t, thing, "kind"); got != "widget" {
		t.Errorf("kind = %v, want widget", got)
	}
}

func TestPreprocessForeachExpandsPerElement(t *testing.T) {
	src := `<set items = {1, 2, 3}>
<foreach(n in items)>
[Row(value: (n))]
</foreach>`
	doc, diags := Preprocess(context.Background(), []byte(src), "test.ox", api.Host{}, api.DefaultConfig())
	if diags.HasErrors() {
		t.Fatalf("unexpected diagnostics: %v", diags)
	}
	if len(doc.Blocks) != 3 {
		t.Fatalf("blocks = %d, want 3", len(doc.Blocks))
	}
}

func TestPreprocessDataSourceSuccessBindsPayload(t *testing.T) {
	src := `<on-data widgets>
[Row(value: (widgets))]
</on-data>`
	host := api.Host{DataSources: map[string]any{
		"widgets": api.DataSourceFunc(func(ctx context.Context) (any, error) { return "fetched", nil }),
	}}
	doc, diags := Preprocess(context.Background(), []byte(src), "test.ox", host, api.DefaultConfig())
	if diags.HasErrors() {
		t.Fatalf("unexpected diagnostics: %v", diags)
	}
	if len(doc.Blocks) != 1 {
		t.Fatalf("blocks = %d, want 1", len(doc.Blocks))
	}
	if got := propRaw(t, doc.Blocks[0], "value"); got != "fetched" {
		t.Errorf("value = %v, want fetched", got)
	}
}

func TestPreprocessDataSourceErrorPathBindsErrorMessage(t *testing.T) {
	src := `<on-data users>
[UserList]
<on-error>
[ErrorBox(msg: ($error.message))]
</on-error>
</on-data>`
	host := api.Host{DataSources: map[string]any{
		"users": api.DataSourceFunc(func(ctx context.Context) (any, error) { return nil, errors.New("boom") }),
	}}
	doc, diags := Preprocess(context.Background(), []byte(src), "test.ox", host, api.DefaultConfig())
	if diags.HasErrors() {
		t.Fatalf("unexpected diagnostics: %v", diags)
	}
	if len(doc.Blocks) != 1 || doc.Blocks[0].ID != "ErrorBox" {
		t.Fatalf("blocks = %v, want exactly one ErrorBox (UserList must not appear)", doc.Blocks)
	}
	if got := propRaw(t, doc.Blocks[0], "msg"); got != "data source users failed" {
		t.Errorf("msg = %v, want the fetch diagnostic's summary", got)
	}
}

func TestPreprocessReferenceResolverDollarParent(t *testing.T) {
	src := `[Base(x: 10) [Item(total: ($parent.x + 5))]]`
	doc, diags := Preprocess(context.Background(), []byte(src), "test.ox", api.Host{}, api.DefaultConfig())
	if diags.HasErrors() {
		t.Fatalf("unexpected diagnostics: %v", diags)
	}
	item := doc.Blocks[0].Children[0].(*api.Block)
	if got := propRaw(t, item, "total"); got != float64(15) {
		t.Errorf("total = %v, want 15", got)
	}
}

func TestPreprocessOnParseFinishShortCircuitsPipeline(t *testing.T) {
	host := api.Host{
		OnParse: func(doc *api.Document, w api.WalkFunc, finish func()) error {
			finish()
			return nil
		},
	}
	doc, diags := Preprocess(context.Background(), []byte(`[Raw(untouched: "yes")]`), "test.ox", host, api.DefaultConfig())
	if diags.HasErrors() {
		t.Fatalf("unexpected diagnostics: %v", diags)
	}
	if len(doc.Blocks) != 1 {
		t.Fatalf("blocks = %d, want 1", len(doc.Blocks))
	}
	if got := propRaw(t, doc.Blocks[0], "untouched"); got != "yes" {
		t.Errorf("untouched = %v, want yes (onParse finish should skip expansion/resolution)", got)
	}
}

func TestPreprocessOnWalkAutoSizingContainer(t *testing.T) {
	host := api.Host{
		OnWalk: func(cursor api.MacroCursor) error {
			node, _ := cursor.Current()
			b, ok := node.(*api.Block)
			if !ok || b.ID != "Container" {
				return nil
			}
			remaining := cursor.GetRemainingChildren(b)
			b.Properties.Set("size", api.NewNumberLiteral(float64(len(remaining)), api.Location{}))
			return nil
		},
	}
	src := `[Container [A] [B] [C]]`
	doc, diags := Preprocess(context.Background(), []byte(src), "test.ox", host, api.DefaultConfig())
	if diags.HasErrors() {
		t.Fatalf("unexpected diagnostics: %v", diags)
	}
	if got := propRaw(t, doc.Blocks[0], "size"); got != float64(3) {
		t.Errorf("size = %v, want 3", got)
	}
}

func TestPreprocessInjectSplicesAnotherFile(t *testing.T) {
	fs := memfs.New()
	f, _ := fs.Create("/proj/partial.ox")
	f.Write([]byte(`[Injected(source: "partial")]`))
	f.Close()

	host := api.Host{FS: fs}
	cfg := api.DefaultConfig()
	cfg.BaseDir = "/proj"

	src := `[Root <inject "./partial.ox">]`
	doc, diags := Preprocess(context.Background(), []byte(src), "/proj/root.ox", host, cfg)
	if diags.HasErrors() {
		t.Fatalf("unexpected diagnostics: %v", diags)
	}
	root := doc.Blocks[0]
	if len(root.Children) != 1 {
		t.Fatalf("children = %d, want 1", len(root.Children))
	}
	injected := root.Children[0].(*api.Block)
	if got := propRaw(t, injected, "source"); got != "partial" {
		t.Errorf("source = %v, want partial", got)
	}
}

func TestPreprocessSyntaxErrorSurfacesAsDiagnostic(t *testing.T) {
	_, diags := Preprocess(context.Background(), []byte(`[Widget(name: "unterminated)]`), "test.ox", api.Host{}, api.DefaultConfig())
	if !diags.HasErrors() {
		t.Fatal("expected a diagnostic for invalid syntax")
	}
}

func TestBuildMacroSystemWithNoHooksIsInert(t *testing.T) {
	sys := buildMacroSystem(api.Host{})
	if sys.HasOnParse() || sys.HasOnWalk() {
		t.Error("expected no hooks registered with an empty Host")
	}
}

func TestBuildMacroSystemAdaptsWalkCapability(t *testing.T) {
	var visitedIDs []string
	host := api.Host{
		OnParse: func(doc *api.Document, w api.WalkFunc, finish func()) error {
			roots := make([]api.Node, len(doc.Blocks))
			for i, b := range doc.Blocks {
				roots[i] = b
			}
			w(roots, api.WalkPreOrder, nil, func(n, parent api.Node, ancestors []api.Node) api.WalkControl {
				if b, ok := n.(*api.Block); ok {
					visitedIDs = append(visitedIDs, b.ID)
				}
				return api.WalkContinue
			})
			return nil
		},
	}
	sys := buildMacroSystem(host)
	doc := &api.Document{Blocks: []*api.Block{{ID: "A"}, {ID: "B"}}}
	if d := sys.RunOnParse(doc); d != nil {
		t.Fatalf("unexpected diagnostic: %v", d)
	}
	if len(visitedIDs) != 2 {
		t.Fatalf("visited = %v, want 2 blocks", visitedIDs)
	}
}
