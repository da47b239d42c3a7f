// Package ox is the orchestrator: it glues the lexer/parser, macro
// system, tag registry/processor, data-source processor, template
// expander, and two-pass reference resolver into the single
// Preprocess entry point, in the order source -> A -> B ->
// onParse -> C/D -> F -> H -> I -> pure data tree.
package ox

import (
	"context"
	"path"

	"github.com/the-ox-studio/oxdef/api"
	"github.com/the-ox-studio/oxdef/internal/datasource"
	"github.com/the-ox-studio/oxdef/internal/macro"
	"github.com/the-ox-studio/oxdef/internal/parser"
	"github.com/the-ox-studio/oxdef/internal/project"
	"github.com/the-ox-studio/oxdef/internal/resolve"
	"github.com/the-ox-studio/oxdef/internal/tagproc"
	"github.com/the-ox-studio/oxdef/internal/tagreg"
	"github.com/the-ox-studio/oxdef/internal/template"
	"github.com/the-ox-studio/oxdef/internal/txn"
	"github.com/the-ox-studio/oxdef/internal/walk"
)

// Preprocess runs the full seven-stage pipeline over one source file and
// returns the resulting pure data tree as a *api.Document (Blocks holds
// every top-level literal block; Templates is empty once expansion
// completes, since every template construct has been expanded away).
func Preprocess(ctx context.Context, src []byte, filename string, host api.Host, cfg api.Config) (*api.Document, api.Diagnostics) {
	ids := api.NewIDAllocator()
	doc, serr := parser.ParseDocument(filename, src, ids)
	if serr != nil {
		return nil, api.Diagnostics{api.NewDiagnostic(serr.Kind, serr.Loc, serr.Msg)}
	}

	reg := tagreg.New()
	for _, def := range host.Tags {
		if d := reg.DefineTag(def); d != nil {
			return nil, api.Diagnostics{d}
		}
	}

	proj := project.New(host.FS, cfg, reg, ids)

	logf(cfg, "preprocessing %s", filename)
	flat, diags := runPipeline(ctx, doc, filename, host, cfg, reg, ids, proj)
	if diags.HasErrors() {
		logf(cfg, "%s failed with %d diagnostics", filename, len(diags))
		return nil, diags
	}
	logf(cfg, "%s produced %d top-level blocks", filename, len(onlyBlocks(flat)))
	return &api.Document{Blocks: onlyBlocks(flat)}, diags
}

// logf writes to cfg.Logger if the embedder set one; Config's zero value
// leaves it nil, so every call site must go through this rather than
// calling cfg.Logger.Printf directly.
func logf(cfg api.Config, format string, args ...any) {
	if cfg.Logger == nil {
		return
	}
	cfg.Logger.Printf(format, args...)
}

// runPipeline runs stages J.onParse through I against one already-parsed
// document, shared by the top-level call and by every <inject> site's
// independent sub-preprocessing (component K).
func runPipeline(ctx context.Context, doc *api.Document, filename string, host api.Host, cfg api.Config, reg *tagreg.Registry, ids *api.IDAllocator, proj *project.Project) ([]api.Node, api.Diagnostics) {
	var diags api.Diagnostics

	sys := buildMacroSystem(host)
	if d := sys.RunOnParse(doc); d != nil {
		return nil, api.Diagnostics{d}
	}
	if sys.Finished() {
		logf(cfg, "%s: onParse called finish(), skipping the rest of the pipeline", filename)
		return rawTree(doc), nil
	}

	fromDir := path.Dir(filename)
	for _, imp := range doc.Imports {
		if d := proj.Import(fromDir, imp); d != nil {
			diags = append(diags, d)
		}
	}
	if diags.HasErrors() {
		return nil, diags
	}

	diags = append(diags, tagproc.New(reg, ids).Process(doc)...)
	if diags.HasErrors() {
		return nil, diags
	}

	t := txn.New(host, cfg)

	discoveries := datasource.Discover(doc)
	logf(cfg, "%s: discovered %d data sources", filename, len(discoveries))
	plan, d := datasource.BuildPlan(discoveries, t)
	diags = append(diags, d...)
	if diags.HasErrors() {
		return nil, diags
	}
	datasource.Execute(ctx, plan, t)

	injectFn := func(rawPath string, loc api.Location) ([]api.Node, api.Diagnostics) {
		return proj.Inject(fromDir, rawPath, loc, func(absPath string, injDoc *api.Document) ([]api.Node, api.Diagnostics) {
			return runPipeline(ctx, injDoc, absPath, host, cfg, reg, ids, proj)
		})
	}

	exp := template.New(t, sys, ids, cfg, injectFn)
	flat, d2 := exp.Expand(doc)
	diags = append(diags, d2...)
	if diags.HasErrors() {
		return nil, diags
	}

	diags = append(diags, resolve.Resolve(flat, t)...)
	return flat, diags
}

// rawTree returns doc's top-level nodes in declaration order, the
// fallback output when an onParse hook calls finish() to skip the rest
// of preprocessing.
func rawTree(doc *api.Document) []api.Node {
	out := make([]api.Node, 0, len(doc.Blocks)+len(doc.Templates))
	for _, b := range doc.Blocks {
		out = append(out, b)
	}
	out = append(out, doc.Templates...)
	return out
}

// onlyBlocks narrows a flat, fully-expanded node list down to its
// *api.Block entries: FreeText nodes carry their own Content and have no
// place in Document.Blocks, and every template construct has already
// been expanded away by this point.
func onlyBlocks(nodes []api.Node) []*api.Block {
	out := make([]*api.Block, 0, len(nodes))
	for _, n := range nodes {
		if b, ok := n.(*api.Block); ok {
			out = append(out, b)
		}
	}
	return out
}

// buildMacroSystem adapts the embedder's api.OnParseHook/api.OnWalkHook
// into internal/macro's own function types, translating the api-only
// walk capability (api.WalkOrder/api.WalkFilter/api.WalkVisitor) into
// internal/walk's equivalents. *macro.Cursor already satisfies
// api.MacroCursor structurally, so onWalk needs no such translation.
func buildMacroSystem(host api.Host) *macro.System {
	var onParse macro.OnParseFunc
	if host.OnParse != nil {
		onParse = func(doc *api.Document, w macro.WalkFunc, finish func()) error {
			apiWalk := api.WalkFunc(func(roots []api.Node, order api.WalkOrder, filter api.WalkFilter, visit api.WalkVisitor) {
				w(roots, fromAPIOrder(order), fromAPIFilter(filter), fromAPIVisitor(visit))
			})
			return host.OnParse(doc, apiWalk, finish)
		}
	}
	var onWalk macro.OnWalkFunc
	if host.OnWalk != nil {
		onWalk = func(c *macro.Cursor) error {
			return host.OnWalk(c)
		}
	}
	return macro.New(onParse, onWalk)
}

func fromAPIOrder(o api.WalkOrder) walk.Order {
	switch o {
	case api.WalkPostOrder:
		return walk.PostOrder
	case api.WalkBreadthFirst:
		return walk.BreadthFirst
	default:
		return walk.PreOrder
	}
}

func fromAPIFilter(f api.WalkFilter) walk.Filter {
	if f == nil {
		return nil
	}
	return func(node, parent api.Node) bool { return f(node, parent) }
}

func fromAPIVisitor(v api.WalkVisitor) walk.Visitor {
	if v == nil {
		return nil
	}
	return func(node, parent api.Node, ancestors []api.Node) walk.Control {
		switch v(node, parent, ancestors) {
		case api.WalkSkip:
			return walk.Skip
		case api.WalkStop:
			return walk.Stop
		default:
			return walk.Continue
		}
	}
}
