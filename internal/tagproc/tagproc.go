// Package tagproc is the Tag Processor (component D): the
// five-pass pipeline that extracts @tag definitions into the registry,
// validates #tag usage, expands instances (including multi-tag
// compositions), detects circular tag dependencies, and injects
// host-provided module properties.
package tagproc

import (
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/the-ox-studio/oxdef/api"
	"github.com/the-ox-studio/oxdef/internal/clone"
	"github.com/the-ox-studio/oxdef/internal/tagreg"
)

type orderedMap = orderedmap.OrderedMap[string, api.Value]

// Processor runs the five-pass pipeline against one document, sharing the
// registry and id allocator with the rest of the run.
type Processor struct {
	reg *tagreg.Registry
	ids *api.IDAllocator
}

func New(reg *tagreg.Registry, ids *api.IDAllocator) *Processor {
	return &Processor{reg: reg, ids: ids}
}

// Process runs all five passes in order, short-circuiting after any pass
// that produced errors (later passes assume the tree the prior pass left
// behind is well-formed). Definitions and instances can appear not just
// as top-level blocks but nested inside not-yet-expanded template
// constructs, so every pass walks api.Node bodies generically rather than
// only Document.Blocks.
func (p *Processor) Process(doc *api.Document) api.Diagnostics {
	var diags api.Diagnostics

	blockNodes, d := p.extractDefinitions(blocksToNodes(doc.Blocks))
	diags = append(diags, d...)
	tplNodes, d2 := p.extractDefinitions(doc.Templates)
	diags = append(diags, d2...)
	if diags.HasErrors() {
		return diags
	}
	doc.Blocks = nodesToBlocks(blockNodes)
	doc.Templates = tplNodes

	diags = append(diags, p.validateInstances(blocksToNodes(doc.Blocks))...)
	diags = append(diags, p.validateInstances(doc.Templates)...)
	if diags.HasErrors() {
		return diags
	}

	expandedBlocks, d3 := p.expandNodes(blocksToNodes(doc.Blocks), newVisitChain())
	diags = append(diags, d3...)
	doc.Blocks = nodesToBlocks(expandedBlocks)

	expandedTpl, d4 := p.expandNodes(doc.Templates, newVisitChain())
	diags = append(diags, d4...)
	doc.Templates = expandedTpl

	return diags
}

func blocksToNodes(blocks []*api.Block) []api.Node {
	out := make([]api.Node, len(blocks))
	for i, b := range blocks {
		out[i] = b
	}
	return out
}

// nodesToBlocks recovers the []*api.Block slice for Document.Blocks after
// a generic pass; every element here is still a *api.Block because
// Document.Blocks never held anything else and no pass changes a node's
// dynamic type, only its contents.
func nodesToBlocks(nodes []api.Node) []*api.Block {
	out := make([]*api.Block, 0, len(nodes))
	for _, n := range nodes {
		if b, ok := n.(*api.Block); ok {
			out = append(out, b)
		}
	}
	return out
}

// eachChildSet visits every child-node slice owned by n (there may be
// several, e.g. an IfNode's then/elseif/else branches), rewriting each in
// place via rewrite.
func eachChildSet(n api.Node, rewrite func([]api.Node) ([]api.Node, api.Diagnostics)) api.Diagnostics {
	var diags api.Diagnostics
	switch v := n.(type) {
	case *api.Block:
		out, d := rewrite(v.Children)
		diags = append(diags, d...)
		v.Children = out
	case *api.IfNode:
		then, d := rewrite(v.Then)
		diags = append(diags, d...)
		v.Then = then
		for i := range v.ElseIfs {
			body, d := rewrite(v.ElseIfs[i].Body)
			diags = append(diags, d...)
			v.ElseIfs[i].Body = body
		}
		els, d := rewrite(v.Else)
		diags = append(diags, d...)
		v.Else = els
	case *api.ForeachNode:
		body, d := rewrite(v.Body)
		diags = append(diags, d...)
		v.Body = body
	case *api.WhileNode:
		body, d := rewrite(v.Body)
		diags = append(diags, d...)
		v.Body = body
	case *api.OnDataNode:
		succ, d := rewrite(v.OnSuccess)
		diags = append(diags, d...)
		v.OnSuccess = succ
		errb, d := rewrite(v.OnError)
		diags = append(diags, d...)
		v.OnError = errb
	}
	return diags
}

// --- Pass 1: extract definitions ---------------------------------------

func (p *Processor) extractDefinitions(nodes []api.Node) ([]api.Node, api.Diagnostics) {
	var diags api.Diagnostics
	out := make([]api.Node, 0, len(nodes))
	for _, n := range nodes {
		b, isBlock := n.(*api.Block)
		if isBlock {
			def, isDef, d := p.tryExtractOne(b)
			diags = append(diags, d...)
			if isDef {
				if def != nil && def.BlockRules.CanOutput {
					out = append(out, b)
				}
				continue
			}
		}
		d := eachChildSet(n, p.extractDefinitions)
		diags = append(diags, d...)
		out = append(out, n)
	}
	return out, diags
}

// tryExtractOne registers b if its single tag is a Definition. isDef is
// true whenever b should be removed from pass-1's normal recursion
// (either successfully registered, or rejected for an expression
// property or a locked key). A block carrying several definitions, or
// mixing @ and #, gets an error with isDef false.
func (p *Processor) tryExtractOne(b *api.Block) (*api.TagDefinition, bool, api.Diagnostics) {
	defs, instances := splitTags(b.Tags)
	if len(defs) == 0 {
		return nil, false, nil
	}
	if len(defs) > 1 || len(instances) > 0 {
		kind := api.KindMultipleTagDefinitions
		if len(instances) > 0 {
			kind = api.KindMixedTagTypes
		}
		return nil, false, api.Diagnostics{
			api.NewDiagnostic(kind, b.Loc, "block carries more than one tag definition, or mixes @ and #"),
		}
	}
	tag := defs[0]

	if err := checkNoExpressions(b.Properties); err != nil {
		return nil, true, api.Diagnostics{
			api.NewDiagnostic(api.KindTagDefinitionWithExpression, b.Loc, "tag definition properties must be literal").WithCause(err),
		}
	}

	key := tag.Key()
	if existing, ok := p.reg.GetTag(key); ok && !existing.BlockRules.CanReuse {
		return nil, true, api.Diagnostics{
			api.NewDiagnostic(api.KindInvalidTagDefinition, b.Loc, "tag "+key+" is locked against redefinition"),
		}
	}

	b.Tags = nil
	def := &api.TagDefinition{
		Name: tag.Name,
		Argument: tag.Argument,
		HasArgument: tag.HasArgument,
		BlockRules: api.BlockRules{CanReuse: true, CanOutput: false, AcceptChildren: true},
		Block: b,
	}
	p.reg.RegisterInstance(key, def)
	return def, true, nil
}

func splitTags(tags []api.Tag) (defs, instances []api.Tag) {
	for _, t := range tags {
		if t.Kind == api.TagDefinitionKind {
			defs = append(defs, t)
		} else {
			instances = append(instances, t)
		}
	}
	return defs, instances
}

func checkNoExpressions(props *orderedMap) error {
	for pair := props.Oldest(); pair != nil; pair = pair.Next() {
		if _, ok := pair.Value.(*api.Expression); ok {
			return errExpressionProperty(pair.Key)
		}
	}
	return nil
}

// --- Pass 2: validate instances -----------------------------------------

func (p *Processor) validateInstances(nodes []api.Node) api.Diagnostics {
	var diags api.Diagnostics
	for _, n := range nodes {
		if b, ok := n.(*api.Block); ok {
			diags = append(diags, p.validateOne(b)...)
		}
		diags = append(diags, eachChildSet(n, func(cs []api.Node) ([]api.Node, api.Diagnostics) {
			return cs, p.validateInstances(cs)
		})...)
	}
	return diags
}

func (p *Processor) validateOne(b *api.Block) api.Diagnostics {
	defs, instances := splitTags(b.Tags)
	if len(instances) == 0 {
		return nil
	}
	if len(defs) > 0 {
		return api.Diagnostics{api.NewDiagnostic(api.KindMixedTagTypes, b.Loc, "block mixes @ and # tags")}
	}
	for _, tag := range instances {
		if _, ok := p.reg.GetTag(tag.Key()); !ok {
			return api.Diagnostics{
				api.NewDiagnostic(api.KindUndefinedTag, b.Loc, "undefined tag "+tag.Key()).
				WithSuggestion(tag.Key(), p.reg.Names()),
			}
		}
	}
	if len(instances) > 1 {
		if b.Properties.Len() > 0 {
			return api.Diagnostics{api.NewDiagnostic(api.KindTagCompositionWithProperties, b.Loc, "composed block must have no own properties")}
		}
		if len(b.Children) > 0 {
			return api.Diagnostics{api.NewDiagnostic(api.KindTagCompositionWithChildren, b.Loc, "composed block must have no own children")}
		}
		return nil
	}
	def, _ := p.reg.GetTag(instances[0].Key())
	if len(b.Children) > 0 && !def.BlockRules.AcceptChildren {
		return api.Diagnostics{api.NewDiagnostic(api.KindTagInstanceWithChildren, b.Loc, "tag "+def.Key()+" does not accept children")}
	}
	return nil
}

// --- Pass 3/4: expand instances + circular-dependency detection --------

func (p *Processor) expandNodes(nodes []api.Node, visited *visitChain) ([]api.Node, api.Diagnostics) {
	var diags api.Diagnostics
	out := make([]api.Node, 0, len(nodes))
	for _, n := range nodes {
		b, isBlock := n.(*api.Block)
		if !isBlock {
			d := eachChildSet(n, func(cs []api.Node) ([]api.Node, api.Diagnostics) {
				return p.expandNodes(cs, visited)
			})
			diags = append(diags, d...)
			out = append(out, n)
			continue
		}
		nb, d := p.expandBlock(b, visited)
		diags = append(diags, d...)
		if nb != nil {
			out = append(out, nb)
		}
	}
	return out, diags
}

func (p *Processor) expandBlock(b *api.Block, visited *visitChain) (*api.Block, api.Diagnostics) {
	_, instances := splitTags(b.Tags)
	if len(instances) == 0 {
		children, diags := p.expandNodes(b.Children, visited)
		b.Children = children
		return b, diags
	}
	if len(instances) == 1 {
		return p.expandSingle(b, instances[0], visited)
	}
	return p.expandComposition(b, instances, visited)
}

func (p *Processor) expandSingle(b *api.Block, tag api.Tag, visited *visitChain) (*api.Block, api.Diagnostics) {
	key := tag.Key()
	if visited.has(key) {
		return nil, api.Diagnostics{api.NewDiagnostic(api.KindCircularTagDependency, b.Loc, "circular tag dependency").
			WithDetail(strings.Join(append(visited.chain(), key), " → "))}
	}
	def, ok := p.reg.GetTag(key)
	if !ok {
		return nil, api.Diagnostics{api.NewDiagnostic(api.KindTagDefinitionNotFound, b.Loc, "tag definition not found for "+key)}
	}
	nextVisited := visited.with(key)

	cloned := clone.Block(def.Block, p.ids)

	b.Properties = mergeProperties(cloned.Properties, b.Properties)
	if len(b.Children) == 0 {
		b.Children = cloned.Children
	}
	b.Tags = nil

	diags := p.injectModule(b, def, tag)

	children, d := p.expandNodes(b.Children, nextVisited)
	diags = append(diags, d...)
	b.Children = children
	return b, diags
}

func (p *Processor) expandComposition(b *api.Block, instances []api.Tag, visited *visitChain) (*api.Block, api.Diagnostics) {
	var diags api.Diagnostics
	for _, tag := range instances {
		key := tag.Key()
		if visited.has(key) {
			diags = append(diags, api.NewDiagnostic(api.KindCircularTagDependency, b.Loc, "circular tag dependency").
				WithDetail(strings.Join(append(visited.chain(), key), " → ")))
			continue
		}
		def, ok := p.reg.GetTag(key)
		if !ok {
			diags = append(diags, api.NewDiagnostic(api.KindTagDefinitionNotFound, b.Loc, "tag definition not found for "+key))
			continue
		}
		child := clone.Block(def.Block, p.ids)
		child.ID = b.ID + "_" + compositionSuffix(tag)

		d := p.injectModule(child, def, tag)
		diags = append(diags, d...)

		nextVisited := visited.with(key)
		nb, d2 := p.expandBlock(child, nextVisited)
		diags = append(diags, d2...)
		if nb != nil {
			b.Children = append(b.Children, nb)
		}
	}
	b.Tags = nil
	return b, diags
}

func compositionSuffix(tag api.Tag) string {
	if tag.HasArgument {
		return tag.Argument
	}
	return tag.Name
}

// visitChain is the circular-dependency guard threaded through expansion:
// seen gives O(1) membership checks, order preserves the visit order so a
// reported cycle chain is reproducible across runs instead of depending on
// Go's randomized map iteration.
type visitChain struct {
	seen map[string]bool
	order []string
}

func newVisitChain() *visitChain {
	return &visitChain{seen: map[string]bool{}}
}

func (v *visitChain) has(key string) bool { return v.seen[key] }

// with returns a new chain with key appended, leaving v untouched so
// sibling branches of expansion don't see each other's visits.
func (v *visitChain) with(key string) *visitChain {
	seen := make(map[string]bool, len(v.seen)+1)
	for k := range v.seen {
		seen[k] = true
	}
	seen[key] = true
	order := make([]string, len(v.order), len(v.order)+1)
	copy(order, v.order)
	order = append(order, key)
	return &visitChain{seen: seen, order: order}
}

func (v *visitChain) chain() []string {
	out := make([]string, len(v.order))
	copy(out, v.order)
	return out
}

// --- Pass 5: module property injection ----------------------------------

func (p *Processor) injectModule(b *api.Block, def *api.TagDefinition, tag api.Tag) api.Diagnostics {
	if len(def.Module) == 0 {
		return nil
	}
	var diags api.Diagnostics
	existing := make(map[string]api.Value, b.Properties.Len())
	for pair := b.Properties.Oldest(); pair != nil; pair = pair.Next() {
		existing[pair.Key] = pair.Value
	}
	ctx := api.ModuleContext{
		BlockID: b.ID,
		TagName: tag.Name,
		TagArgument: tag.Argument,
		ExistingProperties: existing,
	}
	for name, getter := range def.Module {
		if _, conflict := existing[name]; conflict {
			diags = append(diags, api.NewDiagnostic(api.KindModulePropertyConflict, b.Loc, "module property "+name+" conflicts with an existing property"))
			continue
		}
		raw, err := getter(ctx)
		if err != nil {
			diags = append(diags, api.NewDiagnostic(api.KindModulePropertyConflict, b.Loc, "module getter "+name+" failed").WithCause(err))
			continue
		}
		b.Properties.Set(name, api.ToValue(raw, b.Loc))
	}
	return diags
}

func mergeProperties(base, override *orderedMap) *orderedMap {
	merged := base
	for pair := override.Oldest(); pair != nil; pair = pair.Next() {
		merged.Set(pair.Key, pair.Value)
	}
	return merged
}

func errExpressionProperty(name string) error {
	return &expressionPropertyError{name: name}
}

type expressionPropertyError struct{ name string }

func (e *expressionPropertyError) Error() string {
	return "property " + e.name + " holds an unevaluated expression"
}
