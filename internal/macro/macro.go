// Package macro is the Macro System (component J): the onParse/onWalk
// hooks and the cursor API onWalk callbacks use to take over child
// processing. System is constructed fresh for each pipeline run rather
// than living as a package-level singleton, to avoid leaking state
// across runs.
package macro

import (
	"fmt"

	"github.com/RoaringBitmap/roaring"

	"github.com/the-ox-studio/oxdef/api"
	"github.com/the-ox-studio/oxdef/internal/walk"
)

// MacroError is what a failing hook propagates, preserving the
// callback's original error as Cause.
type MacroError struct {
	Message string
	BlockID string
	Cause error
}

func (e *MacroError) Error() string {
	if e.BlockID != "" {
		return fmt.Sprintf("macro error in block %q: %s", e.BlockID, e.Message)
	}
	return "macro error: " + e.Message
}

func (e *MacroError) Unwrap() error { return e.Cause }

func diagFromMacroError(loc api.Location, err *MacroError) *api.Diagnostic {
	return api.NewDiagnostic(api.KindMacroError, loc, err.Error()).WithCause(err.Cause)
}

// WalkFunc is the walk(tree, callback, options) capability onParse
// receives; it simply forwards to internal/walk.
type WalkFunc func(roots []api.Node, order walk.Order, filter walk.Filter, visit walk.Visitor)

// OnParseFunc runs once against the raw parsed tree. Calling finish
// short-circuits the rest of preprocessing: the raw tree becomes the
// output.
type OnParseFunc func(doc *api.Document, w WalkFunc, finish func()) error

// OnWalkFunc runs once per Block during template expansion, after its
// own properties are evaluated and before its children are recursed
// into.
type OnWalkFunc func(cursor *Cursor) error

// System bundles the two hooks plus the per-expansion manually-processed
// set the cursor API consults.
type System struct {
	OnParse OnParseFunc
	OnWalk OnWalkFunc
	processed *roaring.Bitmap
	finished bool
}

func New(onParse OnParseFunc, onWalk OnWalkFunc) *System {
	return &System{OnParse: onParse, OnWalk: onWalk, processed: roaring.New()}
}

func (s *System) HasOnParse() bool { return s.OnParse != nil }
func (s *System) HasOnWalk() bool { return s.OnWalk != nil }
func (s *System) Finished() bool { return s.finished }

// RunOnParse invokes the onParse hook, if any, giving it a walk
// capability over doc and a finish() callback.
func (s *System) RunOnParse(doc *api.Document) *api.Diagnostic {
	if s.OnParse == nil {
		return nil
	}
	w := func(roots []api.Node, order walk.Order, filter walk.Filter, visit walk.Visitor) {
		walk.Walk(roots, order, filter, visit)
	}
	finish := func() { s.finished = true }
	if err := s.OnParse(doc, w, finish); err != nil {
		me, ok := err.(*MacroError)
		if !ok {
			me = &MacroError{Message: err.Error(), Cause: err}
		}
		return diagFromMacroError(api.Location{}, me)
	}
	return nil
}

// ResetForTopLevelExpansion clears the manually-processed set; the
// template expander calls this once per top-level block expansion.
func (s *System) ResetForTopLevelExpansion() {
	s.processed = roaring.New()
}

func (s *System) isManuallyProcessed(id api.NodeID) bool {
	return s.processed.Contains(uint32(id))
}

// IsManuallyProcessed reports whether node was already evaluated via a
// cursor's InvokeWalk call, so the expander's default auto-processing
// skips it.
func (s *System) IsManuallyProcessed(n api.Node) bool {
	if n == nil {
		return false
	}
	return s.isManuallyProcessed(n.NodeID())
}

// RunOnWalk invokes the onWalk hook, if any, for node/parent. invoke is
// the template expander's per-child "evaluate properties and fire
// onWalk" callback, wired into the cursor's InvokeWalk so macro never
// needs to import internal/template.
func (s *System) RunOnWalk(node, parent api.Node, invoke func(child, childParent api.Node) error) *api.Diagnostic {
	if s.OnWalk == nil {
		return nil
	}
	cursor := &Cursor{node: node, parent: parent, system: s, invoke: invoke, active: true}
	err := s.OnWalk(cursor)
	cursor.active = false
	if err == nil {
		err = cursor.lateCallErr
	}
	if err != nil {
		me, ok := err.(*MacroError)
		if !ok {
			me = &MacroError{Message: err.Error(), Cause: err, BlockID: blockID(node)}
		}
		return diagFromMacroError(node.Location(), me)
	}
	return nil
}

func blockID(n api.Node) string {
	if b, ok := n.(*api.Block); ok {
		return b.ID
	}
	return ""
}

func children(n api.Node) []api.Node {
	if b, ok := n.(*api.Block); ok {
		return b.Children
	}
	return nil
}

// Cursor is the handle an OnWalkFunc receives; every method here is only
// meaningful inside that call.
type Cursor struct {
	node api.Node
	parent api.Node
	system *System
	invoke func(child, childParent api.Node) error
	active bool
	lateCallErr error
}

// requireActive records a MacroError on the cursor if called outside the
// onWalk frame that produced it (e.g. a cursor captured in a closure and
// invoked after onWalk already returned).
func (c *Cursor) requireActive(method string) bool {
	if c.active {
		return true
	}
	if c.lateCallErr == nil {
		c.lateCallErr = &MacroError{
			Message: method + " called outside its onWalk frame",
			BlockID: blockID(c.node),
		}
	}
	return false
}

// NextBlock peeks at the current block's first child, or nil. Usable
// only inside the onWalk frame that produced this cursor.
func (c *Cursor) NextBlock() api.Node {
	if !c.requireActive("NextBlock") {
		return nil
	}
	kids := children(c.node)
	if len(kids) == 0 {
		return nil
	}
	return kids[0]
}

// PeekNext is the same lookup, with the parent (the cursor's current
// node) attached. Usable only inside the onWalk frame.
func (c *Cursor) PeekNext() (api.Node, api.Node) {
	if !c.requireActive("PeekNext") {
		return nil, nil
	}
	return c.NextBlock(), c.node
}

// Current returns the onWalk target and its parent. Usable only inside
// the onWalk frame.
func (c *Cursor) Current() (api.Node, api.Node) {
	if !c.requireActive("Current") {
		return nil, nil
	}
	return c.node, c.parent
}

// InvokeWalk manually evaluates child's properties and fires its onWalk,
// marking it manually processed so the expander's default pass skips it
// afterward. Usable only inside the onWalk frame.
func (c *Cursor) InvokeWalk(child, childParent api.Node) error {
	if !c.requireActive("InvokeWalk") {
		return c.lateCallErr
	}
	if c.invoke == nil {
		return nil
	}
	if err := c.invoke(child, childParent); err != nil {
		return err
	}
	c.system.processed.Add(uint32(child.NodeID()))
	return nil
}

// GetRemainingChildren returns parent's children not yet manually
// processed. Usable only inside the onWalk frame.
func (c *Cursor) GetRemainingChildren(parent api.Node) []api.Node {
	if !c.requireActive("GetRemainingChildren") {
		return nil
	}
	kids := children(parent)
	var remaining []api.Node
	for _, k := range kids {
		if !c.system.isManuallyProcessed(k.NodeID()) {
			remaining = append(remaining, k)
		}
	}
	return remaining
}

// Back and Stop are reserved no-op stubs beyond frame validation: they
// exist so onWalk hooks written against the navigation API don't fail to
// compile, but neither changes expansion order. Calling either after
// onWalk has already returned records a MacroError on the cursor
// (lateCallErr); neither method returns it, and the RunOnWalk call that
// created the cursor has already returned, so no caller receives it.
func (c *Cursor) Back(steps int) { c.requireActive("Back") }
func (c *Cursor) Stop() { c.requireActive("Stop") }

// ThrowError raises a MacroError carrying message and the current
// block's id.
func (c *Cursor) ThrowError(message string) error {
	return &MacroError{Message: message, BlockID: blockID(c.node)}
}
