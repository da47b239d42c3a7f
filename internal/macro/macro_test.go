package macro

import (
	"errors"
	"strings"
	"testing"

	"github.com/the-ox-studio/oxdef/api"
	"github.com/the-ox-studio/oxdef/internal/walk"
)

var testIDs = api.NewIDAllocator()

func block(id string, children ...api.Node) *api.Block {
	return &api.Block{ID: id, Children: children, Id: testIDs.Next()}
}

func TestRunOnParseInvokesHookWithWalkAndFinish(t *testing.T) {
	doc := &api.Document{Blocks: []*api.Block{block("Root")}}
	var sawRoot bool
	sys := New(func(d *api.Document, w WalkFunc, finish func()) error {
		roots := make([]api.Node, len(d.Blocks))
		for i, b := range d.Blocks {
			roots[i] = b
		}
		w(roots, walk.PreOrder, nil, func(n api.Node, parent api.Node, ancestors []api.Node) walk.Control {
			if b, ok := n.(*api.Block); ok && b.ID == "Root" {
				sawRoot = true
			}
			return walk.Continue
		})
		finish()
		return nil
	}, nil)

	if d := sys.RunOnParse(doc); d != nil {
		t.Fatalf("unexpected diagnostic: %v", d)
	}
	if !sawRoot {
		t.Error("expected the onParse hook's walk callback to visit Root")
	}
	if !sys.Finished() {
		t.Error("expected Finished() after finish() was called")
	}
}

func TestRunOnParseNoHookIsNoop(t *testing.T) {
	sys := New(nil, nil)
	if d := sys.RunOnParse(&api.Document{}); d != nil {
		t.Fatalf("unexpected diagnostic with no onParse hook: %v", d)
	}
	if sys.Finished() {
		t.Error("Finished() should be false with no onParse hook")
	}
}

func TestRunOnParseWrapsHookError(t *testing.T) {
	sys := New(func(d *api.Document, w WalkFunc, finish func()) error {
		return errors.New("boom")
	}, nil)
	d := sys.RunOnParse(&api.Document{})
	if d == nil || d.Kind != api.KindMacroError {
		t.Fatalf("expected KindMacroError, got %v", d)
	}
}

func TestRunOnWalkNoHookIsNoop(t *testing.T) {
	sys := New(nil, nil)
	if d := sys.RunOnWalk(block("X"), nil, nil); d != nil {
		t.Fatalf("unexpected diagnostic: %v", d)
	}
}

func TestRunOnWalkCurrentAndNextBlock(t *testing.T) {
	child := block("Child")
	root := block("Root", child)
	var gotNode, gotParent api.Node
	var gotNext api.Node
	sys := New(nil, func(c *Cursor) error {
		gotNode, gotParent = c.Current()
		gotNext = c.NextBlock()
		return nil
	})
	if d := sys.RunOnWalk(root, nil, nil); d != nil {
		t.Fatalf("unexpected diagnostic: %v", d)
	}
	if gotNode != api.Node(root) || gotParent != nil {
		t.Errorf("Current() = %v, %v, want root, nil", gotNode, gotParent)
	}
	if gotNext != api.Node(child) {
		t.Errorf("NextBlock() = %v, want child", gotNext)
	}
}

func TestRunOnWalkInvokeWalkMarksManuallyProcessed(t *testing.T) {
	child := block("Child")
	root := block("Root", child)
	var invoked bool
	invoke := func(c, parent api.Node) error {
		invoked = true
		return nil
	}
	sys := New(nil, func(c *Cursor) error {
		return c.InvokeWalk(child, root)
	})
	if d := sys.RunOnWalk(root, nil, invoke); d != nil {
		t.Fatalf("unexpected diagnostic: %v", d)
	}
	if !invoked {
		t.Error("expected invoke callback to run")
	}
	if !sys.IsManuallyProcessed(child) {
		t.Error("expected child to be marked manually processed")
	}
}

func TestGetRemainingChildrenExcludesProcessed(t *testing.T) {
	a, b := block("A"), block("B")
	root := block("Root", a, b)
	sys := New(nil, func(c *Cursor) error {
		if err := c.InvokeWalk(a, root); err != nil {
			return err
		}
		remaining := c.GetRemainingChildren(root)
		if len(remaining) != 1 || remaining[0] != api.Node(b) {
			t.Errorf("remaining = %v, want [B]", remaining)
		}
		return nil
	})
	invoke := func(c, parent api.Node) error { return nil }
	if d := sys.RunOnWalk(root, nil, invoke); d != nil {
		t.Fatalf("unexpected diagnostic: %v", d)
	}
}

func TestResetForTopLevelExpansionClearsProcessedSet(t *testing.T) {
	child := block("Child")
	root := block("Root", child)
	sys := New(nil, nil)
	sys.RunOnWalk(root, nil, nil)
	sys.processed.Add(uint32(child.NodeID()))
	if !sys.IsManuallyProcessed(child) {
		t.Fatal("expected child marked processed before reset")
	}
	sys.ResetForTopLevelExpansion()
	if sys.IsManuallyProcessed(child) {
		t.Error("expected processed set cleared after ResetForTopLevelExpansion")
	}
}

func TestThrowErrorCarriesBlockID(t *testing.T) {
	root := block("Root")
	sys := New(nil, func(c *Cursor) error {
		return c.ThrowError("bad state")
	})
	d := sys.RunOnWalk(root, nil, nil)
	if d == nil || d.Kind != api.KindMacroError {
		t.Fatalf("expected KindMacroError, got %v", d)
	}
	if !strings.Contains(d.Summary, `"Root"`) {
		t.Errorf("summary = %q, want it to name block \"Root\"", d.Summary)
	}
}

func TestBackAndStopAreNoopsDuringActiveFrame(t *testing.T) {
	root := block("Root")
	sys := New(nil, func(c *Cursor) error {
		c.Back(1)
		c.Stop()
		return nil
	})
	if d := sys.RunOnWalk(root, nil, nil); d != nil {
		t.Fatalf("Back/Stop called within the active frame should not error: %v", d)
	}
}

func TestLateCallToBackAfterOnWalkReturnsErrors(t *testing.T) {
	root := block("Root")
	var captured *Cursor
	sys := New(nil, func(c *Cursor) error {
		captured = c
		return nil
	})
	if d := sys.RunOnWalk(root, nil, nil); d != nil {
		t.Fatalf("unexpected diagnostic on first run: %v", d)
	}
	captured.Back(1)
	if captured.lateCallErr == nil {
		t.Fatal("expected a lateCallErr after calling Back outside its onWalk frame")
	}
}

func TestCursorMethodsOutsideOnWalkFrameAllError(t *testing.T) {
	child := block("Child")
	root := block("Root", child)
	var captured *Cursor
	sys := New(nil, func(c *Cursor) error {
		captured = c
		return nil
	})
	if d := sys.RunOnWalk(root, nil, func(c, parent api.Node) error { return nil }); d != nil {
		t.Fatalf("unexpected diagnostic on first run: %v", d)
	}

	if n := captured.NextBlock(); n != nil {
		t.Errorf("NextBlock() outside the frame = %v, want nil", n)
	}
	if n, p := captured.PeekNext(); n != nil || p != nil {
		t.Errorf("PeekNext() outside the frame = %v, %v, want nil, nil", n, p)
	}
	if n, p := captured.Current(); n != nil || p != nil {
		t.Errorf("Current() outside the frame = %v, %v, want nil, nil", n, p)
	}
	if got := captured.GetRemainingChildren(root); got != nil {
		t.Errorf("GetRemainingChildren() outside the frame = %v, want nil", got)
	}
	if err := captured.InvokeWalk(child, root); err == nil {
		t.Error("InvokeWalk() outside the frame should error")
	}
	if captured.lateCallErr == nil {
		t.Error("expected lateCallErr recorded after any method was called outside the frame")
	}
}

func TestIsManuallyProcessedNilNode(t *testing.T) {
	sys := New(nil, nil)
	if sys.IsManuallyProcessed(nil) {
		t.Error("IsManuallyProcessed(nil) should be false")
	}
}
