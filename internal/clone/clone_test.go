package clone

import (
	"testing"

	"github.com/the-ox-studio/oxdef/api"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

func TestBlockAssignsFreshNodeIDsThroughout(t *testing.T) {
	ids := api.NewIDAllocator()
	child := &api.Block{ID: "Child", Properties: orderedmap.New[string, api.Value](), Id: ids.Next()}
	root := &api.Block{ID: "Root", Properties: orderedmap.New[string, api.Value](), Children: []api.Node{child}, Id: ids.Next()}

	cp := Block(root, ids)

	if cp == root {
		t.Fatal("expected a distinct *api.Block instance")
	}
	if cp.Id == root.Id {
		t.Error("expected a fresh NodeID for the cloned root")
	}
	if len(cp.Children) != 1 {
		t.Fatalf("children = %d, want 1", len(cp.Children))
	}
	cpChild := cp.Children[0].(*api.Block)
	if cpChild == child {
		t.Fatal("expected a distinct child instance")
	}
	if cpChild.Id == child.Id {
		t.Error("expected a fresh NodeID for the cloned child")
	}
}

func TestBlockClonePropertiesAreIndependent(t *testing.T) {
	ids := api.NewIDAllocator()
	root := &api.Block{ID: "Root", Properties: orderedmap.New[string, api.Value](), Id: ids.Next()}
	root.Properties.Set("name", api.NewStringLiteral("orig", api.Location{}))

	cp := Block(root, ids)
	cpName, _ := cp.Properties.Get("name")
	cpLit := cpName.(*api.Literal)
	cpLit.Str = "mutated"

	origName, _ := root.Properties.Get("name")
	origLit := origName.(*api.Literal)
	if origLit.Str != "orig" {
		t.Errorf("mutating the clone's property mutated the original: %q", origLit.Str)
	}
}

func TestNodesClonesEachElementWithFreshIDs(t *testing.T) {
	ids := api.NewIDAllocator()
	a := &api.Block{ID: "A", Properties: orderedmap.New[string, api.Value](), Id: ids.Next()}
	b := &api.Block{ID: "B", Properties: orderedmap.New[string, api.Value](), Id: ids.Next()}

	cp := Nodes([]api.Node{a, b}, ids)
	if len(cp) != 2 {
		t.Fatalf("len = %d, want 2", len(cp))
	}
	if cp[0].NodeID() == a.NodeID() || cp[1].NodeID() == b.NodeID() {
		t.Error("expected fresh NodeIDs for every cloned element")
	}
}

func TestNodesNilIsNil(t *testing.T) {
	if got := Nodes(nil, api.NewIDAllocator()); got != nil {
		t.Errorf("Nodes(nil) = %v, want nil", got)
	}
}

func TestValueClonesLiteral(t *testing.T) {
	ids := api.NewIDAllocator()
	orig := api.NewStringLiteral("x", api.Location{})
	cp := Value(orig, ids).(*api.Literal)
	if cp == orig {
		t.Fatal("expected a distinct *api.Literal instance")
	}
	cp.Str = "y"
	if orig.Str != "x" {
		t.Error("mutating the clone mutated the original literal")
	}
}

func TestValueNilIsNil(t *testing.T) {
	if got := Value(nil, api.NewIDAllocator()); got != nil {
		t.Errorf("Value(nil) = %v, want nil", got)
	}
}
