package datasource

import (
	"context"
	"errors"
	"testing"

	"github.com/the-ox-studio/oxdef/api"
	"github.com/the-ox-studio/oxdef/internal/txn"
)

func onData(source string, onSuccess ...api.Node) *api.OnDataNode {
	return &api.OnDataNode{SourceName: source, OnSuccess: onSuccess}
}

func TestDiscoverFindsTopLevelAndNested(t *testing.T) {
	nested := onData("details")
	top := onData("widgets", nested)
	doc := &api.Document{Templates: []api.Node{top}}

	found := Discover(doc)
	if len(found) != 2 {
		t.Fatalf("discovered = %d, want 2", len(found))
	}
	if found[0].node.SourceName != "widgets" || found[0].parent != "" {
		t.Errorf("found[0] = %+v", found[0])
	}
	if found[1].node.SourceName != "details" || found[1].parent != "widgets" {
		t.Errorf("found[1] = %+v", found[1])
	}
}

func TestDiscoverWalksBlockChildren(t *testing.T) {
	nested := onData("inner")
	block := &api.Block{ID: "Widget", Children: []api.Node{nested}}
	doc := &api.Document{Blocks: []*api.Block{block}}

	found := Discover(doc)
	if len(found) != 1 || found[0].node.SourceName != "inner" {
		t.Fatalf("found = %+v", found)
	}
}

func newTxn(sources map[string]api.DataSourceFunc) *txn.Transaction {
	raw := make(map[string]any, len(sources))
	for k, v := range sources {
		raw[k] = v
	}
	return txn.New(api.Host{DataSources: raw}, api.DefaultConfig())
}

func fakeSource() api.DataSourceFunc {
	return func(ctx context.Context) (any, error) { return "ok", nil }
}

func TestBuildPlanRejectsUndefinedSource(t *testing.T) {
	discoveries := []discovered{{node: onData("missing")}}
	tx := newTxn(nil)
	_, diags := BuildPlan(discoveries, tx)
	if !diags.HasErrors() {
		t.Fatal("expected a diagnostic for an undefined data source")
	}
	if diags[0].Kind != api.KindUndefinedDataSource {
		t.Errorf("kind = %v, want KindUndefinedDataSource", diags[0].Kind)
	}
}

func TestBuildPlanComputesDependencyLevels(t *testing.T) {
	discoveries := []discovered{
		{node: onData("a")},
		{node: onData("b"), parent: "a"},
		{node: onData("c"), parent: "b"},
	}
	tx := newTxn(map[string]api.DataSourceFunc{"a": fakeSource(), "b": fakeSource(), "c": fakeSource()})
	plan, diags := BuildPlan(discoveries, tx)
	if diags.HasErrors() {
		t.Fatalf("unexpected diagnostics: %v", diags)
	}
	if len(plan.levels) != 3 {
		t.Fatalf("levels = %d, want 3", len(plan.levels))
	}
	if len(plan.levels[0]) != 1 || plan.levels[0][0] != "a" {
		t.Errorf("level 0 = %v, want [a]", plan.levels[0])
	}
	if len(plan.levels[1]) != 1 || plan.levels[1][0] != "b" {
		t.Errorf("level 1 = %v, want [b]", plan.levels[1])
	}
	if len(plan.levels[2]) != 1 || plan.levels[2][0] != "c" {
		t.Errorf("level 2 = %v, want [c]", plan.levels[2])
	}
}

func TestBuildPlanDetectsCircularDependency(t *testing.T) {
	discoveries := []discovered{
		{node: onData("a"), parent: "b"},
		{node: onData("b"), parent: "a"},
	}
	tx := newTxn(map[string]api.DataSourceFunc{"a": fakeSource(), "b": fakeSource()})
	_, diags := BuildPlan(discoveries, tx)
	if !diags.HasErrors() {
		t.Fatal("expected a circular dependency diagnostic")
	}
	found := false
	for _, d := range diags {
		if d.Kind == api.KindCircularDataSourceDependency {
			found = true
		}
	}
	if !found {
		t.Errorf("diagnostics = %v, want KindCircularDataSourceDependency", diags)
	}
}

func TestExecuteRunsEachLevelAndSettlesFailures(t *testing.T) {
	discoveries := []discovered{
		{node: onData("ok")},
		{node: onData("bad")},
	}
	tx := newTxn(map[string]api.DataSourceFunc{
		"ok":  fakeSource(),
		"bad": func(ctx context.Context) (any, error) { return nil, errors.New("nope") },
	})
	plan, diags := BuildPlan(discoveries, tx)
	if diags.HasErrors() {
		t.Fatalf("unexpected diagnostics: %v", diags)
	}
	Execute(context.Background(), plan, tx)
	if !tx.IsSuccessful("ok") {
		t.Error("expected ok to have succeeded")
	}
	if _, ok := tx.GetError("bad"); !ok {
		t.Error("expected bad's failure to be cached")
	}
}
