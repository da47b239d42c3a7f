package txn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/the-ox-studio/oxdef/api"
)

func TestGetSetDeleteVariable(t *testing.T) {
	tx := New(api.Host{}, api.DefaultConfig())
	if _, ok := tx.GetVariable("x"); ok {
		t.Fatal("expected no x variable initially")
	}
	tx.SetVariable("x", api.NewNumberLiteral(1, api.Location{}))
	v, ok := tx.GetVariable("x")
	if !ok || v.(*api.Literal).Num != 1 {
		t.Fatalf("GetVariable(x) = %v, %v", v, ok)
	}
	tx.DeleteVariable("x")
	if _, ok := tx.GetVariable("x"); ok {
		t.Error("expected x deleted")
	}
}

func TestFetchCachesSuccessfulResult(t *testing.T) {
	calls := 0
	host := api.Host{DataSources: map[string]any{
		"widgets": api.DataSourceFunc(func(ctx context.Context) (any, error) {
			calls++
			return "data", nil
		}),
	}}
	tx := New(host, api.DefaultConfig())

	v1, d := tx.Fetch(context.Background(), "widgets")
	if d != nil {
		t.Fatalf("unexpected diagnostic: %v", d)
	}
	v2, d := tx.Fetch(context.Background(), "widgets")
	if d != nil {
		t.Fatalf("unexpected diagnostic: %v", d)
	}
	if v1 != "data" || v2 != "data" {
		t.Errorf("fetch results = %v, %v", v1, v2)
	}
	if calls != 1 {
		t.Errorf("source invoked %d times, want 1 (cached)", calls)
	}
	if !tx.IsSuccessful("widgets") || !tx.WasExecuted("widgets") {
		t.Error("expected widgets marked successful and executed")
	}
}

func TestFetchUndefinedDataSource(t *testing.T) {
	tx := New(api.Host{}, api.DefaultConfig())
	_, d := tx.Fetch(context.Background(), "missing")
	if d == nil || d.Kind != api.KindUndefinedDataSource {
		t.Fatalf("expected KindUndefinedDataSource, got %v", d)
	}
}

func TestFetchCachesFailure(t *testing.T) {
	calls := 0
	host := api.Host{DataSources: map[string]any{
		"bad": api.DataSourceFunc(func(ctx context.Context) (any, error) {
			calls++
			return nil, errors.New("explode")
		}),
	}}
	tx := New(host, api.DefaultConfig())

	_, d1 := tx.Fetch(context.Background(), "bad")
	_, d2 := tx.Fetch(context.Background(), "bad")
	if d1 == nil || d2 == nil {
		t.Fatal("expected both fetches to fail")
	}
	if calls != 1 {
		t.Errorf("source invoked %d times, want 1 (error cached)", calls)
	}
	if !tx.WasExecuted("bad") {
		t.Error("expected bad marked executed despite failure")
	}
	if _, ok := tx.GetError("bad"); !ok {
		t.Error("expected GetError to find the cached diagnostic")
	}
}

func TestFetchTimesOut(t *testing.T) {
	host := api.Host{DataSources: map[string]any{
		"slow": api.DataSourceFunc(func(ctx context.Context) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	}}
	cfg := api.DefaultConfig()
	cfg.Timeout = 10 * time.Millisecond
	tx := New(host, cfg)

	_, d := tx.Fetch(context.Background(), "slow")
	if d == nil || d.Kind != api.KindFetchError {
		t.Fatalf("expected KindFetchError on timeout, got %v", d)
	}
}

func TestDataSourceWrapperReceivesTransactionAsVarReader(t *testing.T) {
	var captured api.VarReader
	host := api.Host{DataSources: map[string]any{
		"echo": api.DataSourceWrapper(func(v api.VarReader) api.DataSourceFunc {
			captured = v
			return func(ctx context.Context) (any, error) { return "ok", nil }
		}),
	}}
	New(host, api.DefaultConfig())
	if captured == nil {
		t.Fatal("expected the wrapper to be invoked at registration time")
	}
}

func TestFetchManySettlesAllEvenWithFailures(t *testing.T) {
	host := api.Host{DataSources: map[string]any{
		"ok": api.DataSourceFunc(func(ctx context.Context) (any, error) {
			return "fine", nil
		}),
		"bad": api.DataSourceFunc(func(ctx context.Context) (any, error) {
			return nil, errors.New("nope")
		}),
	}}
	tx := New(host, api.DefaultConfig())
	failures := tx.FetchMany(context.Background(), []string{"ok", "bad"})
	if len(failures) != 1 {
		t.Fatalf("failures = %v, want exactly one (bad)", failures)
	}
	if _, ok := failures["bad"]; !ok {
		t.Error("expected bad to be reported as a failure")
	}
	if !tx.IsSuccessful("ok") {
		t.Error("expected ok to still have succeeded despite bad's failure")
	}
}

func TestCloneHasIndependentVariablesAndRunID(t *testing.T) {
	tx := New(api.Host{}, api.DefaultConfig())
	tx.SetVariable("x", api.NewNumberLiteral(1, api.Location{}))

	cp := tx.Clone()
	cp.SetVariable("x", api.NewNumberLiteral(2, api.Location{}))

	v, _ := tx.GetVariable("x")
	if v.(*api.Literal).Num != 1 {
		t.Error("expected original transaction's variable unaffected by clone mutation")
	}
	if cp.RunID() == tx.RunID() {
		t.Error("expected clone to have a distinct run ID")
	}
}

func TestFetchErrorUnwrapsOriginalError(t *testing.T) {
	original := errors.New("root cause")
	fe := &FetchError{Message: "timed out", OriginalErr: original}
	if errors.Unwrap(fe) != original {
		t.Error("expected Unwrap to return the original error")
	}
}
