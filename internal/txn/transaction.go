// Package txn implements the Transaction (component E): the
// per-run container for template variables, host functions, and
// data-source fetch state, including the caching, deduplication, and
// settle-all parallel fetch rules it applies.
package txn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/the-ox-studio/oxdef/api"
)

// FetchError is the structured timeout/failure payload
// names explicitly: message, code, source, timestamp, original_error.
type FetchError struct {
	Message string
	Code api.Kind
	Source string
	Timestamp time.Time
	OriginalErr error
}

func (e *FetchError) Error() string { return fmt.Sprintf("%s: %s", e.Source, e.Message) }
func (e *FetchError) Unwrap() error { return e.OriginalErr }

// Transaction is single-owner for the duration of one preprocessing run
// (or one cloned sub-run, independent import preprocessing).
type Transaction struct {
	Variables *orderedmap.OrderedMap[string, api.Value]
	Functions map[string]api.Function

	sources map[string]api.DataSourceFunc
	results map[string]any
	errors map[string]*api.Diagnostic

	sf singleflight.Group
	timeout time.Duration
	runID uuid.UUID
	mu sync.Mutex
}

// New builds a Transaction from host-supplied functions and data sources.
// Wrapper-form data sources are invoked immediately, receiving the
// transaction itself as a api.VarReader.
func New(host api.Host, cfg api.Config) *Transaction {
	t := &Transaction{
		Variables: orderedmap.New[string, api.Value](),
		Functions: make(map[string]api.Function, len(host.Functions)),
		sources: make(map[string]api.DataSourceFunc, len(host.DataSources)),
		results: make(map[string]any),
		errors: make(map[string]*api.Diagnostic),
		timeout: cfg.Timeout,
		runID: uuid.New(),
	}
	for name, fn := range host.Functions {
		t.Functions[name] = fn
	}
	for name, raw := range host.DataSources {
		switch v := raw.(type) {
		case api.DataSourceFunc:
			t.sources[name] = v
		case api.DataSourceWrapper:
			t.sources[name] = v(t)
		case func(context.Context) (any, error):
			t.sources[name] = v
		}
	}
	return t
}

// GetVariable implements api.VarReader, the narrow seam DataSourceWrapper
// registration closes over.
func (t *Transaction) GetVariable(name string) (api.Value, bool) {
	return t.Variables.Get(name)
}

func (t *Transaction) SetVariable(name string, v api.Value) {
	t.Variables.Set(name, v)
}

func (t *Transaction) DeleteVariable(name string) {
	t.Variables.Delete(name)
}

func (t *Transaction) HasDataSource(name string) bool {
	_, ok := t.sources[name]
	return ok
}

// Fetch resolves a named data source following four steps:
// cached result, cached error, race against the configured timeout (the
// timer is always stopped, win or lose, via the derived context's
// cancel), then a structured FETCH_ERROR on timeout.
func (t *Transaction) Fetch(ctx context.Context, name string) (any, *api.Diagnostic) {
	t.mu.Lock()
	if v, ok := t.results[name]; ok {
		t.mu.Unlock()
		return v, nil
	}
	if d, ok := t.errors[name]; ok {
		t.mu.Unlock()
		return nil, d
	}
	source, ok := t.sources[name]
	t.mu.Unlock()
	if !ok {
		return nil, api.NewDiagnostic(api.KindUndefinedDataSource, api.Location{}, "undefined data source "+name)
	}

	raw, err, _ := t.sf.Do(name, func() (any, error) {
		cctx, cancel := context.WithTimeout(ctx, t.timeout)
		defer cancel()
		type outcome struct {
			val any
			err error
		}
		done := make(chan outcome, 1)
		go func() {
			v, e := source(cctx)
			done <- outcome{v, e}
		}()
		select {
		case o := <-done:
			return o.val, o.err
		case <-cctx.Done():
			return nil, &FetchError{
				Message:     "data source " + name + " timed out",
				Code:        api.KindFetchError,
				Source:      name,
				OriginalErr: cctx.Err(),
			}
		}
	})

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		d := api.NewDiagnostic(api.KindFetchError, api.Location{}, "data source "+name+" failed").WithCause(err)
		t.errors[name] = d
		return nil, d
	}
	t.results[name] = raw
	return raw, nil
}

// FetchMany launches every named fetch in parallel with a settle-all
// policy: one source's failure never cancels its siblings.
func (t *Transaction) FetchMany(ctx context.Context, names []string) map[string]*api.Diagnostic {
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	failures := make(map[string]*api.Diagnostic)
	for _, name := range names {
		name := name
		g.Go(func() error {
			if _, d := t.Fetch(gctx, name); d != nil {
				mu.Lock()
				failures[name] = d
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failures
}

func (t *Transaction) IsSuccessful(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.results[name]
	return ok
}

func (t *Transaction) GetData(name string) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.results[name]
	return v, ok
}

func (t *Transaction) GetError(name string) (*api.Diagnostic, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.errors[name]
	return d, ok
}

// WasExecuted reports whether name has either a cached result or a cached
// error — the test the template expander uses to raise
// DataSourceNotExecuted for an <on-data> node the data-source processor
// never scheduled.
func (t *Transaction) WasExecuted(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.results[name]; ok {
		return true
	}
	_, ok := t.errors[name]
	return ok
}

// Clone produces an independent transaction sharing functions and
// data-source callables, with its own variable bindings and a copy of
// both result/error caches.
func (t *Transaction) Clone() *Transaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := &Transaction{
		Variables: orderedmap.New[string, api.Value](),
		Functions: t.Functions,
		sources: t.sources,
		results: make(map[string]any, len(t.results)),
		errors: make(map[string]*api.Diagnostic, len(t.errors)),
		timeout: t.timeout,
		runID: uuid.New(),
	}
	for pair := t.Variables.Oldest(); pair != nil; pair = pair.Next() {
		cp.Variables.Set(pair.Key, pair.Value.Clone())
	}
	for k, v := range t.results {
		cp.results[k] = v
	}
	for k, v := range t.errors {
		cp.errors[k] = v
	}
	return cp
}

func (t *Transaction) RunID() uuid.UUID { return t.runID }
