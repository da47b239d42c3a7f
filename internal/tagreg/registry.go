// Package tagreg is the Tag Registry (component C): storage
// for tag definitions, keyed by name or name(argument), filled either by
// the host (DefineTag) or by the tag processor as it extracts @tag blocks
// from the parsed document.
package tagreg

import (
	"github.com/the-ox-studio/oxdef/api"
)

// Registry is single-owner for the duration of one preprocessing run, so
// no lock guards the map.
type Registry struct {
	defs map[string]*api.TagDefinition
}

func New() *Registry {
	return &Registry{defs: make(map[string]*api.TagDefinition)}
}

// DefineTag registers a host-side tag definition. Returns
// DuplicateTagDefinition if the key is already taken.
func (r *Registry) DefineTag(def *api.TagDefinition) *api.Diagnostic {
	key := def.Key()
	if _, exists := r.defs[key]; exists {
		return api.NewDiagnostic(api.KindDuplicateTagDefinition, api.Location{}, "duplicate tag definition").
		WithDetail("tag " + key + " is already registered")
	}
	r.defs[key] = def
	return nil
}

// RegisterInstance stores a definition parsed from an @tag OX block.
func (r *Registry) RegisterInstance(key string, def *api.TagDefinition) *api.Diagnostic {
	if existing, exists := r.defs[key]; exists {
		loc := api.Location{}
		if existing.Block != nil {
			loc = existing.Block.Loc
		}
		return api.NewDiagnostic(api.KindDuplicateTagDefinition, loc, "duplicate tag definition").
		WithDetail("tag " + key + " is already registered")
	}
	r.defs[key] = def
	return nil
}

// ImportDefinition registers a definition loaded from another file via
// <import>. Namespaced keys (alias prefixed) behave like RegisterInstance
// — a collision is a genuine redefinition error, since the namespace was
// supposed to keep them distinct. Un-namespaced keys follow
// last-import-wins: a later import silently overrides an earlier one.
func (r *Registry) ImportDefinition(key string, def *api.TagDefinition, namespaced bool) *api.Diagnostic {
	if namespaced {
		return r.RegisterInstance(key, def)
	}
	r.defs[key] = def
	return nil
}

// GetInstance/GetTag are the same O(1) lookup; both names are kept so
// call sites read as either "resolve this composition key" or "look up
// this tag name", even though they hit the same map.
func (r *Registry) GetInstance(key string) (*api.TagDefinition, bool) {
	d, ok := r.defs[key]
	return d, ok
}

func (r *Registry) GetTag(name string) (*api.TagDefinition, bool) {
	d, ok := r.defs[name]
	return d, ok
}

// Names returns every registered key, used for suggestion lookups on
// UndefinedTag.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.defs))
	for k := range r.defs {
		names = append(names, k)
	}
	return names
}
