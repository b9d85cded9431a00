package fulfillment

import (
	"sort"
	"strings"
)

// Registry maps fulfillment refs from the catalog to adapters. It is filled
// at startup and read-only afterwards.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: map[string]Adapter{}}
}

// Register adds or replaces the adapter for name. Empty names and nil
// adapters are ignored.
func (r *Registry) Register(name string, adapter Adapter) *Registry {
	name = normalize(name)
	if name == "" || adapter == nil {
		return r
	}
	r.adapters[name] = adapter
	return r
}

func (r *Registry) Lookup(name string) (Adapter, error) {
	if r == nil {
		return nil, ErrAdapterNotFound
	}
	adapter, ok := r.adapters[normalize(name)]
	if !ok {
		return nil, ErrAdapterNotFound
	}
	return adapter, nil
}

func (r *Registry) Exists(name string) bool {
	_, err := r.Lookup(name)
	return err == nil
}

// Names returns the registered refs in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
