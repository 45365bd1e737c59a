package cluster

import (
	"fmt"
	"sort"
)

// Factory builds a Submitter on demand so drivers that need credentials are
// only constructed when selected.
type Factory func() (Submitter, error)

type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

func (r *Registry) Get(name string) (Submitter, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("cluster driver not registered: %s", name)
	}
	return f()
}

// Names lists registered drivers in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
