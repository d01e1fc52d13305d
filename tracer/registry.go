package tracer

import (
	"fmt"
	"sort"
	"sync"
)

// VerdictTracer is a tracer whose result is a Verdict.
type VerdictTracer = Tracer[*Verdict]

// Factory builds a fresh tracer for one validation attempt.
type Factory func() VerdictTracer

// Registry selects a compiled tracer by configuration key.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry holding the built-in collector.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(CollectorName, func() VerdictTracer { return NewCollector() })
	return r
}

func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) New(name string) (VerdictTracer, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown tracer %q (registered: %v)", name, r.Names())
	}
	return f(), nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
