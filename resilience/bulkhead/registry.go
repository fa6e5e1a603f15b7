package bulkhead

import (
	"fmt"
	"slices"
	"sync"
)

// Registry owns one bulkhead per name. Bulkheads it creates share the
// registry's options.
type Registry struct {
	mu        sync.RWMutex
	bulkheads map[string]*Bulkhead
	opts      []Option
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{bulkheads: make(map[string]*Bulkhead), opts: opts}
}

// GetOrCreate returns the bulkhead registered under name, creating it with
// cfg on first use.
func (r *Registry) GetOrCreate(name string, cfg Config) (*Bulkhead, error) {
	r.mu.RLock()
	b, ok := r.bulkheads[name]
	r.mu.RUnlock()

	if ok {
		return b, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok = r.bulkheads[name]; ok {
		return b, nil
	}

	b, err := New(name, cfg, r.opts...)
	if err != nil {
		return nil, err
	}

	r.bulkheads[name] = b

	return b, nil
}

// Get returns the bulkhead registered under name.
func (r *Registry) Get(name string) (*Bulkhead, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bulkheads[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBulkheadNotFound, name)
	}

	return b, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.bulkheads))

	for name := range r.bulkheads {
		names = append(names, name)
	}
	r.mu.RUnlock()

	slices.Sort(names)

	return names
}
