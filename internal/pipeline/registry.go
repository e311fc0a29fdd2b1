package pipeline

import (
	"fmt"
	"sync"

	"github.com/tjfontaine/genpipe/internal/core/ports"
)

// Registry holds step units by name, in registration order.
type Registry struct {
	mu    sync.RWMutex
	units map[string]ports.StepUnit
	order []string
}

// NewRegistry creates a registry holding units.
func NewRegistry(units ...ports.StepUnit) (*Registry, error) {
	r := &Registry{units: make(map[string]ports.StepUnit)}
	for _, u := range units {
		if err := r.Register(u); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a unit. Names must be unique.
func (r *Registry) Register(u ports.StepUnit) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := u.Name()
	if name == "" {
		return fmt.Errorf("step unit has no name")
	}
	if _, exists := r.units[name]; exists {
		return fmt.Errorf("step %q already registered", name)
	}
	r.units[name] = u
	r.order = append(r.order, name)
	return nil
}

// Get returns the unit registered under name.
func (r *Registry) Get(name string) (ports.StepUnit, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.units[name]
	return u, ok
}

// Names returns the registered step names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}
