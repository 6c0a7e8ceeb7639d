package extension

import (
	"fmt"

	"github.com/edgewire/edgesync/pkg/errdefs"
)

// Registry is the table of extension implementations keyed by type code.
// Registration order is preserved: extensions are created in a fixed order at
// init and torn down in reverse at deinit.
type Registry struct {
	byType  map[Type]Extension
	ordered []Extension
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[Type]Extension)}
}

// Register adds an extension. A second registration for the same type fails
// with ErrAlreadyExists.
func (r *Registry) Register(e Extension) error {
	if e == nil {
		return fmt.Errorf("%w: nil extension", errdefs.ErrBadParam)
	}
	if _, ok := r.byType[e.Type()]; ok {
		return fmt.Errorf("%w: extension %s", errdefs.ErrAlreadyExists, e.Type())
	}
	r.byType[e.Type()] = e
	r.ordered = append(r.ordered, e)
	return nil
}

// Get returns the extension registered for t.
func (r *Registry) Get(t Type) (Extension, bool) {
	e, ok := r.byType[t]
	return e, ok
}

// All returns the extensions in registration order.
func (r *Registry) All() []Extension {
	return r.ordered
}

// Close tears down all extensions in reverse registration order, returning
// the first error encountered.
func (r *Registry) Close() error {
	var firstErr error
	for i := len(r.ordered) - 1; i >= 0; i-- {
		if err := r.ordered[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
