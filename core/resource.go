package core

import "fmt"

// SetResource makes value available to the descendants of this actor under
// name. A name can be written once; setting it to nil clears it so it can be
// written again.
func (a *Actor) SetResource(name string, value any) error {
	if name == "" {
		return fmt.Errorf("%w: resource name", ErrMissingParam)
	}

	if value == nil {
		delete(a.resources, name)
		return nil
	}

	if _, exists := a.resources[name]; exists {
		return fmt.Errorf("%w: %s", ErrResourceExists, name)
	}
	a.resources[name] = value
	return nil
}

// GetResource looks name up on the ancestors of this actor, nearest first.
// An actor never sees its own resources.
func (a *Actor) GetResource(name string) (any, bool) {
	for n := a.parent; n != nil; n = n.parent {
		if value, ok := n.resources[name]; ok {
			return value, true
		}
	}
	return nil, false
}

// OwnResource returns a resource set on this actor itself.
func (a *Actor) OwnResource(name string) (any, bool) {
	value, ok := a.resources[name]
	return value, ok
}
