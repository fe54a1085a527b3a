// Package loader resolves actor types and include fragments for a stage.
//
// Types are Go constructors registered by name in a Registry. Include
// fragments come from the Registry or from JSON and YAML files on disk.
package loader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/najoast/stagego/core"
)

// Loader errors
var (
	ErrTypeNotFound    = errors.New("type not found")
	ErrIncludeNotFound = errors.New("include not found")
	ErrDuplicate       = errors.New("name already registered")
	ErrBadName         = errors.New("invalid name")
)

// Registry holds constructors and include fragments in memory. Names are
// stored in slash form, so "people.Person" and "people/Person" are the same
// entry.
type Registry struct {
	mu       sync.RWMutex
	types    map[string]core.Constructor
	includes map[string]core.Params
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		types:    make(map[string]core.Constructor),
		includes: make(map[string]core.Params),
	}
}

// Canonical returns name in slash form.
func Canonical(name string) string {
	return strings.ReplaceAll(name, core.SeparatorDot, core.SeparatorSlash)
}

// Register adds a constructor under name.
func (r *Registry) Register(name string, ctor core.Constructor) error {
	if name == "" || ctor == nil {
		return fmt.Errorf("%w: %q", ErrBadName, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := Canonical(name)
	if _, exists := r.types[key]; exists {
		return fmt.Errorf("%w: type %s", ErrDuplicate, key)
	}
	r.types[key] = ctor
	return nil
}

// MustRegister is Register for package initialisation; it panics on error.
func (r *Registry) MustRegister(name string, ctor core.Constructor) {
	if err := r.Register(name, ctor); err != nil {
		panic(err)
	}
}

// RegisterInclude adds an include fragment under name.
func (r *Registry) RegisterInclude(name string, fragment core.Params) error {
	if name == "" {
		return fmt.Errorf("%w: %q", ErrBadName, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := Canonical(name)
	if _, exists := r.includes[key]; exists {
		return fmt.Errorf("%w: include %s", ErrDuplicate, key)
	}
	r.includes[key] = fragment.Clone()
	return nil
}

// Resolve returns the constructor registered under name.
func (r *Registry) Resolve(_ context.Context, name string) (core.Constructor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ctor, ok := r.types[Canonical(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTypeNotFound, name)
	}
	return ctor, nil
}

// ResolveInclude returns a copy of the fragment registered under name.
func (r *Registry) ResolveInclude(_ context.Context, name string) (core.Params, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fragment, ok := r.includes[Canonical(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIncludeNotFound, name)
	}
	return fragment.Clone(), nil
}

// Types returns the registered type names in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
