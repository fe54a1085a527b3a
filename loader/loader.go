package loader

import (
	"context"
	"errors"

	"github.com/najoast/stagego/core"
)

// Loader combines a Registry with an optional file include source. Types
// always come from the registry. Includes are looked up in the registry
// first, then on disk.
type Loader struct {
	registry *Registry
	files    *FileIncludes
}

var _ core.TypeLoader = (*Loader)(nil)

// New creates a loader. files may be nil.
func New(registry *Registry, files *FileIncludes) *Loader {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Loader{registry: registry, files: files}
}

// Registry returns the type registry.
func (l *Loader) Registry() *Registry {
	return l.registry
}

// Files returns the file include source, or nil.
func (l *Loader) Files() *FileIncludes {
	return l.files
}

// Resolve implements core.TypeLoader.
func (l *Loader) Resolve(ctx context.Context, name string) (core.Constructor, error) {
	return l.registry.Resolve(ctx, name)
}

// ResolveInclude implements core.TypeLoader.
func (l *Loader) ResolveInclude(ctx context.Context, name string) (core.Params, error) {
	fragment, err := l.registry.ResolveInclude(ctx, name)
	if err == nil || l.files == nil || !errors.Is(err, ErrIncludeNotFound) {
		return fragment, err
	}
	return l.files.ResolveInclude(ctx, name)
}
