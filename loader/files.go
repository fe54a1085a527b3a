package loader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/najoast/stagego/core"
	"gopkg.in/yaml.v3"
)

// Extensions tried, in order, when looking an include up on disk.
var includeExtensions = []string{".json", ".yaml", ".yml"}

// FileIncludes reads include fragments from a directory tree. The include
// "people/alice" is read from people/alice.json, .yaml or .yml under the
// root directory.
type FileIncludes struct {
	root   string
	logger *slog.Logger
}

// NewFileIncludes creates a file include source rooted at dir.
func NewFileIncludes(dir string, logger *slog.Logger) *FileIncludes {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileIncludes{
		root:   dir,
		logger: logger.With("component", "includes", "root", dir),
	}
}

// Root returns the directory includes are read from.
func (f *FileIncludes) Root() string {
	return f.root
}

// ResolveInclude reads and decodes the fragment stored under name.
func (f *FileIncludes) ResolveInclude(ctx context.Context, name string) (core.Params, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name = Canonical(name)
	if name == "" || strings.Contains(name, "..") || path.IsAbs(name) {
		return nil, fmt.Errorf("%w: %q", ErrBadName, name)
	}

	for _, ext := range includeExtensions {
		file := filepath.Join(f.root, filepath.FromSlash(name)+ext)
		data, err := os.ReadFile(file)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read include %s: %w", file, err)
		}

		fragment, err := decodeFragment(data, ext)
		if err != nil {
			return nil, fmt.Errorf("failed to parse include %s: %w", file, err)
		}
		return fragment, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrIncludeNotFound, name)
}

func decodeFragment(data []byte, ext string) (core.Params, error) {
	var fragment map[string]any

	switch ext {
	case ".json":
		if err := json.Unmarshal(data, &fragment); err != nil {
			return nil, err
		}
	default:
		if err := yaml.Unmarshal(data, &fragment); err != nil {
			return nil, err
		}
	}

	if fragment == nil {
		return nil, errors.New("include root must be an object")
	}
	return core.Params(fragment), nil
}

// Watch reports changed include files until ctx is cancelled. onChange gets
// the include name of the file, in the form ResolveInclude accepts.
// Directories created after Watch starts are picked up.
func (f *FileIncludes) Watch(ctx context.Context, onChange func(name string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file system watcher: %w", err)
	}
	defer watcher.Close()

	err = filepath.WalkDir(f.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(p)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", f.root, err)
	}

	f.logger.Debug("watching include files")

	// Editors often write a file in several steps.
	const debounce = 100 * time.Millisecond
	pending := make(map[string]struct{})
	var flush <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := watcher.Add(event.Name); err != nil {
						f.logger.Warn("failed to watch directory", "dir", event.Name, "error", err)
					}
					continue
				}
			}

			name, ok := f.includeName(event.Name)
			if !ok {
				continue
			}
			pending[name] = struct{}{}
			flush = time.After(debounce)

		case <-flush:
			for name := range pending {
				f.logger.Debug("include changed", "include", name)
				onChange(name)
			}
			pending = make(map[string]struct{})
			flush = nil

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn("include watcher error", "error", err)
		}
	}
}

// includeName maps a file path back to its include name.
func (f *FileIncludes) includeName(file string) (string, bool) {
	ext := filepath.Ext(file)
	known := false
	for _, e := range includeExtensions {
		if ext == e {
			known = true
			break
		}
	}
	if !known {
		return "", false
	}

	rel, err := filepath.Rel(f.root, file)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(strings.TrimSuffix(rel, ext)), true
}
