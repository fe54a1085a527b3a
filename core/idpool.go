package core

import (
	"fmt"
	"strconv"
)

// AutoIDPrefix starts every generated actor id. Generation skips ids that
// are already taken, so an explicit id never collides with a generated one.
const AutoIDPrefix = "__"

// IdentifierPool hands out child ids that are unique within one parent.
type IdentifierPool struct {
	prefix string
	items  map[string]bool // id -> generated
	next   uint64
}

// NewIdentifierPool creates a pool whose generated ids start with prefix.
func NewIdentifierPool(prefix string) *IdentifierPool {
	return &IdentifierPool{
		prefix: prefix,
		items:  make(map[string]bool),
	}
}

// Add registers id, or generates one when id is empty.
func (p *IdentifierPool) Add(id string) (string, error) {
	if id != "" {
		if _, exists := p.items[id]; exists {
			return "", fmt.Errorf("%w: %q", ErrIDClash, id)
		}
		p.items[id] = false
		return id, nil
	}

	for {
		id = p.prefix + strconv.FormatUint(p.next, 10)
		p.next++
		if _, exists := p.items[id]; !exists {
			p.items[id] = true
			return id, nil
		}
	}
}

// Remove releases id so it can be used again.
func (p *IdentifierPool) Remove(id string) {
	delete(p.items, id)
}

// Contains reports whether id is in use.
func (p *IdentifierPool) Contains(id string) bool {
	_, exists := p.items[id]
	return exists
}

// Auto reports whether id was generated by the pool.
func (p *IdentifierPool) Auto(id string) bool {
	return p.items[id]
}

// Len returns the number of ids in use.
func (p *IdentifierPool) Len() int {
	return len(p.items)
}

// Clear releases every id and restarts generation.
func (p *IdentifierPool) Clear() {
	p.items = make(map[string]bool)
	p.next = 0
}
