package core

import (
	"fmt"
	"sync"
)

// Subscription is what a handle maps back to.
type Subscription struct {
	// Handle is the opaque identifier returned to the subscriber
	Handle string

	// Topic is the topic path exactly as it was subscribed
	Topic string

	// Origin is the actor Subscribe was called on. Registration fans out
	// from here up to the root, and so does removal.
	Origin *Actor

	// ReplayAll makes a wildcard subscription receive every retained
	// publication of the actor it registers on.
	ReplayAll bool
}

// HandleRegistry allocates subscription handles and remembers the topic each
// one was created for, so callers can unsubscribe with the handle alone.
type HandleRegistry struct {
	mu sync.RWMutex

	// Maps handle to subscription
	subs map[string]*Subscription

	// Counter for generating unique handles
	counter uint64

	prefix string
}

// NewHandleRegistry creates a registry whose handles start with prefix.
func NewHandleRegistry(prefix string) *HandleRegistry {
	return &HandleRegistry{
		subs:   make(map[string]*Subscription),
		prefix: prefix,
	}
}

// Allocate creates a new handle for topic.
func (r *HandleRegistry) Allocate(topic string, origin *Actor) string {
	return r.allocate(topic, origin, false)
}

func (r *HandleRegistry) allocate(topic string, origin *Actor, replayAll bool) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		r.counter++
		handle := fmt.Sprintf("%s%d", r.prefix, r.counter)
		if _, exists := r.subs[handle]; exists {
			continue
		}
		r.subs[handle] = &Subscription{
			Handle: handle,
			Topic:     topic,
			Origin:    origin,
			ReplayAll: replayAll,
		}
		return handle
	}
}

// Lookup retrieves the subscription for handle.
func (r *HandleRegistry) Lookup(handle string) (*Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, exists := r.subs[handle]
	return sub, exists
}

// Release removes handle and returns the subscription it mapped to.
func (r *HandleRegistry) Release(handle string) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, exists := r.subs[handle]
	if exists {
		delete(r.subs, handle)
	}
	return sub, exists
}

// Select returns every subscription for which keep returns true.
func (r *HandleRegistry) Select(keep func(*Subscription) bool) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Subscription
	for _, sub := range r.subs {
		if keep(sub) {
			out = append(out, sub)
		}
	}
	return out
}

// Len returns the number of live handles.
func (r *HandleRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.subs)
}

// Clear forgets every handle.
func (r *HandleRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.subs = make(map[string]*Subscription)
}
