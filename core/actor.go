package core

import (
	"fmt"
	"log/slog"
	"sort"
)

// bufferedCall is a call that arrived while its target was not ready.
type bufferedCall struct {
	path   string
	params Params
}

// bufferedSub is a subscription that could not be resolved yet.
type bufferedSub struct {
	topic   string
	handler Handler
	handle  string

	// head is the missing child segment for subscriptions waiting on a
	// child to appear
	head string
}

// Actor is one addressable node in a stage's tree. Its methods are not
// goroutine-safe: they run on the stage loop, either inside a Stage job or
// inside the methods, handlers and constructors the loop invokes.
type Actor struct {
	id     string
	path   string
	parent *Actor // non-owning
	stage  *stageContext

	// Child actors, owned by this actor
	children map[string]*Actor
	ids      *IdentifierPool

	// Lifecycle flags
	loaded       bool
	locked       bool
	constructing bool
	removed      bool

	// Work waiting for the gate to open, in arrival order
	calls []bufferedCall
	subs  []bufferedSub

	// Subscriptions whose next path segment names a child that does not
	// exist yet
	awaiting []bufferedSub

	// Dispatch table and the one being built during construction
	methods map[string]Method
	staged  map[string]Method
	destroy func()

	topics    map[string]*topicSubs
	retained  map[string]Params
	resources map[string]any

	// Set when this actor is a stand-in for a worker-hosted actor
	peer  Peer
	relay *relay
}

func newActor(id string, parent *Actor, sc *stageContext, loaded bool) *Actor {
	path := id
	if parent != nil {
		path = JoinPath(sc.sep, parent.path, id)
	}

	return &Actor{
		id:        id,
		path:      path,
		parent:    parent,
		stage:     sc,
		children:  make(map[string]*Actor),
		ids:       NewIdentifierPool(AutoIDPrefix),
		loaded:    loaded,
		methods:   make(map[string]Method),
		topics:    make(map[string]*topicSubs),
		retained:  make(map[string]Params),
		resources: make(map[string]any),
	}
}

// ID returns the id of the actor, unique among its siblings.
func (a *Actor) ID() string {
	return a.id
}

// Path returns the path of the actor from the root. The root's path is "".
func (a *Actor) Path() string {
	return a.path
}

// Parent returns the parent actor, or nil for the root.
func (a *Actor) Parent() *Actor {
	return a.parent
}

// Child returns the direct child with the given id.
func (a *Actor) Child(id string) (*Actor, bool) {
	child, ok := a.children[id]
	return child, ok
}

// Children returns the ids of the direct children in sorted order.
func (a *Actor) Children() []string {
	ids := make([]string, 0, len(a.children))
	for id := range a.children {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Lookup finds a descendant by its path relative to this actor. The empty
// path is the actor itself.
func (a *Actor) Lookup(path string) (*Actor, bool) {
	n := a
	for path != "" {
		head, rest, ok := SplitPath(path, a.stage.sep)
		if !ok {
			head, rest = path, ""
		}
		child, exists := n.children[head]
		if !exists {
			return nil, false
		}
		n, path = child, rest
	}
	return n, true
}

func (a *Actor) countDescendants() int {
	n := len(a.children)
	for _, child := range a.children {
		n += child.countDescendants()
	}
	return n
}

// Loaded reports whether construction has finished.
func (a *Actor) Loaded() bool {
	return a.loaded
}

// Locked reports whether the actor is holding its lock.
func (a *Actor) Locked() bool {
	return a.locked
}

// Separator returns the path separator of the stage.
func (a *Actor) Separator() string {
	return a.stage.sep
}

// Logger returns the stage logger annotated with this actor's path.
func (a *Actor) Logger() *slog.Logger {
	return a.stage.logger.With("actor", a.path)
}

// State returns the lifecycle state of the actor.
func (a *Actor) State() ActorState {
	switch {
	case a.removed:
		return ActorStateRemoved
	case a.constructing:
		return ActorStateConstructing
	case a.loaded:
		return ActorStateLoaded
	default:
		return ActorStateUnloaded
	}
}

// Stats returns a snapshot of the actor's internals.
func (a *Actor) Stats() ActorStats {
	return ActorStats{
		ID:             a.id,
		Path:           a.path,
		State:          a.State(),
		Locked:         a.locked,
		BufferedCalls:  len(a.calls),
		BufferedSubs:   len(a.subs) + len(a.awaiting),
		Children:       len(a.children),
		Topics:         len(a.topics),
		RetainedTopics: len(a.retained),
		IsWorkerProxy:  a.peer != nil,
	}
}

// gated reports whether incoming calls and subscriptions must be buffered.
// A removed actor stays gated forever.
func (a *Actor) gated() bool {
	return (!a.loaded && !a.constructing) || a.locked || a.removed
}

// Lock makes the actor buffer incoming calls and subscriptions until Unlock.
func (a *Actor) Lock() {
	a.locked = true
}

// Unlock releases the lock. If the actor is loaded the buffered calls run,
// then the buffered subscriptions, each in arrival order. Otherwise they wait
// for construction to finish.
func (a *Actor) Unlock() {
	if !a.locked {
		return
	}
	a.locked = false
	if a.loaded {
		a.drainCalls()
		a.drainSubscriptions()
	}
}

// Define adds a method to the dispatch table being built for the actor. It
// is only valid while the actor's constructor is running, and the method
// becomes reachable from calls the constructor makes.
func (a *Actor) Define(name string, m Method) error {
	if !a.constructing {
		return fmt.Errorf("%w: define %q on %q", ErrNotConstructing, name, a.path)
	}
	if isBuiltin(name) {
		return fmt.Errorf("%w: %q", ErrReservedMethod, name)
	}
	a.staged[name] = m
	return nil
}

// reportError publishes an error raised by work that had no synchronous
// caller, such as a buffered call.
func (a *Actor) reportError(err error) {
	a.Logger().Warn("deferred call failed", "error", err)
	a.Publish(TopicError, Params{"error": err.Error()})
}
