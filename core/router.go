package core

import (
	"fmt"
)

// Names of the methods every actor answers to.
const (
	MethodAddActor    = "addActor"
	MethodRemoveActor = "removeActor"
	MethodClear       = "clear"
	MethodLock        = "lock"
	MethodUnlock      = "unlock"
)

func isBuiltin(name string) bool {
	switch name {
	case MethodAddActor, MethodRemoveActor, MethodClear, MethodLock, MethodUnlock:
		return true
	default:
		return false
	}
}

// Call delivers a method call addressed relative to this actor.
//
// The first path segment names a child; the remainder is delivered to that
// child. A path without a separator names a method on this actor. When
// either lookup misses, the call is passed to the parent with the original
// path, and fails with ErrMethodNotFound at the root. If the actor is not
// ready the call is buffered and Call returns nil.
func (a *Actor) Call(path string, params Params) error {
	if params == nil {
		params = Params{}
	}

	if a.gated() {
		a.calls = append(a.calls, bufferedCall{path: path, params: params})
		return nil
	}

	return a.route(path, params)
}

// route delivers a call on an actor whose gate is open. A worker proxy
// forwards everything it receives.
func (a *Actor) route(path string, params Params) error {
	if a.peer != nil {
		return a.forward(JoinPath(a.stage.sep, a.id, path), params)
	}

	if head, rest, ok := SplitPath(path, a.stage.sep); ok {
		child, exists := a.children[head]
		if !exists {
			return a.bubble(path, params)
		}
		return child.Call(rest, params)
	}

	m := a.lookup(path)
	if m == nil {
		return a.bubble(path, params)
	}
	return m(params)
}

// bubble hands a call this actor could not resolve to its parent.
func (a *Actor) bubble(path string, params Params) error {
	if a.parent == nil {
		return fmt.Errorf("%w: %s", ErrMethodNotFound, path)
	}
	return a.parent.Call(path, params)
}

// lookup finds a method in the dispatch table. While constructing, methods
// staged with Define are visible too.
func (a *Actor) lookup(name string) Method {
	if m := a.builtin(name); m != nil {
		return m
	}
	if m, ok := a.methods[name]; ok {
		return m
	}
	if a.constructing {
		if m, ok := a.staged[name]; ok {
			return m
		}
	}
	return nil
}

func (a *Actor) builtin(name string) Method {
	switch name {
	case MethodAddActor:
		return func(p Params) error {
			_, err := a.AddActor(p)
			return err
		}
	case MethodRemoveActor:
		return func(p Params) error {
			return a.RemoveActor(p.String(ParamID))
		}
	case MethodClear:
		return func(Params) error {
			a.Clear()
			return nil
		}
	case MethodLock:
		return func(Params) error {
			a.Lock()
			return nil
		}
	case MethodUnlock:
		return func(Params) error {
			a.Unlock()
			return nil
		}
	default:
		return nil
	}
}

// drainCalls runs buffered calls in arrival order for as long as the gate
// stays open. A call that locks the actor stops the drain and leaves the
// rest of the buffer ahead of anything that arrives later.
func (a *Actor) drainCalls() {
	for len(a.calls) > 0 && !a.gated() {
		call := a.calls[0]
		a.calls[0] = bufferedCall{}
		a.calls = a.calls[1:]

		if err := a.route(call.path, call.params); err != nil {
			a.reportError(err)
		}
	}
	if len(a.calls) == 0 {
		a.calls = nil
	}
}
