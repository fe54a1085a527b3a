package core

import (
	"context"
	"fmt"
	"runtime/debug"
)

// AddActor creates a child actor from params and returns its id.
//
// params must name a "type" or an "include". The id is taken from "id" or
// generated. If the id is taken AddActor fails with ErrActorExists, unless
// "existsOK" is set, in which case it returns the existing id and does
// nothing else.
//
// The child exists, unloaded, as soon as AddActor returns; calls and
// subscriptions addressed to it are buffered until construction finishes.
// Progress is published on this actor as task.started followed by
// task.finished, or task.failed and error. Construction failures are never
// returned from AddActor.
func (a *Actor) AddActor(params Params) (string, error) {
	if params == nil {
		return "", fmt.Errorf("%w: params", ErrMissingParam)
	}

	id := params.String(ParamID)
	if id != "" {
		if _, exists := a.children[id]; exists {
			if params.Bool(ParamExistsOK) {
				return id, nil
			}
			return "", fmt.Errorf("%w: %s", ErrActorExists, JoinPath(a.stage.sep, a.path, id))
		}
	}

	if params.String(ParamType) == "" && params.String(ParamInclude) == "" {
		return "", fmt.Errorf("%w: type or include", ErrMissingParam)
	}

	id, err := a.ids.Add(id)
	if err != nil {
		return "", err
	}

	child := newActor(id, a, a.stage, false)
	taskID := JoinPath(a.stage.sep, child.path, "create")

	a.Publish(TopicTaskStarted, Params{
		"taskId":      taskID,
		"description": fmt.Sprintf("Creating actor '%s'", id),
	})

	a.children[id] = child
	a.adoptAwaiting(child)

	child.Logger().Debug("actor added", "type", params.String(ParamType), "include", params.String(ParamInclude))

	if params.Bool(ParamWorker) {
		a.spawnWorker(child, params, taskID)
		return id, nil
	}

	if include := params.String(ParamInclude); include != "" {
		a.loadInclude(child, include, params, taskID)
	} else {
		a.loadType(child, params.String(ParamType), params, taskID)
	}

	return id, nil
}

// loadInclude resolves an include fragment, then the type its root names.
func (a *Actor) loadInclude(child *Actor, include string, params Params, taskID string) {
	sc := a.stage
	key := normalizeName(sc.includePath+include, sc.sep)

	withFragment := func(fragment Params) {
		if fragment.String(ParamInclude) != "" || fragment.String(ParamType) == "" {
			a.fail(child, taskID, fmt.Errorf("%w: %s", ErrBadInclude, include))
			return
		}

		overrides := params.Clone()
		delete(overrides, ParamInclude)
		delete(overrides, ParamType)
		a.loadType(child, fragment.String(ParamType), fragment.Merge(overrides), taskID)
	}

	if fragment, ok := sc.includes[key]; ok {
		withFragment(fragment)
		return
	}

	if sc.loader == nil {
		a.fail(child, taskID, ErrNoLoader)
		return
	}

	resolveAsync(sc,
		func(ctx context.Context) (Params, error) {
			return sc.loader.ResolveInclude(ctx, key)
		},
		func(fragment Params, err error) {
			if child.removed {
				return
			}
			if err != nil {
				a.fail(child, taskID, fmt.Errorf("failed to include actor %s: %w", include, err))
				return
			}
			sc.includes[key] = fragment
			withFragment(fragment)
		})
}

// loadType resolves a type constructor and constructs child with it.
func (a *Actor) loadType(child *Actor, typeName string, cfg Params, taskID string) {
	sc := a.stage
	key := normalizeName(sc.typePath+typeName, sc.sep)

	if ctor, ok := sc.types[key]; ok {
		a.construct(child, ctor, cfg, taskID)
		return
	}

	if sc.loader == nil {
		a.fail(child, taskID, ErrNoLoader)
		return
	}

	resolveAsync(sc,
		func(ctx context.Context) (Constructor, error) {
			return sc.loader.Resolve(ctx, key)
		},
		func(ctor Constructor, err error) {
			if child.removed {
				return
			}
			if err != nil {
				a.fail(child, taskID, fmt.Errorf("failed to add actor type %s: %w", typeName, err))
				return
			}
			sc.types[key] = ctor
			a.construct(child, ctor, cfg, taskID)
		})
}

// construct runs the type constructor against child, adds the nested actors
// listed in cfg, installs the resulting behavior and opens the gate.
func (a *Actor) construct(child *Actor, ctor Constructor, cfg Params, taskID string) {
	if child.removed {
		return
	}

	cfg = cfg.Clone()
	cfg[ParamID] = child.id

	child.constructing = true
	child.staged = make(map[string]Method)

	behavior, err := child.runConstructor(ctor, cfg)
	if err == nil {
		for _, nested := range cfg.List(ParamActors) {
			if _, err = child.AddActor(nested); err != nil {
				break
			}
		}
	}

	child.constructing = false

	if err != nil {
		child.staged = nil
		a.fail(child, taskID, err)
		return
	}

	child.install(behavior)
	child.loaded = true

	if !child.locked {
		child.drainCalls()
		child.drainSubscriptions()
	}

	a.Publish(TopicTaskFinished, Params{"taskId": taskID})
}

func (a *Actor) runConstructor(ctor Constructor, cfg Params) (behavior *Behavior, err error) {
	defer func() {
		if r := recover(); r != nil {
			a.Logger().Error("constructor panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()

	behavior, err = ctor(a, cfg)
	if err != nil {
		return nil, err
	}
	if behavior != nil {
		for name := range behavior.Methods {
			if isBuiltin(name) {
				return nil, fmt.Errorf("%w: %q", ErrReservedMethod, name)
			}
		}
	}
	return behavior, nil
}

// install swaps in the dispatch table built during construction.
func (a *Actor) install(behavior *Behavior) {
	methods := a.staged
	if methods == nil {
		methods = make(map[string]Method)
	}
	if behavior != nil {
		for name, m := range behavior.Methods {
			methods[name] = m
		}
		a.destroy = behavior.Destroy
	}
	a.methods = methods
	a.staged = nil
}

// fail reports a construction failure on this actor, the parent of child.
// child stays unloaded and keeps whatever was buffered for it.
func (a *Actor) fail(child *Actor, taskID string, err error) {
	child.Logger().Error("actor construction failed", "task", taskID, "error", err)

	a.Publish(TopicTaskFailed, Params{
		"taskId": taskID,
		"error":  err.Error(),
	})
	a.Publish(TopicError, Params{
		"taskId": taskID,
		"error":  err.Error(),
	})
}

// RemoveActor destroys the child with the given id and its whole subtree.
// Removing an id that does not exist is a no-op.
func (a *Actor) RemoveActor(id string) error {
	if id == "" {
		return fmt.Errorf("%w: id", ErrMissingParam)
	}

	child, exists := a.children[id]
	if !exists {
		return nil
	}

	held := make(map[string]struct{})
	child.collectHandles(held, true)

	child.teardown()
	delete(a.children, id)
	a.ids.Remove(id)
	a.pruneHandles(held)
	return nil
}

// Clear removes every child actor, drops the subscriptions registered on this
// actor and its retained publications. Clearing the root also empties the
// stage's type and include caches.
func (a *Actor) Clear() {
	for _, id := range a.Children() {
		_ = a.RemoveActor(id)
	}
	a.ids.Clear()

	a.releaseSubscriptions()
	held := make(map[string]struct{})
	a.collectHandles(held, false)
	a.topics = make(map[string]*topicSubs)
	a.retained = make(map[string]Params)
	a.subs = nil
	a.awaiting = nil
	a.pruneHandles(held)
	a.relayReset()

	if a.parent == nil {
		a.stage.types = make(map[string]Constructor)
		a.stage.includes = make(map[string]Params)
	}
}

// teardown destroys the subtree rooted at a, children first. Subscriptions
// made from inside the subtree are released while the parent chain is still
// intact, so their fan-out can be undone.
func (a *Actor) teardown() {
	for _, id := range a.Children() {
		a.children[id].teardown()
	}

	if a.destroy != nil {
		a.runDestroy()
	}

	a.releaseSubscriptions()

	if a.peer != nil {
		if err := a.peer.Close(); err != nil {
			a.Logger().Warn("failed to close worker peer", "peer", a.peer.ID(), "error", err)
		}
		a.Logger().Info("worker peer closed", "peer", a.peer.ID())
	}

	a.removed = true
	a.children = make(map[string]*Actor)
	a.calls = nil
	a.subs = nil
	a.awaiting = nil
}

func (a *Actor) runDestroy() {
	defer func() {
		if r := recover(); r != nil {
			a.Logger().Error("destroy hook panicked", "panic", r)
		}
	}()
	a.destroy()
}

// resolveAsync runs work off the loop and hands its result back to the loop.
func resolveAsync[T any](sc *stageContext, work func(context.Context) (T, error), done func(T, error)) {
	go func() {
		v, err := work(sc.ctx)
		sc.post(func() {
			done(v, err)
		})
	}()
}
