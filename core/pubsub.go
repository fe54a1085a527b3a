package core

import (
	"slices"
)

// topicSubs holds the handlers registered for one topic on one actor, in
// registration order.
type topicSubs struct {
	handles  []string
	handlers map[string]Handler
}

func (t *topicSubs) add(handle string, h Handler) {
	if _, exists := t.handlers[handle]; !exists {
		t.handles = append(t.handles, handle)
	}
	t.handlers[handle] = h
}

func (t *topicSubs) remove(handle string) bool {
	if _, exists := t.handlers[handle]; !exists {
		return false
	}
	delete(t.handlers, handle)
	for i, h := range t.handles {
		if h == handle {
			t.handles = append(t.handles[:i:i], t.handles[i+1:]...)
			break
		}
	}
	return true
}

// count is the number of live subscribers.
func (t *topicSubs) count() int {
	return len(t.handles)
}

// Subscribe registers handler for topic and returns a handle for
// Unsubscribe.
//
// The topic path is resolved relative to this actor and, separately,
// relative to every ancestor up to the root, so a topic that resolves at
// several levels delivers once per level. Where the path names a child
// that does not exist yet, the subscription waits for that child. If the
// topic already has a retained publication, handler receives it before
// Subscribe returns.
//
// A topic that resolves past a worker proxy, into the children of the
// worker-hosted actor, is subscribed on the worker and relayed back.
func (a *Actor) Subscribe(topic string, handler Handler) string {
	return a.subscribeFrom(topic, handler, false)
}

// Observe is Subscribe, except that a wildcard topic also receives every
// retained publication of the actor it lands on, in topic order, when it
// registers. Publications made while that actor was constructing are
// therefore not missed.
func (a *Actor) Observe(topic string, handler Handler) string {
	return a.subscribeFrom(topic, handler, true)
}

func (a *Actor) subscribeFrom(topic string, handler Handler, replayAll bool) string {
	handle := a.stage.handles.allocate(topic, a, replayAll)
	for n := a; n != nil; n = n.parent {
		n.subscribe(topic, handler, handle)
	}
	return handle
}

// subscribe resolves topic at this level.
func (a *Actor) subscribe(topic string, handler Handler, handle string) {
	if a.gated() {
		a.subs = append(a.subs, bufferedSub{topic: topic, handler: handler, handle: handle})
		return
	}

	// Publications of a worker-hosted actor are replayed on its proxy.
	// Deeper topics are relayed from the worker one by one.
	if a.peer != nil {
		a.register(topic, handler, handle)
		if _, _, deep := SplitPath(topic, a.stage.sep); deep {
			a.relaySubscribe(topic, handler)
		}
		return
	}

	head, rest, ok := SplitPath(topic, a.stage.sep)
	if !ok {
		a.register(topic, handler, handle)
		return
	}

	if child, exists := a.children[head]; exists {
		child.subscribe(rest, handler, handle)
		return
	}

	// No such child yet. Until it appears the topic is also taken literally,
	// which is how dotted topics such as task.finished are observed.
	a.awaiting = append(a.awaiting, bufferedSub{topic: topic, handler: handler, handle: handle, head: head})
	a.register(topic, handler, handle)
}

// register adds handler to the local subscribers of topic and replays the
// retained publication, if any.
func (a *Actor) register(topic string, handler Handler, handle string) {
	subs, ok := a.topics[topic]
	if !ok {
		subs = &topicSubs{handlers: make(map[string]Handler)}
		a.topics[topic] = subs
	}
	subs.add(handle, handler)

	if topic == Wildcard {
		if sub, ok := a.stage.handles.Lookup(handle); ok && sub.ReplayAll {
			topics := make([]string, 0, len(a.retained))
			for t := range a.retained {
				topics = append(topics, t)
			}
			slices.Sort(topics)
			for _, t := range topics {
				if params, ok := a.retained[t]; ok {
					handler(params, t)
				}
			}
			return
		}
	}

	if params, ok := a.retained[topic]; ok {
		handler(params, topic)
	}
}

// unregister reports whether handle was registered for topic here.
func (a *Actor) unregister(topic, handle string) bool {
	subs, ok := a.topics[topic]
	if !ok {
		return false
	}
	removed := subs.remove(handle)
	if removed && subs.count() == 0 {
		delete(a.topics, topic)
	}
	return removed
}

// adoptAwaiting moves subscriptions that were waiting for child into it.
func (a *Actor) adoptAwaiting(child *Actor) {
	if len(a.awaiting) == 0 {
		return
	}

	var keep, adopt []bufferedSub
	for _, sub := range a.awaiting {
		if sub.head == child.id {
			adopt = append(adopt, sub)
		} else {
			keep = append(keep, sub)
		}
	}
	a.awaiting = keep

	for _, sub := range adopt {
		a.unregister(sub.topic, sub.handle)
		_, rest, _ := SplitPath(sub.topic, a.stage.sep)
		child.subscribe(rest, sub.handler, sub.handle)
	}
}

// drainSubscriptions resolves buffered subscriptions in arrival order while
// the gate stays open.
func (a *Actor) drainSubscriptions() {
	for len(a.subs) > 0 && !a.gated() {
		sub := a.subs[0]
		a.subs[0] = bufferedSub{}
		a.subs = a.subs[1:]
		a.subscribe(sub.topic, sub.handler, sub.handle)
	}
	if len(a.subs) == 0 {
		a.subs = nil
	}
}

// Unsubscribe removes the subscription behind handle from every level it
// was registered on. Unknown handles are ignored.
func (a *Actor) Unsubscribe(handle string) {
	sub, ok := a.stage.handles.Release(handle)
	if !ok {
		return
	}

	origin := sub.Origin
	if origin == nil {
		origin = a
	}
	for n := origin; n != nil; n = n.parent {
		n.unsubscribe(sub.Topic, handle)
	}
}

func (a *Actor) unsubscribe(topic, handle string) {
	a.subs = withoutHandle(a.subs, handle)
	a.awaiting = withoutHandle(a.awaiting, handle)
	if a.unregister(topic, handle) && a.peer != nil {
		if _, _, deep := SplitPath(topic, a.stage.sep); deep {
			a.relayUnsubscribe(topic)
		}
	}

	if head, rest, ok := SplitPath(topic, a.stage.sep); ok {
		if child, exists := a.children[head]; exists {
			child.unsubscribe(rest, handle)
		}
	}
}

func withoutHandle(subs []bufferedSub, handle string) []bufferedSub {
	out := subs[:0]
	for _, sub := range subs {
		if sub.handle != handle {
			out = append(out, sub)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// releaseSubscriptions unsubscribes every handle created on this actor.
func (a *Actor) releaseSubscriptions() {
	owned := a.stage.handles.Select(func(sub *Subscription) bool {
		return sub.Origin == a
	})
	for _, sub := range owned {
		a.Unsubscribe(sub.Handle)
	}
}

// collectHandles adds every handle registered or buffered on this actor to
// into, and on its descendants when deep is set.
func (a *Actor) collectHandles(into map[string]struct{}, deep bool) {
	for _, sub := range a.subs {
		into[sub.handle] = struct{}{}
	}
	for _, sub := range a.awaiting {
		into[sub.handle] = struct{}{}
	}
	for _, subs := range a.topics {
		for _, handle := range subs.handles {
			into[handle] = struct{}{}
		}
	}
	if deep {
		for _, child := range a.children {
			child.collectHandles(into, true)
		}
	}
}

// pruneHandles releases the handles in held that are no longer registered
// at any level of their fan-out. A subscription made outside a removed
// subtree can lose its last registration that way.
func (a *Actor) pruneHandles(held map[string]struct{}) {
	for handle := range held {
		sub, ok := a.stage.handles.Lookup(handle)
		if !ok {
			continue
		}
		origin := sub.Origin
		if origin == nil {
			origin = a
		}

		live := false
		for n := origin; n != nil && !live; n = n.parent {
			live = n.holds(sub.Topic, handle)
		}
		if !live {
			a.stage.handles.Release(handle)
		}
	}
}

// holds reports whether handle is still registered along topic, from this
// actor down.
func (a *Actor) holds(topic, handle string) bool {
	if hasHandle(a.subs, handle) || hasHandle(a.awaiting, handle) {
		return true
	}
	if subs, ok := a.topics[topic]; ok {
		if _, ok := subs.handlers[handle]; ok {
			return true
		}
	}
	if head, rest, ok := SplitPath(topic, a.stage.sep); ok {
		if child, exists := a.children[head]; exists {
			return child.holds(rest, handle)
		}
	}
	return false
}

func hasHandle(subs []bufferedSub, handle string) bool {
	for _, sub := range subs {
		if sub.handle == handle {
			return true
		}
	}
	return false
}

// Publish stores params as the retained publication for topic and delivers
// it to the handlers registered for topic on this actor, then to the
// wildcard handlers. Publications do not propagate to parents or children.
func (a *Actor) Publish(topic string, params Params) {
	if params == nil {
		params = Params{}
	}

	a.retained[topic] = params
	a.deliver(topic, topic, params)
	if topic != Wildcard {
		a.deliver(Wildcard, topic, params)
	}
}

func (a *Actor) deliver(key, topic string, params Params) {
	subs, ok := a.topics[key]
	if !ok || subs.count() == 0 {
		return
	}

	handles := append([]string(nil), subs.handles...)
	for _, handle := range handles {
		if handler, ok := subs.handlers[handle]; ok {
			handler(params, topic)
		}
	}
}

// Subscribers returns the number of live subscribers to topic on this actor.
func (a *Actor) Subscribers(topic string) int {
	if subs, ok := a.topics[topic]; ok {
		return subs.count()
	}
	return 0
}

// Retained returns the last publication on topic.
func (a *Actor) Retained(topic string) (Params, bool) {
	params, ok := a.retained[topic]
	return params, ok
}
