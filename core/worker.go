package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/najoast/stagego/protocol"
)

// spawnWorker turns child into a proxy for an actor hosted by a worker peer.
// The peer is configured with the stage's naming settings and asked to
// create the actor under the same id. Calls routed through the proxy are
// forwarded, and publications the worker sends back are re-published on it.
func (a *Actor) spawnWorker(child *Actor, params Params, taskID string) {
	sc := a.stage
	if sc.peers == nil {
		a.fail(child, taskID, ErrNoWorkerFactory)
		return
	}

	resolveAsync(sc,
		func(ctx context.Context) (Peer, error) {
			return sc.peers(ctx, child.id)
		},
		func(peer Peer, err error) {
			if child.removed {
				if peer != nil {
					_ = peer.Close()
				}
				return
			}
			if err != nil {
				a.fail(child, taskID, fmt.Errorf("failed to spawn worker for %s: %w", child.id, err))
				return
			}

			if err := child.attach(peer, params); err != nil {
				_ = peer.Close()
				child.peer = nil
				a.fail(child, taskID, err)
				return
			}

			child.loaded = true
			if !child.locked {
				child.drainCalls()
				child.drainSubscriptions()
			}

			a.Publish(TopicTaskFinished, Params{"taskId": taskID})
		})
}

// attach binds the proxy to peer and sends the configure and addActor
// messages that create the remote actor.
func (a *Actor) attach(peer Peer, params Params) error {
	sc := a.stage
	a.peer = peer
	a.relay = newRelay()

	peer.Listen(func(env *protocol.Envelope) {
		sc.post(func() {
			if !a.removed {
				a.receive(env)
			}
		})
	})

	a.Logger().Info("worker peer attached", "peer", peer.ID())

	configure := &protocol.Envelope{
		Action: protocol.ActionConfigure,
		Configs: &protocol.Configs{
			PathSeparator: sc.sep,
			TypePath:      sc.typePath,
			IncludePath:   sc.includePath,
		},
	}
	if err := peer.Post(configure); err != nil {
		return fmt.Errorf("failed to configure worker %s: %w", peer.ID(), err)
	}

	cfg := params.Clone()
	delete(cfg, ParamWorker)
	cfg[ParamID] = a.id

	if err := peer.Post(protocol.Call(MethodAddActor, cfg)); err != nil {
		return fmt.Errorf("failed to create actor on worker %s: %w", peer.ID(), err)
	}
	return nil
}

// forward sends a call addressed to the proxied actor to its worker. The
// worker resolves path from its root, so path starts with the proxy's id.
func (a *Actor) forward(path string, params Params) error {
	if err := a.peer.Post(protocol.Call(path, params)); err != nil {
		return fmt.Errorf("failed to forward %s to worker %s: %w", path, a.peer.ID(), err)
	}
	return nil
}

// receive handles an envelope sent back by the worker.
func (a *Actor) receive(env *protocol.Envelope) {
	switch env.Action {
	case protocol.ActionPublish:
		if env.Handle != "" {
			a.relayDeliver(env.Handle, env.Topic, Params(env.Params))
			return
		}
		a.Publish(env.Topic, Params(env.Params))
	case protocol.ActionError:
		a.Logger().Warn("worker reported an error", "peer", a.peer.ID(), "error", env.Error)
		a.Publish(TopicError, Params{"error": env.Error})
	default:
		a.Logger().Debug("ignoring worker message", "action", env.Action)
	}
}

// relay tracks the subscriptions that reach past a proxy into the children
// of its worker-hosted actor. Each topic is subscribed on the worker once,
// keyed by the topic as registered on the proxy.
type relay struct {
	refs map[string]int
	last map[string]relayed
}

type relayed struct {
	topic  string
	params Params
}

func newRelay() *relay {
	return &relay{
		refs: make(map[string]int),
		last: make(map[string]relayed),
	}
}

// relaySubscribe asks the worker for topic on the first subscriber. Later
// subscribers get the last relayed publication instead.
func (a *Actor) relaySubscribe(topic string, handler Handler) {
	r := a.relay
	r.refs[topic]++
	if r.refs[topic] > 1 {
		if pub, ok := r.last[topic]; ok {
			handler(pub.params, pub.topic)
		}
		return
	}

	env := &protocol.Envelope{
		Action: protocol.ActionSubscribe,
		Topic:  JoinPath(a.stage.sep, a.id, topic),
		Handle: topic,
	}
	if err := a.peer.Post(env); err != nil {
		a.Logger().Warn("failed to relay subscription", "topic", topic, "error", err)
	}
}

// relayUnsubscribe drops the worker subscription with the last subscriber.
func (a *Actor) relayUnsubscribe(topic string) {
	r := a.relay
	r.refs[topic]--
	if r.refs[topic] > 0 {
		return
	}
	delete(r.refs, topic)
	delete(r.last, topic)

	env := &protocol.Envelope{Action: protocol.ActionUnsubscribe, Handle: topic}
	if err := a.peer.Post(env); err != nil {
		a.Logger().Warn("failed to relay unsubscribe", "topic", topic, "error", err)
	}
}

// relayDeliver hands a publication relayed for key to the proxy subscribers
// of key. topic is the topic it was published under in the worker.
func (a *Actor) relayDeliver(key, topic string, params Params) {
	if a.relay == nil || a.relay.refs[key] == 0 {
		return
	}
	if params == nil {
		params = Params{}
	}
	if !strings.HasSuffix(key, a.stage.sep+Wildcard) {
		a.relay.last[key] = relayed{topic: topic, params: params}
	}
	a.deliver(key, topic, params)
}

// relayReset drops every relayed subscription.
func (a *Actor) relayReset() {
	if a.relay == nil || a.peer == nil {
		return
	}
	for topic := range a.relay.refs {
		env := &protocol.Envelope{Action: protocol.ActionUnsubscribe, Handle: topic}
		if err := a.peer.Post(env); err != nil {
			a.Logger().Warn("failed to relay unsubscribe", "topic", topic, "error", err)
		}
	}
	a.relay = newRelay()
}
