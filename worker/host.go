// Package worker runs actors on a stage of their own, behind a Peer.
//
// The main stage holds a proxy actor whose Peer carries envelopes to a Host.
// The Host applies them to the worker stage and sends the publications of
// the hosted actor back. Peers exist for an in-process goroutine worker and
// for a worker process reached over TCP.
package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/najoast/stagego/core"
	"github.com/najoast/stagego/protocol"
)

// Sender delivers an envelope to the other side of a peer.
type Sender func(env *protocol.Envelope) error

// Host applies envelopes received from a proxy to a worker stage.
type Host struct {
	stage  *core.Stage
	send   Sender
	logger *slog.Logger

	mu sync.Mutex
	// Handles of the event forwarders, by hosted actor id
	forwarders map[string]string
	// Handles of relayed subscriptions, by proxy key
	relays map[string]string
}

// NewHost creates a host for stage. Failures reported by the stage root and
// every publication of the actors it creates are sent back through send.
func NewHost(stage *core.Stage, send Sender, logger *slog.Logger) (*Host, error) {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Host{
		stage:      stage,
		send:       send,
		logger:     logger.With("component", "worker-host", "stage", stage.ID()),
		forwarders: make(map[string]string),
		relays:     make(map[string]string),
	}

	_, err := stage.Subscribe(core.TopicTaskFailed, func(p core.Params, _ string) {
		h.reply(protocol.Failure(errors.New(p.String("error"))))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to watch worker failures: %w", err)
	}
	return h, nil
}

// Stage returns the worker stage.
func (h *Host) Stage() *core.Stage {
	return h.stage
}

// Handle applies one envelope. Envelopes must be handled one at a time, in
// the order they were sent.
func (h *Host) Handle(env *protocol.Envelope) {
	if err := h.handle(env); err != nil {
		h.logger.Warn("worker request failed", "action", env.Action, "error", err)
		h.reply(protocol.Failure(err))
	}
}

func (h *Host) handle(env *protocol.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	switch env.Action {
	case protocol.ActionConfigure:
		return h.stage.Configure(*env.Configs)

	case protocol.ActionCall:
		params := core.Params(env.Params)
		if err := h.stage.Call(env.Method, params); err != nil {
			return err
		}
		if env.Method == core.MethodAddActor {
			return h.forward(params.String(core.ParamID))
		}
		return nil

	case protocol.ActionPublish:
		return h.stage.Do(func(root *core.Actor) error {
			target, ok := root.Lookup(env.Actor)
			if !ok {
				return fmt.Errorf("%w: %s", core.ErrActorNotFound, env.Actor)
			}
			target.Publish(env.Topic, core.Params(env.Params))
			return nil
		})

	case protocol.ActionSubscribe:
		return h.relay(env.Topic, env.Handle)

	case protocol.ActionUnsubscribe:
		h.mu.Lock()
		handle, ok := h.relays[env.Handle]
		delete(h.relays, env.Handle)
		h.mu.Unlock()
		if !ok {
			return nil
		}
		return h.stage.Unsubscribe(handle)

	default:
		return fmt.Errorf("%w: %q on a worker", protocol.ErrUnknownAction, env.Action)
	}
}

// forward sends every publication made on the hosted actor back to the
// proxy, starting with what it retained while it was constructing.
func (h *Host) forward(id string) error {
	if id == "" {
		return fmt.Errorf("%w: id", core.ErrMissingParam)
	}

	h.mu.Lock()
	_, exists := h.forwarders[id]
	h.mu.Unlock()
	if exists {
		return nil
	}

	topic := core.JoinPath(h.stage.Separator(), id, core.Wildcard)
	handle, err := h.stage.Observe(topic, func(p core.Params, topic string) {
		h.reply(protocol.Publish(id, topic, p))
	})
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.forwarders[id] = handle
	h.mu.Unlock()

	h.logger.Debug("forwarding actor events", "actor", id)
	return nil
}

// relay subscribes topic for the proxy, which asked for it under key. The
// publications go back tagged with key.
func (h *Host) relay(topic, key string) error {
	h.mu.Lock()
	_, exists := h.relays[key]
	h.mu.Unlock()
	if exists {
		return nil
	}

	handle, err := h.stage.Subscribe(topic, func(p core.Params, published string) {
		h.reply(&protocol.Envelope{
			Action: protocol.ActionPublish,
			Topic:  published,
			Handle: key,
			Params: p,
		})
	})
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.relays[key] = handle
	h.mu.Unlock()
	return nil
}

func (h *Host) reply(env *protocol.Envelope) {
	if err := h.send(env); err != nil {
		h.logger.Warn("failed to reply to proxy", "action", env.Action, "error", err)
	}
}
