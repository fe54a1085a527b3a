package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/najoast/stagego/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePeer struct {
	mu       sync.Mutex
	id       string
	posted   []*protocol.Envelope
	listener func(*protocol.Envelope)
	closed   bool
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Post(env *protocol.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("peer closed")
	}
	p.posted = append(p.posted, env)
	return nil
}

func (p *fakePeer) Listen(fn func(*protocol.Envelope)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listener = fn
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) emit(env *protocol.Envelope) {
	p.mu.Lock()
	fn := p.listener
	p.mu.Unlock()
	fn(env)
}

func (p *fakePeer) envelopes() []*protocol.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*protocol.Envelope(nil), p.posted...)
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// gatedFactory hands out one fakePeer per actor once released.
type gatedFactory struct {
	gate  chan struct{}
	mu    sync.Mutex
	peers map[string]*fakePeer
}

func newGatedFactory() *gatedFactory {
	return &gatedFactory{
		gate:  make(chan struct{}),
		peers: make(map[string]*fakePeer),
	}
}

func (f *gatedFactory) spawn(ctx context.Context, actorID string) (Peer, error) {
	select {
	case <-f.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePeer{id: "peer-" + actorID}
	f.peers[actorID] = p
	return p, nil
}

func (f *gatedFactory) peer(actorID string) *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers[actorID]
}

func TestWorkerProxy(t *testing.T) {
	factory := newGatedFactory()
	s := newStage(t, WithPeerFactory(factory.spawn), WithTypePath("types/"))

	finished := awaitTopic(t, s, TopicTaskFinished)

	_, err := s.AddActor(Params{"id": "w", "type": "Remote", "worker": true, "x": 1})
	require.NoError(t, err)

	// Buffered until the peer is attached.
	require.NoError(t, s.Call("w.early", Params{"n": 1}))

	close(factory.gate)
	assert.Equal(t, "w.create", receive(t, finished).String("taskId"))

	peer := factory.peer("w")
	require.NotNil(t, peer)

	envs := peer.envelopes()
	require.Len(t, envs, 3)

	assert.Equal(t, protocol.ActionConfigure, envs[0].Action)
	assert.Equal(t, &protocol.Configs{PathSeparator: ".", TypePath: "types/"}, envs[0].Configs)

	assert.Equal(t, protocol.ActionCall, envs[1].Action)
	assert.Equal(t, MethodAddActor, envs[1].Method)
	assert.Equal(t, "w", envs[1].Params["id"])
	assert.Equal(t, "Remote", envs[1].Params["type"])
	assert.Equal(t, 1, envs[1].Params["x"])
	assert.NotContains(t, envs[1].Params, "worker")

	assert.Equal(t, "w.early", envs[2].Method)

	require.NoError(t, s.Call("w.doThing", Params{"a": "b"}))
	envs = peer.envelopes()
	require.Len(t, envs, 4)
	assert.Equal(t, "w.doThing", envs[3].Method)
	assert.Equal(t, "b", envs[3].Params["a"])

	stats, err := s.Inspect("w")
	require.NoError(t, err)
	assert.True(t, stats.IsWorkerProxy)
	assert.Equal(t, ActorStateLoaded, stats.State)
}

func TestWorkerPublicationsReachLocalSubscribers(t *testing.T) {
	factory := newGatedFactory()
	close(factory.gate)
	s := newStage(t, WithPeerFactory(factory.spawn))

	finished := awaitTopic(t, s, TopicTaskFinished)
	_, err := s.AddActor(Params{"id": "w", "type": "Remote", "worker": true})
	require.NoError(t, err)
	receive(t, finished)

	events := awaitTopic(t, s, "w.evt")
	errs := awaitTopic(t, s, "w.error")

	peer := factory.peer("w")
	peer.emit(protocol.Publish("w", "evt", map[string]any{"v": "1"}))
	assert.Equal(t, "1", receive(t, events).String("v"))

	peer.emit(protocol.Failure(errors.New("remote exploded")))
	assert.Equal(t, "remote exploded", receive(t, errs).String("error"))

	require.NoError(t, s.RemoveActor("w"))
	assert.True(t, peer.isClosed())
}

func TestWorkerWithoutFactory(t *testing.T) {
	s := newStage(t)

	failed := awaitTopic(t, s, TopicTaskFailed)
	_, err := s.AddActor(Params{"id": "w", "type": "Remote", "worker": true})
	require.NoError(t, err)

	assert.Equal(t, ErrNoWorkerFactory.Error(), receive(t, failed).String("error"))
}

func TestWorkerFactoryError(t *testing.T) {
	s := newStage(t, WithPeerFactory(func(context.Context, string) (Peer, error) {
		return nil, errors.New("no capacity")
	}))

	failed := awaitTopic(t, s, TopicTaskFailed)
	_, err := s.AddActor(Params{"id": "w", "type": "Remote", "worker": true})
	require.NoError(t, err)

	assert.Contains(t, receive(t, failed).String("error"), "no capacity")
}

func TestWorkerRelaysDeepSubscriptions(t *testing.T) {
	factory := newGatedFactory()
	close(factory.gate)
	s := newStage(t, WithPeerFactory(factory.spawn))

	finished := awaitTopic(t, s, TopicTaskFinished)
	_, err := s.AddActor(Params{"id": "w", "type": "Remote", "worker": true})
	require.NoError(t, err)
	receive(t, finished)
	peer := factory.peer("w")

	got := make(chan string, 8)
	subscribe := func(name string) string {
		h, err := s.Subscribe("w.kid.evt", func(p Params, topic string) {
			got <- name + ":" + topic + "=" + p.String("v")
		})
		require.NoError(t, err)
		return h
	}
	next := func() string {
		select {
		case v := <-got:
			return v
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for relayed publication")
			return ""
		}
	}

	h1 := subscribe("a")
	h2 := subscribe("b")

	envs := peer.envelopes()
	require.Len(t, envs, 3)
	assert.Equal(t, protocol.ActionSubscribe, envs[2].Action)
	assert.Equal(t, "w.kid.evt", envs[2].Topic)
	assert.Equal(t, "kid.evt", envs[2].Handle)

	peer.emit(&protocol.Envelope{
		Action: protocol.ActionPublish,
		Topic:  "evt",
		Handle: "kid.evt",
		Params: map[string]any{"v": "1"},
	})
	assert.ElementsMatch(t, []string{"a:evt=1", "b:evt=1"}, []string{next(), next()})

	// A late subscriber gets the last relayed publication, without a second
	// subscription on the worker.
	h3 := subscribe("c")
	assert.Equal(t, "c:evt=1", next())
	assert.Len(t, peer.envelopes(), 3)

	for _, h := range []string{h1, h2} {
		require.NoError(t, s.Unsubscribe(h))
	}
	assert.Len(t, peer.envelopes(), 3)

	require.NoError(t, s.Unsubscribe(h3))
	envs = peer.envelopes()
	require.Len(t, envs, 4)
	assert.Equal(t, protocol.ActionUnsubscribe, envs[3].Action)
	assert.Equal(t, "kid.evt", envs[3].Handle)
}
