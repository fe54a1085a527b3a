package remote

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/najoast/stagego/core"
	"github.com/najoast/stagego/loader"
	"github.com/najoast/stagego/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func echoStage(t *testing.T) *core.Stage {
	t.Helper()

	r := loader.NewRegistry()
	r.MustRegister("Echo", func(self *core.Actor, cfg core.Params) (*core.Behavior, error) {
		return &core.Behavior{
			Methods: map[string]core.Method{
				"say": func(p core.Params) error {
					self.Publish("said", core.Params{"text": p.String("text")})
					return nil
				},
			},
		}, nil
	})

	s, err := core.NewStage(core.WithLoader(r), core.WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type published struct {
	topic  string
	params core.Params
}

func startServer(t *testing.T, s *core.Stage, origins []string) (*Server, string, string) {
	t.Helper()

	server := NewServer(s, origins, quietLogger())
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		server.Close()
		ts.Close()
	})
	return server, "ws" + strings.TrimPrefix(ts.URL, "http"), ts.URL
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timed out")
		var zero T
		return zero
	}
}

func TestClientServerRoundTrip(t *testing.T) {
	s := echoStage(t)
	server, url, origin := startServer(t, s, nil)

	errs := make(chan error, 4)
	client, err := Dial(url, origin,
		WithClientLogger(quietLogger()),
		WithRetryInterval(20*time.Millisecond),
		WithErrorHandler(func(err error) { errs <- err }),
	)
	require.NoError(t, err)
	defer client.Close()

	// Queued until the server answers connect.
	said := make(chan published, 4)
	handle, err := client.Subscribe("e.said", func(p core.Params, topic string) {
		said <- published{topic: topic, params: p}
	})
	require.NoError(t, err)
	require.NoError(t, client.Call(core.MethodAddActor, core.Params{"id": "e", "type": "Echo"}))
	require.NoError(t, client.Call("e.say", core.Params{"text": "hi"}))

	waitFor(t, client.Connected())

	got := waitFor(t, said)
	assert.Equal(t, "said", got.topic)
	assert.Equal(t, "hi", got.params.String("text"))

	require.NoError(t, client.Call("nope", nil))
	assert.Contains(t, waitFor(t, errs).Error(), core.ErrMethodNotFound.Error())

	news := make(chan core.Params, 1)
	_, err = s.Subscribe("news", func(p core.Params, _ string) { news <- p })
	require.NoError(t, err)
	require.NoError(t, client.Publish("news", core.Params{"v": "1"}))
	assert.Equal(t, "1", waitFor(t, news).String("v"))

	before, err := s.Stats()
	require.NoError(t, err)
	require.NoError(t, client.Unsubscribe(handle))
	require.Eventually(t, func() bool {
		stats, err := s.Stats()
		return err == nil && stats.Subscriptions == before.Subscriptions-1
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, server.Sessions())
	require.NoError(t, client.Close())
	<-client.Done()
	require.Eventually(t, func() bool { return server.Sessions() == 0 }, 3*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, client.Call("e.say", nil), ErrClientClosed)
}

func TestSessionReleasesSubscriptions(t *testing.T) {
	s := echoStage(t)
	server, url, origin := startServer(t, s, nil)

	before, err := s.Stats()
	require.NoError(t, err)

	client, err := Dial(url, origin, WithClientLogger(quietLogger()))
	require.NoError(t, err)

	_, err = client.Subscribe("a", func(core.Params, string) {})
	require.NoError(t, err)
	_, err = client.Subscribe("b", func(core.Params, string) {})
	require.NoError(t, err)
	waitFor(t, client.Connected())

	require.Eventually(t, func() bool {
		stats, err := s.Stats()
		return err == nil && stats.Subscriptions == before.Subscriptions+2
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, client.Close())
	require.Eventually(t, func() bool {
		stats, err := s.Stats()
		return err == nil && stats.Subscriptions == before.Subscriptions && server.Sessions() == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestOriginCheck(t *testing.T) {
	s := echoStage(t)
	_, url, origin := startServer(t, s, []string{"http://allowed.example"})

	_, err := Dial(url, origin, WithClientLogger(quietLogger()))
	assert.Error(t, err)

	client, err := Dial(url, "http://allowed.example", WithClientLogger(quietLogger()))
	require.NoError(t, err)
	defer client.Close()
	waitFor(t, client.Connected())
}

func TestDialFailure(t *testing.T) {
	_, err := Dial("ws://127.0.0.1:1/", "http://localhost/", WithDialTimeout(200*time.Millisecond))
	assert.Error(t, err)
}

func TestServeUntilCancelled(t *testing.T) {
	s := echoStage(t)
	server := NewServer(s, nil, quietLogger())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- server.Serve(ctx, ln, "/stage") }()

	addr := ln.Addr().String()
	client, err := Dial("ws://"+addr+"/stage", "http://"+addr, WithClientLogger(quietLogger()))
	require.NoError(t, err)
	waitFor(t, client.Connected())

	cancel()
	require.NoError(t, waitFor(t, served))
	waitFor(t, client.Done())
}

func TestStalledClientDoesNotBlockStage(t *testing.T) {
	s := echoStage(t)

	// Nothing drains the outbox, as with a client that stopped reading.
	sess := &session{
		id:        "stalled",
		stage:     s,
		codec:     protocol.NewJSONCodec(),
		logger:    quietLogger(),
		out:       make(chan *protocol.Envelope, DefaultOutboxSize),
		subs:      make(map[string]string),
		closed:    make(chan struct{}),
		overflow:  make(chan struct{}),
		connected: true,
	}
	require.NoError(t, sess.handle(&protocol.Envelope{
		Action: protocol.ActionSubscribe,
		Topic:  "tick",
		Handle: "h1",
	}))

	done := make(chan error, 1)
	go func() {
		for i := 0; i <= DefaultOutboxSize; i++ {
			if err := s.Publish("tick", core.Params{"n": i}); err != nil {
				done <- err
				return
			}
		}
		done <- s.SetResource("still", "alive")
	}()

	require.NoError(t, waitFor(t, done))
	assert.Len(t, sess.out, DefaultOutboxSize)

	select {
	case <-sess.overflow:
	default:
		t.Fatal("overflow was not signalled")
	}
}
