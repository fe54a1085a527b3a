package core

import (
	"sync"
	"testing"
	"time"

	"github.com/najoast/stagego/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStage(t *testing.T, opts ...Option) *Stage {
	t.Helper()

	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	s, err := NewStage(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCallBeforeLoadIsDeliveredOnce(t *testing.T) {
	rec := &recorder{}
	loader := newBlockingLoader(true)
	loader.types["Person"] = personType(rec)
	s := newStage(t, WithLoader(loader))

	finished := awaitTopic(t, s, TopicTaskFinished)

	id, err := s.AddActor(Params{"id": "foo", "type": "Person", "myName": "Foo"})
	require.NoError(t, err)
	assert.Equal(t, "foo", id)

	require.NoError(t, s.Call("foo.saySomething", Params{"message": "hi"}))

	stats, err := s.Inspect("foo")
	require.NoError(t, err)
	assert.Equal(t, ActorStateUnloaded, stats.State)
	assert.Equal(t, 1, stats.BufferedCalls)
	assert.Empty(t, rec.list())

	loader.release()
	assert.Equal(t, "foo.create", receive(t, finished).String("taskId"))
	assert.Equal(t, []string{"Foo:hi"}, rec.list())

	// Once loaded, calls run immediately.
	require.NoError(t, s.Call("foo.saySomething", Params{"message": "again"}))
	assert.Equal(t, []string{"Foo:hi", "Foo:again"}, rec.list())
}

func TestBufferedCallsKeepOrder(t *testing.T) {
	rec := &recorder{}
	loader := newBlockingLoader(true)
	loader.types["Person"] = personType(rec)
	s := newStage(t, WithLoader(loader))

	finished := awaitTopic(t, s, TopicTaskFinished)

	_, err := s.AddActor(Params{"id": "foo", "type": "Person", "myName": "Foo"})
	require.NoError(t, err)
	for _, m := range []string{"m1", "m2", "m3"} {
		require.NoError(t, s.Call("foo.saySomething", Params{"message": m}))
	}

	loader.release()
	receive(t, finished)
	assert.Equal(t, []string{"Foo:m1", "Foo:m2", "Foo:m3"}, rec.list())
}

func TestTypeCache(t *testing.T) {
	rec := &recorder{}
	loader := newBlockingLoader(false)
	loader.types["people/Person"] = personType(rec)
	s := newStage(t, WithLoader(loader), WithTypePath("people."))

	finished := awaitTopic(t, s, TopicTaskFinished)

	_, err := s.AddActor(Params{"id": "a", "type": "Person"})
	require.NoError(t, err)
	receive(t, finished)

	// A cache hit constructs before AddActor returns.
	_, err = s.AddActor(Params{"id": "b", "type": "Person"})
	require.NoError(t, err)
	stats, err := s.Inspect("b")
	require.NoError(t, err)
	assert.Equal(t, ActorStateLoaded, stats.State)

	assert.Equal(t, []string{"people/Person"}, loader.resolutions())

	s.InvalidateType("people/Person")
	_, err = s.AddActor(Params{"id": "c", "type": "Person"})
	require.NoError(t, err)
	receive(t, finished)
	receive(t, finished)
	assert.Len(t, loader.resolutions(), 2)
}

func TestUnknownTypeFails(t *testing.T) {
	s := newStage(t, WithLoader(newBlockingLoader(false)))

	failed := awaitTopic(t, s, TopicTaskFailed)

	_, err := s.AddActor(Params{"id": "x", "type": "Nope"})
	require.NoError(t, err)

	p := receive(t, failed)
	assert.Equal(t, "x.create", p.String("taskId"))
	assert.Contains(t, p.String("error"), "failed to add actor type Nope")
}

func TestInclude(t *testing.T) {
	rec := &recorder{}
	loader := newBlockingLoader(false)
	loader.types["Person"] = personType(rec)
	loader.includes["people/alice"] = Params{"type": "Person", "myName": "Alice"}
	loader.includes["people/broken"] = Params{"myName": "Nobody"}
	s := newStage(t, WithLoader(loader), WithIncludePath("people."))

	finished := awaitTopic(t, s, TopicTaskFinished)
	failed := awaitTopic(t, s, TopicTaskFailed)

	_, err := s.AddActor(Params{"id": "alice", "include": "alice"})
	require.NoError(t, err)
	receive(t, finished)

	_, err = s.AddActor(Params{"id": "bob", "include": "alice", "myName": "Bob"})
	require.NoError(t, err)
	receive(t, finished)

	require.NoError(t, s.Call("alice.saySomething", Params{"message": "hi"}))
	require.NoError(t, s.Call("bob.saySomething", Params{"message": "yo"}))
	assert.Equal(t, []string{"Alice:hi", "Bob:yo"}, rec.list())

	_, err = s.AddActor(Params{"id": "broken", "include": "broken"})
	require.NoError(t, err)
	assert.Contains(t, receive(t, failed).String("error"), ErrBadInclude.Error())

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.CachedIncludes)
	assert.Equal(t, 3, stats.Actors)
}

func TestRemoveBeforeLoadDiscardsConstruction(t *testing.T) {
	rec := &recorder{}
	loader := newBlockingLoader(true)
	loader.types["Person"] = personType(rec)
	s := newStage(t, WithLoader(loader))

	_, err := s.AddActor(Params{"id": "foo", "type": "Person"})
	require.NoError(t, err)
	require.NoError(t, s.Call("foo.saySomething", Params{"message": "lost"}))
	require.NoError(t, s.RemoveActor("foo"))

	loader.release()

	// Round trip through the loop until the resolution has landed.
	require.Eventually(t, func() bool {
		stats, err := s.Stats()
		return err == nil && stats.CachedTypes == 0 && len(loader.resolutions()) == 1
	}, time.Second, 10*time.Millisecond)

	assert.Empty(t, rec.list())
	_, err = s.Inspect("foo")
	assert.ErrorIs(t, err, ErrActorNotFound)
}

func TestStageResources(t *testing.T) {
	s := newStage(t)

	require.NoError(t, s.SetResource("db", "conn"))
	assert.ErrorIs(t, s.SetResource("db", "other"), ErrResourceExists)

	v, ok, err := s.GetResource("db")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "conn", v)

	err = s.Do(func(root *Actor) error {
		_, err := root.AddActor(Params{"id": "child", "type": "Any"})
		return err
	})
	require.NoError(t, err)
}

func TestStagePublishSubscribe(t *testing.T) {
	s := newStage(t)

	ch := awaitTopic(t, s, "news")
	require.NoError(t, s.Publish("news", Params{"v": "1"}))
	assert.Equal(t, "1", receive(t, ch).String("v"))

	var got []string
	var mu sync.Mutex
	handle, err := s.Subscribe("news", func(p Params, _ string) {
		mu.Lock()
		got = append(got, p.String("v"))
		mu.Unlock()
	})
	require.NoError(t, err)
	require.NoError(t, s.Unsubscribe(handle))
	require.NoError(t, s.Publish("news", Params{"v": "2"}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"1"}, got)
}

func TestStageConcurrentCallers(t *testing.T) {
	s := newStage(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Subscribe("t", func(Params, string) {})
			assert.NoError(t, err)
			assert.NoError(t, s.Publish("t", nil))
		}()
	}
	wg.Wait()

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 20, stats.Subscriptions)
}

func TestStageLockUnlock(t *testing.T) {
	rec := &recorder{}
	loader := newBlockingLoader(false)
	loader.types["Person"] = personType(rec)
	s := newStage(t, WithLoader(loader))

	finished := awaitTopic(t, s, TopicTaskFinished)
	_, err := s.AddActor(Params{"id": "foo", "type": "Person", "myName": "Foo"})
	require.NoError(t, err)
	receive(t, finished)

	require.NoError(t, s.Lock())
	require.NoError(t, s.Call("foo.saySomething", Params{"message": "later"}))
	assert.Empty(t, rec.list())

	require.NoError(t, s.Unlock())
	assert.Equal(t, []string{"Foo:later"}, rec.list())

	require.NoError(t, s.Clear())
	_, err = s.Inspect("foo")
	assert.ErrorIs(t, err, ErrActorNotFound)
}

func TestStageRecoversPanics(t *testing.T) {
	s := newStage(t)

	err := s.Do(func(*Actor) error {
		panic("oops")
	})
	assert.ErrorIs(t, err, ErrPanic)

	// The loop survives.
	assert.NoError(t, s.Publish("alive", nil))
}

func TestStageConfigure(t *testing.T) {
	s := newStage(t)
	assert.Equal(t, ".", s.Separator())

	require.NoError(t, s.Configure(protocol.Configs{PathSeparator: "/"}))
	assert.Equal(t, "/", s.Separator())

	err := s.Configure(protocol.Configs{PathSeparator: ":"})
	assert.ErrorIs(t, err, ErrBadSeparator)

	require.NoError(t, s.Do(func(root *Actor) error {
		_, err := root.AddActor(Params{"id": "a", "type": "Any"})
		return err
	}))
	err = s.Configure(protocol.Configs{PathSeparator: "."})
	assert.ErrorIs(t, err, ErrBadSeparator)

	require.NoError(t, s.Configure(protocol.Configs{TypePath: "types/"}))
}

func TestNewStageRejectsSeparator(t *testing.T) {
	_, err := NewStage(WithPathSeparator("::"), WithLogger(discardLogger()))
	assert.ErrorIs(t, err, ErrBadSeparator)
}

func TestStageClose(t *testing.T) {
	destroyed := make(chan struct{})
	loader := newBlockingLoader(false)
	loader.types["Closer"] = func(self *Actor, cfg Params) (*Behavior, error) {
		return &Behavior{Destroy: func() { close(destroyed) }}, nil
	}

	s, err := NewStage(WithLoader(loader), WithLogger(discardLogger()))
	require.NoError(t, err)

	finished := awaitTopic(t, s, TopicTaskFinished)
	_, err = s.AddActor(Params{"id": "c", "type": "Closer"})
	require.NoError(t, err)
	receive(t, finished)

	require.NoError(t, s.Close())
	select {
	case <-destroyed:
	default:
		t.Fatal("destroy hook did not run")
	}
	<-s.Done()

	assert.ErrorIs(t, s.Call("c.x", nil), ErrStageClosed)
	assert.ErrorIs(t, s.Close(), ErrStageClosed)
}
