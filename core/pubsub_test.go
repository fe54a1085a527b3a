package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReplaysRetained(t *testing.T) {
	root := newTestRoot(t, nil)

	root.Publish("status", Params{"v": 1})

	var got []any
	root.Subscribe("status", func(p Params, topic string) {
		assert.Equal(t, "status", topic)
		got = append(got, p["v"])
	})
	assert.Equal(t, []any{1}, got)

	root.Publish("status", Params{"v": 2})
	assert.Equal(t, []any{1, 2}, got)
}

func TestPublishIsLocal(t *testing.T) {
	root := newTestRoot(t, map[string]Constructor{"Group": groupType})
	_, err := root.AddActor(Params{"id": "g", "type": "Group"})
	require.NoError(t, err)
	g, _ := root.Child("g")

	calls := 0
	root.Subscribe("ping", func(Params, string) { calls++ })

	g.Publish("ping", nil)
	assert.Equal(t, 0, calls)

	root.Publish("ping", nil)
	assert.Equal(t, 1, calls)
}

func TestWildcardSubscription(t *testing.T) {
	root := newTestRoot(t, nil)

	var seen []string
	root.Subscribe("a", func(_ Params, topic string) { seen = append(seen, "a-handler "+topic) })
	root.Subscribe(Wildcard, func(_ Params, topic string) { seen = append(seen, "wildcard "+topic) })

	root.Publish("a", nil)
	root.Publish("b", nil)
	root.Publish(Wildcard, nil)

	assert.Equal(t, []string{
		"a-handler a",
		"wildcard a",
		"wildcard b",
		"wildcard *",
	}, seen)
}

func TestWildcardDoesNotReplay(t *testing.T) {
	root := newTestRoot(t, nil)
	root.Publish("a", nil)

	calls := 0
	root.Subscribe(Wildcard, func(Params, string) { calls++ })
	assert.Equal(t, 0, calls)
}

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	root := newTestRoot(t, nil)

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		root.Subscribe("t", func(Params, string) { order = append(order, i) })
	}
	root.Publish("t", nil)

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestUnsubscribe(t *testing.T) {
	root := newTestRoot(t, nil)

	var first, second int
	h1 := root.Subscribe("t", func(Params, string) { first++ })
	root.Subscribe("t", func(Params, string) { second++ })

	root.Publish("t", nil)
	root.Unsubscribe(h1)
	root.Publish("t", nil)

	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
	assert.Equal(t, 1, root.Subscribers("t"))

	// Unknown and repeated handles are ignored.
	root.Unsubscribe(h1)
	root.Unsubscribe("sub-999")
}

func TestUnsubscribeDuringDelivery(t *testing.T) {
	root := newTestRoot(t, nil)

	var h2 string
	calls := 0
	root.Subscribe("t", func(Params, string) {
		root.Unsubscribe(h2)
	})
	h2 = root.Subscribe("t", func(Params, string) { calls++ })

	root.Publish("t", nil)
	assert.Equal(t, 0, calls)
}

func TestSubscribeIntoChild(t *testing.T) {
	root := newTestRoot(t, map[string]Constructor{"Group": groupType})
	_, err := root.AddActor(Params{"id": "foo", "type": "Group"})
	require.NoError(t, err)
	foo, _ := root.Child("foo")

	var got []string
	root.Subscribe("foo.bar", func(p Params, topic string) {
		got = append(got, topic+"="+p.String("v"))
	})
	assert.Equal(t, 1, foo.Subscribers("bar"))

	foo.Publish("bar", Params{"v": "1"})
	assert.Equal(t, []string{"bar=1"}, got)
}

func TestSubscribeBeforeChildExists(t *testing.T) {
	root := newTestRoot(t, map[string]Constructor{"Group": groupType})

	var got []string
	root.Subscribe("foo.bar", func(p Params, _ string) {
		got = append(got, p.String("v"))
	})
	assert.Equal(t, 1, root.Stats().BufferedSubs)

	_, err := root.AddActor(Params{"id": "foo", "type": "Group"})
	require.NoError(t, err)
	foo, _ := root.Child("foo")

	assert.Equal(t, 0, root.Stats().BufferedSubs)
	assert.Equal(t, 0, root.Subscribers("foo.bar"))
	assert.Equal(t, 1, foo.Subscribers("bar"))

	foo.Publish("bar", Params{"v": "x"})
	assert.Equal(t, []string{"x"}, got)
}

func TestUnsubscribeWhileAwaitingChild(t *testing.T) {
	root := newTestRoot(t, map[string]Constructor{"Group": groupType})

	calls := 0
	h := root.Subscribe("foo.bar", func(Params, string) { calls++ })
	root.Unsubscribe(h)

	_, err := root.AddActor(Params{"id": "foo", "type": "Group"})
	require.NoError(t, err)
	foo, _ := root.Child("foo")

	foo.Publish("bar", nil)
	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, foo.Subscribers("bar"))
}

func TestDottedTopicWithoutChild(t *testing.T) {
	root := newTestRoot(t, map[string]Constructor{"Group": groupType})

	var ids []string
	root.Subscribe(TopicTaskFinished, func(p Params, _ string) {
		ids = append(ids, p.String("taskId"))
	})

	_, err := root.AddActor(Params{"id": "a", "type": "Group"})
	require.NoError(t, err)
	_, err = root.AddActor(Params{"id": "b", "type": "Group"})
	require.NoError(t, err)

	assert.Equal(t, []string{"a.create", "b.create"}, ids)
}

func TestSubscriptionFansOutToAncestors(t *testing.T) {
	root := newTestRoot(t, map[string]Constructor{"Group": groupType})
	_, err := root.AddActor(Params{
		"id":     "g",
		"type":   "Group",
		"actors": []any{map[string]any{"id": "p", "type": "Group"}},
	})
	require.NoError(t, err)
	g, _ := root.Child("g")
	p, _ := g.Child("p")

	// Resolved relative to g it reaches p; relative to the root it names a
	// child that does not exist, so it waits there.
	calls := 0
	h := g.Subscribe("p.evt", func(Params, string) { calls++ })

	p.Publish("evt", nil)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, root.Stats().BufferedSubs)

	g.Unsubscribe(h)
	p.Publish("evt", nil)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, root.Stats().BufferedSubs)
}

func TestSubscriptionBufferedWhileLocked(t *testing.T) {
	root := newTestRoot(t, map[string]Constructor{"Group": groupType})
	_, err := root.AddActor(Params{"id": "g", "type": "Group"})
	require.NoError(t, err)
	g, _ := root.Child("g")

	g.Lock()
	g.Publish("state", Params{"v": "ready"})

	var got []string
	root.Subscribe("g.state", func(p Params, _ string) { got = append(got, p.String("v")) })
	assert.Empty(t, got)
	assert.Equal(t, 1, g.Stats().BufferedSubs)

	g.Unlock()
	assert.Equal(t, []string{"ready"}, got)
}

func TestObserveReplaysRetainedToWildcard(t *testing.T) {
	announcer := func(self *Actor, cfg Params) (*Behavior, error) {
		self.Publish("ready", Params{"v": "r"})
		self.Publish("booted", Params{"v": "b"})
		return &Behavior{}, nil
	}
	root := newTestRoot(t, map[string]Constructor{"Announcer": announcer})
	_, err := root.AddActor(Params{"id": "a", "type": "Announcer"})
	require.NoError(t, err)

	var plain []string
	root.Subscribe("a.*", func(_ Params, topic string) { plain = append(plain, topic) })
	assert.Empty(t, plain)

	var observed []string
	h := root.Observe("a.*", func(p Params, topic string) {
		observed = append(observed, topic+"="+p.String("v"))
	})
	assert.Equal(t, []string{"booted=b", "ready=r"}, observed)

	a, _ := root.Child("a")
	a.Publish("later", Params{"v": "l"})
	assert.Equal(t, []string{"booted=b", "ready=r", "later=l"}, observed)
	assert.Equal(t, []string{"later"}, plain)

	root.Unsubscribe(h)
	a.Publish("gone", nil)
	assert.Len(t, observed, 3)
}

func TestRemovingSubtreeReleasesDeadHandles(t *testing.T) {
	root := newTestRoot(t, map[string]Constructor{"Group": groupType})
	_, err := root.AddActor(Params{
		"id":     "g",
		"type":   "Group",
		"actors": []any{map[string]any{"id": "p", "type": "Group"}},
	})
	require.NoError(t, err)
	g, _ := root.Child("g")
	handles := root.stage.handles

	// Lives on at the root, where p is still awaited.
	g.Subscribe("p.evt", func(Params, string) {})
	// Only ever registered inside p.
	root.Subscribe("g.p.evt", func(Params, string) {})
	require.Equal(t, 2, handles.Len())

	require.NoError(t, g.RemoveActor("p"))
	assert.Equal(t, 1, handles.Len())

	// Clearing g drops its own subscription and the one that reached into it.
	root.Subscribe("g.other", func(Params, string) {})
	require.Equal(t, 2, handles.Len())
	g.Clear()
	assert.Equal(t, 0, handles.Len())
}
