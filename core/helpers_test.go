package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestRoot builds a bare tree whose types are already cached, so
// construction completes synchronously inside AddActor.
func newTestRoot(t *testing.T, types map[string]Constructor) *Actor {
	t.Helper()

	cached := make(map[string]Constructor, len(types))
	for name, ctor := range types {
		cached[name] = ctor
	}

	sc := &stageContext{
		id:       "test",
		sep:      SeparatorDot,
		logger:   discardLogger(),
		handles:  NewHandleRegistry("sub-"),
		types:    cached,
		includes: make(map[string]Params),
		ctx:      context.Background(),
		post:     func(fn func()) { fn() },
	}
	return newActor("", nil, sc, true)
}

// recorder collects events from handlers and methods.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// personType answers saySomething with "<myName>:<message>".
func personType(rec *recorder) Constructor {
	return func(self *Actor, cfg Params) (*Behavior, error) {
		name := cfg.String("myName")
		return &Behavior{
			Methods: map[string]Method{
				"saySomething": func(p Params) error {
					rec.add(name + ":" + p.String("message"))
					return nil
				},
				"fail": func(Params) error {
					return errors.New("boom")
				},
				"lockSelf": func(Params) error {
					self.Lock()
					return nil
				},
			},
		}, nil
	}
}

// groupType is an empty container.
func groupType(self *Actor, cfg Params) (*Behavior, error) {
	return &Behavior{}, nil
}

// blockingLoader resolves from maps, waiting for release first when gated.
type blockingLoader struct {
	mu       sync.Mutex
	types    map[string]Constructor
	includes map[string]Params
	gate     chan struct{}
	resolved []string
}

func newBlockingLoader(gated bool) *blockingLoader {
	l := &blockingLoader{
		types:    make(map[string]Constructor),
		includes: make(map[string]Params),
	}
	if gated {
		l.gate = make(chan struct{})
	}
	return l
}

func (l *blockingLoader) release() {
	close(l.gate)
}

func (l *blockingLoader) wait(ctx context.Context) error {
	if l.gate == nil {
		return nil
	}
	select {
	case <-l.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *blockingLoader) Resolve(ctx context.Context, name string) (Constructor, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.resolved = append(l.resolved, name)

	ctor, ok := l.types[name]
	if !ok {
		return nil, errors.New("unknown type " + name)
	}
	return ctor, nil
}

func (l *blockingLoader) ResolveInclude(ctx context.Context, name string) (Params, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.resolved = append(l.resolved, name)

	fragment, ok := l.includes[name]
	if !ok {
		return nil, errors.New("unknown include " + name)
	}
	return fragment.Clone(), nil
}

func (l *blockingLoader) resolutions() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.resolved...)
}

// awaitTopic subscribes on the stage root and returns a channel receiving
// every publication of topic.
func awaitTopic(t *testing.T, s *Stage, topic string) <-chan Params {
	t.Helper()

	ch := make(chan Params, 16)
	_, err := s.Subscribe(topic, func(p Params, _ string) {
		ch <- p
	})
	require.NoError(t, err)
	return ch
}

func receive(t *testing.T, ch <-chan Params) Params {
	t.Helper()

	select {
	case p := <-ch:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for publication")
		return nil
	}
}
