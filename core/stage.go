package core

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
	"github.com/najoast/stagego/protocol"
)

// DefaultMailboxSize is the number of jobs a stage queues before callers
// block.
const DefaultMailboxSize = 1024

// stageContext is the state shared by every actor of one stage.
type stageContext struct {
	id          string
	sep         string
	typePath    string
	includePath string

	loader TypeLoader
	peers  PeerFactory
	logger *slog.Logger

	handles *HandleRegistry

	// Resolved types and include fragments, keyed by qualified name
	types    map[string]Constructor
	includes map[string]Params

	// ctx is cancelled when the stage closes
	ctx context.Context

	// post schedules fn on the stage loop from any other goroutine
	post func(fn func())
}

// job is one unit of work for the stage loop. done is nil for work posted
// by background completions.
type job struct {
	fn   func() error
	done chan error
}

type options struct {
	loader      TypeLoader
	peers       PeerFactory
	logger      *slog.Logger
	sep         string
	typePath    string
	includePath string
	mailboxSize int
}

// Option configures a Stage.
type Option func(*options)

// WithLoader sets the loader used to resolve types and includes that are
// not cached yet.
func WithLoader(l TypeLoader) Option {
	return func(o *options) { o.loader = l }
}

// WithPeerFactory sets the factory used for actors created with the worker
// flag.
func WithPeerFactory(f PeerFactory) Option {
	return func(o *options) { o.peers = f }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithPathSeparator sets the separator used in paths and topics. Only "."
// and "/" are accepted.
func WithPathSeparator(sep string) Option {
	return func(o *options) { o.sep = sep }
}

// WithTypePath sets the prefix prepended to type names before resolution.
func WithTypePath(p string) Option {
	return func(o *options) { o.typePath = p }
}

// WithIncludePath sets the prefix prepended to include names before
// resolution.
func WithIncludePath(p string) Option {
	return func(o *options) { o.includePath = p }
}

// WithMailboxSize sets the capacity of the job queue.
func WithMailboxSize(n int) Option {
	return func(o *options) { o.mailboxSize = n }
}

// Stage owns the root of an actor tree and the goroutine every tree
// operation runs on.
//
// Stage methods are safe for concurrent use. Each one queues a job and
// waits for the loop to run it, so they must not be called from the loop
// itself: methods, handlers and constructors receive an *Actor and must use
// it instead, otherwise they deadlock.
type Stage struct {
	root    *Actor
	sc      *stageContext
	logger  *slog.Logger
	mailbox chan *job

	ctx    context.Context
	cancel context.CancelFunc

	stopped   chan struct{}
	closeOnce sync.Once
}

// NewStage creates a stage and starts its loop.
func NewStage(opts ...Option) (*Stage, error) {
	o := options{
		sep:         SeparatorDot,
		mailboxSize: DefaultMailboxSize,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if !ValidSeparator(o.sep) {
		return nil, fmt.Errorf("%w: %q", ErrBadSeparator, o.sep)
	}
	if o.mailboxSize <= 0 {
		o.mailboxSize = DefaultMailboxSize
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	logger := o.logger.With("stage", id)

	s := &Stage{
		logger:  logger,
		mailbox: make(chan *job, o.mailboxSize),
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}

	s.sc = &stageContext{
		id:          id,
		sep:         o.sep,
		typePath:    o.typePath,
		includePath: o.includePath,
		loader:      o.loader,
		peers:       o.peers,
		logger:      logger,
		handles:     NewHandleRegistry("sub-"),
		types:       make(map[string]Constructor),
		includes:    make(map[string]Params),
		ctx:         ctx,
		post:        s.post,
	}
	s.root = newActor("", nil, s.sc, true)

	go s.loop()

	logger.Debug("stage started", "separator", o.sep)
	return s, nil
}

func (s *Stage) loop() {
	defer close(s.stopped)

	for {
		select {
		case j := <-s.mailbox:
			s.run(j)
		case <-s.ctx.Done():
			s.drainMailbox()
			return
		}
	}
}

func (s *Stage) run(j *job) {
	err := s.safely(j.fn)
	if j.done != nil {
		j.done <- err
	} else if err != nil {
		s.logger.Error("background job failed", "error", err)
	}
}

// safely runs fn, turning a panic into an error.
func (s *Stage) safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("stage job panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return fn()
}

// drainMailbox fails the jobs still queued at shutdown.
func (s *Stage) drainMailbox() {
	for {
		select {
		case j := <-s.mailbox:
			if j.done != nil {
				j.done <- ErrStageClosed
			}
		default:
			return
		}
	}
}

// do runs fn on the loop and waits for its result.
func (s *Stage) do(fn func() error) error {
	j := &job{fn: fn, done: make(chan error, 1)}

	select {
	case s.mailbox <- j:
	case <-s.ctx.Done():
		return ErrStageClosed
	}

	select {
	case err := <-j.done:
		return err
	case <-s.stopped:
		select {
		case err := <-j.done:
			return err
		default:
			return ErrStageClosed
		}
	}
}

// post schedules fn on the loop without waiting. Work posted after Close is
// dropped.
func (s *Stage) post(fn func()) {
	j := &job{fn: func() error {
		fn()
		return nil
	}}

	select {
	case s.mailbox <- j:
	case <-s.ctx.Done():
	}
}

// ID returns the unique id of this stage instance.
func (s *Stage) ID() string {
	return s.sc.id
}

// Separator returns the path separator. It only changes through Configure.
func (s *Stage) Separator() string {
	var sep string
	_ = s.do(func() error {
		sep = s.sc.sep
		return nil
	})
	return sep
}

// Do runs fn on the loop with the root actor and returns its error.
func (s *Stage) Do(fn func(root *Actor) error) error {
	return s.do(func() error {
		return fn(s.root)
	})
}

// AddActor creates an actor under the root. See Actor.AddActor.
func (s *Stage) AddActor(params Params) (string, error) {
	var id string
	err := s.do(func() error {
		var err error
		id, err = s.root.AddActor(params)
		return err
	})
	return id, err
}

// RemoveActor removes a direct child of the root.
func (s *Stage) RemoveActor(id string) error {
	return s.do(func() error {
		return s.root.RemoveActor(id)
	})
}

// Call routes a call from the root. See Actor.Call.
func (s *Stage) Call(path string, params Params) error {
	return s.do(func() error {
		return s.root.Call(path, params)
	})
}

// Publish publishes on the root.
func (s *Stage) Publish(topic string, params Params) error {
	return s.do(func() error {
		s.root.Publish(topic, params)
		return nil
	})
}

// Subscribe subscribes from the root. handler runs on the stage loop.
func (s *Stage) Subscribe(topic string, handler Handler) (string, error) {
	var handle string
	err := s.do(func() error {
		handle = s.root.Subscribe(topic, handler)
		return nil
	})
	return handle, err
}

// Observe is Actor.Observe from the root.
func (s *Stage) Observe(topic string, handler Handler) (string, error) {
	var handle string
	err := s.do(func() error {
		handle = s.root.Observe(topic, handler)
		return nil
	})
	return handle, err
}

// Unsubscribe removes a subscription made anywhere on this stage.
func (s *Stage) Unsubscribe(handle string) error {
	return s.do(func() error {
		s.root.Unsubscribe(handle)
		return nil
	})
}

// SetResource sets a resource on the root, visible to every actor.
func (s *Stage) SetResource(name string, value any) error {
	return s.do(func() error {
		return s.root.SetResource(name, value)
	})
}

// GetResource reads a resource set on the root. The root has no ancestors,
// so unlike Actor.GetResource this reads its own resources.
func (s *Stage) GetResource(name string) (any, bool, error) {
	var (
		value any
		found bool
	)
	err := s.do(func() error {
		value, found = s.root.OwnResource(name)
		return nil
	})
	return value, found, err
}

// Lock locks the root.
func (s *Stage) Lock() error {
	return s.do(func() error {
		s.root.Lock()
		return nil
	})
}

// Unlock unlocks the root and drains what it buffered.
func (s *Stage) Unlock() error {
	return s.do(func() error {
		s.root.Unlock()
		return nil
	})
}

// Clear removes every actor, subscription and retained publication, and
// empties the type and include caches.
func (s *Stage) Clear() error {
	return s.do(func() error {
		s.root.Clear()
		return nil
	})
}

// Configure applies naming settings received from a host or a config reload.
// Empty fields are left unchanged. The separator can only change while the
// root has no children. Changing a path prefix empties the matching cache.
func (s *Stage) Configure(cfg protocol.Configs) error {
	return s.do(func() error {
		sc := s.sc

		if cfg.PathSeparator != "" && cfg.PathSeparator != sc.sep {
			if !ValidSeparator(cfg.PathSeparator) {
				return fmt.Errorf("%w: %q", ErrBadSeparator, cfg.PathSeparator)
			}
			if len(s.root.children) > 0 {
				return fmt.Errorf("%w: stage already has actors", ErrBadSeparator)
			}
			sc.sep = cfg.PathSeparator
		}

		if cfg.TypePath != "" && cfg.TypePath != sc.typePath {
			sc.typePath = cfg.TypePath
			sc.types = make(map[string]Constructor)
		}
		if cfg.IncludePath != "" && cfg.IncludePath != sc.includePath {
			sc.includePath = cfg.IncludePath
			sc.includes = make(map[string]Params)
		}

		s.logger.Debug("stage configured",
			"separator", sc.sep, "type_path", sc.typePath, "include_path", sc.includePath)
		return nil
	})
}

// InvalidateType drops a cached type so the next AddActor resolves it again.
// name is in the form the loader receives.
func (s *Stage) InvalidateType(name string) {
	s.post(func() {
		delete(s.sc.types, name)
	})
}

// InvalidateInclude drops a cached include fragment. name is in the form the
// loader receives.
func (s *Stage) InvalidateInclude(name string) {
	s.post(func() {
		delete(s.sc.includes, name)
	})
}

// StageStats is a point-in-time view of a stage.
type StageStats struct {
	ID             string
	Actors         int
	Subscriptions  int
	CachedTypes    int
	CachedIncludes int
	QueuedJobs     int
}

// Stats returns a snapshot of the stage.
func (s *Stage) Stats() (StageStats, error) {
	var stats StageStats
	err := s.do(func() error {
		stats = StageStats{
			ID:             s.sc.id,
			Actors:         s.root.countDescendants(),
			Subscriptions:  s.sc.handles.Len(),
			CachedTypes:    len(s.sc.types),
			CachedIncludes: len(s.sc.includes),
			QueuedJobs:     len(s.mailbox),
		}
		return nil
	})
	return stats, err
}

// Inspect returns the stats of the actor at path.
func (s *Stage) Inspect(path string) (ActorStats, error) {
	var stats ActorStats
	err := s.do(func() error {
		a, ok := s.root.Lookup(path)
		if !ok {
			return fmt.Errorf("%w: %s", ErrActorNotFound, path)
		}
		stats = a.Stats()
		return nil
	})
	return stats, err
}

// Close removes every actor, closing worker peers, and stops the loop.
// Later calls fail with ErrStageClosed.
func (s *Stage) Close() error {
	err := ErrStageClosed
	s.closeOnce.Do(func() {
		err = s.do(func() error {
			s.root.Clear()
			return nil
		})
		s.cancel()
		<-s.stopped
		s.logger.Debug("stage closed")
	})
	return err
}

// Done is closed once the stage loop has exited.
func (s *Stage) Done() <-chan struct{} {
	return s.stopped
}
