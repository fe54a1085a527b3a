// Package remote exposes a stage to another process over a websocket.
//
// Both sides exchange protocol envelopes as JSON text messages. A client
// opens the channel with connect and the server answers connected; until
// then either side keeps its outbound envelopes queued.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/najoast/stagego/core"
	"github.com/najoast/stagego/protocol"
	"golang.org/x/net/websocket"
	"golang.org/x/sync/errgroup"
)

// Remote errors
var (
	ErrOriginNotAllowed = errors.New("origin not allowed")
	ErrClientClosed     = errors.New("client closed")
	ErrSlowClient       = errors.New("client outbox overflowed")
)

// DefaultOutboxSize bounds the envelopes waiting to be written to one peer.
// A client that lets its outbox fill up is disconnected.
const DefaultOutboxSize = 256

// Server serves a stage to websocket clients.
type Server struct {
	stage   *core.Stage
	logger  *slog.Logger
	origins []string

	mu       sync.Mutex
	sessions map[string]*session
}

// NewServer creates a server for stage. When origins is not empty, only
// handshakes from one of these origins are accepted.
func NewServer(stage *core.Stage, origins []string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		stage:    stage,
		logger:   logger.With("component", "remote-server"),
		origins:  origins,
		sessions: make(map[string]*session),
	}
}

// Handler returns the websocket endpoint.
func (s *Server) Handler() http.Handler {
	return websocket.Server{
		Handshake: s.handshake,
		Handler:   s.serve,
	}
}

// ListenAndServe serves the endpoint at path on address until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context, address, path string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	return s.Serve(ctx, ln, path)
}

// Serve serves the endpoint at path on ln until ctx is cancelled, then
// disconnects every client.
func (s *Server) Serve(ctx context.Context, ln net.Listener, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, s.Handler())

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("remote server started", "address", ln.Addr().String(), "path", path)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("remote server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		s.Close()
		s.logger.Info("remote server stopped")
		return err
	})
	return g.Wait()
}

// Close disconnects every client.
func (s *Server) Close() {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		_ = sess.ws.Close()
	}
}

// Sessions returns the number of open client sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) handshake(cfg *websocket.Config, req *http.Request) error {
	origin, err := websocket.Origin(cfg, req)
	if err != nil {
		return err
	}
	cfg.Origin = origin

	if len(s.origins) == 0 {
		return nil
	}
	if origin == nil || !slices.Contains(s.origins, origin.String()) {
		return fmt.Errorf("%w: %v", ErrOriginNotAllowed, origin)
	}
	return nil
}

func (s *Server) serve(ws *websocket.Conn) {
	sess := &session{
		id:     "ws-" + uuid.NewString(),
		ws:     ws,
		stage:  s.stage,
		codec:  protocol.NewJSONCodec(),
		out:      make(chan *protocol.Envelope, DefaultOutboxSize),
		subs:     make(map[string]string),
		closed:   make(chan struct{}),
		overflow: make(chan struct{}),
	}
	sess.logger = s.logger.With("session", sess.id, "remote", ws.Request().RemoteAddr)

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess.id)
		s.mu.Unlock()
	}()

	sess.logger.Info("client attached")
	if err := sess.run(); err != nil {
		sess.logger.Warn("client session failed", "error", err)
	}
	sess.logger.Info("client detached")
}

// session is one client connection.
type session struct {
	id     string
	ws     *websocket.Conn
	stage  *core.Stage
	codec  protocol.Codec
	logger *slog.Logger
	out    chan *protocol.Envelope
	closed chan struct{}

	// closed once the outbox overflowed
	overflow     chan struct{}
	overflowOnce sync.Once

	mu        sync.Mutex
	connected bool
	pending   []*protocol.Envelope

	// stage handles by client handle; only touched by the read loop
	subs map[string]string
}

func (s *session) run() error {
	g, ctx := errgroup.WithContext(context.Background())
	g.Go(s.readLoop)
	g.Go(func() error {
		return s.writeLoop(ctx)
	})
	g.Go(func() error {
		var err error
		select {
		case <-ctx.Done():
		case <-s.overflow:
			// Unblocks a write stuck on a client that stopped reading.
			_ = s.ws.SetWriteDeadline(time.Now())
			err = ErrSlowClient
		}
		close(s.closed)
		if closeErr := s.ws.Close(); err == nil {
			err = closeErr
		}
		return err
	})

	err := g.Wait()
	s.release()
	if isClosedErr(err) {
		return nil
	}
	return err
}

func (s *session) readLoop() error {
	for {
		var data []byte
		if err := websocket.Message.Receive(s.ws, &data); err != nil {
			return err
		}

		env, err := s.codec.Decode(data)
		if err != nil {
			s.send(protocol.Failure(err))
			continue
		}
		if err := s.handle(env); err != nil {
			s.logger.Debug("client request failed", "action", env.Action, "error", err)
			s.send(protocol.Failure(err))
		}
	}
}

func (s *session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-s.out:
			data, err := s.codec.Encode(env)
			if err != nil {
				s.logger.Warn("dropping unencodable envelope", "action", env.Action, "error", err)
				continue
			}
			if err := websocket.Message.Send(s.ws, string(data)); err != nil {
				return err
			}
		}
	}
}

func (s *session) handle(env *protocol.Envelope) error {
	switch env.Action {
	case protocol.ActionConnect:
		s.connect()
		return nil

	case protocol.ActionCall:
		return s.stage.Call(env.Method, core.Params(env.Params))

	case protocol.ActionPublish:
		return s.stage.Publish(env.Topic, core.Params(env.Params))

	case protocol.ActionSubscribe:
		if _, exists := s.subs[env.Handle]; exists {
			return nil
		}
		clientHandle := env.Handle
		handle, err := s.stage.Subscribe(env.Topic, func(p core.Params, topic string) {
			s.send(&protocol.Envelope{
				Action: protocol.ActionPublished,
				Topic:  topic,
				Handle: clientHandle,
				Params: p,
			})
		})
		if err != nil {
			return err
		}
		s.subs[clientHandle] = handle
		return nil

	case protocol.ActionUnsubscribe:
		handle, ok := s.subs[env.Handle]
		if !ok {
			return nil
		}
		delete(s.subs, env.Handle)
		return s.stage.Unsubscribe(handle)

	default:
		return fmt.Errorf("%w: %q from a client", protocol.ErrUnknownAction, env.Action)
	}
}

// connect answers the handshake and releases the envelopes queued so far.
func (s *session) connect() {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		s.enqueue(&protocol.Envelope{Action: protocol.ActionConnected})
		return
	}
	s.connected = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	s.enqueue(&protocol.Envelope{Action: protocol.ActionConnected})
	for _, env := range pending {
		s.enqueue(env)
	}
}

// send queues env for the client, holding it back until connect.
func (s *session) send(env *protocol.Envelope) {
	s.mu.Lock()
	if !s.connected {
		s.pending = append(s.pending, env)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.enqueue(env)
}

// enqueue must not block: it runs on stage handlers, so a client that stops
// reading gets disconnected instead of stalling the stage loop.
func (s *session) enqueue(env *protocol.Envelope) {
	select {
	case s.out <- env:
	case <-s.closed:
	default:
		s.overflowOnce.Do(func() {
			s.logger.Warn("client outbox full, disconnecting", "size", cap(s.out))
			close(s.overflow)
		})
	}
}

// release drops the stage subscriptions made for this client.
func (s *session) release() {
	for clientHandle, handle := range s.subs {
		if err := s.stage.Unsubscribe(handle); err != nil && !errors.Is(err, core.ErrStageClosed) {
			s.logger.Warn("failed to release subscription", "handle", clientHandle, "error", err)
		}
	}
	s.subs = nil
}
