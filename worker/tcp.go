package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/najoast/stagego/core"
	"github.com/najoast/stagego/network"
	"github.com/najoast/stagego/protocol"
)

// TCPPeer talks to a worker process over a framed TCP connection. Each
// envelope travels as one JSON data frame.
type TCPPeer struct {
	conn   *network.Conn
	codec  protocol.Codec
	logger *slog.Logger
	cancel context.CancelFunc

	mu       sync.Mutex
	listener func(env *protocol.Envelope)
}

var _ core.Peer = (*TCPPeer)(nil)

// DialTCP connects to a worker process listening on address.
func DialTCP(ctx context.Context, address string, cfg network.Config, logger *slog.Logger) (*TCPPeer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := network.Dial(ctx, address, cfg, logger)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p := &TCPPeer{
		conn:   conn,
		codec:  protocol.NewJSONCodec(),
		logger: logger.With("peer", conn.ID()),
		cancel: cancel,
	}

	go func() {
		if err := conn.Serve(runCtx, p.onFrame); err != nil {
			p.logger.Warn("worker connection failed", "error", err)
		}
	}()

	return p, nil
}

// TCPFactory returns a PeerFactory that opens one connection to the worker
// process at address per worker actor.
func TCPFactory(address string, cfg network.Config, logger *slog.Logger) core.PeerFactory {
	return func(ctx context.Context, actorID string) (core.Peer, error) {
		p, err := DialTCP(ctx, address, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to reach worker for %s: %w", actorID, err)
		}
		return p, nil
	}
}

// ID implements core.Peer.
func (p *TCPPeer) ID() string {
	return p.conn.ID()
}

// Post implements core.Peer.
func (p *TCPPeer) Post(env *protocol.Envelope) error {
	data, err := p.codec.Encode(env)
	if err != nil {
		return err
	}
	return p.conn.Send(data)
}

// Listen implements core.Peer.
func (p *TCPPeer) Listen(fn func(env *protocol.Envelope)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listener = fn
}

// Close implements core.Peer.
func (p *TCPPeer) Close() error {
	p.cancel()
	return p.conn.Close()
}

// Statistics returns the statistics of the underlying connection.
func (p *TCPPeer) Statistics() network.Statistics {
	return p.conn.Statistics()
}

func (p *TCPPeer) onFrame(f *network.Frame) {
	env, err := p.codec.Decode(f.Payload)
	if err != nil {
		p.logger.Warn("dropping malformed envelope", "error", err)
		return
	}

	p.mu.Lock()
	fn := p.listener
	p.mu.Unlock()

	if fn == nil {
		p.logger.Warn("dropping envelope received before listen", "action", env.Action)
		return
	}
	fn(env)
}

// StageFactory builds the stage that hosts one proxied actor.
type StageFactory func() (*core.Stage, error)

// ServeTCP accepts proxy connections on server until ctx is cancelled. Every
// connection gets its own stage from newStage and a Host serving it; the
// stage is closed when the connection ends.
func ServeTCP(ctx context.Context, server *network.Server, newStage StageFactory, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	return server.Serve(ctx, func(ctx context.Context, conn *network.Conn) {
		log := logger.With("conn", conn.ID())

		stage, err := newStage()
		if err != nil {
			log.Error("failed to create worker stage", "error", err)
			return
		}
		defer stage.Close()

		codec := protocol.NewJSONCodec()
		host, err := NewHost(stage, func(env *protocol.Envelope) error {
			data, err := codec.Encode(env)
			if err != nil {
				return err
			}
			return conn.Send(data)
		}, log)
		if err != nil {
			log.Error("failed to create worker host", "error", err)
			return
		}

		log.Info("proxy connected", "remote", conn.RemoteAddr().String())

		err = conn.Serve(ctx, func(f *network.Frame) {
			env, err := codec.Decode(f.Payload)
			if err != nil {
				host.reply(protocol.Failure(err))
				return
			}
			host.Handle(env)
		})
		if err != nil {
			log.Warn("proxy connection failed", "error", err)
		}
		log.Info("proxy disconnected")
	})
}
