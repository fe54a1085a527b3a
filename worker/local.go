package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/najoast/stagego/core"
	"github.com/najoast/stagego/protocol"
)

// LocalPeer hosts a worker stage on goroutines of the current process.
// Envelopes cross in encoded form, as they would between processes.
type LocalPeer struct {
	id     string
	codec  protocol.Codec
	logger *slog.Logger

	stage *core.Stage
	host  *Host

	toWorker *pipe
	toProxy  *pipe

	listenOnce sync.Once
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

var _ core.Peer = (*LocalPeer)(nil)

// NewLocalPeer starts a worker stage built with opts and a host serving it.
func NewLocalPeer(logger *slog.Logger, opts ...core.Option) (*LocalPeer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	id := "local-" + uuid.NewString()
	logger = logger.With("peer", id)

	opts = append(opts, core.WithLogger(logger))
	stage, err := core.NewStage(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker stage: %w", err)
	}

	p := &LocalPeer{
		id:       id,
		codec:    protocol.NewJSONCodec(),
		logger:   logger,
		stage:    stage,
		toWorker: newPipe(),
		toProxy:  newPipe(),
	}

	p.host, err = NewHost(stage, p.sendToProxy, logger)
	if err != nil {
		_ = stage.Close()
		return nil, err
	}

	p.wg.Add(1)
	go p.serve()

	return p, nil
}

// LocalFactory returns a PeerFactory that starts a LocalPeer per worker
// actor. Each worker stage is built with opts.
func LocalFactory(logger *slog.Logger, opts ...core.Option) core.PeerFactory {
	return func(_ context.Context, actorID string) (core.Peer, error) {
		p, err := NewLocalPeer(logger, opts...)
		if err != nil {
			return nil, err
		}
		p.logger.Info("local worker started", "actor", actorID)
		return p, nil
	}
}

// ID implements core.Peer.
func (p *LocalPeer) ID() string {
	return p.id
}

// Stage returns the worker stage.
func (p *LocalPeer) Stage() *core.Stage {
	return p.stage
}

// Post implements core.Peer.
func (p *LocalPeer) Post(env *protocol.Envelope) error {
	data, err := p.codec.Encode(env)
	if err != nil {
		return err
	}
	if !p.toWorker.push(data) {
		return fmt.Errorf("worker %s is closed", p.id)
	}
	return nil
}

// Listen implements core.Peer. Only the first listener is installed.
func (p *LocalPeer) Listen(fn func(env *protocol.Envelope)) {
	p.listenOnce.Do(func() {
		go p.deliver(fn)
	})
}

// Close stops the worker stage once the envelopes already posted have been
// handled.
func (p *LocalPeer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.toWorker.close()
		p.wg.Wait()
		err = p.stage.Close()
		p.toProxy.close()
	})
	return err
}

// serve feeds envelopes from the proxy to the host, one at a time.
func (p *LocalPeer) serve() {
	defer p.wg.Done()

	for {
		data, ok := p.toWorker.pop()
		if !ok {
			return
		}

		env, err := p.codec.Decode(data)
		if err != nil {
			p.logger.Warn("dropping malformed envelope", "error", err)
			continue
		}
		p.host.Handle(env)
	}
}

// deliver hands envelopes from the worker to the proxy's listener.
func (p *LocalPeer) deliver(fn func(env *protocol.Envelope)) {
	for {
		data, ok := p.toProxy.pop()
		if !ok {
			return
		}

		env, err := p.codec.Decode(data)
		if err != nil {
			p.logger.Warn("dropping malformed envelope", "error", err)
			continue
		}
		fn(env)
	}
}

func (p *LocalPeer) sendToProxy(env *protocol.Envelope) error {
	data, err := p.codec.Encode(env)
	if err != nil {
		return err
	}
	if !p.toProxy.push(data) {
		return fmt.Errorf("worker %s is closed", p.id)
	}
	return nil
}
