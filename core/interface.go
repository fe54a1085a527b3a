package core

import (
	"context"

	"github.com/najoast/stagego/protocol"
)

// TypeLoader resolves actor types and include fragments by name. Names arrive
// qualified with the stage's type or include path and in slash form.
// Both methods may block; the stage calls them off its loop goroutine.
type TypeLoader interface {
	// Resolve returns the constructor registered for a type name.
	Resolve(ctx context.Context, name string) (Constructor, error)

	// ResolveInclude returns the JSON fragment stored under an include name.
	// The fragment's root names the type to construct.
	ResolveInclude(ctx context.Context, name string) (Params, error)
}

// Peer is the channel pair to an out-of-process worker. Post and the
// listener form two ordered, unidirectional streams; nothing else crosses.
type Peer interface {
	// ID returns an identifier for logs.
	ID() string

	// Post sends an envelope to the worker without waiting for it to be
	// handled.
	Post(env *protocol.Envelope) error

	// Listen installs the function receiving envelopes sent by the worker.
	// It is called on a goroutine owned by the peer.
	Listen(fn func(env *protocol.Envelope))

	// Close tears the worker down.
	Close() error
}

// PeerFactory spawns or attaches to a worker for the actor with the given id.
type PeerFactory func(ctx context.Context, actorID string) (Peer, error)
