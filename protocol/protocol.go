// Package protocol defines the messages exchanged with worker peers and
// remote clients of a stage.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Action names the verb carried by an Envelope.
type Action string

// Requests understood by a stage host.
const (
	ActionConnect     Action = "connect"
	ActionConfigure   Action = "configure"
	ActionCall        Action = "call"
	ActionPublish     Action = "publish"
	ActionSubscribe   Action = "subscribe"
	ActionUnsubscribe Action = "unsubscribe"
)

// Notifications sent back by a stage host.
const (
	ActionConnected Action = "connected"
	ActionPublished Action = "published"
	ActionError     Action = "error"
)

// Protocol errors
var (
	ErrUnknownAction = errors.New("unknown action")
	ErrMissingField  = errors.New("missing field")
)

// Configs mirrors the settings a host applies to its stage on configure.
type Configs struct {
	PathSeparator string `json:"pathSeparator,omitempty"`
	TypePath      string `json:"typePath,omitempty"`
	IncludePath   string `json:"includePath,omitempty"`
}

// Envelope is one message on a peer channel.
type Envelope struct {
	Action  Action         `json:"action"`
	Method  string         `json:"method,omitempty"`
	Topic   string         `json:"topic,omitempty"`
	Handle  string         `json:"handle,omitempty"`
	Actor   string         `json:"actor,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
	Configs *Configs       `json:"configs,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Validate checks that the fields required by the action are present.
func (e *Envelope) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: envelope is nil", ErrMissingField)
	}

	switch e.Action {
	case ActionConnect, ActionConnected:
		return nil
	case ActionConfigure:
		if e.Configs == nil {
			return fmt.Errorf("%w: configs", ErrMissingField)
		}
	case ActionCall:
		if e.Method == "" {
			return fmt.Errorf("%w: method", ErrMissingField)
		}
	case ActionPublish:
		if e.Topic == "" {
			return fmt.Errorf("%w: topic", ErrMissingField)
		}
	case ActionSubscribe, ActionPublished:
		if e.Topic == "" {
			return fmt.Errorf("%w: topic", ErrMissingField)
		}
		if e.Handle == "" {
			return fmt.Errorf("%w: handle", ErrMissingField)
		}
	case ActionUnsubscribe:
		if e.Handle == "" {
			return fmt.Errorf("%w: handle", ErrMissingField)
		}
	case ActionError:
		if e.Error == "" {
			return fmt.Errorf("%w: error", ErrMissingField)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, e.Action)
	}
	return nil
}

// Codec serializes envelopes for a channel.
type Codec interface {
	// Encode encodes an envelope to bytes
	Encode(env *Envelope) ([]byte, error)

	// Decode decodes and validates bytes into an envelope
	Decode(data []byte) (*Envelope, error)
}

// JSONCodec encodes envelopes as JSON text.
type JSONCodec struct{}

// NewJSONCodec creates a new JSON codec
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{}
}

// Encode encodes an envelope to JSON
func (JSONCodec) Encode(env *Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// Decode decodes JSON into an envelope
func (JSONCodec) Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Call builds a call envelope.
func Call(method string, params map[string]any) *Envelope {
	return &Envelope{Action: ActionCall, Method: method, Params: params}
}

// Publish builds a publish envelope. actor names the actor the publication
// originated on when it is sent back from a worker.
func Publish(actor, topic string, params map[string]any) *Envelope {
	return &Envelope{Action: ActionPublish, Actor: actor, Topic: topic, Params: params}
}

// Failure builds an error envelope.
func Failure(err error) *Envelope {
	return &Envelope{Action: ActionError, Error: err.Error()}
}
