package core

import (
	"fmt"
	"strconv"
)

// Params carries the arguments of a call, the payload of a publication and
// the configuration of a new actor. Values must be JSON compatible when they
// cross a worker boundary.
type Params map[string]any

// Well-known parameter keys understood by AddActor.
const (
	ParamType     = "type"
	ParamInclude  = "include"
	ParamID       = "id"
	ParamExistsOK = "existsOK"
	ParamWorker   = "worker"
	ParamActors   = "actors"
)

// Well-known topics published by the tree itself.
const (
	TopicTaskStarted  = "task.started"
	TopicTaskFinished = "task.finished"
	TopicTaskFailed   = "task.failed"
	TopicError        = "error"

	// Wildcard subscribes to every publication made on one actor.
	Wildcard = "*"
)

// String returns the string value stored under key, or "".
func (p Params) String(key string) string {
	switch v := p[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Bool reports whether key holds a true value. Strings are parsed so that
// flags survive text-only transports.
func (p Params) Bool(key string) bool {
	switch v := p[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}

// List returns the nested parameter objects stored under key. It accepts the
// shapes produced by Go callers as well as by JSON and YAML decoders.
func (p Params) List(key string) []Params {
	switch v := p[key].(type) {
	case []Params:
		return v
	case []map[string]any:
		out := make([]Params, 0, len(v))
		for _, m := range v {
			out = append(out, Params(m))
		}
		return out
	case []any:
		out := make([]Params, 0, len(v))
		for _, item := range v {
			switch m := item.(type) {
			case Params:
				out = append(out, m)
			case map[string]any:
				out = append(out, Params(m))
			}
		}
		return out
	default:
		return nil
	}
}

// Clone returns a shallow copy of p.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge returns a copy of p overlaid with the entries of other.
func (p Params) Merge(other Params) Params {
	out := p.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Handler receives publications. topic is the concrete topic that was
// published, which matters for wildcard subscribers.
type Handler func(params Params, topic string)

// Method is one entry in an actor's dispatch table.
type Method func(params Params) error

// Behavior is what a Constructor produces: the dispatch table of the new
// actor and an optional teardown hook run when the actor is removed.
type Behavior struct {
	Methods map[string]Method
	Destroy func()
}

// Constructor initialises a freshly created actor from its configuration.
// It runs on the stage loop while self is in the constructing state, so
// calls it makes on self execute immediately.
type Constructor func(self *Actor, cfg Params) (*Behavior, error)

// ActorState describes where an actor is in its lifecycle.
type ActorState uint8

const (
	// ActorStateUnloaded means the type has not been resolved yet, or
	// construction failed.
	ActorStateUnloaded ActorState = iota

	// ActorStateConstructing means the type constructor is running.
	ActorStateConstructing

	// ActorStateLoaded means construction finished.
	ActorStateLoaded

	// ActorStateRemoved means the actor was detached from its parent.
	ActorStateRemoved
)

// String returns the string representation of ActorState.
func (s ActorState) String() string {
	switch s {
	case ActorStateUnloaded:
		return "unloaded"
	case ActorStateConstructing:
		return "constructing"
	case ActorStateLoaded:
		return "loaded"
	case ActorStateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// ActorStats is a point-in-time view of one actor, used for debugging and
// by tests.
type ActorStats struct {
	ID             string
	Path           string
	State          ActorState
	Locked         bool
	BufferedCalls  int
	BufferedSubs   int
	Children       int
	Topics         int
	RetainedTopics int
	IsWorkerProxy  bool
}
