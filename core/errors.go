package core

import "errors"

// Routing-time errors. These are returned synchronously to the caller.
var (
	ErrMethodNotFound  = errors.New("method not found")
	ErrActorNotFound   = errors.New("actor not found")
	ErrActorExists     = errors.New("actor already exists")
	ErrMissingParam    = errors.New("param expected")
	ErrResourceExists  = errors.New("resource already exists")
	ErrIDClash         = errors.New("id clash")
	ErrBadSeparator    = errors.New("only '.' and '/' path separators are supported")
	ErrStageClosed     = errors.New("stage is closed")
	ErrPanic           = errors.New("panic in actor code")
	ErrNoLoader        = errors.New("no type loader configured")
	ErrNoWorkerFactory = errors.New("no worker peer factory configured")
	ErrBadInclude      = errors.New("include root must name a type")
	ErrNotConstructing = errors.New("actor is not constructing")
	ErrReservedMethod  = errors.New("method name is reserved")
)
