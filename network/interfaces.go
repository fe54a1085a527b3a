package network

import (
	"errors"
	"time"
)

// ConnectionState represents the state of a network connection
type ConnectionState int32

const (
	ConnectionStateConnected ConnectionState = iota
	ConnectionStateClosed
)

// String returns the string representation of ConnectionState
func (cs ConnectionState) String() string {
	switch cs {
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection errors
var (
	ErrConnClosed     = errors.New("connection closed")
	ErrServerRunning  = errors.New("server is already running")
	ErrServerStopped  = errors.New("server is not running")
	ErrTooManyClients = errors.New("connection limit reached")
)

// FrameHandler receives the data frames read from a connection. It runs on
// the connection's read goroutine.
type FrameHandler func(f *Frame)

// Config represents network configuration
type Config struct {
	// Address is the listening or dialing address
	Address string

	// ReadTimeout bounds the wait for the next frame. Zero disables it.
	ReadTimeout time.Duration

	// WriteTimeout bounds each write. Zero disables it.
	WriteTimeout time.Duration

	// DialTimeout bounds connection establishment
	DialTimeout time.Duration

	// KeepAlive enables TCP keep-alive
	KeepAlive bool

	// KeepAliveInterval is the keep-alive interval
	KeepAliveInterval time.Duration

	// MaxConnections is the maximum number of concurrent connections
	MaxConnections int

	// SendQueueSize is the number of frames queued per connection
	SendQueueSize int

	// HeartbeatInterval is the heartbeat interval. Zero disables heartbeats.
	HeartbeatInterval time.Duration

	// MaxFrameSize bounds a single frame payload
	MaxFrameSize int
}

// DefaultConfig returns a default network configuration
func DefaultConfig() Config {
	return Config{
		Address:           "127.0.0.1:7400",
		ReadTimeout:       0,
		WriteTimeout:      10 * time.Second,
		DialTimeout:       5 * time.Second,
		KeepAlive:         true,
		KeepAliveInterval: 60 * time.Second,
		MaxConnections:    256,
		SendQueueSize:     256,
		HeartbeatInterval: 15 * time.Second,
		MaxFrameSize:      DefaultMaxFrameSize,
	}
}
