package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// closeGrace bounds the write of the close frame.
const closeGrace = time.Second

// Conn is a framed TCP connection. Frames are queued by Send and written by
// the connection's own write loop; reading happens in Serve.
type Conn struct {
	id     string
	conn   net.Conn
	cfg    Config
	codec  *BinaryCodec
	logger *slog.Logger

	sendChan  chan *Frame
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	writeMu   sync.Mutex
	sequence  atomic.Uint32

	// Statistics
	bytesRead    atomic.Int64
	bytesWritten atomic.Int64
	framesRead   atomic.Int64
	framesSent   atomic.Int64
	lastActivity atomic.Int64
}

// NewConn wraps an established connection.
func NewConn(conn net.Conn, cfg Config, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = DefaultConfig().SendQueueSize
	}

	id := "tcp-" + uuid.NewString()
	c := &Conn{
		id:       id,
		conn:     conn,
		cfg:      cfg,
		codec:    &BinaryCodec{MaxFrameSize: cfg.MaxFrameSize},
		logger:   logger.With("conn", id, "remote", conn.RemoteAddr().String()),
		sendChan: make(chan *Frame, cfg.SendQueueSize),
		done:     make(chan struct{}),
	}
	c.touch()
	return c
}

// ID returns the connection ID
func (c *Conn) ID() string {
	return c.id
}

// RemoteAddr returns the remote address
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// LocalAddr returns the local address
func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// State returns the current connection state
func (c *Conn) State() ConnectionState {
	if c.closed.Load() {
		return ConnectionStateClosed
	}
	return ConnectionStateConnected
}

// Send queues payload as a data frame.
func (c *Conn) Send(payload []byte) error {
	return c.SendFrame(&Frame{Type: FrameData, Flags: FrameFlagJSON, Payload: payload})
}

// SendFrame queues a frame. It blocks while the queue is full.
func (c *Conn) SendFrame(f *Frame) error {
	if f == nil {
		return ErrNilFrame
	}
	if c.closed.Load() {
		return fmt.Errorf("%w: %s", ErrConnClosed, c.id)
	}

	f.Sequence = c.sequence.Add(1)

	select {
	case c.sendChan <- f:
		return nil
	case <-c.done:
		return fmt.Errorf("%w: %s", ErrConnClosed, c.id)
	}
}

// Serve runs the read and write loops until the connection fails, the peer
// closes it or ctx is cancelled, then closes the connection. Data frames are
// passed to handler in arrival order. An orderly close returns nil.
func (c *Conn) Serve(ctx context.Context, handler FrameHandler) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.readLoop(handler)
	})
	g.Go(func() error {
		return c.writeLoop(ctx)
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-c.done:
		}
		c.Close()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, ErrConnClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Conn) readLoop(handler FrameHandler) error {
	for {
		if c.cfg.ReadTimeout > 0 {
			if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
				return fmt.Errorf("failed to set read deadline: %w", err)
			}
		}

		f, n, err := c.codec.ReadFrame(c.conn)
		c.bytesRead.Add(int64(n))
		if err != nil {
			if c.closed.Load() || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return ErrConnClosed
			}
			return fmt.Errorf("failed to read frame: %w", err)
		}

		c.framesRead.Add(1)
		c.touch()

		switch f.Type {
		case FrameData:
			handler(f)
		case FrameHeartbeat:
		case FrameClose:
			c.logger.Debug("peer closed connection")
			return ErrConnClosed
		default:
			c.logger.Warn("dropping frame of unknown type", "type", f.Type)
		}
	}
}

func (c *Conn) writeLoop(ctx context.Context) error {
	var heartbeat <-chan time.Time
	if c.cfg.HeartbeatInterval > 0 {
		ticker := time.NewTicker(c.cfg.HeartbeatInterval)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrConnClosed
		case f := <-c.sendChan:
			if err := c.write(f); err != nil {
				return err
			}
		case <-heartbeat:
			if err := c.write(&Frame{Type: FrameHeartbeat}); err != nil {
				return err
			}
		}
	}
}

// write sends one frame directly on the socket.
func (c *Conn) write(f *Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.cfg.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
			return fmt.Errorf("failed to set write deadline: %w", err)
		}
	}

	n, err := c.codec.WriteFrame(c.conn, f)
	c.bytesWritten.Add(int64(n))
	if err != nil {
		if c.closed.Load() {
			return ErrConnClosed
		}
		return fmt.Errorf("failed to write frame: %w", err)
	}

	c.framesSent.Add(1)
	c.touch()
	return nil
}

// Close tells the peer the connection is going away and closes it. Frames
// still queued are dropped.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)

		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(closeGrace))
		_, _ = c.codec.WriteFrame(c.conn, &Frame{Type: FrameClose})
		c.writeMu.Unlock()

		err = c.conn.Close()
	})
	return err
}

// Done is closed when the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Statistics holds statistics for a connection
type Statistics struct {
	ConnectionID string          `json:"connection_id"`
	State        ConnectionState `json:"state"`
	BytesRead    int64           `json:"bytes_read"`
	BytesWritten int64           `json:"bytes_written"`
	FramesRead   int64           `json:"frames_read"`
	FramesSent   int64           `json:"frames_sent"`
	LastActivity time.Time       `json:"last_activity"`
}

// Statistics returns connection statistics
func (c *Conn) Statistics() Statistics {
	return Statistics{
		ConnectionID: c.id,
		State:        c.State(),
		BytesRead:    c.bytesRead.Load(),
		BytesWritten: c.bytesWritten.Load(),
		FramesRead:   c.framesRead.Load(),
		FramesSent:   c.framesSent.Load(),
		LastActivity: time.Unix(0, c.lastActivity.Load()),
	}
}

// String returns the string representation of connection statistics
func (s Statistics) String() string {
	return fmt.Sprintf("Connection[%s] State=%s BytesR/W=%d/%d FramesR/S=%d/%d LastActivity=%s",
		s.ConnectionID, s.State, s.BytesRead, s.BytesWritten,
		s.FramesRead, s.FramesSent, s.LastActivity.Format(time.RFC3339))
}
