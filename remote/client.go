package remote

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/najoast/stagego/core"
	"github.com/najoast/stagego/protocol"
	"golang.org/x/net/websocket"
)

// DefaultRetryInterval is the delay between two connect attempts.
const DefaultRetryInterval = 100 * time.Millisecond

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRetryInterval sets the delay between connect attempts.
func WithRetryInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.retry = d
		}
	}
}

// WithDialTimeout bounds the websocket dial.
func WithDialTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.dialTimeout = d
	}
}

// WithClientLogger sets the client logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithErrorHandler sets the function receiving error envelopes sent by the
// server. It runs on the client's read goroutine.
func WithErrorHandler(fn func(error)) ClientOption {
	return func(c *Client) {
		c.onError = fn
	}
}

// Client is the calling side of a remote stage. Requests made before the
// server answered connect are queued and sent in order once it does.
type Client struct {
	id          string
	codec       protocol.Codec
	logger      *slog.Logger
	retry       time.Duration
	dialTimeout time.Duration
	onError     func(error)

	ws        *websocket.Conn
	writeMu   sync.Mutex
	connected chan struct{}
	done      chan struct{}

	mu        sync.Mutex
	ready     bool
	closed    bool
	pending   []*protocol.Envelope
	handlers  map[string]core.Handler
	closeOnce sync.Once
}

// Dial opens a websocket to url and starts the connect handshake. It does
// not wait for the server to answer; see Connected.
func Dial(url, origin string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		id:          "client-" + uuid.NewString(),
		codec:       protocol.NewJSONCodec(),
		logger:      slog.Default(),
		retry:       DefaultRetryInterval,
		dialTimeout: 10 * time.Second,
		connected:   make(chan struct{}),
		done:        make(chan struct{}),
		handlers:    make(map[string]core.Handler),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("client", c.id)

	cfg, err := websocket.NewConfig(url, origin)
	if err != nil {
		return nil, fmt.Errorf("invalid remote address %s: %w", url, err)
	}
	cfg.Dialer = &net.Dialer{Timeout: c.dialTimeout}

	c.ws, err = websocket.DialConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	go c.readLoop()
	go c.handshake()

	return c, nil
}

// ID returns the client id.
func (c *Client) ID() string {
	return c.id
}

// Connected is closed once the server has answered connect.
func (c *Client) Connected() <-chan struct{} {
	return c.connected
}

// Done is closed when the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Call asks the remote stage to route a call from its root.
func (c *Client) Call(method string, params core.Params) error {
	return c.send(protocol.Call(method, params))
}

// Publish publishes on the remote stage root.
func (c *Client) Publish(topic string, params core.Params) error {
	return c.send(protocol.Publish("", topic, params))
}

// Subscribe subscribes from the remote stage root. handler runs on the
// client's read goroutine.
func (c *Client) Subscribe(topic string, handler core.Handler) (string, error) {
	handle := uuid.NewString()

	c.mu.Lock()
	c.handlers[handle] = handler
	c.mu.Unlock()

	err := c.send(&protocol.Envelope{Action: protocol.ActionSubscribe, Topic: topic, Handle: handle})
	if err != nil {
		c.mu.Lock()
		delete(c.handlers, handle)
		c.mu.Unlock()
		return "", err
	}
	return handle, nil
}

// Unsubscribe cancels a subscription made with Subscribe.
func (c *Client) Unsubscribe(handle string) error {
	c.mu.Lock()
	_, ok := c.handlers[handle]
	delete(c.handlers, handle)
	c.mu.Unlock()

	if !ok {
		return nil
	}
	return c.send(&protocol.Envelope{Action: protocol.ActionUnsubscribe, Handle: handle})
}

// Close ends the connection. Queued requests are dropped.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.pending = nil
		c.mu.Unlock()

		err = c.ws.Close()
		<-c.done
	})
	return err
}

func (c *Client) send(env *protocol.Envelope) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if !c.ready {
		c.pending = append(c.pending, env)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	return c.write(env)
}

func (c *Client) write(env *protocol.Envelope) error {
	data, err := c.codec.Encode(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return websocket.Message.Send(c.ws, string(data))
}

// handshake sends connect until the server answers.
func (c *Client) handshake() {
	ticker := time.NewTicker(c.retry)
	defer ticker.Stop()

	for {
		if err := c.write(&protocol.Envelope{Action: protocol.ActionConnect}); err != nil {
			c.logger.Debug("connect attempt failed", "error", err)
		}

		select {
		case <-c.connected:
			return
		case <-c.done:
			return
		case <-ticker.C:
		}
	}
}

func (c *Client) readLoop() {
	defer close(c.done)

	for {
		var data []byte
		if err := websocket.Message.Receive(c.ws, &data); err != nil {
			if !isClosedErr(err) {
				c.logger.Warn("remote connection failed", "error", err)
			}
			return
		}

		env, err := c.codec.Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed envelope", "error", err)
			continue
		}
		c.receive(env)
	}
}

func (c *Client) receive(env *protocol.Envelope) {
	switch env.Action {
	case protocol.ActionConnected:
		c.flush()

	case protocol.ActionPublished:
		c.mu.Lock()
		handler := c.handlers[env.Handle]
		c.mu.Unlock()
		if handler != nil {
			handler(core.Params(env.Params), env.Topic)
		}

	case protocol.ActionError:
		c.logger.Debug("remote request failed", "error", env.Error)
		if c.onError != nil {
			c.onError(errors.New(env.Error))
		}

	default:
		c.logger.Debug("ignoring remote message", "action", env.Action)
	}
}

// flush marks the channel ready and sends the queued requests. Requests
// made meanwhile wait behind the queue.
func (c *Client) flush() {
	for {
		c.mu.Lock()
		if c.ready {
			c.mu.Unlock()
			return
		}
		pending := c.pending
		c.pending = nil
		if len(pending) == 0 {
			c.ready = true
			close(c.connected)
			c.mu.Unlock()
			c.logger.Debug("connected")
			return
		}
		c.mu.Unlock()

		for _, env := range pending {
			if err := c.write(env); err != nil {
				c.logger.Warn("failed to send queued request", "action", env.Action, "error", err)
			}
		}
	}
}

func isClosedErr(err error) bool {
	return err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
