package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ConnHandler owns an accepted connection until it returns. The server
// closes the connection afterwards.
type ConnHandler func(ctx context.Context, conn *Conn)

// Server accepts framed TCP connections.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	listener net.Listener
	running  atomic.Bool

	connsMu sync.Mutex
	conns   map[string]*Conn

	wg sync.WaitGroup

	// Statistics
	totalConnections   atomic.Int64
	currentConnections atomic.Int64
	startTime          time.Time
}

// NewServer creates a new TCP server
func NewServer(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		logger: logger,
		conns:  make(map[string]*Conn),
	}
}

// Start opens the listener on the configured address
func (s *Server) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrServerRunning
	}

	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		s.running.Store(false)
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}

	s.listener = listener
	s.startTime = time.Now()
	s.logger.Info("tcp server started", "address", listener.Addr().String())
	return nil
}

// Addr returns the listening address
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled or the server stops,
// running handler for each on its own goroutine.
func (s *Server) Serve(ctx context.Context, handler ConnHandler) error {
	if !s.running.Load() {
		return ErrServerStopped
	}

	stop := context.AfterFunc(ctx, func() {
		_ = s.Stop()
	})
	defer stop()

	for {
		raw, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("failed to accept connection", "error", err)
			continue
		}

		if s.cfg.MaxConnections > 0 && s.currentConnections.Load() >= int64(s.cfg.MaxConnections) {
			s.logger.Warn("rejecting connection", "remote", raw.RemoteAddr().String(), "error", ErrTooManyClients)
			_ = raw.Close()
			continue
		}

		tune(raw, s.cfg)
		conn := NewConn(raw, s.cfg, s.logger)
		s.addConnection(conn)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.removeConnection(conn.ID())
			defer conn.Close()

			handler(ctx, conn)
		}()
	}
}

// Stop closes the listener and every open connection, then waits for the
// connection handlers to return.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	s.connsMu.Lock()
	for _, conn := range s.conns {
		_ = conn.Close()
	}
	s.connsMu.Unlock()

	s.wg.Wait()
	s.logger.Info("tcp server stopped")
	return err
}

// ConnectionCount returns the number of open connections
func (s *Server) ConnectionCount() int {
	return int(s.currentConnections.Load())
}

func (s *Server) addConnection(conn *Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()

	s.conns[conn.ID()] = conn
	s.currentConnections.Add(1)
	s.totalConnections.Add(1)
}

func (s *Server) removeConnection(connID string) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()

	if _, exists := s.conns[connID]; exists {
		delete(s.conns, connID)
		s.currentConnections.Add(-1)
	}
}

// ServerStatistics holds statistics for a server
type ServerStatistics struct {
	Address            string        `json:"address"`
	Running            bool          `json:"running"`
	Uptime             time.Duration `json:"uptime"`
	TotalConnections   int64         `json:"total_connections"`
	CurrentConnections int64         `json:"current_connections"`
}

// Statistics returns server statistics
func (s *Server) Statistics() ServerStatistics {
	stats := ServerStatistics{
		Running:            s.running.Load(),
		TotalConnections:   s.totalConnections.Load(),
		CurrentConnections: s.currentConnections.Load(),
	}
	if addr := s.Addr(); addr != nil {
		stats.Address = addr.String()
	}
	if stats.Running {
		stats.Uptime = time.Since(s.startTime)
	}
	return stats
}

// tune applies keep-alive settings to TCP sockets.
func tune(conn net.Conn, cfg Config) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok || !cfg.KeepAlive {
		return
	}
	_ = tcpConn.SetKeepAlive(true)
	if cfg.KeepAliveInterval > 0 {
		_ = tcpConn.SetKeepAlivePeriod(cfg.KeepAliveInterval)
	}
}
