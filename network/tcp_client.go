package network

import (
	"context"
	"fmt"
	"log/slog"
	"net"
)

// Dial connects to address and wraps the connection.
func Dial(ctx context.Context, address string, cfg Config, logger *slog.Logger) (*Conn, error) {
	dialer := &net.Dialer{
		Timeout: cfg.DialTimeout,
	}

	raw, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}

	tune(raw, cfg)
	return NewConn(raw, cfg, logger), nil
}
