package network

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Address = "127.0.0.1:0"
	cfg.HeartbeatInterval = 20 * time.Millisecond
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startEchoServer echoes every data frame back to its sender.
func startEchoServer(t *testing.T) *Server {
	t.Helper()

	server := NewServer(testConfig(), quietLogger())
	require.NoError(t, server.Start())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = server.Serve(ctx, func(ctx context.Context, conn *Conn) {
			_ = conn.Serve(ctx, func(f *Frame) {
				_ = conn.Send(f.Payload)
			})
		})
	}()

	t.Cleanup(func() {
		cancel()
		_ = server.Stop()
	})
	return server
}

func TestServerStartTwice(t *testing.T) {
	server := NewServer(testConfig(), quietLogger())
	require.NoError(t, server.Start())
	defer server.Stop()

	assert.ErrorIs(t, server.Start(), ErrServerRunning)
	assert.NotNil(t, server.Addr())
	assert.True(t, server.Statistics().Running)
}

func TestEchoRoundTrip(t *testing.T) {
	server := startEchoServer(t)

	conn, err := Dial(context.Background(), server.Addr().String(), testConfig(), quietLogger())
	require.NoError(t, err)

	received := make(chan string, 8)
	served := make(chan error, 1)
	go func() {
		served <- conn.Serve(context.Background(), func(f *Frame) {
			received <- string(f.Payload)
		})
	}()

	for _, msg := range []string{"a", "b", "c"} {
		require.NoError(t, conn.Send([]byte(msg)))
	}

	var got []string
	for i := 0; i < 3; i++ {
		select {
		case msg := <-received:
			got = append(got, msg)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for echo")
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)

	// Heartbeats keep flowing without reaching the handler.
	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, received)

	require.Eventually(t, func() bool {
		return server.ConnectionCount() == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after close")
	}

	assert.Equal(t, ConnectionStateClosed, conn.State())
	assert.ErrorIs(t, conn.Send([]byte("late")), ErrConnClosed)

	require.Eventually(t, func() bool {
		return server.ConnectionCount() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestRemoteCloseEndsServe(t *testing.T) {
	server := NewServer(testConfig(), quietLogger())
	require.NoError(t, server.Start())
	defer server.Stop()

	go func() {
		_ = server.Serve(context.Background(), func(ctx context.Context, conn *Conn) {
			// Hang up immediately.
		})
	}()

	conn, err := Dial(context.Background(), server.Addr().String(), testConfig(), quietLogger())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- conn.Serve(context.Background(), func(*Frame) {})
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not notice the remote close")
	}
	assert.Greater(t, conn.Statistics().FramesRead, int64(0))
}

func TestDialFailure(t *testing.T) {
	cfg := testConfig()
	cfg.DialTimeout = 200 * time.Millisecond

	_, err := Dial(context.Background(), "127.0.0.1:1", cfg, quietLogger())
	assert.Error(t, err)
}
