package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/standardbeagle/wkdrive/internal/connection"
	"github.com/standardbeagle/wkdrive/internal/process"
)

// LaunchConfig describes an engine to start and connect to.
type LaunchConfig struct {
	Process process.Config
	// ReadTimeout bounds each read from the engine. Zero means
	// connection.DefaultReadTimeout.
	ReadTimeout time.Duration
}

// Launch starts an engine process, connects to it and returns a client
// that stops the engine on Close.
func Launch(ctx context.Context, cfg LaunchConfig, opts ...Option) (*Client, error) {
	eng, err := process.Start(ctx, cfg.Process)
	if err != nil {
		return nil, fmt.Errorf("start engine: %w", err)
	}

	sock, err := connection.Dial(ctx, "tcp", eng.Addr(), connection.WithReadTimeout(readTimeout(cfg.ReadTimeout)))
	if err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return nil, errors.Join(err, eng.Stop(stopCtx))
	}

	opts = append([]Option{WithOwner(eng)}, opts...)
	return New(sock, opts...), nil
}

// Connect attaches to an engine that is already running. target is either
// host:port for the line protocol over TCP or a ws:// or wss:// URL for the
// websocket transport. The client does not own the engine.
func Connect(ctx context.Context, target string, timeout time.Duration, opts ...Option) (*Client, error) {
	var (
		sock *connection.Socket
		err  error
	)
	if strings.HasPrefix(target, "ws://") || strings.HasPrefix(target, "wss://") {
		sock, err = connection.DialWebSocket(ctx, target, connection.WithReadTimeout(readTimeout(timeout)))
	} else {
		sock, err = connection.Dial(ctx, "tcp", target, connection.WithReadTimeout(readTimeout(timeout)))
	}
	if err != nil {
		return nil, err
	}
	return New(sock, opts...), nil
}

func readTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return connection.DefaultReadTimeout
	}
	return d
}
