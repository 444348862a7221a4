// Package headless is a reference engine that speaks the wkdrive wire
// protocol.
//
// It is not a rendering engine. A visit fetches the document over HTTP,
// parses it, and optionally fetches its image resources; queries are answered
// from the parsed tree and scripts run in an embedded JavaScript VM with a
// small window/document/history surface. This is enough to drive the browser
// client end to end in tests and from the command line.
//
// Each accepted connection gets its own session: page, node handles and
// policies are never shared between connections.
package headless

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/standardbeagle/wkdrive/internal/metrics"
	"github.com/standardbeagle/wkdrive/internal/protocol"
)

// Server accepts protocol connections.
type Server struct {
	logger        *zap.Logger
	metrics       *metrics.Collector
	fetchTimeout  time.Duration
	scriptTimeout time.Duration

	nextID atomic.Int64
	wg     sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithMetrics records every handled command on m.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithFetchTimeout bounds a whole visit: the document and every
// subresource it loads. Clients must read with a longer timeout.
func WithFetchTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.fetchTimeout = d
	}
}

// WithScriptTimeout bounds every script run.
func WithScriptTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.scriptTimeout = d
	}
}

// NewServer creates an engine server.
func NewServer(opts ...Option) *Server {
	s := &Server{
		logger:        zap.NewNop(),
		fetchTimeout:  30 * time.Second,
		scriptTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve accepts connections on ln until ctx is cancelled, then closes ln and
// every open connection and waits for their handlers to return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		ln.Close()
	})
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(ctx, conn)
		}()
	}
}

// ServeConn handles commands on conn until the peer disconnects or ctx is
// cancelled. It closes conn before returning.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	id := s.nextID.Add(1)
	defer conn.Close()
	// Unblocks a pending read when ctx ends.
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	logger := s.logger.With(zap.Int64("conn", id))
	logger.Debug("client connected", zap.Stringer("remote", conn.RemoteAddr()))

	h := &handler{
		parser:  protocol.NewParser(conn),
		writer:  protocol.NewResponseWriter(conn),
		session: newSession(logger, s.fetchTimeout, s.scriptTimeout),
		logger:  logger,
		metrics: s.metrics,
	}
	defer h.session.close()

	for {
		if ctx.Err() != nil {
			return
		}

		req, err := h.parser.ParseCommand()
		if err != nil {
			var unknown *protocol.ErrUnknownCommand
			if errors.As(err, &unknown) {
				if werr := h.fail(req.Name, protocol.ClassUnknownCommand, err.Error(), time.Now()); werr != nil {
					return
				}
				continue
			}
			if !errors.Is(err, io.EOF) && !isClosedError(err) {
				logger.Debug("read command failed", zap.Error(err))
			}
			logger.Debug("client disconnected")
			return
		}

		if err := h.handle(ctx, req); err != nil {
			logger.Debug("write response failed", zap.Error(err))
			return
		}
	}
}

// isClosedError checks if err is the result of using a closed connection.
func isClosedError(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
