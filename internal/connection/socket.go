// Package connection provides the byte channel between the browser client
// and the engine.
//
// A Connection carries lines and exact-length byte runs. It knows nothing
// about commands or responses; framing lives in the protocol package. Errors
// are returned as they come from the transport so the caller can classify
// them.
//
// Two transports are provided:
//
//	sock, err := connection.Dial(ctx, "tcp", "127.0.0.1:4444")
//	sock, err := connection.DialWebSocket(ctx, "ws://127.0.0.1:4444/ws")
//
// Both return a *Socket. Every read is bounded by the socket's read timeout
// and by any deadline set through SetDeadline, whichever comes first.
package connection

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// DefaultReadTimeout bounds a single read from the engine.
const DefaultReadTimeout = 60 * time.Second

// ErrClosed is returned when operating on a closed socket.
var ErrClosed = errors.New("connection closed")

// Connection is the interface the browser client drives.
type Connection interface {
	// SendLine writes line followed by a newline.
	SendLine(line string) error
	// ReadLine returns the next line without its terminator.
	ReadLine() (string, error)
	// ReadBytes returns exactly n bytes.
	ReadBytes(n int) ([]byte, error)
	Close() error
}

// Socket is a Connection over a net.Conn.
type Socket struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer

	readTimeout time.Duration

	mu       sync.Mutex
	deadline time.Time
	closed   bool
}

// Option configures a Socket.
type Option func(*Socket)

// WithReadTimeout bounds each individual read. Zero disables the bound.
func WithReadTimeout(d time.Duration) Option {
	return func(s *Socket) {
		s.readTimeout = d
	}
}

// New wraps an established connection.
func New(conn net.Conn, opts ...Option) *Socket {
	s := &Socket{
		conn:        conn,
		r:           bufio.NewReader(conn),
		w:           bufio.NewWriter(conn),
		readTimeout: DefaultReadTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dial connects to the engine at addr.
func Dial(ctx context.Context, network, addr string, opts ...Option) (*Socket, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("dial engine at %s: %w", addr, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return New(conn, opts...), nil
}

// SendLine writes line and a newline, then flushes.
func (s *Socket) SendLine(line string) error {
	if s.isClosed() {
		return ErrClosed
	}
	if _, err := s.w.WriteString(line); err != nil {
		return err
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return err
	}
	return s.w.Flush()
}

// ReadLine reads up to the next newline. A trailing carriage return is
// stripped. io.EOF is returned only when the peer closed with nothing
// pending; a partial line at close is io.ErrUnexpectedEOF.
func (s *Socket) ReadLine() (string, error) {
	if s.isClosed() {
		return "", ErrClosed
	}
	if err := s.armRead(); err != nil {
		return "", err
	}
	line, err := s.r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r"), nil
}

// ReadBytes reads exactly n bytes. A short read is io.ErrUnexpectedEOF.
func (s *Socket) ReadBytes(n int) ([]byte, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	if n <= 0 {
		return []byte{}, nil
	}
	if err := s.armRead(); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

// SetDeadline sets an absolute deadline for reads and writes. A zero time
// clears it. Setting a deadline in the past unblocks any pending read.
func (s *Socket) SetDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadline = t
	return s.conn.SetDeadline(t)
}

// armRead applies the earlier of the per-read timeout and the deadline.
// A transport the peer already closed is not an error here; the read that
// follows reports EOF or the close itself.
func (s *Socket) armRead() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	deadline := s.deadline
	if s.readTimeout > 0 {
		limit := time.Now().Add(s.readTimeout)
		if deadline.IsZero() || limit.Before(deadline) {
			deadline = limit
		}
	}
	err := s.conn.SetReadDeadline(deadline)
	if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Close closes the underlying connection. It is safe to call more than once.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}

// RemoteAddr returns the engine's address.
func (s *Socket) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s *Socket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// IsTimeout reports whether err is a read or write deadline expiry.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
