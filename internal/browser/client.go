// Package browser is the client API for driving a headless engine.
//
// A Client owns one connection to one engine and issues one command at a
// time: the response to a command is read completely before the next command
// is written. Every operation blocks until that response arrives, the
// context expires, or the connection fails.
//
//	c, err := browser.Launch(ctx, browser.LaunchConfig{Process: process.DefaultConfig(path, "engine")})
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	if err := c.Visit(ctx, "https://example.org/"); err != nil {
//	    return err
//	}
//	body, err := c.Body(ctx)
//
// # Errors
//
// Failures are typed. errors.Is(err, ErrConnectionLost) means the channel is
// gone and the client is unusable. *RemoteError means the engine rejected a
// well-formed command (TLS validation, script error, stale node). A
// *ProtocolViolation means the engine sent something that is not valid
// framing. There is no reconnection and no retry.
//
// # Session policies
//
// SSL trust, image loading, proxy and credentials are remembered by the
// client and re-sent to the engine after every Reset, so they persist until
// changed explicitly.
//
// # Owner process
//
// The first process to use the connection owns it. From any other process
// (a forked child inheriting the socket), Reset is a successful no-op and
// Close neither closes the socket nor stops the engine.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/standardbeagle/wkdrive/internal/connection"
	"github.com/standardbeagle/wkdrive/internal/metrics"
	"github.com/standardbeagle/wkdrive/internal/protocol"
)

// Owner is whatever keeps the engine alive, usually a *process.Engine.
// Close calls Stop only from the owning process.
type Owner interface {
	Stop(ctx context.Context) error
}

// deadliner is implemented by connections whose reads can be interrupted.
type deadliner interface {
	SetDeadline(t time.Time) error
}

// Client drives one engine over one connection.
type Client struct {
	conn   connection.Connection
	writer *protocol.Writer
	reader *protocol.Reader

	logger  *zap.Logger
	metrics *metrics.Collector
	owner   Owner
	pidFn   func() int

	mu       sync.Mutex
	state    SessionState
	captured bool
	broken   error
	closed   bool
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. Failed commands are logged at warn level.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithMetrics records every command on m.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithOwner sets the engine supervisor stopped by Close.
func WithOwner(o Owner) Option {
	return func(c *Client) {
		c.owner = o
	}
}

// WithPIDFunc replaces os.Getpid as the source of the current process id.
func WithPIDFunc(fn func() int) Option {
	return func(c *Client) {
		c.pidFn = fn
	}
}

// WithMaxPayload bounds the response payload size accepted from the engine.
func WithMaxPayload(n int) Option {
	return func(c *Client) {
		c.reader = protocol.NewReader(c.conn, protocol.WithMaxPayload(n))
	}
}

// New creates a client over an established connection.
func New(conn connection.Connection, opts ...Option) *Client {
	c := &Client{
		conn:   conn,
		writer: protocol.NewWriter(conn),
		reader: protocol.NewReader(conn),
		logger: zap.NewNop(),
		pidFn:  os.Getpid,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Session returns a snapshot of the client's session policies.
func (c *Client) Session() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// isOwnerLocked reports whether the current process may tear down the
// connection. Before first use every process is the owner.
func (c *Client) isOwnerLocked() bool {
	return !c.captured || c.pidFn() == c.state.OwnerPID
}

// command runs one command under the client lock.
func (c *Client) command(ctx context.Context, name string, args ...any) (*protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roundTripLocked(ctx, name, args...)
}

// roundTripLocked encodes, writes and reads one command. c.mu must be held.
func (c *Client) roundTripLocked(ctx context.Context, name string, args ...any) (resp *protocol.Response, err error) {
	start := time.Now()
	defer func() {
		c.metrics.Observe(name, outcome(err), time.Since(start))
		if err != nil {
			c.logger.Warn("engine command failed", zap.String("command", name), zap.Error(err))
			return
		}
		c.metrics.ObservePayload(name, len(resp.Payload))
	}()

	if c.closed {
		return nil, ErrClosed
	}
	if c.broken != nil {
		return nil, fmt.Errorf("%w: earlier failure: %w", ErrConnectionLost, c.broken)
	}

	cmd, err := protocol.NewCommand(name, args...)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	if !c.captured {
		c.state.OwnerPID = c.pidFn()
		c.captured = true
	}

	if d, ok := c.conn.(deadliner); ok {
		if deadline, ok := ctx.Deadline(); ok {
			_ = d.SetDeadline(deadline)
		}
		fired := make(chan struct{})
		stop := context.AfterFunc(ctx, func() {
			defer close(fired)
			// A deadline in the past unblocks the pending read.
			_ = d.SetDeadline(time.Unix(1, 0))
		})
		defer func() {
			if !stop() {
				<-fired
			}
			// A cancellation that lost the race with a complete response
			// must not leave the past deadline behind for the next command.
			if c.broken == nil {
				_ = d.SetDeadline(time.Time{})
			}
		}()
	}

	c.logger.Debug("engine command", zap.String("command", name), zap.Int("args", len(cmd.Args())))

	if err := c.writer.WriteCommand(cmd); err != nil {
		c.broken = err
		return nil, fmt.Errorf("%w: write %s: %w", ErrConnectionLost, name, err)
	}

	resp, err = c.reader.ReadResponse(name)
	if err != nil {
		var remote *RemoteError
		if !errors.As(err, &remote) {
			// The stream position is unknown; nothing after this can be trusted.
			c.broken = err
		}
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ErrConnectionLost) {
			return nil, fmt.Errorf("%w (%w)", err, ctxErr)
		}
		return nil, err
	}
	return resp, nil
}

// Visit navigates to url. Under the default trust policy a TLS validation
// failure is a *RemoteError.
func (c *Client) Visit(ctx context.Context, url string) error {
	_, err := c.command(ctx, protocol.CmdVisit, url)
	return err
}

// URL returns the current document URL, including script-driven changes.
func (c *Client) URL(ctx context.Context) (string, error) {
	return c.text(ctx, protocol.CmdCurrentURL)
}

// RequestedURL returns the URL the engine was last asked to load, before
// redirects.
func (c *Client) RequestedURL(ctx context.Context) (string, error) {
	return c.text(ctx, protocol.CmdRequestedURL)
}

// Body returns the current document serialized as HTML.
func (c *Client) Body(ctx context.Context) (string, error) {
	return c.text(ctx, protocol.CmdBody)
}

// Source returns the document exactly as it was fetched.
func (c *Client) Source(ctx context.Context) (string, error) {
	return c.text(ctx, protocol.CmdSource)
}

// Title returns the document title.
func (c *Client) Title(ctx context.Context) (string, error) {
	return c.text(ctx, protocol.CmdTitle)
}

func (c *Client) text(ctx context.Context, name string) (string, error) {
	resp, err := c.command(ctx, name)
	if err != nil {
		return "", err
	}
	return resp.String(), nil
}

// StatusCode returns the HTTP status of the last navigation.
func (c *Client) StatusCode(ctx context.Context) (int, error) {
	resp, err := c.command(ctx, protocol.CmdStatus)
	if err != nil {
		return 0, err
	}
	code, err := strconv.Atoi(strings.TrimSpace(resp.String()))
	if err != nil {
		return 0, &ProtocolViolation{Command: protocol.CmdStatus, Stage: "payload", Line: resp.String(), Reason: "status is not a number"}
	}
	return code, nil
}

// ResponseHeaders returns the headers of the last navigation.
func (c *Client) ResponseHeaders(ctx context.Context) (http.Header, error) {
	var h http.Header
	if err := c.decodeJSON(ctx, &h, protocol.CmdHeaders); err != nil {
		return nil, err
	}
	return h, nil
}

// ExecuteScript runs code in the page and discards its value.
func (c *Client) ExecuteScript(ctx context.Context, code string) error {
	_, err := c.command(ctx, protocol.CmdExecute, code)
	return err
}

// EvaluateScript runs code in the page and returns its value decoded from
// JSON.
func (c *Client) EvaluateScript(ctx context.Context, code string) (any, error) {
	var v any
	if err := c.decodeJSON(ctx, &v, protocol.CmdEvaluate, code); err != nil {
		return nil, err
	}
	return v, nil
}

// Find returns handles for the nodes matching an XPath expression.
func (c *Client) Find(ctx context.Context, xpath string) ([]string, error) {
	var nodes []string
	if err := c.decodeJSON(ctx, &nodes, protocol.CmdFind, xpath); err != nil {
		return nil, err
	}
	if nodes == nil {
		nodes = []string{}
	}
	return nodes, nil
}

// Invoke calls fn on a node handle returned by Find. A handle from a
// previous document fails with a remote NodeNotAttachedError; see
// IsNodeNotAttached.
func (c *Client) Invoke(ctx context.Context, fn, node string, args ...string) (string, error) {
	cmdArgs := make([]any, 0, len(args)+2)
	cmdArgs = append(cmdArgs, fn, node)
	for _, a := range args {
		cmdArgs = append(cmdArgs, a)
	}
	resp, err := c.command(ctx, protocol.CmdNode, cmdArgs...)
	if err != nil {
		return "", err
	}
	return resp.String(), nil
}

func (c *Client) decodeJSON(ctx context.Context, v any, name string, args ...any) error {
	resp, err := c.command(ctx, name, args...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Payload, v); err != nil {
		return &ProtocolViolation{Command: name, Stage: "payload", Line: truncate(resp.String(), 64), Reason: "invalid JSON: " + err.Error()}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// IgnoreSSLErrors makes subsequent visits accept invalid certificates.
func (c *Client) IgnoreSSLErrors(ctx context.Context) error {
	return c.setTrust(ctx, TrustIgnoreErrors)
}

// ValidateSSL restores certificate validation.
func (c *Client) ValidateSSL(ctx context.Context) error {
	return c.setTrust(ctx, TrustValidate)
}

func (c *Client) setTrust(ctx context.Context, p TrustPolicy) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.roundTripLocked(ctx, protocol.CmdIgnoreSSLErrors, p == TrustIgnoreErrors); err != nil {
		return err
	}
	c.state.SSLTrust = p
	return nil
}

// SetSkipImageLoading stops (true) or resumes (false) fetching <img>
// sources and CSS background images on subsequent visits.
func (c *Client) SetSkipImageLoading(ctx context.Context, skip bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.roundTripLocked(ctx, protocol.CmdSetSkipImageLoading, skip); err != nil {
		return err
	}
	if skip {
		c.state.ImageLoading = ImagesDisabled
	} else {
		c.state.ImageLoading = ImagesEnabled
	}
	return nil
}

// Authenticate stores credentials the engine uses to answer HTTP basic-auth
// challenges. Credentials are never sent unchallenged.
func (c *Client) Authenticate(ctx context.Context, user, pass string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.roundTripLocked(ctx, protocol.CmdAuthenticate, authArgs(user, pass)...); err != nil {
		return err
	}
	c.state.Credentials = &Credentials{User: user, Pass: pass}
	return nil
}

func authArgs(user, pass string) []any {
	if pass == "" {
		return []any{user}
	}
	return []any{user, pass}
}

// SetProxy routes subsequent requests through an HTTP proxy. When User is
// set, 407 challenges are answered with basic credentials.
func (c *Client) SetProxy(ctx context.Context, p ProxyConfig) error {
	args, err := proxyArgs(p)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.roundTripLocked(ctx, protocol.CmdSetProxy, args...); err != nil {
		return err
	}
	c.state.Proxy = &p
	return nil
}

func proxyArgs(p ProxyConfig) ([]any, error) {
	if p.Port <= 0 || p.Port > 65535 {
		return nil, &InvalidArgumentError{Command: protocol.CmdSetProxy, Index: 1, Reason: "port out of range: " + strconv.Itoa(p.Port)}
	}
	if p.User == "" && p.Pass != "" {
		return nil, &InvalidArgumentError{Command: protocol.CmdSetProxy, Index: 3, Reason: "password without user"}
	}
	args := []any{p.Host, p.Port}
	if p.User != "" {
		args = append(args, p.User)
		if p.Pass != "" {
			args = append(args, p.Pass)
		}
	}
	return args, nil
}

// ClearProxy makes subsequent requests go direct.
func (c *Client) ClearProxy(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.roundTripLocked(ctx, protocol.CmdClearProxy); err != nil {
		return err
	}
	c.state.Proxy = nil
	return nil
}

// Reset clears the loaded document and navigation history at the engine
// and re-sends the session policies.
//
// Called from a process other than the connection's owner, Reset does
// nothing and returns nil.
func (c *Client) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isOwnerLocked() {
		c.logger.Debug("skipping reset outside owner process",
			zap.Int("owner_pid", c.state.OwnerPID), zap.Int("pid", c.pidFn()))
		return nil
	}

	if _, err := c.roundTripLocked(ctx, protocol.CmdReset); err != nil {
		return err
	}
	c.metrics.ObserveReset()
	return c.restorePoliciesLocked(ctx)
}

// restorePoliciesLocked re-sends every policy that differs from the
// engine's defaults.
func (c *Client) restorePoliciesLocked(ctx context.Context) error {
	if c.state.SSLTrust == TrustIgnoreErrors {
		if _, err := c.roundTripLocked(ctx, protocol.CmdIgnoreSSLErrors, true); err != nil {
			return err
		}
	}
	if c.state.ImageLoading == ImagesDisabled {
		if _, err := c.roundTripLocked(ctx, protocol.CmdSetSkipImageLoading, true); err != nil {
			return err
		}
	}
	if p := c.state.Proxy; p != nil {
		args, err := proxyArgs(*p)
		if err != nil {
			return err
		}
		if _, err := c.roundTripLocked(ctx, protocol.CmdSetProxy, args...); err != nil {
			return err
		}
	}
	if cr := c.state.Credentials; cr != nil {
		if _, err := c.roundTripLocked(ctx, protocol.CmdAuthenticate, authArgs(cr.User, cr.Pass)...); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the connection and stops the engine. From a process other
// than the owner it only marks the client closed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if !c.isOwnerLocked() {
		c.logger.Debug("leaving engine running for owner process",
			zap.Int("owner_pid", c.state.OwnerPID), zap.Int("pid", c.pidFn()))
		return nil
	}

	var errs []error
	if err := c.conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close connection: %w", err))
	}
	if c.owner != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.owner.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop engine: %w", err))
		}
	}
	return errors.Join(errs...)
}
