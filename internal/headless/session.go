package headless

import (
	"context"
	"encoding/json"
	"net"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/standardbeagle/wkdrive/internal/protocol"
)

const blankURL = "about:blank"

// proxySettings is the upstream HTTP proxy for a session.
type proxySettings struct {
	host string
	port int
	user string
	pass string
}

func (p *proxySettings) url() *url.URL {
	return &url.URL{Scheme: "http", Host: net.JoinHostPort(p.host, strconv.Itoa(p.port))}
}

// credentials answer a basic-auth challenge.
type credentials struct {
	user string
	pass string
}

// session is the engine state of one client connection. It is only used by
// the connection's handler goroutine.
type session struct {
	logger        *zap.Logger
	fetchTimeout  time.Duration
	scriptTimeout time.Duration

	ignoreSSL  bool
	skipImages bool
	proxy      *proxySettings
	auth       *credentials

	page *page
	// issued remembers every node handle ever returned, so a handle from an
	// earlier page is reported as detached rather than unknown.
	issued map[string]struct{}
}

func newSession(logger *zap.Logger, fetchTimeout, scriptTimeout time.Duration) *session {
	return &session{
		logger:        logger,
		fetchTimeout:  fetchTimeout,
		scriptTimeout: scriptTimeout,
		issued:        make(map[string]struct{}),
	}
}

func (s *session) close() {
	if s.page != nil {
		s.page.close()
		s.page = nil
	}
}

func (s *session) currentURL(_ context.Context, _ []string) ([]byte, error) {
	if s.page == nil {
		return []byte(blankURL), nil
	}
	return []byte(s.page.url.String()), nil
}

func (s *session) requestedURL(_ context.Context, _ []string) ([]byte, error) {
	if s.page == nil {
		return []byte(blankURL), nil
	}
	return []byte(s.page.requestedURL.String()), nil
}

func (s *session) body(_ context.Context, _ []string) ([]byte, error) {
	if s.page == nil {
		return nil, nil
	}
	return s.page.render()
}

func (s *session) source(_ context.Context, _ []string) ([]byte, error) {
	if s.page == nil {
		return nil, nil
	}
	return s.page.source, nil
}

func (s *session) title(_ context.Context, _ []string) ([]byte, error) {
	if s.page == nil {
		return nil, nil
	}
	return []byte(s.page.documentTitle()), nil
}

func (s *session) status(_ context.Context, _ []string) ([]byte, error) {
	if s.page == nil {
		return []byte("0"), nil
	}
	return []byte(strconv.Itoa(s.page.status)), nil
}

func (s *session) headers(_ context.Context, _ []string) ([]byte, error) {
	if s.page == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(s.page.header)
}

func (s *session) ignoreSSLErrors(_ context.Context, args []string) ([]byte, error) {
	v, err := parseBool(protocol.CmdIgnoreSSLErrors, args[0])
	if err != nil {
		return nil, err
	}
	s.ignoreSSL = v
	return nil, nil
}

func (s *session) setSkipImageLoading(_ context.Context, args []string) ([]byte, error) {
	v, err := parseBool(protocol.CmdSetSkipImageLoading, args[0])
	if err != nil {
		return nil, err
	}
	s.skipImages = v
	return nil, nil
}

func (s *session) authenticate(_ context.Context, args []string) ([]byte, error) {
	c := &credentials{user: args[0]}
	if len(args) > 1 {
		c.pass = args[1]
	}
	s.auth = c
	return nil, nil
}

func (s *session) setProxy(_ context.Context, args []string) ([]byte, error) {
	port, err := strconv.Atoi(args[1])
	if err != nil || port <= 0 || port > 65535 {
		return nil, errorf(protocol.ClassArgument, "invalid proxy port %q", args[1])
	}
	p := &proxySettings{host: args[0], port: port}
	if len(args) > 2 {
		p.user = args[2]
	}
	if len(args) > 3 {
		p.pass = args[3]
	}
	s.proxy = p
	return nil, nil
}

func (s *session) clearProxy(_ context.Context, _ []string) ([]byte, error) {
	s.proxy = nil
	return nil, nil
}

// reset drops the page and restores every policy to its default.
func (s *session) reset(_ context.Context, _ []string) ([]byte, error) {
	s.close()
	s.ignoreSSL = false
	s.skipImages = false
	s.proxy = nil
	s.auth = nil
	return nil, nil
}

func parseBool(command, arg string) (bool, error) {
	v, err := strconv.ParseBool(arg)
	if err != nil {
		return false, errorf(protocol.ClassArgument, "%s expects true or false, got %q", command, arg)
	}
	return v, nil
}
