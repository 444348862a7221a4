package browser_test

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/wkdrive/internal/browser"
	"github.com/standardbeagle/wkdrive/internal/headless"
	"github.com/standardbeagle/wkdrive/internal/protocol"
)

func startEngine(t *testing.T) *browser.Client {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		headless.NewServer(headless.WithFetchTimeout(5*time.Second)).Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	c, err := browser.Connect(context.Background(), ln.Addr().String(), 10*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// requestLog records requests seen by a test server.
type requestLog struct {
	mu       sync.Mutex
	requests []*http.Request
}

func (l *requestLog) add(r *http.Request) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requests = append(l.requests, r.Clone(context.Background()))
}

func (l *requestLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requests = nil
}

func (l *requestLog) all() []*http.Request {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*http.Request(nil), l.requests...)
}

func (l *requestLog) paths() []string {
	var out []string
	for _, r := range l.all() {
		out = append(out, r.URL.Path)
	}
	return out
}

func TestBrowser_SSLPolicy(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><head><title>secure</title></head></html>")
	}))
	defer ts.Close()

	c := startEngine(t)
	ctx := context.Background()

	err := c.Visit(ctx, ts.URL)
	var remote *browser.RemoteError
	require.ErrorAs(t, err, &remote)

	require.NoError(t, c.IgnoreSSLErrors(ctx))
	require.NoError(t, c.Visit(ctx, ts.URL))
	title, err := c.Title(ctx)
	require.NoError(t, err)
	assert.Equal(t, "secure", title)

	// The policy survives a reset.
	require.NoError(t, c.Reset(ctx))
	require.NoError(t, c.Visit(ctx, ts.URL))

	require.NoError(t, c.ValidateSSL(ctx))
	require.ErrorAs(t, c.Visit(ctx, ts.URL), &remote)
}

func TestBrowser_ImagePolicy(t *testing.T) {
	var log requestLog
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.add(r)
		switch r.URL.Path {
		case "/":
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, `<html><head>
<style>.hero { background-image: url("/bg.png"); }</style>
<link rel="stylesheet" href="/site.css">
</head><body>
<img src="/photo.jpg">
<div style="background: url(/inline.png)"></div>
<img src="/photo.jpg">
</body></html>`)
		case "/site.css":
			w.Header().Set("Content-Type", "text/css")
			fmt.Fprint(w, `body { background-image: url('/sheet.png'); }`)
		default:
			w.Header().Set("Content-Type", "image/png")
		}
	}))
	defer ts.Close()

	c := startEngine(t)
	ctx := context.Background()

	require.NoError(t, c.Visit(ctx, ts.URL+"/"))
	assert.ElementsMatch(t,
		[]string{"/", "/site.css", "/photo.jpg", "/bg.png", "/inline.png", "/sheet.png"},
		log.paths())

	log.reset()
	require.NoError(t, c.SetSkipImageLoading(ctx, true))
	require.NoError(t, c.Visit(ctx, ts.URL+"/"))
	assert.ElementsMatch(t, []string{"/", "/site.css"}, log.paths())

	log.reset()
	require.NoError(t, c.Reset(ctx))
	require.NoError(t, c.Visit(ctx, ts.URL+"/"))
	assert.ElementsMatch(t, []string{"/", "/site.css"}, log.paths(), "skip survives reset")

	log.reset()
	require.NoError(t, c.SetSkipImageLoading(ctx, false))
	require.NoError(t, c.Visit(ctx, ts.URL+"/"))
	assert.Contains(t, log.paths(), "/photo.jpg")
}

func basicAuthServer(t *testing.T, log *requestLog) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.add(r)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "hunter2" {
			w.Header().Set("WWW-Authenticate", `Basic realm="test"`)
			http.Error(w, "denied", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><head><title>welcome</title></head></html>")
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestBrowser_BasicAuth(t *testing.T) {
	var log requestLog
	ts := basicAuthServer(t, &log)
	c := startEngine(t)
	ctx := context.Background()

	require.NoError(t, c.Visit(ctx, ts.URL))
	status, err := c.StatusCode(ctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, status)

	log.reset()
	require.NoError(t, c.Authenticate(ctx, "admin", "hunter2"))
	require.NoError(t, c.Visit(ctx, ts.URL))

	status, err = c.StatusCode(ctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	title, err := c.Title(ctx)
	require.NoError(t, err)
	assert.Equal(t, "welcome", title)

	reqs := log.all()
	require.Len(t, reqs, 2)
	assert.Empty(t, reqs[0].Header.Get("Authorization"), "credentials wait for a challenge")
	assert.Equal(t, "Basic "+base64.StdEncoding.EncodeToString([]byte("admin:hunter2")), reqs[1].Header.Get("Authorization"))
}

func TestBrowser_IdleCredentialsNotSent(t *testing.T) {
	var log requestLog
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.add(r)
		fmt.Fprint(w, "<html></html>")
	}))
	defer ts.Close()

	c := startEngine(t)
	ctx := context.Background()

	require.NoError(t, c.Authenticate(ctx, "admin", "hunter2"))
	require.NoError(t, c.Visit(ctx, ts.URL))

	reqs := log.all()
	require.Len(t, reqs, 1)
	assert.Empty(t, reqs[0].Header.Get("Authorization"))
}

// recordingProxy demands basic credentials and then answers every request
// itself instead of forwarding it.
func recordingProxy(t *testing.T, log *requestLog) (host string, port int) {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.add(r)
		want := "Basic " + base64.StdEncoding.EncodeToString([]byte("user:secret"))
		if r.Header.Get("Proxy-Authorization") != want {
			w.Header().Set("Proxy-Authenticate", `Basic realm="proxy"`)
			http.Error(w, "proxy auth required", http.StatusProxyAuthRequired)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "D'oh!")
	}))
	t.Cleanup(ts.Close)

	h, p, err := net.SplitHostPort(ts.Listener.Addr().String())
	require.NoError(t, err)
	port, err = strconv.Atoi(p)
	require.NoError(t, err)
	return h, port
}

func TestBrowser_Proxy(t *testing.T) {
	var proxyLog requestLog
	host, port := recordingProxy(t, &proxyLog)

	c := startEngine(t)
	ctx := context.Background()

	require.NoError(t, c.SetProxy(ctx, browser.ProxyConfig{Host: host, Port: port, User: "user", Pass: "secret"}))
	require.NoError(t, c.Visit(ctx, "http://example.org/"))

	reqs := proxyLog.all()
	require.Len(t, reqs, 2, "one challenge and one authenticated retry")
	for _, r := range reqs {
		assert.Equal(t, "http://example.org/", r.RequestURI)
		assert.Equal(t, "example.org", r.Host)
	}
	assert.Empty(t, reqs[0].Header.Get("Proxy-Authorization"))

	user, pass, ok := parseBasic(reqs[1].Header.Get("Proxy-Authorization"))
	require.True(t, ok)
	assert.Equal(t, "user", user)
	assert.Equal(t, "secret", pass)

	body, err := c.Body(ctx)
	require.NoError(t, err)
	assert.Contains(t, body, "D'oh!")

	u, err := c.URL(ctx)
	require.NoError(t, err)
	assert.Equal(t, "http://example.org/", u)

	require.NoError(t, c.ExecuteScript(ctx, "window.history.pushState('', '', '/blah')"))
	requested, err := c.RequestedURL(ctx)
	require.NoError(t, err)
	assert.Equal(t, "http://example.org/blah", requested)

	// Going direct leaves the proxy untouched.
	direct := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html></html>")
	}))
	defer direct.Close()

	proxyLog.reset()
	require.NoError(t, c.ClearProxy(ctx))
	require.NoError(t, c.Visit(ctx, direct.URL))
	assert.Empty(t, proxyLog.all())
}

func TestBrowser_ProxySurvivesReset(t *testing.T) {
	var proxyLog requestLog
	host, port := recordingProxy(t, &proxyLog)

	c := startEngine(t)
	ctx := context.Background()

	require.NoError(t, c.SetProxy(ctx, browser.ProxyConfig{Host: host, Port: port, User: "user", Pass: "secret"}))
	require.NoError(t, c.Reset(ctx))
	require.NoError(t, c.Visit(ctx, "http://example.org/"))

	assert.Len(t, proxyLog.all(), 2)
	body, err := c.Body(ctx)
	require.NoError(t, err)
	assert.Contains(t, body, "D'oh!")
}

func parseBasic(header string) (user, pass string, ok bool) {
	r := &http.Request{Header: http.Header{"Authorization": {header}}}
	return r.BasicAuth()
}

func TestBrowser_RemoteErrorClass(t *testing.T) {
	c := startEngine(t)
	_, err := c.Invoke(context.Background(), "text", "missing")
	var remote *browser.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, protocol.ClassNodeNotAttached, remote.Class)
}
