package headless

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const userAgent = "wkdrive/1.0 (headless)"

// newFetcher builds an HTTP client reflecting the session's current
// policies. A fresh client is built per visit so policy changes apply to the
// next navigation only.
func (s *session) newFetcher() *resty.Client {
	base := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: s.ignoreSSL,
		},
		// One request per connection keeps proxy and server logs exact.
		DisableKeepAlives:     true,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: s.fetchTimeout,
	}

	rt := &challengeTransport{base: base, logger: s.logger}
	if p := s.proxy; p != nil {
		base.Proxy = http.ProxyURL(p.url())
		if p.user != "" {
			rt.proxyAuth = basicAuth(p.user, p.pass)
			// CONNECT cannot be retried after a 407, so tunnels carry the
			// proxy credentials from the start.
			base.ProxyConnectHeader = http.Header{"Proxy-Authorization": {rt.proxyAuth}}
		}
	}
	if a := s.auth; a != nil {
		rt.auth = basicAuth(a.user, a.pass)
	}

	return resty.New().
		SetTransport(&decodingTransport{base: rt}).
		SetTimeout(s.fetchTimeout).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(10)).
		SetHeader("User-Agent", userAgent)
}

// challengeTransport answers Basic challenges: a 407 from the proxy with
// Proxy-Authorization and a 401 from the server with Authorization. Each is
// retried at most once per request and credentials are never sent before a
// challenge asks for them.
type challengeTransport struct {
	base      http.RoundTripper
	auth      string
	proxyAuth string
	logger    *zap.Logger
}

func (t *challengeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusProxyAuthRequired && t.proxyAuth != "" &&
		req.Header.Get("Proxy-Authorization") == "" &&
		hasBasicChallenge(resp.Header.Values("Proxy-Authenticate")) {
		t.logger.Debug("answering proxy challenge", zap.String("url", req.URL.String()))
		req, err = retryWith(req, resp, "Proxy-Authorization", t.proxyAuth)
		if err != nil {
			return nil, err
		}
		if resp, err = t.base.RoundTrip(req); err != nil {
			return nil, err
		}
	}

	if resp.StatusCode == http.StatusUnauthorized && t.auth != "" &&
		req.Header.Get("Authorization") == "" &&
		hasBasicChallenge(resp.Header.Values("WWW-Authenticate")) {
		t.logger.Debug("answering auth challenge", zap.String("url", req.URL.String()))
		req, err = retryWith(req, resp, "Authorization", t.auth)
		if err != nil {
			return nil, err
		}
		if resp, err = t.base.RoundTrip(req); err != nil {
			return nil, err
		}
	}

	return resp, nil
}

// retryWith discards resp and returns a copy of req carrying the header.
func retryWith(req *http.Request, resp *http.Response, header, value string) (*http.Request, error) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()

	retry := req.Clone(req.Context())
	if req.Body != nil && req.Body != http.NoBody {
		if req.GetBody == nil {
			return nil, errNotReplayable
		}
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retry.Body = body
	}
	retry.Header.Set(header, value)
	return retry, nil
}

var errNotReplayable = errors.New("request body cannot be replayed for authentication")

func hasBasicChallenge(values []string) bool {
	for _, v := range values {
		scheme, _, _ := strings.Cut(strings.TrimSpace(v), " ")
		if strings.EqualFold(scheme, "Basic") {
			return true
		}
	}
	return false
}

func basicAuth(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

// fetched is one HTTP response with its body read.
type fetched struct {
	finalURL string
	status   int
	header   http.Header
	body     []byte
}

func fetch(ctx context.Context, client *resty.Client, rawURL string) (*fetched, error) {
	resp, err := client.R().SetContext(ctx).Get(rawURL)
	if err != nil {
		return nil, err
	}
	f := &fetched{
		finalURL: rawURL,
		status:   resp.StatusCode(),
		header:   resp.Header(),
		body:     resp.Body(),
	}
	if raw := resp.RawResponse; raw != nil && raw.Request != nil && raw.Request.URL != nil {
		f.finalURL = raw.Request.URL.String()
	}
	return f, nil
}
