package headless

import (
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

const acceptEncoding = "gzip, deflate, br, zstd"

// decodingTransport advertises the content codings a browser accepts and
// hands back decoded bodies, so documents and Source see plain bytes.
type decodingTransport struct {
	base http.RoundTripper
}

func (t *decodingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("Accept-Encoding", acceptEncoding)
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if err := decodeBody(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

// decodeBody replaces resp.Body with its decoded form and drops the
// encoding headers. Unknown codings are left untouched.
func decodeBody(resp *http.Response) error {
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	if encoding == "" || encoding == "identity" {
		return nil
	}

	var (
		decoded io.ReadCloser
		err     error
	)
	switch encoding {
	case "gzip", "x-gzip":
		decoded, err = gzip.NewReader(resp.Body)
	case "deflate":
		decoded = flate.NewReader(resp.Body)
	case "br":
		decoded = io.NopCloser(brotli.NewReader(resp.Body))
	case "zstd":
		var d *zstd.Decoder
		d, err = zstd.NewReader(resp.Body)
		if err == nil {
			decoded = d.IOReadCloser()
		}
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("decode %s body: %w", encoding, err)
	}

	resp.Body = &decodedBody{ReadCloser: decoded, raw: resp.Body}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}

// decodedBody closes both the decoder and the underlying body.
type decodedBody struct {
	io.ReadCloser
	raw io.Closer
}

func (b *decodedBody) Close() error {
	err := b.ReadCloser.Close()
	if rerr := b.raw.Close(); err == nil {
		err = rerr
	}
	return err
}
