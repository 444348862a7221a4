package headless

import (
	"bytes"
	"context"
	"encoding/json"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"github.com/dop251/goja"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/standardbeagle/wkdrive/internal/protocol"
)

// page is the loaded document of a session.
type page struct {
	url          *url.URL
	requestedURL *url.URL
	status       int
	header       http.Header
	mediaType    string
	source       []byte

	root *html.Node
	doc  *goquery.Document
	// titleOverride is set when a script assigns document.title.
	titleOverride *string

	nodes map[string]*html.Node
	vm    *goja.Runtime
}

func newPage(requested *url.URL, f *fetched) (*page, error) {
	final, err := url.Parse(f.finalURL)
	if err != nil {
		final = requested
	}

	p := &page{
		url:          final,
		requestedURL: requested,
		status:       f.status,
		header:       f.header,
		source:       f.body,
		nodes:        make(map[string]*html.Node),
	}
	p.mediaType, _, _ = mime.ParseMediaType(f.header.Get("Content-Type"))

	root, err := htmlquery.Parse(bytes.NewReader(f.body))
	if err != nil {
		return nil, err
	}
	p.root = root
	p.doc = goquery.NewDocumentFromNode(root)
	return p, nil
}

func (p *page) close() {
	if p.vm != nil {
		p.vm.Interrupt("page closed")
		p.vm = nil
	}
	p.nodes = nil
}

// isHTML reports whether the document was served as markup. Other content
// is returned verbatim by Body.
func (p *page) isHTML() bool {
	switch p.mediaType {
	case "", "text/html", "application/xhtml+xml":
		return true
	}
	return false
}

func (p *page) render() ([]byte, error) {
	if !p.isHTML() {
		return p.source, nil
	}
	var buf bytes.Buffer
	if err := html.Render(&buf, p.root); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (p *page) documentTitle() string {
	if p.titleOverride != nil {
		return *p.titleOverride
	}
	return strings.TrimSpace(p.doc.Find("title").First().Text())
}

// register returns a handle for n, reusing an existing one.
func (p *page) register(n *html.Node, issued map[string]struct{}) string {
	for id, existing := range p.nodes {
		if existing == n {
			return id
		}
	}
	id := uuid.NewString()
	p.nodes[id] = n
	issued[id] = struct{}{}
	return id
}

// visit loads a URL, relative URLs resolving against the current page.
// The document and its subresources share one fetch-timeout budget, so a
// Visit is answered within that bound.
func (s *session) visit(ctx context.Context, args []string) ([]byte, error) {
	if s.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.fetchTimeout)
		defer cancel()
	}

	target, err := s.resolve(args[0])
	if err != nil {
		return nil, errorf(protocol.ClassInvalidResponse, "Unable to load URL: %s because of error parsing it: %v", args[0], err)
	}

	client := s.newFetcher()
	f, err := fetch(ctx, client, target.String())
	if err != nil {
		return nil, errorf(protocol.ClassInvalidResponse, "Unable to load URL: %s because of error loading %s: %v", args[0], target, err)
	}

	p, err := newPage(target, f)
	if err != nil {
		return nil, errorf(protocol.ClassInvalidResponse, "Unable to load URL: %s because of error parsing the document: %v", args[0], err)
	}

	s.close()
	s.page = p
	s.logger.Debug("visited", zap.String("url", p.url.String()), zap.Int("status", p.status))

	if p.isHTML() {
		s.loadSubresources(ctx, client, p)
	}
	return nil, nil
}

func (s *session) resolve(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if s.page != nil && !u.IsAbs() {
		return s.page.url.ResolveReference(u), nil
	}
	return u, nil
}

var cssURLPattern = regexp.MustCompile(`url\(\s*['"]?([^'")\s]+)['"]?\s*\)`)

// loadSubresources fetches stylesheets and, unless images are skipped, the
// images referenced by <img> tags and CSS url() values. Failures are logged
// and otherwise ignored, as a browser would.
func (s *session) loadSubresources(ctx context.Context, client *resty.Client, p *page) {
	var css []string
	p.doc.Find("style").Each(func(_ int, sel *goquery.Selection) {
		css = append(css, sel.Text())
	})
	p.doc.Find("[style]").Each(func(_ int, sel *goquery.Selection) {
		css = append(css, sel.AttrOr("style", ""))
	})

	p.doc.Find(`link[rel="stylesheet"][href]`).Each(func(_ int, sel *goquery.Selection) {
		u, ok := resolveRef(p.url, sel.AttrOr("href", ""))
		if !ok {
			return
		}
		f, err := fetch(ctx, client, u)
		if err != nil {
			s.logger.Debug("stylesheet failed", zap.String("url", u), zap.Error(err))
			return
		}
		css = append(css, string(f.body))
	})

	if s.skipImages {
		return
	}

	seen := make(map[string]bool)
	var images []string
	add := func(ref string) {
		u, ok := resolveRef(p.url, ref)
		if ok && !seen[u] {
			seen[u] = true
			images = append(images, u)
		}
	}
	p.doc.Find("img[src]").Each(func(_ int, sel *goquery.Selection) {
		add(sel.AttrOr("src", ""))
	})
	for _, block := range css {
		for _, m := range cssURLPattern.FindAllStringSubmatch(block, -1) {
			add(m[1])
		}
	}

	for _, u := range images {
		if _, err := fetch(ctx, client, u); err != nil {
			s.logger.Debug("image failed", zap.String("url", u), zap.Error(err))
		}
	}
}

func resolveRef(base *url.URL, ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "data:") {
		return "", false
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(u)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	return abs.String(), true
}

// find evaluates an XPath expression against the document.
func (s *session) find(_ context.Context, args []string) ([]byte, error) {
	if s.page == nil {
		return []byte("[]"), nil
	}
	nodes, err := htmlquery.QueryAll(s.page.root, args[0])
	if err != nil {
		return nil, errorf(protocol.ClassInvalidResponse, "Invalid XPath expression %q: %v", args[0], err)
	}
	return s.handles(nodes)
}

func (s *session) handles(nodes []*html.Node) ([]byte, error) {
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, s.page.register(n, s.issued))
	}
	return json.Marshal(ids)
}

// node calls a function on a node handle: Node <fn> <handle> [args...].
func (s *session) node(_ context.Context, args []string) ([]byte, error) {
	fn, id, rest := args[0], args[1], args[2:]

	var n *html.Node
	if s.page != nil {
		n = s.page.nodes[id]
	}

	if fn == "isAttached" {
		if n != nil {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	}

	if n == nil {
		if _, ok := s.issued[id]; ok {
			return nil, errorf(protocol.ClassNodeNotAttached, "Element is no longer attached to the DOM")
		}
		return nil, errorf(protocol.ClassNodeNotAttached, "Unknown node %s", id)
	}

	switch fn {
	case "text":
		return []byte(strings.TrimSpace(htmlquery.InnerText(n))), nil
	case "tagName":
		return []byte(strings.ToLower(n.Data)), nil
	case "attribute":
		if len(rest) != 1 {
			return nil, errorf(protocol.ClassArgument, "attribute takes a name")
		}
		return []byte(htmlquery.SelectAttr(n, rest[0])), nil
	case "value":
		if strings.EqualFold(n.Data, "textarea") {
			return []byte(htmlquery.InnerText(n)), nil
		}
		return []byte(htmlquery.SelectAttr(n, "value")), nil
	case "html":
		return []byte(htmlquery.OutputHTML(n, true)), nil
	case "find":
		if len(rest) != 1 {
			return nil, errorf(protocol.ClassArgument, "find takes an XPath expression")
		}
		nodes, err := htmlquery.QueryAll(n, rest[0])
		if err != nil {
			return nil, errorf(protocol.ClassInvalidResponse, "Invalid XPath expression %q: %v", rest[0], err)
		}
		return s.handles(nodes)
	default:
		return nil, errorf(protocol.ClassArgument, "unknown node function %q", fn)
	}
}
