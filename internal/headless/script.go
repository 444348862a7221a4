package headless

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/standardbeagle/wkdrive/internal/protocol"
)

// execute runs a script and discards its value.
func (s *session) execute(_ context.Context, args []string) ([]byte, error) {
	if _, err := s.run(args[0]); err != nil {
		return nil, err
	}
	return nil, nil
}

// evaluate runs a script and returns its value as JSON.
func (s *session) evaluate(_ context.Context, args []string) ([]byte, error) {
	v, err := s.run(args[0])
	if err != nil {
		return nil, err
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return []byte("null"), nil
	}
	data, err := json.Marshal(v.Export())
	if err != nil {
		return nil, errorf(protocol.ClassJavascript, "result cannot be serialized: %v", err)
	}
	return data, nil
}

// run evaluates code in the page's VM. Globals persist across runs until
// the next navigation.
func (s *session) run(code string) (goja.Value, error) {
	if s.page == nil {
		return nil, errorf(protocol.ClassJavascript, "no document loaded")
	}
	vm, err := s.page.runtime(s.logger)
	if err != nil {
		return nil, err
	}

	timer := time.AfterFunc(s.scriptTimeout, func() {
		vm.Interrupt("script timed out")
	})
	v, err := vm.RunString(code)
	timer.Stop()
	vm.ClearInterrupt()
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, errorf(protocol.ClassJavascript, "script timed out after %s", s.scriptTimeout)
		}
		var exception *goja.Exception
		if errors.As(err, &exception) {
			return nil, errorf(protocol.ClassJavascript, "%s", exception.Value().String())
		}
		return nil, errorf(protocol.ClassJavascript, "%v", err)
	}
	return v, nil
}

// runtime returns the page's VM, creating it with window, document,
// location, history and console bindings.
func (p *page) runtime(logger *zap.Logger) (*goja.Runtime, error) {
	if p.vm != nil {
		return p.vm, nil
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	global := vm.GlobalObject()

	if err := global.Set("window", global); err != nil {
		return nil, err
	}

	console := vm.NewObject()
	console.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, a := range call.Arguments {
			parts = append(parts, a.String())
		}
		logger.Debug("console.log", zap.String("message", strings.Join(parts, " ")))
		return goja.Undefined()
	})
	global.Set("console", console)

	location := vm.NewObject()
	for _, prop := range []struct {
		name string
		get  func(u *url.URL) string
	}{
		{"href", func(u *url.URL) string { return u.String() }},
		{"protocol", func(u *url.URL) string { return u.Scheme + ":" }},
		{"host", func(u *url.URL) string { return u.Host }},
		{"hostname", func(u *url.URL) string { return u.Hostname() }},
		{"port", func(u *url.URL) string { return u.Port() }},
		{"pathname", func(u *url.URL) string { return u.EscapedPath() }},
		{"search", func(u *url.URL) string { return prefixed("?", u.RawQuery) }},
		{"hash", func(u *url.URL) string { return prefixed("#", u.Fragment) }},
		{"origin", func(u *url.URL) string { return u.Scheme + "://" + u.Host }},
	} {
		get := prop.get
		getter := vm.ToValue(func(goja.FunctionCall) goja.Value {
			return vm.ToValue(get(p.url))
		})
		if err := location.DefineAccessorProperty(prop.name, getter, nil, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
			return nil, err
		}
	}
	location.Set("toString", func(goja.FunctionCall) goja.Value {
		return vm.ToValue(p.url.String())
	})
	global.Set("location", location)

	history := vm.NewObject()
	history.Set("pushState", p.historyUpdate(vm))
	history.Set("replaceState", p.historyUpdate(vm))
	global.Set("history", history)

	document := vm.NewObject()
	titleGetter := vm.ToValue(func(goja.FunctionCall) goja.Value {
		return vm.ToValue(p.documentTitle())
	})
	titleSetter := vm.ToValue(func(call goja.FunctionCall) goja.Value {
		t := call.Argument(0).String()
		p.titleOverride = &t
		return goja.Undefined()
	})
	if err := document.DefineAccessorProperty("title", titleGetter, titleSetter, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
		return nil, err
	}
	urlGetter := vm.ToValue(func(goja.FunctionCall) goja.Value {
		return vm.ToValue(p.url.String())
	})
	if err := document.DefineAccessorProperty("URL", urlGetter, nil, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
		return nil, err
	}
	document.Set("location", location)
	document.Set("querySelector", func(call goja.FunctionCall) goja.Value {
		sel := p.doc.Find(call.Argument(0).String()).First()
		if sel.Length() == 0 {
			return goja.Null()
		}
		return vm.ToValue(elementSnapshot(sel))
	})
	document.Set("querySelectorAll", func(call goja.FunctionCall) goja.Value {
		var out []element
		p.doc.Find(call.Argument(0).String()).Each(func(_ int, sel *goquery.Selection) {
			out = append(out, elementSnapshot(sel))
		})
		if out == nil {
			out = []element{}
		}
		return vm.ToValue(out)
	})
	global.Set("document", document)

	p.vm = vm
	return vm, nil
}

// historyUpdate implements pushState and replaceState: the URL changes
// without a network request, and must stay on the same origin.
func (p *page) historyUpdate(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		arg := call.Argument(2)
		if goja.IsUndefined(arg) || goja.IsNull(arg) {
			return goja.Undefined()
		}
		ref, err := url.Parse(arg.String())
		if err != nil {
			panic(vm.NewTypeError("invalid URL %q", arg.String()))
		}
		next := p.url.ResolveReference(ref)
		if next.Scheme != p.url.Scheme || next.Host != p.url.Host {
			panic(vm.NewGoError(fmt.Errorf("SecurityError: %s is not same-origin with %s", next, p.url)))
		}
		p.url = next
		p.requestedURL = next
		return goja.Undefined()
	}
}

// element is a read-only snapshot of a DOM element exposed to scripts.
type element struct {
	TagName     string            `json:"tagName"`
	TextContent string            `json:"textContent"`
	ID          string            `json:"id"`
	ClassName   string            `json:"className"`
	Attributes  map[string]string `json:"attributes"`
}

func elementSnapshot(sel *goquery.Selection) element {
	e := element{
		TextContent: sel.Text(),
		ID:          sel.AttrOr("id", ""),
		ClassName:   sel.AttrOr("class", ""),
		Attributes:  make(map[string]string),
	}
	if n := sel.Get(0); n != nil {
		e.TagName = strings.ToUpper(n.Data)
		for _, a := range n.Attr {
			e.Attributes[a.Key] = a.Val
		}
	}
	return e
}

func prefixed(prefix, s string) string {
	if s == "" {
		return ""
	}
	return prefix + s
}
