package webapp

import (
	"context"
	"net/http"
	"strings"
	"sync"
)

// NextFunc hands the request to the next matching layer.
type NextFunc func()

// HandlerFunc is one step of the request pipeline. A handler either writes
// the response or calls next.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, next NextFunc)

// MethodAll registers a route for every HTTP method.
const MethodAll = ""

// Registrar is the registration surface shared by routers and applications.
type Registrar interface {
	// Use mounts middleware for every path below pattern. An empty pattern
	// mounts at the root.
	Use(pattern string, handlers ...HandlerFunc) error
	// Handle registers handlers for requests whose method and path match
	// exactly. MethodAll matches every method.
	Handle(method, pattern string, handlers ...HandlerFunc) error
}

// layer is one entry of a router's ordered stack.
type layer struct {
	method  string
	pattern string
	prefix  bool
	matcher *matcher
	handler HandlerFunc
}

// Router dispatches requests through an ordered stack of layers. The first
// layer registered sees the request first; layers that do not match are
// skipped, and a handler that calls next passes control down the stack.
type Router struct {
	mu     sync.RWMutex
	layers []*layer
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{}
}

// Use implements Registrar.
func (rt *Router) Use(pattern string, handlers ...HandlerFunc) error {
	return rt.add(MethodAll, pattern, true, handlers)
}

// Handle implements Registrar.
func (rt *Router) Handle(method, pattern string, handlers ...HandlerFunc) error {
	if pattern == "" {
		pattern = "/"
	}
	return rt.add(strings.ToUpper(method), pattern, false, handlers)
}

func (rt *Router) add(method, pattern string, prefix bool, handlers []HandlerFunc) error {
	m, err := newMatcher(pattern, prefix)
	if err != nil {
		return err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, h := range handlers {
		if h == nil {
			continue
		}
		rt.layers = append(rt.layers, &layer{
			method:  method,
			pattern: pattern,
			prefix:  prefix,
			matcher: m,
			handler: h,
		})
	}
	return nil
}

// Len returns the number of layers in the stack.
func (rt *Router) Len() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.layers)
}

// ServeNext runs the request through the stack and calls next when no
// layer finished it. Routers mount into other routers through ServeNext.
func (rt *Router) ServeNext(w http.ResponseWriter, r *http.Request, next NextFunc) {
	rt.mu.RLock()
	layers := rt.layers
	rt.mu.RUnlock()

	var step func(i int)
	step = func(i int) {
		for ; i < len(layers); i++ {
			l := layers[i]
			if !l.acceptsMethod(r.Method) {
				continue
			}
			ok, params, rest := l.matcher.match(r.URL.Path, l.prefix)
			if !ok {
				continue
			}

			idx := i
			l.handler(w, withRoute(r, params, rest, l.prefix), func() { step(idx + 1) })
			return
		}
		if next != nil {
			next()
		}
	}
	step(0)
}

// ServeHTTP implements http.Handler; unmatched requests get a 404.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r = withLocals(r)
	rt.ServeNext(w, r, func() {
		if err := RequestError(r); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		http.NotFound(w, r)
	})
}

func (l *layer) acceptsMethod(method string) bool {
	switch l.method {
	case MethodAll:
		return true
	case method:
		return true
	case http.MethodGet:
		return method == http.MethodHead
	default:
		return false
	}
}

// Handler adapts a plain http.Handler into a terminal pipeline step.
func Handler(h http.Handler) HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ NextFunc) {
		h.ServeHTTP(w, r)
	}
}

// Middleware adapts a chi-style middleware into a pipeline step. The wrapped
// handler continues down the stack.
func Middleware(mw func(http.Handler) http.Handler) HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, next NextFunc) {
		mw(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { next() })).ServeHTTP(w, r)
	}
}

type routeKey struct{}

type routeInfo struct {
	params       map[string]string
	originalPath string
}

// withRoute records params and, for mounted layers, rewrites the path the
// layer sees to the part below its mount point.
func withRoute(r *http.Request, params map[string]string, rest string, prefix bool) *http.Request {
	if len(params) == 0 && (!prefix || rest == r.URL.Path) {
		return r
	}

	info := routeInfo{originalPath: OriginalPath(r)}
	if prev, ok := r.Context().Value(routeKey{}).(routeInfo); ok && len(prev.params) > 0 {
		info.params = make(map[string]string, len(prev.params)+len(params))
		for k, v := range prev.params {
			info.params[k] = v
		}
	}
	for k, v := range params {
		if info.params == nil {
			info.params = make(map[string]string, len(params))
		}
		info.params[k] = v
	}

	r2 := r.WithContext(context.WithValue(r.Context(), routeKey{}, info))
	if prefix && rest != r.URL.Path {
		u := *r.URL
		u.Path = rest
		u.RawPath = ""
		r2.URL = &u
	}
	return r2
}

// Param returns the named route parameter, "" when absent.
func Param(r *http.Request, name string) string {
	return Params(r)[name]
}

// Params returns every route parameter captured for r.
func Params(r *http.Request) map[string]string {
	if info, ok := r.Context().Value(routeKey{}).(routeInfo); ok && info.params != nil {
		return info.params
	}
	return map[string]string{}
}

// OriginalPath returns the request path before any mount point was
// stripped.
func OriginalPath(r *http.Request) string {
	if info, ok := r.Context().Value(routeKey{}).(routeInfo); ok && info.originalPath != "" {
		return info.originalPath
	}
	return r.URL.Path
}

type localsKey struct{}

func withLocals(r *http.Request) *http.Request {
	if _, ok := r.Context().Value(localsKey{}).(map[string]any); ok {
		return r
	}
	return r.WithContext(context.WithValue(r.Context(), localsKey{}, make(map[string]any)))
}

// Locals returns the per-request values shared by every layer the request
// passes through. It is nil for requests that did not enter through
// ServeHTTP.
func Locals(r *http.Request) map[string]any {
	locals, _ := r.Context().Value(localsKey{}).(map[string]any)
	return locals
}

const errorLocal = "webapp.error"

// SetRequestError records err as the failure the rest of the pipeline sees.
// A nil err clears it.
func SetRequestError(r *http.Request, err error) {
	locals := Locals(r)
	if locals == nil {
		return
	}
	if err == nil {
		delete(locals, errorLocal)
		return
	}
	locals[errorLocal] = err
}

// RequestError returns the failure recorded for r, if any. Requests that
// reach the end of the stack with a failure get a 500.
func RequestError(r *http.Request) error {
	err, _ := Locals(r)[errorLocal].(error)
	return err
}
