package jsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"strings"

	"github.com/dop251/goja"

	"github.com/conneroisu/hotswap/internal/webapp"
)

const requestsLocal = "jsbridge.requests"

// exchange is the JavaScript view of one request, shared by every handler
// of the same runtime the request passes through.
type exchange struct {
	req    *goja.Object
	res    *goja.Object
	w      http.ResponseWriter
	status int
	sent   bool
}

// jsHandler adapts a JavaScript middleware function. next is only recorded
// while the function runs and followed once it returned and the loop was
// released, so handlers further down may enter JavaScript again.
func (b *bridge) jsHandler(fn goja.Callable, errorHandler bool) webapp.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, next webapp.NextFunc) {
		reqErr := webapp.RequestError(r)
		if (reqErr != nil) != errorHandler {
			next()
			return
		}

		var (
			proceed bool
			callErr error
		)
		b.loop.Do(func() {
			ex := b.exchangeFor(w, r)
			nextFn := b.vm.ToValue(func(call goja.FunctionCall) goja.Value {
				proceed = true
				arg := call.Argument(0)
				switch {
				case goja.IsUndefined(arg) || goja.IsNull(arg):
					if errorHandler {
						webapp.SetRequestError(r, nil)
					}
				case arg.String() == "route" || arg.String() == "router":
				default:
					webapp.SetRequestError(r, b.jsError(arg))
				}
				return goja.Undefined()
			})

			if errorHandler {
				_, callErr = fn(goja.Undefined(), b.errorValue(reqErr), ex.req, ex.res, nextFn)
			} else {
				_, callErr = fn(goja.Undefined(), ex.req, ex.res, nextFn)
			}
		})

		if callErr != nil {
			b.logger.Error(r.Context(), callErr, "request handler threw", "method", r.Method, "path", webapp.OriginalPath(r))
			var exc *goja.Exception
			if errors.As(callErr, &exc) {
				callErr = b.jsError(exc.Value())
			}
			webapp.SetRequestError(r, callErr)
			next()
			return
		}
		if proceed {
			next()
		}
	}
}

func (b *bridge) errorValue(err error) goja.Value {
	var jsErr *thrownError
	if errors.As(err, &jsErr) && jsErr.vm == b.vm {
		return jsErr.value
	}
	return b.vm.NewGoError(err)
}

// thrownError carries a value thrown by a handler or passed to next(err).
// The value only reaches error handlers of the runtime it came from.
type thrownError struct {
	vm    *goja.Runtime
	value goja.Value
}

func (e *thrownError) Error() string {
	if obj, ok := e.value.(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			return msg.String()
		}
	}
	return e.value.String()
}

func (b *bridge) jsError(v goja.Value) error {
	return &thrownError{vm: b.vm, value: v}
}

// exchangeFor returns the request and response objects for r, creating them
// on first use and refreshing the parts that change per layer.
func (b *bridge) exchangeFor(w http.ResponseWriter, r *http.Request) *exchange {
	locals := webapp.Locals(r)
	var byBridge map[*bridge]*exchange
	if locals != nil {
		byBridge, _ = locals[requestsLocal].(map[*bridge]*exchange)
		if byBridge == nil {
			byBridge = make(map[*bridge]*exchange)
			locals[requestsLocal] = byBridge
		}
	}

	ex, ok := byBridge[b]
	if !ok {
		ex = &exchange{w: w, status: http.StatusOK}
		ex.req = b.vm.NewObject()
		ex.res = b.responseObject(ex, r)
		_ = ex.req.Set("res", ex.res)
		_ = ex.res.Set("req", ex.req)
		b.initRequest(ex.req, r)
		if byBridge != nil {
			byBridge[b] = ex
		}
	}
	b.refreshRequest(ex.req, r)
	return ex
}

func (b *bridge) initRequest(req *goja.Object, r *http.Request) {
	vm := b.vm

	headers := vm.NewObject()
	for name, values := range r.Header {
		_ = headers.Set(strings.ToLower(name), strings.Join(values, ", "))
	}
	_ = req.Set("headers", headers)
	_ = req.Set("method", r.Method)
	_ = req.Set("originalUrl", webapp.OriginalPath(r)+querySuffix(r))
	_ = req.Set("hostname", hostname(r.Host))
	_ = req.Set("ip", remoteIP(r.RemoteAddr))
	protocol := "http"
	if r.TLS != nil {
		protocol = "https"
	}
	_ = req.Set("protocol", protocol)
	_ = req.Set("secure", r.TLS != nil)

	query := vm.NewObject()
	for key, values := range r.URL.Query() {
		if len(values) == 1 {
			_ = query.Set(key, values[0])
			continue
		}
		_ = query.Set(key, values)
	}
	_ = req.Set("query", query)

	get := func(call goja.FunctionCall) goja.Value {
		value := r.Header.Get(call.Argument(0).String())
		if value == "" {
			return goja.Undefined()
		}
		return vm.ToValue(value)
	}
	_ = req.Set("get", get)
	_ = req.Set("header", get)
}

// refreshRequest updates what depends on the layer: mounts strip the path,
// routes capture params, parsers fill the body.
func (b *bridge) refreshRequest(req *goja.Object, r *http.Request) {
	vm := b.vm
	_ = req.Set("path", r.URL.Path)
	_ = req.Set("url", r.URL.Path+querySuffix(r))

	params := vm.NewObject()
	for k, v := range webapp.Params(r) {
		_ = params.Set(k, v)
	}
	_ = req.Set("params", params)

	if current := req.Get("body"); current == nil || goja.IsUndefined(current) {
		if body, ok := webapp.Locals(r)[webapp.BodyLocal]; ok {
			_ = req.Set("body", b.toJS(body))
		}
	}
}

func (b *bridge) responseObject(ex *exchange, r *http.Request) *goja.Object {
	vm := b.vm
	res := vm.NewObject()
	_ = res.Set("locals", vm.NewObject())

	_ = res.DefineAccessorProperty("headersSent", vm.ToValue(func(goja.FunctionCall) goja.Value {
		return vm.ToValue(ex.sent)
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
	_ = res.DefineAccessorProperty("statusCode", vm.ToValue(func(goja.FunctionCall) goja.Value {
		return vm.ToValue(ex.status)
	}), vm.ToValue(func(call goja.FunctionCall) goja.Value {
		ex.status = int(call.Argument(0).ToInteger())
		return goja.Undefined()
	}), goja.FLAG_FALSE, goja.FLAG_TRUE)

	_ = res.Set("status", func(call goja.FunctionCall) goja.Value {
		ex.status = int(call.Argument(0).ToInteger())
		return res
	})

	set := func(call goja.FunctionCall) goja.Value {
		if obj, ok := call.Argument(0).(*goja.Object); ok && len(call.Arguments) == 1 {
			for _, key := range obj.Keys() {
				ex.w.Header().Set(key, obj.Get(key).String())
			}
			return res
		}
		ex.w.Header().Set(call.Argument(0).String(), call.Argument(1).String())
		return res
	}
	_ = res.Set("set", set)
	_ = res.Set("header", set)
	_ = res.Set("append", func(call goja.FunctionCall) goja.Value {
		ex.w.Header().Add(call.Argument(0).String(), call.Argument(1).String())
		return res
	})
	_ = res.Set("get", func(call goja.FunctionCall) goja.Value {
		value := ex.w.Header().Get(call.Argument(0).String())
		if value == "" {
			return goja.Undefined()
		}
		return vm.ToValue(value)
	})
	_ = res.Set("type", func(call goja.FunctionCall) goja.Value {
		ex.w.Header().Set("Content-Type", contentType(call.Argument(0).String()))
		return res
	})

	_ = res.Set("json", func(call goja.FunctionCall) goja.Value {
		b.sendJSON(ex, r, call.Argument(0))
		return res
	})
	_ = res.Set("send", func(call goja.FunctionCall) goja.Value {
		b.send(ex, r, call.Argument(0))
		return res
	})
	_ = res.Set("sendStatus", func(call goja.FunctionCall) goja.Value {
		ex.status = int(call.Argument(0).ToInteger())
		if ex.w.Header().Get("Content-Type") == "" {
			ex.w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		}
		b.write(ex, r, []byte(http.StatusText(ex.status)))
		return res
	})
	_ = res.Set("end", func(call goja.FunctionCall) goja.Value {
		var body []byte
		if arg := call.Argument(0); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
			body = []byte(arg.String())
		}
		b.write(ex, r, body)
		return res
	})
	_ = res.Set("redirect", func(call goja.FunctionCall) goja.Value {
		status := http.StatusFound
		target := call.Argument(0)
		if len(call.Arguments) > 1 {
			status = int(call.Argument(0).ToInteger())
			target = call.Argument(1)
		}
		ex.status = status
		ex.w.Header().Set("Location", target.String())
		b.write(ex, r, nil)
		return res
	})

	return res
}

func (b *bridge) send(ex *exchange, r *http.Request, body goja.Value) {
	switch {
	case body == nil || goja.IsUndefined(body) || goja.IsNull(body):
		b.write(ex, r, nil)
	case isObject(body):
		b.sendJSON(ex, r, body)
	default:
		if ex.w.Header().Get("Content-Type") == "" {
			ex.w.Header().Set("Content-Type", "text/html; charset=utf-8")
		}
		b.write(ex, r, []byte(body.String()))
	}
}

func (b *bridge) sendJSON(ex *exchange, r *http.Request, value goja.Value) {
	if value == nil {
		value = goja.Undefined()
	}
	out, err := b.stringify(goja.Undefined(), value)
	if err != nil {
		b.throw(fmt.Errorf("cannot serialize response: %w", err))
	}
	text := ""
	if !goja.IsUndefined(out) {
		text = out.String()
	}
	if ex.w.Header().Get("Content-Type") == "" {
		ex.w.Header().Set("Content-Type", "application/json; charset=utf-8")
	}
	b.write(ex, r, []byte(text))
}

func (b *bridge) write(ex *exchange, r *http.Request, body []byte) {
	if ex.sent {
		b.logger.Warn(context.Background(), nil, "response already sent", "path", webapp.OriginalPath(r))
		return
	}
	ex.sent = true
	ex.w.WriteHeader(ex.status)
	if r.Method == http.MethodHead || len(body) == 0 || !bodyAllowed(ex.status) {
		return
	}
	if _, err := ex.w.Write(body); err != nil {
		b.logger.Debug(context.Background(), "response write failed", "error", err.Error())
	}
}

// toJS copies a decoded Go value into plain JavaScript objects.
func (b *bridge) toJS(v any) goja.Value {
	data, err := json.Marshal(v)
	if err != nil || b.parse == nil {
		return b.vm.ToValue(v)
	}
	out, err := b.parse(goja.Undefined(), b.vm.ToValue(string(data)))
	if err != nil {
		return b.vm.ToValue(v)
	}
	return out
}

func bodyAllowed(status int) bool {
	return status >= 200 && status != http.StatusNoContent && status != http.StatusNotModified
}

func isObject(v goja.Value) bool {
	_, ok := v.(*goja.Object)
	return ok
}

func contentType(t string) string {
	if strings.Contains(t, "/") {
		return t
	}
	if ct := mime.TypeByExtension("." + strings.TrimPrefix(t, ".")); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func querySuffix(r *http.Request) string {
	if r.URL.RawQuery == "" {
		return ""
	}
	return "?" + r.URL.RawQuery
}

func hostname(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func remoteIP(addr string) string {
	if h, _, err := net.SplitHostPort(addr); err == nil {
		return h
	}
	return addr
}
