// Package jsbridge exposes the web-application framework to JavaScript
// server programs as an Express-style module.
package jsbridge

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/conneroisu/hotswap/internal/logging"
	"github.com/conneroisu/hotswap/internal/sandbox"
	"github.com/conneroisu/hotswap/internal/webapp"
)

// Lookup resolves a module name to its Go implementation. Values may be a
// webapp.Constructor, a NativeModule or anything goja can convert.
type Lookup func(name string) (any, error)

// NativeModule builds a module's JavaScript value inside vm.
type NativeModule func(vm *goja.Runtime) goja.Value

// Resolver turns Go modules into JavaScript values for the programs run on
// a sandbox loop.
type Resolver struct {
	loop   *sandbox.Loop
	lookup Lookup
	logger logging.Logger

	mu      sync.Mutex
	current *bridge
}

// NewResolver creates a resolver answering require calls through lookup.
func NewResolver(loop *sandbox.Loop, lookup Lookup, logger logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Resolver{
		loop:   loop,
		lookup: lookup,
		logger: logger.WithComponent("jsbridge"),
	}
}

// Require implements sandbox.Resolver. Each runtime gets its own module
// cache, so a module is built once per program evaluation.
func (r *Resolver) Require(vm *goja.Runtime, name string) (goja.Value, error) {
	b := r.bridgeFor(vm)
	if cached, ok := b.modules[name]; ok {
		return cached, nil
	}

	mod, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	value := b.convert(mod)
	b.modules[name] = value
	return value, nil
}

func (r *Resolver) bridgeFor(vm *goja.Runtime) *bridge {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil || r.current.vm != vm {
		r.current = newBridge(vm, r.loop, r.logger)
	}
	return r.current
}

// bridge holds the per-runtime bookkeeping. Its maps are only touched while
// the loop is held.
type bridge struct {
	vm        *goja.Runtime
	loop      *sandbox.Loop
	logger    logging.Logger
	stringify goja.Callable
	parse     goja.Callable

	modules map[string]goja.Value
	routers map[*goja.Object]*webapp.Router
	natives map[*goja.Object]webapp.HandlerFunc
}

func newBridge(vm *goja.Runtime, loop *sandbox.Loop, logger logging.Logger) *bridge {
	json := vm.Get("JSON").ToObject(vm)
	stringify, _ := goja.AssertFunction(json.Get("stringify"))
	parse, _ := goja.AssertFunction(json.Get("parse"))
	return &bridge{
		vm:        vm,
		loop:      loop,
		logger:    logger,
		stringify: stringify,
		parse:     parse,
		modules:   make(map[string]goja.Value),
		routers:   make(map[*goja.Object]*webapp.Router),
		natives:   make(map[*goja.Object]webapp.HandlerFunc),
	}
}

func (b *bridge) convert(mod any) goja.Value {
	switch m := mod.(type) {
	case webapp.Constructor:
		return b.expressModule(m)
	case func() (webapp.Application, error):
		return b.expressModule(m)
	case NativeModule:
		return m(b.vm)
	case func(*goja.Runtime) goja.Value:
		return m(b.vm)
	default:
		return b.vm.ToValue(mod)
	}
}

// throw raises err as a JavaScript exception from inside a Go function.
func (b *bridge) throw(err error) {
	panic(b.vm.NewGoError(err))
}

func (b *bridge) typeError(format string, args ...any) {
	panic(b.vm.NewTypeError(fmt.Sprintf(format, args...)))
}

// expressModule builds the callable module object: calling it constructs
// an application, and it carries Router and the bundled middleware.
func (b *bridge) expressModule(ctor webapp.Constructor) goja.Value {
	vm := b.vm
	express := vm.ToValue(func(call goja.FunctionCall) goja.Value {
		app, err := ctor()
		if err != nil {
			b.throw(err)
		}
		return b.appObject(app)
	}).(*goja.Object)

	_ = express.Set("Router", func(call goja.FunctionCall) goja.Value {
		return b.routerObject(webapp.NewRouter())
	})
	_ = express.Set("json", func(call goja.FunctionCall) goja.Value {
		return b.nativeObject("jsonParser", webapp.JSONBody(limitOption(call.Argument(0))))
	})
	_ = express.Set("urlencoded", func(call goja.FunctionCall) goja.Value {
		return b.nativeObject("urlencodedParser", webapp.URLEncodedBody(limitOption(call.Argument(0))))
	})
	_ = express.Set("static", func(call goja.FunctionCall) goja.Value {
		root := call.Argument(0)
		if goja.IsUndefined(root) {
			b.typeError("root path required")
		}
		return b.nativeObject("serveStatic", webapp.Static(root.String()))
	})

	return express
}

// nativeObject wraps a Go middleware in a function object programs can pass
// to use. Calling it directly from JavaScript is an error.
func (b *bridge) nativeObject(name string, h webapp.HandlerFunc) *goja.Object {
	obj := b.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		b.typeError("%s can only be mounted with use()", name)
		return nil
	}).(*goja.Object)
	b.natives[obj] = h
	return obj
}

func limitOption(opts goja.Value) int64 {
	if opts == nil || goja.IsUndefined(opts) || goja.IsNull(opts) {
		return 0
	}
	obj, ok := opts.(*goja.Object)
	if !ok {
		return 0
	}
	limit := obj.Get("limit")
	if limit == nil || goja.IsUndefined(limit) {
		return 0
	}
	return limit.ToInteger()
}

var routeMethods = []struct {
	name   string
	method string
}{
	{"get", "GET"},
	{"post", "POST"},
	{"put", "PUT"},
	{"patch", "PATCH"},
	{"delete", "DELETE"},
	{"options", "OPTIONS"},
	{"head", "HEAD"},
	{"all", webapp.MethodAll},
}

// defineRegistrar installs use and the route methods on obj. getter, when
// not nil, answers get(name) called with a single argument.
func (b *bridge) defineRegistrar(obj *goja.Object, reg webapp.Registrar, getter func(string) goja.Value) {
	_ = obj.Set("use", func(call goja.FunctionCall) goja.Value {
		pattern, handlers := b.parseArgs(call.Arguments, false)
		if err := reg.Use(pattern, handlers...); err != nil {
			b.throw(err)
		}
		return obj
	})

	for _, rm := range routeMethods {
		rm := rm
		_ = obj.Set(rm.name, func(call goja.FunctionCall) goja.Value {
			if rm.name == "get" && getter != nil && len(call.Arguments) == 1 {
				return getter(call.Argument(0).String())
			}
			pattern, handlers := b.parseArgs(call.Arguments, true)
			if err := reg.Handle(rm.method, pattern, handlers...); err != nil {
				b.throw(err)
			}
			return obj
		})
	}
}

// parseArgs splits use/route arguments into an optional leading path and
// the handlers after it. Arrays of handlers are flattened.
func (b *bridge) parseArgs(args []goja.Value, pathRequired bool) (string, []webapp.HandlerFunc) {
	pattern := ""
	if len(args) > 0 {
		if s, ok := args[0].Export().(string); ok {
			pattern = s
			args = args[1:]
		}
	}
	if pathRequired && pattern == "" {
		b.typeError("route path must be a string")
	}

	var handlers []webapp.HandlerFunc
	var collect func(values []goja.Value)
	collect = func(values []goja.Value) {
		for _, v := range values {
			obj, ok := v.(*goja.Object)
			if !ok {
				b.typeError("handler must be a function, got %s", v.String())
			}
			if obj.ClassName() == "Array" {
				var items []goja.Value
				for _, key := range obj.Keys() {
					items = append(items, obj.Get(key))
				}
				collect(items)
				continue
			}
			handlers = append(handlers, b.handler(obj))
		}
	}
	collect(args)

	if len(handlers) == 0 {
		b.typeError("at least one handler is required")
	}
	return pattern, handlers
}

func (b *bridge) handler(obj *goja.Object) webapp.HandlerFunc {
	if rt, ok := b.routers[obj]; ok {
		return rt.ServeNext
	}
	if h, ok := b.natives[obj]; ok {
		return h
	}
	fn, ok := goja.AssertFunction(obj)
	if !ok {
		b.typeError("handler must be a function")
	}
	return b.jsHandler(fn, obj.Get("length").ToInteger() == 4)
}

func (b *bridge) routerObject(rt *webapp.Router) *goja.Object {
	obj := b.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		b.typeError("routers can only be mounted with use()")
		return nil
	}).(*goja.Object)
	b.defineRegistrar(obj, rt, nil)
	b.routers[obj] = rt
	return obj
}

// appObject exposes an application. Settings live on the object and do not
// outlive the program that set them.
func (b *bridge) appObject(app webapp.Application) *goja.Object {
	vm := b.vm
	obj := vm.NewObject()
	settings := make(map[string]goja.Value)

	b.defineRegistrar(obj, app, func(name string) goja.Value {
		if v, ok := settings[name]; ok {
			return v
		}
		return goja.Undefined()
	})

	_ = obj.Set("set", func(call goja.FunctionCall) goja.Value {
		settings[call.Argument(0).String()] = call.Argument(1)
		return obj
	})
	_ = obj.Set("enable", func(call goja.FunctionCall) goja.Value {
		settings[call.Argument(0).String()] = vm.ToValue(true)
		return obj
	})
	_ = obj.Set("disable", func(call goja.FunctionCall) goja.Value {
		settings[call.Argument(0).String()] = vm.ToValue(false)
		return obj
	})
	_ = obj.Set("enabled", func(call goja.FunctionCall) goja.Value {
		v, ok := settings[call.Argument(0).String()]
		return vm.ToValue(ok && v.ToBoolean())
	})

	_ = obj.Set("listen", func(call goja.FunctionCall) goja.Value {
		addr, callback := listenArgs(call.Arguments)
		var onListen func(net.Addr)
		if callback != nil {
			// Listen calls back synchronously, still inside the program run.
			onListen = func(net.Addr) {
				if _, err := callback(obj); err != nil {
					b.logger.Error(context.Background(), err, "listen callback failed")
				}
			}
		}
		guard, ok := app.(webapp.ListenGuard)
		suppressed := ok && guard.ListenSuppressed()
		if err := app.Listen(addr, onListen); err != nil {
			b.throw(err)
		}
		return b.serverObject(app, suppressed)
	})

	return obj
}

// serverObject is the handle listen returns. A handle from a suppressed
// listen does not own the socket, so its close leaves it open.
func (b *bridge) serverObject(app webapp.Application, detached bool) *goja.Object {
	vm := b.vm
	server := vm.NewObject()
	_ = server.Set("address", func(call goja.FunctionCall) goja.Value {
		addr := app.Addr()
		if addr == nil {
			return goja.Null()
		}
		host, port, err := net.SplitHostPort(addr.String())
		if err != nil {
			return vm.ToValue(addr.String())
		}
		family := "IPv4"
		if strings.Contains(host, ":") {
			family = "IPv6"
		}
		portNum, _ := strconv.Atoi(port)
		return vm.ToValue(map[string]any{"address": host, "port": portNum, "family": family})
	})
	_ = server.Set("close", func(call goja.FunctionCall) goja.Value {
		var err error
		if !detached {
			err = app.Close(context.Background())
		}
		if cb, ok := goja.AssertFunction(call.Argument(0)); ok {
			arg := goja.Undefined()
			if err != nil {
				arg = vm.NewGoError(err)
			}
			if _, cbErr := cb(server, arg); cbErr != nil {
				b.logger.Error(context.Background(), cbErr, "close callback failed")
			}
		} else if err != nil {
			b.throw(err)
		}
		return server
	})
	return server
}

// listenArgs accepts listen(port), listen(port, host), listen(path) and a
// trailing callback in each form.
func listenArgs(args []goja.Value) (string, goja.Callable) {
	var callback goja.Callable
	if n := len(args); n > 0 {
		if fn, ok := goja.AssertFunction(args[n-1]); ok {
			callback = fn
			args = args[:n-1]
		}
	}

	port := ""
	host := ""
	if len(args) > 0 && !goja.IsUndefined(args[0]) && !goja.IsNull(args[0]) {
		port = args[0].String()
	}
	if len(args) > 1 && !goja.IsUndefined(args[1]) {
		host = args[1].String()
	}
	return ListenAddr(port, host), callback
}

// ListenAddr turns the port and host given to listen into a dial address.
// Bare numbers are ports; anything else is used as given.
func ListenAddr(port, host string) string {
	if port == "" {
		port = "0"
	}
	if _, err := strconv.Atoi(port); err != nil {
		return port
	}
	return net.JoinHostPort(host, port)
}
