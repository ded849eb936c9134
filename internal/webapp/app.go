// Package webapp is the web-application framework server programs are
// written against: an ordered stack of middleware and routes using Express
// path syntax, served from a single listener.
package webapp

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"github.com/conneroisu/hotswap/internal/errors"
	"github.com/conneroisu/hotswap/internal/logging"
)

// Application is what a server program receives from the framework
// constructor.
type Application interface {
	http.Handler
	Registrar

	// Listen binds addr and serves in the background. onListen, when not
	// nil, runs once the socket is bound.
	Listen(addr string, onListen func(net.Addr)) error
	// Addr returns the bound address, nil before Listen.
	Addr() net.Addr
	// Close shuts the listener down.
	Close(ctx context.Context) error
}

// ListenGuard is implemented by applications whose Listen may be a no-op.
// ListenSuppressed reports whether the next Listen call skips binding and
// leaves an existing listener in charge.
type ListenGuard interface {
	ListenSuppressed() bool
}

// Constructor builds the application a server program works with.
type Constructor func() (Application, error)

// Options configure an App.
type Options struct {
	// MaxConnections caps concurrent connections; zero means no limit.
	MaxConnections int
	Logger         logging.Logger
}

// App is the framework application: a Router plus one HTTP listener.
type App struct {
	*Router

	opts   Options
	logger logging.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// New returns an application with an empty stack.
func New(opts Options) *App {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &App{
		Router: NewRouter(),
		opts:   opts,
		logger: logger.WithComponent("webapp"),
	}
}

// Listen implements Application. Listening twice is an error.
func (a *App) Listen(addr string, onListen func(net.Addr)) error {
	a.mu.Lock()
	if a.listener != nil {
		a.mu.Unlock()
		return errors.NewNetworkError(errors.ErrCodeListenFailed, "application is already listening on "+a.listener.Addr().String(), nil)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		a.mu.Unlock()
		return errors.NewNetworkError(errors.ErrCodeListenFailed, "failed to listen on "+addr, err)
	}
	if a.opts.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, a.opts.MaxConnections)
	}

	srv := &http.Server{
		Handler:           a,
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.listener = ln
	a.server = srv
	a.mu.Unlock()

	a.logger.Info(context.Background(), "Listening", "addr", ln.Addr().String())

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			a.logger.Error(context.Background(), err, "HTTP server stopped")
		}
	}()

	if onListen != nil {
		onListen(ln.Addr())
	}
	return nil
}

// Addr implements Application.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Close implements Application.
func (a *App) Close(ctx context.Context) error {
	a.mu.Lock()
	srv := a.server
	a.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
