package intercept

import (
	"context"
	"net"
	"net/http"

	"github.com/conneroisu/hotswap/internal/logging"
	"github.com/conneroisu/hotswap/internal/webapp"
)

// Wrapper is the application handed to server programs. Registration and
// listen are intercepted; everything else reaches the real application.
type Wrapper struct {
	state  *State
	real   webapp.Application
	logger logging.Logger
}

var _ webapp.Application = (*Wrapper)(nil)

// Real returns the wrapped application.
func (w *Wrapper) Real() webapp.Application {
	return w.real
}

// ServeHTTP implements http.Handler.
func (w *Wrapper) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	w.real.ServeHTTP(rw, r)
}

var _ webapp.ListenGuard = (*Wrapper)(nil)

// ListenSuppressed reports whether Listen is a no-op, which it is for every
// build after the first.
func (w *Wrapper) ListenSuppressed() bool {
	return w.state.RebuildCount() > 1
}

// Listen binds the socket during the first build only. Later builds get a
// no-op and their callback is not invoked.
func (w *Wrapper) Listen(addr string, onListen func(net.Addr)) error {
	if w.ListenSuppressed() {
		w.logger.Debug(context.Background(), "Listen suppressed, socket already bound", "rebuild", w.state.RebuildCount())
		return nil
	}
	return w.real.Listen(addr, onListen)
}

// Addr implements webapp.Application.
func (w *Wrapper) Addr() net.Addr {
	return w.real.Addr()
}

// Close implements webapp.Application.
func (w *Wrapper) Close(ctx context.Context) error {
	return w.real.Close(ctx)
}

// Use claims the next routing slot and mounts the handlers on a fresh
// router in it.
func (w *Wrapper) Use(pattern string, handlers ...webapp.HandlerFunc) error {
	return w.register(func(rt *webapp.Router) error {
		return rt.Use(pattern, handlers...)
	})
}

// Handle claims the next routing slot and registers the route on a fresh
// router in it.
func (w *Wrapper) Handle(method, pattern string, handlers ...webapp.HandlerFunc) error {
	return w.register(func(rt *webapp.Router) error {
		return rt.Handle(method, pattern, handlers...)
	})
}

func (w *Wrapper) register(add func(*webapp.Router) error) error {
	rt := webapp.NewRouter()
	addErr := add(rt)

	index, err := w.state.claimSlot(rt, func(forward webapp.HandlerFunc) error {
		return w.real.Use("", forward)
	})
	if err != nil {
		return err
	}
	w.logger.Debug(context.Background(), "Routing slot replaced", "slot", index, "layers", rt.Len())
	return addErr
}
