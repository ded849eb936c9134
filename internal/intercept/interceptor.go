package intercept

import (
	"context"
	"fmt"

	"github.com/conneroisu/hotswap/internal/config"
	"github.com/conneroisu/hotswap/internal/errors"
	"github.com/conneroisu/hotswap/internal/logging"
	"github.com/conneroisu/hotswap/internal/webapp"
)

// Factory builds the real application. It runs once per process.
type Factory func() *webapp.App

// Installer mounts development middleware on the real application before
// the first program registers anything.
type Installer func(app *webapp.App) error

// Options configure an Interceptor.
type Options struct {
	// FrameworkModule is the module name whose constructor is hooked.
	FrameworkModule string
	// Natives are the other modules programs may require.
	Natives map[string]any
	// Factory builds the real application; webapp.New by default.
	Factory Factory
	// Installers run once, in order, on the freshly built application.
	Installers []Installer
	// Loop, when set, is held by every build. Requests read the routing
	// slots under it.
	Loop   Locker
	Logger logging.Logger
}

// Interceptor is the hooked module loader handed to every program run.
type Interceptor struct {
	state      *State
	module     string
	natives    map[string]any
	factory    Factory
	installers []Installer
	loop       Locker
	logger     logging.Logger
}

// New creates an interceptor with fresh state.
func New(opts Options) *Interceptor {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	module := opts.FrameworkModule
	if module == "" {
		module = config.DefaultFrameworkModule
	}
	factory := opts.Factory
	if factory == nil {
		factory = func() *webapp.App { return webapp.New(webapp.Options{Logger: logger}) }
	}
	return &Interceptor{
		state:      NewState(),
		module:     module,
		natives:    opts.Natives,
		factory:    factory,
		installers: opts.Installers,
		loop:       opts.Loop,
		logger:     logger.WithComponent("intercept"),
	}
}

// State returns the interception state.
func (i *Interceptor) State() *State {
	return i.state
}

// Require resolves a module for a program. The framework module yields the
// hooked constructor; anything else comes from the native registry.
func (i *Interceptor) Require(name string) (any, error) {
	if name == i.module {
		return webapp.Constructor(i.Construct), nil
	}
	if mod, ok := i.natives[name]; ok {
		return mod, nil
	}
	return nil, errors.NewRuntimeError(errors.ErrCodeModuleNotFound,
		fmt.Sprintf("cannot find module '%s'", name), nil)
}

// Construct is the hooked constructor. Every call counts as a rebuild and
// restarts slot positions at zero. The first call builds the real
// application, runs the installers and wraps it; later calls return the
// same wrapper.
func (i *Interceptor) Construct() (webapp.Application, error) {
	count, wrapped := i.state.beginBuild()
	if wrapped != nil {
		i.logger.Debug(context.Background(), "Reusing application", "rebuild", count)
		return wrapped, nil
	}

	i.state.mu.Lock()
	defer i.state.mu.Unlock()
	if i.state.wrapped != nil {
		return i.state.wrapped, nil
	}

	app := i.factory()
	for _, install := range i.installers {
		if err := install(app); err != nil {
			return nil, errors.NewRuntimeError(errors.ErrCodeEvalFailed, "failed to install development middleware", err)
		}
	}
	if err := app.Use("", i.state.pin(i.loop)); err != nil {
		return nil, errors.NewRuntimeError(errors.ErrCodeEvalFailed, "failed to mount routing slots", err)
	}

	i.state.wrapped = &Wrapper{
		state:  i.state,
		real:   app,
		logger: i.logger,
	}
	i.logger.Info(context.Background(), "Application constructed", "rebuild", count)
	return i.state.wrapped, nil
}

// Application returns the real application, nil before the first
// construction.
func (i *Interceptor) Application() webapp.Application {
	i.state.mu.Lock()
	defer i.state.mu.Unlock()
	if i.state.wrapped == nil {
		return nil
	}
	return i.state.wrapped.real
}
