// Package sandbox evaluates bundled server programs in a fresh JavaScript
// runtime per rebuild cycle.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/conneroisu/hotswap/internal/logging"
)

// Loop serializes every entry into JavaScript. Program runs and the
// request-time calls into handlers they registered all hold it, which keeps
// JavaScript on a single logical thread.
type Loop struct {
	mu sync.Mutex
}

// NewLoop returns an unlocked loop.
func NewLoop() *Loop {
	return &Loop{}
}

// Do runs fn while holding the loop.
func (l *Loop) Do(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn()
}

// Resolver answers require calls made by the evaluated program.
type Resolver func(vm *goja.Runtime, name string) (goja.Value, error)

// EvalError is returned when evaluating a program throws.
type EvalError struct {
	Program string
	Message string
	Stack   string
	Cause   error
}

// Error implements the error interface.
func (e *EvalError) Error() string {
	return fmt.Sprintf("evaluating %s: %s", e.Program, e.Message)
}

// Unwrap returns the underlying runtime error.
func (e *EvalError) Unwrap() error {
	return e.Cause
}

// Result is what one evaluation leaves behind.
type Result struct {
	// Runtime stays reachable through the handlers the program registered.
	Runtime  *goja.Runtime
	Exports  goja.Value
	Duration time.Duration
}

// Options configure a Sandbox.
type Options struct {
	// Env is exposed to programs as process.env. Nil means the process
	// environment.
	Env    map[string]string
	Logger logging.Logger
}

// Sandbox runs programs one at a time on the shared loop.
type Sandbox struct {
	loop   *Loop
	env    map[string]string
	logger logging.Logger
}

// New creates a sandbox that evaluates programs on loop.
func New(loop *Loop, opts Options) *Sandbox {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	env := opts.Env
	if env == nil {
		env = environ()
	}
	return &Sandbox{
		loop:   loop,
		env:    env,
		logger: logger.WithComponent("sandbox"),
	}
}

// Loop returns the loop programs run on.
func (s *Sandbox) Loop() *Loop {
	return s.loop
}

// Run evaluates source as a standalone CommonJS program in a fresh runtime.
// The program sees require, module, exports, console and process; resolve
// is its only way to reach other modules. Cancelling ctx interrupts the
// program.
func (s *Sandbox) Run(ctx context.Context, name, source string, resolve Resolver) (*Result, error) {
	var (
		result *Result
		err    error
	)
	s.loop.Do(func() {
		result, err = s.run(ctx, name, source, resolve)
	})
	return result, err
}

func (s *Sandbox) run(ctx context.Context, name, source string, resolve Resolver) (*Result, error) {
	start := time.Now()
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt(ctx.Err())
	})
	defer stop()

	module := vm.NewObject()
	exports := vm.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, err
	}

	require := func(call goja.FunctionCall) goja.Value {
		modName := call.Argument(0).String()
		if resolve == nil {
			panic(vm.NewGoError(fmt.Errorf("cannot find module '%s'", modName)))
		}
		value, err := resolve(vm, modName)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return value
	}

	wrapper := "(function (require, module, exports, console, process) {\n" + source + "\n})"
	fnValue, err := vm.RunScript(name, wrapper)
	if err != nil {
		return nil, s.evalError(name, err)
	}
	fn, ok := goja.AssertFunction(fnValue)
	if !ok {
		return nil, &EvalError{Program: name, Message: "program did not compile to a function"}
	}

	_, err = fn(goja.Undefined(),
		vm.ToValue(require),
		module,
		exports,
		NewConsole(vm, s.logger.WithComponent("console")),
		s.process(vm),
	)
	if err != nil {
		return nil, s.evalError(name, err)
	}

	return &Result{
		Runtime:  vm,
		Exports:  module.Get("exports"),
		Duration: time.Since(start),
	}, nil
}

func (s *Sandbox) process(vm *goja.Runtime) *goja.Object {
	env := vm.NewObject()
	for k, v := range s.env {
		_ = env.Set(k, v)
	}
	process := vm.NewObject()
	_ = process.Set("env", env)
	_ = process.Set("platform", "hotswap")
	_ = process.Set("cwd", func() string {
		wd, _ := os.Getwd()
		return wd
	})
	return process
}

func (s *Sandbox) evalError(name string, err error) error {
	evalErr := &EvalError{Program: name, Message: err.Error(), Cause: err}
	switch e := err.(type) {
	case *goja.Exception:
		evalErr.Message = exceptionMessage(e)
		evalErr.Stack = e.String()
	case *goja.InterruptedError:
		evalErr.Message = "interrupted: " + e.String()
	}
	return evalErr
}

// exceptionMessage returns the thrown value's message without the stack.
func exceptionMessage(e *goja.Exception) string {
	if obj, ok := e.Value().(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			if name := obj.Get("name"); name != nil && !goja.IsUndefined(name) {
				return name.String() + ": " + msg.String()
			}
			return msg.String()
		}
	}
	if v := e.Value(); v != nil {
		return v.String()
	}
	return strings.TrimSpace(e.Error())
}

func environ() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}
