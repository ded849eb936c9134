package build

import (
	"context"
	"fmt"
	"time"

	"github.com/conneroisu/hotswap/internal/errors"
	"github.com/conneroisu/hotswap/internal/logging"
	"github.com/conneroisu/hotswap/internal/watcher"
)

// Executor runs the source text of a successful compilation.
type Executor interface {
	Execute(ctx context.Context, name, source string) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, name, source string) error

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, name, source string) error {
	return f(ctx, name, source)
}

// Options configure an Orchestrator.
type Options struct {
	Compiler Compiler
	Executor Executor
	// Watcher triggers rebuilds; without one only Trigger does.
	Watcher *watcher.FileWatcher
	Metrics *BuildMetrics
	Errors  *errors.ErrorCollector
	Logger  logging.Logger
	// OnCycle, when set, is told about every finished cycle.
	OnCycle func(comp *Compilation, result string)
}

// Orchestrator owns the rebuild loop: one compilation at a time, each
// either logged as failed or handed to the executor.
type Orchestrator struct {
	compiler Compiler
	executor Executor
	watcher  *watcher.FileWatcher
	metrics  *BuildMetrics
	errs     *errors.ErrorCollector
	logger   logging.Logger
	onCycle  func(*Compilation, string)
	trigger  chan struct{}
}

// NewOrchestrator creates an orchestrator. Compiler and Executor are
// required.
func NewOrchestrator(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewBuildMetrics(nil)
	}
	errs := opts.Errors
	if errs == nil {
		errs = errors.NewErrorCollector()
	}
	return &Orchestrator{
		compiler: opts.Compiler,
		executor: opts.Executor,
		watcher:  opts.Watcher,
		metrics:  metrics,
		errs:     errs,
		logger:   logger.WithComponent("build"),
		onCycle:  opts.OnCycle,
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger requests a rebuild. Requests made while one is pending collapse
// into it.
func (o *Orchestrator) Trigger() {
	select {
	case o.trigger <- struct{}{}:
	default:
	}
}

// Run builds once, then rebuilds on every trigger until ctx is done. It
// returns the first evaluation error; compile errors never stop it.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.watcher != nil {
		o.watcher.AddHandler(func(events []watcher.ChangeEvent) error {
			o.logger.Debug(ctx, "Sources changed", "files", len(events), "first", events[0].Path)
			o.Trigger()
			return nil
		})
		if err := o.watcher.Start(ctx); err != nil {
			return errors.NewIOError(errors.ErrCodeWatcherFailed, "failed to start watcher", err)
		}
		defer o.watcher.Stop()
	}

	o.Trigger()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-o.trigger:
			if err := o.Cycle(ctx); err != nil {
				return err
			}
		}
	}
}

// Cycle runs one compile and, when it succeeded, one evaluation.
func (o *Orchestrator) Cycle(ctx context.Context) error {
	start := time.Now()

	comp := o.compiler.Compile(ctx)
	o.metrics.ObserveCompile(comp)
	if ctx.Err() != nil {
		return nil
	}

	for i := range comp.Warnings {
		o.logger.Warn(ctx, &comp.Warnings[i], "Compile warning")
	}

	if comp.Failed() {
		o.errs.Replace(comp.Errors)
		for i := range comp.Errors {
			o.logger.Error(ctx, &comp.Errors[i], "Compile error")
		}
		o.finish(comp, ResultCompileError, start)
		return nil
	}
	o.errs.Clear()

	evalStart := time.Now()
	err := o.executor.Execute(ctx, comp.Name, comp.Source())
	o.metrics.ObserveEvaluate(time.Since(evalStart))
	if err != nil {
		o.finish(comp, ResultEvalError, start)
		return errors.NewRuntimeError(errors.ErrCodeEvalFailed,
			fmt.Sprintf("server program %s failed", comp.Name), err)
	}

	o.finish(comp, ResultSuccess, start)
	o.logger.Debug(ctx, "Rebuild complete", "build", comp.ID, "hash", comp.Hash, "assets", len(comp.Assets), "duration", time.Since(start))
	return nil
}

func (o *Orchestrator) finish(comp *Compilation, result string, start time.Time) {
	o.metrics.RecordCycle(result, comp, time.Since(start))
	if o.onCycle != nil {
		o.onCycle(comp, result)
	}
}
