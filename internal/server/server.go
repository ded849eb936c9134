// Package server composes the dev server: the bundler loop, the sandbox
// that runs each server bundle and the interception layer that keeps one
// live application across runs.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/conneroisu/hotswap/internal/build"
	"github.com/conneroisu/hotswap/internal/config"
	"github.com/conneroisu/hotswap/internal/devassets"
	"github.com/conneroisu/hotswap/internal/errors"
	"github.com/conneroisu/hotswap/internal/intercept"
	"github.com/conneroisu/hotswap/internal/jsbridge"
	"github.com/conneroisu/hotswap/internal/logging"
	"github.com/conneroisu/hotswap/internal/sandbox"
	"github.com/conneroisu/hotswap/internal/watcher"
	"github.com/conneroisu/hotswap/internal/webapp"
)

// Options configure a DevServer.
type Options struct {
	// Builds are the resolved server and client configurations.
	Builds *config.BuildConfigs
	// Config holds the application settings; defaults apply when nil.
	Config *config.Config
	// Compiler replaces the esbuild compiler of the server build.
	Compiler build.Compiler
	// NoWatch disables the file watcher; rebuilds then only happen through
	// Trigger.
	NoWatch bool
	Logger  logging.Logger
}

// DevServer runs the rebuild loop against one long-lived application.
type DevServer struct {
	cfg    *config.Config
	builds *config.BuildConfigs
	logger logging.Logger

	compiler     build.Compiler
	orchestrator *build.Orchestrator
	metrics      *build.BuildMetrics
	errs         *errors.ErrorCollector
	registry     *prometheus.Registry

	sandbox     *sandbox.Sandbox
	resolver    *jsbridge.Resolver
	interceptor *intercept.Interceptor
	assets      *devassets.DevAssets

	started      time.Time
	shutdownOnce sync.Once
}

// New wires a dev server. Nothing runs until Run.
func New(opts Options) (*DevServer, error) {
	if opts.Builds == nil || opts.Builds.Server == nil {
		return nil, errors.NewConfigError(errors.ErrCodeNoServerConfig, "no build configuration was specified for the server")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = DefaultConfig()
	}

	s := &DevServer{
		cfg:      cfg,
		builds:   opts.Builds,
		logger:   logger.WithComponent("server"),
		errs:     errors.NewErrorCollector(),
		registry: prometheus.NewRegistry(),
	}
	s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.metrics = build.NewBuildMetrics(s.registry)

	s.compiler = opts.Compiler
	if s.compiler == nil {
		compiler, err := build.NewESBuildCompiler(opts.Builds.Server)
		if err != nil {
			return nil, err
		}
		s.compiler = compiler
	}

	var installers []intercept.Installer
	if opts.Builds.Client != nil {
		assets, err := devassets.New(devassets.Options{
			Client: opts.Builds.Client,
			Dev:    cfg.Dev,
			Logger: logger,
		})
		if err != nil {
			s.compiler.Close()
			return nil, err
		}
		s.assets = assets
		installers = append(installers, assets.Installer())
	}
	installers = append(installers, s.installStatus, s.installMetrics)

	loop := sandbox.NewLoop()
	s.interceptor = intercept.New(intercept.Options{
		FrameworkModule: cfg.Runtime.FrameworkModule,
		Natives:         jsbridge.NativeModules(),
		Factory: func() *webapp.App {
			return webapp.New(webapp.Options{
				MaxConnections: cfg.Runtime.MaxConnections,
				Logger:         logger,
			})
		},
		Installers: installers,
		Loop:       loop,
		Logger:     logger,
	})

	s.sandbox = sandbox.New(loop, sandbox.Options{Logger: logger})
	s.resolver = jsbridge.NewResolver(loop, s.interceptor.Require, logger)

	var fileWatcher *watcher.FileWatcher
	if !opts.NoWatch {
		w, err := s.newWatcher(logger)
		if err != nil {
			s.close()
			return nil, err
		}
		fileWatcher = w
	}

	s.orchestrator = build.NewOrchestrator(build.Options{
		Compiler: s.compiler,
		Executor: build.ExecutorFunc(s.execute),
		Watcher:  fileWatcher,
		Metrics:  s.metrics,
		Errors:   s.errs,
		Logger:   logger,
	})

	return s, nil
}

// DefaultConfig returns the application settings used when none are given.
func DefaultConfig() *config.Config {
	return &config.Config{
		Build: config.BuildSettings{
			Debounce: 100 * time.Millisecond,
			Ignore:   []string{"node_modules", ".git", build.DefaultOutdir},
		},
		Runtime: config.RuntimeConfig{FrameworkModule: config.DefaultFrameworkModule},
		Dev: config.DevConfig{
			HotPath:      "/__hotswap_hmr",
			WebSocket:    "/__hotswap_ws",
			StatusPath:   "/__hotswap/status",
			MetricsPath:  "/__hotswap/metrics",
			Heartbeat:    devassets.DefaultHeartbeat,
			ClientScript: "/__hotswap/client.js",
		},
	}
}

func (s *DevServer) newWatcher(logger logging.Logger) (*watcher.FileWatcher, error) {
	fw, err := watcher.NewFileWatcher(s.cfg.Build.Debounce, logger)
	if err != nil {
		return nil, errors.NewIOError(errors.ErrCodeWatcherFailed, "failed to create file watcher", err)
	}
	fw.AddFilter(watcher.IgnoreFilter(s.cfg.Build.Ignore...))
	fw.AddFilter(watcher.NoHiddenFilter)
	fw.AddFilter(watcher.NoTestFilter)
	fw.AddFilter(watcher.SourceFilter(watcher.DefaultSourceExtensions...))

	for _, root := range build.WatchRoots(s.builds.Server) {
		if err := fw.AddRecursive(root); err != nil {
			_ = fw.Stop()
			return nil, errors.NewIOError(errors.ErrCodeWatcherFailed, "failed to watch "+root, err)
		}
	}
	return fw, nil
}

// execute runs one server bundle in a fresh runtime.
func (s *DevServer) execute(ctx context.Context, name, source string) error {
	result, err := s.sandbox.Run(ctx, name, source, s.resolver.Require)
	if err != nil {
		return err
	}
	snap := s.interceptor.State().Snapshot()
	s.logger.Debug(ctx, "Server program evaluated",
		"program", name, "duration", result.Duration,
		"rebuild", snap.RebuildCount, "slots", snap.Slots)
	return nil
}

// Run starts the client build, if any, then the rebuild loop. It returns
// when ctx is done or a server bundle fails to evaluate.
func (s *DevServer) Run(ctx context.Context) error {
	s.started = time.Now()
	if s.assets != nil {
		if err := s.assets.Start(); err != nil {
			return err
		}
	}

	s.logger.Info(ctx, "Dev server starting",
		"server", s.builds.Server.Source, "client", s.builds.Client != nil,
		"framework", s.cfg.Runtime.FrameworkModule)
	return s.orchestrator.Run(ctx)
}

// Trigger requests a rebuild.
func (s *DevServer) Trigger() {
	s.orchestrator.Trigger()
}

// Interceptor exposes the interception layer.
func (s *DevServer) Interceptor() *intercept.Interceptor {
	return s.interceptor
}

// Metrics returns the rebuild metrics.
func (s *DevServer) Metrics() *build.BuildMetrics {
	return s.metrics
}

// Errors returns the diagnostics of the last compilation.
func (s *DevServer) Errors() []errors.BuildError {
	return s.errs.GetErrors()
}

// Shutdown stops the builds and closes the application listener.
func (s *DevServer) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.logger.Info(ctx, "Shutting down dev server")
		s.close()
		if app := s.interceptor.Application(); app != nil {
			err = app.Close(ctx)
		}
	})
	return err
}

func (s *DevServer) close() {
	s.compiler.Close()
	if s.assets != nil {
		s.assets.Close()
	}
}
