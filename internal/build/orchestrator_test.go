package build

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/hotswap/internal/config"
	"github.com/conneroisu/hotswap/internal/errors"
)

// scriptedCompiler returns queued compilations in order.
type scriptedCompiler struct {
	mu      sync.Mutex
	results []*Compilation
	calls   int
}

func (s *scriptedCompiler) Compile(context.Context) *Compilation {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.results) == 0 {
		return &Compilation{Name: "server.js"}
	}
	next := s.results[0]
	s.results = s.results[1:]
	return next
}

func (s *scriptedCompiler) Close() {}

type recordingExecutor struct {
	mu      sync.Mutex
	sources []string
	err     error
}

func (r *recordingExecutor) Execute(_ context.Context, _ string, source string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = append(r.sources, source)
	return r.err
}

func success(parts ...string) *Compilation {
	comp := &Compilation{ID: "id", Name: "server.js", Hash: "abc"}
	for i, p := range parts {
		comp.Assets = append(comp.Assets, Asset{Path: fmt.Sprintf("out%d.js", i), Source: []byte(p)})
	}
	return comp
}

func failure(msgs ...string) *Compilation {
	comp := &Compilation{ID: "id", Name: "server.js"}
	for _, m := range msgs {
		comp.Errors = append(comp.Errors, errors.BuildError{File: "src/server.ts", Line: 3, Column: 1, Message: m, Severity: errors.ErrorSeverityError})
	}
	return comp
}

func TestCycleConcatenatesAssetsInOrder(t *testing.T) {
	exec := &recordingExecutor{}
	o := NewOrchestrator(Options{
		Compiler: &scriptedCompiler{results: []*Compilation{success("a;", "b;", "c;")}},
		Executor: exec,
	})

	require.NoError(t, o.Cycle(context.Background()))
	assert.Equal(t, []string{"a;b;c;"}, exec.sources)
	assert.Equal(t, int64(1), o.metrics.GetSnapshot().SuccessfulBuilds)
}

func TestCycleCompileErrorsSkipExecution(t *testing.T) {
	exec := &recordingExecutor{}
	collector := errors.NewErrorCollector()
	var results []string
	o := NewOrchestrator(Options{
		Compiler: &scriptedCompiler{results: []*Compilation{failure("Expected ';'", "Could not resolve \"x\"")}},
		Executor: exec,
		Errors:   collector,
		OnCycle:  func(_ *Compilation, result string) { results = append(results, result) },
	})

	require.NoError(t, o.Cycle(context.Background()))
	assert.Empty(t, exec.sources)
	assert.Len(t, collector.GetErrors(), 2)
	assert.Equal(t, []string{ResultCompileError}, results)

	snap := o.metrics.GetSnapshot()
	assert.Equal(t, int64(1), snap.FailedBuilds)
	assert.Equal(t, ResultCompileError, snap.LastResult)
}

func TestCycleRecoversAfterCompileError(t *testing.T) {
	exec := &recordingExecutor{}
	collector := errors.NewErrorCollector()
	o := NewOrchestrator(Options{
		Compiler: &scriptedCompiler{results: []*Compilation{success("v1"), failure("broken"), success("v2")}},
		Executor: exec,
		Errors:   collector,
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, o.Cycle(context.Background()))
	}
	assert.Equal(t, []string{"v1", "v2"}, exec.sources)
	assert.False(t, collector.HasErrors())
	assert.InDelta(t, 66.6, o.metrics.GetSuccessRate(), 0.1)
}

func TestCycleEvaluationErrorIsFatal(t *testing.T) {
	exec := &recordingExecutor{err: fmt.Errorf("ReferenceError: x is not defined")}
	o := NewOrchestrator(Options{
		Compiler: &scriptedCompiler{results: []*Compilation{success("x")}},
		Executor: exec,
	})

	err := o.Cycle(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeEvalFailed))
	assert.True(t, errors.IsRuntimeError(err))
	assert.Contains(t, err.Error(), "x is not defined")
}

func TestRunStopsOnEvaluationError(t *testing.T) {
	compiler := &scriptedCompiler{results: []*Compilation{success("ok"), success("bad")}}
	var calls atomic.Int32
	o := NewOrchestrator(Options{
		Compiler: compiler,
		Executor: ExecutorFunc(func(_ context.Context, _ string, source string) error {
			calls.Add(1)
			if source == "bad" {
				return fmt.Errorf("boom")
			}
			return nil
		}),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- o.Run(ctx) }()

	require.Eventually(t, func() bool { return calls.Load() >= 1 }, time.Second, 5*time.Millisecond)
	o.Trigger()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.ErrCodeEvalFailed))
	case <-ctx.Done():
		t.Fatal("Run did not return")
	}
}

func TestRunReturnsOnCancel(t *testing.T) {
	o := NewOrchestrator(Options{
		Compiler: &scriptedCompiler{},
		Executor: &recordingExecutor{},
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- o.Run(ctx) }()
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestTriggerCoalesces(t *testing.T) {
	o := NewOrchestrator(Options{Compiler: &scriptedCompiler{}, Executor: &recordingExecutor{}})
	o.Trigger()
	o.Trigger()
	o.Trigger()
	assert.Len(t, o.trigger, 1)
}

func TestNewCompilation(t *testing.T) {
	result := api.BuildResult{
		OutputFiles: []api.OutputFile{
			{Path: "/w/dist/server.js", Contents: []byte("one;"), Hash: "h1"},
			{Path: "/w/dist/chunk.js", Contents: []byte("two;"), Hash: "h2"},
		},
		Warnings: []api.Message{{Text: "unused import"}},
	}

	comp := NewCompilation("server.js", "server", result, time.Millisecond)
	assert.False(t, comp.Failed())
	assert.Equal(t, "one;two;", comp.Source())
	assert.Len(t, comp.Hash, 16)
	assert.NotEmpty(t, comp.ID)
	require.Len(t, comp.Warnings, 1)
	assert.Equal(t, errors.ErrorSeverityWarning, comp.Warnings[0].Severity)

	failed := NewCompilation("server.js", "server", api.BuildResult{
		Errors: []api.Message{{
			Text:     "Expected \";\" but found \"}\"",
			Location: &api.Location{File: "src/server.ts", Line: 4, Column: 9},
		}},
		OutputFiles: []api.OutputFile{{Path: "ignored.js"}},
	}, time.Millisecond)
	assert.True(t, failed.Failed())
	assert.Empty(t, failed.Assets)
	assert.Equal(t, "src/server.ts:4:10: error: Expected \";\" but found \"}\"", failed.Errors[0].Error())
}

func TestESBuildOptions(t *testing.T) {
	server := &config.BuildConfig{
		Target:    config.TargetNode,
		Entry:     config.EntryList{"src/server.ts"},
		Context:   "/work",
		External:  []string{"express"},
		Loader:    map[string]string{"sql": "text"},
		Sourcemap: true,
		Minify:    true,
	}
	opts, err := ESBuildOptions(server)
	require.NoError(t, err)
	assert.Equal(t, api.PlatformNode, opts.Platform)
	assert.Equal(t, api.FormatCommonJS, opts.Format)
	assert.False(t, opts.Write)
	assert.True(t, opts.Bundle)
	assert.Equal(t, DefaultOutdir, opts.Outdir)
	assert.Equal(t, api.LoaderText, opts.Loader[".sql"])
	assert.Equal(t, api.SourceMapInline, opts.Sourcemap)
	assert.True(t, opts.MinifySyntax)
	assert.Equal(t, []string{"express"}, opts.External)

	client := &config.BuildConfig{Target: config.TargetBrowser, Entry: config.EntryList{"src/client.ts"}}
	opts, err = ESBuildOptions(client)
	require.NoError(t, err)
	assert.Equal(t, api.PlatformBrowser, opts.Platform)
	assert.Equal(t, api.FormatIIFE, opts.Format)

	_, err = ESBuildOptions(&config.BuildConfig{})
	assert.Error(t, err)
	_, err = ESBuildOptions(&config.BuildConfig{Entry: config.EntryList{"a.ts"}, Format: "amd"})
	assert.Error(t, err)
	_, err = ESBuildOptions(&config.BuildConfig{Entry: config.EntryList{"a.ts"}, Loader: map[string]string{".x": "magic"}})
	assert.Error(t, err)
}

func TestWatchRoots(t *testing.T) {
	assert.Equal(t, []string{"/work"}, WatchRoots(&config.BuildConfig{Context: "/work"}))
	assert.Equal(t, []string{"/work/src", "/abs"}, WatchRoots(&config.BuildConfig{Context: "/work", WatchDirs: []string{"src", "/abs"}}))
	assert.Equal(t, []string{"."}, WatchRoots(&config.BuildConfig{}))
}

func TestESBuildCompiler(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0755))
	entry := filepath.Join(dir, "src", "server.ts")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "payload.ts"), []byte(`export const payload: { v: number } = { v: 1 };`), 0644))
	require.NoError(t, os.WriteFile(entry, []byte(`
import express from "express";
import { payload } from "./payload";
const app = express();
app.get("/", (req: any, res: any) => res.json(payload));
`), 0644))

	cfg := &config.BuildConfig{Target: config.TargetNode, Entry: config.EntryList{"src/server.ts"}}
	config.ApplyPreferredSettings(&config.BuildConfigs{Server: cfg}, "express", dir)

	compiler, err := NewESBuildCompiler(cfg)
	require.NoError(t, err)
	defer compiler.Close()

	comp := compiler.Compile(context.Background())
	require.False(t, comp.Failed(), errors.FormatBuildErrors(comp.Errors))
	assert.Equal(t, "server.js", comp.Name)
	assert.Contains(t, comp.Source(), `require("express")`)
	assert.Contains(t, comp.Source(), "v: 1")

	require.NoError(t, os.WriteFile(entry, []byte(`const x = ;`), 0644))
	comp = compiler.Compile(context.Background())
	require.True(t, comp.Failed())
	assert.Equal(t, 1, comp.Errors[0].Line)
}

func TestBuildMetricsRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	bm := NewBuildMetrics(reg)

	comp := success("a")
	comp.Duration = 10 * time.Millisecond
	bm.ObserveCompile(comp)
	bm.RecordCycle(ResultSuccess, comp, 20*time.Millisecond)
	bm.RecordCycle(ResultCompileError, failure("x"), time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)

	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		byName[f.GetName()] = f
	}

	cycles := byName["hotswap_rebuild_cycles_total"]
	require.NotNil(t, cycles)
	total := 0.0
	for _, m := range cycles.GetMetric() {
		total += m.GetCounter().GetValue()
	}
	assert.Equal(t, 2.0, total)
	assert.Equal(t, 1.0, byName["hotswap_server_bundle_assets"].GetMetric()[0].GetGauge().GetValue())

	snap := bm.GetSnapshot()
	assert.Equal(t, int64(2), snap.TotalBuilds)
	assert.Equal(t, "abc", snap.LastHash)
	assert.Equal(t, 50.0, bm.GetSuccessRate())
}
