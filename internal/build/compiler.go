// Package build drives the bundler for the server program and hands each
// successful compilation to the code that runs it.
package build

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/google/uuid"

	"github.com/conneroisu/hotswap/internal/config"
	"github.com/conneroisu/hotswap/internal/errors"
)

// Asset is one emitted output file.
type Asset struct {
	Path   string
	Source []byte
}

// Compilation is the outcome of one bundler run. It either carries assets or
// errors, never both.
type Compilation struct {
	ID       string
	Name     string
	Assets   []Asset
	Errors   []errors.BuildError
	Warnings []errors.BuildError
	Hash     string
	Duration time.Duration
}

// Failed reports whether the bundler reported errors.
func (c *Compilation) Failed() bool {
	return len(c.Errors) > 0
}

// Source concatenates the assets in the order the bundler emitted them.
func (c *Compilation) Source() string {
	var b strings.Builder
	for _, asset := range c.Assets {
		b.Write(asset.Source)
	}
	return b.String()
}

// Compiler produces compilations on demand.
type Compiler interface {
	Compile(ctx context.Context) *Compilation
	Close()
}

// ESBuildCompiler keeps an incremental esbuild context for one build
// configuration. Outputs stay in memory.
type ESBuildCompiler struct {
	cfg     *config.BuildConfig
	name    string
	context api.BuildContext
}

// NewESBuildCompiler prepares an incremental build for cfg.
func NewESBuildCompiler(cfg *config.BuildConfig) (*ESBuildCompiler, error) {
	opts, err := ESBuildOptions(cfg)
	if err != nil {
		return nil, err
	}

	ctx, ctxErr := api.Context(opts)
	if ctxErr != nil {
		buildErrs := convertMessages(ctxErr.Errors, cfg.Name, errors.ErrorSeverityError)
		return nil, errors.NewBuildError(errors.ErrCodeBuildFailed, "cannot create build context",
			fmt.Errorf("%s", errors.FormatBuildErrors(buildErrs))).WithFile(cfg.Source)
	}

	return &ESBuildCompiler{
		cfg:     cfg,
		name:    programName(cfg),
		context: ctx,
	}, nil
}

// Compile implements Compiler. Cancelling ctx cancels the running build.
func (c *ESBuildCompiler) Compile(ctx context.Context) *Compilation {
	start := time.Now()

	done := make(chan api.BuildResult, 1)
	go func() {
		done <- c.context.Rebuild()
	}()

	var result api.BuildResult
	select {
	case result = <-done:
	case <-ctx.Done():
		c.context.Cancel()
		result = <-done
	}

	return NewCompilation(c.name, c.cfg.Name, result, time.Since(start))
}

// Close implements Compiler.
func (c *ESBuildCompiler) Close() {
	c.context.Dispose()
}

// NewCompilation converts an esbuild result.
func NewCompilation(name, build string, result api.BuildResult, duration time.Duration) *Compilation {
	comp := &Compilation{
		ID:       uuid.NewString(),
		Name:     name,
		Errors:   convertMessages(result.Errors, build, errors.ErrorSeverityError),
		Warnings: convertMessages(result.Warnings, build, errors.ErrorSeverityWarning),
		Duration: duration,
	}
	if comp.Failed() {
		return comp
	}

	hash := sha256.New()
	for _, file := range result.OutputFiles {
		comp.Assets = append(comp.Assets, Asset{Path: file.Path, Source: file.Contents})
		hash.Write([]byte(file.Hash))
	}
	comp.Hash = hex.EncodeToString(hash.Sum(nil))[:16]
	return comp
}

func convertMessages(msgs []api.Message, build string, severity errors.ErrorSeverity) []errors.BuildError {
	if len(msgs) == 0 {
		return nil
	}
	now := time.Now()
	out := make([]errors.BuildError, 0, len(msgs))
	for _, msg := range msgs {
		be := errors.BuildError{
			Build:     build,
			Message:   msg.Text,
			Severity:  severity,
			Timestamp: now,
		}
		if msg.PluginName != "" {
			be.Message = fmt.Sprintf("[plugin %s] %s", msg.PluginName, msg.Text)
		}
		if loc := msg.Location; loc != nil {
			be.File = loc.File
			be.Line = loc.Line
			be.Column = loc.Column + 1
		}
		out = append(out, be)
	}
	return out
}

// programName is the name evaluation errors and stack traces refer to.
func programName(cfg *config.BuildConfig) string {
	if cfg.Name != "" {
		return cfg.Name
	}
	if len(cfg.Entry) > 0 {
		base := filepath.Base(cfg.Entry[0])
		return strings.TrimSuffix(base, filepath.Ext(base)) + ".js"
	}
	return "server.js"
}
