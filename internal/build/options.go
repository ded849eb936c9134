package build

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/conneroisu/hotswap/internal/config"
	"github.com/conneroisu/hotswap/internal/errors"
)

// DefaultOutdir is used when a configuration names no output directory.
// Nothing is written there; it only anchors output paths.
const DefaultOutdir = "dist"

var loaders = map[string]api.Loader{
	"js":         api.LoaderJS,
	"jsx":        api.LoaderJSX,
	"ts":         api.LoaderTS,
	"tsx":        api.LoaderTSX,
	"json":       api.LoaderJSON,
	"text":       api.LoaderText,
	"css":        api.LoaderCSS,
	"local-css":  api.LoaderLocalCSS,
	"global-css": api.LoaderGlobalCSS,
	"file":       api.LoaderFile,
	"copy":       api.LoaderCopy,
	"dataurl":    api.LoaderDataURL,
	"base64":     api.LoaderBase64,
	"binary":     api.LoaderBinary,
	"empty":      api.LoaderEmpty,
}

var formats = map[string]api.Format{
	"":     api.FormatDefault,
	"cjs":  api.FormatCommonJS,
	"esm":  api.FormatESModule,
	"iife": api.FormatIIFE,
}

// ESBuildOptions translates a build configuration into esbuild options. The
// result never writes to disk.
func ESBuildOptions(cfg *config.BuildConfig) (api.BuildOptions, error) {
	if len(cfg.Entry) == 0 {
		return api.BuildOptions{}, errors.NewConfigError(errors.ErrCodeConfigInvalid,
			"build configuration has no entry").WithFile(cfg.Source)
	}

	format, ok := formats[strings.ToLower(cfg.Format)]
	if !ok {
		return api.BuildOptions{}, errors.NewConfigError(errors.ErrCodeConfigInvalid,
			fmt.Sprintf("unknown output format %q", cfg.Format)).WithFile(cfg.Source)
	}

	loader := make(map[string]api.Loader, len(cfg.Loader))
	for ext, name := range cfg.Loader {
		l, ok := loaders[strings.ToLower(name)]
		if !ok {
			return api.BuildOptions{}, errors.NewConfigError(errors.ErrCodeConfigInvalid,
				fmt.Sprintf("unknown loader %q for %s", name, ext)).WithFile(cfg.Source)
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		loader[ext] = l
	}

	outdir := cfg.Outdir
	if outdir == "" {
		outdir = DefaultOutdir
	}

	opts := api.BuildOptions{
		EntryPoints:   []string(cfg.Entry),
		AbsWorkingDir: cfg.Context,
		Outdir:        outdir,
		Bundle:        true,
		Write:         false,
		Format:        format,
		External:      cfg.External,
		Define:        cfg.Define,
		Loader:        loader,
		Tsconfig:      cfg.Tsconfig,
		LogLevel:      api.LogLevelSilent,
	}
	if cfg.Sourcemap {
		opts.Sourcemap = api.SourceMapInline
	}
	if cfg.Minify {
		opts.MinifyWhitespace = true
		opts.MinifyIdentifiers = true
		opts.MinifySyntax = true
	}

	if cfg.IsServer() {
		opts.Platform = api.PlatformNode
		// The runtime speaks ES2017; newer syntax is lowered.
		opts.Target = api.ES2017
		if opts.Format == api.FormatDefault {
			opts.Format = api.FormatCommonJS
		}
	} else {
		opts.Platform = api.PlatformBrowser
		if opts.Format == api.FormatDefault {
			opts.Format = api.FormatIIFE
		}
	}

	return opts, nil
}

// WatchRoots returns the directories whose changes trigger a rebuild.
func WatchRoots(cfg *config.BuildConfig) []string {
	base := cfg.Context
	if len(cfg.WatchDirs) == 0 {
		if base == "" {
			return []string{"."}
		}
		return []string{base}
	}
	roots := make([]string, 0, len(cfg.WatchDirs))
	for _, dir := range cfg.WatchDirs {
		if !filepath.IsAbs(dir) && base != "" {
			dir = filepath.Join(base, dir)
		}
		roots = append(roots, dir)
	}
	return roots
}
