package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/conneroisu/hotswap/internal/build"
	"github.com/conneroisu/hotswap/internal/config"
	"github.com/conneroisu/hotswap/internal/errors"
)

var buildWrite bool

var buildCmd = &cobra.Command{
	Use:     "build [entry-config]",
	Aliases: []string{"b"},
	Short:   "Compile the server and client bundles once",
	Long: `Compile every resolved build configuration once and report the
diagnostics. With --write the outputs are written to each outdir.

Examples:
  hotswap build -s build/server.yml
  hotswap build hotswap.config.yml --write`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBuild,
}

func init() {
	rootCmd.AddCommand(buildCmd)

	buildCmd.Flags().StringP("server-config", "s", "", "server build configuration file")
	buildCmd.Flags().StringP("client-config", "c", "", "client build configuration file")
	buildCmd.Flags().BoolVarP(&buildWrite, "write", "w", false, "write outputs to disk")
}

func runBuild(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	serverPath := flagOrSetting(cmd.Flags(), "server-config", cfg.Build.ServerConfig)
	clientPath := flagOrSetting(cmd.Flags(), "client-config", cfg.Build.ClientConfig)
	entry := cfg.Build.EntryConfig
	if len(args) > 0 && serverPath == "" && clientPath == "" {
		entry = args[0]
	}

	builds, err := config.ResolveBuildConfigs(config.ResolveOptions{
		ServerConfigPath: serverPath,
		ClientConfigPath: clientPath,
		EntryConfigPath:  entry,
		FrameworkModule:  cfg.Runtime.FrameworkModule,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	failed := false
	for _, bc := range []*config.BuildConfig{builds.Server, builds.Client} {
		if bc == nil {
			continue
		}
		ok, err := compileOnce(cmd.Context(), out, bc, buildWrite)
		if err != nil {
			return err
		}
		failed = failed || !ok
	}

	if failed {
		return errors.NewBuildError(errors.ErrCodeBuildFailed, "compilation failed", nil)
	}
	return nil
}

// compileOnce compiles bc and prints a summary. It reports whether the
// compilation succeeded.
func compileOnce(ctx context.Context, out io.Writer, bc *config.BuildConfig, write bool) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	compiler, err := build.NewESBuildCompiler(bc)
	if err != nil {
		return false, err
	}
	defer compiler.Close()

	comp := compiler.Compile(ctx)
	label := bc.Name
	if label == "" {
		label = bc.Target
	}

	for i := range comp.Warnings {
		fmt.Fprintln(out, comp.Warnings[i].Error())
	}
	if comp.Failed() {
		fmt.Fprintln(out, errors.FormatBuildErrors(comp.Errors))
		fmt.Fprintf(out, "%s: %d error(s)\n", label, len(comp.Errors))
		return false, nil
	}

	if write {
		for _, asset := range comp.Assets {
			if err := os.MkdirAll(filepath.Dir(asset.Path), 0755); err != nil {
				return false, errors.NewIOError(errors.ErrCodeBuildFailed, "cannot create output directory", err).WithFile(asset.Path)
			}
			if err := os.WriteFile(asset.Path, asset.Source, 0644); err != nil {
				return false, errors.NewIOError(errors.ErrCodeBuildFailed, "cannot write output", err).WithFile(asset.Path)
			}
		}
	}

	fmt.Fprintf(out, "%s: %d file(s), hash %s, %s\n", label, len(comp.Assets), comp.Hash, comp.Duration.Round(time.Millisecond))
	return true, nil
}

// flagOrSetting returns the flag's value when it was given on the command
// line and the settings value otherwise.
func flagOrSetting(fs *pflag.FlagSet, name, setting string) string {
	if f := fs.Lookup(name); f != nil && f.Changed {
		return f.Value.String()
	}
	return setting
}
