package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/hotswap/internal/config"
	"github.com/conneroisu/hotswap/internal/server"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:     "serve [entry-config]",
	Aliases: []string{"s"},
	Short:   "Run the server program and re-run it on every change",
	Long: `Bundle the server program, run it and keep it running across rebuilds.

The server build configuration comes from --server-config, or from a
combined entry configuration given as the argument. A client build
configuration, when present, is bundled in memory and served with hot
update notifications.

Examples:
  hotswap serve -s build/server.yml
  hotswap serve -s build/server.yml -c build/client.yml
  hotswap serve hotswap.config.yml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("server-config", "s", "", "server build configuration file")
	serveCmd.Flags().StringP("client-config", "c", "", "client build configuration file")
	serveCmd.Flags().String("framework-module", config.DefaultFrameworkModule, "module name whose constructor is intercepted")
	serveCmd.Flags().Int("max-connections", 0, "cap on concurrent connections, 0 for none")
	serveCmd.Flags().Duration("debounce", 100*time.Millisecond, "quiet period before a change triggers a rebuild")

	_ = viper.BindPFlag("build.server_config", serveCmd.Flags().Lookup("server-config"))
	_ = viper.BindPFlag("build.client_config", serveCmd.Flags().Lookup("client-config"))
	_ = viper.BindPFlag("runtime.framework_module", serveCmd.Flags().Lookup("framework-module"))
	_ = viper.BindPFlag("runtime.max_connections", serveCmd.Flags().Lookup("max-connections"))
	_ = viper.BindPFlag("build.debounce", serveCmd.Flags().Lookup("debounce"))
}

// loadBuilds reads the app settings and resolves the build configurations
// they and args point at.
func loadBuilds(args []string) (*config.Config, *config.BuildConfigs, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	// A positional entry configuration only counts when no individual
	// configuration was named.
	entry := cfg.Build.EntryConfig
	if len(args) > 0 && cfg.Build.ServerConfig == "" && cfg.Build.ClientConfig == "" {
		entry = args[0]
	}

	builds, err := config.ResolveBuildConfigs(config.ResolveOptions{
		ServerConfigPath: cfg.Build.ServerConfig,
		ClientConfigPath: cfg.Build.ClientConfig,
		EntryConfigPath:  entry,
		FrameworkModule:  cfg.Runtime.FrameworkModule,
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, builds, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, builds, err := loadBuilds(args)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}

	if builds.Client == nil {
		logger.Warn(cmd.Context(), nil, "No client build configuration was specified; hot client disabled")
	}

	srv, err := server.New(server.Options{
		Builds: builds,
		Config: cfg,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create dev server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := srv.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, err, "Error during shutdown")
	}

	if runErr != nil {
		return fmt.Errorf("dev server stopped: %w", runErr)
	}
	return nil
}
