// Package cmd provides the hotswap command-line interface.
//
// Configuration is read, highest priority first, from:
//  1. Command-line flags
//  2. HOTSWAP_* environment variables (HOTSWAP_LOG_LEVEL, HOTSWAP_RUNTIME_MAX_CONNECTIONS, ...)
//  3. The file named by --config or HOTSWAP_CONFIG_FILE
//  4. .hotswap.yml in the current directory
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/hotswap/internal/config"
	"github.com/conneroisu/hotswap/internal/logging"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "hotswap",
	Short: "Hot-reloading dev server for Express-style server programs",
	Long: `hotswap bundles a server program with esbuild, runs it in an embedded
JavaScript runtime and re-runs it on every source change. The application
the program builds keeps its listener across runs; only the handlers are
swapped.

Quick Start:
  hotswap serve -s server.yml              Serve with a server build config
  hotswap serve -s server.yml -c client.yml  Also bundle and hot-serve a client
  hotswap serve hotswap.config.yml         Use a combined entry config
  hotswap build hotswap.config.yml         Compile once and report errors`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .hotswap.yml, can also use HOTSWAP_CONFIG_FILE env var)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig points viper at the configuration file and the environment.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv("HOTSWAP_CONFIG_FILE"); envConfigFile != "" {
		viper.SetConfigFile(envConfigFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".hotswap")
	}

	viper.SetEnvPrefix("HOTSWAP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// A missing or unreadable file leaves the defaults in place.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// newLogger builds the process logger from the log settings.
func newLogger(cfg config.LogConfig) (logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	format := strings.ToLower(cfg.Format)
	if format != "text" && format != "json" {
		return nil, fmt.Errorf("unsupported log format %q (supported: text, json)", cfg.Format)
	}
	return logging.NewLogger(&logging.LoggerConfig{
		Level:  level,
		Format: format,
		Output: os.Stderr,
	}), nil
}
