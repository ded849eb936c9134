// Package config provides configuration management for hotswap using Viper
// for the application settings (.hotswap.yml, HOTSWAP_ environment
// variables and command-line flags) and YAML/JSON files for the bundler
// build configurations.
//
// The application settings cover logging, where build configurations are
// found, watcher debouncing, the framework module name intercepted in server
// programs, and the development endpoints installed on the served
// application.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultFrameworkModule is the module name server programs require to
// construct their web application.
const DefaultFrameworkModule = "express"

type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Build   BuildSettings `mapstructure:"build"`
	Runtime RuntimeConfig `mapstructure:"runtime"`
	Dev     DevConfig     `mapstructure:"dev"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// BuildSettings locates build configurations and tunes the watcher.
type BuildSettings struct {
	ServerConfig string        `mapstructure:"server_config"`
	ClientConfig string        `mapstructure:"client_config"`
	EntryConfig  string        `mapstructure:"entry_config"`
	Debounce     time.Duration `mapstructure:"debounce"`
	Ignore       []string      `mapstructure:"ignore"`
}

type RuntimeConfig struct {
	FrameworkModule string `mapstructure:"framework_module"`
	MaxConnections  int    `mapstructure:"max_connections"`
}

// DevConfig holds the paths of the development endpoints. An empty path
// disables the endpoint.
type DevConfig struct {
	HotPath      string        `mapstructure:"hot_path"`
	WebSocket    string        `mapstructure:"ws_path"`
	StatusPath   string        `mapstructure:"status_path"`
	MetricsPath  string        `mapstructure:"metrics_path"`
	Heartbeat    time.Duration `mapstructure:"heartbeat"`
	ClientScript string        `mapstructure:"client_script"`
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("build.debounce", 100*time.Millisecond)
	v.SetDefault("build.ignore", []string{"node_modules", ".git", "dist"})
	v.SetDefault("runtime.framework_module", DefaultFrameworkModule)
	v.SetDefault("runtime.max_connections", 0)
	v.SetDefault("dev.hot_path", "/__hotswap_hmr")
	v.SetDefault("dev.ws_path", "/__hotswap_ws")
	v.SetDefault("dev.status_path", "/__hotswap/status")
	v.SetDefault("dev.metrics_path", "/__hotswap/metrics")
	v.SetDefault("dev.heartbeat", 10*time.Second)
	v.SetDefault("dev.client_script", "/__hotswap/client.js")
}

// Load reads the configuration held by the global viper instance.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads the configuration from v, applying defaults for anything
// left unset.
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	// Slices from environment variables arrive as a single string.
	if len(config.Build.Ignore) == 1 && strings.Contains(config.Build.Ignore[0], ",") {
		config.Build.Ignore = strings.Split(config.Build.Ignore[0], ",")
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func validateConfig(config *Config) error {
	if config.Runtime.FrameworkModule == "" {
		return fmt.Errorf("runtime.framework_module must not be empty")
	}
	if config.Runtime.MaxConnections < 0 {
		return fmt.Errorf("runtime.max_connections must not be negative")
	}
	if config.Build.Debounce < 0 {
		return fmt.Errorf("build.debounce must not be negative")
	}

	paths := map[string]string{
		"dev.hot_path":      config.Dev.HotPath,
		"dev.ws_path":       config.Dev.WebSocket,
		"dev.status_path":   config.Dev.StatusPath,
		"dev.metrics_path":  config.Dev.MetricsPath,
		"dev.client_script": config.Dev.ClientScript,
	}
	for key, path := range paths {
		if path != "" && !strings.HasPrefix(path, "/") {
			return fmt.Errorf("%s must start with '/': %q", key, path)
		}
	}

	return nil
}
