package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/conneroisu/hotswap/internal/errors"
)

// Build targets.
const (
	TargetNode    = "node"
	TargetBrowser = "browser"
)

// ModeDevelopment is the only mode the dev server runs builds in.
const ModeDevelopment = "development"

// maxEntryConfigs is how many build configurations a combined entry file may
// hold: one server and at most one client.
const maxEntryConfigs = 2

// BuildConfig describes one bundler invocation. Field names follow the
// bundler's vocabulary so configuration files read naturally.
type BuildConfig struct {
	Name      string            `yaml:"name" json:"name"`
	Target    string            `yaml:"target" json:"target"`
	Context   string            `yaml:"context" json:"context"`
	Entry     EntryList         `yaml:"entry" json:"entry"`
	Outdir    string            `yaml:"outdir" json:"outdir"`
	Format    string            `yaml:"format" json:"format"`
	External  []string          `yaml:"external" json:"external"`
	Define    map[string]string `yaml:"define" json:"define"`
	Loader    map[string]string `yaml:"loader" json:"loader"`
	Sourcemap bool              `yaml:"sourcemap" json:"sourcemap"`
	Minify    bool              `yaml:"minify" json:"minify"`
	Tsconfig  string            `yaml:"tsconfig" json:"tsconfig"`
	Watch     bool              `yaml:"watch" json:"watch"`
	WatchDirs []string          `yaml:"watchDirs" json:"watchDirs"`
	Mode      string            `yaml:"mode" json:"mode"`
	DevServer *DevServerConfig  `yaml:"devServer" json:"devServer"`

	// HotClient makes the client bundle carry the hot update client.
	HotClient bool `yaml:"-" json:"-"`
	// Source is the file the configuration was read from.
	Source string `yaml:"-" json:"-"`
}

// DevServerConfig holds the options of the dev-bundling middleware.
type DevServerConfig struct {
	PublicPath string `yaml:"publicPath" json:"publicPath"`
}

// EntryList accepts either a single entry point or a list of them.
type EntryList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (e *EntryList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var single string
		if err := node.Decode(&single); err != nil {
			return err
		}
		*e = EntryList{single}
		return nil
	case yaml.SequenceNode:
		var many []string
		if err := node.Decode(&many); err != nil {
			return err
		}
		*e = EntryList(many)
		return nil
	default:
		return fmt.Errorf("entry must be a string or a list of strings")
	}
}

// IsServer reports whether the configuration targets the server runtime.
func (c *BuildConfig) IsServer() bool {
	return c.Target == TargetNode
}

// PublicPath returns the dev server public path, "/" when unset.
func (c *BuildConfig) PublicPath() string {
	if c.DevServer == nil || c.DevServer.PublicPath == "" {
		return "/"
	}
	return c.DevServer.PublicPath
}

// BuildConfigs is the resolved pair handed to the dev server.
type BuildConfigs struct {
	Server *BuildConfig
	Client *BuildConfig
}

// ResolveOptions are the paths given on the command line or in .hotswap.yml.
type ResolveOptions struct {
	ServerConfigPath string
	ClientConfigPath string
	EntryConfigPath  string
	FrameworkModule  string
	WorkDir          string
}

// ResolveBuildConfigs loads the server and client configurations. An entry
// configuration overrides the individual paths. Preferred development
// settings are applied to whatever was found.
func ResolveBuildConfigs(opts ResolveOptions) (*BuildConfigs, error) {
	workDir := opts.WorkDir
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, errors.NewIOError(errors.ErrCodeConfigInvalid, "cannot determine working directory", err)
		}
		workDir = wd
	}

	configs := &BuildConfigs{}

	if opts.ServerConfigPath != "" {
		cfg, err := loadSingle(resolvePath(workDir, opts.ServerConfigPath))
		if err != nil {
			return nil, err
		}
		if cfg.Target == "" {
			cfg.Target = TargetNode
		}
		configs.Server = cfg
	}
	if opts.ClientConfigPath != "" {
		cfg, err := loadSingle(resolvePath(workDir, opts.ClientConfigPath))
		if err != nil {
			return nil, err
		}
		configs.Client = cfg
	}
	if opts.EntryConfigPath != "" {
		entries, err := IdentifyEntries(resolvePath(workDir, opts.EntryConfigPath))
		if err != nil {
			return nil, err
		}
		configs.Server = entries.Server
		configs.Client = entries.Client
	}

	if configs.Server == nil {
		return nil, errors.NewConfigError(errors.ErrCodeNoServerConfig, "no build configuration was specified for the server")
	}
	if configs.Server.Target != TargetNode {
		return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid,
			fmt.Sprintf("server build must target %q, got %q", TargetNode, configs.Server.Target)).
			WithFile(configs.Server.Source)
	}

	module := opts.FrameworkModule
	if module == "" {
		module = DefaultFrameworkModule
	}
	ApplyPreferredSettings(configs, module, workDir)

	return configs, nil
}

// IdentifyEntries reads a combined entry file holding at most two
// configurations and sorts them into server and client by target.
func IdentifyEntries(path string) (*BuildConfigs, error) {
	all, err := LoadBuildConfigFile(path)
	if err != nil {
		return nil, err
	}
	if len(all) > maxEntryConfigs {
		return nil, errors.NewConfigError(errors.ErrCodeTooManyConfigs,
			"too many build configurations contained in "+path).WithFile(path)
	}

	entries := &BuildConfigs{}
	for i := range all {
		cfg := all[i]
		if cfg.IsServer() {
			entries.Server = &cfg
		} else {
			entries.Client = &cfg
		}
	}

	if entries.Server == nil {
		return nil, errors.NewConfigError(errors.ErrCodeNoServerConfig,
			"no server config was found in "+path).WithFile(path)
	}
	return entries, nil
}

// LoadBuildConfigFile decodes a YAML or JSON file holding either one
// configuration or a list of them.
func LoadBuildConfigFile(path string) ([]BuildConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewConfigError(errors.ErrCodeConfigNotFound, "build configuration not found").WithFile(path)
		}
		return nil, errors.NewIOError(errors.ErrCodeConfigInvalid, "cannot read build configuration", err).WithFile(path)
	}

	var root yaml.Node
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&root); err != nil {
		return nil, errors.NewBuildError(errors.ErrCodeConfigInvalid, "cannot parse build configuration", err).WithFile(path)
	}
	if len(root.Content) == 0 {
		return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid, "build configuration is empty").WithFile(path)
	}

	doc := root.Content[0]
	var configs []BuildConfig
	switch doc.Kind {
	case yaml.SequenceNode:
		if err := doc.Decode(&configs); err != nil {
			return nil, errors.NewBuildError(errors.ErrCodeConfigInvalid, "cannot decode build configurations", err).WithFile(path)
		}
	case yaml.MappingNode:
		var single BuildConfig
		if err := doc.Decode(&single); err != nil {
			return nil, errors.NewBuildError(errors.ErrCodeConfigInvalid, "cannot decode build configuration", err).WithFile(path)
		}
		configs = []BuildConfig{single}
	default:
		return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid, "build configuration must be a mapping or a list").WithFile(path)
	}

	for i := range configs {
		configs[i].Source = path
	}
	return configs, nil
}

func loadSingle(path string) (*BuildConfig, error) {
	configs, err := LoadBuildConfigFile(path)
	if err != nil {
		return nil, err
	}
	if len(configs) != 1 {
		return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid,
			fmt.Sprintf("expected a single build configuration, found %d", len(configs))).WithFile(path)
	}
	return &configs[0], nil
}

// ApplyPreferredSettings forces development settings onto the resolved
// configurations. It is idempotent.
func ApplyPreferredSettings(configs *BuildConfigs, frameworkModule, workDir string) {
	if server := configs.Server; server != nil {
		server.Mode = ModeDevelopment
		server.Watch = true
		if server.Format == "" {
			server.Format = "cjs"
		}
		if server.Context == "" {
			server.Context = workDir
		}
		if !slices.Contains(server.External, frameworkModule) {
			server.External = append(server.External, frameworkModule)
		}
	}

	if client := configs.Client; client != nil {
		client.Mode = ModeDevelopment
		client.Watch = true
		client.HotClient = true
		if client.Target == "" {
			client.Target = TargetBrowser
		}
		if client.Context == "" {
			client.Context = workDir
		}
	}
}

// resolvePath makes p absolute against workDir, expanding a leading "~".
func resolvePath(workDir, p string) string {
	if strings.HasPrefix(p, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workDir, p)
}
