package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes environment variables that override file settings.
const EnvPrefix = "CCSYNC_"

// FileNames are the config file names looked up in the working directory,
// in order.
var FileNames = []string{".ccsync.yaml", ".ccsync.yml", ".ccsync.toml"}

// ErrNotFound is returned by Find when no config file exists.
var ErrNotFound = errors.New("config file not found")

// Config represents the complete ccsync configuration
type Config struct {
	SourceRoot        string                   `koanf:"sourceRoot" yaml:"sourceRoot"`
	MinecraftSavePath string                   `koanf:"minecraftSavePath" yaml:"minecraftSavePath"`
	ComputerGroups    map[string]ComputerGroup `koanf:"computerGroups" yaml:"computerGroups,omitempty"`
	Rules             []Rule                   `koanf:"rules" yaml:"rules"`
	Advanced          Advanced                 `koanf:"advanced" yaml:"advanced"`

	// path of the file the config was loaded from, empty for programmatic configs
	path string
}

// ComputerGroup names a reusable list of computer IDs
type ComputerGroup struct {
	Name      string    `koanf:"name" yaml:"name"`
	Computers Selectors `koanf:"computers" yaml:"computers,flow"`
}

// Rule maps source files to a target path on one or more computers
type Rule struct {
	Source    string    `koanf:"source" yaml:"source"`
	Target    string    `koanf:"target" yaml:"target"`
	Computers Selectors `koanf:"computers" yaml:"computers,flow"`
}

// Selectors is an ordered list of computer IDs and group names. A config may
// spell it as a single scalar or as a list; numbers are stringified.
type Selectors []string

// Advanced holds tuning knobs that rarely need changing
type Advanced struct {
	Verbose     bool          `koanf:"verbose" yaml:"verbose"`
	Debounce    time.Duration `koanf:"debounce" yaml:"debounce"`
	Concurrency int           `koanf:"concurrency" yaml:"concurrency"`
}

const (
	DefaultSourceRoot  = "."
	DefaultDebounce    = 500 * time.Millisecond
	DefaultConcurrency = 4
)

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"sourceRoot":           DefaultSourceRoot,
		"advanced.verbose":     false,
		"advanced.debounce":    DefaultDebounce.String(),
		"advanced.concurrency": DefaultConcurrency,
	}
}

// envKeys maps supported environment variables (without prefix) to config keys.
var envKeys = map[string]string{
	"SOURCE_ROOT": "sourceRoot",
	"SAVE_PATH":   "minecraftSavePath",
	"VERBOSE":     "advanced.verbose",
	"DEBOUNCE":    "advanced.debounce",
	"CONCURRENCY": "advanced.concurrency",
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	path = expandHome(os.ExpandEnv(path))

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	parser, err := parserFor(absPath)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(absPath); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if err := k.Load(file.Provider(absPath), parser); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	err = k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return envKeys[strings.TrimPrefix(s, EnvPrefix)]
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	var cfg Config
	if err := unmarshal(k, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}
	cfg.path = absPath

	cfg.expandEnv()
	cfg.resolvePaths(filepath.Dir(absPath))
	WithDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func unmarshal(k *koanf.Koanf, cfg *Config) error {
	return k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           cfg,
			WeaklyTypedInput: true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
			),
		},
	})
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("unsupported config format %q (use .yaml, .yml or .toml)", filepath.Ext(path))
	}
}

// Find returns the config file to use from dir, falling back to the XDG
// config home.
func Find(dir string) (string, error) {
	for _, name := range FileNames {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	p := filepath.Join(xdg.ConfigHome, "ccsync", "config.yaml")
	if _, err := os.Stat(p); err == nil {
		return p, nil
	}

	return "", fmt.Errorf("%w: looked for %s in %s and %s", ErrNotFound, strings.Join(FileNames, ", "), dir, p)
}

// WithDefaults fills in zero-value fields with sensible defaults.
func WithDefaults(c *Config) *Config {
	if c.SourceRoot == "" {
		c.SourceRoot = DefaultSourceRoot
	}
	if c.Advanced.Debounce <= 0 {
		c.Advanced.Debounce = DefaultDebounce
	}
	if c.Advanced.Concurrency <= 0 {
		c.Advanced.Concurrency = DefaultConcurrency
	}
	for key, group := range c.ComputerGroups {
		if group.Name == "" {
			group.Name = key
			c.ComputerGroups[key] = group
		}
	}
	return c
}

// expandEnv expands environment variables in path fields
func (c *Config) expandEnv() {
	c.SourceRoot = expandHome(os.ExpandEnv(c.SourceRoot))
	c.MinecraftSavePath = expandHome(os.ExpandEnv(c.MinecraftSavePath))
}

// resolvePaths makes relative paths absolute against the config directory.
func (c *Config) resolvePaths(base string) {
	if c.SourceRoot != "" && !filepath.IsAbs(c.SourceRoot) {
		c.SourceRoot = filepath.Join(base, c.SourceRoot)
	}
	if c.MinecraftSavePath != "" && !filepath.IsAbs(c.MinecraftSavePath) {
		c.MinecraftSavePath = filepath.Join(base, c.MinecraftSavePath)
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.SourceRoot == "" {
		return fmt.Errorf("sourceRoot is required")
	}
	if c.MinecraftSavePath == "" {
		return fmt.Errorf("minecraftSavePath is required")
	}

	if !filepath.IsAbs(c.SourceRoot) {
		return fmt.Errorf("sourceRoot must be an absolute path: %s", c.SourceRoot)
	}
	if !filepath.IsAbs(c.MinecraftSavePath) {
		return fmt.Errorf("minecraftSavePath must be an absolute path: %s", c.MinecraftSavePath)
	}

	info, err := os.Stat(c.SourceRoot)
	if err != nil {
		return fmt.Errorf("sourceRoot is not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("sourceRoot is not a directory: %s", c.SourceRoot)
	}

	for key, group := range c.ComputerGroups {
		if len(group.Computers) == 0 {
			return fmt.Errorf("computerGroups.%s must list at least one computer", key)
		}
	}

	if len(c.Rules) == 0 {
		return fmt.Errorf("at least one rule is required")
	}
	for i, rule := range c.Rules {
		if strings.TrimSpace(rule.Source) == "" {
			return fmt.Errorf("rules[%d].source is required", i)
		}
		if len(rule.Computers) == 0 {
			return fmt.Errorf("rules[%d].computers is required", i)
		}
		for _, sel := range rule.Computers {
			if strings.TrimSpace(sel) == "" {
				return fmt.Errorf("rules[%d].computers contains an empty entry", i)
			}
		}
	}

	if c.Advanced.Concurrency < 0 {
		return fmt.Errorf("advanced.concurrency must not be negative")
	}

	return nil
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string {
	return c.path
}

// Group looks up a computer group by its key.
func (c *Config) Group(name string) (ComputerGroup, bool) {
	g, ok := c.ComputerGroups[name]
	return g, ok
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") && !strings.HasPrefix(p, `~\`) {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[1:])
}
