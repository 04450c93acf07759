package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const header = `# ccsync configuration
#
# sourceRoot         directory holding your scripts, relative to this file
# minecraftSavePath  the world save containing computercraft/computer/<id>
# computerGroups     named lists of computer IDs usable in rules
# rules              source (file or glob) -> target (file, or directory ending in /)
#
`

// Default returns the starter configuration written by Generate.
func Default(savePath string) *Config {
	if savePath == "" {
		savePath = "~/.minecraft/saves/world"
	}
	return &Config{
		SourceRoot:        DefaultSourceRoot,
		MinecraftSavePath: savePath,
		ComputerGroups: map[string]ComputerGroup{
			"network": {Name: "Network computers", Computers: Selectors{"1", "2"}},
		},
		Rules: []Rule{
			{Source: "startup.lua", Target: "/startup.lua", Computers: Selectors{"1"}},
			{Source: "lib/*.lua", Target: "/lib/", Computers: Selectors{"network"}},
		},
		Advanced: Advanced{
			Debounce:    DefaultDebounce,
			Concurrency: DefaultConcurrency,
		},
	}
}

// Marshal encodes cfg as a commented YAML document.
func Marshal(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(header)

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// Generate writes the starter configuration to path. An existing file is
// only replaced when force is set.
func Generate(path, savePath string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config file already exists: %s", path)
	}

	data, err := Marshal(Default(savePath))
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// MarshalYAML writes the debounce in duration syntax ("500ms").
func (a Advanced) MarshalYAML() (interface{}, error) {
	return struct {
		Verbose     bool   `yaml:"verbose"`
		Debounce    string `yaml:"debounce"`
		Concurrency int    `yaml:"concurrency"`
	}{
		Verbose:     a.Verbose,
		Debounce:    a.Debounce.String(),
		Concurrency: a.Concurrency,
	}, nil
}
