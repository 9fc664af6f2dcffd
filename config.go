package capsule

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Symbol names a function the capsule exports, optionally versioned.
type Symbol struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version,omitempty"`
}

// Config describes a capsule.
type Config struct {
	// Soname is the library loaded into the private namespace.
	Soname string `yaml:"soname"`
	// Prefix is the filesystem tree the library and its dependencies are
	// taken from. Empty means the host root.
	Prefix      string   `yaml:"prefix"`
	LibraryPath []string `yaml:"library_path"`
	// Exclude lists sonames shared with the default namespace instead of
	// being loaded privately.
	Exclude []string `yaml:"exclude"`
	// Export lists sonames whose dlopen is answered with the capsule.
	Export  []string `yaml:"export"`
	Symbols []Symbol `yaml:"symbols"`
}

// LoadConfig reads a YAML capsule description.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes and validates a YAML capsule description.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports configuration errors.
func (c *Config) Validate() error {
	var errs []error
	if c.Soname == "" {
		errs = append(errs, errors.New("soname is required"))
	}
	for i, s := range c.Symbols {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("symbols[%d]: name is required", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Items returns the relocation items named by the config, unresolved.
func (c *Config) Items() []Item {
	items := make([]Item, 0, len(c.Symbols))
	for _, s := range c.Symbols {
		items = append(items, Item{Name: s.Name, Version: s.Version})
	}
	return items
}
