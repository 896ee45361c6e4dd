package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Load overlays the YAML file at path on top of the defaults. Unknown
// keys fail loudly: a typo in a config file should never silently fall
// back to a default.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
	if err != nil {
		return nil, errors.Wrap(err, "could not read config file")
	}
	if err := yaml.UnmarshalStrict(raw, cfg); err != nil {
		return nil, errors.Wrap(err, "could not parse config file")
	}
	return cfg, nil
}

// EnabledChains lists the chain names with an enabled integration.
func (c *Config) EnabledChains() []string {
	var names []string
	for name, chain := range c.Chains {
		if chain.Enabled {
			names = append(names, name)
		}
	}
	return names
}
