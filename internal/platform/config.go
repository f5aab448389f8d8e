package platform

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aretw0/strata/internal/fsutil"
)

// Config is the per-dataset settings file, config.yaml.
type Config struct {
	ID      string    `yaml:"id"`
	Backend string    `yaml:"backend"`
	Created time.Time `yaml:"created"`
	// Origin is the remote a clone was made from.
	Origin string `yaml:"origin,omitempty"`
}

// ReadConfig loads config.yaml from the dataset rooted at root.
func ReadConfig(root string, opts ...Option) (Config, error) {
	o := buildOptions(opts)
	return readConfig(Layout(root, o.systemDir).Config)
}

func readConfig(path string) (Config, error) {
	var c Config
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("failed to read dataset config: %w", err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	if c.Backend == "" {
		c.Backend = DefaultBackend
	}
	return c, nil
}

func writeConfig(path string, c Config) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode dataset config: %w", err)
	}
	return fsutil.WriteFileAtomic(path, data, 0644)
}
