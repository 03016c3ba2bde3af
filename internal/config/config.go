// Package config resolves the relay's configuration from, in increasing
// precedence: built-in defaults, an optional YAML file, environment
// variables (CDP_RELAY_*), and CLI flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config is the fully resolved relay configuration (spec.md 6).
type Config struct {
	Port                  int    `yaml:"port" envconfig:"PORT"`
	Token                 string `yaml:"token" envconfig:"TOKEN"`
	MaxInstances          int    `yaml:"maxInstances" envconfig:"MAX_INSTANCES"`
	InstanceTimeoutMin    int    `yaml:"instanceTimeoutMinutes" envconfig:"INSTANCE_TIMEOUT_MINUTES"`
	InactiveCheckMin      int    `yaml:"inactiveCheckIntervalMinutes" envconfig:"INACTIVE_CHECK_INTERVAL_MINUTES"`
	CDPLogging            bool   `yaml:"cdpLogging" envconfig:"CDP_LOGGING"`
	ExecutablePath        string `yaml:"executablePath" envconfig:"EXECUTABLE_PATH"`
	Headless              bool   `yaml:"headless" envconfig:"HEADLESS"`
	NoSandbox             bool   `yaml:"noSandbox" envconfig:"NO_SANDBOX"`
	DataDir               string `yaml:"dataDir" envconfig:"DATA_DIR"`
	LogFile               string `yaml:"logFile" envconfig:"LOG_FILE"`
}

// Default returns the built-in defaults from spec.md 6.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Port:               3000,
		MaxInstances:       10,
		InstanceTimeoutMin: 60,
		InactiveCheckMin:   5,
		DataDir:            filepath.Join(home, ".browser-go", "browser_data"),
	}
}

// InstanceTimeout is InstanceTimeoutMin converted to a time.Duration
// (spec 4.2: "minutes in the external surface, milliseconds internally").
func (c Config) InstanceTimeout() time.Duration {
	return time.Duration(c.InstanceTimeoutMin) * time.Minute
}

// InactiveCheckInterval is InactiveCheckMin converted to a time.Duration.
func (c Config) InactiveCheckInterval() time.Duration {
	return time.Duration(c.InactiveCheckMin) * time.Minute
}

// LoadFile merges a YAML config file's values onto base, for every field
// the file sets explicitly. A missing file is not an error.
func LoadFile(base Config, path string) (Config, error) {
	if path == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return base, nil
	}
	if err != nil {
		return base, fmt.Errorf("read config file %s: %w", path, err)
	}

	cfg := base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return base, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays CDP_RELAY_* environment variables onto cfg. Unset
// variables leave the corresponding field untouched.
func ApplyEnv(cfg Config) (Config, error) {
	if err := envconfig.Process("cdp_relay", &cfg); err != nil {
		return cfg, fmt.Errorf("apply environment overlay: %w", err)
	}
	return cfg, nil
}

// Validate checks invariants the flag parser itself cannot enforce.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.MaxInstances <= 0 {
		return fmt.Errorf("max-instances must be positive")
	}
	return nil
}
