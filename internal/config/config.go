// Package config handles ralphd configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultStateFile is where the loop state record lives, relative to the
// opencode working directory. The path keeps the record human-inspectable
// alongside the rest of the .opencode directory.
const DefaultStateFile = ".opencode/ralph-loop-state.json"

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./ralphd.yaml, ~/.config/ralphd/ralphd.yaml, /etc/ralphd/ralphd.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"ralphd.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "ralphd", "ralphd.yaml"))
	}

	paths = append(paths, "/etc/ralphd/ralphd.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all ralphd configuration.
type Config struct {
	Server    ServerConfig `yaml:"server"`
	Web       WebConfig    `yaml:"web"`
	MQTT      MQTTConfig   `yaml:"mqtt"`
	StateFile string       `yaml:"state_file"`
	DataDir   string       `yaml:"data_dir"`
	LogLevel  string       `yaml:"log_level"`
}

// ServerConfig defines the opencode server connection.
type ServerConfig struct {
	// URL is the base URL of the opencode server (e.g. http://127.0.0.1:4096).
	URL string `yaml:"url"`
	// Directory is the opencode working directory the loop operates in.
	// Passed to the toast endpoint and used to resolve the state file.
	// Defaults to the current working directory.
	Directory string `yaml:"directory"`
}

// WebConfig defines the local observability server.
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // Bind address (default: 127.0.0.1)
	Port    int    `yaml:"port"`    // Default: 7526
}

// MQTTConfig defines the optional MQTT notification mirror. When enabled,
// loop lifecycle notifications are published to the broker in addition to
// the opencode toast surface.
type MQTTConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Broker     string `yaml:"broker"` // e.g. mqtt://broker.local:1883
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	DeviceName string `yaml:"device_name"` // Topic component, default "ralphd"
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a Config with all defaults applied. Used both as the
// unmarshal base in Load and directly when no config file exists — ralphd
// runs fine against a local opencode server with zero configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			URL: "http://127.0.0.1:4096",
		},
		Web: WebConfig{
			Address: "127.0.0.1",
			Port:    7526,
		},
		MQTT: MQTTConfig{
			DeviceName: "ralphd",
		},
		StateFile: DefaultStateFile,
		DataDir:   ".",
		LogLevel:  "info",
	}
}

// StatePath resolves the loop state file path against the configured
// working directory. Absolute state_file values are used as-is.
func (c *Config) StatePath() string {
	if filepath.IsAbs(c.StateFile) {
		return c.StateFile
	}
	return filepath.Join(c.Directory(), c.StateFile)
}

// HistoryPath returns the cycle history database path.
func (c *Config) HistoryPath() string {
	return filepath.Join(c.DataDir, "ralph-history.db")
}

// Directory returns the opencode working directory, defaulting to the
// process working directory when unset.
func (c *Config) Directory() string {
	if c.Server.Directory != "" {
		return c.Server.Directory
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}
