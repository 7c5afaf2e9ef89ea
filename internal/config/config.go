package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultBaseImage is the single shared image all sandboxed MCP servers run on.
	DefaultBaseImage = "archestra/sandbox-base:1.2"

	defaultPort                = "9099"
	defaultDataDir             = "./data"
	defaultPodmanBinary        = "podman"
	defaultMachinePollInterval = time.Second
	defaultMachineMaxAttempts  = 45
	defaultStartPollInterval   = time.Second
	defaultStartMaxAttempts    = 30
	defaultMCPPortBase         = 9300
	defaultShutdownTimeout     = 30 * time.Second
)

// Config holds daemon configuration. Values come from an optional YAML file
// (SANDBOXD_CONFIG) with environment variables taking precedence.
type Config struct {
	Port                string        `yaml:"port"`
	DataDir             string        `yaml:"data_dir"`
	PodmanSocket        string        `yaml:"podman_socket"`
	PodmanBinary        string        `yaml:"podman_binary"`
	BaseImage           string        `yaml:"base_image"`
	MachinePollInterval time.Duration `yaml:"machine_poll_interval"`
	MachineMaxAttempts  int           `yaml:"machine_max_attempts"`
	StartPollInterval   time.Duration `yaml:"start_poll_interval"`
	StartMaxAttempts    int           `yaml:"start_max_attempts"`
	MCPPortBase         int           `yaml:"mcp_port_base"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
}

// Load builds the configuration from defaults, an optional YAML file and env
// overrides, then validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                defaultPort,
		DataDir:             defaultDataDir,
		PodmanSocket:        defaultPodmanSocket(),
		PodmanBinary:        defaultPodmanBinary,
		BaseImage:           DefaultBaseImage,
		MachinePollInterval: defaultMachinePollInterval,
		MachineMaxAttempts:  defaultMachineMaxAttempts,
		StartPollInterval:   defaultStartPollInterval,
		StartMaxAttempts:    defaultStartMaxAttempts,
		MCPPortBase:         defaultMCPPortBase,
		ShutdownTimeout:     defaultShutdownTimeout,
	}

	if path := os.Getenv("SANDBOXD_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants, in particular that the base image is a valid
// image reference.
func (c *Config) Validate() error {
	if _, err := name.ParseReference(c.BaseImage); err != nil {
		return fmt.Errorf("invalid base image reference %q: %w", c.BaseImage, err)
	}
	if c.MachineMaxAttempts <= 0 {
		return fmt.Errorf("machine_max_attempts must be positive")
	}
	if c.StartMaxAttempts <= 0 {
		return fmt.Errorf("start_max_attempts must be positive")
	}
	if c.MCPPortBase <= 0 || c.MCPPortBase > 65000 {
		return fmt.Errorf("mcp_port_base out of range: %d", c.MCPPortBase)
	}
	return nil
}

// DBPath is the location of the installed-server database.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "sandboxd.db")
}

// KeyfilePath is the location of the generated secrets key.
func (c *Config) KeyfilePath() string {
	return filepath.Join(c.DataDir, "secrets.key")
}

func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString("PORT", &cfg.Port)
	setString("DATA_DIR", &cfg.DataDir)
	setString("PODMAN_SOCKET", &cfg.PodmanSocket)
	setString("PODMAN_BINARY", &cfg.PodmanBinary)
	setString("SANDBOX_BASE_IMAGE", &cfg.BaseImage)

	if v := os.Getenv("MACHINE_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MachineMaxAttempts = n
		}
	}
	if v := os.Getenv("SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ShutdownTimeout = d
		}
	}
}

func defaultPodmanSocket() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "podman", "podman.sock")
	}
	return "/run/podman/podman.sock"
}
