package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load loads the configuration from file
func (l *Loader) Load() (*Config, error) {
	// Determine config path
	configPath := l.configPath
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".toolplane", "toolplane.json")
	}

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		// Return default config if file doesn't exist
		cfg := DefaultConfig()
		if err := fillDerivedPaths(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	// Setup viper
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	// Read environment variables, e.g. TOOLPLANE_GATEWAY_PORT
	v.SetEnvPrefix("TOOLPLANE")
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Unmarshal into config struct
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := fillDerivedPaths(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// fillDerivedPaths defaults local state paths under the data directory
func fillDerivedPaths(cfg *Config) error {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".toolplane")
	}

	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "toolplane.log")
	}
	if cfg.Logging.AuditFile == "" {
		cfg.Logging.AuditFile = filepath.Join(cfg.DataDir, "audit.jsonl")
	}
	if cfg.Registry.DatabasePath == "" {
		cfg.Registry.DatabasePath = filepath.Join(cfg.DataDir, "registry.db")
	}
	if cfg.Checkpoint.Dir == "" {
		cfg.Checkpoint.Dir = filepath.Join(cfg.DataDir, "checkpoints")
	}
	if cfg.Checkpoint.DatabasePath == "" {
		cfg.Checkpoint.DatabasePath = filepath.Join(cfg.DataDir, "checkpoints.db")
	}
	if cfg.Checkpoint.ExternalDir == "" {
		cfg.Checkpoint.ExternalDir = filepath.Join(cfg.DataDir, "checkpoints", "external")
	}
	if cfg.Bridge.DirectStorePath == "" {
		cfg.Bridge.DirectStorePath = filepath.Join(cfg.DataDir, "bridge_store.db")
	}
	if cfg.Credentials.StorePath == "" {
		cfg.Credentials.StorePath = filepath.Join(cfg.DataDir, "credentials.db")
	}
	if cfg.Executor.InvocationDatabasePath == "" {
		cfg.Executor.InvocationDatabasePath = filepath.Join(cfg.DataDir, "invocations.db")
	}
	if cfg.Sandbox.WorkdirBase == "" {
		cfg.Sandbox.WorkdirBase = filepath.Join(cfg.DataDir, "sandboxes")
	}
	if cfg.Permission.PolicyFile == "" {
		cfg.Permission.PolicyFile = filepath.Join(cfg.DataDir, "policy.json")
	}

	return nil
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	// Determine config path
	configPath := l.configPath
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".toolplane", "toolplane.json")
	}

	// Ensure directory exists
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Setup viper
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	// Set all config values (use canonical fields only)
	v.Set("data_dir", cfg.DataDir)
	v.Set("logging", cfg.Logging)
	v.Set("gateway", cfg.Gateway)
	v.Set("webhook", cfg.Webhook)
	v.Set("registry", cfg.Registry)
	v.Set("breaker", cfg.Breaker)
	v.Set("rate_limit", cfg.RateLimit)
	v.Set("permission", cfg.Permission)
	v.Set("checkpoint", cfg.Checkpoint)
	v.Set("bridge", cfg.Bridge)
	v.Set("credentials", cfg.Credentials)
	v.Set("executor", cfg.Executor)
	v.Set("sandbox", cfg.Sandbox)
	v.Set("redis", cfg.Redis)

	// Write config file
	if err := v.WriteConfig(); err != nil {
		// If file doesn't exist, create it
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".toolplane", "toolplane.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
