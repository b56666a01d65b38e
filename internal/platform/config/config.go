// Package config loads hub configuration from file and environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

// Config holds all configuration for the hub.
type Config struct {
	DataDir string        `mapstructure:"data_dir" envconfig:"CAH_DATA_DIR"`
	Agent   string        `mapstructure:"agent" envconfig:"CAH_AGENT"`
	Backend BackendConfig `mapstructure:"backend"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Logger  LoggerConfig  `mapstructure:"logger"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// BackendConfig selects and parameterizes the default AI backend.
type BackendConfig struct {
	Default string        `mapstructure:"default" envconfig:"CAH_BACKEND" default:"claude"`
	Command string        `mapstructure:"command" envconfig:"CAH_BACKEND_COMMAND" default:"claude"`
	Model   string        `mapstructure:"model" envconfig:"CAH_MODEL"`
	Timeout time.Duration `mapstructure:"timeout" envconfig:"CAH_BACKEND_TIMEOUT" default:"30m"`
}

// WorkerConfig parameterizes the node worker pool.
type WorkerConfig struct {
	Concurrency  int           `mapstructure:"concurrency" envconfig:"CAH_CONCURRENCY" default:"3"`
	PollInterval time.Duration `mapstructure:"poll_interval" envconfig:"CAH_POLL_INTERVAL" default:"500ms"`
}

// LoggerConfig holds logger configuration.
type LoggerConfig struct {
	Level  string `mapstructure:"level" envconfig:"CAH_LOG_LEVEL" default:"info"`
	Format string `mapstructure:"format" envconfig:"CAH_LOG_FORMAT" default:"console"`
}

// MetricsConfig controls the daemon's optional metrics listener.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" envconfig:"CAH_METRICS_ENABLED" default:"false"`
	Addr    string `mapstructure:"addr" envconfig:"CAH_METRICS_ADDR" default:"127.0.0.1:9464"`
}

// DefaultDataDir is used when neither a flag nor CAH_DATA_DIR is set.
const DefaultDataDir = ".cah-data"

// Load reads configuration from ~/.cah/config.yaml (if present), then applies
// environment overrides. Missing config files are not an error.
func Load() (*Config, error) {
	var cfg Config

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(home, ".cah"))
	}
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Environment variables win over file values.
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment config: %w", err)
	}

	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir
	}

	return &cfg, nil
}
