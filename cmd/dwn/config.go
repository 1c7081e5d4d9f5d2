package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all dwn configuration.
type Config struct {
	Docker  DockerConfig  `mapstructure:"docker"`
	Plans   PlansConfig   `mapstructure:"plans"`
	Network NetworkConfig `mapstructure:"network"`
	Log     LogConfig     `mapstructure:"log"`
}

// DockerConfig holds engine client configuration.
type DockerConfig struct {
	Host        string        `mapstructure:"host"`
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
}

// PlansConfig holds plan directory configuration.
type PlansConfig struct {
	DistDir string `mapstructure:"dist_dir"`
	UserDir string `mapstructure:"user_dir"`
}

// NetworkConfig holds the dwn network and relay image configuration.
type NetworkConfig struct {
	Name       string `mapstructure:"name"`
	RelayImage string `mapstructure:"relay_image"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment. With no
// explicit path, ~/.dwn/config.yml is used when present.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	home, _ := os.UserHomeDir()

	v.SetDefault("docker.host", "")
	v.SetDefault("docker.stop_timeout", "10s")
	v.SetDefault("plans.dist_dir", "./plans")
	v.SetDefault("plans.user_dir", filepath.Join(home, ".dwn", "plans"))
	v.SetDefault("network.name", "dwn")
	v.SetDefault("network.relay_image", "ghcr.io/sensepost/dwn-network:latest")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	if configPath == "" {
		if home != "" {
			candidate := filepath.Join(home, ".dwn", "config.yml")
			if _, err := os.Stat(candidate); err == nil {
				configPath = candidate
			}
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// missing file is fine, defaults apply
		}
	}

	v.SetEnvPrefix("DWN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
