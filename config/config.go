package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/koala-ai/koalabox/sandbox"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// SandboxConfig holds sandbox configuration
type SandboxConfig struct {
	Backend           string `mapstructure:"backend"`
	Image             string `mapstructure:"image"`
	PythonBin         string `mapstructure:"python_bin"`
	UploadsDir        string `mapstructure:"uploads_dir"`
	TimeoutSec        int    `mapstructure:"timeout_sec"`
	MemoryMB          int    `mapstructure:"memory_mb"`
	CPUs              string `mapstructure:"cpus"`
	MaxProcesses      int    `mapstructure:"max_processes"`
	MaxOutputFileMB   int    `mapstructure:"max_output_file_mb"`
	MaxArtifactSizeMB int    `mapstructure:"max_artifact_size_mb"`
	MaxRows           int    `mapstructure:"max_rows"`
	MaxValueBytes     int    `mapstructure:"max_value_bytes"`
	MaxPlots          int    `mapstructure:"max_plots"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// New loads and validates the application configuration
func New() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Set default values
	viper.SetDefault("server.transport", "stdio")
	viper.SetDefault("server.http_port", 8080)
	viper.SetDefault("sandbox.backend", "auto")
	viper.SetDefault("sandbox.image", "koala-sandbox:latest")
	viper.SetDefault("sandbox.python_bin", "python3")
	viper.SetDefault("sandbox.uploads_dir", "uploads")
	viper.SetDefault("sandbox.timeout_sec", 30)
	viper.SetDefault("sandbox.memory_mb", 512)
	viper.SetDefault("sandbox.cpus", "0.5")
	viper.SetDefault("sandbox.max_processes", 1)
	viper.SetDefault("sandbox.max_output_file_mb", 10)
	viper.SetDefault("sandbox.max_artifact_size_mb", 20)
	viper.SetDefault("sandbox.max_rows", 1000)
	viper.SetDefault("sandbox.max_value_bytes", 10000)
	viper.SetDefault("sandbox.max_plots", 5)
	viper.SetDefault("logging.mode", "production")
	viper.SetDefault("logging.level", "info")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	supportedBackends := map[string]bool{
		sandbox.BackendDocker:  true,
		sandbox.BackendProcess: true,
		sandbox.BackendAuto:    true,
	}
	if !supportedBackends[c.Sandbox.Backend] {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	if c.Sandbox.TimeoutSec <= 0 {
		return fmt.Errorf("sandbox.timeout_sec must be positive, got: %d", c.Sandbox.TimeoutSec)
	}

	if c.Sandbox.MemoryMB <= 0 {
		return fmt.Errorf("sandbox.memory_mb must be positive, got: %d", c.Sandbox.MemoryMB)
	}

	if c.Sandbox.MaxProcesses <= 0 {
		return fmt.Errorf("sandbox.max_processes must be positive, got: %d", c.Sandbox.MaxProcesses)
	}

	if c.Sandbox.MaxOutputFileMB <= 0 {
		return fmt.Errorf("sandbox.max_output_file_mb must be positive, got: %d", c.Sandbox.MaxOutputFileMB)
	}

	if c.Sandbox.MaxArtifactSizeMB <= 0 {
		return fmt.Errorf("sandbox.max_artifact_size_mb must be positive, got: %d", c.Sandbox.MaxArtifactSizeMB)
	}

	if c.Sandbox.MaxRows <= 0 {
		return fmt.Errorf("sandbox.max_rows must be positive, got: %d", c.Sandbox.MaxRows)
	}

	if c.Sandbox.MaxPlots <= 0 {
		return fmt.Errorf("sandbox.max_plots must be positive, got: %d", c.Sandbox.MaxPlots)
	}

	if c.Sandbox.UploadsDir == "" {
		return fmt.Errorf("sandbox.uploads_dir must not be empty")
	}

	return nil
}

// ExecutorConfig maps the sandbox section onto the configuration shared
// by backend, collector and executor instances.
func (c *Config) ExecutorConfig() *sandbox.Config {
	return &sandbox.Config{
		Image:             c.Sandbox.Image,
		PythonBin:         c.Sandbox.PythonBin,
		UploadsDir:        c.Sandbox.UploadsDir,
		TimeoutSec:        c.Sandbox.TimeoutSec,
		MemoryMB:          c.Sandbox.MemoryMB,
		CPUs:              c.Sandbox.CPUs,
		MaxProcesses:      c.Sandbox.MaxProcesses,
		MaxOutputFileMB:   c.Sandbox.MaxOutputFileMB,
		MaxArtifactSizeMB: c.Sandbox.MaxArtifactSizeMB,
		MaxRows:           c.Sandbox.MaxRows,
		MaxValueBytes:     c.Sandbox.MaxValueBytes,
		MaxPlots:          c.Sandbox.MaxPlots,
	}
}

// GetTimeout returns the execution timeout as a duration
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSec) * time.Second
}
