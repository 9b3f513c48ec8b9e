package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server  ServerSection  `toml:"server"`
	History HistorySection `toml:"history"`
	Limits  LimitsSection  `toml:"limits"`
}

// ServerSection configures listeners. A negative port disables the listener.
type ServerSection struct {
	TCPPort    int    `toml:"tcp_port"`
	SSHPort    int    `toml:"ssh_port"`
	HTTPPort   int    `toml:"http_port"`
	SSHHostKey string `toml:"ssh_host_key"`
}

type HistorySection struct {
	Backend         string `toml:"backend"` // "sqlite" or "badger"
	DatabasePath    string `toml:"database_path"`
	BadgerPath      string `toml:"badger_path"`
	ReplayLimit     int    `toml:"replay_limit"`
	FlushIntervalMs int    `toml:"flush_interval_ms"`
}

type LimitsSection struct {
	MaxLineLength     int   `toml:"max_line_length"`
	MaxFileSize       int64 `toml:"max_file_size"`
	TransferTimeoutMs int   `toml:"transfer_timeout_ms"`
	ChunkWaitMs       int   `toml:"chunk_wait_ms"`
	WriteTimeoutMs    int   `toml:"write_timeout_ms"`
}

// EnvOverrides are read from RELAY_* environment variables.
// Zero values leave the file setting alone.
type EnvOverrides struct {
	TCPPort      int    `envconfig:"TCP_PORT"`
	SSHPort      int    `envconfig:"SSH_PORT"`
	HTTPPort     int    `envconfig:"HTTP_PORT"`
	SSHHostKey   string `envconfig:"SSH_HOST_KEY"`
	Backend      string `envconfig:"BACKEND"`
	DatabasePath string `envconfig:"DATABASE_PATH"`
	BadgerPath   string `envconfig:"BADGER_PATH"`
	ReplayLimit  int    `envconfig:"REPLAY_LIMIT"`
	MaxFileSize  int64  `envconfig:"MAX_FILE_SIZE"`
	Debug        bool   `envconfig:"DEBUG"`
}

const envPrefix = "relay"

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:    5555,
			SSHPort:    5556,
			HTTPPort:   5580,
			SSHHostKey: "~/.relay/ssh_host_key",
		},
		History: HistorySection{
			Backend:         BackendSQLite,
			DatabasePath:    "~/.relay/relay.db",
			BadgerPath:      "~/.relay/history.badger",
			ReplayLimit:     MaxReplayLimit,
			FlushIntervalMs: 20,
		},
		Limits: LimitsSection{
			MaxLineLength:     1000,
			MaxFileSize:       10 * 1024 * 1024,
			TransferTimeoutMs: 30000,
			ChunkWaitMs:       500,
			WriteTimeoutMs:    5000,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := ExpandPath(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			// Still runnable with defaults (e.g. read-only home)
			errorLog.Printf("Could not write default config to %s: %v", path, err)
		}
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# Relay Server Configuration
# This file was auto-generated with default values
# Edit as needed and restart the server for changes to take effect
# Set a port to -1 to disable that listener

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ApplyEnv overlays RELAY_* environment variables onto the file config.
// Returns whether RELAY_DEBUG was set.
func (c *TOMLConfig) ApplyEnv() (bool, error) {
	var env EnvOverrides
	if err := envconfig.Process(envPrefix, &env); err != nil {
		return false, fmt.Errorf("failed to read environment: %w", err)
	}

	if env.TCPPort != 0 {
		c.Server.TCPPort = env.TCPPort
	}
	if env.SSHPort != 0 {
		c.Server.SSHPort = env.SSHPort
	}
	if env.HTTPPort != 0 {
		c.Server.HTTPPort = env.HTTPPort
	}
	if env.SSHHostKey != "" {
		c.Server.SSHHostKey = env.SSHHostKey
	}
	if env.Backend != "" {
		c.History.Backend = env.Backend
	}
	if env.DatabasePath != "" {
		c.History.DatabasePath = env.DatabasePath
	}
	if env.BadgerPath != "" {
		c.History.BadgerPath = env.BadgerPath
	}
	if env.ReplayLimit != 0 {
		c.History.ReplayLimit = env.ReplayLimit
	}
	if env.MaxFileSize != 0 {
		c.Limits.MaxFileSize = env.MaxFileSize
	}

	return env.Debug, nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}
	if c.Server.SSHPort != 0 {
		cfg.SSHPort = c.Server.SSHPort
	}
	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}
	if strings.TrimSpace(c.Server.SSHHostKey) != "" {
		cfg.SSHHostKeyPath = c.Server.SSHHostKey
	}

	if backend := strings.ToLower(strings.TrimSpace(c.History.Backend)); backend != "" {
		cfg.Backend = backend
	}
	if strings.TrimSpace(c.History.DatabasePath) != "" {
		cfg.DatabasePath = c.History.DatabasePath
	}
	if strings.TrimSpace(c.History.BadgerPath) != "" {
		cfg.BadgerPath = c.History.BadgerPath
	}
	if c.History.ReplayLimit != 0 {
		cfg.ReplayLimit = clampReplayLimit(c.History.ReplayLimit)
	}
	if c.History.FlushIntervalMs > 0 {
		cfg.FlushInterval = time.Duration(c.History.FlushIntervalMs) * time.Millisecond
	}

	if c.Limits.MaxLineLength > 0 {
		cfg.MaxLineLength = c.Limits.MaxLineLength
	}
	if c.Limits.MaxFileSize > 0 {
		cfg.MaxFileSize = c.Limits.MaxFileSize
	}
	if c.Limits.TransferTimeoutMs > 0 {
		cfg.TransferTimeout = time.Duration(c.Limits.TransferTimeoutMs) * time.Millisecond
	}
	if c.Limits.ChunkWaitMs > 0 {
		cfg.ChunkWait = time.Duration(c.Limits.ChunkWaitMs) * time.Millisecond
	}
	if c.Limits.WriteTimeoutMs > 0 {
		cfg.WriteTimeout = time.Duration(c.Limits.WriteTimeoutMs) * time.Millisecond
	}

	return cfg
}

// clampReplayLimit keeps history replays between MinReplayLimit and MaxReplayLimit
func clampReplayLimit(n int) int {
	switch {
	case n < MinReplayLimit:
		return MinReplayLimit
	case n > MaxReplayLimit:
		return MaxReplayLimit
	default:
		return n
	}
}

// ExpandPath expands a leading "~/" to the user's home directory
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}
