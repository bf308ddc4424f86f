package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// LobbyName is the default room every session is admitted to. The lobby is
// created at startup and can never be removed.
const LobbyName = "lobby"

// ServerConfig holds the runtime server configuration.
type ServerConfig struct {
	BindAddress string
	TCPPort     int
	HTTPPort    int // Public HTTP port for /ws (0 = disabled)
	MetricsPort int // Internal metrics port (0 = disabled)

	// Rate limiting (per session)
	MinMessageSpacing time.Duration // messages closer together than this are spam
	SpamWarnThreshold int           // short-window offences before the warning notice
	MaxOffences       int           // cumulative offences before timeout
	SpamTimeout       time.Duration // length of the timeout state

	SweepInterval time.Duration // liveness sweep period
	PollInterval  time.Duration // room broadcast drain period

	SeedRooms []string // rooms created at startup, besides the lobby

	// Payload encryption. When enabled, every session is issued a salt and
	// all steady-state frames travel inside <ENCRYPTED>; envelopes.
	EncryptionEnabled bool
	SharedPassword    string
}

// DefaultConfig returns default server configuration.
func DefaultConfig() ServerConfig {
	return ServerConfig{
		BindAddress:       "0.0.0.0",
		TCPPort:           55555,
		HTTPPort:          8080,
		MetricsPort:       9090,
		MinMessageSpacing: 500 * time.Millisecond,
		SpamWarnThreshold: 5,
		MaxOffences:       5,
		SpamTimeout:       time.Minute,
		SweepInterval:     5 * time.Second,
		PollInterval:      10 * time.Millisecond,
		SeedRooms:         []string{"Default", "Default2"},
		EncryptionEnabled: false,
		SharedPassword:    "",
	}
}

// TOMLConfig represents the structure of the server config file.
type TOMLConfig struct {
	Server     ServerSection     `toml:"server"`
	Limits     LimitsSection     `toml:"limits"`
	Rooms      RoomsSection      `toml:"rooms"`
	Encryption EncryptionSection `toml:"encryption"`
}

type ServerSection struct {
	BindAddress string `toml:"bind_address"`
	TCPPort     int    `toml:"tcp_port"`
	HTTPPort    int    `toml:"http_port"`
	MetricsPort int    `toml:"metrics_port"`
}

type LimitsSection struct {
	MinMessageSpacingMs  int `toml:"min_message_spacing_ms"`
	SpamWarnThreshold    int `toml:"spam_warn_threshold"`
	MaxOffences          int `toml:"max_offences"`
	TimeoutSeconds       int `toml:"timeout_seconds"`
	SweepIntervalSeconds int `toml:"sweep_interval_seconds"`
	PollIntervalMs       int `toml:"poll_interval_ms"`
}

type RoomsSection struct {
	SeedRooms []string `toml:"seed_rooms"`
}

type EncryptionSection struct {
	Enabled  bool   `toml:"enabled"`
	Password string `toml:"password"`
}

// DefaultTOMLConfig returns the default TOML configuration.
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			BindAddress: "0.0.0.0",
			TCPPort:     55555,
			HTTPPort:    8080,
			MetricsPort: 9090,
		},
		Limits: LimitsSection{
			MinMessageSpacingMs:  500,
			SpamWarnThreshold:    5,
			MaxOffences:          5,
			TimeoutSeconds:       60,
			SweepIntervalSeconds: 5,
			PollIntervalMs:       10,
		},
		Rooms: RoomsSection{
			SeedRooms: []string{"Default", "Default2"},
		},
		Encryption: EncryptionSection{
			Enabled:  false,
			Password: "",
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates a default file if
// none exists, and applies environment variable overrides.
func LoadConfig(path string) (TOMLConfig, error) {
	if path == "" {
		path = "~/.config/chatrelay/config.toml"
	}
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return TOMLConfig{}, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			// Could not write (permissions?), run with defaults anyway.
			return applyEnvOverrides(config), nil
		}
		return applyEnvOverrides(config), nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Variables follow the pattern CHATRELAY_SECTION_KEY, e.g.
// CHATRELAY_SERVER_TCP_PORT=6000.
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	envInt := func(key string, dst *int) {
		if val := os.Getenv(key); val != "" {
			if n, err := strconv.Atoi(val); err == nil {
				*dst = n
			}
		}
	}

	if val := os.Getenv("CHATRELAY_SERVER_BIND_ADDRESS"); val != "" {
		config.Server.BindAddress = val
	}
	envInt("CHATRELAY_SERVER_TCP_PORT", &config.Server.TCPPort)
	envInt("CHATRELAY_SERVER_HTTP_PORT", &config.Server.HTTPPort)
	envInt("CHATRELAY_SERVER_METRICS_PORT", &config.Server.MetricsPort)

	envInt("CHATRELAY_LIMITS_MIN_MESSAGE_SPACING_MS", &config.Limits.MinMessageSpacingMs)
	envInt("CHATRELAY_LIMITS_SPAM_WARN_THRESHOLD", &config.Limits.SpamWarnThreshold)
	envInt("CHATRELAY_LIMITS_MAX_OFFENCES", &config.Limits.MaxOffences)
	envInt("CHATRELAY_LIMITS_TIMEOUT_SECONDS", &config.Limits.TimeoutSeconds)
	envInt("CHATRELAY_LIMITS_SWEEP_INTERVAL_SECONDS", &config.Limits.SweepIntervalSeconds)
	envInt("CHATRELAY_LIMITS_POLL_INTERVAL_MS", &config.Limits.PollIntervalMs)

	if val := os.Getenv("CHATRELAY_ROOMS_SEED_ROOMS"); val != "" {
		rooms := strings.Split(val, ",")
		for i := range rooms {
			rooms[i] = strings.TrimSpace(rooms[i])
		}
		config.Rooms.SeedRooms = rooms
	}

	if val := os.Getenv("CHATRELAY_ENCRYPTION_ENABLED"); val != "" {
		if enabled, err := strconv.ParseBool(val); err == nil {
			config.Encryption.Enabled = enabled
		}
	}
	if val := os.Getenv("CHATRELAY_ENCRYPTION_PASSWORD"); val != "" {
		config.Encryption.Password = val
	}

	return config
}

// writeDefaultConfig writes the default config to a file with all options
// documented.
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

	content := `# chatrelay server configuration
# This file was auto-generated with default values.
# Restart the server for changes to take effect.
#
# Environment variables can override these settings:
# CHATRELAY_SECTION_KEY (e.g., CHATRELAY_SERVER_TCP_PORT=6000)

[server]
# Address and port for TCP client connections
bind_address = "0.0.0.0"
tcp_port = 55555

# Port for the public HTTP server (/ws endpoint). Set to 0 to disable.
http_port = 8080

# Port for the internal metrics server (/metrics). Never expose publicly.
# Set to 0 to disable.
metrics_port = 9090

[limits]
# Messages arriving closer together than this are counted as spam offences
min_message_spacing_ms = 500

# Short-window offences before the "stop spamming" warning
spam_warn_threshold = 5

# Cumulative offences before the session is timed out
max_offences = 5

# Length of the spam timeout in seconds
timeout_seconds = 60

# How often dead sessions are reaped, in seconds
sweep_interval_seconds = 5

# Room broadcast drain interval in milliseconds
poll_interval_ms = 10

[rooms]
# Rooms created at startup. The lobby always exists and is not listed here.
seed_rooms = ["Default", "Default2"]

[encryption]
# When enabled, each session is issued a random salt and all chat payloads
# travel inside authenticated <ENCRYPTED>; envelopes. Both ends derive the
# key from (password, salt); the key itself never crosses the wire.
enabled = false
# password = "shared secret"
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig.
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if strings.TrimSpace(c.Server.BindAddress) != "" {
		cfg.BindAddress = c.Server.BindAddress
	}
	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}
	cfg.HTTPPort = c.Server.HTTPPort
	cfg.MetricsPort = c.Server.MetricsPort

	if c.Limits.MinMessageSpacingMs != 0 {
		cfg.MinMessageSpacing = time.Duration(c.Limits.MinMessageSpacingMs) * time.Millisecond
	}
	if c.Limits.SpamWarnThreshold != 0 {
		cfg.SpamWarnThreshold = c.Limits.SpamWarnThreshold
	}
	if c.Limits.MaxOffences != 0 {
		cfg.MaxOffences = c.Limits.MaxOffences
	}
	if c.Limits.TimeoutSeconds != 0 {
		cfg.SpamTimeout = time.Duration(c.Limits.TimeoutSeconds) * time.Second
	}
	if c.Limits.SweepIntervalSeconds != 0 {
		cfg.SweepInterval = time.Duration(c.Limits.SweepIntervalSeconds) * time.Second
	}
	if c.Limits.PollIntervalMs != 0 {
		cfg.PollInterval = time.Duration(c.Limits.PollIntervalMs) * time.Millisecond
	}

	if len(c.Rooms.SeedRooms) > 0 {
		cfg.SeedRooms = c.Rooms.SeedRooms
	}

	cfg.EncryptionEnabled = c.Encryption.Enabled
	cfg.SharedPassword = c.Encryption.Password

	return cfg
}
