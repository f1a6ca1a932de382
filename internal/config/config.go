package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// BrokerConfig is the daemon's TOML configuration.
type BrokerConfig struct {
	SocketPath        string   `toml:"socket_path"`
	ManifestPath      string   `toml:"manifest_path"`
	PIDFile           string   `toml:"pid_file"`
	AdminAddr         string   `toml:"admin_addr"`
	AdminToken        string   `toml:"admin_token"`
	CorsOrigins       []string `toml:"cors_origins"`
	HeartbeatSeconds  int      `toml:"heartbeat_seconds"`
	SpawnReadySeconds int      `toml:"spawn_ready_seconds"`
	MaxMessageBytes   int      `toml:"max_message_bytes"`
}

// ClientConfig is the operator CLI's TOML configuration.
type ClientConfig struct {
	SocketPath     string `toml:"socket_path"`
	AdminAddr      string `toml:"admin_addr"`
	AdminToken     string `toml:"admin_token"`
	ReplyTimeoutMS int    `toml:"reply_timeout_ms"`
	WaitTimeoutMS  int    `toml:"wait_timeout_ms"`
}

func LoadBrokerConfig(path string) (BrokerConfig, error) {
	var cfg BrokerConfig
	if err := loadToml(path, &cfg); err != nil {
		return BrokerConfig{}, err
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = "/tmp/portbroker.sock"
	}
	if cfg.HeartbeatSeconds == 0 {
		cfg.HeartbeatSeconds = 5
	}
	if cfg.SpawnReadySeconds == 0 {
		cfg.SpawnReadySeconds = 10
	}
	if err := ValidateBrokerConfig(cfg); err != nil {
		return BrokerConfig{}, err
	}
	return cfg, nil
}

// DefaultClientConfig is the CLI's zero-file configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{ReplyTimeoutMS: 2000, WaitTimeoutMS: 10000}
}

func LoadClientConfig(path string) (ClientConfig, error) {
	var cfg ClientConfig
	if err := loadToml(path, &cfg); err != nil {
		return ClientConfig{}, err
	}
	if cfg.ReplyTimeoutMS == 0 {
		cfg.ReplyTimeoutMS = 2000
	}
	if cfg.WaitTimeoutMS == 0 {
		cfg.WaitTimeoutMS = 10000
	}
	if err := ValidateClientConfig(cfg); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateBrokerConfig(cfg BrokerConfig) error {
	if strings.TrimSpace(cfg.SocketPath) == "" {
		return fmt.Errorf("broker config missing socket_path")
	}
	if cfg.HeartbeatSeconds <= 0 {
		return fmt.Errorf("broker config heartbeat_seconds must be positive")
	}
	if cfg.SpawnReadySeconds <= 0 {
		return fmt.Errorf("broker config spawn_ready_seconds must be positive")
	}
	if cfg.MaxMessageBytes < 0 {
		return fmt.Errorf("broker config max_message_bytes must not be negative")
	}
	if strings.TrimSpace(cfg.AdminAddr) != "" && strings.TrimSpace(cfg.AdminToken) == "" {
		return fmt.Errorf("broker config admin_token required when admin_addr is set")
	}
	return nil
}

func ValidateClientConfig(cfg ClientConfig) error {
	if cfg.ReplyTimeoutMS <= 0 {
		return fmt.Errorf("client config reply_timeout_ms must be positive")
	}
	if cfg.WaitTimeoutMS <= 0 {
		return fmt.Errorf("client config wait_timeout_ms must be positive")
	}
	return nil
}
