package config

import (
	"time"

	"github.com/danmuck/portbroker/internal/broker"
	"github.com/danmuck/portbroker/internal/shim"
)

// BrokerService assembles the runtime config of a broker service from a
// loaded TOML config and its manifest.
func BrokerService(cfg BrokerConfig, m broker.Manifest) broker.ServiceConfig {
	return broker.ServiceConfig{
		Broker: broker.Config{
			SocketPath:      cfg.SocketPath,
			MaxMessageBytes: cfg.MaxMessageBytes,
		},
		Manifest:          m,
		HeartbeatInterval: time.Duration(cfg.HeartbeatSeconds) * time.Second,
		AdminListenAddr:   cfg.AdminAddr,
		AdminToken:        cfg.AdminToken,
		CORSOrigins:       cfg.CorsOrigins,
		PIDFile:           cfg.PIDFile,
		SpawnReadyTimeout: time.Duration(cfg.SpawnReadySeconds) * time.Second,
	}
}

// ShimConfig derives a client config from the operator CLI's TOML config.
func ShimConfig(cfg ClientConfig) shim.Config {
	out := shim.DefaultConfig()
	out.ReplyTimeout = time.Duration(cfg.ReplyTimeoutMS) * time.Millisecond
	return out
}
