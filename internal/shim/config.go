package shim

import (
	"time"

	"github.com/danmuck/portbroker/internal/protocol/bootmsg"
	"github.com/rs/zerolog"
)

// BackoffConfig defines retry backoff behavior for WaitFor.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines per-call bounds for one Client.
type Config struct {
	ReplyTimeout    time.Duration
	MaxMessageBytes int
	Backoff         BackoffConfig
	Log             zerolog.Logger
}

// DefaultConfig returns the bounds the stock launcher runs with.
func DefaultConfig() Config {
	return Config{
		ReplyTimeout:    2 * time.Second,
		MaxMessageBytes: bootmsg.DefaultLimits().MaxMessageBytes,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
		Log: zerolog.Nop(),
	}
}
