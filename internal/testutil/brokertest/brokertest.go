// Package brokertest runs an in-process broker on a throwaway socket for
// tests outside the broker package.
package brokertest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/portbroker/internal/broker"
	"github.com/danmuck/portbroker/internal/port"
)

// Start launches a broker, waits for readiness, and points the slot
// variable at its socket. Shutdown and slot restoration ride t.Cleanup.
func Start(t *testing.T, cfg broker.Config) *broker.Server {
	t.Helper()
	if cfg.SocketPath == "" {
		cfg.SocketPath = filepath.Join(t.TempDir(), "broker.sock")
	}
	srv, err := broker.NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !srv.Ready() {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("broker did not become ready")
		}
		time.Sleep(2 * time.Millisecond)
	}

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("broker run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("broker did not shut down")
		}
	})
	t.Setenv(port.SlotEnv, srv.SocketPath())
	return srv
}
