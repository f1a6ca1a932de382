package broker

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/portbroker/internal/port"
	"github.com/danmuck/portbroker/internal/testutil/testlog"
)

func TestServiceRunLifecycle(t *testing.T) {
	testlog.Start(t)
	t.Setenv(port.SlotEnv, "")

	dir := t.TempDir()
	sock := filepath.Join(dir, "broker.sock")
	pidFile := filepath.Join(dir, "broker.pid")

	m, err := ParseManifest([]byte(`service "com.test.windowserver" { pre_provision = true }`), "broker.hcl")
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}

	svc, err := NewServiceWithConfig(ServiceConfig{
		Broker:            Config{SocketPath: sock},
		Manifest:          m,
		HeartbeatInterval: 50 * time.Millisecond,
		PIDFile:           pidFile,
	})
	if err != nil {
		t.Fatalf("NewServiceWithConfig: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.run(ctx) }()
	waitReady(t, svc.Server())

	raw, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("pid file: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid != os.Getpid() {
		t.Fatalf("pid file holds %q, want %d", raw, os.Getpid())
	}

	if got := os.Getenv(port.SlotEnv); got != sock {
		t.Fatalf("slot = %q, want %q", got, sock)
	}

	recv, err := quickClient().CheckIn("com.test.windowserver")
	if err != nil {
		t.Fatalf("CheckIn against running service: %v", err)
	}
	recv.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("service did not shut down")
	}
	if _, err := os.Stat(pidFile); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("pid file after shutdown: %v", err)
	}
}

func TestServiceRejectsBadHeartbeat(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultServiceConfig()
	cfg.HeartbeatInterval = 0
	if _, err := NewServiceWithConfig(cfg); !errors.Is(err, ErrInvalidHeartbeatInterval) {
		t.Fatalf("err = %v, want ErrInvalidHeartbeatInterval", err)
	}
}
