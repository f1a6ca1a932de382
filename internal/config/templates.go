package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "broker":
		return brokerTemplate, nil
	case "client":
		return clientTemplate, nil
	case "manifest":
		return manifestTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const brokerTemplate = `socket_path = "/tmp/portbroker.sock"
manifest_path = "portbroker.hcl"
pid_file = "/tmp/portbroker.pid"
admin_addr = "127.0.0.1:9400"
admin_token = "temp-admin-token"
cors_origins = ["http://localhost:3000"]
heartbeat_seconds = 5
spawn_ready_seconds = 10
`

const clientTemplate = `socket_path = "/tmp/portbroker.sock"
admin_addr = "127.0.0.1:9400"
admin_token = "temp-admin-token"
reply_timeout_ms = 2000
wait_timeout_ms = 10000
`

const manifestTemplate = `service "com.example.windowserver" {
  pre_provision = true
}

stage "backboard" {
  program  = "/usr/libexec/backboardd"
  wait_for = "com.example.backboard"
}

stage "telemetry" {
  program  = "/usr/bin/telemetryd"
  optional = true
}
`
