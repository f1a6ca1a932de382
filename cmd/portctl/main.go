package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/danmuck/portbroker/internal/config"
	"github.com/danmuck/portbroker/internal/logging"
	"github.com/danmuck/portbroker/internal/port"
	"github.com/danmuck/portbroker/internal/shim"
)

const defaultConfigPath = "cmd/portctl/config.toml"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	logging.ConfigureRuntime()

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "lookup":
		err = runLookup(args)
	case "register":
		err = runRegister(args)
	case "checkin":
		err = runCheckIn(args)
	case "wait":
		err = runWait(args)
	case "services":
		err = runServices(args)
	case "spawn":
		err = runSpawn(args)
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "portctl: unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "portctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `usage: portctl <command> [flags] [args]

commands:
  lookup <name>     resolve a service name to a send right
  register <name>   bind a fresh capability under a name
  checkin <name>    claim the receive side of a binding
  wait <name>       block until a name is registered
  services          list bindings via the admin surface
  spawn <stage>     launch a manifest stage via the admin surface

common flags:
  -config path      client config (default cmd/portctl/config.toml)
  -socket path      broker socket override
  -legacy           use the length-prefixed message forms
  -hold duration    keep the claimed right open, printing traffic
  -addr host:port   admin address (services, spawn)
  -token value      admin bearer token (spawn)
`)
}

func clientFlags(fs *flag.FlagSet) (cfgPath, socket *string) {
	cfgPath = fs.String("config", defaultConfigPath, "client config path")
	socket = fs.String("socket", "", "broker socket path override")
	return cfgPath, socket
}

// loadClientConfig falls back to defaults when the implicit path is absent;
// an explicitly named file must exist.
func loadClientConfig(path string) (config.ClientConfig, error) {
	cfg, err := config.LoadClientConfig(path)
	if err != nil && path == defaultConfigPath && errors.Is(err, fs.ErrNotExist) {
		return config.DefaultClientConfig(), nil
	}
	return cfg, err
}

func loadClient(cfgPath, socket string) (config.ClientConfig, *shim.Client, error) {
	cfg, err := loadClientConfig(cfgPath)
	if err != nil {
		return config.ClientConfig{}, nil, err
	}
	if socket != "" {
		cfg.SocketPath = socket
	}
	if cfg.SocketPath != "" {
		os.Setenv(port.SlotEnv, cfg.SocketPath)
	}
	return cfg, shim.NewClient(config.ShimConfig(cfg)), nil
}

func oneName(fs *flag.FlagSet, cmd string) (string, error) {
	if fs.NArg() != 1 {
		return "", fmt.Errorf("%s: exactly one service name expected", cmd)
	}
	return fs.Arg(0), nil
}

func runLookup(args []string) error {
	fs := flag.NewFlagSet("lookup", flag.ExitOnError)
	cfgPath, socket := clientFlags(fs)
	legacy := fs.Bool("legacy", false, "use the length-prefixed look-up form")
	fs.Parse(args)
	name, err := oneName(fs, "lookup")
	if err != nil {
		return err
	}
	_, client, err := loadClient(*cfgPath, *socket)
	if err != nil {
		return err
	}
	look := client.LookUp
	if *legacy {
		look = client.LegacyLookUp
	}
	p, err := look(name)
	if err != nil {
		return err
	}
	fmt.Printf("%s: send right, handle %d\n", name, p.Handle())
	return nil
}

func runRegister(args []string) error {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	cfgPath, socket := clientFlags(fs)
	legacy := fs.Bool("legacy", false, "use the length-prefixed register form")
	hold := fs.Duration("hold", 0, "keep the receive side open this long")
	fs.Parse(args)
	name, err := oneName(fs, "register")
	if err != nil {
		return err
	}
	_, client, err := loadClient(*cfgPath, *socket)
	if err != nil {
		return err
	}

	recv, send, err := port.AllocatePair()
	if err != nil {
		return err
	}
	defer recv.Close()
	defer send.Close()

	reg := client.Register
	if *legacy {
		reg = client.LegacyRegister
	}
	if err := reg(name, send); err != nil {
		return err
	}
	fmt.Printf("registered %s, handle %d\n", name, send.Handle())
	return holdOpen(recv, *hold)
}

func runCheckIn(args []string) error {
	fs := flag.NewFlagSet("checkin", flag.ExitOnError)
	cfgPath, socket := clientFlags(fs)
	hold := fs.Duration("hold", 0, "keep the receive right open this long")
	fs.Parse(args)
	name, err := oneName(fs, "checkin")
	if err != nil {
		return err
	}
	_, client, err := loadClient(*cfgPath, *socket)
	if err != nil {
		return err
	}

	recv, err := client.CheckIn(name)
	if err != nil {
		return err
	}
	defer recv.Close()
	fmt.Printf("checked in %s: receive right, handle %d\n", name, recv.Handle())
	return holdOpen(recv, *hold)
}

func runWait(args []string) error {
	fs := flag.NewFlagSet("wait", flag.ExitOnError)
	cfgPath, socket := clientFlags(fs)
	timeout := fs.Duration("timeout", 0, "give up after this long (default from config)")
	fs.Parse(args)
	name, err := oneName(fs, "wait")
	if err != nil {
		return err
	}
	cfg, client, err := loadClient(*cfgPath, *socket)
	if err != nil {
		return err
	}
	limit := *timeout
	if limit <= 0 {
		limit = time.Duration(cfg.WaitTimeoutMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(context.Background(), limit)
	defer cancel()

	p, err := client.WaitFor(ctx, name)
	if err != nil {
		return err
	}
	fmt.Printf("%s: registered, handle %d\n", name, p.Handle())
	return nil
}

// holdOpen drains traffic on the claimed right until the duration passes,
// so an operator can watch a binding take messages.
func holdOpen(recv *port.Port, hold time.Duration) error {
	if hold <= 0 {
		return nil
	}
	deadline := time.Now().Add(hold)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		ready, err := port.PollIn(recv.FD(), remaining)
		if err != nil {
			return err
		}
		if !ready {
			continue
		}
		payload, rights, err := recv.Receive(4096)
		port.CloseAll(rights)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Printf("received %d bytes, %d rights\n", len(payload), len(rights))
	}
}
