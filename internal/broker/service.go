package broker

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/portbroker/internal/port"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidHeartbeatInterval = errors.New("broker: invalid heartbeat interval")
	ErrStartupAborted           = errors.New("broker: loop exited during startup")
)

// ServiceConfig configures the standalone broker runtime.
type ServiceConfig struct {
	Broker            Config
	Manifest          Manifest
	HeartbeatInterval time.Duration
	AdminListenAddr   string
	AdminToken        string
	CORSOrigins       []string
	PIDFile           string
	SpawnReadyTimeout time.Duration
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Broker:            DefaultConfig(),
		HeartbeatInterval: 5 * time.Second,
		SpawnReadyTimeout: 10 * time.Second,
	}
}

// Service runs the broker lifecycle as a standalone process: registry loop,
// optional admin surface, manifest launch sequence, heartbeat logging, PID
// file, signal-driven shutdown.
type Service struct {
	cfg    ServiceConfig
	server *Server
}

func NewService() (*Service, error) {
	return NewServiceWithConfig(DefaultServiceConfig())
}

func NewServiceWithConfig(cfg ServiceConfig) (*Service, error) {
	if cfg.HeartbeatInterval <= 0 {
		return nil, ErrInvalidHeartbeatInterval
	}
	cfg.Broker.PreProvision = append(cfg.Broker.PreProvision, cfg.Manifest.PreProvisionNames()...)
	srv, err := NewServer(cfg.Broker)
	if err != nil {
		return nil, err
	}
	return &Service{cfg: cfg, server: srv}, nil
}

func (s *Service) Server() *Server {
	return s.server
}

// Run blocks until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.run(ctx)
}

func (s *Service) run(ctx context.Context) error {
	if err := s.writePIDFile(); err != nil {
		return err
	}
	defer s.removePIDFile()

	brokerErr := make(chan error, 1)
	go func() { brokerErr <- s.server.Run(ctx) }()
	if err := s.awaitReady(ctx, brokerErr); err != nil {
		return err
	}

	// The slot now points at this broker for everything launched below it.
	if err := os.Setenv(port.SlotEnv, s.server.SocketPath()); err != nil {
		return err
	}

	adminErr := make(chan error, 1)
	if strings.TrimSpace(s.cfg.AdminListenAddr) != "" {
		admin := NewAdmin(s.server, AdminConfig{
			Addr:        s.cfg.AdminListenAddr,
			Token:       s.cfg.AdminToken,
			CORSOrigins: s.cfg.CORSOrigins,
			Stages:      s.cfg.Manifest.Stages,
		})
		go func() { adminErr <- admin.Serve() }()
		log.Info().Str("addr", s.cfg.AdminListenAddr).Msg("admin surface listening")
	}

	spawnErr := make(chan error, 1)
	if len(s.cfg.Manifest.Stages) > 0 {
		sp := NewSpawner(SpawnerConfig{
			SocketPath:   s.server.SocketPath(),
			Stages:       s.cfg.Manifest.Stages,
			ReadyTimeout: s.cfg.SpawnReadyTimeout,
		})
		go func() { spawnErr <- sp.Run(ctx) }()
	}

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("broker shutdown")
			return <-brokerErr
		case err := <-brokerErr:
			return err
		case err := <-adminErr:
			if err != nil {
				return err
			}
		case err := <-spawnErr:
			if err != nil {
				return err
			}
			log.Info().Msg("launch sequence complete")
			spawnErr = nil
		case <-ticker.C:
			infos, err := s.server.Services(ctx)
			if err != nil {
				continue
			}
			log.Info().
				Int("services", len(infos)).
				Bool("ready", s.server.Ready()).
				Msg("heartbeat")
		}
	}
}

func (s *Service) awaitReady(ctx context.Context, brokerErr <-chan error) error {
	for !s.server.Ready() {
		select {
		case <-ctx.Done():
			return <-brokerErr
		case err := <-brokerErr:
			if err != nil {
				return err
			}
			return ErrStartupAborted
		case <-time.After(5 * time.Millisecond):
		}
	}
	return nil
}

func (s *Service) writePIDFile() error {
	if s.cfg.PIDFile == "" {
		return nil
	}
	return os.WriteFile(s.cfg.PIDFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

func (s *Service) removePIDFile() {
	if s.cfg.PIDFile == "" {
		return
	}
	if err := os.Remove(s.cfg.PIDFile); err != nil {
		log.Warn().Err(err).Str("path", s.cfg.PIDFile).Msg("pid file removal failed")
	}
}
