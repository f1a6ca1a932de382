package broker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/danmuck/portbroker/internal/observability"
	"github.com/danmuck/portbroker/internal/port"
	"github.com/danmuck/portbroker/internal/shim"
	"github.com/rs/zerolog/log"
)

var (
	ErrStageLaunch   = errors.New("broker: stage launch failed")
	ErrStageNotReady = errors.New("broker: stage readiness wait failed")
)

// Launcher starts one stage program and reports its pid.
type Launcher interface {
	Start(stage StageBlock, env []string) (int, error)
}

// ExecLauncher launches stage programs on the local host.
type ExecLauncher struct{}

func (ExecLauncher) Start(stage StageBlock, env []string) (int, error) {
	cmd := exec.Command(stage.Program, stage.Args...)
	cmd.Env = env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	go reap(stage.Name, cmd)
	return pid, nil
}

// reap collects the child's exit status so finished stages never linger as
// zombies.
func reap(stage string, cmd *exec.Cmd) {
	err := cmd.Wait()
	if err == nil {
		log.Info().Str("stage", stage).Msg("stage exited")
		return
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		log.Warn().Str("stage", stage).Int("code", exitErr.ExitCode()).Msg("stage exited")
		return
	}
	log.Warn().Err(err).Str("stage", stage).Msg("stage wait failed")
}

// SpawnerConfig tunes the launch sequence.
type SpawnerConfig struct {
	SocketPath   string
	Stages       []StageBlock
	ReadyTimeout time.Duration
	Launcher     Launcher
	Client       *shim.Client
}

// Spawner launches the manifest's stage programs in order, presetting the
// bootstrap slot in each child's environment. A stage with a wait_for name
// gates the next stage on that name's registration.
type Spawner struct {
	cfg SpawnerConfig
}

func NewSpawner(cfg SpawnerConfig) *Spawner {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 10 * time.Second
	}
	if cfg.Launcher == nil {
		cfg.Launcher = ExecLauncher{}
	}
	if cfg.Client == nil {
		cfg.Client = shim.NewClient(shim.DefaultConfig())
	}
	return &Spawner{cfg: cfg}
}

// Run walks the stages in order. Optional stages log and skip on failure;
// any other failure aborts the sequence.
func (s *Spawner) Run(ctx context.Context) error {
	for _, stage := range s.cfg.Stages {
		if err := s.runStage(ctx, stage); err != nil {
			if stage.Optional {
				log.Warn().Err(err).Str("stage", stage.Name).Msg("optional stage skipped")
				observability.RecordSpawn(stage.Name, "skipped")
				continue
			}
			return err
		}
	}
	return nil
}

func (s *Spawner) runStage(ctx context.Context, stage StageBlock) error {
	env := append(os.Environ(), port.SlotAssignment(s.cfg.SocketPath))
	pid, err := s.cfg.Launcher.Start(stage, env)
	if err != nil {
		observability.RecordSpawn(stage.Name, "failed")
		return fmt.Errorf("%w: %s: %v", ErrStageLaunch, stage.Name, err)
	}
	log.Info().Str("stage", stage.Name).Int("pid", pid).Str("program", stage.Program).Msg("stage launched")
	observability.RecordSpawn(stage.Name, "launched")

	if stage.WaitFor == "" {
		return nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.ReadyTimeout)
	defer cancel()
	if _, err := s.cfg.Client.WaitFor(waitCtx, stage.WaitFor); err != nil {
		observability.RecordSpawn(stage.Name, "not-ready")
		return fmt.Errorf("%w: %s waiting for %s: %v", ErrStageNotReady, stage.Name, stage.WaitFor, err)
	}
	observability.RecordSpawn(stage.Name, "ready")
	log.Info().Str("stage", stage.Name).Str("service", stage.WaitFor).Msg("stage ready")
	return nil
}
