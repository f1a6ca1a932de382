package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/portbroker/internal/broker"
	"github.com/danmuck/portbroker/internal/config"
	"github.com/danmuck/portbroker/internal/observability"
)

func main() {
	configPath := flag.String("config", "cmd/brokerctl/config.toml", "broker config path")
	flag.Parse()

	observability.InitLogger("broker")

	cfg, err := config.LoadBrokerConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load broker config")
	}
	log.Info().Str("path", *configPath).Str("socket", cfg.SocketPath).Msg("loaded broker config")

	var manifest broker.Manifest
	if cfg.ManifestPath != "" {
		manifest, err = broker.LoadManifest(cfg.ManifestPath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load manifest")
		}
		log.Info().
			Str("path", cfg.ManifestPath).
			Int("services", len(manifest.Services)).
			Int("stages", len(manifest.Stages)).
			Msg("loaded manifest")
	}

	svc, err := broker.NewServiceWithConfig(config.BrokerService(cfg, manifest))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build broker service")
	}
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "brokerctl: %v\n", err)
		os.Exit(1)
	}
}
