package main

import (
	"flag"
	"log"

	"github.com/danmuck/portbroker/internal/broker"
	"github.com/danmuck/portbroker/internal/config"
)

func main() {
	kind := flag.String("kind", "broker", "config kind: broker|client|manifest")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath(*kind)
		}

		switch *kind {
		case "broker":
			if _, err := config.LoadBrokerConfig(path); err != nil {
				log.Fatal(err)
			}
		case "client":
			if _, err := config.LoadClientConfig(path); err != nil {
				log.Fatal(err)
			}
		case "manifest":
			if _, err := broker.LoadManifest(path); err != nil {
				log.Fatal(err)
			}
		default:
			log.Fatalf("unknown kind: %s", *kind)
		}
		log.Printf("Validated %s config at %s", *kind, path)
		return
	}

	target := *output
	if target == "" {
		target = defaultPath(*kind)
	}

	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}

func defaultPath(kind string) string {
	switch kind {
	case "broker":
		return "cmd/brokerctl/config.toml"
	case "client":
		return "cmd/portctl/config.toml"
	case "manifest":
		return "cmd/brokerctl/pb.hcl"
	default:
		log.Fatalf("unknown kind: %s", kind)
		return ""
	}
}
