package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/wudi/fabric/internal/config"
	"github.com/wudi/fabric/internal/fabric"
	"github.com/wudi/fabric/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/fabric.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Messaging Fabric %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	var logger *zap.Logger
	if cfg.Logging.Rotation.Enabled {
		logger = logging.NewRotating(cfg.Logging.Level, logging.RotationOptions{
			Filename:   cfg.Logging.Rotation.Filename,
			MaxSizeMB:  cfg.Logging.Rotation.MaxSizeMB,
			MaxBackups: cfg.Logging.Rotation.MaxBackups,
			MaxAgeDays: cfg.Logging.Rotation.MaxAgeDays,
			Compress:   cfg.Logging.Rotation.Compress,
		})
	} else {
		logger, err = logging.New(cfg.Logging.Level)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
			os.Exit(1)
		}
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting messaging fabric",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.Int("manifests", len(cfg.Bootstrap.ManifestPaths)),
		zap.String("dedupe_backend", cfg.Dedupe.Backend),
	)

	server, err := fabric.NewServer(cfg)
	if err != nil {
		logging.Error("Failed to assemble fabric", zap.Error(err))
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		logging.Error("Fabric error", zap.Error(err))
		os.Exit(1)
	}
}
