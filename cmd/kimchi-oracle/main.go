package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/june-upside/Oracle/pkg/config"
	"github.com/june-upside/Oracle/pkg/logging"
	"github.com/june-upside/Oracle/pkg/metrics"
	"github.com/june-upside/Oracle/pkg/server/app"
	"github.com/june-upside/Oracle/pkg/version"
)

var (
	configFile = flag.String("config", "config/config.yaml", "Path to configuration file")
	envFile    = flag.String("env", ".env", "Optional .env file loaded before the config")
	showVer    = flag.Bool("version", false, "Show version and exit")
	logLevel   = flag.String("log-level", "", "Override the configured log level")
)

func main() {
	flag.Parse()

	if *showVer {
		fmt.Printf("kimchi-oracle version %s\n", version.Version)
		os.Exit(0)
	}

	// A missing .env is fine; anything else is worth reporting.
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Failed to load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	logger.Info("Starting kimchi-oracle",
		"version", version.Version,
		"instruments", cfg.Oracle.Instruments,
		"reference_venue", cfg.Oracle.ReferenceVenue,
		"interval", cfg.Oracle.Interval.ToDuration().String())

	if cfg.Metrics.Enabled {
		metrics.Init()
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to build runtime", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		logger.Error("Oracle stopped with error", "error", err)
		stop()
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}
