// Package main is the entry point for the parleyd daemon.
// parleyd serves the messaging API and fans store events out to the
// configured notification backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tOgg1/parley/internal/config"
	"github.com/tOgg1/parley/internal/logging"
	"github.com/tOgg1/parley/internal/parleyd"
)

// Version information (set by goreleaser)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	configFile := flag.String("config", "", "config file (default is $HOME/.config/parley/config.yaml)")
	addr := flag.String("addr", "", "address to listen on (overrides server.addr)")
	logLevel := flag.String("log-level", "", "override logging level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "override logging format (json, console)")
	printConfig := flag.Bool("print-config", false, "print the resolved config with secrets redacted and exit")
	flag.Parse()

	// A missing .env is normal.
	_ = godotenv.Load()

	cfg, loader, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if *printConfig {
		out, err := yaml.Marshal(loader.Settings())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error printing config: %v\n", err)
			os.Exit(1)
		}
		fmt.Print(string(out))
		return
	}

	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}

	logging.Init(logging.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		EnableCaller: cfg.Logging.EnableCaller,
	})
	logger := logging.Component("parleyd")

	if err := cfg.EnsureDirectories(); err != nil {
		logger.Warn().Err(err).Msg("failed to create directories")
	}

	if cfgUsed := loader.ConfigFileUsed(); cfgUsed != "" {
		logger.Debug().Str("config_file", cfgUsed).Msg("loaded config file")
	}
	logger.Debug().Interface("settings", loader.Settings()).Msg("resolved config")

	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", date).
		Msg("parleyd starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	daemon, err := parleyd.New(cfg, logger, parleyd.Options{Addr: *addr})
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize parleyd")
		os.Exit(1)
	}

	runErr := daemon.Run(ctx)
	if err := daemon.Close(); err != nil {
		logger.Warn().Err(err).Msg("shutdown incomplete")
	}
	if runErr != nil {
		logger.Error().Err(runErr).Msg("parleyd exited with error")
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, *config.Loader, error) {
	loader := config.NewLoader()
	if path != "" {
		loader.SetConfigFile(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, loader, nil
}
