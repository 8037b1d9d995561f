package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"imconnect/node/internal/config"
	"imconnect/node/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "connect node:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", os.Getenv("IMCONNECT_CONFIG"), "path to a YAML config file")
	envFile := flag.String("env-file", ".env", "optional dotenv file loaded before the config")
	flag.Parse()

	//1.- Environment first, so IMCONNECT_ overrides from .env reach the config loader.
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", *envFile, err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	node, err := NewNode(cfg, logger)
	if err != nil {
		logger.Error("build node", logging.Error(err))
		return err
	}

	//2.- Hot reload is only available with a config file to watch.
	if *configPath != "" {
		if err := config.Watch(*configPath, node.Holder(), node.ApplyConfig, node.ConfigRejected); err != nil {
			logger.Warn("config hot reload disabled", logging.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := node.Run(ctx); err != nil {
		logger.Error("node stopped with error", logging.Error(err))
		return err
	}
	logger.Info("connect node stopped")
	return nil
}
