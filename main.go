package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"liquidation-bot/config"
	"liquidation-bot/liquidator"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	// Env vars from a .env file override the JSON config for secrets.
	if err := godotenv.Overload(); err != nil {
		fmt.Fprintf(os.Stderr, "no .env file loaded: %v\n", err)
	}

	logger, err := newLogger(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("load config", zap.String("path", *configPath), zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	liq, err := liquidator.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("build liquidator", zap.Error(err))
	}

	liq.Start(ctx)
	logger.Info("liquidation agent running",
		zap.String("config", *configPath),
		zap.String("api", cfg.APIListenAddr))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info("shutdown signal received, stopping")
	liq.Stop()
	logger.Info("stopped")
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true
	return cfg.Build()
}
