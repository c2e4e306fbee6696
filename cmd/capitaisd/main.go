// Package main provides the capitaisd daemon: request fan-out plus the token
// lifecycle watchdog.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/uxsolut/gestao-de-capitais-back-sub000/internal/config"
	"github.com/uxsolut/gestao-de-capitais-back-sub000/internal/dispatch"
	"github.com/uxsolut/gestao-de-capitais-back-sub000/internal/rpc"
	"github.com/uxsolut/gestao-de-capitais-back-sub000/internal/storage"
	"github.com/uxsolut/gestao-de-capitais-back-sub000/internal/tokenstore"
	"github.com/uxsolut/gestao-de-capitais-back-sub000/internal/watchdog"
	"github.com/uxsolut/gestao-de-capitais-back-sub000/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir      = flag.String("data-dir", "~/.capitais", "Data directory")
		apiAddr      = flag.String("api", "", "HTTP API address, overrides config")
		redisAddr    = flag.String("redis", "", "Redis address, overrides config")
		logLevel     = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		systemUserID = flag.Int64("system-user", 1, "User id stamped on API-triggered audit rows")
		noWatchdog   = flag.Bool("no-watchdog", false, "Disable the token watchdog loop")
		showVersion  = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: "info", TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("capitaisd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*dataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over the config file.
	if *apiAddr != "" {
		cfg.Server.ListenAddr = *apiAddr
	}
	if *redisAddr != "" {
		cfg.Redis.Addr = *redisAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *noWatchdog {
		cfg.Tokens.WatchdogEnabled = false
	}
	cfg.Database.DataDir = *dataDir

	log = logging.New(&logging.Config{Level: cfg.Logging.Level, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)
	log.Info("Config loaded", "path", config.ConfigPath(*dataDir))

	store, err := storage.New(&storage.Config{DataDir: cfg.Database.DataDir})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "dir", cfg.Database.DataDir)

	tokens, err := tokenstore.New(&tokenstore.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		log.Fatal("Failed to connect to token store", "error", err)
	}
	defer tokens.Close()
	log.Info("Token store connected", "addr", cfg.Redis.Addr)

	minter := tokenstore.NewMinter(cfg.Tokens.Namespace)

	dispatcher := dispatch.New(store, tokens, minter, dispatch.Config{
		TokenTTL: cfg.Tokens.TTL(),
	})

	var dog *watchdog.Watchdog
	if cfg.Tokens.WatchdogEnabled {
		dog = watchdog.New(store, tokens, minter, watchdog.Config{
			TokenTTL:          cfg.Tokens.TTL(),
			RotateThreshold:   cfg.Tokens.RotateThreshold(),
			Grace:             cfg.Tokens.Grace(),
			Interval:          cfg.Tokens.WatchdogInterval(),
			ConsumedScanLimit: cfg.Tokens.ConsumedScanLimit,
			ActiveScanLimit:   cfg.Tokens.ActiveScanLimit,
		})
		dog.Start()
	} else {
		log.Warn("Token watchdog disabled")
	}

	server := rpc.NewServer(dispatcher, store, tokens, *systemUserID)
	if err := server.Start(cfg.Server.ListenAddr); err != nil {
		log.Fatal("Failed to start API server", "error", err)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("Shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Warn("API shutdown failed", "error", err)
	}
	if dog != nil {
		dog.Stop()
	}
}
