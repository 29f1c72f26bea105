package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/lk2023060901/filevault-backend/internal/conf"
	"github.com/lk2023060901/filevault-backend/internal/pkg/injector"
	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
)

var (
	configFile = flag.String("config", "", "config file path (optional, env vars override)")
)

func main() {
	flag.Parse()

	// Load configuration
	config, err := conf.LoadConfig(*configFile)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log, err := logger.New(&config.Log)
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer func() { _ = log.Sync() }()
	logger.SetGlobal(log)

	log.Info("config loaded successfully",
		zap.String("database", config.Database.Driver),
		zap.String("storage", config.Storage.Backend),
		zap.Int("quota_mb", config.Quota.LimitMB),
		zap.Int("ratelimit_calls", config.RateLimit.MaxCalls),
		zap.Int("ratelimit_window_seconds", config.RateLimit.WindowSeconds),
	)

	app, cleanup, err := injector.InitializeApp(config, log)
	if err != nil {
		log.Fatal("failed to initialize app", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = app.Run(ctx)
	stop()
	cleanup()

	if err != nil {
		log.Error("server exited with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}
