package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/programme-lv/grader/app"
	"github.com/programme-lv/grader/conf"
	"github.com/programme-lv/grader/http"
	"github.com/programme-lv/grader/logger"
)

func main() {
	cfg, err := conf.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithLogger(ctx, log)

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Error("failed to start grader", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	httpServer := http.NewHttpServer(a, http.Options{
		CorsOrigins: cfg.CorsOrigins,
		LogLevel:    logger.ParseLevel(cfg.LogLevel),
		JSONLogs:    cfg.LogFormat == "json",
	})

	err = httpServer.Start(ctx, cfg.HttpAddr)
	if err != nil {
		log.Error("server stopped with error", "error", err)
		return
	}
	log.Info("server stopped")
}
