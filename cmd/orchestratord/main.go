// Command orchestratord runs the frame orchestrator's engine and admin
// HTTP surface, adapted from the teacher's root main.go CLI/shutdown idiom.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/frameworks-oss/frameorchestrator/adapters/httpapi"
	"github.com/frameworks-oss/frameorchestrator/engine"
	"github.com/frameworks-oss/frameorchestrator/internal/config"
	"github.com/frameworks-oss/frameorchestrator/internal/metrics"
)

func main() {
	var (
		configPath  string
		httpAddr    string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "Path to a YAML config file (optional, hot-reloaded if set)")
	flag.StringVar(&httpAddr, "http-addr", ":8080", "Address for the admin HTTP surface")
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("orchestratord (frame orchestrator core)")
		return
	}

	logger := slog.Default()

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	provider := metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})

	eng, err := engine.New(cfg, logger, provider)
	if err != nil {
		logger.Error("construct engine", "error", err)
		os.Exit(1)
	}

	loader := config.NewLoader(configPath, cfg, logger)
	if err := loader.Watch(); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}
	defer func() { _ = loader.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("signal received, initiating graceful shutdown")
		cancel()
		<-sigCh
		logger.Warn("second signal received, forcing exit")
		os.Exit(1)
	}()

	if err := eng.Start(ctx); err != nil {
		logger.Error("start engine", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{Addr: httpAddr, Handler: httpapi.Mux(eng, provider)}
	go func() {
		logger.Info("admin http surface listening", "addr", httpAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin http surface failed", "error", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	eng.Stop()
	logger.Info("orchestratord stopped")
}
