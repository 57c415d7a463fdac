package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fitpipe/internal/bootstrap"
	"fitpipe/internal/infra"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "worker")

	if cfg.QueueBackend == "memory" {
		logger.Fatal().Msg("worker: QUEUE_BACKEND=memory is process local; the api runs the pool itself")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backends, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to open backends")
	}
	defer backends.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := infra.NewMetrics(reg)

	dispatcher, err := bootstrap.NewDispatcher(ctx, cfg, backends, logger, metrics)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure dispatcher")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := infra.NewHTTPServer(cfg, mux)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error().Err(err).Msg("worker: metrics server failed")
		}
	}()

	if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: stopped with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info().Msg("worker: shutdown complete")
}
