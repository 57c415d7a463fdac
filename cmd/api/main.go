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

	"fitpipe/internal/bootstrap"
	httpapi "fitpipe/internal/http"
	"fitpipe/internal/http/handlers"
	"fitpipe/internal/infra"
	"fitpipe/internal/intake"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backends, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: failed to open backends")
	}
	defer backends.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := infra.NewMetrics(reg)

	svc := intake.NewService(backends.Jobs, backends.Queue, logger, metrics)
	app := handlers.NewApp(svc, logger, backends.Ping)

	var tempFiles http.Handler
	if cfg.StorageBackend == "filesystem" {
		fs, err := bootstrap.OpenFileStore(cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("api: failed to configure storage")
		}
		tempFiles = http.FileServer(http.Dir(fs.BasePath()))
	}

	router := httpapi.NewRouter(app, httpapi.RouterOptions{
		Logger:          logger,
		Gatherer:        reg,
		CORSOrigins:     cfg.CORSOrigins,
		RateLimitPerMin: cfg.RateLimitPerMin,
		TempFiles:       tempFiles,
	})
	server := infra.NewHTTPServer(cfg, router)

	// The in-memory queue only exists inside this process, so the pool runs here.
	workerDone := make(chan error, 1)
	if cfg.QueueBackend == "memory" {
		dispatcher, err := bootstrap.NewDispatcher(ctx, cfg, backends, logger, metrics)
		if err != nil {
			logger.Fatal().Err(err).Msg("api: failed to configure embedded worker")
		}
		logger.Warn().Msg("api: memory queue selected, running embedded worker pool")
		go func() { workerDone <- dispatcher.Run(ctx) }()
	} else {
		close(workerDone)
	}

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	if err := <-workerDone; err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("embedded worker stopped with error")
	}
	logger.Info().Msg("server stopped")
}
