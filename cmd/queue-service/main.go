package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"qms/agency-queue/internal/app"
	"qms/agency-queue/internal/config"
	"qms/agency-queue/internal/httpapi"
	"qms/agency-queue/internal/logging"
	"qms/agency-queue/internal/queue"
	"qms/agency-queue/internal/telemetry"
	"qms/agency-queue/internal/worker"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	cfg := config.Load()
	logger := logging.MustNew(cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing := telemetry.Setup(ctx, "agency-queue", version, logger)

	deps, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open backends", zap.Error(err))
	}
	defer deps.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var gatherer prometheus.Gatherer
	if cfg.MetricsEnabled {
		gatherer = registry
	}

	service, err := app.NewService(cfg, deps, logger, registry)
	if err != nil {
		logger.Fatal("build queue service", zap.Error(err))
	}

	issuer := httpapi.NewTokenIssuer(cfg.JWTSecret, cfg.TokenTTL, queue.RealClock().Now)
	handler := httpapi.NewHandler(service, httpapi.Options{
		Issuer:   issuer,
		Logger:   logger.Named("http"),
		Gatherer: gatherer,
	})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:     cfg.RateLimitPerMinute,
		IPBurst:         cfg.RateLimitBurst,
		AgencyPerMinute: cfg.AgencyRateLimitPerMinute,
		AgencyBurst:     cfg.AgencyRateLimitBurst,
	})

	server := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: otelhttp.NewHandler(handler.Stack(httpapi.StackOptions{
			Logger:      logger.Named("http"),
			Metrics:     httpapi.NewHTTPMetrics(registry),
			RateLimiter: limiter,
		}), "agency-queue"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	scheduler, err := worker.NewScheduler(worker.ScheduleConfig{
		CleanupSpec: cfg.CleanupSchedule,
		NotifySpec:  cfg.NotifySchedule,
	}, app.NewCleaner(cfg, deps, 0, logger), app.NewNotifier(cfg, deps, false, logger), logger.Named("scheduler"))
	if err != nil {
		logger.Fatal("invalid job schedule", zap.Error(err))
	}
	scheduler.Start()

	go func() {
		logger.Info("agency-queue listening",
			zap.String("addr", server.Addr),
			zap.String("store", cfg.StoreDriver),
			zap.String("numbering", cfg.TicketNumbering),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	scheduler.Stop(shutdownCtx)
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown", zap.Error(err))
	}
}
