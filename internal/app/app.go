// Package app wires configuration into the store, the queue service and
// the background jobs shared by the server and the CLI.
package app

import (
	"context"
	"fmt"

	"qms/agency-queue/internal/config"
	"qms/agency-queue/internal/queue"
	"qms/agency-queue/internal/store"
	"qms/agency-queue/internal/store/memory"
	"qms/agency-queue/internal/store/postgres"
	"qms/agency-queue/internal/worker"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deps holds the opened backends. Close releases them.
type Deps struct {
	Store store.Store
	Pool  *pgxpool.Pool
	Redis *redis.Client
}

func (d *Deps) Close() {
	if d.Redis != nil {
		_ = d.Redis.Close()
	}
	if d.Pool != nil {
		d.Pool.Close()
	}
}

func Open(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Deps, error) {
	deps := &Deps{}
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("db ping: %w", err)
		}
		deps.Pool = pool
		deps.Store = postgres.NewStore(pool)
	default:
		logger.Warn("using in-memory store, data is lost on restart")
		deps.Store = memory.NewStore()
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			deps.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		deps.Redis = client
	}
	return deps, nil
}

func NewService(cfg config.Config, deps *Deps, logger *zap.Logger, reg prometheus.Registerer) (*queue.Service, error) {
	var client redis.Cmdable
	if deps.Redis != nil {
		client = deps.Redis
	}
	sequencer, err := queue.NewSequencer(cfg.TicketNumbering, client)
	if err != nil {
		return nil, err
	}
	return queue.NewService(deps.Store, queue.Options{
		Sequencer:             sequencer,
		AverageServiceMinutes: cfg.AverageServiceMinutes,
		Location:              cfg.Location(),
		Logger:                logger.Named("queue"),
		Metrics:               queue.NewMetrics(reg),
	}), nil
}

func NewCleaner(cfg config.Config, deps *Deps, days int, logger *zap.Logger) *worker.Cleaner {
	if days <= 0 {
		days = cfg.RetentionDays
	}
	return worker.NewCleaner(deps.Store, queue.RealClock(), days, logger.Named("cleanup"))
}

func NewNotifier(cfg config.Config, deps *Deps, dryRun bool, logger *zap.Logger) *worker.Notifier {
	provider := worker.NewProvider(worker.ProviderConfig{
		Kind:           cfg.NotifyProvider,
		WebhookURL:     cfg.NotifyWebhookURL,
		WebhookToken:   cfg.NotifyWebhookToken,
		WebhookTimeout: cfg.NotifyWebhookTimeout,
	}, logger.Named("notify"))
	return worker.NewNotifier(deps.Store, queue.RealClock(), provider, worker.NotifierConfig{
		WaitingAfter: cfg.NotifyWaitingAfter,
		ServingAfter: cfg.NotifyServingAfter,
		Location:     cfg.Location(),
		DryRun:       dryRun,
	}, logger.Named("notify"))
}
