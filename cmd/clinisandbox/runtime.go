package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/manthysbr/clinisandbox/internal/adapters/providers"
	"github.com/manthysbr/clinisandbox/internal/adapters/sqlstore"
	"github.com/manthysbr/clinisandbox/internal/adapters/webhook"
	"github.com/manthysbr/clinisandbox/internal/config"
	"github.com/manthysbr/clinisandbox/internal/core/services"
	"github.com/manthysbr/clinisandbox/internal/observability"
)

// appRuntime holds the collaborators shared by the serve and worker roles.
type appRuntime struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *sqlstore.Store
	queue   providers.Queue
	metrics *observability.Provider
}

func (c *commandContext) buildRuntime(ctx context.Context, role string) (*appRuntime, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger := c.logger.With("role", role)

	metrics, err := observability.New(ctx, observability.Config{
		ServiceName:    "clinisandbox-" + role,
		ServiceVersion: version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
	}, logger)
	if err != nil {
		return nil, err
	}

	store, err := c.openStore(ctx)
	if err != nil {
		_ = metrics.Shutdown(ctx)
		return nil, err
	}

	queue, err := providers.BuildQueue(ctx, cfg)
	if err != nil {
		_ = store.Close()
		_ = metrics.Shutdown(ctx)
		return nil, fmt.Errorf("init dispatch queue: %w", err)
	}
	logger.Info("dispatch queue ready", "backend", cfg.Queue.Backend, "name", cfg.Queue.Name)

	return &appRuntime{cfg: cfg, logger: logger, store: store, queue: queue, metrics: metrics}, nil
}

func (r *appRuntime) newAdmission() *services.AdmissionService {
	return services.NewAdmissionService(r.logger, r.store, r.store, r.store, r.queue, r.metrics)
}

// newWorkerPool builds n workers sharing one execution backend and notifier.
func (r *appRuntime) newWorkerPool(n int) (*services.WorkerPool, error) {
	backend, err := providers.BuildBackend(r.logger, r.cfg)
	if err != nil {
		return nil, fmt.Errorf("init execution backend: %w", err)
	}
	wh := r.cfg.Webhook
	notifier := webhook.New(r.logger, webhook.Config{
		Secret:      wh.Secret,
		Timeout:     time.Duration(wh.TimeoutSeconds) * time.Second,
		MaxAttempts: wh.MaxAttempts,
		MinWait:     time.Duration(wh.MinWaitMillis) * time.Millisecond,
		MaxWait:     time.Duration(wh.MaxWaitMillis) * time.Millisecond,
	}, r.metrics)

	workerCfg := services.WorkerConfig{PollTimeout: r.cfg.PollTimeout()}
	return services.NewWorkerPool(r.logger, services.PoolConfig{Concurrency: n}, func(i int) services.Runner {
		return services.NewWorker(r.logger.With("worker", i), r.store, r.queue, backend, notifier, r.metrics, workerCfg)
	}), nil
}

func (r *appRuntime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.queue.Close(); err != nil {
		r.logger.Warn("close queue", "error", err)
	}
	if err := r.store.Close(); err != nil {
		r.logger.Warn("close store", "error", err)
	}
	if err := r.metrics.Shutdown(ctx); err != nil {
		r.logger.Warn("shutdown metrics", "error", err)
	}
}
