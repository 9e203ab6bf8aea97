package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/liamcoop/loyaltyrules/eventlog"
	"github.com/liamcoop/loyaltyrules/internal/config"
	"github.com/liamcoop/loyaltyrules/internal/logger"
	"github.com/liamcoop/loyaltyrules/metrics"
	"github.com/liamcoop/loyaltyrules/processor"
	"github.com/liamcoop/loyaltyrules/queue"
)

// Components selects what a worker process runs.
type Components struct {
	Events   bool
	Retries  bool
	Webhooks bool
	Monitor  bool
}

// Runtime is everything the worker loops need. Registry may be nil, which
// disables pool metrics and the /metrics listener.
type Runtime struct {
	Config   *config.Config
	Log      eventlog.Log
	Retries  queue.Queue
	Webhooks queue.Queue
	Handler  processor.Handler
	// DeliverWebhook handles webhook.deliver tasks.
	DeliverWebhook queue.Handler
	Metrics        *metrics.Collector
	Registry       *prometheus.Registry
}

// Run starts the selected components and blocks until ctx is cancelled or
// one of them fails. In-flight work is finished before Run returns.
func (rt *Runtime) Run(ctx context.Context, c Components) error {
	if !c.Events && !c.Retries && !c.Webhooks {
		return errors.New("no worker components selected")
	}
	cfg := rt.Config

	g, gctx := errgroup.WithContext(ctx)

	if c.Events {
		var observer processor.Observer
		if rt.Metrics != nil {
			observer = rt.Metrics
		}
		for i := 0; i < cfg.Events.Processors; i++ {
			p := processor.NewProcessor(rt.Log, rt.Retries, rt.Handler, observer, processor.Config{
				Group:         cfg.Events.Group,
				BatchSize:     cfg.Events.BatchSize,
				Block:         cfg.Events.Block,
				ClaimInterval: cfg.Events.ClaimInterval,
				ClaimMinIdle:  cfg.Events.ClaimMinIdle,
				RetryBase:     cfg.Events.RetryBase,
				RetryCap:      cfg.Events.RetryCap,
			})
			g.Go(func() error { return p.Run(gctx) })
		}
	}

	if c.Retries {
		pool := rt.newPool(rt.Retries, "event-retries", "loyalty_event_retries")
		pool.Handle(queue.KindEventRetry, processor.NewRetryHandler(rt.Log))
		g.Go(func() error { return runPool(gctx, pool, "event-retries") })
	}

	if c.Webhooks {
		if rt.DeliverWebhook == nil {
			return errors.New("webhook workers need a delivery handler")
		}
		pool := rt.newPool(rt.Webhooks, "webhooks", "loyalty_webhook_tasks")
		pool.Handle(queue.KindWebhookDelivery, rt.DeliverWebhook)
		g.Go(func() error { return runPool(gctx, pool, "webhooks") })
	}

	if c.Monitor && rt.Metrics != nil && cfg.Metrics.MonitorInterval > 0 {
		g.Go(func() error {
			rt.Metrics.RunStreamMonitor(gctx, cfg.Metrics.MonitorInterval)
			return nil
		})
	}

	if rt.Registry != nil && cfg.Metrics.Addr != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.Metrics.Addr, rt.Registry) })
	}

	return g.Wait()
}

func (rt *Runtime) newPool(q queue.Queue, name, metricPrefix string) *queue.Pool {
	cfg := rt.Config.Queue
	poolCfg := queue.PoolConfig{
		Name:         name,
		Workers:      cfg.Workers,
		PollInterval: cfg.PollInterval,
		Lease:        cfg.Lease,
		Retry: queue.RetryPolicy{
			MaxRetries: cfg.MaxRetries,
			Base:       cfg.RetryBase,
			Cap:        cfg.RetryCap,
		},
	}
	if rt.Registry == nil {
		return queue.NewPool(q, poolCfg)
	}
	return queue.NewPool(q, poolCfg, queue.WithMetrics(rt.Registry, metricPrefix))
}

// runPool runs pool and logs its totals once it stops.
func runPool(ctx context.Context, pool *queue.Pool, name string) error {
	err := pool.Run(ctx)
	stats := pool.Stats()
	logger.Info("task pool totals",
		"pool", name,
		"processed", stats.Processed,
		"failed", stats.Failed,
		"retried", stats.Retried,
		"dropped", stats.Dropped,
		"recovered", stats.Recovered)
	return err
}

// serveMetrics exposes gatherer on addr until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listener started", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics listener failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
