// Package app assembles the stores, pipeline and rule engines shared by the
// server and worker binaries.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hashicorp/go-multierror"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/liamcoop/loyaltyrules/effects"
	"github.com/liamcoop/loyaltyrules/eventlog"
	"github.com/liamcoop/loyaltyrules/internal/config"
	"github.com/liamcoop/loyaltyrules/internal/logger"
	"github.com/liamcoop/loyaltyrules/internal/redisclient"
	"github.com/liamcoop/loyaltyrules/metrics"
	"github.com/liamcoop/loyaltyrules/multitenantengine"
	"github.com/liamcoop/loyaltyrules/processor"
	"github.com/liamcoop/loyaltyrules/queue"
	"github.com/liamcoop/loyaltyrules/rules"
	"github.com/liamcoop/loyaltyrules/webhook"
)

// App holds every long-lived dependency of a running process.
type App struct {
	Config *config.Config

	DB       *sql.DB
	Redis    *redisclient.Client
	Registry *prometheus.Registry

	Rules      rules.RuleStore
	Executions rules.ExecutionStore
	Frequency  rules.FrequencyCounter
	Deliveries webhook.DeliveryStore

	Log        *eventlog.RedisLog
	Retries    *queue.RedisQueue
	Webhooks   *queue.RedisQueue
	Dispatcher *webhook.Dispatcher
	Metrics    *metrics.Collector

	Engines   *multitenantengine.MultiTenantEngineManager
	Manager   *rules.Manager
	Publisher *processor.Publisher
}

// New connects to Postgres and Redis and wires the rule engine and pipeline.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if level, err := logger.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	rc, err := redisclient.New(ctx, redisclient.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	a := &App{
		Config:     cfg,
		DB:         db,
		Redis:      rc,
		Registry:   prometheus.NewRegistry(),
		Rules:      rules.NewPostgresRuleStore(db),
		Executions: rules.NewPostgresExecutionStore(db),
		Frequency:  rules.NewPostgresFrequencyCounter(db),
		Deliveries: webhook.NewPostgresDeliveryStore(db),
		Log:        eventlog.NewRedisLog(rc.Raw(), cfg.Events.Stream, cfg.Events.MaxLen),
		Retries:    queue.NewRedisQueue(rc.Raw(), cfg.Queue.Prefix+":retries"),
		Webhooks:   queue.NewRedisQueue(rc.Raw(), cfg.Queue.Prefix+":webhooks"),
	}
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := a.wire(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire() error {
	cfg := a.Config

	a.Metrics = metrics.NewCollector(a.Registry, metrics.Options{
		Log:        a.Log,
		Group:      cfg.Events.Group,
		Executions: a.Executions,
		Thresholds: cfg.Metrics.Thresholds,
	})

	client := webhook.NewClient(webhook.Policy{
		MaxAttempts:     cfg.Webhook.MaxAttempts,
		InitialInterval: cfg.Webhook.InitialInterval,
		MaxInterval:     cfg.Webhook.MaxInterval,
		Timeout:         cfg.Webhook.Timeout,
	})
	a.Dispatcher = webhook.NewDispatcher(a.Webhooks, client, a.Deliveries, a.Metrics)

	expressions, err := rules.NewExpressionEngine()
	if err != nil {
		return err
	}

	var mailer rules.Mailer
	if cfg.SMTP.Host != "" {
		templates := make(map[string]effects.EmailTemplate, len(cfg.SMTP.Templates))
		for name, t := range cfg.SMTP.Templates {
			templates[name] = effects.EmailTemplate{Subject: t.Subject, Body: t.Body}
		}
		m, err := effects.NewSMTPMailer(effects.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		}, templates)
		if err != nil {
			return fmt.Errorf("failed to create mailer: %w", err)
		}
		mailer = m
	} else {
		logger.Warn("smtp host not configured, email actions will fail")
	}

	evaluator := rules.NewEvaluator()
	executor := rules.NewExecutor(rules.ExecutorDeps{
		Ledger:      effects.NewStreamLedger(a.Redis.Raw(), cfg.Effects.Stream, cfg.Effects.MaxLen),
		Mailer:      mailer,
		Webhooks:    a.Dispatcher,
		Expressions: expressions,
	})

	a.Engines, err = multitenantengine.NewMultiTenantEngineManager(rules.EngineConfig{
		Store:      a.Rules,
		Executions: a.Executions,
		Evaluator:  evaluator,
		Executor:   executor,
		Frequency:  a.Frequency,
		Observer:   a.Metrics,
	}, rules.CacheConfig{TTL: cfg.CacheTTL})
	if err != nil {
		return err
	}

	a.Manager, err = rules.NewManager(rules.ManagerConfig{
		Store:       a.Rules,
		Executions:  a.Executions,
		Validator:   rules.NewValidator(evaluator, expressions),
		Evaluator:   evaluator,
		Executor:    executor,
		Frequency:   a.Frequency,
		Invalidator: a.Engines,
	})
	if err != nil {
		return err
	}

	a.Publisher = processor.NewPublisher(a.Log)
	return nil
}

// Checks returns the dependency checks served by the health endpoint.
func (a *App) Checks() map[string]func(context.Context) error {
	return map[string]func(context.Context) error{
		"database": a.DB.PingContext,
		"redis":    a.Redis.Ping,
	}
}

// Close releases the database and Redis connections.
func (a *App) Close() error {
	var errs *multierror.Error
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to close database: %w", err))
		}
	}
	return errs.ErrorOrNil()
}
