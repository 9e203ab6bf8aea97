package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/liamcoop/loyaltyrules/internal/app"
	"github.com/liamcoop/loyaltyrules/internal/config"
	"github.com/liamcoop/loyaltyrules/internal/logger"
	"github.com/liamcoop/loyaltyrules/processor"
)

// RootOptions holds flags shared by every subcommand.
type RootOptions struct {
	ConfigFile  string
	MetricsAddr string
	NoMetrics   bool
}

// NewRootCommand creates the worker CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Loyalty rule engine background workers",
		Long: `Runs the background side of the loyalty rule engine.

Event processors consume the event stream and run each event through the
tenant's rules. The retry scheduler re-publishes failed events once their
backoff expires. Webhook workers deliver webhook actions.

Example:
  worker all
  worker events --processors 4
  worker webhooks --concurrency 16`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "path to a YAML config file (overrides CONFIG_FILE)")
	cmd.PersistentFlags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "address for the /metrics listener (overrides METRICS_ADDR)")
	cmd.PersistentFlags().BoolVar(&opts.NoMetrics, "no-metrics", false, "disable the /metrics listener")

	cmd.AddCommand(newEventsCommand(opts))
	cmd.AddCommand(newRetriesCommand(opts))
	cmd.AddCommand(newWebhooksCommand(opts))
	cmd.AddCommand(newAllCommand(opts))

	return cmd
}

func newEventsCommand(opts *RootOptions) *cobra.Command {
	var processors int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Consume the event stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, func(cfg *config.Config) Components {
				if processors > 0 {
					cfg.Events.Processors = processors
				}
				return Components{Events: true}
			})
		},
	}
	cmd.Flags().IntVar(&processors, "processors", 0, "number of concurrent processors (default from config)")
	return cmd
}

func newRetriesCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retries",
		Short: "Re-publish failed events when their backoff expires",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, func(*config.Config) Components {
				return Components{Retries: true}
			})
		},
	}
}

func newWebhooksCommand(opts *RootOptions) *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "webhooks",
		Short: "Deliver queued webhooks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, func(cfg *config.Config) Components {
				if concurrency > 0 {
					cfg.Queue.Workers = concurrency
				}
				return Components{Webhooks: true}
			})
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "number of delivery workers (default from config)")
	return cmd
}

func newAllCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Run processors, the retry scheduler and webhook workers in one process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, func(*config.Config) Components {
				return Components{Events: true, Retries: true, Webhooks: true, Monitor: true}
			})
		},
	}
}

// run loads configuration, connects and blocks until SIGINT or SIGTERM.
func run(parent context.Context, opts *RootOptions, pick func(*config.Config) Components) error {
	if opts.ConfigFile != "" {
		if err := os.Setenv("CONFIG_FILE", opts.ConfigFile); err != nil {
			return fmt.Errorf("failed to set config file: %w", err)
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if opts.MetricsAddr != "" {
		cfg.Metrics.Addr = opts.MetricsAddr
	}
	if opts.NoMetrics {
		cfg.Metrics.Addr = ""
	}
	components := pick(cfg)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("failed to close connections", "error", err)
		}
	}()

	rt := &Runtime{
		Config:         cfg,
		Log:            a.Log,
		Retries:        a.Retries,
		Webhooks:       a.Webhooks,
		Handler:        processor.NewEngineHandler(a.Engines),
		DeliverWebhook: a.Dispatcher.Handle,
		Metrics:        a.Metrics,
		Registry:       a.Registry,
	}

	logger.Info("worker starting",
		"events", components.Events,
		"retries", components.Retries,
		"webhooks", components.Webhooks,
		"metrics_addr", cfg.Metrics.Addr,
	)
	err = rt.Run(ctx, components)
	if shutdownErr := logger.Shutdown(context.Background()); shutdownErr != nil {
		logger.Warn("logger shutdown error", "error", shutdownErr)
	}
	logger.Info("worker stopped")
	return err
}
