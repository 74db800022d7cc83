package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hed1ad/kddguard/internal/alerts"
	"github.com/hed1ad/kddguard/internal/history"
	"github.com/hed1ad/kddguard/internal/logging"
	"github.com/hed1ad/kddguard/internal/metrics"
	"github.com/hed1ad/kddguard/internal/server"
	"github.com/hed1ad/kddguard/internal/simulator"
	"github.com/hed1ad/kddguard/pkg/io/csv"
	"github.com/hed1ad/kddguard/pkg/pipeline"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Load artifacts and serve predictions over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.setup()
			if err != nil {
				return err
			}
			if addr != "" {
				a.cfg.Server.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

// serve wires the server's dependencies. Artifacts are loaded before
// listening; a load or consistency error stops startup.
func (a *app) serve(ctx context.Context) error {
	m := metrics.New()

	p, err := a.loadPipeline(ctx, pipeline.WithObserver(m))
	if err != nil {
		a.logger.Error("failed to load artifacts", "error", err)
		return err
	}
	man := p.Bundle().Manifest
	m.SetModel(man.Classifier, man.Version, man.Components)

	cfg := a.cfg
	opts := []server.Option{
		server.WithLogger(logging.WithComponent(a.logger, "server")),
		server.WithMetrics(m),
	}

	if cfg.Dataset.Path != "" {
		r, err := csv.NewReader(cfg.Dataset.Path, csv.WithHeader(cfg.Dataset.HasHeader))
		if err != nil {
			return fmt.Errorf("open dataset: %w", err)
		}
		sampler, err := simulator.Load(r,
			simulator.WithSeed(cfg.Dataset.Seed),
			simulator.WithLogger(logging.WithComponent(a.logger, "simulator")),
		)
		r.Close()
		if err != nil {
			return err
		}
		opts = append(opts, server.WithSampler(sampler))
	} else {
		a.logger.Warn("no dataset configured, /connections is disabled")
	}

	if cfg.History.Enabled {
		store, err := history.Open(cfg.History.Path,
			history.WithRetain(cfg.History.Retain),
			history.WithLogger(logging.WithComponent(a.logger, "history")),
		)
		if err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts, server.WithHistory(store))
	}

	if cfg.Alerts.Enabled {
		sink, err := alerts.NewKafkaSink(&alerts.Config{
			Brokers:      cfg.Alerts.Brokers,
			Topic:        cfg.Alerts.Topic,
			BatchTimeout: cfg.Alerts.BatchTimeout,
		}, logging.WithComponent(a.logger, "alerts"))
		if err != nil {
			return err
		}
		defer sink.Close()
		opts = append(opts, server.WithAlerts(sink))
	}

	srv := server.New(p, server.Config{
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		BodyLimit:    cfg.Server.BodyLimit,
		MaxSample:    cfg.Server.MaxSample,
		MaxBatch:     cfg.Server.MaxBatch,
		BatchTimeout: cfg.Pipeline.BatchTimeout,
	}, opts...)

	return srv.Run(ctx, cfg.Server.Addr)
}
