package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hed1ad/kddguard/internal/logging"
	"github.com/hed1ad/kddguard/internal/simulator"
	"github.com/hed1ad/kddguard/pkg/io/csv"
	"github.com/hed1ad/kddguard/pkg/kdd"
)

type replayOptions struct {
	dataset  string
	header   bool
	seed     int64
	interval time.Duration
	count    int
	duration time.Duration
}

func newReplayCmd(opts *globalOptions) *cobra.Command {
	ro := &replayOptions{}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay random dataset rows as live traffic and predict each one",
		Long: `Emits one random dataset connection every --interval, with simulated
source and destination addresses, and writes one JSON result per
connection. Runs until --count connections were replayed, --duration
elapsed or the process is interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if ro.interval <= 0 {
				return fmt.Errorf("interval must be positive, got %s", ro.interval)
			}
			if ro.count < 0 {
				return fmt.Errorf("count must not be negative, got %d", ro.count)
			}

			a, err := opts.setup()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("dataset") {
				ro.dataset = a.cfg.Dataset.Path
			}
			if !cmd.Flags().Changed("header") {
				ro.header = a.cfg.Dataset.HasHeader
			}
			if !cmd.Flags().Changed("seed") {
				ro.seed = a.cfg.Dataset.Seed
			}
			if ro.dataset == "" {
				return errors.New("no dataset: pass --dataset or set dataset.path")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.replay(ctx, ro, cmd)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&ro.dataset, "dataset", "d", "", "CSV dataset (default dataset.path)")
	f.BoolVar(&ro.header, "header", false, "dataset has a header row (default dataset.has_header)")
	f.Int64Var(&ro.seed, "seed", 0, "sampling seed; 0 seeds from the clock (default dataset.seed)")
	f.DurationVar(&ro.interval, "interval", time.Second, "time between replayed connections")
	f.IntVar(&ro.count, "count", 0, "stop after this many connections; 0 runs until interrupted")
	f.DurationVar(&ro.duration, "duration", 0, "stop after this long; 0 runs until interrupted")
	return cmd
}

func (a *app) replay(ctx context.Context, ro *replayOptions, cmd *cobra.Command) error {
	r, err := csv.NewReader(ro.dataset, csv.WithHeader(ro.header))
	if err != nil {
		return fmt.Errorf("open dataset: %w", err)
	}
	sampler, err := simulator.Load(r,
		simulator.WithSeed(ro.seed),
		simulator.WithLogger(logging.WithComponent(a.logger, "simulator")),
	)
	r.Close()
	if err != nil {
		return err
	}

	p, err := a.loadPipeline(ctx)
	if err != nil {
		return err
	}

	var cancel context.CancelFunc
	if ro.duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, ro.duration)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	conns := sampler.Replay(ctx, ro.interval)
	if ro.count > 0 {
		conns = take(ctx, conns, ro.count)
	}
	return a.predictConnections(ctx, p, conns, cmd.OutOrStdout(), "replay complete")
}

// take forwards the first n connections of in and then closes.
func take(ctx context.Context, in <-chan kdd.Connection, n int) <-chan kdd.Connection {
	out := make(chan kdd.Connection)
	go func() {
		defer close(out)
		for i := 0; i < n; i++ {
			c, ok := <-in
			if !ok {
				return
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
