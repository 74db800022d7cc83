package main

import (
	"context"
	"errors"
	"fmt"
	stdio "io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hed1ad/kddguard/internal/logging"
	"github.com/hed1ad/kddguard/internal/simulator"
	kddio "github.com/hed1ad/kddguard/pkg/io"
	"github.com/hed1ad/kddguard/pkg/io/csv"
	"github.com/hed1ad/kddguard/pkg/kdd"
)

type batchOptions struct {
	dataset string
	header  bool
	n       int
	seed    int64
	timeout time.Duration
	output  string
}

func newBatchCmd(opts *globalOptions) *cobra.Command {
	bo := &batchOptions{}

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Predict dataset rows and write one JSON result per line",
		Long: `Reads a KDD Cup 99 CSV dataset, predicts every row (or a random sample
of --n rows) on the worker pool and writes newline-delimited JSON results.
Rows that fail validation are reported individually. When --timeout
expires, rows not yet started are reported as not_processed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.setup()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("dataset") {
				bo.dataset = a.cfg.Dataset.Path
			}
			if !cmd.Flags().Changed("header") {
				bo.header = a.cfg.Dataset.HasHeader
			}
			if !cmd.Flags().Changed("timeout") {
				bo.timeout = a.cfg.Pipeline.BatchTimeout
			}
			if bo.dataset == "" {
				return errors.New("no dataset: pass --dataset or set dataset.path")
			}

			out := cmd.OutOrStdout()
			if bo.output != "" && bo.output != "-" {
				f, err := os.Create(bo.output)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			return a.batch(cmd.Context(), bo, out)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&bo.dataset, "dataset", "d", "", "CSV dataset (default dataset.path)")
	f.BoolVar(&bo.header, "header", false, "dataset has a header row (default dataset.has_header)")
	f.IntVar(&bo.n, "n", 0, "predict a random sample of n rows; 0 predicts all")
	f.Int64Var(&bo.seed, "seed", 0, "sampling seed; 0 seeds from the clock")
	f.DurationVar(&bo.timeout, "timeout", 0, "stop feeding rows after this long (default pipeline.batch_timeout)")
	f.StringVarP(&bo.output, "output", "o", "-", "output file, - for stdout")
	return cmd
}

func (a *app) batch(ctx context.Context, bo *batchOptions, out stdio.Writer) error {
	r, err := csv.NewReader(bo.dataset, csv.WithHeader(bo.header))
	if err != nil {
		return fmt.Errorf("open dataset: %w", err)
	}
	conns, err := r.Read()
	r.Close()
	if err != nil {
		return fmt.Errorf("read dataset: %w", err)
	}

	if bo.n > 0 {
		sampler, err := simulator.New(conns,
			simulator.WithSeed(bo.seed),
			simulator.WithLogger(logging.WithComponent(a.logger, "simulator")),
		)
		if err != nil {
			return err
		}
		if conns, err = sampler.Sample(bo.n); err != nil {
			return err
		}
	}

	p, err := a.loadPipeline(ctx)
	if err != nil {
		return err
	}

	recs := make([]kdd.Record, len(conns))
	for i, c := range conns {
		recs[i] = c.Fields
	}

	if bo.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, bo.timeout)
		defer cancel()
	}
	start := time.Now()
	rows, batchErr := p.PredictBatch(ctx, recs)

	w := kddio.NewJSONWriter(out)
	var sum summary
	for _, row := range rows {
		res := toResult(row.Index, conns[row.Index], row.Result, row.Err)
		sum.add(res)
		if err := w.Write(res); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
	}

	sum.log(a.logger.With("elapsed", time.Since(start)), "batch complete")
	if batchErr != nil {
		return fmt.Errorf("batch stopped early: %w", batchErr)
	}
	return nil
}
