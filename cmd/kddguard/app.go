package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/hed1ad/kddguard/internal/config"
	"github.com/hed1ad/kddguard/internal/logging"
	"github.com/hed1ad/kddguard/pkg/artifacts"
	"github.com/hed1ad/kddguard/pkg/artifacts/s3"
	kddio "github.com/hed1ad/kddguard/pkg/io"
	"github.com/hed1ad/kddguard/pkg/kdd"
	"github.com/hed1ad/kddguard/pkg/pipeline"
)

// app carries what every subcommand needs after flag parsing.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
}

// setup loads configuration and builds the logger.
func (o *globalOptions) setup() (*app, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = strings.ToLower(o.logLevel)
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	logger := logging.New(&logging.Config{
		Level:  level,
		Output: os.Stderr,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	return &app{cfg: cfg, logger: logger}, nil
}

// source returns the configured artifact location.
func (a *app) source(ctx context.Context) (artifacts.Source, error) {
	switch a.cfg.Artifacts.Source {
	case "s3":
		return s3.New(ctx, &a.cfg.Artifacts.S3, logging.WithComponent(a.logger, "s3"))
	default:
		return artifacts.DirSource(a.cfg.Artifacts.Dir), nil
	}
}

// loadPipeline loads the artifact bundle and builds a pipeline over it. Load
// and consistency errors are returned unchanged.
func (a *app) loadPipeline(ctx context.Context, opts ...pipeline.Option) (*pipeline.Pipeline, error) {
	src, err := a.source(ctx)
	if err != nil {
		return nil, err
	}

	b, err := artifacts.Load(ctx, src)
	if err != nil {
		return nil, err
	}
	a.logger.Info("artifacts loaded",
		"source", src.String(),
		"classifier", b.Manifest.Classifier,
		"features", len(b.Manifest.Features),
		"components", b.Manifest.Components,
	)

	opts = append([]pipeline.Option{
		pipeline.WithLogger(logging.WithComponent(a.logger, "pipeline")),
		pipeline.WithWorkers(a.cfg.Pipeline.Workers),
	}, opts...)
	return pipeline.New(b, opts...)
}

// toResult converts one prediction into its written form.
func toResult(index int, c kdd.Connection, res *pipeline.Result, err error) kddio.Result {
	out := kddio.Result{
		Index: index,
		ID:    c.ID,
		SrcIP: c.SrcIP,
		DstIP: c.DstIP,
	}
	if c.Label != "" {
		out.Truth = kdd.BinaryLabel(c.Label)
	}
	if err != nil {
		out.Error = err.Error()
		out.ErrorKind = pipeline.Kind(err)
		return out
	}
	out.Prediction = res.Label
	out.Score = res.Score
	out.Filled = res.Filled
	return out
}

// summary tallies written results.
type summary struct {
	total, errors, anomalies int
	known, correct           int
}

func (s *summary) add(r kddio.Result) {
	s.total++
	if r.Error != "" {
		s.errors++
		return
	}
	if r.Prediction.IsAnomaly() {
		s.anomalies++
	}
	if ok, known := r.Correct(); known {
		s.known++
		if ok {
			s.correct++
		}
	}
}

func (s *summary) log(logger *slog.Logger, msg string) {
	attrs := []any{"total", s.total, "errors", s.errors, "anomalies", s.anomalies}
	if s.known > 0 {
		attrs = append(attrs, "accuracy", fmt.Sprintf("%.4f", float64(s.correct)/float64(s.known)))
	}
	logger.Info(msg, attrs...)
}
