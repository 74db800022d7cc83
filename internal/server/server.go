// Package server exposes the prediction pipeline over HTTP.
package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"

	"github.com/hed1ad/kddguard/internal/alerts"
	"github.com/hed1ad/kddguard/internal/history"
	"github.com/hed1ad/kddguard/internal/metrics"
	"github.com/hed1ad/kddguard/pkg/kdd"
	"github.com/hed1ad/kddguard/pkg/pipeline"
)

// Sampler draws dataset connections for /connections.
type Sampler interface {
	Sample(n int) ([]kdd.Connection, error)
}

// History stores and lists served predictions.
type History interface {
	Record(ctx context.Context, e *history.Event) error
	Recent(ctx context.Context, limit int) ([]history.Event, error)
	Stats(ctx context.Context) (history.Stats, error)
}

// Config holds HTTP limits and timeouts.
type Config struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BodyLimit    int
	MaxSample    int
	MaxBatch     int
	BatchTimeout time.Duration
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		BodyLimit:    4 * 1024 * 1024,
		MaxSample:    1000,
		MaxBatch:     10000,
		BatchTimeout: 30 * time.Second,
	}
}

const (
	defaultSample  = 50
	defaultHistory = 50
	maxHistory     = 1000
)

// Server serves predictions from one immutable pipeline.
type Server struct {
	app      *fiber.App
	cfg      Config
	pipeline *pipeline.Pipeline
	sampler  Sampler
	history  History
	metrics  *metrics.Metrics
	notifier *notifier
	logger   *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithSampler enables /connections.
func WithSampler(s Sampler) Option {
	return func(srv *Server) {
		srv.sampler = s
	}
}

// WithHistory records every prediction and enables /history.
func WithHistory(h History) Option {
	return func(srv *Server) {
		srv.history = h
	}
}

// WithAlerts publishes anomalies to sink.
func WithAlerts(sink alerts.Sink) Option {
	return func(srv *Server) {
		if sink != nil {
			srv.notifier = newNotifier(sink)
		}
	}
}

// WithMetrics enables /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(srv *Server) {
		srv.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(srv *Server) {
		if l != nil {
			srv.logger = l
		}
	}
}

// New builds the fiber app and its routes.
func New(p *pipeline.Pipeline, cfg Config, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		pipeline: p,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.notifier != nil {
		s.notifier.start(s.logger, s.metrics)
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "kddguard",
		DisableStartupMessage: true,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		BodyLimit:             cfg.BodyLimit,
		ErrorHandler:          s.errorHandler,
	})

	s.app.Use(recover.New())
	s.app.Use(requestid.New())
	s.app.Use(s.logRequests)

	s.app.Get("/", s.handleRoot)
	s.app.Get("/health", s.handleHealth)
	s.app.Get("/connections", s.handleConnections)
	s.app.Post("/predict", s.handlePredict)
	s.app.Post("/predict/batch", s.handlePredictBatch)
	s.app.Get("/history", s.handleHistory)
	if s.metrics != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(s.metrics.Handler()))
	}

	return s
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Run listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", addr)
		errCh <- s.app.Listen(addr)
	}()

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
	}

	s.logger.Info("server shutting down")
	err := s.app.ShutdownWithTimeout(10 * time.Second)
	s.Close()
	return err
}

// Close stops the alert notifier, draining queued alerts.
func (s *Server) Close() {
	if s.notifier != nil {
		s.notifier.stop()
	}
}

func (s *Server) logRequests(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	s.logger.Debug("request",
		"method", c.Method(),
		"path", c.Path(),
		"status", c.Response().StatusCode(),
		"latency", time.Since(start),
		"request_id", c.Locals("requestid"),
	)
	return err
}
