// Package alerts publishes anomaly alerts to Kafka.
package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// ErrSinkClosed is returned by Publish after Close.
var ErrSinkClosed = errors.New("alerts: sink is closed")

// Alert describes one connection predicted as an anomaly.
type Alert struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Source       string    `json:"source"`
	ConnectionID string    `json:"connection_id,omitempty"`
	SrcIP        string    `json:"src_ip,omitempty"`
	DstIP        string    `json:"dst_ip,omitempty"`
	Score        float64   `json:"score"`
	Filled       []string  `json:"filled,omitempty"`
}

// Sink receives alerts.
type Sink interface {
	Publish(ctx context.Context, a Alert) error
	Close() error
}

// Nop discards alerts.
type Nop struct{}

func (Nop) Publish(context.Context, Alert) error { return nil }
func (Nop) Close() error                         { return nil }

// Config holds Kafka writer settings.
type Config struct {
	Brokers      []string      `validate:"required,min=1,dive,required"`
	Topic        string        `validate:"required"`
	BatchTimeout time.Duration `validate:"gte=0"`
}

var validate = validator.New()

// Validate checks the required fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s: failed %q", fe.Field(), fe.Tag())
			}
			return fmt.Errorf("alerts: invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("alerts: invalid config: %w", err)
	}
	return nil
}

// MessageWriter is the subset of *kafka.Writer used by KafkaSink.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes alerts as JSON messages keyed by source address, so
// alerts about one host stay ordered within a partition.
type KafkaSink struct {
	writer    MessageWriter
	topic     string
	logger    *slog.Logger
	closed    atomic.Bool
	published atomic.Int64
	failed    atomic.Int64
}

// NewKafkaSink creates a sink backed by a kafka-go writer.
func NewKafkaSink(cfg *Config, logger *slog.Logger) (*KafkaSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireOne,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
	}

	logger.Info("kafka alert sink initialized", "brokers", cfg.Brokers, "topic", cfg.Topic)
	return NewKafkaSinkWithWriter(w, cfg.Topic, logger), nil
}

// NewKafkaSinkWithWriter creates a sink over an existing writer.
func NewKafkaSinkWithWriter(w MessageWriter, topic string, logger *slog.Logger) *KafkaSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaSink{writer: w, topic: topic, logger: logger}
}

// Publish sends a. A missing ID or Timestamp is filled in.
func (s *KafkaSink) Publish(ctx context.Context, a Alert) error {
	if s.closed.Load() {
		return ErrSinkClosed
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}

	value, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("alerts: marshal: %w", err)
	}

	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(a.SrcIP),
		Value: value,
		Time:  a.Timestamp,
		Headers: []kafka.Header{
			{Key: "source", Value: []byte(a.Source)},
		},
	})
	if err != nil {
		s.failed.Add(1)
		s.logger.Warn("alert publish failed", "error", err, "connection_id", a.ConnectionID)
		return fmt.Errorf("alerts: publish to %s: %w", s.topic, err)
	}

	s.published.Add(1)
	s.logger.Debug("alert published", "id", a.ID, "src_ip", a.SrcIP, "score", a.Score)
	return nil
}

// Stats returns the number of published and failed alerts.
func (s *KafkaSink) Stats() (published, failed int64) {
	return s.published.Load(), s.failed.Load()
}

// Close flushes and closes the writer. Further Publish calls fail.
func (s *KafkaSink) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.writer.Close()
}
