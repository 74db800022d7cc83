// Package pipeline turns raw KDD connection records into predictions using
// a loaded artifact bundle. A Pipeline is immutable and safe for concurrent
// use.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/hed1ad/kddguard/pkg/artifacts"
	"github.com/hed1ad/kddguard/pkg/kdd"
)

// Result is the outcome of one prediction.
type Result struct {
	Label kdd.Label `json:"label"`
	// Score is in [0, 1]; higher means more anomalous.
	Score float64 `json:"score"`
	// Class is the classifier's class index.
	Class int `json:"class"`
	// Filled lists present fields whose values were replaced by the
	// missing-value sentinel.
	Filled []string `json:"filled,omitempty"`
}

// Observer receives pipeline events for metrics.
type Observer interface {
	ObservePrediction(label kdd.Label, elapsed time.Duration)
	ObserveFilled(field string)
	ObserveError(kind string)
}

type nopObserver struct{}

func (nopObserver) ObservePrediction(kdd.Label, time.Duration) {}
func (nopObserver) ObserveFilled(string)                        {}
func (nopObserver) ObserveError(string)                         {}

// Pipeline runs validation, encoding, scaling, reduction and
// classification over a fixed bundle.
type Pipeline struct {
	bundle   *artifacts.Bundle
	features []string
	index    map[string]int
	sentinel float64
	labels   []kdd.Label

	logger   *slog.Logger
	observer Observer
	workers  int
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) {
		if o != nil {
			p.observer = o
		}
	}
}

// WithWorkers sets the batch worker count.
func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

// DefaultWorkers is the batch worker count when none is configured.
const DefaultWorkers = 4

// New builds a pipeline over b. The bundle is re-checked so a hand-built
// bundle gets the same guarantees as a loaded one.
func New(b *artifacts.Bundle, opts ...Option) (*Pipeline, error) {
	if b == nil || b.Scaler == nil || b.Reducer == nil || b.Classifier == nil || b.Encoder == nil {
		return nil, errors.New("pipeline: incomplete artifact bundle")
	}
	if err := b.Check(); err != nil {
		return nil, err
	}

	p := &Pipeline{
		bundle:   b,
		features: append([]string(nil), b.Scaler.Columns...),
		index:    make(map[string]int, len(b.Scaler.Columns)),
		sentinel: b.Manifest.MissingSentinel,
		logger:   slog.Default(),
		observer: nopObserver{},
		workers:  DefaultWorkers,
	}
	for i, name := range p.features {
		p.index[name] = i
	}

	classes := b.Classifier.Labels()
	p.labels = make([]kdd.Label, len(classes.Classes))
	for i := range classes.Classes {
		if i == classes.AnomalyClass {
			p.labels[i] = kdd.LabelAnomaly
		} else {
			p.labels[i] = kdd.LabelNormal
		}
	}

	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Features returns the trained feature schema in column order.
func (p *Pipeline) Features() []string {
	return append([]string(nil), p.features...)
}

// Bundle returns the artifacts the pipeline serves.
func (p *Pipeline) Bundle() *artifacts.Bundle {
	return p.bundle
}

// Predict classifies one record. Errors are *kdd.SchemaMismatchError,
// *kdd.UnknownCategoryError or an internal failure.
func (p *Pipeline) Predict(rec kdd.Record) (*Result, error) {
	start := time.Now()

	res, err := p.predict(rec)
	if err != nil {
		kind := Kind(err)
		p.observer.ObserveError(kind)
		if kind == KindInternal {
			p.logger.Error("prediction failed", "error", err)
		} else {
			p.logger.Debug("record rejected", "kind", kind, "error", err)
		}
		return nil, err
	}

	for _, f := range res.Filled {
		p.observer.ObserveFilled(f)
	}
	p.observer.ObservePrediction(res.Label, time.Since(start))
	return res, nil
}

func (p *Pipeline) predict(rec kdd.Record) (*Result, error) {
	x, filled, err := p.Vector(rec)
	if err != nil {
		return nil, err
	}

	scaled, err := p.bundle.Scaler.Transform(x)
	if err != nil {
		return nil, fmt.Errorf("scale: %w", err)
	}
	reduced, err := p.bundle.Reducer.Transform(scaled)
	if err != nil {
		return nil, fmt.Errorf("reduce: %w", err)
	}
	score, err := p.bundle.Classifier.Classify(reduced)
	if err != nil {
		return nil, fmt.Errorf("classify: %w", err)
	}
	if score.Class < 0 || score.Class >= len(p.labels) {
		return nil, fmt.Errorf("classify: class %d outside label convention", score.Class)
	}

	return &Result{
		Label:  p.labels[score.Class],
		Score:  score.Value,
		Class:  score.Class,
		Filled: filled,
	}, nil
}

// Vector validates rec against the schema, encodes categorical fields,
// applies the missing-value policy and returns the raw feature vector in
// column order, along with the fields that were filled.
func (p *Pipeline) Vector(rec kdd.Record) ([]float64, []string, error) {
	if err := p.checkSchema(rec); err != nil {
		return nil, nil, err
	}

	x := make([]float64, len(p.features))
	var filled []string
	for i, name := range p.features {
		raw := rec[name]

		var (
			v  float64
			ok bool
		)
		if p.bundle.Encoder.Has(name) {
			var err error
			if v, ok, err = p.bundle.Encoder.Encode(name, raw); err != nil {
				return nil, nil, err
			}
		} else {
			v, ok = kdd.Numeric(raw)
		}

		if !ok {
			v = p.sentinel
			filled = append(filled, name)
		}
		x[i] = v
	}
	return x, filled, nil
}

func (p *Pipeline) checkSchema(rec kdd.Record) error {
	var missing, extra []string
	for _, name := range p.features {
		if _, ok := rec[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(rec) != len(p.features)-len(missing) {
		for name := range rec {
			if _, ok := p.index[name]; !ok {
				extra = append(extra, name)
			}
		}
		sort.Strings(extra)
	}
	if len(missing) > 0 || len(extra) > 0 {
		return &kdd.SchemaMismatchError{Missing: missing, Extra: extra}
	}
	return nil
}
