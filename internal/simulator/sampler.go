// Package simulator replays dataset connections as simulated live traffic.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	kddio "github.com/hed1ad/kddguard/pkg/io"
	"github.com/hed1ad/kddguard/pkg/kdd"
)

// Simulated address pools: sources are 192.168.1.1-100, destinations
// 10.0.0.1-100.
const (
	srcPrefix = "192.168.1."
	dstPrefix = "10.0.0."
	hostPool  = 100
)

// ErrEmptyDataset is returned when no connections could be loaded.
var ErrEmptyDataset = errors.New("simulator: dataset is empty")

// Sampler draws random connections from an in-memory dataset. Connections
// without addresses get simulated ones once, at load time, so repeated
// draws of a row show the same endpoints.
type Sampler struct {
	conns  []kdd.Connection
	mu     sync.Mutex
	rng    *rand.Rand
	logger *slog.Logger
}

// Option configures a Sampler.
type Option func(*samplerOptions)

type samplerOptions struct {
	seed   int64
	logger *slog.Logger
}

// WithSeed fixes the random source; 0 seeds from the clock.
func WithSeed(seed int64) Option {
	return func(o *samplerOptions) {
		o.seed = seed
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *samplerOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// New builds a sampler over conns. The slice is not retained.
func New(conns []kdd.Connection, opts ...Option) (*Sampler, error) {
	o := samplerOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if len(conns) == 0 {
		return nil, ErrEmptyDataset
	}
	if o.seed == 0 {
		o.seed = time.Now().UnixNano()
	}

	s := &Sampler{
		conns:  make([]kdd.Connection, len(conns)),
		rng:    rand.New(rand.NewSource(o.seed)),
		logger: o.logger,
	}
	for i, c := range conns {
		if c.SrcIP == "" {
			c.SrcIP = fmt.Sprintf("%s%d", srcPrefix, s.rng.Intn(hostPool)+1)
		}
		if c.DstIP == "" {
			c.DstIP = fmt.Sprintf("%s%d", dstPrefix, s.rng.Intn(hostPool)+1)
		}
		s.conns[i] = c
	}

	s.logger.Info("dataset loaded", "connections", len(s.conns))
	return s, nil
}

// Load reads every connection from r and builds a sampler over them.
func Load(r kddio.Reader, opts ...Option) (*Sampler, error) {
	conns, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("simulator: read dataset: %w", err)
	}
	return New(conns, opts...)
}

// Len returns the dataset size.
func (s *Sampler) Len() int {
	return len(s.conns)
}

// Sample returns n distinct connections in random order. n larger than the
// dataset is capped. Returned records are copies.
func (s *Sampler) Sample(n int) ([]kdd.Connection, error) {
	if n <= 0 {
		return nil, fmt.Errorf("simulator: sample size must be positive, got %d", n)
	}
	if n > len(s.conns) {
		n = len(s.conns)
	}

	s.mu.Lock()
	idx := s.rng.Perm(len(s.conns))[:n]
	s.mu.Unlock()

	out := make([]kdd.Connection, n)
	for i, j := range idx {
		c := s.conns[j]
		c.Fields = c.Fields.Clone()
		out[i] = c
	}
	return out, nil
}

// Replay emits one random connection every interval until ctx is done.
// The returned channel is closed on exit.
func (s *Sampler) Replay(ctx context.Context, interval time.Duration) <-chan kdd.Connection {
	out := make(chan kdd.Connection)

	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				batch, err := s.Sample(1)
				if err != nil {
					s.logger.Error("replay sample failed", "error", err)
					return
				}
				select {
				case out <- batch[0]:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}
