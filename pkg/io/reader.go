// Package io reads KDD connections from datasets and packet captures and
// writes prediction results.
package io

import (
	"context"
	"encoding/json"
	stdio "io"
	"sync"

	"github.com/hed1ad/kddguard/pkg/kdd"
)

// Reader is the interface for reading connections from various sources.
type Reader interface {
	// Read returns every remaining connection.
	Read() ([]kdd.Connection, error)

	// Stream returns a channel of connections for real-time processing.
	Stream(ctx context.Context) (<-chan kdd.Connection, error)

	// Close releases resources.
	Close() error
}

// Writer is the interface for writing prediction results.
type Writer interface {
	// Write outputs a single result.
	Write(result Result) error

	// WriteAll outputs multiple results.
	WriteAll(results []Result) error

	// Close releases resources.
	Close() error
}

// Result is one prediction as written by a Writer.
type Result struct {
	Index      int       `json:"index"`
	ID         string    `json:"id,omitempty"`
	SrcIP      string    `json:"src_ip,omitempty"`
	DstIP      string    `json:"dst_ip,omitempty"`
	Prediction kdd.Label `json:"prediction,omitempty"`
	Score      float64   `json:"score"`
	Truth      kdd.Label `json:"truth,omitempty"`
	Filled     []string  `json:"filled,omitempty"`
	Error      string    `json:"error,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
}

// Correct reports whether the prediction matches a known ground truth.
func (r Result) Correct() (correct, known bool) {
	if r.Truth == "" || r.Prediction == "" {
		return false, false
	}
	return r.Prediction == r.Truth, true
}

// JSONWriter writes results as newline-delimited JSON.
type JSONWriter struct {
	mu  sync.Mutex
	w   stdio.Writer
	enc *json.Encoder
}

// NewJSONWriter creates a writer over w. Close closes w when it is an
// io.Closer.
func NewJSONWriter(w stdio.Writer) *JSONWriter {
	return &JSONWriter{w: w, enc: json.NewEncoder(w)}
}

// Write implements Writer.
func (j *JSONWriter) Write(result Result) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.enc.Encode(result)
}

// WriteAll implements Writer.
func (j *JSONWriter) WriteAll(results []Result) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, r := range results {
		if err := j.enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Writer.
func (j *JSONWriter) Close() error {
	if c, ok := j.w.(stdio.Closer); ok {
		return c.Close()
	}
	return nil
}
