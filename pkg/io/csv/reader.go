// Package csv reads KDD Cup 99 connections from CSV datasets.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/hed1ad/kddguard/pkg/kdd"
)

// Metadata columns copied into kdd.Connection instead of the record.
const (
	ColumnID    = "id"
	ColumnSrcIP = "src_ip"
	ColumnDstIP = "dst_ip"
)

// Reader reads connections from a CSV file.
type Reader struct {
	closer    io.Closer
	reader    *csv.Reader
	hasHeader bool
	headers   []string
	line      int
	err       error
}

// RowError reports a row whose column count differs from the header.
type RowError struct {
	Line    int
	Columns int
	Want    int
}

func (e *RowError) Error() string {
	return fmt.Sprintf("line %d: %d columns, header has %d", e.Line, e.Columns, e.Want)
}

// Option configures a CSV reader.
type Option func(*Reader)

// WithHeader indicates the CSV has a header row. Without one, columns are
// the 41 schema features followed by the label, as in the raw KDD files.
func WithHeader(has bool) Option {
	return func(r *Reader) {
		r.hasHeader = has
	}
}

// WithComma sets the field delimiter.
func WithComma(c rune) Option {
	return func(r *Reader) {
		r.reader.Comma = c
	}
}

// NewReader opens filename for reading.
func NewReader(filename string, opts ...Option) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	r, err := New(file, opts...)
	if err != nil {
		file.Close()
		return nil, err
	}
	r.closer = file
	return r, nil
}

// New reads CSV from src.
func New(src io.Reader, opts ...Option) (*Reader, error) {
	r := &Reader{
		reader:    csv.NewReader(src),
		hasHeader: true,
	}
	r.reader.FieldsPerRecord = -1
	r.reader.ReuseRecord = false

	for _, opt := range opts {
		opt(r)
	}

	if r.hasHeader {
		headers, err := r.reader.Read()
		if err != nil {
			return nil, fmt.Errorf("read header: %w", err)
		}
		for i, h := range headers {
			headers[i] = strings.TrimSpace(h)
		}
		r.headers = headers
		r.line = 1
	} else {
		r.headers = append(append([]string(nil), kdd.FeatureNames...), kdd.FieldLabel)
	}

	return r, nil
}

// Headers returns the column headers.
func (r *Reader) Headers() []string {
	return r.headers
}

// Read returns all remaining connections.
func (r *Reader) Read() ([]kdd.Connection, error) {
	var out []kdd.Connection
	for {
		c, err := r.next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
}

// Stream returns a channel of connections for real-time processing.
// Malformed rows are skipped. Any other read error ends the stream and is
// reported by Err once the channel is closed.
func (r *Reader) Stream(ctx context.Context) (<-chan kdd.Connection, error) {
	out := make(chan kdd.Connection, 100)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			default:
				c, err := r.next()
				if errors.Is(err, io.EOF) {
					return
				}
				if err != nil {
					if skippable(err) {
						continue
					}
					r.err = err
					return
				}

				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Err returns the error that ended a Stream early, if any. It is only
// meaningful after the stream channel is closed.
func (r *Reader) Err() error {
	return r.err
}

func skippable(err error) bool {
	var pe *csv.ParseError
	var re *RowError
	return errors.As(err, &pe) || errors.As(err, &re)
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

func (r *Reader) next() (kdd.Connection, error) {
	row, err := r.reader.Read()
	if err != nil {
		return kdd.Connection{}, err
	}
	r.line++

	if len(row) != len(r.headers) {
		return kdd.Connection{}, &RowError{Line: r.line, Columns: len(row), Want: len(r.headers)}
	}
	return parseRow(r.headers, row), nil
}

// parseRow splits a row into record fields and connection metadata.
// Numeric cells become float64; others stay trimmed strings.
func parseRow(headers, row []string) kdd.Connection {
	c := kdd.Connection{Fields: make(kdd.Record, len(row))}
	for i, h := range headers {
		val := strings.TrimSpace(row[i])
		switch h {
		case ColumnID:
			c.ID = val
		case ColumnSrcIP:
			c.SrcIP = val
		case ColumnDstIP:
			c.DstIP = val
		case kdd.FieldLabel:
			c.Label = val
		default:
			c.Fields[h] = parseValue(h, val)
		}
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return c
}

func parseValue(field, val string) any {
	if val == "" {
		return nil
	}
	if kdd.IsCategorical(field) {
		return val
	}
	if f, err := strconv.ParseFloat(val, 64); err == nil {
		return f
	}
	return val
}
