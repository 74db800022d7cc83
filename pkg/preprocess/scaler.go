// Package preprocess provides the fitted transforms applied between a raw
// connection record and the classifier: category encoding, standard
// scaling and principal component reduction.
package preprocess

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/stat"
)

// Scaler standardizes each feature with statistics fit on training data.
// Columns records the feature order the statistics were fit in; Transform
// is positional.
type Scaler struct {
	Columns []string
	Mean    []float64
	Scale   []float64
}

// FitScaler computes per-column population mean and standard deviation.
// Constant columns get a scale of 1.
func FitScaler(columns []string, data [][]float64) (*Scaler, error) {
	if len(data) == 0 {
		return nil, errors.New("empty training data")
	}
	n := len(columns)
	for i, row := range data {
		if len(row) != n {
			return nil, fmt.Errorf("row %d has %d features, want %d", i, len(row), n)
		}
	}

	s := &Scaler{
		Columns: append([]string(nil), columns...),
		Mean:    make([]float64, n),
		Scale:   make([]float64, n),
	}

	col := make([]float64, len(data))
	for j := 0; j < n; j++ {
		for i, row := range data {
			col[i] = row[j]
		}
		mean, std := stat.PopMeanStdDev(col, nil)
		s.Mean[j] = mean
		if std == 0 {
			std = 1
		}
		s.Scale[j] = std
	}

	return s, nil
}

// NumFeatures returns the input width.
func (s *Scaler) NumFeatures() int {
	return len(s.Columns)
}

// Validate checks internal consistency after deserialization.
func (s *Scaler) Validate() error {
	n := len(s.Columns)
	if n == 0 {
		return errors.New("scaler has no columns")
	}
	if len(s.Mean) != n || len(s.Scale) != n {
		return fmt.Errorf("scaler has %d columns but %d means and %d scales", n, len(s.Mean), len(s.Scale))
	}
	for i, sc := range s.Scale {
		if sc == 0 {
			return fmt.Errorf("scaler column %s has zero scale", s.Columns[i])
		}
	}
	return nil
}

// Transform applies (x - mean) / scale elementwise.
func (s *Scaler) Transform(x []float64) ([]float64, error) {
	if len(x) != len(s.Mean) {
		return nil, fmt.Errorf("scaler expects %d features, got %d", len(s.Mean), len(x))
	}
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = (v - s.Mean[i]) / s.Scale[i]
	}
	return out, nil
}

// TransformAll applies Transform to every row.
func (s *Scaler) TransformAll(data [][]float64) ([][]float64, error) {
	out := make([][]float64, len(data))
	for i, row := range data {
		t, err := s.Transform(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = t
	}
	return out, nil
}
