package preprocess

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// DefaultVarianceRatio is the share of training variance retained when
// choosing the number of components.
const DefaultVarianceRatio = 0.95

// Reducer is a fitted principal component projection. Components holds one
// row per retained component; the output width is fixed at fit time.
type Reducer struct {
	Mean                   []float64
	Components             [][]float64
	ExplainedVarianceRatio []float64
}

// FitReducer fits a PCA on data and keeps the smallest number of
// components whose cumulative explained variance reaches varianceRatio.
func FitReducer(data [][]float64, varianceRatio float64) (*Reducer, error) {
	if len(data) < 2 {
		return nil, errors.New("need at least two samples to fit a reducer")
	}
	if varianceRatio <= 0 || varianceRatio > 1 {
		return nil, fmt.Errorf("variance ratio %v out of range (0, 1]", varianceRatio)
	}

	rows, cols := len(data), len(data[0])
	if cols == 0 {
		return nil, errors.New("samples have no features")
	}
	x := mat.NewDense(rows, cols, nil)
	for i, row := range data {
		if len(row) != cols {
			return nil, fmt.Errorf("row %d has %d features, want %d", i, len(row), cols)
		}
		x.SetRow(i, row)
	}

	var pc stat.PC
	if ok := pc.PrincipalComponents(x, nil); !ok {
		return nil, errors.New("principal component decomposition failed")
	}
	vars := pc.VarsTo(nil)
	var vecs mat.Dense
	pc.VectorsTo(&vecs)

	var total float64
	for _, v := range vars {
		total += v
	}

	k := len(vars)
	ratios := make([]float64, len(vars))
	if total > 0 {
		var cum float64
		k = 0
		for i, v := range vars {
			ratios[i] = v / total
			cum += ratios[i]
			if k == 0 && cum >= varianceRatio {
				k = i + 1
			}
		}
		if k == 0 {
			k = len(vars)
		}
	} else {
		k = 1
	}

	r := &Reducer{
		Mean:                   make([]float64, cols),
		Components:             make([][]float64, k),
		ExplainedVarianceRatio: ratios[:k],
	}
	for j := 0; j < cols; j++ {
		r.Mean[j] = stat.Mean(mat.Col(nil, j, x), nil)
	}
	for c := 0; c < k; c++ {
		r.Components[c] = mat.Col(nil, c, &vecs)
	}

	return r, nil
}

// NumFeatures returns the input width.
func (r *Reducer) NumFeatures() int {
	return len(r.Mean)
}

// NumComponents returns the output width.
func (r *Reducer) NumComponents() int {
	return len(r.Components)
}

// Validate checks internal consistency after deserialization.
func (r *Reducer) Validate() error {
	if len(r.Mean) == 0 {
		return errors.New("reducer has no input features")
	}
	if len(r.Components) == 0 {
		return errors.New("reducer has no components")
	}
	for i, c := range r.Components {
		if len(c) != len(r.Mean) {
			return fmt.Errorf("component %d has width %d, want %d", i, len(c), len(r.Mean))
		}
	}
	return nil
}

// Transform projects x onto the retained components.
func (r *Reducer) Transform(x []float64) ([]float64, error) {
	if len(x) != len(r.Mean) {
		return nil, fmt.Errorf("reducer expects %d features, got %d", len(r.Mean), len(x))
	}
	out := make([]float64, len(r.Components))
	for c, comp := range r.Components {
		var dot float64
		for i, v := range x {
			dot += (v - r.Mean[i]) * comp[i]
		}
		out[c] = dot
	}
	return out, nil
}

// TransformAll applies Transform to every row.
func (r *Reducer) TransformAll(data [][]float64) ([][]float64, error) {
	out := make([][]float64, len(data))
	for i, row := range data {
		t, err := r.Transform(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = t
	}
	return out, nil
}
