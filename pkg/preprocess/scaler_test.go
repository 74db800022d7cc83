package preprocess

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFitScaler(t *testing.T) {
	data := [][]float64{
		{1, 10, 5},
		{3, 10, 5},
		{5, 10, 5},
	}
	s, err := FitScaler([]string{"a", "b", "c"}, data)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, s.Columns)
	assert.InDeltaSlice(t, []float64{3, 10, 5}, s.Mean, 1e-12)
	// Population std of {1,3,5} is sqrt(8/3); constant columns scale by 1.
	assert.InDelta(t, 1.632993161855452, s.Scale[0], 1e-12)
	assert.Equal(t, 1.0, s.Scale[1])
	assert.Equal(t, 1.0, s.Scale[2])
	assert.NoError(t, s.Validate())
}

func TestFitScalerErrors(t *testing.T) {
	_, err := FitScaler([]string{"a"}, nil)
	assert.Error(t, err)

	_, err = FitScaler([]string{"a", "b"}, [][]float64{{1, 2}, {3}})
	assert.Error(t, err)
}

func TestScalerTransform(t *testing.T) {
	s := &Scaler{Columns: []string{"a", "b"}, Mean: []float64{1, 2}, Scale: []float64{2, 4}}

	out, err := s.Transform([]float64{5, 2})
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 0}, out)

	_, err = s.Transform([]float64{1})
	assert.Error(t, err)

	all, err := s.TransformAll([][]float64{{1, 2}, {3, 6}})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{0, 0}, {1, 1}}, all)
}

func TestScalerTransformDoesNotMutate(t *testing.T) {
	s := &Scaler{Columns: []string{"a"}, Mean: []float64{1}, Scale: []float64{2}}
	x := []float64{3}

	_, err := s.Transform(x)
	require.NoError(t, err)
	assert.Equal(t, []float64{3}, x)
	assert.Equal(t, []float64{1}, s.Mean)
}

func TestScalerValidate(t *testing.T) {
	tests := []struct {
		name   string
		scaler Scaler
	}{
		{name: "empty", scaler: Scaler{}},
		{name: "short mean", scaler: Scaler{Columns: []string{"a", "b"}, Mean: []float64{0}, Scale: []float64{1, 1}}},
		{name: "zero scale", scaler: Scaler{Columns: []string{"a"}, Mean: []float64{0}, Scale: []float64{0}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.scaler.Validate())
		})
	}
}
