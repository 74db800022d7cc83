package iforest

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/kddguard/pkg/detectors"
)

var _ detectors.Classifier = (*IsolationForest)(nil)

func TestNewIsolationForest(t *testing.T) {
	tests := []struct {
		name       string
		opts       []Option
		wantNTrees int
	}{
		{
			name:       "default configuration",
			opts:       nil,
			wantNTrees: 100,
		},
		{
			name:       "custom trees",
			opts:       []Option{WithTrees(50)},
			wantNTrees: 50,
		},
		{
			name:       "multiple options",
			opts:       []Option{WithTrees(200), WithContamination(0.05), WithSeed(123)},
			wantNTrees: 200,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(tt.opts...)
			assert.Equal(t, tt.wantNTrees, f.nTrees)
			assert.Equal(t, detectors.DefaultLabels(), f.Labels())
		})
	}
}

func TestFit(t *testing.T) {
	tests := []struct {
		name    string
		data    [][]float64
		wantErr bool
	}{
		{
			name:    "empty data",
			data:    [][]float64{},
			wantErr: true,
		},
		{
			name:    "ragged rows",
			data:    [][]float64{{1, 2}, {1}},
			wantErr: true,
		},
		{
			name:    "single sample",
			data:    [][]float64{{1.0, 2.0, 3.0}},
			wantErr: false,
		},
		{
			name:    "normal data",
			data:    generateTestData(100, 5),
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(WithTrees(10), WithSeed(42))
			err := f.Fit(tt.data)

			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.True(t, f.trained)
				assert.Len(t, f.trees, f.nTrees)
				assert.Equal(t, len(tt.data[0]), f.NumFeatures())
			}
		})
	}
}

// scores classifies every row and returns the anomaly scores.
func scores(t *testing.T, f *IsolationForest, data [][]float64) []float64 {
	t.Helper()
	out := make([]float64, len(data))
	for i, row := range data {
		s, err := f.Classify(row)
		require.NoError(t, err)
		out[i] = s.Value
	}
	return out
}

func TestScores(t *testing.T) {
	trainData := generateTestData(500, 5)
	f := New(WithTrees(50), WithSampleSize(100), WithSeed(42))
	require.NoError(t, f.Fit(trainData))

	t.Run("normal data", func(t *testing.T) {
		for _, score := range scores(t, f, generateTestData(100, 5)) {
			assert.GreaterOrEqual(t, score, 0.0)
			assert.LessOrEqual(t, score, 1.0)
		}
	})

	t.Run("anomalies", func(t *testing.T) {
		anomalies := [][]float64{
			{1000, 1000, 1000, 1000, 1000},
			{-500, -500, -500, -500, -500},
		}
		for _, score := range scores(t, f, anomalies) {
			assert.Greater(t, score, 0.4, "anomalies should have high scores")
		}
	})

	t.Run("wrong width", func(t *testing.T) {
		_, err := f.Classify([]float64{1, 2, 3})
		assert.Error(t, err)
	})

	t.Run("before fit", func(t *testing.T) {
		_, err := New().Classify(trainData[0])
		assert.ErrorIs(t, err, detectors.ErrNotTrained)
	})
}

func TestClassify(t *testing.T) {
	trainData := generateTestData(300, 3)
	f := New(WithTrees(50), WithSampleSize(128), WithContamination(0.05), WithSeed(7))
	require.NoError(t, f.Fit(trainData))

	outlier, err := f.Classify([]float64{80, -80, 80})
	require.NoError(t, err)
	assert.True(t, outlier.IsAnomaly)
	assert.Equal(t, 1, outlier.Class)
	assert.GreaterOrEqual(t, outlier.Value, f.Threshold())

	inlier, err := f.Classify([]float64{0, 0, 0})
	require.NoError(t, err)
	assert.False(t, inlier.IsAnomaly)
	assert.Equal(t, 0, inlier.Class)

	again, err := f.Classify([]float64{0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, inlier, again)
}

func TestSaveLoad(t *testing.T) {
	trainData := generateTestData(200, 4)
	original := New(WithTrees(30), WithContamination(0.15), WithSeed(42))
	require.NoError(t, original.Fit(trainData))

	testData := generateTestData(50, 4)
	originalScores := scores(t, original, testData)

	data, err := original.Save()
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	loaded := New()
	err = loaded.Load(data)
	require.NoError(t, err)

	assert.Equal(t, originalScores, scores(t, loaded, testData))
	assert.Equal(t, original.Threshold(), loaded.Threshold())
	assert.Equal(t, 4, loaded.NumFeatures())
}

func TestLoadRejectsGarbage(t *testing.T) {
	f := New()
	assert.Error(t, f.Load([]byte("not a forest")))

	_, err := f.Save()
	assert.ErrorIs(t, err, detectors.ErrNotTrained)
}

func TestThreshold(t *testing.T) {
	assert.Equal(t, 0.5, New().Threshold())

	data := generateTestData(400, 3)
	f := New(WithTrees(30), WithContamination(0.1), WithSeed(3))
	require.NoError(t, f.Fit(data))

	flagged := 0
	for _, score := range scores(t, f, data) {
		if score >= f.Threshold() {
			flagged++
		}
	}
	assert.InDelta(t, 40, flagged, 10)
}

func BenchmarkFit(b *testing.B) {
	data := generateTestData(10000, 10)
	f := New(WithTrees(100), WithSampleSize(256))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Fit(data)
	}
}

func BenchmarkClassify(b *testing.B) {
	trainData := generateTestData(5000, 10)
	sample := make([]float64, 10)
	for i := range sample {
		sample[i] = rand.Float64()
	}

	f := New(WithTrees(100), WithSampleSize(256))
	f.Fit(trainData)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Classify(sample)
	}
}

func generateTestData(n, features int) [][]float64 {
	data := make([][]float64, n)
	for i := 0; i < n; i++ {
		data[i] = make([]float64, features)
		for j := 0; j < features; j++ {
			data[i][j] = rand.NormFloat64()
		}
	}
	return data
}
