// Package iforest implements the Isolation Forest algorithm for anomaly detection.
package iforest

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/hed1ad/kddguard/pkg/detectors"
)

// Kind is the manifest identifier of this classifier.
const Kind = "iforest"

// IsolationForest implements unsupervised anomaly detection using isolation trees.
type IsolationForest struct {
	mu sync.RWMutex

	// Configuration
	nTrees        int
	sampleSize    int
	contamination float64
	threshold     float64
	maxDepth      int
	rng           *rand.Rand

	// Trained model
	trees     []tree
	nFeatures int
	labels    detectors.LabelConvention
	trained   bool

	// Statistics from training
	avgPathLength float64
}

// tree is an isolation tree flattened into a node slice; index 0 is the root.
type tree struct {
	Nodes []node
}

// node is a split (Left/Right >= 0) or a leaf (Left == -1).
type node struct {
	Feature int
	Split   float64
	Left    int
	Right   int
	Size    int // number of samples that reached this leaf
}

// Option configures an IsolationForest.
type Option func(*IsolationForest)

// WithTrees sets the number of isolation trees.
func WithTrees(n int) Option {
	return func(f *IsolationForest) {
		f.nTrees = n
	}
}

// WithSampleSize sets the subsample size for each tree.
func WithSampleSize(n int) Option {
	return func(f *IsolationForest) {
		f.sampleSize = n
	}
}

// WithContamination sets the expected proportion of anomalies.
func WithContamination(c float64) Option {
	return func(f *IsolationForest) {
		f.contamination = c
	}
}

// WithSeed sets the random seed for reproducibility.
func WithSeed(seed int64) Option {
	return func(f *IsolationForest) {
		f.rng = rand.New(rand.NewSource(seed))
	}
}

// New creates a new IsolationForest with the given options.
func New(opts ...Option) *IsolationForest {
	f := &IsolationForest{
		nTrees:        100,
		sampleSize:    256,
		contamination: 0.1,
		threshold:     0.5,
		labels:        detectors.DefaultLabels(),
		rng:           rand.New(rand.NewSource(42)),
	}

	for _, opt := range opts {
		opt(f)
	}

	f.maxDepth = int(math.Ceil(math.Log2(float64(f.sampleSize))))

	return f
}

// Fit trains the Isolation Forest on the provided data.
func (f *IsolationForest) Fit(data [][]float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(data) == 0 {
		return errors.New("empty training data")
	}

	nSamples := len(data)
	nFeatures := len(data[0])
	for i, row := range data {
		if len(row) != nFeatures {
			return fmt.Errorf("row %d has %d features, want %d", i, len(row), nFeatures)
		}
	}

	sampleSize := f.sampleSize
	if sampleSize > nSamples {
		sampleSize = nSamples
	}

	f.trees = make([]tree, f.nTrees)
	for i := 0; i < f.nTrees; i++ {
		// Sample without replacement
		indices := f.rng.Perm(nSamples)[:sampleSize]
		sample := make([][]float64, sampleSize)
		for j, idx := range indices {
			sample[j] = data[idx]
		}

		var t tree
		f.buildNode(&t, sample, nFeatures, 0)
		f.trees[i] = t
	}

	f.nFeatures = nFeatures
	f.avgPathLength = averagePathLength(float64(sampleSize))
	f.trained = true

	// Set threshold based on contamination
	if f.contamination > 0 {
		scores := make([]float64, len(data))
		for i, row := range data {
			scores[i] = f.score(row)
		}
		f.threshold = percentile(scores, 100*(1-f.contamination))
	}

	return nil
}

// buildNode appends the subtree for data to t and returns its index.
func (f *IsolationForest) buildNode(t *tree, data [][]float64, nFeatures, depth int) int {
	idx := len(t.Nodes)
	n := len(data)

	if depth >= f.maxDepth || n <= 1 {
		t.Nodes = append(t.Nodes, node{Left: -1, Right: -1, Size: n})
		return idx
	}

	feature := f.rng.Intn(nFeatures)

	minVal, maxVal := data[0][feature], data[0][feature]
	for _, row := range data[1:] {
		if row[feature] < minVal {
			minVal = row[feature]
		}
		if row[feature] > maxVal {
			maxVal = row[feature]
		}
	}

	if minVal == maxVal {
		t.Nodes = append(t.Nodes, node{Left: -1, Right: -1, Size: n})
		return idx
	}

	splitValue := minVal + f.rng.Float64()*(maxVal-minVal)

	var leftData, rightData [][]float64
	for _, row := range data {
		if row[feature] < splitValue {
			leftData = append(leftData, row)
		} else {
			rightData = append(rightData, row)
		}
	}

	t.Nodes = append(t.Nodes, node{Feature: feature, Split: splitValue})
	left := f.buildNode(t, leftData, nFeatures, depth+1)
	right := f.buildNode(t, rightData, nFeatures, depth+1)
	t.Nodes[idx].Left = left
	t.Nodes[idx].Right = right

	return idx
}

// Classify marks a sample anomalous when its score reaches the threshold.
func (f *IsolationForest) Classify(sample []float64) (detectors.Score, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return detectors.Score{}, detectors.ErrNotTrained
	}
	if err := detectors.CheckWidth(sample, f.nFeatures); err != nil {
		return detectors.Score{}, err
	}

	s := detectors.Score{Value: f.score(sample)}
	if s.Value >= f.threshold {
		s.Class = f.labels.AnomalyClass
		s.IsAnomaly = true
	} else {
		s.Class = normalClass(f.labels)
	}
	return s, nil
}

// score is 2^(-E[h(x)] / c(n)); higher means more anomalous.
func (f *IsolationForest) score(sample []float64) float64 {
	var totalPath float64
	for i := range f.trees {
		totalPath += pathLength(sample, f.trees[i].Nodes)
	}
	avgPath := totalPath / float64(len(f.trees))

	if f.avgPathLength == 0 {
		return 0.5
	}
	return math.Pow(2, -avgPath/f.avgPathLength)
}

// pathLength walks a flattened tree from the root.
func pathLength(sample []float64, nodes []node) float64 {
	depth := 0
	i := 0
	for {
		n := nodes[i]
		if n.Left < 0 {
			// Leaf node: add expected path length for remaining isolation
			return float64(depth) + averagePathLength(float64(n.Size))
		}
		if sample[n.Feature] < n.Split {
			i = n.Left
		} else {
			i = n.Right
		}
		depth++
	}
}

// averagePathLength returns the average path length of unsuccessful search in BST.
func averagePathLength(n float64) float64 {
	if n <= 1 {
		return 0
	}
	// c(n) = 2*H(n-1) - 2*(n-1)/n, with H(i) ~ ln(i) + Euler-Mascheroni
	return 2*(math.Log(n-1)+0.5772156649) - 2*(n-1)/n
}

// Kind implements detectors.Classifier.
func (f *IsolationForest) Kind() string {
	return Kind
}

// NumFeatures returns the input width seen at Fit.
func (f *IsolationForest) NumFeatures() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.nFeatures
}

// Labels returns the label convention.
func (f *IsolationForest) Labels() detectors.LabelConvention {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.labels
}

// snapshot is the gob wire form of a trained forest.
type snapshot struct {
	NTrees        int
	SampleSize    int
	Contamination float64
	Threshold     float64
	AvgPathLength float64
	NFeatures     int
	Labels        detectors.LabelConvention
	Trees         []tree
}

// Save serializes the trained model.
func (f *IsolationForest) Save() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return nil, detectors.ErrNotTrained
	}

	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(snapshot{
		NTrees:        f.nTrees,
		SampleSize:    f.sampleSize,
		Contamination: f.contamination,
		Threshold:     f.threshold,
		AvgPathLength: f.avgPathLength,
		NFeatures:     f.nFeatures,
		Labels:        f.labels,
		Trees:         f.trees,
	})
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Load deserializes a trained model.
func (f *IsolationForest) Load(data []byte) error {
	var s snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return fmt.Errorf("decode isolation forest: %w", err)
	}
	if len(s.Trees) == 0 || s.NFeatures <= 0 {
		return errors.New("isolation forest snapshot is empty")
	}
	if err := s.Labels.Validate(); err != nil {
		return err
	}
	for i, t := range s.Trees {
		if err := checkTree(t, s.NFeatures); err != nil {
			return fmt.Errorf("tree %d: %w", i, err)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.nTrees = s.NTrees
	f.sampleSize = s.SampleSize
	f.contamination = s.Contamination
	f.threshold = s.Threshold
	f.avgPathLength = s.AvgPathLength
	f.nFeatures = s.NFeatures
	f.labels = s.Labels
	f.trees = s.Trees
	f.maxDepth = int(math.Ceil(math.Log2(float64(f.sampleSize))))
	f.trained = true

	return nil
}

// checkTree rejects snapshots whose node links would index out of range.
func checkTree(t tree, nFeatures int) error {
	if len(t.Nodes) == 0 {
		return errors.New("no nodes")
	}
	for i, n := range t.Nodes {
		if n.Left < 0 {
			continue
		}
		if n.Left <= i || n.Right <= i || n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
			return fmt.Errorf("node %d has invalid children", i)
		}
		if n.Feature < 0 || n.Feature >= nFeatures {
			return fmt.Errorf("node %d splits on feature %d of %d", i, n.Feature, nFeatures)
		}
	}
	return nil
}

// Threshold returns the current anomaly threshold.
func (f *IsolationForest) Threshold() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.threshold
}

func normalClass(l detectors.LabelConvention) int {
	if l.AnomalyClass == 0 {
		return 1
	}
	return 0
}

// percentile calculates the p-th percentile of the data.
func percentile(data []float64, p float64) float64 {
	if len(data) == 0 {
		return 0
	}

	sorted := make([]float64, len(data))
	copy(sorted, data)
	sort.Float64s(sorted)

	idx := int(float64(len(sorted)-1) * p / 100)
	return sorted[idx]
}
