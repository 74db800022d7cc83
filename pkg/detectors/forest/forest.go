// Package forest implements a random forest of CART decision trees for
// supervised normal/anomaly classification.
package forest

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
const Kind = "forest"

// RandomForest is an ensemble of Gini-split decision trees, each grown on a
// bootstrap sample with a random feature subset per split. The anomaly
// score is the mean predicted probability of the anomaly class.
type RandomForest struct {
	mu sync.RWMutex

	// Configuration
	nTrees          int
	maxDepth        int
	minSamplesSplit int
	maxFeatures     int
	rng             *rand.Rand

	// Trained model
	trees     []tree
	nFeatures int
	labels    detectors.LabelConvention
	trained   bool
}

type tree struct {
	Nodes []node
}

// node is a split (Left >= 0) or a leaf carrying class probabilities.
type node struct {
	Feature   int
	Threshold float64
	Left      int
	Right     int
	Proba     []float64
}

// Option configures a RandomForest.
type Option func(*RandomForest)

// WithTrees sets the number of trees.
func WithTrees(n int) Option {
	return func(f *RandomForest) {
		f.nTrees = n
	}
}

// WithMaxDepth limits tree depth; 0 grows trees until leaves are pure.
func WithMaxDepth(d int) Option {
	return func(f *RandomForest) {
		f.maxDepth = d
	}
}

// WithMinSamplesSplit sets the minimum node size eligible for a split.
func WithMinSamplesSplit(n int) Option {
	return func(f *RandomForest) {
		f.minSamplesSplit = n
	}
}

// WithMaxFeatures sets the features tried per split; 0 means sqrt(n).
func WithMaxFeatures(n int) Option {
	return func(f *RandomForest) {
		f.maxFeatures = n
	}
}

// WithLabels overrides the label convention.
func WithLabels(l detectors.LabelConvention) Option {
	return func(f *RandomForest) {
		f.labels = l
	}
}

// WithSeed sets the random seed for reproducibility.
func WithSeed(seed int64) Option {
	return func(f *RandomForest) {
		f.rng = rand.New(rand.NewSource(seed))
	}
}

// New creates an untrained RandomForest.
func New(opts ...Option) *RandomForest {
	f := &RandomForest{
		nTrees:          100,
		minSamplesSplit: 2,
		labels:          detectors.DefaultLabels(),
		rng:             rand.New(rand.NewSource(42)),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fit trains the forest. y holds class indices into the label convention.
func (f *RandomForest) Fit(data [][]float64, y []int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(data) == 0 {
		return errors.New("empty training data")
	}
	if len(data) != len(y) {
		return fmt.Errorf("%d samples but %d labels", len(data), len(y))
	}
	if err := f.labels.Validate(); err != nil {
		return err
	}

	nClasses := len(f.labels.Classes)
	nFeatures := len(data[0])
	for i, row := range data {
		if len(row) != nFeatures {
			return fmt.Errorf("row %d has %d features, want %d", i, len(row), nFeatures)
		}
		if y[i] < 0 || y[i] >= nClasses {
			return fmt.Errorf("row %d has class %d outside [0, %d)", i, y[i], nClasses)
		}
	}

	maxFeatures := f.maxFeatures
	if maxFeatures <= 0 || maxFeatures > nFeatures {
		maxFeatures = int(math.Max(1, math.Round(math.Sqrt(float64(nFeatures)))))
	}

	b := &builder{
		data:            data,
		y:               y,
		nClasses:        nClasses,
		nFeatures:       nFeatures,
		maxFeatures:     maxFeatures,
		maxDepth:        f.maxDepth,
		minSamplesSplit: f.minSamplesSplit,
		rng:             f.rng,
	}

	f.trees = make([]tree, f.nTrees)
	for i := range f.trees {
		// Bootstrap sample
		idx := make([]int, len(data))
		for j := range idx {
			idx[j] = f.rng.Intn(len(data))
		}
		var t tree
		b.grow(&t, idx, 0)
		f.trees[i] = t
	}

	f.nFeatures = nFeatures
	f.trained = true
	return nil
}

// builder holds the state shared while growing one forest.
type builder struct {
	data            [][]float64
	y               []int
	nClasses        int
	nFeatures       int
	maxFeatures     int
	maxDepth        int
	minSamplesSplit int
	rng             *rand.Rand
}

func (b *builder) grow(t *tree, idx []int, depth int) int {
	at := len(t.Nodes)
	counts := b.counts(idx)

	if len(idx) < b.minSamplesSplit || (b.maxDepth > 0 && depth >= b.maxDepth) || pure(counts) {
		t.Nodes = append(t.Nodes, leaf(counts, len(idx)))
		return at
	}

	feature, threshold, ok := b.bestSplit(idx, counts)
	if !ok {
		t.Nodes = append(t.Nodes, leaf(counts, len(idx)))
		return at
	}

	var left, right []int
	for _, i := range idx {
		if b.data[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	t.Nodes = append(t.Nodes, node{Feature: feature, Threshold: threshold})
	l := b.grow(t, left, depth+1)
	r := b.grow(t, right, depth+1)
	t.Nodes[at].Left = l
	t.Nodes[at].Right = r
	return at
}

// bestSplit scans a random feature subset for the split with the lowest
// weighted Gini impurity.
func (b *builder) bestSplit(idx []int, total []int) (int, float64, bool) {
	n := float64(len(idx))
	best := gini(total, len(idx))
	bestFeature, bestThreshold, found := -1, 0.0, false

	sorted := make([]int, len(idx))
	left := make([]int, b.nClasses)
	right := make([]int, b.nClasses)

	for _, feature := range b.rng.Perm(b.nFeatures)[:b.maxFeatures] {
		copy(sorted, idx)
		sort.Slice(sorted, func(i, j int) bool {
			return b.data[sorted[i]][feature] < b.data[sorted[j]][feature]
		})

		for c := range left {
			left[c] = 0
			right[c] = total[c]
		}

		for k := 0; k < len(sorted)-1; k++ {
			cls := b.y[sorted[k]]
			left[cls]++
			right[cls]--

			v, next := b.data[sorted[k]][feature], b.data[sorted[k+1]][feature]
			if v == next {
				continue
			}

			nl := k + 1
			nr := len(sorted) - nl
			impurity := (float64(nl)*gini(left, nl) + float64(nr)*gini(right, nr)) / n
			if impurity < best-1e-12 {
				best = impurity
				bestFeature = feature
				bestThreshold = v + (next-v)/2
				found = true
			}
		}
	}

	return bestFeature, bestThreshold, found
}

func (b *builder) counts(idx []int) []int {
	c := make([]int, b.nClasses)
	for _, i := range idx {
		c[b.y[i]]++
	}
	return c
}

func gini(counts []int, n int) float64 {
	if n == 0 {
		return 0
	}
	g := 1.0
	for _, c := range counts {
		p := float64(c) / float64(n)
		g -= p * p
	}
	return g
}

func pure(counts []int) bool {
	nonZero := 0
	for _, c := range counts {
		if c > 0 {
			nonZero++
		}
	}
	return nonZero <= 1
}

func leaf(counts []int, n int) node {
	proba := make([]float64, len(counts))
	if n > 0 {
		for i, c := range counts {
			proba[i] = float64(c) / float64(n)
		}
	}
	return node{Left: -1, Right: -1, Proba: proba}
}

// Proba returns the averaged class probabilities for one sample.
func (f *RandomForest) Proba(sample []float64) ([]float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return nil, detectors.ErrNotTrained
	}
	if err := detectors.CheckWidth(sample, f.nFeatures); err != nil {
		return nil, err
	}
	return f.proba(sample), nil
}

func (f *RandomForest) proba(sample []float64) []float64 {
	out := make([]float64, len(f.labels.Classes))
	for ti := range f.trees {
		nodes := f.trees[ti].Nodes
		i := 0
		for nodes[i].Left >= 0 {
			if sample[nodes[i].Feature] <= nodes[i].Threshold {
				i = nodes[i].Left
			} else {
				i = nodes[i].Right
			}
		}
		for c, p := range nodes[i].Proba {
			out[c] += p
		}
	}
	for c := range out {
		out[c] /= float64(len(f.trees))
	}
	return out
}

// Classify returns the most probable class; ties go to the lower index.
// The score is the anomaly-class probability.
func (f *RandomForest) Classify(sample []float64) (detectors.Score, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return detectors.Score{}, detectors.ErrNotTrained
	}
	if err := detectors.CheckWidth(sample, f.nFeatures); err != nil {
		return detectors.Score{}, err
	}

	p := f.proba(sample)
	best := 0
	for c := 1; c < len(p); c++ {
		if p[c] > p[best] {
			best = c
		}
	}

	return detectors.Score{
		Value:     p[f.labels.AnomalyClass],
		Class:     best,
		IsAnomaly: best == f.labels.AnomalyClass,
	}, nil
}

// Kind implements detectors.Classifier.
func (f *RandomForest) Kind() string {
	return Kind
}

// NumFeatures returns the input width seen at Fit.
func (f *RandomForest) NumFeatures() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.nFeatures
}

// Labels returns the label convention.
func (f *RandomForest) Labels() detectors.LabelConvention {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.labels
}

type snapshot struct {
	NFeatures int
	Labels    detectors.LabelConvention
	Trees     []tree
}

// Save serializes the trained forest.
func (f *RandomForest) Save() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return nil, detectors.ErrNotTrained
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snapshot{
		NFeatures: f.nFeatures,
		Labels:    f.labels,
		Trees:     f.trees,
	}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Load deserializes a trained forest.
func (f *RandomForest) Load(data []byte) error {
	var s snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return fmt.Errorf("decode random forest: %w", err)
	}
	if len(s.Trees) == 0 || s.NFeatures <= 0 {
		return errors.New("random forest snapshot is empty")
	}
	if err := s.Labels.Validate(); err != nil {
		return err
	}
	for i, t := range s.Trees {
		if err := checkTree(t, s.NFeatures, len(s.Labels.Classes)); err != nil {
			return fmt.Errorf("tree %d: %w", i, err)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.nTrees = len(s.Trees)
	f.nFeatures = s.NFeatures
	f.labels = s.Labels
	f.trees = s.Trees
	f.trained = true
	return nil
}

func checkTree(t tree, nFeatures, nClasses int) error {
	if len(t.Nodes) == 0 {
		return errors.New("no nodes")
	}
	for i, n := range t.Nodes {
		if n.Left < 0 {
			if len(n.Proba) != nClasses {
				return fmt.Errorf("leaf %d has %d probabilities, want %d", i, len(n.Proba), nClasses)
			}
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
