// Package detectors provides the classifiers that turn a reduced feature
// vector into a normal/anomaly decision.
package detectors

import (
	"errors"
	"fmt"
)

// Classifier is the common interface of every model the pipeline can
// serve. Implementations are read-only once trained or loaded and safe for
// concurrent Classify calls.
type Classifier interface {
	// Kind identifies the implementation in the artifact manifest.
	Kind() string

	// NumFeatures returns the input width the model was fit on.
	NumFeatures() int

	// Labels returns the label convention fixed at training time.
	Labels() LabelConvention

	// Classify returns the class and anomaly score for one sample.
	Classify(sample []float64) (Score, error)

	// Save serializes the trained model to bytes.
	Save() ([]byte, error)

	// Load deserializes a trained model from bytes.
	Load(data []byte) error
}

// Score represents a classification result.
type Score struct {
	// Value is the anomaly score in [0, 1]; higher is more anomalous.
	Value float64
	// Class is the predicted class index into LabelConvention.Classes.
	Class int
	// IsAnomaly is true when Class is the anomaly class.
	IsAnomaly bool
}

// LabelConvention fixes which class index means "anomaly". It is recorded
// with the trained artifacts and checked at load time.
type LabelConvention struct {
	Classes      []string `yaml:"classes"`
	AnomalyClass int      `yaml:"anomaly_class"`
}

// DefaultLabels is the binary convention used by every bundled model:
// class 0 is normal, class 1 is anomaly.
func DefaultLabels() LabelConvention {
	return LabelConvention{
		Classes:      []string{"normal", "anomaly"},
		AnomalyClass: 1,
	}
}

// Validate checks that the convention names exactly one anomaly class.
func (l LabelConvention) Validate() error {
	if len(l.Classes) < 2 {
		return errors.New("label convention needs at least two classes")
	}
	if l.AnomalyClass < 0 || l.AnomalyClass >= len(l.Classes) {
		return fmt.Errorf("anomaly class %d out of range [0, %d)", l.AnomalyClass, len(l.Classes))
	}
	seen := make(map[string]struct{}, len(l.Classes))
	for _, c := range l.Classes {
		if _, dup := seen[c]; dup {
			return fmt.Errorf("duplicate class %q", c)
		}
		seen[c] = struct{}{}
	}
	return nil
}

// Equal reports whether two conventions are identical.
func (l LabelConvention) Equal(o LabelConvention) bool {
	if l.AnomalyClass != o.AnomalyClass || len(l.Classes) != len(o.Classes) {
		return false
	}
	for i := range l.Classes {
		if l.Classes[i] != o.Classes[i] {
			return false
		}
	}
	return true
}

// ErrNotTrained is returned by models used before Fit or Load.
var ErrNotTrained = errors.New("model not trained")

// CheckWidth returns an error when sample does not have want features.
func CheckWidth(sample []float64, want int) error {
	if len(sample) != want {
		return fmt.Errorf("model expects %d features, got %d", want, len(sample))
	}
	return nil
}
