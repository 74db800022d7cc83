// Package artifacts loads and persists the trained artifacts served by the
// inference pipeline: the feature scaler, the dimensionality reducer, the
// classifier and the manifest that ties them to a feature schema.
package artifacts

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/zeebo/blake3"

	"github.com/hed1ad/kddguard/pkg/detectors"
)

// Blob names inside an artifact location.
const (
	ManifestFile   = "manifest.yaml"
	ScalerFile     = "scaler.gob"
	ReducerFile    = "reducer.gob"
	ClassifierFile = "classifier.gob"
)

// ManifestVersion is the only manifest layout this package reads. The
// validate tag on Manifest.Version must match it.
const ManifestVersion = 1

// DefaultMissingSentinel replaces absent or non-numeric values.
const DefaultMissingSentinel = -1

// Manifest records everything fixed at training time that the blobs alone
// do not carry.
type Manifest struct {
	Version         int                       `yaml:"version" validate:"eq=1"`
	CreatedAt       time.Time                 `yaml:"created_at"`
	Features        []string                  `yaml:"features" validate:"required,min=1,unique,dive,required"`
	Encodings       map[string]map[string]int `yaml:"encodings" validate:"dive,keys,required,endkeys,dive,keys,required,endkeys,gte=0"`
	Labels          detectors.LabelConvention `yaml:"labels"`
	Classifier      string                    `yaml:"classifier" validate:"required"`
	Components      int                       `yaml:"components" validate:"gte=0"`
	MissingSentinel float64                   `yaml:"missing_sentinel"`
	Checksums       map[string]string         `yaml:"checksums" validate:"dive,keys,required,endkeys,len=64,hexadecimal"`
}

var validate = validator.New()

func (m *Manifest) validate() error {
	if err := validate.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag())
			}
			return fmt.Errorf("invalid manifest: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid manifest: %w", err)
	}
	if err := m.Labels.Validate(); err != nil {
		return fmt.Errorf("manifest labels: %w", err)
	}
	return nil
}

// checksum returns the hex BLAKE3-256 digest of data.
func checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (m *Manifest) verify(name string, data []byte) error {
	want, ok := m.Checksums[name]
	if !ok {
		return fmt.Errorf("manifest has no checksum for %s", name)
	}
	if got := checksum(data); got != want {
		return fmt.Errorf("%w: got %s, manifest records %s", ErrChecksum, got, want)
	}
	return nil
}
