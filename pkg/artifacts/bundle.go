package artifacts

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hed1ad/kddguard/pkg/detectors"
	"github.com/hed1ad/kddguard/pkg/detectors/forest"
	"github.com/hed1ad/kddguard/pkg/detectors/iforest"
	"github.com/hed1ad/kddguard/pkg/kdd"
	"github.com/hed1ad/kddguard/pkg/preprocess"
)

// Bundle is the immutable set of loaded artifacts. It is built once at
// startup and shared read-only by every prediction.
type Bundle struct {
	Manifest   Manifest
	Scaler     *preprocess.Scaler
	Reducer    *preprocess.Reducer
	Classifier detectors.Classifier
	Encoder    *preprocess.Encoder
}

// NewBundle assembles fitted components into a bundle and checks that they
// agree with each other. Categorical encodings are taken from enc.
func NewBundle(enc *preprocess.Encoder, scaler *preprocess.Scaler, reducer *preprocess.Reducer, clf detectors.Classifier) (*Bundle, error) {
	b := &Bundle{
		Manifest: Manifest{
			Version:         ManifestVersion,
			CreatedAt:       time.Now().UTC(),
			Features:        append([]string(nil), scaler.Columns...),
			Encodings:       enc.Mapping(),
			Labels:          clf.Labels(),
			Classifier:      clf.Kind(),
			Components:      reducer.NumComponents(),
			MissingSentinel: DefaultMissingSentinel,
		},
		Scaler:     scaler,
		Reducer:    reducer,
		Classifier: clf,
		Encoder:    enc,
	}
	if err := b.Check(); err != nil {
		return nil, err
	}
	return b, nil
}

// Check verifies that the artifacts describe one feature pipeline.
func (b *Bundle) Check() error {
	m := &b.Manifest

	if got, want := len(b.Scaler.Columns), len(m.Features); got != want {
		return inconsistent("scaler_width", "scaler expects %d features, manifest lists %d", got, want)
	}
	for i, name := range m.Features {
		if b.Scaler.Columns[i] != name {
			return inconsistent("scaler_order", "scaler column %d is %q, manifest lists %q", i, b.Scaler.Columns[i], name)
		}
	}
	if got, want := b.Reducer.NumFeatures(), len(m.Features); got != want {
		return inconsistent("reducer_width", "reducer was fit on %d features, scaler produces %d", got, want)
	}
	if m.Components != 0 && m.Components != b.Reducer.NumComponents() {
		return inconsistent("components", "manifest records %d components, reducer has %d", m.Components, b.Reducer.NumComponents())
	}
	if got, want := b.Classifier.NumFeatures(), b.Reducer.NumComponents(); got != want {
		return inconsistent("classifier_width", "classifier expects %d inputs, reducer produces %d", got, want)
	}
	if !b.Classifier.Labels().Equal(m.Labels) {
		return inconsistent("labels", "manifest convention %v differs from classifier %v", m.Labels, b.Classifier.Labels())
	}

	if err := checkEncodings(m); err != nil {
		return err
	}
	if !sameMapping(b.Encoder.Mapping(), m.Encodings) {
		return inconsistent("encoding", "encoder table differs from the manifest encodings")
	}

	for _, name := range m.Features {
		if !kdd.IsCategorical(name) {
			continue
		}
		codes, ok := m.Encodings[name]
		if !ok || len(codes) == 0 {
			return inconsistent("encoding", "no training-time encoding for categorical feature %q", name)
		}
		if name == kdd.FieldProtocolType && !sameCodes(codes, kdd.ProtocolCodes) {
			return inconsistent("encoding", "protocol_type encoding %v differs from the fixed table %v", codes, kdd.ProtocolCodes)
		}
	}

	return nil
}

// checkEncodings rejects encodings that the pipeline could never apply
// correctly: tables for numeric or unknown fields and tables that give two
// names the same code.
func checkEncodings(m *Manifest) error {
	features := make(map[string]struct{}, len(m.Features))
	for _, name := range m.Features {
		features[name] = struct{}{}
	}

	fields := make([]string, 0, len(m.Encodings))
	for field := range m.Encodings {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for _, field := range fields {
		if _, ok := features[field]; !ok {
			return inconsistent("encoding", "encoding for %q, which is not a manifest feature", field)
		}
		if !kdd.IsCategorical(field) {
			return inconsistent("encoding", "encoding for numeric feature %q", field)
		}
		byCode := make(map[int]string, len(m.Encodings[field]))
		for _, name := range sortedNames(m.Encodings[field]) {
			code := m.Encodings[field][name]
			if prev, dup := byCode[code]; dup {
				return inconsistent("encoding", "%s encodes %q and %q as %d", field, prev, name, code)
			}
			byCode[code] = name
		}
	}
	return nil
}

func sortedNames(codes map[string]int) []string {
	names := make([]string, 0, len(codes))
	for name := range codes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sameMapping(a, b map[string]map[string]int) bool {
	if len(a) != len(b) {
		return false
	}
	for field, codes := range a {
		other, ok := b[field]
		if !ok || !sameCodes(codes, other) {
			return false
		}
	}
	return true
}

func sameCodes(a, b map[string]int) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}

// Load reads, verifies and cross-checks a bundle from src. Any error is a
// *LoadError or *ConsistencyError.
func Load(ctx context.Context, src Source) (*Bundle, error) {
	loc := src.String()

	raw, err := src.ReadFile(ctx, ManifestFile)
	if err != nil {
		return nil, &LoadError{Artifact: ManifestFile, Location: loc, Err: err}
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, &LoadError{Artifact: ManifestFile, Location: loc, Err: err}
	}
	if err := m.validate(); err != nil {
		return nil, &LoadError{Artifact: ManifestFile, Location: loc, Err: err}
	}

	read := func(name string) ([]byte, error) {
		data, err := src.ReadFile(ctx, name)
		if err != nil {
			return nil, &LoadError{Artifact: name, Location: loc, Err: err}
		}
		if err := m.verify(name, data); err != nil {
			return nil, &LoadError{Artifact: name, Location: loc, Err: err}
		}
		return data, nil
	}

	b := &Bundle{Manifest: m, Encoder: preprocess.NewEncoder(m.Encodings)}

	data, err := read(ScalerFile)
	if err != nil {
		return nil, err
	}
	b.Scaler = &preprocess.Scaler{}
	if err := decodeValid(data, b.Scaler); err != nil {
		return nil, &LoadError{Artifact: ScalerFile, Location: loc, Err: err}
	}

	if data, err = read(ReducerFile); err != nil {
		return nil, err
	}
	b.Reducer = &preprocess.Reducer{}
	if err := decodeValid(data, b.Reducer); err != nil {
		return nil, &LoadError{Artifact: ReducerFile, Location: loc, Err: err}
	}

	if data, err = read(ClassifierFile); err != nil {
		return nil, err
	}
	clf, err := newClassifier(m.Classifier)
	if err == nil {
		err = clf.Load(data)
	}
	if err != nil {
		return nil, &LoadError{Artifact: ClassifierFile, Location: loc, Err: err}
	}
	b.Classifier = clf

	if err := b.Check(); err != nil {
		return nil, err
	}
	return b, nil
}

// Encode serializes the bundle into its blobs, including a manifest that
// records their checksums.
func (b *Bundle) Encode() (map[string][]byte, error) {
	files := make(map[string][]byte, 4)

	var err error
	if files[ScalerFile], err = encode(b.Scaler); err != nil {
		return nil, fmt.Errorf("encode scaler: %w", err)
	}
	if files[ReducerFile], err = encode(b.Reducer); err != nil {
		return nil, fmt.Errorf("encode reducer: %w", err)
	}
	if files[ClassifierFile], err = b.Classifier.Save(); err != nil {
		return nil, fmt.Errorf("encode classifier: %w", err)
	}

	m := b.Manifest
	m.Checksums = make(map[string]string, 3)
	for name, data := range files {
		m.Checksums[name] = checksum(data)
	}
	if files[ManifestFile], err = yaml.Marshal(&m); err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}

	return files, nil
}

// Save writes the bundle to dir, creating it if needed.
func Save(dir string, b *Bundle) error {
	files, err := b.Encode()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

func newClassifier(kind string) (detectors.Classifier, error) {
	switch kind {
	case forest.Kind:
		return forest.New(), nil
	case iforest.Kind:
		return iforest.New(), nil
	default:
		return nil, fmt.Errorf("unknown classifier kind %q", kind)
	}
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeValid gob-decodes data into v and runs its Validate method.
func decodeValid(data []byte, v interface{ Validate() error }) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return err
	}
	return v.Validate()
}
