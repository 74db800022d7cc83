// Package artifactstest builds small deterministic artifact bundles from
// synthetic KDD connections for tests and examples.
package artifactstest

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/hed1ad/kddguard/pkg/artifacts"
	"github.com/hed1ad/kddguard/pkg/detectors"
	"github.com/hed1ad/kddguard/pkg/detectors/forest"
	"github.com/hed1ad/kddguard/pkg/detectors/iforest"
	"github.com/hed1ad/kddguard/pkg/kdd"
	"github.com/hed1ad/kddguard/pkg/preprocess"
)

// Services and Flags are the category names the generator emits. The first
// twelve connections already use all of them.
var (
	Services = []string{"domain_u", "ecr_i", "ftp_data", "http", "other", "private", "smtp", "telnet"}
	Flags    = []string{"REJ", "RSTO", "S0", "SF"}
)

// Connections returns n synthetic connections. Roughly one in four is an
// attack drawn from a SYN flood, ICMP flood or port scan profile; the rest
// look like ordinary client traffic.
func Connections(n int, seed int64) []kdd.Connection {
	rng := rand.New(rand.NewSource(seed))
	out := make([]kdd.Connection, n)
	var normals, attacks int
	for i := range out {
		var rec kdd.Record
		var label string
		if i%4 == 3 {
			rec, label = attack(rng, attacks)
			attacks++
		} else {
			rec, label = normal(rng, normals)
			normals++
		}
		out[i] = kdd.Connection{
			ID:     fmt.Sprintf("conn-%d", i),
			SrcIP:  fmt.Sprintf("192.168.1.%d", 1+i%254),
			DstIP:  fmt.Sprintf("10.0.0.%d", 1+(i*7)%254),
			Label:  label,
			Fields: rec,
		}
	}
	return out
}

// Records returns the feature records of conns.
func Records(conns []kdd.Connection) []kdd.Record {
	out := make([]kdd.Record, len(conns))
	for i, c := range conns {
		out[i] = c.Fields
	}
	return out
}

// Record returns one all-zero record with the given overrides applied.
func Record(overrides map[string]any) kdd.Record {
	rec := make(kdd.Record, len(kdd.FeatureNames))
	for _, name := range kdd.FeatureNames {
		rec[name] = 0.0
	}
	rec[kdd.FieldProtocolType] = "tcp"
	rec[kdd.FieldService] = "http"
	rec[kdd.FieldFlag] = "SF"
	for k, v := range overrides {
		rec[k] = v
	}
	return rec
}

func normal(rng *rand.Rand, i int) (kdd.Record, string) {
	service := Services[i%len(Services)]
	flag := Flags[i%len(Flags)]
	proto := "tcp"
	switch service {
	case "domain_u":
		proto = "udp"
	case "ecr_i":
		proto = "icmp"
	}

	rec := Record(map[string]any{
		kdd.FieldDuration:        float64(rng.Intn(5)),
		kdd.FieldProtocolType:    proto,
		kdd.FieldService:         service,
		kdd.FieldFlag:            flag,
		kdd.FieldSrcBytes:        200 + rng.Intn(400),
		kdd.FieldDstBytes:        1000 + rng.Intn(4000),
		"logged_in":              1,
		"count":                  1 + rng.Intn(8),
		"srv_count":              1 + rng.Intn(8),
		"same_srv_rate":          1.0,
		kdd.FieldDstHostCount:    rng.Intn(255),
		"dst_host_srv_count":     100 + rng.Intn(155),
		"dst_host_same_srv_rate": 0.9 + rng.Float64()*0.1,
	})
	return rec, "normal."
}

func attack(rng *rand.Rand, i int) (kdd.Record, string) {
	switch i % 3 {
	case 0:
		return Record(map[string]any{
			kdd.FieldProtocolType:      "tcp",
			kdd.FieldService:           "private",
			kdd.FieldFlag:              "S0",
			"count":                    200 + rng.Intn(311),
			"srv_count":                10 + rng.Intn(20),
			"serror_rate":              1.0,
			"srv_serror_rate":          1.0,
			"same_srv_rate":            0.05,
			"diff_srv_rate":            0.06,
			kdd.FieldDstHostCount:      255,
			"dst_host_srv_count":       rng.Intn(20),
			"dst_host_serror_rate":     1.0,
			"dst_host_srv_serror_rate": 1.0,
		}), "neptune."
	case 1:
		return Record(map[string]any{
			kdd.FieldProtocolType:         "icmp",
			kdd.FieldService:              "ecr_i",
			kdd.FieldFlag:                 "SF",
			kdd.FieldSrcBytes:             1032,
			"count":                       511,
			"srv_count":                   511,
			"same_srv_rate":               1.0,
			kdd.FieldDstHostCount:         255,
			"dst_host_srv_count":          255,
			"dst_host_same_srv_rate":      1.0,
			"dst_host_same_src_port_rate": 1.0,
		}), "smurf."
	default:
		return Record(map[string]any{
			kdd.FieldProtocolType:    "tcp",
			kdd.FieldService:         "other",
			kdd.FieldFlag:            "REJ",
			"count":                  1 + rng.Intn(3),
			"rerror_rate":            1.0,
			"srv_rerror_rate":        1.0,
			"diff_srv_rate":          1.0,
			kdd.FieldDstHostCount:    1 + rng.Intn(10),
			"dst_host_diff_srv_rate": 0.9 + rng.Float64()*0.1,
			"dst_host_rerror_rate":   1.0,
		}), "portsweep."
	}
}

// Matrix encodes records into rows in kdd.FeatureNames order. Missing or
// non-numeric values become artifacts.DefaultMissingSentinel.
func Matrix(enc *preprocess.Encoder, recs []kdd.Record) ([][]float64, error) {
	out := make([][]float64, len(recs))
	for i, rec := range recs {
		row := make([]float64, len(kdd.FeatureNames))
		for j, name := range kdd.FeatureNames {
			var (
				v  float64
				ok bool
			)
			if kdd.IsCategorical(name) {
				var err error
				if v, ok, err = enc.Encode(name, rec[name]); err != nil {
					return nil, fmt.Errorf("row %d: %w", i, err)
				}
			} else {
				v, ok = kdd.Numeric(rec[name])
			}
			if !ok {
				v = artifacts.DefaultMissingSentinel
			}
			row[j] = v
		}
		out[i] = row
	}
	return out, nil
}

// Classes maps dataset labels to class indices of the default convention.
func Classes(conns []kdd.Connection) []int {
	l := detectors.DefaultLabels()
	y := make([]int, len(conns))
	for i, c := range conns {
		if kdd.BinaryLabel(c.Label).IsAnomaly() {
			y[i] = l.AnomalyClass
		} else {
			y[i] = 1 - l.AnomalyClass
		}
	}
	return y
}

// Build fits encoder, scaler, reducer and a classifier of the given kind
// on conns.
func Build(conns []kdd.Connection, kind string) (*artifacts.Bundle, error) {
	recs := Records(conns)
	enc := preprocess.FitEncoder(kdd.CategoricalFields, recs)

	raw, err := Matrix(enc, recs)
	if err != nil {
		return nil, err
	}
	scaler, err := preprocess.FitScaler(kdd.FeatureNames, raw)
	if err != nil {
		return nil, fmt.Errorf("fit scaler: %w", err)
	}
	scaled, err := scaler.TransformAll(raw)
	if err != nil {
		return nil, err
	}
	reducer, err := preprocess.FitReducer(scaled, preprocess.DefaultVarianceRatio)
	if err != nil {
		return nil, fmt.Errorf("fit reducer: %w", err)
	}
	reduced, err := reducer.TransformAll(scaled)
	if err != nil {
		return nil, err
	}

	var clf detectors.Classifier
	switch kind {
	case forest.Kind:
		rf := forest.New(forest.WithTrees(15), forest.WithMaxDepth(8), forest.WithSeed(7))
		if err := rf.Fit(reduced, Classes(conns)); err != nil {
			return nil, fmt.Errorf("fit forest: %w", err)
		}
		clf = rf
	case iforest.Kind:
		f := iforest.New(iforest.WithTrees(50), iforest.WithSampleSize(128), iforest.WithContamination(0.25), iforest.WithSeed(7))
		if err := f.Fit(reduced); err != nil {
			return nil, fmt.Errorf("fit isolation forest: %w", err)
		}
		clf = f
	default:
		return nil, fmt.Errorf("unknown classifier kind %q", kind)
	}

	return artifacts.NewBundle(enc, scaler, reducer, clf)
}

// Bundle returns a forest bundle fit on 400 synthetic connections.
func Bundle(tb testing.TB) *artifacts.Bundle {
	tb.Helper()
	b, err := Build(Connections(400, 1), forest.Kind)
	if err != nil {
		tb.Fatalf("build bundle: %v", err)
	}
	return b
}

// Dir saves a bundle to a fresh temporary directory and returns its path.
func Dir(tb testing.TB, b *artifacts.Bundle) string {
	tb.Helper()
	dir := tb.TempDir()
	if err := artifacts.Save(dir, b); err != nil {
		tb.Fatalf("save bundle: %v", err)
	}
	return dir
}
