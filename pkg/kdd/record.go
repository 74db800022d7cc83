package kdd

import (
	"bytes"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Record is one raw connection keyed by feature name. Values may be
// numbers, numeric strings, category names or nil.
type Record map[string]any

// Connection is a record together with metadata that never reaches the
// model.
type Connection struct {
	ID     string
	SrcIP  string
	DstIP  string
	Label  string // ground truth from the dataset, empty when unknown
	Fields Record
}

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Keys returns the record's field names sorted.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DecodeRecord parses a JSON object into a Record, keeping numbers as
// json.Number so integer codes survive intact.
func DecodeRecord(data []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var rec Record
	if err := dec.Decode(&rec); err != nil {
		return nil, err
	}
	if rec == nil {
		rec = Record{}
	}
	return rec, nil
}

// Numeric converts a raw value to a finite float64. It returns false for
// nil, NaN, infinities and anything that does not parse as a number.
func Numeric(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case nil:
		return 0, false
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int32:
		f = float64(x)
	case int64:
		f = float64(x)
	case uint:
		f = float64(x)
	case uint32:
		f = float64(x)
	case uint64:
		f = float64(x)
	case json.Number:
		parsed, err := x.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// BinaryLabel collapses a dataset label to "normal" or "anomaly". Every
// attack category counts as an anomaly. Empty input yields "".
func BinaryLabel(raw string) Label {
	s := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(raw)), ".")
	switch s {
	case "":
		return ""
	case string(LabelNormal):
		return LabelNormal
	default:
		return LabelAnomaly
	}
}
