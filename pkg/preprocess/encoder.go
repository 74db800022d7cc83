package preprocess

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/hed1ad/kddguard/pkg/kdd"
)

// Encoder maps categorical values to the integer codes assigned at
// training time. The mapping is fixed once built; it is never recomputed
// from the values of a request or batch.
type Encoder struct {
	fields map[string]map[string]int
}

// NewEncoder builds an encoder from a persisted field -> name -> code
// mapping. The input is copied.
func NewEncoder(mapping map[string]map[string]int) *Encoder {
	e := &Encoder{fields: make(map[string]map[string]int, len(mapping))}
	for field, codes := range mapping {
		m := make(map[string]int, len(codes))
		for name, code := range codes {
			m[name] = code
		}
		e.fields[field] = m
	}
	return e
}

// FitEncoder assigns codes the way a label encoder does: distinct names in
// sorted order get 0..n-1. protocol_type always uses kdd.ProtocolCodes.
func FitEncoder(fields []string, rows []kdd.Record) *Encoder {
	mapping := make(map[string]map[string]int, len(fields))
	for _, field := range fields {
		if field == kdd.FieldProtocolType {
			mapping[field] = kdd.ProtocolCodes
			continue
		}
		seen := make(map[string]struct{})
		for _, row := range rows {
			s, ok := row[field].(string)
			if !ok {
				continue
			}
			s = strings.TrimSpace(s)
			if s != "" {
				seen[s] = struct{}{}
			}
		}
		names := make([]string, 0, len(seen))
		for s := range seen {
			names = append(names, s)
		}
		sort.Strings(names)
		codes := make(map[string]int, len(names))
		for i, s := range names {
			codes[s] = i
		}
		mapping[field] = codes
	}
	return NewEncoder(mapping)
}

// Has reports whether field has an encoding.
func (e *Encoder) Has(field string) bool {
	_, ok := e.fields[field]
	return ok
}

// Fields returns the encoded field names sorted.
func (e *Encoder) Fields() []string {
	out := make([]string, 0, len(e.fields))
	for f := range e.fields {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Mapping returns a copy of the field -> name -> code table.
func (e *Encoder) Mapping() map[string]map[string]int {
	return NewEncoder(e.fields).fields
}

// Names returns the category names of field ordered by code.
func (e *Encoder) Names(field string) []string {
	codes := e.fields[field]
	names := make([]string, 0, len(codes))
	for name := range codes {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		ci, cj := codes[names[i]], codes[names[j]]
		if ci != cj {
			return ci < cj
		}
		return names[i] < names[j]
	})
	return names
}

// Encode converts a raw categorical value to its training-time code.
// Category names and already-encoded integer codes are accepted. Names
// match case-insensitively when there is no exact match; among names that
// differ only by case the lowest code wins. The bool
// result is false when the value is missing (nil, empty, NaN), which the
// caller handles with its missing-value policy. Any other value outside
// the encoding yields a *kdd.UnknownCategoryError.
func (e *Encoder) Encode(field string, v any) (float64, bool, error) {
	codes, ok := e.fields[field]
	if !ok {
		return 0, false, &kdd.UnknownCategoryError{Field: field, Value: format(v)}
	}

	switch x := v.(type) {
	case nil:
		return 0, false, nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, false, nil
		}
		if code, ok := codes[s]; ok {
			return float64(code), true, nil
		}
		for _, name := range e.Names(field) {
			if strings.EqualFold(name, s) {
				return float64(codes[name]), true, nil
			}
		}
		if n, err := strconv.Atoi(s); err == nil && validCode(codes, n) {
			return float64(n), true, nil
		}
	default:
		f, ok := kdd.Numeric(v)
		if !ok {
			if isNaN(v) {
				return 0, false, nil
			}
			break
		}
		if f == math.Trunc(f) && validCode(codes, int(f)) {
			return f, true, nil
		}
	}

	return 0, false, &kdd.UnknownCategoryError{
		Field: field,
		Value: format(v),
		Valid: e.Names(field),
	}
}

func validCode(codes map[string]int, n int) bool {
	for _, code := range codes {
		if code == n {
			return true
		}
	}
	return false
}

func isNaN(v any) bool {
	switch x := v.(type) {
	case float64:
		return math.IsNaN(x)
	case float32:
		return math.IsNaN(float64(x))
	}
	return false
}

func format(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return "<nil>"
	}
	f, ok := kdd.Numeric(v)
	if ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}
