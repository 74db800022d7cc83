package kdd

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSchemaMismatch matches any *SchemaMismatchError.
	ErrSchemaMismatch = errors.New("schema mismatch")
	// ErrUnknownCategory matches any *UnknownCategoryError.
	ErrUnknownCategory = errors.New("unknown category")
)

// SchemaMismatchError reports a record whose field set differs from the
// trained feature schema.
type SchemaMismatchError struct {
	Missing []string
	Extra   []string
}

func (e *SchemaMismatchError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if len(e.Extra) > 0 {
		parts = append(parts, "unexpected "+strings.Join(e.Extra, ", "))
	}
	return fmt.Sprintf("schema mismatch: %s", strings.Join(parts, "; "))
}

// Is lets errors.Is match ErrSchemaMismatch.
func (e *SchemaMismatchError) Is(target error) bool {
	return target == ErrSchemaMismatch
}

// UnknownCategoryError reports a categorical value absent from the
// training-time encoding.
type UnknownCategoryError struct {
	Field string
	Value string
	Valid []string
}

func (e *UnknownCategoryError) Error() string {
	return fmt.Sprintf("unknown %s %q (valid: %s)", e.Field, e.Value, strings.Join(e.Valid, ", "))
}

// Is lets errors.Is match ErrUnknownCategory.
func (e *UnknownCategoryError) Is(target error) bool {
	return target == ErrUnknownCategory
}
