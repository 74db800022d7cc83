package pipeline

import (
	"errors"

	"github.com/hed1ad/kddguard/pkg/kdd"
)

// Error kinds reported by Kind.
const (
	KindSchemaMismatch  = "schema_mismatch"
	KindUnknownCategory = "unknown_category"
	KindNotProcessed    = "not_processed"
	KindInternal        = "internal"
)

// ErrNotProcessed marks batch rows that were never fed to a worker
// because the batch was cancelled.
var ErrNotProcessed = errors.New("row not processed")

// Kind maps an error to a stable identifier for responses and metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, kdd.ErrSchemaMismatch):
		return KindSchemaMismatch
	case errors.Is(err, kdd.ErrUnknownCategory):
		return KindUnknownCategory
	case errors.Is(err, ErrNotProcessed):
		return KindNotProcessed
	default:
		return KindInternal
	}
}

// Recoverable reports whether err is a per-record input error rather than
// a failure of the pipeline itself.
func Recoverable(err error) bool {
	switch Kind(err) {
	case KindSchemaMismatch, KindUnknownCategory:
		return true
	}
	return false
}
