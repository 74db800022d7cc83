package artifacts

import (
	"errors"
	"fmt"
)

var (
	// ErrLoad matches any *LoadError.
	ErrLoad = errors.New("artifact load failed")
	// ErrConsistency matches any *ConsistencyError.
	ErrConsistency = errors.New("artifact consistency check failed")
	// ErrChecksum is wrapped by a LoadError when a blob does not match the
	// digest recorded in the manifest.
	ErrChecksum = errors.New("checksum mismatch")
)

// LoadError reports an artifact that is missing, unreadable or corrupt.
type LoadError struct {
	Artifact string
	Location string
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s from %s: %v", e.Artifact, e.Location, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match ErrLoad.
func (e *LoadError) Is(target error) bool {
	return target == ErrLoad
}

// ConsistencyError reports artifacts that load individually but disagree
// with each other.
type ConsistencyError struct {
	Check  string
	Detail string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("inconsistent artifacts (%s): %s", e.Check, e.Detail)
}

// Is lets errors.Is match ErrConsistency.
func (e *ConsistencyError) Is(target error) bool {
	return target == ErrConsistency
}

func inconsistent(check, format string, args ...any) error {
	return &ConsistencyError{Check: check, Detail: fmt.Sprintf(format, args...)}
}
