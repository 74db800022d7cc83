package artifacts

import (
	"context"
	"os"
	"path/filepath"
)

// Source reads named artifact blobs from persistent storage.
type Source interface {
	// ReadFile returns the full contents of the named blob. Missing blobs
	// yield an error wrapping os.ErrNotExist.
	ReadFile(ctx context.Context, name string) ([]byte, error)

	// String describes the location for logs and errors.
	String() string
}

// DirSource reads artifacts from a local directory.
type DirSource string

// ReadFile implements Source.
func (d DirSource) ReadFile(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.ReadFile(filepath.Join(string(d), name))
}

func (d DirSource) String() string {
	return string(d)
}
