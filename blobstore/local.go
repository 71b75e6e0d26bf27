package blobstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Local stores objects as files under a base directory, which plays the
// role of the bucket.
type Local struct {
	dir string
}

func NewLocal(dir string) *Local {
	if dir == "" {
		dir = "."
	}
	return &Local{dir: dir}
}

// Put writes data to a temp file and renames it into place so readers never
// see a partial object.
func (l *Local) Put(ctx context.Context, objectPath string, data []byte, _ map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target := filepath.Join(l.dir, filepath.FromSlash(objectPath))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", target, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write %s: %w", target, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close %s: %w", target, err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename %s: %w", target, err)
	}
	return nil
}
