// Package atomicfile replaces files so that readers see either the old or
// the new contents.
package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"
)

// Write replaces path with data through a synced temp file in the same
// directory. Missing parent directories are created with mode 0700.
func Write(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	fail := func(step string, err error) error {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to %s temp file: %w", step, err)
	}

	if _, err := tmpFile.Write(data); err != nil {
		return fail("write", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := tmpFile.Chmod(perm); err != nil {
		return fail("chmod", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
