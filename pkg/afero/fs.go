// Package afero holds the agent's helpers on top of spf13's afero.
package afero

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/sgl-project/sft-agent/pkg/logging"
)

// WriteFileAtomic replaces path with data by writing a sibling temp file and
// renaming it over the target, so readers never see a partial file. The parent
// directory is created if missing. Identical contents only get their mode reset.
func WriteFileAtomic(fs afero.Fs, path string, data []byte, fileMode os.FileMode, log logging.Interface) error {
	destDir, destFile := filepath.Split(path)
	if destDir == "" {
		destDir = "."
	}
	if err := fs.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", destDir, err)
	}

	oldContents, err := afero.ReadFile(fs, path)
	if err == nil && bytes.Equal(oldContents, data) {
		return fs.Chmod(path, fileMode)
	}

	log.WithField("destPath", path).Debug("Writing file")

	if isRenameBugged(fs) {
		return afero.WriteFile(fs, path, data, fileMode)
	}

	tmp, err := afero.TempFile(fs, destDir, "."+destFile+"~")
	if err != nil {
		return fmt.Errorf("creating tmp file for atomic write: %w", err)
	}
	defer func() { _ = tmp.Close() }()
	defer func() { _ = fs.Remove(tmp.Name()) }()

	if err := afero.WriteFile(fs, tmp.Name(), data, fileMode); err != nil {
		return fmt.Errorf("error writing into a temp file: %w", err)
	}
	return fs.Rename(tmp.Name(), path)
}

// MemMapFs renames are unreliable, so it is written in place.
func isRenameBugged(fs afero.Fs) bool {
	_, ok := fs.(*afero.MemMapFs)
	return ok
}
