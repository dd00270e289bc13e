package afero

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgl-project/sft-agent/pkg/logging"
)

func TestWriteFileAtomic(t *testing.T) {
	tests := []struct {
		name string
		fs   func(t *testing.T) (afero.Fs, string)
	}{
		{
			name: "os",
			fs: func(t *testing.T) (afero.Fs, string) {
				return afero.NewOsFs(), t.TempDir()
			},
		},
		{
			name: "memory",
			fs: func(t *testing.T) (afero.Fs, string) {
				return afero.NewMemMapFs(), "/tmp"
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs, root := tt.fs(t)
			path := filepath.Join(root, "dev", "termination-log")

			require.NoError(t, WriteFileAtomic(fs, path, []byte("first"), 0o644, logging.Discard()))
			require.NoError(t, WriteFileAtomic(fs, path, []byte("second"), 0o644, logging.Discard()))

			got, err := afero.ReadFile(fs, path)
			require.NoError(t, err)
			assert.Equal(t, "second", string(got))

			entries, err := afero.ReadDir(fs, filepath.Dir(path))
			require.NoError(t, err)
			assert.Len(t, entries, 1, "no temp files left behind")
		})
	}
}

func TestWriteFileAtomic_SameContentResetsMode(t *testing.T) {
	fs := afero.NewOsFs()
	path := filepath.Join(t.TempDir(), "log")
	require.NoError(t, os.WriteFile(path, []byte("same"), 0o600))

	require.NoError(t, WriteFileAtomic(fs, path, []byte("same"), 0o644, logging.Discard()))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}
