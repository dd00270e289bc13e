package testing

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// TempDir will return a temporary directory and a closer func for deleting
// the directory tree.
func TempDir() (string, func(), error) {
	tmp, err := os.MkdirTemp("", "sft-agent-")
	if err != nil {
		return "", nil, err
	}
	return tmp, func() { _ = os.RemoveAll(tmp) }, nil
}

// TempFile will return a temporary file and a closer func for the file.
func TempFile() (*os.File, func(), error) {
	tmp, err := os.CreateTemp("", "sft-agent-")
	if err != nil {
		return nil, nil, err
	}
	return tmp, func() { _ = os.Remove(tmp.Name()) }, nil
}

// WriteJSONLines writes one JSON object per line into dir/name and returns the path.
func WriteJSONLines(dir, name string, records ...map[string]interface{}) (string, error) {
	var sb strings.Builder
	for _, r := range records {
		line, err := json.Marshal(r)
		if err != nil {
			return "", err
		}
		sb.Write(line)
		sb.WriteByte('\n')
	}
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return path, os.WriteFile(path, []byte(sb.String()), 0o644)
}

// StringPtr Helper function for testing
func StringPtr(s string) *string {
	return &s
}
