package infra

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
)

// GetWorkDir resolves a directory under the dot path and creates it.
func GetWorkDir(dotPath string, path ...string) (string, error) {
	workDir, err := homedir.Expand(filepath.Join(append([]string{dotPath}, path...)...))
	if err != nil {
		return "", fmt.Errorf("expand work dir: %w", err)
	}
	if err = os.MkdirAll(workDir, 0o750); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	return workDir, nil
}
