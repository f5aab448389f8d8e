package platform

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultSystemDir is the hidden directory holding a dataset.
const DefaultSystemDir = ".strata"

// Paths is the on-disk layout of one dataset.
type Paths struct {
	Root    string
	System  string
	Store   string
	Objects string
	Schema  string
	Config  string
	// Port is reserved for a server lock file.
	Port string
}

// Layout returns the paths of the dataset rooted at root.
func Layout(root, systemDir string) Paths {
	if systemDir == "" {
		systemDir = DefaultSystemDir
	}
	sys := filepath.Join(root, systemDir)
	return Paths{
		Root:    root,
		System:  sys,
		Store:   filepath.Join(sys, "store"),
		Objects: filepath.Join(sys, "objects"),
		Schema:  filepath.Join(sys, "schema.json"),
		Config:  filepath.Join(sys, "config.yaml"),
		Port:    filepath.Join(sys, "PORT"),
	}
}

// FindRoot looks upwards from startDir for a directory holding a dataset
// and returns its absolute path.
func FindRoot(startDir string, opts ...Option) (string, error) {
	o := buildOptions(opts)
	abs, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}

	dir := abs
	for {
		if hasFile(dir, o.systemDir) {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("no %s directory found above %s", o.systemDir, abs)
}

func hasFile(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}
