package files

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// EngineBinEnv overrides the engine binary lookup.
const EngineBinEnv = "ENGINEHOST_BIN"

// EngineBinName is the file name searched for by FindEngineBin.
const EngineBinName = "engine"

// FindUp returns the path of the first entry called name in dir or one of its parents, or "" if there is none.
func FindUp(name, dir string) (string, error) {
	curDir := dir
	for {
		entries, err := os.ReadDir(curDir)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", curDir, err)
		}
		for _, e := range entries {
			if name == e.Name() && !e.IsDir() {
				return filepath.Join(curDir, name), nil
			}
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return "", nil
		}
		curDir = newDir
	}
}

// FindEngineBin locates the engine binary: $ENGINEHOST_BIN, then an "engine" file in the working dir or its parents,
// then $PATH.
func FindEngineBin() (string, error) {
	if bin := os.Getenv(EngineBinEnv); bin != "" {
		return bin, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting wd: %w", err)
	}
	bin, err := FindUp(EngineBinName, wd)
	if err != nil {
		return "", err
	}
	if bin != "" {
		return bin, nil
	}
	bin, err = exec.LookPath(EngineBinName)
	if err != nil {
		return "", errors.New("unable to find engine bin")
	}
	return bin, nil
}
