package files

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// FindUp searches dir and each of its parents for an entry called name, returning the first match.
// An empty string with a nil error means no directory up to the filesystem root contained it.
func FindUp(name, dir string) (string, error) {
	curDir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(curDir, name)
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return "", nil
		}
		curDir = newDir
	}
}
