// Package workspace locates the project root a backend should be launched
// in. Hybrid template projects are identified by marker files at or above
// the first opened document.
package workspace

import (
	"os"
	"path/filepath"
)

// DefaultMarkers identify a project root, checked in order.
var DefaultMarkers = []string{
	"loom.toml",
	"go.mod",
	"package.json",
	".git",
}

// FindRoot walks upward from start looking for the nearest directory
// containing any marker. It returns start when no marker is found. start
// may be a file; the search begins at its directory.
func FindRoot(start string, markers []string) string {
	if len(markers) == 0 {
		markers = DefaultMarkers
	}

	dir := start
	if info, err := os.Stat(start); err == nil && !info.IsDir() {
		dir = filepath.Dir(start)
	}

	for cur := dir; ; {
		for _, marker := range markers {
			if _, err := os.Stat(filepath.Join(cur, marker)); err == nil {
				return cur
			}
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return dir
		}
		cur = parent
	}
}

// Discover walks root collecting directories that contain any marker,
// skipping hidden directories. It is used to enumerate nested projects in
// a multi-project workspace.
func Discover(root string, markers []string) ([]string, error) {
	if len(markers) == 0 {
		markers = DefaultMarkers
	}

	var found []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if !d.IsDir() {
			return nil
		}
		if name := d.Name(); path != root && len(name) > 1 && name[0] == '.' {
			return filepath.SkipDir
		}
		for _, marker := range markers {
			if _, err := os.Stat(filepath.Join(path, marker)); err == nil {
				found = append(found, path)
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}
