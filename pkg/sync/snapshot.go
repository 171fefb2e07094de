package sync

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"

	"github.com/sidkik/bupper/pkg/errors"
)

// Mocked out for unit testing.
var fs = afero.NewOsFs()

// Directory is a snapshot of a local directory tree. Each node owns its
// children, and Files only contains the direct children of Path.
type Directory struct {
	Path           string
	Files          []string
	Subdirectories []Directory
}

// AllFiles returns every file in the tree, the files of a directory before
// the files of its subdirectories.
func (d Directory) AllFiles() []string {
	files := append([]string{}, d.Files...)
	for _, sub := range d.Subdirectories {
		files = append(files, sub.AllFiles()...)
	}
	return files
}

// SnapshotDirectory enumerates the tree rooted at `path`. Any error while
// reading the tree fails the entire snapshot.
//
// Paths matching one of the doublestar `excludes` are left out. Patterns are
// matched against the slash separated path relative to `path`, and patterns
// ending with a slash exclude whole directories. Only regular files are
// included, and symlinked directories are never followed.
func SnapshotDirectory(path string, excludes []string) (Directory, error) {
	return snapshotRoot(path, excludes, true)
}

// SnapshotTopLevel is like SnapshotDirectory, except that the subdirectories
// of `path` aren't read. Their Files and Subdirectories are always empty.
func SnapshotTopLevel(path string, excludes []string) (Directory, error) {
	return snapshotRoot(path, excludes, false)
}

func snapshotRoot(path string, excludes []string, recursive bool) (Directory, error) {
	fi, err := fs.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Directory{}, errors.FileNotFound{Path: path}
		}
		return Directory{}, errors.WithContext(err, "stat")
	}

	if !fi.IsDir() {
		return Directory{}, errors.New("%q is not a directory", path)
	}
	return snapshot(path, path, excludes, recursive)
}

func snapshot(root, path string, excludes []string, recursive bool) (Directory, error) {
	entries, err := afero.ReadDir(fs, path)
	if err != nil {
		return Directory{}, errors.WithContext(err, fmt.Sprintf("read dir %s", path))
	}

	dir := Directory{Path: path}
	for _, entry := range entries {
		childPath := filepath.Join(path, entry.Name())
		relPath, err := filepath.Rel(root, childPath)
		if err != nil {
			return Directory{}, errors.WithContext(err, "normalize path")
		}
		relPath = filepath.ToSlash(relPath)

		switch {
		case entry.IsDir():
			if isExcluded(excludes, relPath, true) {
				continue
			}

			if !recursive {
				dir.Subdirectories = append(dir.Subdirectories, Directory{Path: childPath})
				continue
			}

			sub, err := snapshot(root, childPath, excludes, true)
			if err != nil {
				return Directory{}, err
			}
			dir.Subdirectories = append(dir.Subdirectories, sub)
		case entry.Mode().IsRegular():
			if isExcluded(excludes, relPath, false) {
				continue
			}
			dir.Files = append(dir.Files, childPath)
		}
	}
	return dir, nil
}

func isExcluded(excludes []string, relPath string, isDir bool) bool {
	for _, pattern := range excludes {
		if strings.HasSuffix(pattern, "/") {
			if !isDir {
				continue
			}
			pattern = strings.TrimSuffix(pattern, "/")
		}

		if matched, _ := doublestar.Match(pattern, relPath); matched {
			return true
		}
	}
	return false
}
