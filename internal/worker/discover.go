package worker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// ErrPathNotFound is returned when an input path does not exist.
var ErrPathNotFound = errors.New("path not found")

// Discover expands the given paths into a flat list of files.
// Files are kept as given; directories are walked recursively in lexical
// order, skipping hidden sub-folders. When extensions are supplied, files
// found inside directories are filtered by them (case-insensitive).
// Explicit file arguments are never filtered.
func Discover(fs afero.Fs, paths []string, extensions ...string) ([]string, error) {
	var files []string
	seen := make(map[string]bool)
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			files = append(files, p)
		}
	}

	for _, root := range paths {
		info, err := fs.Stat(root)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrPathNotFound, root)
			}
			return nil, fmt.Errorf("stat %s: %w", root, err)
		}
		if !info.IsDir() {
			add(root)
			continue
		}

		err = afero.Walk(fs, root, func(p string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if fi.IsDir() && p != root && strings.HasPrefix(fi.Name(), ".") {
				// hidden folders such as .v7 hold metadata, not annotations
				return filepath.SkipDir
			}
			if !fi.Mode().IsRegular() {
				return nil
			}
			if matchExtension(p, extensions) {
				add(p)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", root, err)
		}
	}
	return files, nil
}

func matchExtension(p string, extensions []string) bool {
	if len(extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(p))
	for _, e := range extensions {
		if strings.ToLower(e) == ext {
			return true
		}
	}
	return false
}
