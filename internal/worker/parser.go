// ============================================================================
// annosync Parser Interface
// ============================================================================
//
// Package: internal/worker
// File: parser.go
// Purpose: Defines the abstraction for turning one path into annotation files.
//
// A format importer is injected as a Parser. The pool never knows which
// format it is reading; it only fans paths out and collects what comes back.
//
//   - A parser may return zero, one or many files for a single path.
//   - nil entries are dropped before results reach the caller.
//
// ============================================================================

package worker

import (
	"github.com/ChuLiYu/annosync/pkg/types"
)

// Parser converts a single file path into zero or more annotation files.
type Parser interface {
	Parse(path string) ([]*types.AnnotationFile, error)
}

// ParserFunc adapts an ordinary function to the Parser interface.
type ParserFunc func(path string) ([]*types.AnnotationFile, error)

// Parse calls f(path).
func (f ParserFunc) Parse(path string) ([]*types.AnnotationFile, error) {
	return f(path)
}

// compact drops nil files produced by a parser.
func compact(files []*types.AnnotationFile) []*types.AnnotationFile {
	out := make([]*types.AnnotationFile, 0, len(files))
	for _, f := range files {
		if f != nil {
			out = append(out, f)
		}
	}
	return out
}
