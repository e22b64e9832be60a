// Package remote declares the collaborators the importer talks to: a dataset,
// the team that owns it, and an interactive prompt. The gRPC client in this
// package is one implementation; internal/store is another.
package remote

import (
	"context"
	"errors"

	"github.com/ChuLiYu/annosync/pkg/types"
)

var (
	// ErrRequestTooLarge is returned when a filter carries more filenames than
	// the remote side accepts in one request.
	ErrRequestTooLarge = errors.New("request too large")
	// ErrNotFound is returned for unknown datasets, files, classes or properties.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument is returned for malformed requests.
	ErrInvalidArgument = errors.New("invalid argument")
)

// FileFilter selects remote file records.
type FileFilter struct {
	Types     []string `json:"types,omitempty"`
	Filenames []string `json:"filenames,omitempty"`
}

// MediaTypes are the item types annotation files can be matched against.
var MediaTypes = []string{"image", "playback_video", "video_frame"}

// Dataset is the remote dataset annotations are imported into.
type Dataset interface {
	Slug() string
	// Version is the dataset item format version; 2 and above use slots.
	Version() int
	// FetchClasses lists classes. With teamWide every team class is returned
	// and Available marks those attached to this dataset; otherwise only the
	// dataset's classes are returned.
	FetchClasses(ctx context.Context, teamWide bool) ([]types.RemoteClass, error)
	FetchAttributes(ctx context.Context) ([]types.RemoteAttribute, error)
	FetchFiles(ctx context.Context, filter FileFilter) ([]types.RemoteFile, error)
	// CreateClass creates a team class and attaches it to this dataset.
	CreateClass(ctx context.Context, class types.AnnotationClass) (types.RemoteClass, error)
	// AddClass attaches an existing team class to this dataset.
	AddClass(ctx context.Context, classID string) error
	ImportAnnotations(ctx context.Context, fileID string, payload types.Payload) error
}

// Team owns classes and properties shared by its datasets.
type Team interface {
	Slug() string
	Properties(ctx context.Context) ([]types.Property, error)
	CreateProperty(ctx context.Context, prop types.Property) (types.Property, error)
	UpdateProperty(ctx context.Context, prop types.Property) (types.Property, error)
}

// Prompter asks the user a yes/no question.
type Prompter interface {
	Confirm(ctx context.Context, message string) (bool, error)
}

// AutoConfirm answers every prompt with a fixed value.
type AutoConfirm bool

// Confirm implements Prompter.
func (a AutoConfirm) Confirm(context.Context, string) (bool, error) {
	return bool(a), nil
}
