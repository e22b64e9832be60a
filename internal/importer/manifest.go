package importer

import (
	"sort"

	"github.com/ChuLiYu/annosync/internal/metadata"
	"github.com/ChuLiYu/annosync/pkg/types"
)

type manifestGroup struct {
	manifest    *metadata.Manifest
	annotations []*types.Annotation
}

// groupByManifest collects the annotations of every file covered by a
// manifest. An explicit metadata path covers every file; otherwise each file
// looks for a manifest next to it. Files without a manifest do not take part
// in property import.
func (r *run) groupByManifest(files []*types.AnnotationFile) (map[string]*manifestGroup, []string, error) {
	groups := make(map[string]*manifestGroup)
	for _, f := range files {
		if len(f.Annotations) == 0 {
			continue
		}

		path := r.opts.MetadataPath
		if path == "" {
			found, ok := metadata.Discover(r.fs, f.Path)
			if !ok {
				r.log.Debug("No metadata next to annotation file, ignoring its properties", "path", f.Path)
				continue
			}
			path = found
		}

		g, ok := groups[path]
		if !ok {
			m, err := metadata.Load(r.fs, path)
			if err != nil {
				return nil, nil, err
			}
			g = &manifestGroup{manifest: m}
			groups[path] = g
		}
		g.annotations = append(g.annotations, f.Annotations...)
	}

	order := make([]string, 0, len(groups))
	for path := range groups {
		order = append(order, path)
	}
	sort.Strings(order)
	return groups, order, nil
}
